// Package api assembles the chi router exposing the orchestrator's HTTP
// contract: global middleware first, then the route tree.
package api

import (
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/signalforge/orchestrator/internal/api/handlers"
	"github.com/signalforge/orchestrator/internal/api/middleware"
)

// NewRouter builds the HTTP router wiring every endpoint in the external
// interface contract to h.
func NewRouter(h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)

	corsOrigins := parseCORSOrigins()
	isWildcard := len(corsOrigins) == 1 && corsOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !isWildcard,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Get("/metrics", h.Metrics)
	r.Post("/events", h.CreateEvent)

	r.Route("/v1/tickets", func(r chi.Router) {
		r.Get("/", h.ListTickets)
		r.Post("/lease", h.LeaseBatch)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetTicket)
			r.Post("/lease", h.LeaseOne)
			r.Post("/fill", h.Fill)
		})
	})

	r.Route("/v1/tools", func(r chi.Router) {
		r.Post("/execute", h.ExecuteTool)
	})

	return r
}

// parseCORSOrigins reads allowed CORS origins from the environment,
// defaulting to a credentials-safe wildcard.
func parseCORSOrigins() []string {
	originsEnv := os.Getenv("ORCHESTRATOR_CORS_ORIGINS")
	if originsEnv == "" {
		return []string{"*"}
	}

	var origins []string
	for _, o := range strings.Split(originsEnv, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
