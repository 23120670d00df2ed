// Package server wires every orchestrator component into a single
// runnable process: config, ticket store, lease scheduler, schema gate,
// derivation engine, state machine, readiness registry, cutover policy,
// evidence writer, audit log, telemetry, and the HTTP router.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/signalforge/orchestrator/internal/api"
	"github.com/signalforge/orchestrator/internal/api/handlers"
	"github.com/signalforge/orchestrator/internal/auditlog"
	"github.com/signalforge/orchestrator/internal/config"
	"github.com/signalforge/orchestrator/internal/cutover"
	"github.com/signalforge/orchestrator/internal/derivation"
	"github.com/signalforge/orchestrator/internal/evidence"
	"github.com/signalforge/orchestrator/internal/lease"
	"github.com/signalforge/orchestrator/internal/probe"
	"github.com/signalforge/orchestrator/internal/readiness"
	"github.com/signalforge/orchestrator/internal/runner"
	"github.com/signalforge/orchestrator/internal/schemagate"
	"github.com/signalforge/orchestrator/internal/statemachine"
	"github.com/signalforge/orchestrator/internal/telemetry"
	"github.com/signalforge/orchestrator/internal/ticketstore"
	"github.com/signalforge/orchestrator/internal/toolspec"
	"github.com/signalforge/orchestrator/pkg/models"
)

// Server holds every long-lived component plus the HTTP server itself.
type Server struct {
	cfg            *config.Config
	store          ticketstore.Store
	scheduler      *lease.Scheduler
	readiness      *readiness.Registry
	shutdownOTel   func(context.Context) error
	httpServer     *http.Server
	auditLog       *auditlog.Log
}

// New constructs every component and assembles the HTTP server, but does
// not start listening.
func New(cfg *config.Config) (*Server, error) {
	store, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("server: open store: %w", err)
	}

	reg := readiness.NewRegistry()
	for _, dep := range []string{"memory", "web_search", "filesystem", "notebooklm", "security", "access", "search"} {
		if cfg.Readiness.NoMCP {
			reg.Set(dep, false, models.CodeProviderUnavailableNoMCP, "NO_MCP enabled")
		} else {
			reg.Set(dep, true, models.CodeDepOK, "")
		}
	}

	var provider probe.Provider = probe.NoMcpProvider{}
	probeRunner := probe.NewRunner(provider)
	probeReport := probeRunner.Run(context.Background())
	log.Info().Int("exit_code", probeReport.ExitCode).Msg("startup probes evaluated")

	reg.EnforceStrictInit(cfg.Readiness.StrictInit, []string{"memory", "web_search", "filesystem"})

	resolver := toolspec.NewResolver(reg)
	gate := schemagate.NewGate(cfg.Schema.Mode)
	policy := cutover.NewPolicy(cfg.Cutover.CutoverUntilMs)
	metrics := cutover.NewMetrics()

	derivationCfg := cfg.Derivation()
	derivationEngine := derivation.NewEngine(store, gate, derivation.Config{
		EnableToolDerivation:  derivationCfg.EnableToolDerivation,
		EnableReplyDerivation: derivationCfg.EnableReplyDerivation,
		ToolOnlyMode:          derivationCfg.ToolOnlyMode,
	})

	evidenceWriter := evidence.NewWriter(cfg.Store.LogsDir, cfg.Evidence.AllowRunIDOverwrite)
	runnerCore := runner.NewCore(toolspec.Allowlist, resolver)

	machine := &statemachine.Machine{
		Store:      store,
		Gate:       gate,
		Resolver:   resolver,
		Evidence:   evidenceWriter,
		Derivation: derivationEngine,
		Legacy:     !derivationCfg.EnableToolDerivation,
	}

	scheduler := lease.NewScheduler(store, time.Duration(cfg.Lease.ReclaimInterval)*time.Second)

	shutdownOTel, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("server: init telemetry: %w", err)
	}

	auditLog := auditlog.NewLog(10000)

	h := &handlers.Handlers{
		Store:          store,
		Scheduler:      scheduler,
		Machine:        machine,
		Readiness:      reg,
		CutoverPolicy:  policy,
		CutoverMetrics: metrics,
		SchemaGate:     gate,
		Resolver:       resolver,
		RunnerCore:     runnerCore,
		AuditLog:       auditLog,
		Version:        cfg.Version,
	}

	router := api.NewRouter(h)

	return &Server{
		cfg:       cfg,
		store:        store,
		scheduler:    scheduler,
		readiness:    reg,
		auditLog:     auditLog,
		shutdownOTel: shutdownOTel,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
	}, nil
}

// Start launches the background lease reclaimer and blocks serving HTTP
// until the listener errors or is shut down.
func (s *Server) Start(ctx context.Context) error {
	s.scheduler.Start(ctx)
	log.Info().Str("addr", s.httpServer.Addr).Msg("orchestrator listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, stops the reclaimer, flushes
// telemetry, and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.scheduler.Stop()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown error")
	}
	if s.shutdownOTel != nil {
		if err := s.shutdownOTel(ctx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown error")
		}
	}
	return s.store.Close()
}

func openStore(cfg config.StoreConfig) (ticketstore.Store, error) {
	if cfg.DatabaseURL != "" {
		return ticketstore.NewPostgresStore(context.Background(), cfg.DatabaseURL)
	}
	logPath := cfg.LogsDir + "/tickets.jsonl"
	return ticketstore.NewMemoryStore(logPath)
}
