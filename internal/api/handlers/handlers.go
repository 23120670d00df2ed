// Package handlers implements the HTTP contract over the orchestrator's
// domain components. Handlers stay thin and delegate to the store and
// domain engines.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/signalforge/orchestrator/internal/auditlog"
	"github.com/signalforge/orchestrator/internal/cutover"
	"github.com/signalforge/orchestrator/internal/lease"
	"github.com/signalforge/orchestrator/internal/readiness"
	"github.com/signalforge/orchestrator/internal/runner"
	"github.com/signalforge/orchestrator/internal/schemagate"
	"github.com/signalforge/orchestrator/internal/statemachine"
	"github.com/signalforge/orchestrator/internal/ticketstore"
	"github.com/signalforge/orchestrator/internal/toolspec"
	"github.com/signalforge/orchestrator/pkg/models"
)

// stubGateway answers every tool call as unavailable; it is what
// /v1/tools/execute falls back to when no real MCP transport is wired,
// matching the readiness registry's NO_MCP degraded-mode posture.
type stubGateway struct{}

func (stubGateway) Execute(ctx context.Context, toolName string, args map[string]any) runner.GatewayResult {
	return runner.GatewayResult{OK: false, ErrorCode: "unavailable", ErrorMessage: "no tool gateway configured"}
}

// Handlers bundles every domain collaborator an HTTP handler may need.
type Handlers struct {
	Store          ticketstore.Store
	Scheduler      *lease.Scheduler
	Machine        *statemachine.Machine
	Readiness      *readiness.Registry
	CutoverPolicy  *cutover.Policy
	CutoverMetrics *cutover.Metrics
	SchemaGate     *schemagate.Gate
	Resolver       *toolspec.Resolver
	RunnerCore     *runner.Core
	Gateway        runner.Gateway
	AuditLog       *auditlog.Log
	Version        string
}

func (h *Handlers) audit(ticketID, action, detail string) {
	if h.AuditLog == nil {
		return
	}
	h.AuditLog.Record(ticketID, action, detail)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("handlers: failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code models.Code, extra map[string]any) {
	body := map[string]any{"error_code": string(code)}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

// CreateEvent handles POST /events: validates the incoming event payload
// at the TICKET_CREATE boundary and creates a TRIAGE ticket for it.
func (h *Handlers) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed", nil)
		return
	}

	if h.SchemaGate != nil {
		result := h.SchemaGate.Validate(schemagate.BoundaryTicketCreate, schemagate.DirectionIngress, payload)
		if !result.OK {
			writeError(w, http.StatusBadRequest, models.CodeSchemaValidationFailed, map[string]any{"errors": result.Errors})
			return
		}
	}

	event := models.Event{
		Type:      strField(payload, "type"),
		EventID:   strField(payload, "event_id"),
		ThreadID:  strField(payload, "thread_id"),
		Content:   strField(payload, "content"),
		Actor:     strField(payload, "actor"),
		Timestamp: time.Now().UTC(),
	}
	if f, ok := payload["features"].(map[string]any); ok {
		event.Features = f
	}

	ticket := &models.Ticket{
		Kind:   models.KindTriage,
		Status: models.StatusPending,
		Event:  event,
	}
	ticket.Metadata.Kind = models.KindTriage

	id, err := h.Store.Create(r.Context(), ticket)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed", map[string]any{"detail": err.Error()})
		return
	}
	h.audit(id, "create", event.Type)
	writeJSON(w, http.StatusOK, map[string]any{"ticket_id": id})
}

// LeaseBatch handles POST /v1/tickets/lease: a capability-filtered batch
// lease for one kind.
func (h *Handlers) LeaseBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind         string `json:"kind"`
		Limit        int    `json:"limit"`
		LeaseSec     int    `json:"lease_sec"`
		Capabilities string `json:"capabilities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed", nil)
		return
	}

	kind := models.Kind(req.Kind)
	if kind == models.KindTool && h.Resolver != nil {
		deps := h.Resolver.FallbackDeps()
		if ready, missing := h.Resolver.Ready(deps); !ready {
			writeError(w, http.StatusServiceUnavailable, models.CodeMCPRequiredUnavailable, map[string]any{"missing_required": missing})
			return
		}
	}

	tickets, err := h.Store.Lease(r.Context(), ticketstore.LeaseRequest{
		Kind:         kind,
		Limit:        req.Limit,
		LeaseSec:     req.LeaseSec,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		if oe, ok := err.(*models.OrchestratorError); ok {
			writeError(w, http.StatusBadRequest, oe.Code, oe.Context)
			return
		}
		writeError(w, http.StatusInternalServerError, models.CodeInternal, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": tickets})
}

// LeaseOne handles POST /v1/tickets/{id}/lease.
func (h *Handlers) LeaseOne(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		LeaseSec   int    `json:"lease_sec"`
		LeaseOwner string `json:"lease_owner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed", nil)
		return
	}

	ticket, err := h.Store.LeaseOne(r.Context(), id, req.LeaseOwner, req.LeaseSec)
	if err != nil {
		if oe, ok := err.(*models.OrchestratorError); ok && oe.Code == models.CodeLeaseConflict {
			writeJSON(w, http.StatusConflict, map[string]any{
				"status":      "rejected",
				"error_code":  string(oe.Code),
				"stable_code": string(oe.Code),
			})
			return
		}
		if _, ok := err.(*ticketstore.ErrNotFound); ok {
			writeError(w, http.StatusNotFound, models.CodeNotFound, nil)
			return
		}
		writeError(w, http.StatusInternalServerError, models.CodeInternal, nil)
		return
	}
	h.audit(id, "lease", req.LeaseOwner)
	writeJSON(w, http.StatusOK, map[string]any{"status": "leased", "ticket": ticket})
}

// Fill handles POST /v1/tickets/{id}/fill.
func (h *Handlers) Fill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Outputs    map[string]any `json:"outputs"`
		By         string         `json:"by"`
		LeaseOwner string         `json:"lease_owner"`
		LeaseToken string         `json:"lease_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed", nil)
		return
	}

	result := h.Machine.Fill(r.Context(), statemachine.FillRequest{
		TicketID:   id,
		Outputs:    req.Outputs,
		By:         req.By,
		LeaseOwner: req.LeaseOwner,
		LeaseToken: req.LeaseToken,
		Direction:  schemagate.DirectionIngress,
	})
	if result.Err != nil {
		status := statusForCode(result.Err.Code)
		writeError(w, status, result.Err.Code, result.Err.Context)
		return
	}
	h.audit(id, "fill", req.By)
	writeJSON(w, http.StatusOK, result.Ticket)
}

// GetTicket handles GET /v1/tickets/{id}.
func (h *Handlers) GetTicket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ticket, err := h.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, models.CodeNotFound, nil)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

// ListTickets handles GET /v1/tickets?status=&limit=.
func (h *Handlers) ListTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ticketstore.Filter{}
	if s := q.Get("status"); s != "" {
		filter.Status = models.NormalizeStatus(s)
	}
	if k := q.Get("kind"); k != "" {
		filter.Kind = models.Kind(k)
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}

	tickets, err := h.Store.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.CodeInternal, nil)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

// Health handles GET /health: always 200, body is the readiness snapshot.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	snapshot := map[string]any{}
	if h.Readiness != nil {
		for k, v := range h.Readiness.Snapshot() {
			snapshot[k] = v
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": h.Version, "readiness": snapshot})
}

// Metrics handles GET /metrics.
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{}

	readinessSnap := map[string]any{}
	if h.Readiness != nil {
		for k, v := range h.Readiness.Snapshot() {
			readinessSnap[k] = v
		}
	}
	body["readiness"] = readinessSnap

	cutoverBody := map[string]any{}
	if h.CutoverPolicy != nil && h.CutoverMetrics != nil {
		nowMs := time.Now().UTC().UnixMilli()
		mode := h.CutoverPolicy.Mode(nowMs)
		cutoverBody["mode"] = mode
		cutoverBody["counters"] = h.CutoverMetrics.Snapshot()
		cutoverBody["can_enable_strict"] = h.CutoverMetrics.CanEnableStrict(mode)
	}
	body["cutover"] = cutoverBody

	schemaBody := map[string]any{}
	if h.SchemaGate != nil {
		schemaBody["mode"] = h.SchemaGate.Mode()
		classes := []schemagate.ErrorClass{schemagate.ClassMissing, schemagate.ClassTypeMismatch, schemagate.ClassUnknownField, schemagate.ClassSchemaInvalid}
		boundaries := []schemagate.Boundary{schemagate.BoundaryTicketCreate, schemagate.BoundaryTicketComplete, schemagate.BoundaryTicketDerive}
		counts := map[string]int64{}
		for _, b := range boundaries {
			for _, c := range classes {
				if n := h.SchemaGate.MetricCount(b, c); n > 0 {
					counts[string(b)+":"+string(c)] = n
				}
			}
		}
		schemaBody["counts"] = counts
	}
	body["schema_gate"] = schemaBody

	writeJSON(w, http.StatusOK, body)
}

// ExecuteTool handles POST /v1/tools/execute: a direct, non-ticket tool
// invocation path used for ad hoc diagnostics.
func (h *Handlers) ExecuteTool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Server    string         `json:"server"`
		Tool      string         `json:"tool"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed", nil)
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "missing_tool", nil)
		return
	}

	if h.Resolver != nil {
		deps := h.Resolver.DepsFor(req.Server)
		if ready, missing := h.Resolver.Ready(deps); !ready {
			writeError(w, http.StatusServiceUnavailable, models.CodeMCPRequiredUnavailable, map[string]any{
				"missing_required": missing,
				"degraded":         true,
				"as_of":            time.Now().UTC().Format(time.RFC3339Nano),
			})
			return
		}
	}

	gw := h.Gateway
	if gw == nil {
		gw = stubGateway{}
	}
	result := gw.Execute(r.Context(), req.Tool, req.Arguments)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     result.OK,
		"result": result.Result,
		"code":   result.ErrorCode,
	})
}

func strField(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func statusForCode(code models.Code) int {
	switch code {
	case models.CodeNotFound:
		return http.StatusNotFound
	case models.CodeLeaseOwnerMismatch, models.CodeLeaseConflict, models.CodeUnknownTool, models.CodeReadinessBlocked:
		return http.StatusConflict
	case models.CodeSchemaValidationFailed:
		return http.StatusBadRequest
	case models.CodeMCPRequiredUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
