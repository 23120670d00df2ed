// Package derivation implements the Derivation Engine: deterministic,
// idempotent creation of child tickets gated by configuration and
// decisions. The engine does not consult dependency readiness. Follows a
// gate-then-act-with-audit-logging shape and checks idempotency via an
// existing back-reference before creating.
package derivation

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/signalforge/orchestrator/internal/schemagate"
	"github.com/signalforge/orchestrator/internal/ticketstore"
	"github.com/signalforge/orchestrator/pkg/models"
)

// Config carries the three env-backed toggles that gate derivation.
type Config struct {
	EnableToolDerivation  bool
	EnableReplyDerivation bool
	ToolOnlyMode          bool
}

// Engine derives TOOL tickets from approved TRIAGE tickets and REPLY
// tickets from PROCEED-verdict TOOL tickets.
type Engine struct {
	store  ticketstore.Store
	gate   *schemagate.Gate
	config Config
}

func NewEngine(store ticketstore.Store, gate *schemagate.Gate, cfg Config) *Engine {
	return &Engine{store: store, gate: gate, config: cfg}
}

// Outcome describes what DeriveFromTriage / DeriveFromTool did, for the
// caller (State Machine) to log or report without the engine mutating
// anything it shouldn't.
type Outcome struct {
	Created    bool
	Recovered  bool
	ChildID    string
	SkipReason string
}

// DeriveFromTriage implements TRIAGE -> TOOL. Failures never mutate the
// parent and never throw; they are reported as a skip reason.
func (e *Engine) DeriveFromTriage(ctx context.Context, parent *models.Ticket) Outcome {
	if parent.Kind != models.KindTriage {
		return Outcome{SkipReason: "not_triage"}
	}
	if parent.Outputs.Decision != "APPROVE" {
		return Outcome{SkipReason: "decision_not_approve"}
	}
	if !e.config.EnableToolDerivation {
		return Outcome{SkipReason: "tool_derivation_disabled"}
	}
	if parent.Derived.ToolTicketID != "" {
		return Outcome{SkipReason: "already_derived", ChildID: parent.Derived.ToolTicketID}
	}

	query := truncate(parent.Event.Content, 120)
	if query == "" {
		query = "triage:" + parent.Metadata.CandidateID
	}

	child := &models.Ticket{
		Kind:   models.KindTool,
		FlowID: "tool_execution_v1",
		Status: models.StatusPending,
		Event:  parent.Event,
		Metadata: models.Metadata{
			Kind:              models.KindTool,
			ParentTicketID:    parent.ID,
			CandidateID:       parent.Metadata.CandidateID,
			TriageReferenceID: firstNonEmpty(parent.Metadata.TriageReferenceID, parent.ID),
			ToolInput: models.ToolInput{
				ToolSteps: []models.ToolStep{{
					Server: "memory",
					Tool:   "search_nodes",
					Args:   map[string]any{"query": query},
				}},
			},
		},
	}

	payload := map[string]any{
		"kind":     string(child.Kind),
		"flow_id":  child.FlowID,
		"metadata": map[string]any{"parent_ticket_id": child.Metadata.ParentTicketID},
	}
	result := e.gate.Validate(schemagate.BoundaryTicketDerive, schemagate.DirectionInternal, payload)
	if !result.OK {
		return Outcome{SkipReason: "schema_validation_failed"}
	}

	id, err := e.store.Create(ctx, child)
	if err != nil {
		log.Error().Err(err).Str("parent", parent.ID).Msg("derive TRIAGE->TOOL create failed")
		return Outcome{SkipReason: "store_create_failed"}
	}

	if err := e.store.SetDerived(ctx, parent.ID, "tool", id); err != nil {
		log.Error().Err(err).Str("parent", parent.ID).Msg("derive TRIAGE->TOOL back-reference write failed")
	}

	log.Info().Str("component", "derive").Str("ticket", id).Msg("[derive] TRIAGE -> TOOL ticket=" + id)
	return Outcome{Created: true, ChildID: id}
}

// DeriveFromTool implements TOOL -> REPLY, including orphan recovery.
func (e *Engine) DeriveFromTool(ctx context.Context, parent *models.Ticket, triage *models.Ticket, contextNotes string) Outcome {
	if parent.Kind != models.KindTool {
		return Outcome{SkipReason: "not_tool"}
	}
	if !e.config.EnableReplyDerivation {
		return Outcome{SkipReason: "reply_derivation_disabled"}
	}
	if e.config.ToolOnlyMode {
		return Outcome{SkipReason: "tool_only_mode"}
	}

	verdict := parent.ToolVerdictOf()
	if verdict == models.VerdictUnknown {
		return Outcome{SkipReason: "missing_tool_verdict"}
	}
	if verdict != models.VerdictProceed {
		return Outcome{SkipReason: "gate_tool_verdict_not_proceed"}
	}
	if parent.Derived.ReplyTicketID != "" {
		return Outcome{SkipReason: "already_derived", ChildID: parent.Derived.ReplyTicketID}
	}

	// Orphan recovery: a REPLY may already exist for this TOOL parent
	// without a recorded back-reference.
	existing, err := e.store.List(ctx, ticketstore.Filter{Kind: models.KindReply, ParentTicketID: parent.ID, Limit: 1})
	if err == nil && len(existing) > 0 {
		recoveredID := existing[0].ID
		if writeErr := e.store.SetDerived(ctx, parent.ID, "reply", recoveredID); writeErr != nil {
			log.Warn().Err(writeErr).Str("parent", parent.ID).Msg("derive orphan recovery back-reference write failed")
		}
		return Outcome{Recovered: true, ChildID: recoveredID}
	}

	triageID := ""
	if triage != nil {
		triageID = triage.ID
	}

	child := &models.Ticket{
		Kind:   models.KindReply,
		FlowID: "reply_zh_hant_v1",
		Status: models.StatusPending,
		Metadata: models.Metadata{
			Kind:              models.KindReply,
			ParentTicketID:    parent.ID,
			TriageReferenceID: triageID,
			PromptID:          firstNonEmpty(parent.Outputs.TargetPromptID, "reply.standard"),
			ReplyInput: models.ReplyInput{
				Strategy:     parent.Outputs.ReplyStrategy,
				ContextNotes: contextNotes,
			},
		},
	}
	if triage != nil {
		child.Event = triage.Event
	}

	payload := map[string]any{
		"kind":     string(child.Kind),
		"flow_id":  child.FlowID,
		"metadata": map[string]any{"parent_ticket_id": child.Metadata.ParentTicketID},
	}
	result := e.gate.Validate(schemagate.BoundaryTicketDerive, schemagate.DirectionInternal, payload)
	if !result.OK {
		return Outcome{SkipReason: "schema_validation_failed"}
	}

	id, err := e.store.Create(ctx, child)
	if err != nil {
		log.Error().Err(err).Str("parent", parent.ID).Msg("derive TOOL->REPLY create failed")
		return Outcome{SkipReason: "store_create_failed"}
	}

	if writeErr := e.store.SetDerived(ctx, parent.ID, "reply", id); writeErr != nil {
		log.Error().Err(writeErr).Str("parent", parent.ID).Msg("derive TOOL->REPLY back-reference write failed")
	}

	log.Info().Str("component", "derive").Str("ticket", id).Msg("[derive] TOOL -> REPLY ticket=" + id)
	return Outcome{Created: true, ChildID: id}
}

// DeriveLegacyTriageToReply implements the legacy direct TRIAGE->REPLY
// path taken when tool derivation is disabled. It produces a superset of
// the canonical REPLY metadata keys, including triage_reference_id, and
// has no parent_ticket_id by design (open question 3).
func (e *Engine) DeriveLegacyTriageToReply(ctx context.Context, parent *models.Ticket) Outcome {
	if parent.Kind != models.KindTriage {
		return Outcome{SkipReason: "not_triage"}
	}
	if parent.Outputs.Decision != "APPROVE" {
		return Outcome{SkipReason: "decision_not_approve"}
	}
	if e.config.EnableToolDerivation {
		return Outcome{SkipReason: "tool_derivation_enabled"}
	}
	if parent.Derived.ReplyTicketID != "" {
		return Outcome{SkipReason: "already_derived", ChildID: parent.Derived.ReplyTicketID}
	}

	child := &models.Ticket{
		Kind:   models.KindReply,
		FlowID: "reply_zh_hant_v1",
		Status: models.StatusPending,
		Event:  parent.Event,
		Metadata: models.Metadata{
			Kind:              models.KindReply,
			TriageReferenceID: parent.ID,
			CandidateID:       parent.Metadata.CandidateID,
			PromptID:          "reply.standard",
		},
	}

	payload := map[string]any{
		"kind":     string(child.Kind),
		"flow_id":  child.FlowID,
		"metadata": map[string]any{"triage_reference_id": child.Metadata.TriageReferenceID},
	}
	result := e.gate.Validate(schemagate.BoundaryTicketDerive, schemagate.DirectionInternal, payload)
	if !result.OK {
		return Outcome{SkipReason: "schema_validation_failed"}
	}

	id, err := e.store.Create(ctx, child)
	if err != nil {
		return Outcome{SkipReason: "store_create_failed"}
	}
	if writeErr := e.store.SetDerived(ctx, parent.ID, "reply", id); writeErr != nil {
		log.Error().Err(writeErr).Str("parent", parent.ID).Msg("derive legacy TRIAGE->REPLY back-reference write failed")
	}
	log.Info().Str("component", "derive").Str("ticket", id).Msg("[derive] TRIAGE -> REPLY (legacy) ticket=" + id)
	return Outcome{Created: true, ChildID: id}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
