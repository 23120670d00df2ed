// Package statemachine implements ticket status transitions: fill, nack,
// and fail, with idempotent finalization. Fill follows a
// verify-lease-then-mutate-through-the-sole-writer pattern.
package statemachine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/signalforge/orchestrator/internal/derivation"
	"github.com/signalforge/orchestrator/internal/evidence"
	"github.com/signalforge/orchestrator/internal/schemagate"
	"github.com/signalforge/orchestrator/internal/ticketstore"
	"github.com/signalforge/orchestrator/internal/toolspec"
	"github.com/signalforge/orchestrator/pkg/models"
)

// Machine bundles the collaborators Fill/Nack/Fail need: the store
// (sole writer of canonical fields), the schema gate, the tool allowlist
// and dependency resolver, the evidence writer for rejection artifacts,
// and the derivation engine invoked after a successful finalize.
type Machine struct {
	Store      ticketstore.Store
	Gate       *schemagate.Gate
	Resolver   *toolspec.Resolver
	Evidence   *evidence.Writer
	Derivation *derivation.Engine
	Legacy     bool // true when ENABLE_TOOL_DERIVATION=false: TRIAGE spawns REPLY directly
}

// FillRequest is the input to Fill.
type FillRequest struct {
	TicketID   string
	Outputs    map[string]any
	By         string
	LeaseOwner string
	LeaseToken string
	Direction  schemagate.Direction
}

// FillResult is what handlers translate into an HTTP response.
type FillResult struct {
	Ticket *models.Ticket
	Err    *models.OrchestratorError
}

// Fill implements the nine-step algorithm from the ticket fill contract.
func (m *Machine) Fill(ctx context.Context, req FillRequest) FillResult {
	t, err := m.Store.Get(ctx, req.TicketID)
	if err != nil {
		return FillResult{Err: models.NewError(models.CodeNotFound, err.Error())}
	}

	// Step 1: terminal tickets are an idempotent no-op.
	if t.Status.Terminal() {
		return FillResult{Ticket: t}
	}

	// Step 2: verify lease.
	if t.Metadata.LeaseOwner != req.LeaseOwner || t.Metadata.LeaseToken != req.LeaseToken {
		return FillResult{Err: models.NewError(models.CodeLeaseOwnerMismatch, "lease owner/token mismatch").WithContext("ticket_id", req.TicketID)}
	}

	// Step 3: schema gate at TICKET_COMPLETE.
	direction := req.Direction
	if direction == "" {
		direction = schemagate.DirectionIngress
	}
	gateResult := m.Gate.Validate(schemagate.BoundaryTicketComplete, direction, map[string]any{
		"outputs": req.Outputs,
		"by":      req.By,
	})
	if !gateResult.OK {
		if direction == schemagate.DirectionIngress {
			return FillResult{Err: gateResult.AsOrchestratorError()}
		}
		// strict.internal: never throw, never mutate the parent.
		return FillResult{Ticket: t}
	}

	// Steps 4-5 only apply to TOOL tickets.
	if t.Kind == models.KindTool {
		if rejected, res := m.applyToolGates(ctx, t); rejected {
			return res
		}
	}

	// Step 6: project outputs by kind.
	outputs, toolVerdictRaw := projectOutputs(t.Kind, t.Outputs, req.Outputs)

	// Step 7: transition to done, clear lease.
	finalized, err := m.Store.Finalize(ctx, req.TicketID, models.StatusDone, outputs, toolVerdictRaw)
	if err != nil {
		if oe, ok := err.(*models.OrchestratorError); ok {
			return FillResult{Err: oe}
		}
		return FillResult{Err: models.NewError(models.CodeInternal, err.Error())}
	}

	// Step 8: invoke the Derivation Engine. Step 9 (finalization flag: no
	// release after finalize) is satisfied by Fill never calling Release.
	m.invokeDerivation(ctx, finalized)

	return FillResult{Ticket: finalized}
}

// applyToolGates runs the tool-validation gate then the readiness gate
// for a TOOL ticket fill, finalizing as failed with evidence on rejection.
func (m *Machine) applyToolGates(ctx context.Context, t *models.Ticket) (bool, FillResult) {
	var server string
	if len(t.Metadata.ToolInput.ToolSteps) > 0 {
		server = t.Metadata.ToolInput.ToolSteps[0].Server
	}

	if _, known := toolspec.Allowlist[server]; server == "" || !known {
		runID := uuid.New().String()
		m.emitRejection(runID, t.ID, models.CodeUnknownTool, map[string]any{"tool_name": server})
		finalized, _ := m.Store.Finalize(ctx, t.ID, models.StatusFailed, models.Outputs{}, "")
		return true, FillResult{
			Err: models.NewError(models.CodeUnknownTool, "tool name not in allowlist").
				WithContext("evidence_run_id", runID).
				WithContext("ticket", finalized),
		}
	}

	deps := m.Resolver.DepsFor(server)
	ready, missing := m.Resolver.Ready(deps)
	if !ready {
		runID := uuid.New().String()
		m.emitRejection(runID, t.ID, models.CodeReadinessBlocked, map[string]any{"tool_name": server, "missing_required": missing})
		finalized, _ := m.Store.Finalize(ctx, t.ID, models.StatusFailed, models.Outputs{}, "")
		return true, FillResult{
			Err: models.NewError(models.CodeReadinessBlocked, "required dependencies unavailable").
				WithContext("evidence_run_id", runID).
				WithContext("missing_required", missing).
				WithContext("ticket", finalized),
		}
	}

	return false, FillResult{}
}

func (m *Machine) emitRejection(runID, ticketID string, code models.Code, debug map[string]any) {
	if m.Evidence == nil {
		return
	}
	if _, err := m.Evidence.WriteRejection(runID, ticketID, code, debug); err != nil {
		log.Error().Err(err).Str("ticket_id", ticketID).Msg("failed to write rejection evidence")
	}
}

// invokeDerivation dispatches to the Derivation Engine based on the
// finalized ticket's kind, per the control-flow diagram.
func (m *Machine) invokeDerivation(ctx context.Context, t *models.Ticket) {
	if m.Derivation == nil {
		return
	}
	switch t.Kind {
	case models.KindTriage:
		if m.Legacy {
			m.Derivation.DeriveLegacyTriageToReply(ctx, t)
		} else {
			m.Derivation.DeriveFromTriage(ctx, t)
		}
	case models.KindTool:
		triage := m.lookupTriageAncestor(ctx, t)
		m.Derivation.DeriveFromTool(ctx, t, triage, "")
	}
}

func (m *Machine) lookupTriageAncestor(ctx context.Context, toolTicket *models.Ticket) *models.Ticket {
	if toolTicket.Metadata.TriageReferenceID == "" {
		return nil
	}
	triage, err := m.Store.Get(ctx, toolTicket.Metadata.TriageReferenceID)
	if err != nil {
		return nil
	}
	return triage
}

// projectOutputs applies step 6's per-kind projection rules. The raw
// tool_verdict string is returned alongside outputs rather than assigned
// onto it: only ticketstore.Store.Finalize may set Outputs.ToolVerdict.
func projectOutputs(kind models.Kind, existing models.Outputs, raw map[string]any) (models.Outputs, string) {
	out := existing
	var toolVerdictRaw string
	switch kind {
	case models.KindTriage:
		out.Decision = strVal(raw, "decision")
	case models.KindTool:
		toolVerdictRaw = strVal(raw, "tool_verdict")
		out.TargetPromptID = strVal(raw, "target_prompt_id")
		out.ReplyStrategy = strVal(raw, "reply_strategy")
	case models.KindReply:
		out.ReplyText = strVal(raw, "reply_text")
	}
	return out, toolVerdictRaw
}

func strVal(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Nack verifies the lease, transitions running->pending, clears lease,
// and increments the attempt counter (tracked as an attempt event since
// no separate counter field exists on Ticket).
func (m *Machine) Nack(ctx context.Context, ticketID, leaseOwner, leaseToken string) (*models.Ticket, *models.OrchestratorError) {
	t, err := m.Store.Get(ctx, ticketID)
	if err != nil {
		return nil, models.NewError(models.CodeNotFound, err.Error())
	}
	if t.Metadata.LeaseOwner != leaseOwner || t.Metadata.LeaseToken != leaseToken {
		return nil, models.NewError(models.CodeLeaseOwnerMismatch, "lease owner/token mismatch")
	}
	if _, updErr := m.Store.UpdateUnderLease(ctx, ticketID, leaseOwner, leaseToken, func(w *models.Ticket) error {
		w.AttemptEvents = append(w.AttemptEvents, models.AttemptEvent{Type: "NACK", Timestamp: time.Now().UTC()})
		return nil
	}); updErr != nil {
		return nil, models.NewError(models.CodeInternal, updErr.Error())
	}
	if relErr := m.Store.Release(ctx, ticketID, leaseOwner, leaseToken); relErr != nil {
		return nil, models.NewError(models.CodeInternal, relErr.Error())
	}
	updated, getErr := m.Store.Get(ctx, ticketID)
	if getErr != nil {
		return nil, models.NewError(models.CodeNotFound, getErr.Error())
	}
	return updated, nil
}

// Fail transitions a ticket directly to failed with a stable reason code.
func (m *Machine) Fail(ctx context.Context, ticketID, reasonCode string) (*models.Ticket, *models.OrchestratorError) {
	finalized, err := m.Store.Finalize(ctx, ticketID, models.StatusFailed, models.Outputs{}, "")
	if err != nil {
		return nil, models.NewError(models.CodeInternal, err.Error())
	}
	log.Info().Str("ticket_id", ticketID).Str("reason_code", reasonCode).Msg("ticket failed")
	return finalized, nil
}
