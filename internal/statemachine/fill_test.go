package statemachine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalforge/orchestrator/internal/derivation"
	"github.com/signalforge/orchestrator/internal/evidence"
	"github.com/signalforge/orchestrator/internal/readiness"
	"github.com/signalforge/orchestrator/internal/schemagate"
	"github.com/signalforge/orchestrator/internal/ticketstore"
	"github.com/signalforge/orchestrator/internal/toolspec"
	"github.com/signalforge/orchestrator/pkg/models"
)

func newTestMachine(t *testing.T) (*Machine, *ticketstore.MemoryStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tickets.jsonl")
	store, err := ticketstore.NewMemoryStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := readiness.NewRegistry()
	reg.Set("memory", true, models.CodeDepOK, "")
	reg.Set("web_search", true, models.CodeDepOK, "")

	return &Machine{
		Store:      store,
		Gate:       schemagate.NewGate("warn"),
		Resolver:   toolspec.NewResolver(reg),
		Evidence:   evidence.NewWriter(filepath.Join(t.TempDir(), "evidence"), false),
		Derivation: derivation.NewEngine(store, schemagate.NewGate("warn"), derivation.Config{EnableToolDerivation: true, EnableReplyDerivation: true}),
	}, store
}

func leaseTicket(t *testing.T, store *ticketstore.MemoryStore, id, owner string) *models.Ticket {
	t.Helper()
	leased, err := store.LeaseOne(context.Background(), id, owner, 60)
	require.NoError(t, err)
	return leased
}

func TestFillTerminalTicketIsNoOp(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	id, err := store.Create(ctx, &models.Ticket{Kind: models.KindTriage})
	require.NoError(t, err)
	_, err = store.Finalize(ctx, id, models.StatusDone, models.Outputs{Decision: "APPROVE"}, "")
	require.NoError(t, err)

	res := m.Fill(ctx, FillRequest{TicketID: id, Outputs: map[string]any{"decision": "REJECT"}})
	require.Nil(t, res.Err)
	assert.Equal(t, "APPROVE", res.Ticket.Outputs.Decision, "a terminal ticket must never be mutated by a later fill")
}

func TestFillRejectsLeaseOwnerMismatch(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	id, err := store.Create(ctx, &models.Ticket{Kind: models.KindTriage})
	require.NoError(t, err)
	leaseTicket(t, store, id, "owner-a")

	res := m.Fill(ctx, FillRequest{TicketID: id, LeaseOwner: "owner-b", LeaseToken: "wrong-token", Outputs: map[string]any{"decision": "APPROVE"}})
	require.NotNil(t, res.Err)
	assert.Equal(t, models.CodeLeaseOwnerMismatch, res.Err.Code)
}

func TestFillTriageProjectsDecisionAndDerivesTool(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	id, err := store.Create(ctx, &models.Ticket{Kind: models.KindTriage})
	require.NoError(t, err)
	leased := leaseTicket(t, store, id, "owner-a")

	res := m.Fill(ctx, FillRequest{
		TicketID: id, LeaseOwner: "owner-a", LeaseToken: leased.Metadata.LeaseToken,
		Outputs: map[string]any{"decision": "APPROVE"},
	})
	require.Nil(t, res.Err)
	assert.Equal(t, models.StatusDone, res.Ticket.Status)
	assert.Equal(t, "APPROVE", res.Ticket.Outputs.Decision)

	updated, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, updated.Derived.ToolTicketID, "a successful TRIAGE fill must derive a TOOL ticket")
}

func TestFillToolProjectsVerdictAndDerivesReplyOnProceed(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	id, err := store.Create(ctx, &models.Ticket{
		Kind:     models.KindTool,
		Metadata: models.Metadata{ToolInput: models.ToolInput{ToolSteps: []models.ToolStep{{Server: "memory", Tool: "search_nodes", Args: map[string]any{"query": "x"}}}}},
	})
	require.NoError(t, err)
	leased := leaseTicket(t, store, id, "owner-a")

	res := m.Fill(ctx, FillRequest{
		TicketID: id, LeaseOwner: "owner-a", LeaseToken: leased.Metadata.LeaseToken,
		Outputs: map[string]any{"tool_verdict": "PROCEED"},
	})
	require.Nil(t, res.Err)
	assert.Equal(t, models.VerdictProceed, res.Ticket.Outputs.ToolVerdict)

	updated, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, updated.Derived.ReplyTicketID)
}

func TestFillToolUnknownToolRejectsAndEmitsEvidence(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	id, err := store.Create(ctx, &models.Ticket{
		Kind:     models.KindTool,
		Metadata: models.Metadata{ToolInput: models.ToolInput{ToolSteps: []models.ToolStep{{Server: "not_a_real_server", Tool: "not_a_real_tool"}}}},
	})
	require.NoError(t, err)
	leased := leaseTicket(t, store, id, "owner-a")

	res := m.Fill(ctx, FillRequest{
		TicketID: id, LeaseOwner: "owner-a", LeaseToken: leased.Metadata.LeaseToken,
		Outputs: map[string]any{"tool_verdict": "PROCEED"},
	})
	require.NotNil(t, res.Err)
	assert.Equal(t, models.CodeUnknownTool, res.Err.Code)

	final, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, final.Status)
}

func TestFillToolReadinessBlockedRejectsWithMissingDeps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tickets.jsonl")
	store, err := ticketstore.NewMemoryStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := readiness.NewRegistry()
	reg.Set("memory", false, models.CodeDepUnavailable, "down")
	m := &Machine{
		Store:    store,
		Gate:     schemagate.NewGate("warn"),
		Resolver: toolspec.NewResolver(reg),
		Evidence: evidence.NewWriter(filepath.Join(t.TempDir(), "evidence"), false),
	}

	ctx := context.Background()
	id, err := store.Create(ctx, &models.Ticket{
		Kind:     models.KindTool,
		Metadata: models.Metadata{ToolInput: models.ToolInput{ToolSteps: []models.ToolStep{{Server: "memory", Tool: "search_nodes", Args: map[string]any{"query": "x"}}}}},
	})
	require.NoError(t, err)
	leased := leaseTicket(t, store, id, "owner-a")

	res := m.Fill(ctx, FillRequest{
		TicketID: id, LeaseOwner: "owner-a", LeaseToken: leased.Metadata.LeaseToken,
		Outputs: map[string]any{"tool_verdict": "PROCEED"},
	})
	require.NotNil(t, res.Err)
	assert.Equal(t, models.CodeReadinessBlocked, res.Err.Code)
	missing, _ := res.Err.Context["missing_required"].([]string)
	assert.Contains(t, missing, "memory")
}

func TestFillReplyProjectsReplyText(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	id, err := store.Create(ctx, &models.Ticket{Kind: models.KindReply})
	require.NoError(t, err)
	leased := leaseTicket(t, store, id, "owner-a")

	res := m.Fill(ctx, FillRequest{
		TicketID: id, LeaseOwner: "owner-a", LeaseToken: leased.Metadata.LeaseToken,
		Outputs: map[string]any{"reply_text": "thanks for reaching out"},
	})
	require.Nil(t, res.Err)
	assert.Equal(t, "thanks for reaching out", res.Ticket.Outputs.ReplyText)
}

// TestFillEndToEndTriageToolReplyHappyPath drives the derived TOOL
// ticket through its own gate using the exact tool_steps shape the
// Derivation Engine seeds (server:"memory", tool:"search_nodes"), not a
// hand-built step, so the allowlist/readiness gate is exercised against
// what the system itself produces.
func TestFillEndToEndTriageToolReplyHappyPath(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	triageID, err := store.Create(ctx, &models.Ticket{Kind: models.KindTriage, Event: models.Event{Content: "hello there"}})
	require.NoError(t, err)
	leasedTriage := leaseTicket(t, store, triageID, "owner-a")

	triageRes := m.Fill(ctx, FillRequest{
		TicketID: triageID, LeaseOwner: "owner-a", LeaseToken: leasedTriage.Metadata.LeaseToken,
		Outputs: map[string]any{"decision": "APPROVE"},
	})
	require.Nil(t, triageRes.Err)

	triage, err := store.Get(ctx, triageID)
	require.NoError(t, err)
	require.NotEmpty(t, triage.Derived.ToolTicketID, "TRIAGE approval must derive a TOOL ticket")

	toolTicket, err := store.Get(ctx, triage.Derived.ToolTicketID)
	require.NoError(t, err)
	require.Len(t, toolTicket.Metadata.ToolInput.ToolSteps, 1)
	assert.Equal(t, "memory", toolTicket.Metadata.ToolInput.ToolSteps[0].Server)
	assert.Equal(t, "search_nodes", toolTicket.Metadata.ToolInput.ToolSteps[0].Tool)

	leasedTool := leaseTicket(t, store, toolTicket.ID, "owner-b")
	toolRes := m.Fill(ctx, FillRequest{
		TicketID: toolTicket.ID, LeaseOwner: "owner-b", LeaseToken: leasedTool.Metadata.LeaseToken,
		Outputs: map[string]any{"tool_verdict": "PROCEED"},
	})
	require.Nil(t, toolRes.Err, "a derived TOOL ticket must pass its own allowlist/readiness gate")
	assert.Equal(t, models.StatusDone, toolRes.Ticket.Status)

	finishedTool, err := store.Get(ctx, toolTicket.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, finishedTool.Derived.ReplyTicketID, "a PROCEED verdict must derive exactly one REPLY")
}

func TestFillLegacyModeDerivesReplyDirectlyFromTriage(t *testing.T) {
	m, store := newTestMachine(t)
	m.Legacy = true
	m.Derivation = derivation.NewEngine(store, schemagate.NewGate("warn"), derivation.Config{EnableToolDerivation: false})
	ctx := context.Background()

	id, err := store.Create(ctx, &models.Ticket{Kind: models.KindTriage})
	require.NoError(t, err)
	leased := leaseTicket(t, store, id, "owner-a")

	res := m.Fill(ctx, FillRequest{
		TicketID: id, LeaseOwner: "owner-a", LeaseToken: leased.Metadata.LeaseToken,
		Outputs: map[string]any{"decision": "APPROVE"},
	})
	require.Nil(t, res.Err)

	updated, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, updated.Derived.ReplyTicketID, "legacy mode must derive REPLY directly from TRIAGE")
	assert.Empty(t, updated.Derived.ToolTicketID)
}

func TestNackReturnsTicketToPendingAndClearsLease(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	id, err := store.Create(ctx, &models.Ticket{Kind: models.KindTriage})
	require.NoError(t, err)
	leased := leaseTicket(t, store, id, "owner-a")

	updated, oerr := m.Nack(ctx, id, "owner-a", leased.Metadata.LeaseToken)
	require.Nil(t, oerr)
	assert.Equal(t, models.StatusPending, updated.Status)
	assert.Empty(t, updated.Metadata.LeaseOwner)
}

func TestNackRejectsWrongLeaseToken(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	id, err := store.Create(ctx, &models.Ticket{Kind: models.KindTriage})
	require.NoError(t, err)
	leaseTicket(t, store, id, "owner-a")

	_, oerr := m.Nack(ctx, id, "owner-a", "wrong-token")
	require.NotNil(t, oerr)
	assert.Equal(t, models.CodeLeaseOwnerMismatch, oerr.Code)
}

func TestFailTransitionsDirectlyToFailed(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	id, err := store.Create(ctx, &models.Ticket{Kind: models.KindTriage})
	require.NoError(t, err)

	updated, oerr := m.Fail(ctx, id, "operator_abort")
	require.Nil(t, oerr)
	assert.Equal(t, models.StatusFailed, updated.Status)
}
