package ticketstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/signalforge/orchestrator/pkg/models"
)

// MemoryStore is an in-memory ticket index backed by an append-only JSONL
// log, rebuildable on startup. Every operation takes mu, a single
// exclusive lock around the index: state changes hold it for a short
// critical section (lookup + mutate + append), and reads (Get, List) take
// the same lock, so reads do not run concurrently with each other.
type MemoryStore struct {
	mu      sync.Mutex
	tickets map[string]*models.Ticket

	logMu   sync.Mutex
	logFile *os.File
	logPath string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore opens (or creates) the JSONL log at logPath and replays
// it to rebuild the in-memory index, keeping the last line written per
// ticket id.
func NewMemoryStore(logPath string) (*MemoryStore, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("ticketstore: create log dir: %w", err)
	}

	tickets, err := replayLog(logPath)
	if err != nil {
		return nil, fmt.Errorf("ticketstore: replay log: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ticketstore: open log for append: %w", err)
	}

	log.Info().Str("log_path", logPath).Int("tickets", len(tickets)).Msg("ticket store index rebuilt")

	return &MemoryStore{tickets: tickets, logFile: f, logPath: logPath}, nil
}

func replayLog(path string) (map[string]*models.Ticket, error) {
	out := make(map[string]*models.Ticket)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var t models.Ticket
		if err := json.Unmarshal(line, &t); err != nil {
			log.Warn().Err(err).Msg("ticketstore: skipping malformed log line")
			continue
		}
		out[t.ID] = &t
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// appendLine serializes t and appends it as one line to the log. Callers
// must already hold mu.
func (s *MemoryStore) appendLine(t *models.Ticket) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("ticketstore: marshal ticket: %w", err)
	}
	data = append(data, '\n')

	s.logMu.Lock()
	defer s.logMu.Unlock()
	if _, err := s.logFile.Write(data); err != nil {
		return fmt.Errorf("ticketstore: append log: %w", err)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	return s.logFile.Close()
}

func (s *MemoryStore) Create(ctx context.Context, t *models.Ticket) (string, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.TicketID = t.ID
	if t.Status == "" {
		t.Status = models.StatusPending
	}
	now := time.Now().UTC()
	if t.Metadata.CreatedAt.IsZero() {
		t.Metadata.CreatedAt = now
	}
	t.Metadata.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tickets[t.ID]; exists {
		return "", fmt.Errorf("ticketstore: id collision: %s", t.ID)
	}
	cp := t.Clone()
	s.tickets[t.ID] = cp
	if err := s.appendLine(cp); err != nil {
		delete(s.tickets, t.ID)
		return "", err
	}
	return t.ID, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	return t.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*models.Ticket, error) {
	s.mu.Lock()
	candidates := make([]*models.Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		candidates = append(candidates, t)
	}
	s.mu.Unlock()

	out := make([]*models.Ticket, 0, len(candidates))
	for _, t := range candidates {
		if f.Kind != "" && t.Kind != f.Kind {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.ParentTicketID != "" && t.Metadata.ParentTicketID != f.ParentTicketID {
			continue
		}
		out = append(out, t.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.CreatedAt.Before(out[j].Metadata.CreatedAt)
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateUnderLease(ctx context.Context, id, leaseOwner, leaseToken string, mutate Mutator) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	if t.Status.Terminal() {
		return t.Clone(), nil
	}
	if t.Metadata.LeaseOwner != leaseOwner || t.Metadata.LeaseToken != leaseToken {
		return nil, models.NewError(models.CodeLeaseOwnerMismatch, "lease owner/token mismatch").WithContext("ticket_id", id)
	}

	working := t.Clone()
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.Metadata.UpdatedAt = time.Now().UTC()

	if err := s.appendLine(working); err != nil {
		return nil, err
	}
	s.tickets[id] = working
	return working.Clone(), nil
}

// Lease implements the atomic batch lease: first-come order, ties broken
// by created_at asc, capability predicates evaluated via expr-lang/expr
// against a ticket's event+metadata environment.
func (s *MemoryStore) Lease(ctx context.Context, req LeaseRequest) ([]*models.Ticket, error) {
	var program *vmProgram
	if req.Capabilities != "" {
		p, err := compileCapability(req.Capabilities)
		if err != nil {
			return nil, models.NewError(models.CodeInvalidToolArgs, "invalid capability predicate").WithContext("error", err.Error())
		}
		program = p
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*models.Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		if t.Kind != req.Kind || t.Status != models.StatusPending {
			continue
		}
		if program != nil && !matchesCapability(program, t) {
			continue
		}
		candidates = append(candidates, t)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Metadata.CreatedAt.Before(candidates[j].Metadata.CreatedAt)
	})

	limit := req.Limit
	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}

	leaseSec := req.LeaseSec
	if leaseSec <= 0 {
		leaseSec = 60
	}

	now := time.Now().UTC()
	out := make([]*models.Ticket, 0, limit)
	for _, t := range candidates[:limit] {
		owner := uuid.New().String()
		token := uuid.New().String()
		expires := now.Add(time.Duration(leaseSec) * time.Second)

		working := t.Clone()
		working.Status = models.StatusRunning
		working.Metadata.LeaseOwner = owner
		working.Metadata.LeaseToken = token
		working.Metadata.LeaseExpires = &expires
		working.Metadata.UpdatedAt = now

		if err := s.appendLine(working); err != nil {
			return nil, err
		}
		s.tickets[working.ID] = working
		out = append(out, working.Clone())
	}
	return out, nil
}

func (s *MemoryStore) LeaseOne(ctx context.Context, id, leaseOwner string, leaseSec int) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	if t.Status != models.StatusPending {
		return nil, models.NewError(models.CodeLeaseConflict, "ticket is not pending").WithContext("ticket_id", id)
	}

	if leaseSec <= 0 {
		leaseSec = 60
	}
	now := time.Now().UTC()
	expires := now.Add(time.Duration(leaseSec) * time.Second)

	working := t.Clone()
	working.Status = models.StatusRunning
	working.Metadata.LeaseOwner = leaseOwner
	working.Metadata.LeaseToken = uuid.New().String()
	working.Metadata.LeaseExpires = &expires
	working.Metadata.UpdatedAt = now

	if err := s.appendLine(working); err != nil {
		return nil, err
	}
	s.tickets[id] = working
	return working.Clone(), nil
}

func (s *MemoryStore) Release(ctx context.Context, id, leaseOwner, leaseToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return &ErrNotFound{ID: id}
	}
	if t.Metadata.LeaseOwner != leaseOwner || t.Metadata.LeaseToken != leaseToken {
		return models.NewError(models.CodeLeaseOwnerMismatch, "lease owner/token mismatch").WithContext("ticket_id", id)
	}

	working := t.Clone()
	working.Status = models.StatusPending
	working.Metadata.LeaseOwner = ""
	working.Metadata.LeaseToken = ""
	working.Metadata.LeaseExpires = nil
	working.Metadata.UpdatedAt = time.Now().UTC()

	if err := s.appendLine(working); err != nil {
		return err
	}
	s.tickets[id] = working
	return nil
}

// Finalize is the only path permitted to write outputs.tool_verdict. See
// internal/guard for the repo-scan that enforces this at build time.
func (s *MemoryStore) Finalize(ctx context.Context, id string, terminal models.Status, outputs models.Outputs, toolVerdictRaw string) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	if t.Status.Terminal() {
		return t.Clone(), nil
	}

	working := t.Clone()
	working.Status = terminal
	working.Outputs = outputs
	if working.Kind == models.KindTool {
		if toolVerdictRaw != "" {
			working.Outputs.ToolVerdict = models.ToolVerdict(toolVerdictRaw)
		} else {
			working.Outputs.ToolVerdict = models.VerdictUnknown
		}
	}
	working.Metadata.LeaseOwner = ""
	working.Metadata.LeaseToken = ""
	working.Metadata.LeaseExpires = nil
	working.Metadata.UpdatedAt = time.Now().UTC()

	if err := s.appendLine(working); err != nil {
		return nil, err
	}
	s.tickets[id] = working
	return working.Clone(), nil
}

func (s *MemoryStore) SetDerived(ctx context.Context, id, direction, childID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return &ErrNotFound{ID: id}
	}

	working := t.Clone()
	switch direction {
	case "tool":
		if working.Derived.ToolTicketID != "" {
			return nil
		}
		working.Derived.ToolTicketID = childID
	case "reply":
		if working.Derived.ReplyTicketID != "" {
			return nil
		}
		working.Derived.ReplyTicketID = childID
	default:
		return fmt.Errorf("ticketstore: unknown derivation direction %q", direction)
	}
	working.Metadata.UpdatedAt = time.Now().UTC()

	if err := s.appendLine(working); err != nil {
		return err
	}
	s.tickets[id] = working
	return nil
}

func (s *MemoryStore) ReclaimExpired(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed []string
	for id, t := range s.tickets {
		if t.Status != models.StatusRunning || t.Metadata.LeaseExpires == nil {
			continue
		}
		if !t.Metadata.LeaseExpires.Before(now) {
			continue
		}

		working := t.Clone()
		working.Status = models.StatusPending
		working.Metadata.LeaseOwner = ""
		working.Metadata.LeaseToken = ""
		working.Metadata.LeaseExpires = nil
		working.Metadata.UpdatedAt = now
		working.AttemptEvents = append(working.AttemptEvents, models.AttemptEvent{
			Type:      "LEASE_EXPIRED",
			Timestamp: now,
		})

		if err := s.appendLine(working); err != nil {
			return reclaimed, err
		}
		s.tickets[id] = working
		reclaimed = append(reclaimed, id)
	}
	return reclaimed, nil
}

// --- capability predicate evaluation (expr-lang/expr) ---

type vmProgram struct {
	source string
}

func compileCapability(source string) (*vmProgram, error) {
	env := capabilityEnv(nil)
	if _, err := expr.Compile(source, expr.Env(env)); err != nil {
		return nil, err
	}
	return &vmProgram{source: source}, nil
}

func capabilityEnv(t *models.Ticket) map[string]any {
	env := map[string]any{
		"event":    map[string]any{},
		"metadata": map[string]any{},
	}
	if t == nil {
		return env
	}
	eventMap := map[string]any{
		"type":      t.Event.Type,
		"thread_id": t.Event.ThreadID,
		"content":   t.Event.Content,
		"actor":     t.Event.Actor,
		"features":  t.Event.Features,
	}
	metaMap := map[string]any{
		"kind":                t.Metadata.Kind,
		"candidate_id":        t.Metadata.CandidateID,
		"parent_ticket_id":    t.Metadata.ParentTicketID,
		"triage_reference_id": t.Metadata.TriageReferenceID,
	}
	return map[string]any{"event": eventMap, "metadata": metaMap}
}

func matchesCapability(p *vmProgram, t *models.Ticket) bool {
	program, err := expr.Compile(p.source, expr.Env(capabilityEnv(t)))
	if err != nil {
		log.Warn().Err(err).Str("predicate", p.source).Msg("capability predicate failed to compile against ticket env")
		return false
	}
	result, err := expr.Run(program, capabilityEnv(t))
	if err != nil {
		log.Warn().Err(err).Str("predicate", p.source).Msg("capability predicate evaluation failed")
		return false
	}
	ok, _ := result.(bool)
	return ok
}
