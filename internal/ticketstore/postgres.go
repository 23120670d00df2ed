package ticketstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/signalforge/orchestrator/pkg/models"
)

// PostgresStore is the optional durable TicketStore backed by pgx, in a
// connect-migrate-serve shape. It stores the full ticket as a JSONB blob
// keyed by id: the ticket-log
// append semantics are preserved via a companion ticket_events table so
// the index remains rebuildable, mirroring the JSONL store's contract.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to connURL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("ticketstore/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ticketstore/postgres: ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ticketstore/postgres: migrate: %w", err)
	}

	log.Info().Msg("postgres ticket store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS tickets (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			status     TEXT NOT NULL,
			parent_id  TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			doc        JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tickets_kind_status ON tickets (kind, status);
		CREATE INDEX IF NOT EXISTS idx_tickets_parent ON tickets (parent_id);

		CREATE TABLE IF NOT EXISTS ticket_events (
			id         BIGSERIAL PRIMARY KEY,
			ticket_id  TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			doc        JSONB NOT NULL
		);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) save(ctx context.Context, t *models.Ticket) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("ticketstore/postgres: marshal: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tickets (id, kind, status, parent_id, created_at, updated_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, updated_at = EXCLUDED.updated_at, doc = EXCLUDED.doc
	`, t.ID, t.Kind, t.Status, t.Metadata.ParentTicketID, t.Metadata.CreatedAt, t.Metadata.UpdatedAt, doc)
	if err != nil {
		return fmt.Errorf("ticketstore/postgres: upsert: %w", err)
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO ticket_events (ticket_id, doc) VALUES ($1, $2)`, t.ID, doc)
	if err != nil {
		return fmt.Errorf("ticketstore/postgres: append event: %w", err)
	}
	return nil
}

func (s *PostgresStore) load(ctx context.Context, id string) (*models.Ticket, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM tickets WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		return nil, &ErrNotFound{ID: id}
	}
	var t models.Ticket
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("ticketstore/postgres: unmarshal: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) Create(ctx context.Context, t *models.Ticket) (string, error) {
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

	if err := s.save(ctx, t); err != nil {
		return "", err
	}
	return t.ID, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Ticket, error) {
	return s.load(ctx, id)
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*models.Ticket, error) {
	query := `SELECT doc FROM tickets WHERE ($1 = '' OR kind = $1) AND ($2 = '' OR status = $2) AND ($3 = '' OR parent_id = $3)`
	rows, err := s.pool.Query(ctx, query, string(f.Kind), string(f.Status), f.ParentTicketID)
	if err != nil {
		return nil, fmt.Errorf("ticketstore/postgres: list: %w", err)
	}
	defer rows.Close()

	var out []*models.Ticket
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var t models.Ticket
		if err := json.Unmarshal(doc, &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metadata.CreatedAt.Before(out[j].Metadata.CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateUnderLease(ctx context.Context, id, leaseOwner, leaseToken string, mutate Mutator) (*models.Ticket, error) {
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return t, nil
	}
	if t.Metadata.LeaseOwner != leaseOwner || t.Metadata.LeaseToken != leaseToken {
		return nil, models.NewError(models.CodeLeaseOwnerMismatch, "lease owner/token mismatch").WithContext("ticket_id", id)
	}
	if err := mutate(t); err != nil {
		return nil, err
	}
	t.Metadata.UpdatedAt = time.Now().UTC()
	if err := s.save(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PostgresStore) Lease(ctx context.Context, req LeaseRequest) ([]*models.Ticket, error) {
	// Capability predicates are evaluated the same way the JSONL store
	// does for in-memory candidates; Postgres-side filtering stays on the
	// indexed (kind, status) pair and the predicate is applied in Go to
	// keep expr-lang/expr as the single evaluator implementation.
	candidates, err := s.List(ctx, Filter{Kind: req.Kind, Status: models.StatusPending})
	if err != nil {
		return nil, err
	}

	var program *vmProgram
	if req.Capabilities != "" {
		p, err := compileCapability(req.Capabilities)
		if err != nil {
			return nil, models.NewError(models.CodeInvalidToolArgs, "invalid capability predicate")
		}
		program = p
	}

	limit := req.Limit
	leaseSec := req.LeaseSec
	if leaseSec <= 0 {
		leaseSec = 60
	}
	now := time.Now().UTC()

	var out []*models.Ticket
	for _, t := range candidates {
		if limit > 0 && len(out) >= limit {
			break
		}
		if program != nil && !matchesCapability(program, t) {
			continue
		}
		owner := uuid.New().String()
		token := uuid.New().String()
		expires := now.Add(time.Duration(leaseSec) * time.Second)

		t.Status = models.StatusRunning
		t.Metadata.LeaseOwner = owner
		t.Metadata.LeaseToken = token
		t.Metadata.LeaseExpires = &expires
		t.Metadata.UpdatedAt = now

		if err := s.save(ctx, t); err != nil {
			return out, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *PostgresStore) LeaseOne(ctx context.Context, id, leaseOwner string, leaseSec int) (*models.Ticket, error) {
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != models.StatusPending {
		return nil, models.NewError(models.CodeLeaseConflict, "ticket is not pending").WithContext("ticket_id", id)
	}
	if leaseSec <= 0 {
		leaseSec = 60
	}
	now := time.Now().UTC()
	expires := now.Add(time.Duration(leaseSec) * time.Second)

	t.Status = models.StatusRunning
	t.Metadata.LeaseOwner = leaseOwner
	t.Metadata.LeaseToken = uuid.New().String()
	t.Metadata.LeaseExpires = &expires
	t.Metadata.UpdatedAt = now

	if err := s.save(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PostgresStore) Release(ctx context.Context, id, leaseOwner, leaseToken string) error {
	t, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if t.Metadata.LeaseOwner != leaseOwner || t.Metadata.LeaseToken != leaseToken {
		return models.NewError(models.CodeLeaseOwnerMismatch, "lease owner/token mismatch").WithContext("ticket_id", id)
	}
	t.Status = models.StatusPending
	t.Metadata.LeaseOwner = ""
	t.Metadata.LeaseToken = ""
	t.Metadata.LeaseExpires = nil
	t.Metadata.UpdatedAt = time.Now().UTC()
	return s.save(ctx, t)
}

func (s *PostgresStore) Finalize(ctx context.Context, id string, terminal models.Status, outputs models.Outputs, toolVerdictRaw string) (*models.Ticket, error) {
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return t, nil
	}
	t.Status = terminal
	t.Outputs = outputs
	if t.Kind == models.KindTool {
		if toolVerdictRaw != "" {
			t.Outputs.ToolVerdict = models.ToolVerdict(toolVerdictRaw)
		} else {
			t.Outputs.ToolVerdict = models.VerdictUnknown
		}
	}
	t.Metadata.LeaseOwner = ""
	t.Metadata.LeaseToken = ""
	t.Metadata.LeaseExpires = nil
	t.Metadata.UpdatedAt = time.Now().UTC()
	if err := s.save(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PostgresStore) SetDerived(ctx context.Context, id, direction, childID string) error {
	t, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	switch direction {
	case "tool":
		if t.Derived.ToolTicketID != "" {
			return nil
		}
		t.Derived.ToolTicketID = childID
	case "reply":
		if t.Derived.ReplyTicketID != "" {
			return nil
		}
		t.Derived.ReplyTicketID = childID
	default:
		return fmt.Errorf("ticketstore/postgres: unknown derivation direction %q", direction)
	}
	t.Metadata.UpdatedAt = time.Now().UTC()
	return s.save(ctx, t)
}

func (s *PostgresStore) ReclaimExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM tickets WHERE status = $1 AND doc->'metadata'->>'lease_expires' < $2`,
		models.StatusRunning, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("ticketstore/postgres: find expired: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	var reclaimed []string
	for _, id := range ids {
		t, err := s.load(ctx, id)
		if err != nil {
			continue
		}
		t.Status = models.StatusPending
		t.Metadata.LeaseOwner = ""
		t.Metadata.LeaseToken = ""
		t.Metadata.LeaseExpires = nil
		t.Metadata.UpdatedAt = now
		t.AttemptEvents = append(t.AttemptEvents, models.AttemptEvent{Type: "LEASE_EXPIRED", Timestamp: now})
		if err := s.save(ctx, t); err != nil {
			continue
		}
		reclaimed = append(reclaimed, id)
	}
	return reclaimed, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
