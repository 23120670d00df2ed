// Package ticketstore is the sole writer of canonical ticket fields. It
// persists tickets as an append-only line-oriented log plus an in-memory
// index, adapted to a JSONL append log to keep the index rebuildable on
// restart.
package ticketstore

import (
	"context"
	"time"

	"github.com/signalforge/orchestrator/pkg/models"
)

// ErrNotFound is returned when a ticket id has no matching record.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return "ticket not found: " + e.ID
}

// Filter narrows a List call.
type Filter struct {
	Kind           models.Kind
	Status         models.Status
	ParentTicketID string
	Limit          int
}

// LeaseRequest parameterizes a batch lease call.
type LeaseRequest struct {
	Kind         models.Kind
	Limit        int
	LeaseSec     int
	Capabilities string // expr predicate source, evaluated by Store.Lease
}

// Mutator mutates a ticket in place while the caller holds its lease.
type Mutator func(t *models.Ticket) error

// Store is the only component permitted to write canonical ticket fields,
// specifically outputs.tool_verdict. All other packages read Tickets via
// Get/List and propose changes through UpdateUnderLease or Finalize.
type Store interface {
	// Create appends a new ticket with status=pending and returns its id.
	Create(ctx context.Context, t *models.Ticket) (string, error)
	Get(ctx context.Context, id string) (*models.Ticket, error)
	List(ctx context.Context, f Filter) ([]*models.Ticket, error)

	// UpdateUnderLease applies mutate to the ticket identified by id, but
	// only if its current lease matches (leaseOwner, leaseToken). Returns
	// ErrLeaseOwnerMismatch-shaped errors via models.OrchestratorError.
	UpdateUnderLease(ctx context.Context, id, leaseOwner, leaseToken string, mutate Mutator) (*models.Ticket, error)

	// Lease atomically selects up to req.Limit pending tickets matching
	// req.Kind and capability predicates, in first-come order (ties by
	// created_at asc), and marks each running with a fresh lease.
	Lease(ctx context.Context, req LeaseRequest) ([]*models.Ticket, error)

	// LeaseOne leases a single named ticket, used by POST
	// /v1/tickets/{id}/lease.
	LeaseOne(ctx context.Context, id, leaseOwner string, leaseSec int) (*models.Ticket, error)

	Release(ctx context.Context, id, leaseOwner, leaseToken string) error

	// Finalize transitions a ticket to a terminal status and writes
	// outputs, the only write path for outputs.tool_verdict. toolVerdictRaw
	// is the raw tool_verdict string from a TOOL ticket fill request
	// (empty for non-TOOL kinds and failure paths); Finalize resolves it
	// into outputs.ToolVerdict itself rather than accepting that field
	// pre-set by the caller.
	Finalize(ctx context.Context, id string, terminal models.Status, outputs models.Outputs, toolVerdictRaw string) (*models.Ticket, error)

	// SetDerived idempotently writes the canonical root-level back
	// reference for direction ("tool" or "reply") on ticket id, skipping
	// if already set. This is the one mutation the Derivation Engine may
	// apply to an already-terminal parent: derivation runs after finalize
	// per the fill algorithm, so the general terminal-ticket immutability
	// invariant does not cover this slot.
	SetDerived(ctx context.Context, id, direction, childID string) error

	// ReclaimExpired resets every running ticket whose lease has expired
	// as of now back to pending, clearing lease fields and appending a
	// LEASE_EXPIRED attempt event. Returns the ids reclaimed.
	ReclaimExpired(ctx context.Context, now time.Time) ([]string, error)

	Close() error
}
