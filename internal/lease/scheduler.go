// Package lease layers per-kind selection strategy and expiry reclamation
// on top of ticketstore.Store's atomic single-kind batch lease, styled
// after a background-ticker eviction loop.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/signalforge/orchestrator/internal/ticketstore"
	"github.com/signalforge/orchestrator/pkg/models"
)

// Strategy names the per-kind selection strategy applied across multiple
// lease calls (never within one).
type Strategy string

const (
	StrategyTriageFirst Strategy = "triage_first"
	StrategyReplyFirst  Strategy = "reply_first"
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyWeighted    Strategy = "weighted"
)

// Scheduler wraps a ticketstore.Store with strategy-aware kind ordering
// and a background expiry reclaimer.
type Scheduler struct {
	store ticketstore.Store

	mu       sync.Mutex
	strategy Strategy
	kinds    []models.Kind
	weights  map[models.Kind]int
	rrIndex  int

	reclaimInterval time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
}

// NewScheduler builds a Scheduler defaulting to triage_first selection.
func NewScheduler(store ticketstore.Store, reclaimInterval time.Duration) *Scheduler {
	return &Scheduler{
		store:           store,
		strategy:        StrategyTriageFirst,
		kinds:           []models.Kind{models.KindTriage, models.KindTool, models.KindReply},
		weights:         map[models.Kind]int{models.KindTriage: 1, models.KindTool: 1, models.KindReply: 1},
		reclaimInterval: reclaimInterval,
		stopCh:          make(chan struct{}),
	}
}

// SetStrategy configures which per-kind selection strategy subsequent
// NextKindOrder calls use.
func (s *Scheduler) SetStrategy(strategy Strategy, kinds []models.Kind, weights map[models.Kind]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategy = strategy
	if len(kinds) > 0 {
		s.kinds = kinds
	}
	if weights != nil {
		s.weights = weights
	}
}

// NextKindOrder returns the kind preference order for the next call,
// mutating round-robin state as a side effect. It does not reorder
// candidates within a single kind's batch lease, which stays first-come
// with ties by created_at asc, entirely inside Store.Lease.
func (s *Scheduler) NextKindOrder() []models.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.strategy {
	case StrategyReplyFirst:
		return reorder(s.kinds, models.KindReply)
	case StrategyRoundRobin:
		order := rotate(s.kinds, s.rrIndex)
		s.rrIndex = (s.rrIndex + 1) % max(1, len(s.kinds))
		return order
	case StrategyWeighted:
		return weightedOrder(s.kinds, s.weights)
	default: // triage_first
		return reorder(s.kinds, models.KindTriage)
	}
}

// Lease delegates a single-kind atomic batch lease to the store.
func (s *Scheduler) Lease(ctx context.Context, req ticketstore.LeaseRequest) ([]*models.Ticket, error) {
	return s.store.Lease(ctx, req)
}

// Start launches the background expiry reclaimer on a ticker loop.
func (s *Scheduler) Start(ctx context.Context) {
	if s.reclaimInterval <= 0 {
		s.reclaimInterval = 5 * time.Second
	}
	ticker := time.NewTicker(s.reclaimInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ids, err := s.store.ReclaimExpired(ctx, time.Now().UTC())
				if err != nil {
					log.Warn().Err(err).Msg("lease reclaim cycle failed")
					continue
				}
				if len(ids) > 0 {
					log.Info().Strs("ticket_ids", ids).Msg("reclaimed expired leases")
				}
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background reclaimer.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func reorder(kinds []models.Kind, first models.Kind) []models.Kind {
	out := make([]models.Kind, 0, len(kinds))
	out = append(out, first)
	for _, k := range kinds {
		if k != first {
			out = append(out, k)
		}
	}
	return out
}

func rotate(kinds []models.Kind, by int) []models.Kind {
	if len(kinds) == 0 {
		return nil
	}
	by = by % len(kinds)
	out := make([]models.Kind, 0, len(kinds))
	out = append(out, kinds[by:]...)
	out = append(out, kinds[:by]...)
	return out
}

func weightedOrder(kinds []models.Kind, weights map[models.Kind]int) []models.Kind {
	out := append([]models.Kind(nil), kinds...)
	// Stable sort by descending weight; ties keep original relative order.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && weights[out[j]] > weights[out[j-1]]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
