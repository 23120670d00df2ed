package lease

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalforge/orchestrator/internal/ticketstore"
	"github.com/signalforge/orchestrator/pkg/models"
)

func newTestScheduler(t *testing.T) (*Scheduler, *ticketstore.MemoryStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tickets.jsonl")
	store, err := ticketstore.NewMemoryStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewScheduler(store, 50*time.Millisecond), store
}

func TestDefaultStrategyIsTriageFirst(t *testing.T) {
	s, _ := newTestScheduler(t)
	order := s.NextKindOrder()
	require.NotEmpty(t, order)
	assert.Equal(t, models.KindTriage, order[0])
}

func TestReplyFirstStrategy(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.SetStrategy(StrategyReplyFirst, nil, nil)
	order := s.NextKindOrder()
	assert.Equal(t, models.KindReply, order[0])
}

func TestRoundRobinAdvances(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.SetStrategy(StrategyRoundRobin, []models.Kind{models.KindTriage, models.KindTool, models.KindReply}, nil)

	first := s.NextKindOrder()
	second := s.NextKindOrder()
	assert.NotEqual(t, first[0], second[0], "round robin must rotate which kind leads each call")
}

func TestWeightedStrategyOrdersByDescendingWeight(t *testing.T) {
	s, _ := newTestScheduler(t)
	weights := map[models.Kind]int{models.KindTriage: 1, models.KindTool: 5, models.KindReply: 2}
	s.SetStrategy(StrategyWeighted, []models.Kind{models.KindTriage, models.KindTool, models.KindReply}, weights)

	order := s.NextKindOrder()
	require.Len(t, order, 3)
	assert.Equal(t, models.KindTool, order[0])
	assert.Equal(t, models.KindReply, order[1])
	assert.Equal(t, models.KindTriage, order[2])
}

func TestSchedulerStartStopReclaimsExpiredLease(t *testing.T) {
	s, store := newTestScheduler(t)
	ctx := context.Background()

	id, err := store.Create(ctx, &models.Ticket{Kind: models.KindTriage})
	require.NoError(t, err)
	_, err = store.LeaseOne(ctx, id, "owner", 1) // expires in 1 second
	require.NoError(t, err)

	s.Start(ctx)
	defer s.Stop()

	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, id)
		return err == nil && got.Status == models.StatusPending
	}, 3*time.Second, 50*time.Millisecond, "background reclaimer must reset the expired lease")
}
