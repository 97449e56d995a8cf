package temporal_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memkit/memkit/pkg/background"
	"github.com/memkit/memkit/pkg/core"
	"github.com/memkit/memkit/pkg/persistence"
	"github.com/memkit/memkit/pkg/temporal"
)

// schedulerStore is an in-memory persistence.Store fake sufficient to
// drive Scheduler.Tick: List by tier, Update (importance patch), and
// MoveTier. Guarded by a mutex since a Scheduler with UseBackgroundPool
// set processes a tier's memories concurrently.
type schedulerStore struct {
	mu    sync.Mutex
	items map[string]*core.Memory
}

func newSchedulerStore(items ...*core.Memory) *schedulerStore {
	s := &schedulerStore{items: map[string]*core.Memory{}}
	for _, m := range items {
		s.items[m.ID] = m
	}
	return s
}

func (s *schedulerStore) Put(ctx context.Context, m *core.Memory, vectors []persistence.VectorWrite) error {
	panic("unused")
}
func (s *schedulerStore) Get(ctx context.Context, id string) (*core.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[id], nil
}
func (s *schedulerStore) Update(ctx context.Context, id string, patch persistence.Patch, vectors []persistence.VectorWrite) (*core.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.items[id]
	if patch.Importance != nil {
		m.Importance = *patch.Importance
	}
	return m, nil
}
func (s *schedulerStore) Delete(ctx context.Context, id string) error { panic("unused") }
func (s *schedulerStore) List(ctx context.Context, filter core.Filter) ([]*core.Memory, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Memory
	for _, m := range s.items {
		if filter.Matches(m) {
			out = append(out, m)
		}
	}
	return out, len(out), nil
}
func (s *schedulerStore) VectorSearch(ctx context.Context, collection string, vector []float64, k int, filter core.Filter) ([]core.ScoredID, error) {
	panic("unused")
}
func (s *schedulerStore) LexicalSearch(ctx context.Context, text string, k int, filter core.Filter) ([]core.ScoredID, error) {
	panic("unused")
}
func (s *schedulerStore) MoveTier(ctx context.Context, id string, tier core.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[id].Tier = tier
	return nil
}
func (s *schedulerStore) ApplyAccess(ctx context.Context, ids []string, now int64) error {
	panic("unused")
}
func (s *schedulerStore) Stats(ctx context.Context) (persistence.Stats, error) { panic("unused") }
func (s *schedulerStore) VectorIndex() persistence.VectorIndex                { panic("unused") }
func (s *schedulerStore) Close() error                                        { return nil }

func TestTickDemotesLowImportanceAgedShortTermMemory(t *testing.T) {
	now := time.Now().UTC()
	m := &core.Memory{
		ID:             "m1",
		Tier:           core.TierShortTerm,
		Importance:     0.1,
		CreatedAt:      now.Add(-48 * time.Hour),
		LastAccessedAt: now.Add(-48 * time.Hour),
	}
	store := newSchedulerStore(m)
	cfg := temporal.DefaultConfig()

	sched := temporal.NewScheduler(store, cfg, time.Hour, zerolog.Nop())
	require.NoError(t, sched.Tick(context.Background()))

	assert.Equal(t, core.TierLongTerm, store.items["m1"].Tier)
}

func TestTickArchivesUnaccessedAgedLongTermMemory(t *testing.T) {
	now := time.Now().UTC()
	m := &core.Memory{
		ID:             "m1",
		Tier:           core.TierLongTerm,
		Importance:     0.5,
		CreatedAt:      now.Add(-40 * 24 * time.Hour),
		LastAccessedAt: now.Add(-40 * 24 * time.Hour),
		AccessCount:    0,
	}
	store := newSchedulerStore(m)
	cfg := temporal.DefaultConfig()

	sched := temporal.NewScheduler(store, cfg, time.Hour, zerolog.Nop())
	require.NoError(t, sched.Tick(context.Background()))

	assert.Equal(t, core.TierArchived, store.items["m1"].Tier)
}

func TestTickPromotesRecentlyAccessedNonShortTermMemory(t *testing.T) {
	now := time.Now().UTC()
	m := &core.Memory{
		ID:             "m1",
		Tier:           core.TierLongTerm,
		Importance:     0.5,
		CreatedAt:      now.Add(-10 * 24 * time.Hour),
		LastAccessedAt: now.Add(-1 * time.Hour), // inside promotionWindow
	}
	store := newSchedulerStore(m)
	cfg := temporal.DefaultConfig()

	sched := temporal.NewScheduler(store, cfg, time.Hour, zerolog.Nop())
	require.NoError(t, sched.Tick(context.Background()))

	assert.Equal(t, core.TierShortTerm, store.items["m1"].Tier)
}

func TestTickAppliesDecayToImportance(t *testing.T) {
	now := time.Now().UTC()
	m := &core.Memory{
		ID:             "m1",
		Tier:           core.TierShortTerm,
		Importance:     1.0,
		CreatedAt:      now,
		LastAccessedAt: now.Add(-365 * 24 * time.Hour),
	}
	store := newSchedulerStore(m)
	cfg := temporal.DefaultConfig()

	sched := temporal.NewScheduler(store, cfg, time.Hour, zerolog.Nop())
	require.NoError(t, sched.Tick(context.Background()))

	assert.InDelta(t, cfg.Floor, store.items["m1"].Importance, 0.0001)
}

func TestTickWithBackgroundPoolProcessesEveryMemory(t *testing.T) {
	now := time.Now().UTC()
	var items []*core.Memory
	for i := 0; i < 6; i++ {
		items = append(items, &core.Memory{
			ID:             string(rune('a' + i)),
			Tier:           core.TierShortTerm,
			Importance:     1.0,
			CreatedAt:      now,
			LastAccessedAt: now.Add(-365 * 24 * time.Hour),
		})
	}
	store := newSchedulerStore(items...)
	cfg := temporal.DefaultConfig()

	sched := temporal.NewScheduler(store, cfg, time.Hour, zerolog.Nop())
	sched.UseBackgroundPool(background.New(2, 16))
	require.NoError(t, sched.Tick(context.Background()))

	for _, m := range items {
		assert.InDelta(t, cfg.Floor, store.items[m.ID].Importance, 0.0001, "every memory should be processed even when gated by a small worker pool")
	}
}

func TestEnforceBoundDemotesLowestImportanceExcess(t *testing.T) {
	now := time.Now().UTC()
	low := &core.Memory{ID: "low", Tier: core.TierShortTerm, Importance: 0.1, CreatedAt: now, LastAccessedAt: now}
	high := &core.Memory{ID: "high", Tier: core.TierShortTerm, Importance: 0.9, CreatedAt: now, LastAccessedAt: now}
	store := newSchedulerStore(low, high)
	cfg := temporal.DefaultConfig()
	cfg.MaxShortTerm = 1

	sched := temporal.NewScheduler(store, cfg, time.Hour, zerolog.Nop())
	require.NoError(t, sched.Tick(context.Background()))

	assert.Equal(t, core.TierLongTerm, store.items["low"].Tier, "lowest importance memory should be demoted to stay within the bound")
	assert.Equal(t, core.TierShortTerm, store.items["high"].Tier)
}
