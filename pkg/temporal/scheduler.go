package temporal

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/memkit/memkit/pkg/background"
	"github.com/memkit/memkit/pkg/core"
	"github.com/memkit/memkit/pkg/persistence"
)

// DefaultPeriod is the spec §4.2 default loop period.
const DefaultPeriod = 60 * time.Second

const promotionWindow = 6 * time.Hour

// Scheduler runs the periodic decay/promotion/demotion loop (spec §4.2)
// against a persistence.Store. It is started during the domain manager's
// warming phase and stopped during draining.
type Scheduler struct {
	store  persistence.Store
	cfg    Config
	period time.Duration
	log    zerolog.Logger

	// pool bounds how many memories a single Tick processes concurrently
	// (spec §5). Nil falls back to processing each tier sequentially.
	pool *background.Pool

	stop chan struct{}
	done chan struct{}
}

// NewScheduler constructs a Scheduler. period defaults to DefaultPeriod
// when zero.
func NewScheduler(store persistence.Store, cfg Config, period time.Duration, log zerolog.Logger) *Scheduler {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Scheduler{
		store:  store,
		cfg:    cfg,
		period: period,
		log:    log.With().Str("component", "temporal").Logger(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// UseBackgroundPool bounds Tick's per-memory fan-out to pool's worker
// budget (spec §5's `background.max_workers`/`max_queue_size`).
func (s *Scheduler) UseBackgroundPool(pool *background.Pool) {
	s.pool = pool
}

// Start runs the loop in a background goroutine until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.log.Error().Err(err).Msg("temporal tick failed")
			}
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one pass of decay, tier transitions, and bound enforcement
// over every non-archived memory.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := time.Now().UTC()

	for _, tier := range []core.Tier{core.TierShortTerm, core.TierLongTerm} {
		items, _, err := s.store.List(ctx, core.Filter{Tiers: []core.Tier{tier}, Limit: 1 << 30})
		if err != nil {
			return err
		}
		if s.pool != nil {
			if err := s.pool.RunAll(ctx, len(items), func(ctx context.Context, i int) {
				s.processOne(ctx, items[i], now)
			}); err != nil {
				return err
			}
		} else {
			for _, m := range items {
				s.processOne(ctx, m, now)
			}
		}
	}

	if err := s.enforceBound(ctx, core.TierShortTerm, s.cfg.MaxShortTerm); err != nil {
		return err
	}
	return s.enforceBound(ctx, core.TierLongTerm, s.cfg.MaxLongTerm)
}

func (s *Scheduler) processOne(ctx context.Context, m *core.Memory, now time.Time) {
	elapsedDays := now.Sub(m.LastAccessedAt).Hours() / 24
	if m.LastAccessedAt.IsZero() {
		elapsedDays = now.Sub(m.CreatedAt).Hours() / 24
	}
	newImportance := s.cfg.Decay(m.Importance, elapsedDays)

	patch := persistence.Patch{Importance: &newImportance}
	if _, err := s.store.Update(ctx, m.ID, patch, nil); err != nil {
		s.log.Error().Err(err).Str("memory_id", m.ID).Msg("decay update failed")
		return
	}
	m.Importance = newImportance

	age := now.Sub(m.CreatedAt)
	accessedRecently := !m.LastAccessedAt.IsZero() && now.Sub(m.LastAccessedAt) <= promotionWindow

	switch {
	case m.Tier == core.TierShortTerm && m.Importance < s.cfg.ShortTermThreshold && age > 24*time.Hour:
		s.moveTier(ctx, m, core.TierLongTerm)
	case m.Tier == core.TierLongTerm && age.Hours()/24 > s.cfg.ArchivalThresholdDays && m.AccessCount == 0:
		s.moveTier(ctx, m, core.TierArchived)
	case m.Tier != core.TierShortTerm && accessedRecently:
		s.moveTier(ctx, m, promote(m.Tier))
	}
}

func promote(t core.Tier) core.Tier {
	switch t {
	case core.TierArchived:
		return core.TierLongTerm
	case core.TierLongTerm:
		return core.TierShortTerm
	default:
		return t
	}
}

func (s *Scheduler) moveTier(ctx context.Context, m *core.Memory, to core.Tier) {
	if to == m.Tier {
		return
	}
	if err := s.store.MoveTier(ctx, m.ID, to); err != nil {
		s.log.Error().Err(err).Str("memory_id", m.ID).Str("tier", string(to)).Msg("tier move failed")
		return
	}
	s.log.Info().Str("memory_id", m.ID).Str("from", string(m.Tier)).Str("to", string(to)).Msg("tier transition")
	m.Tier = to
}

// enforceBound demotes the lowest-importance memories in tier (ties
// broken by oldest last_accessed_at) until the tier's population is at
// most max.
func (s *Scheduler) enforceBound(ctx context.Context, tier core.Tier, max int) error {
	if max <= 0 {
		return nil
	}
	items, _, err := s.store.List(ctx, core.Filter{Tiers: []core.Tier{tier}, Limit: 1 << 30})
	if err != nil {
		return err
	}
	if len(items) <= max {
		return nil
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Importance != items[j].Importance {
			return items[i].Importance < items[j].Importance
		}
		return items[i].LastAccessedAt.Before(items[j].LastAccessedAt)
	})

	demoteTo := core.TierLongTerm
	if tier == core.TierLongTerm {
		demoteTo = core.TierArchived
	}
	excess := len(items) - max
	for _, m := range items[:excess] {
		s.moveTier(ctx, m, demoteTo)
	}
	return nil
}
