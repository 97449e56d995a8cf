package engine

import (
	"context"
	"time"

	"github.com/memkit/memkit/pkg/persistence"
)

// gradualMigrationLoopInterval is how often the manager checks for
// GRADUAL-state work to re-embed. Short enough that a 100-item
// migration.Config.BatchSize finishes a reasonably sized corpus within
// its max_time_hours budget, long enough not to busy-loop when idle.
const gradualMigrationLoopInterval = 2 * time.Second

// gradualMigrationLoop runs for the manager's lifetime, advancing the
// active migration's GRADUAL-state re-embed work (spec §4.6) whenever
// one is in progress. It is a no-op loop outside GRADUAL.
func (m *Manager) gradualMigrationLoop(ctx context.Context) {
	ticker := time.NewTicker(gradualMigrationLoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			domains := m.domains
			m.mu.RUnlock()
			if domains == nil {
				continue
			}
			domains.Background.Submit(ctx, func(err error) {
				m.log.Warn().Err(err).Msg("gradual migration batch failed")
			}, func(ctx context.Context) error {
				m.runGradualBatch(ctx)
				return nil
			})
		}
	}
}

// runGradualBatch runs one spec §4.6 GRADUAL re-embed batch. It is
// dispatched through Domains.Background (spec §5) so an overrunning
// batch never delays the next tick's submission past the queue bound.
func (m *Manager) runGradualBatch(ctx context.Context) {
	m.mu.RLock()
	domains := m.domains
	m.mu.RUnlock()
	if domains == nil {
		return
	}

	status := domains.Migration.Status()
	if status.State != "GRADUAL" || domains.Migration.Paused() {
		return
	}

	ids, err := domains.Migration.PendingIDs(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("gradual migration: list pending failed")
		return
	}
	if len(ids) == 0 {
		return
	}

	secondaryModel := domains.Migration.SecondaryModel()
	embedOne := func(ctx context.Context, id string) error {
		mem, err := domains.Store.Get(ctx, id)
		if err != nil {
			return err
		}
		vector, err := domains.Embedder.Embed(ctx, mem.Content.Text())
		if err != nil {
			return err
		}
		_, err = domains.Store.Update(ctx, id, persistence.Patch{EmbeddingModel: &secondaryModel}, []persistence.VectorWrite{
			{Collection: persistence.CollectionSecondary, Vector: vector, Model: secondaryModel},
		})
		return err
	}

	migrated, deferred := domains.Migration.ReembedBatch(ctx, ids, embedOne)
	if err := domains.Migration.RecordBatchResult(migrated, deferred); err != nil {
		m.log.Warn().Err(err).Msg("gradual migration: record batch result failed")
	}
	m.log.Info().Int("migrated", len(migrated)).Int("deferred", len(deferred)).Msg("gradual migration batch complete")
}
