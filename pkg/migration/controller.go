package migration

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/memkit/memkit/pkg/core"
	"github.com/memkit/memkit/pkg/persistence"
)

// CanaryFraction is the default sampled share of retrieve_memory calls
// that also probe the secondary collection during CANARY (spec §4.6).
const CanaryFraction = 0.05

// Controller drives the migration state graph. All transitions are
// serialized by a single mutex (spec §5: "migration state transitions
// are serialized by a single controller mutex"), so concurrent tool
// calls to the migration_* tools linearize.
type Controller struct {
	mu sync.Mutex

	store   persistence.Store
	sidecar *Sidecar
	cfg     Config

	rec     Record
	quality *RollingTracker
	paused  bool
	rng     *rand.Rand
}

// NewController loads the persisted Record from sidecar (INACTIVE if
// none exists) and constructs a Controller ready to serve migration_*
// calls.
func NewController(store persistence.Store, sidecar *Sidecar, cfg Config) (*Controller, error) {
	rec, err := sidecar.Load()
	if err != nil {
		return nil, err
	}
	return &Controller{
		store:   store,
		sidecar: sidecar,
		cfg:     cfg,
		rec:     rec,
		quality: NewRollingTracker(probeWindow),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Status returns a snapshot of the current record.
func (c *Controller) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{Record: c.rec}
}

// ActiveCollection returns the vector collection reads should be served
// from: primary, unless the controller has flipped to FULL or beyond
// (FULL, CLEANUP) where the secondary collection is authoritative.
func (c *Controller) ActiveCollection() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.rec.State {
	case StateFull, StateCleanup:
		return persistence.CollectionSecondary
	default:
		return persistence.CollectionPrimary
	}
}

// DualWriteActive reports whether put/update should also write to the
// secondary collection, true for every state from SHADOW through FULL
// inclusive (spec §4.6: dual-writes continue through FULL "so a
// rollback remains possible").
func (c *Controller) DualWriteActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.rec.State {
	case StateShadow, StateCanary, StateGradual, StateFull:
		return true
	default:
		return false
	}
}

// SecondaryModel returns the model identifier dual-writes should embed
// with, or "" if no migration is dual-writing.
func (c *Controller) SecondaryModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.SecondaryModel
}

// ShouldProbe samples the CANARY fraction for one retrieve_memory call.
func (c *Controller) ShouldProbe() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec.State != StateCanary || c.paused {
		return false
	}
	return c.rng.Float64() < CanaryFraction
}

// Start begins a migration to targetModel, whose vectors have dimension
// targetDimension. Legal only from INACTIVE or COMPLETED (both map to
// state INACTIVE at rest); rejects with core.CodeInvalidTransition
// otherwise, per the tool surface's idempotency requirement
// ("migration_start again -> INVALID_TRANSITION").
func (c *Controller) Start(ctx context.Context, targetModel string, targetDimension int, totalCount int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rec.State != StateInactive {
		return core.NewMemoryError("migration.Start", core.CodeInvalidTransition, core.ErrInvalidTransition)
	}
	if err := c.store.VectorIndex().CreateCollection(ctx, persistence.CollectionSecondary, targetDimension); err != nil {
		return fmt.Errorf("migration: create secondary collection: %w", err)
	}

	c.rec = Record{
		State:          StatePreparation,
		PrimaryModel:   c.rec.PrimaryModel,
		SecondaryModel: targetModel,
		StartedAt:      time.Now().Unix(),
		TotalCount:     totalCount,
	}
	c.quality = NewRollingTracker(probeWindow)
	return c.saveLocked()
}

// Advance moves the controller one step forward in the state graph,
// applying that transition's side effects. It enforces the GRADUAL ->
// FULL quality gate (quality_threshold and 100% migrated) and is
// otherwise a structural transition with idempotent semantics: calling
// Advance from a state with no forward motion available (e.g. INACTIVE)
// returns core.CodeInvalidTransition.
func (c *Controller) Advance(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.rec.State
	to, ok := forward[from]
	if !ok || from == StateCompleted || from == StateInactive {
		// COMPLETED -> INACTIVE is legal structurally but is performed
		// automatically at the end of Advance(CLEANUP); a bare advance
		// call sitting in COMPLETED or INACTIVE has nothing to do.
		return core.NewMemoryError("migration.Advance", core.CodeInvalidTransition, core.ErrInvalidTransition)
	}

	switch from {
	case StateGradual:
		if c.rec.QualitySignal < c.cfg.QualityThreshold {
			return core.NewMemoryError("migration.Advance", core.CodeInvalidTransition,
				fmt.Errorf("%w: quality signal %.2f below threshold %.2f", core.ErrInvalidTransition, c.rec.QualitySignal, c.cfg.QualityThreshold))
		}
		if c.rec.PercentMigrated() < 1 {
			return core.NewMemoryError("migration.Advance", core.CodeInvalidTransition,
				fmt.Errorf("%w: %d/%d ids still unmigrated", core.ErrInvalidTransition, c.rec.TotalCount-c.rec.MigratedCount, c.rec.TotalCount))
		}
	case StateCleanup:
		if err := c.store.VectorIndex().DropCollection(ctx, persistence.CollectionPrimary); err != nil {
			return fmt.Errorf("migration: drop primary collection: %w", err)
		}
		c.rec.PrimaryModel = c.rec.SecondaryModel
		c.rec.SecondaryModel = ""
	}

	c.rec.State = to
	if to == StateCompleted {
		// COMPLETED is momentary: the spec defines it as "controller
		// returns to INACTIVE", so collapse both steps into one Advance.
		c.rec.State = StateInactive
		c.rec.StartedAt = 0
		c.rec.MigratedCount = 0
		c.rec.TotalCount = 0
		c.rec.DeferredIDs = nil
		c.rec.QualitySignal = 0
	}
	return c.saveLocked()
}

// Pause and Resume toggle background GRADUAL/CANARY activity without
// moving the state graph. Both are idempotent: pausing an already-paused
// (or inactive) controller is a no-op success, matching the tool
// surface's "all are idempotent" requirement.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	return nil
}

func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return nil
}

func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Rollback transitions to ROLLING_BACK and immediately resolves it:
// dual-writes stop, the secondary collection is dropped, the active
// pointer (which only ever flips at FULL) is implicitly restored since
// ActiveCollection reads c.rec.State, and the record resets to INACTIVE
// with reason retained.
func (c *Controller) Rollback(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbackLocked(ctx, reason)
}

func (c *Controller) rollbackLocked(ctx context.Context, reason string) error {
	if !active(c.rec.State) {
		return core.NewMemoryError("migration.Rollback", core.CodeInvalidTransition, core.ErrInvalidTransition)
	}
	if c.store.VectorIndex().HasCollection(persistence.CollectionSecondary) {
		if err := c.store.VectorIndex().DropCollection(ctx, persistence.CollectionSecondary); err != nil {
			return fmt.Errorf("migration: drop secondary collection during rollback: %w", err)
		}
	}
	c.rec = Record{
		State:             StateInactive,
		PrimaryModel:      c.rec.PrimaryModel,
		LastFailureReason: reason,
	}
	c.quality = NewRollingTracker(probeWindow)
	c.paused = false
	return c.saveLocked()
}

// RecordProbe records one CANARY-state measurement and, once enough
// probes have accumulated, checks the rollback gate (spec §4.6: rolling
// mean over the last >= 50 probes below rollback_threshold). It also
// checks the wall-time gate on every call, since that check does not
// depend on probe volume.
func (c *Controller) RecordProbe(ctx context.Context, p Probe) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rec.State != StateCanary && c.rec.State != StateGradual {
		return nil
	}
	c.quality.Record(p.Signal())
	c.rec.QualitySignal = c.quality.Mean()

	if c.quality.Ready() && c.quality.Mean() < c.cfg.RollbackThreshold {
		c.rec.LastFailureReason = "quality_regression"
		return c.rollbackLocked(ctx, "quality_regression")
	}
	if c.wallTimeExceededLocked() {
		return c.rollbackLocked(ctx, "max_time_exceeded")
	}
	return c.saveLocked()
}

func (c *Controller) wallTimeExceededLocked() bool {
	if c.rec.StartedAt == 0 {
		return false
	}
	elapsed := time.Since(time.Unix(c.rec.StartedAt, 0))
	return elapsed.Hours() > c.cfg.MaxTimeHours
}

// PendingIDs returns up to cfg.BatchSize memory ids still on the primary
// embedding model (or, if none remain, the previously deferred ids),
// for RunGradualBatch to re-embed. Listing every record and filtering by
// EmbeddingModel client-side is acceptable at the scale this engine
// targets; a production-scale deployment would push this filter into
// the store.
func (c *Controller) PendingIDs(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	secondary := c.rec.SecondaryModel
	deferred := append([]string(nil), c.rec.DeferredIDs...)
	batchSize := c.cfg.BatchSize
	c.mu.Unlock()

	items, _, err := c.store.List(ctx, core.Filter{Limit: 1 << 20})
	if err != nil {
		return nil, fmt.Errorf("migration: list pending: %w", err)
	}
	var pending []string
	for _, m := range items {
		if m.EmbeddingModel != secondary {
			pending = append(pending, m.ID)
		}
	}
	if len(pending) == 0 {
		return deferred, nil
	}
	if len(pending) > batchSize {
		pending = pending[:batchSize]
	}
	return pending, nil
}

// ReembedBatch runs embedOne for each id with the spec §4.6 fixed retry
// ladder (backoff.go), returning the ids that succeeded and the ids
// abandoned after exhausting the ladder.
func (c *Controller) ReembedBatch(ctx context.Context, ids []string, embedOne func(ctx context.Context, id string) error) (migrated, deferred []string) {
	for _, id := range ids {
		err := backoff.Retry(func() error { return embedOne(ctx, id) }, newBatchBackOff())
		if err != nil {
			deferred = append(deferred, id)
		} else {
			migrated = append(migrated, id)
		}
	}
	return migrated, deferred
}

// RecordBatchResult folds one ReembedBatch outcome into the persisted
// record: migrated ids increment MigratedCount and are dropped from
// DeferredIDs; deferred ids are (re-)added to DeferredIDs, which
// PendingIDs hands out again once no primary-model ids remain, i.e. at
// the end of GRADUAL.
func (c *Controller) RecordBatchResult(migrated, deferred []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	migratedSet := make(map[string]struct{}, len(migrated))
	for _, id := range migrated {
		migratedSet[id] = struct{}{}
	}
	kept := c.rec.DeferredIDs[:0]
	for _, id := range c.rec.DeferredIDs {
		if _, ok := migratedSet[id]; !ok {
			kept = append(kept, id)
		}
	}
	c.rec.DeferredIDs = append(append([]string(nil), kept...), deferred...)
	c.rec.MigratedCount += len(migrated)
	if c.rec.MigratedCount > c.rec.TotalCount {
		c.rec.MigratedCount = c.rec.TotalCount
	}
	return c.saveLocked()
}

func (c *Controller) saveLocked() error {
	return c.sidecar.Save(c.rec)
}
