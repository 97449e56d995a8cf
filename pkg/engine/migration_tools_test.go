package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memkit/memkit/pkg/config"
	"github.com/memkit/memkit/pkg/core"
	"github.com/memkit/memkit/pkg/migration"
	"github.com/memkit/memkit/pkg/persistence"
)

type migrationToolsVectorIndex struct {
	collections map[string]int
}

func newMigrationToolsVectorIndex() *migrationToolsVectorIndex {
	return &migrationToolsVectorIndex{collections: map[string]int{}}
}

func (f *migrationToolsVectorIndex) CreateCollection(ctx context.Context, name string, dim int) error {
	f.collections[name] = dim
	return nil
}
func (f *migrationToolsVectorIndex) DropCollection(ctx context.Context, name string) error {
	delete(f.collections, name)
	return nil
}
func (f *migrationToolsVectorIndex) HasCollection(name string) bool {
	_, ok := f.collections[name]
	return ok
}
func (f *migrationToolsVectorIndex) Upsert(ctx context.Context, collection, id string, vector []float64, payload map[string]string) error {
	return nil
}
func (f *migrationToolsVectorIndex) Delete(ctx context.Context, collection, id string) error {
	return nil
}
func (f *migrationToolsVectorIndex) Search(ctx context.Context, collection string, vector []float64, k int, where map[string]string) ([]persistence.Hit, error) {
	return nil, nil
}
func (f *migrationToolsVectorIndex) Count(ctx context.Context, collection string) (int, error) {
	return 0, nil
}

// migrationToolsStore implements only what the migration tool handlers
// and Controller exercise; every other call panics.
type migrationToolsStore struct {
	vectors *migrationToolsVectorIndex
	items   []*core.Memory
	stats   persistence.Stats
}

func (s *migrationToolsStore) Put(ctx context.Context, m *core.Memory, vectors []persistence.VectorWrite) error {
	panic("not implemented")
}
func (s *migrationToolsStore) Get(ctx context.Context, id string) (*core.Memory, error) {
	panic("not implemented")
}
func (s *migrationToolsStore) Update(ctx context.Context, id string, patch persistence.Patch, vectors []persistence.VectorWrite) (*core.Memory, error) {
	panic("not implemented")
}
func (s *migrationToolsStore) Delete(ctx context.Context, id string) error {
	panic("not implemented")
}
func (s *migrationToolsStore) List(ctx context.Context, filter core.Filter) ([]*core.Memory, int, error) {
	return s.items, len(s.items), nil
}
func (s *migrationToolsStore) VectorSearch(ctx context.Context, collection string, vector []float64, k int, filter core.Filter) ([]core.ScoredID, error) {
	panic("not implemented")
}
func (s *migrationToolsStore) LexicalSearch(ctx context.Context, text string, k int, filter core.Filter) ([]core.ScoredID, error) {
	panic("not implemented")
}
func (s *migrationToolsStore) MoveTier(ctx context.Context, id string, tier core.Tier) error {
	panic("not implemented")
}
func (s *migrationToolsStore) ApplyAccess(ctx context.Context, ids []string, now int64) error {
	panic("not implemented")
}
func (s *migrationToolsStore) Stats(ctx context.Context) (persistence.Stats, error) {
	return s.stats, nil
}
func (s *migrationToolsStore) VectorIndex() persistence.VectorIndex { return s.vectors }
func (s *migrationToolsStore) Close() error                         { return nil }

func newMigrationToolsFixture(t *testing.T) (*Manager, *Domains) {
	t.Helper()
	store := &migrationToolsStore{vectors: newMigrationToolsVectorIndex(), stats: persistence.Stats{Total: 10}}
	sidecar := migration.NewSidecar(filepath.Join(t.TempDir(), "migration.json"))
	ctrl, err := migration.NewController(store, sidecar, migration.DefaultConfig())
	require.NoError(t, err)

	m := &Manager{cfg: &config.Config{EmbeddingDimension: 1536}, state: StateReady}
	d := &Domains{Store: store, Migration: ctrl}
	return m, d
}

func TestHandleMigrationStartTransitionsToPreparation(t *testing.T) {
	m, d := newMigrationToolsFixture(t)

	raw, err := json.Marshal(migrationStartArgs{TargetModel: "text-embedding-3-large"})
	require.NoError(t, err)

	out, err := handleMigrationStart(context.Background(), m, d, raw)
	require.NoError(t, err)

	var status migration.Snapshot
	require.NoError(t, json.Unmarshal(out, &status))
	assert.Equal(t, migration.StatePreparation, status.State)
	assert.Equal(t, "text-embedding-3-large", status.SecondaryModel)
	assert.Equal(t, 10, status.TotalCount)
}

func TestHandleMigrationStatusReflectsInactiveByDefault(t *testing.T) {
	m, d := newMigrationToolsFixture(t)

	out, err := handleMigrationStatus(context.Background(), m, d, nil)
	require.NoError(t, err)

	var status migration.Snapshot
	require.NoError(t, json.Unmarshal(out, &status))
	assert.Equal(t, migration.StateInactive, status.State)
}

func TestHandleMigrationAdvanceWalksOneStep(t *testing.T) {
	m, d := newMigrationToolsFixture(t)

	raw, err := json.Marshal(migrationStartArgs{TargetModel: "text-embedding-3-large"})
	require.NoError(t, err)
	_, err = handleMigrationStart(context.Background(), m, d, raw)
	require.NoError(t, err)

	out, err := handleMigrationAdvance(context.Background(), m, d, nil)
	require.NoError(t, err)

	var status migration.Snapshot
	require.NoError(t, json.Unmarshal(out, &status))
	assert.Equal(t, migration.StateShadow, status.State)
}

func TestHandleMigrationPauseResumeRoundTrip(t *testing.T) {
	m, d := newMigrationToolsFixture(t)

	_, err := handleMigrationPause(context.Background(), m, d, nil)
	require.NoError(t, err)
	assert.True(t, d.Migration.Paused())

	_, err = handleMigrationResume(context.Background(), m, d, nil)
	require.NoError(t, err)
	assert.False(t, d.Migration.Paused())
}

func TestHandleMigrationRollbackDefaultsReason(t *testing.T) {
	m, d := newMigrationToolsFixture(t)

	raw, err := json.Marshal(migrationStartArgs{TargetModel: "text-embedding-3-large"})
	require.NoError(t, err)
	_, err = handleMigrationStart(context.Background(), m, d, raw)
	require.NoError(t, err)

	out, err := handleMigrationRollback(context.Background(), m, d, nil)
	require.NoError(t, err)

	var status migration.Snapshot
	require.NoError(t, json.Unmarshal(out, &status))
	assert.Equal(t, migration.StateInactive, status.State)
	assert.Equal(t, "operator_requested", status.LastFailureReason)
}

func TestHandleMigrationRollbackRejectsWhenInactive(t *testing.T) {
	m, d := newMigrationToolsFixture(t)

	_, err := handleMigrationRollback(context.Background(), m, d, nil)
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidTransition, core.CodeFor(err))
}
