package persistence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/memkit/memkit/pkg/core"
	"github.com/memkit/memkit/pkg/persistence"
)

type batcherStore struct {
	mu      sync.Mutex
	applied [][]string
}

func (s *batcherStore) Put(ctx context.Context, m *core.Memory, vectors []persistence.VectorWrite) error {
	panic("unused")
}
func (s *batcherStore) Get(ctx context.Context, id string) (*core.Memory, error) { panic("unused") }
func (s *batcherStore) Update(ctx context.Context, id string, patch persistence.Patch, vectors []persistence.VectorWrite) (*core.Memory, error) {
	panic("unused")
}
func (s *batcherStore) Delete(ctx context.Context, id string) error { panic("unused") }
func (s *batcherStore) List(ctx context.Context, filter core.Filter) ([]*core.Memory, int, error) {
	panic("unused")
}
func (s *batcherStore) VectorSearch(ctx context.Context, collection string, vector []float64, k int, filter core.Filter) ([]core.ScoredID, error) {
	panic("unused")
}
func (s *batcherStore) LexicalSearch(ctx context.Context, text string, k int, filter core.Filter) ([]core.ScoredID, error) {
	panic("unused")
}
func (s *batcherStore) MoveTier(ctx context.Context, id string, tier core.Tier) error {
	panic("unused")
}
func (s *batcherStore) ApplyAccess(ctx context.Context, ids []string, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]string(nil), ids...)
	s.applied = append(s.applied, cp)
	return nil
}
func (s *batcherStore) Stats(ctx context.Context) (persistence.Stats, error) { panic("unused") }
func (s *batcherStore) VectorIndex() persistence.VectorIndex                { panic("unused") }
func (s *batcherStore) Close() error                                        { return nil }

func (s *batcherStore) snapshot() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.applied...)
}

func TestAccessBatcherFlushesOnMaxBatch(t *testing.T) {
	store := &batcherStore{}
	b := persistence.NewAccessBatcher(store)
	defer b.Stop()

	for i := 0; i < 64; i++ {
		b.Record("id")
	}

	assert.Eventually(t, func() bool {
		return len(store.snapshot()) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestAccessBatcherFlushesPartialBatchOnStop(t *testing.T) {
	store := &batcherStore{}
	b := persistence.NewAccessBatcher(store)

	b.Record("only-one")
	b.Stop()

	applied := store.snapshot()
	a := assert.New(t)
	a.Len(applied, 1)
	a.Equal([]string{"only-one"}, applied[0])
}
