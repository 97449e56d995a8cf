package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memkit/memkit/pkg/background"
	"github.com/memkit/memkit/pkg/config"
	"github.com/memkit/memkit/pkg/core"
	"github.com/memkit/memkit/pkg/episodic"
	"github.com/memkit/memkit/pkg/llm"
	"github.com/memkit/memkit/pkg/migration"
	"github.com/memkit/memkit/pkg/persistence"
	"github.com/memkit/memkit/pkg/semantic"
)

// toolsFakeEmbedder produces a fixed-dimension vector whose only non-zero
// component is derived from text length, so any two vectors have cosine
// 1; the fixtures never compare them, since toolsStore.VectorSearch
// returns a fixed score.
type toolsFakeEmbedder struct {
	dim int
}

func (e *toolsFakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	v := make([]float64, e.dim)
	v[0] = float64(len(text)%7) + 1
	return v, nil
}
func (e *toolsFakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}
func (e *toolsFakeEmbedder) Dimensions() int { return e.dim }
func (e *toolsFakeEmbedder) Close() error    { return nil }

type toolsVectorIndex struct {
	collections map[string]int
}

func newToolsVectorIndex() *toolsVectorIndex { return &toolsVectorIndex{collections: map[string]int{}} }

func (f *toolsVectorIndex) CreateCollection(ctx context.Context, name string, dim int) error {
	f.collections[name] = dim
	return nil
}
func (f *toolsVectorIndex) DropCollection(ctx context.Context, name string) error {
	delete(f.collections, name)
	return nil
}
func (f *toolsVectorIndex) HasCollection(name string) bool { _, ok := f.collections[name]; return ok }
func (f *toolsVectorIndex) Upsert(ctx context.Context, collection, id string, vector []float64, payload map[string]string) error {
	return nil
}
func (f *toolsVectorIndex) Delete(ctx context.Context, collection, id string) error { return nil }
func (f *toolsVectorIndex) Search(ctx context.Context, collection string, vector []float64, k int, where map[string]string) ([]persistence.Hit, error) {
	return nil, nil
}
func (f *toolsVectorIndex) Count(ctx context.Context, collection string) (int, error) { return 0, nil }

// toolsStore is an in-memory persistence.Store fake covering every call
// the store/retrieve/list/update/delete/stats handlers make.
// toolsStore guards items with a mutex: store_memory's fact
// consolidation now runs on a background.Pool goroutine (spec §5), so
// tests that poll the store for its effect race against this fake's
// own read/write access otherwise.
type toolsStore struct {
	mu      sync.Mutex
	items   map[string]*core.Memory
	vectors *toolsVectorIndex
}

func newToolsStore() *toolsStore {
	return &toolsStore{items: map[string]*core.Memory{}, vectors: newToolsVectorIndex()}
}

func (s *toolsStore) Put(ctx context.Context, m *core.Memory, vectors []persistence.VectorWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[m.ID] = m
	return nil
}
func (s *toolsStore) Get(ctx context.Context, id string) (*core.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok {
		return nil, core.NewMemoryError("Get", core.CodeNotFound, core.ErrNotFound)
	}
	return m, nil
}
func (s *toolsStore) Update(ctx context.Context, id string, patch persistence.Patch, vectors []persistence.VectorWrite) (*core.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok {
		return nil, core.NewMemoryError("Update", core.CodeNotFound, core.ErrNotFound)
	}
	if patch.Content != nil {
		m.Content = patch.Content
	}
	if patch.Importance != nil {
		m.Importance = core.ClampImportance(*patch.Importance)
	}
	if patch.Tags != nil {
		m.Tags = patch.Tags
	}
	if patch.Source != nil {
		m.Source = *patch.Source
	}
	return m, nil
}
func (s *toolsStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return core.NewMemoryError("Delete", core.CodeNotFound, core.ErrNotFound)
	}
	delete(s.items, id)
	return nil
}
func (s *toolsStore) List(ctx context.Context, filter core.Filter) ([]*core.Memory, int, error) {
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
func (s *toolsStore) VectorSearch(ctx context.Context, collection string, vector []float64, k int, filter core.Filter) ([]core.ScoredID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.ScoredID
	for id, m := range s.items {
		if !filter.Matches(m) {
			continue
		}
		out = append(out, core.ScoredID{ID: id, Score: 0.1})
	}
	return out, nil
}
func (s *toolsStore) LexicalSearch(ctx context.Context, text string, k int, filter core.Filter) ([]core.ScoredID, error) {
	return nil, nil
}
func (s *toolsStore) MoveTier(ctx context.Context, id string, tier core.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.items[id]; ok {
		m.Tier = tier
	}
	return nil
}
func (s *toolsStore) ApplyAccess(ctx context.Context, ids []string, now int64) error { return nil }
func (s *toolsStore) Stats(ctx context.Context) (persistence.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := persistence.Stats{Total: len(s.items), ByType: map[core.MemoryType]int{}, ByTier: map[core.Tier]int{}}
	for _, m := range s.items {
		stats.ByType[m.Type]++
		stats.ByTier[m.Tier]++
	}
	return stats, nil
}
func (s *toolsStore) VectorIndex() persistence.VectorIndex { return s.vectors }
func (s *toolsStore) Close() error                         { return nil }

// snapshotFactStatements returns every stored core.TypeFact memory, for
// polling consolidation's async effect.
func (s *toolsStore) snapshotFactStatements() []*core.Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Memory
	for _, m := range s.items {
		if m.Type == core.TypeFact {
			out = append(out, m)
		}
	}
	return out
}

// toolsStubLLM serves every llm.Provider caller in this package's
// fixtures (episodic reflection, fact extraction, consolidation
// decisions) by inspecting the prompt shape each caller sends and
// returning the matching canned response.
type toolsStubLLM struct{}

func (s *toolsStubLLM) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return "", nil
}
func (s *toolsStubLLM) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	var combined strings.Builder
	for _, msg := range messages {
		combined.WriteString(msg.Content)
	}
	switch {
	case strings.Contains(combined.String(), `"facts"`):
		return `{"facts": ["likes coffee"]}`, nil
	case strings.Contains(combined.String(), "# Candidate memories"):
		return `{"memory": [{"text": "likes coffee", "event": "ADD"}]}`, nil
	default:
		return "a reflection", nil
	}
}
func (s *toolsStubLLM) Close() error { return nil }

func newToolsFixture(t *testing.T) (*Manager, *Domains, *toolsStore) {
	t.Helper()

	store := newToolsStore()
	embed := &toolsFakeEmbedder{dim: 4}

	retriever := semantic.NewHybridRetriever(store, semantic.RetrievalConfig{
		Weights:             semantic.Weights{Semantic: 0.6, Recency: 0.2, Importance: 0.2},
		SemanticThreshold:   0,
		RecencyHalfLifeDays: 30,
	})
	// Threshold 0.1 rather than semantic.DedupThreshold (NewDeduper turns 0
	// into the default): toolsStore.VectorSearch returns a fixed placeholder
	// score of 0.1, not a real cosine similarity, so a threshold equal to it
	// keeps "does this test's fixture look like a dup" decoupled from the
	// real similarity math exercised in pkg/semantic's own tests.
	dedup := semantic.NewDeduper(store, 0.1)

	llmProvider := &toolsStubLLM{}

	buffer, err := episodic.New(episodic.Capacity, episodic.ReflectionTrigger)
	require.NoError(t, err)
	episodicDomain := episodic.NewDomain(buffer, episodic.NewGenerator(llmProvider), store, mustSnowflakeNode(t))

	sidecar := migration.NewSidecar(filepath.Join(t.TempDir(), "migration.json"))
	migrationController, err := migration.NewController(store, sidecar, migration.DefaultConfig())
	require.NoError(t, err)

	batcher := persistence.NewAccessBatcher(store)
	t.Cleanup(batcher.Stop)

	schemas, err := newSchemaRegistry()
	require.NoError(t, err)

	cfg := config.Default()
	cfg.EmbeddingModel = "test-embed"
	cfg.EmbeddingDimension = 4
	cfg.Retrieval.TopK = 10

	m := &Manager{
		cfg:     cfg,
		schemas: schemas,
		ids:     mustSnowflakeNode(t),
		state:   StateReady,
	}
	d := &Domains{
		Store:      store,
		Batcher:    batcher,
		Retriever:  retriever,
		Dedup:      dedup,
		Extractor:  semantic.NewExtractor(llmProvider),
		Decider:    semantic.NewDecisionMaker(llmProvider),
		Episodic:   episodicDomain,
		Migration:  migrationController,
		Embedder:   embed,
		LLM:        llmProvider,
		Background: background.New(8, 256),
	}
	return m, d, store
}

func mustSnowflakeNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func TestHandleStoreMemoryPersistsNewFact(t *testing.T) {
	m, d, store := newToolsFixture(t)

	raw, err := json.Marshal(storeMemoryArgs{Type: core.TypeFact, Content: json.RawMessage(`{"statement":"water boils at 100C"}`)})
	require.NoError(t, err)

	out, err := handleStoreMemory(context.Background(), m, d, raw)
	require.NoError(t, err)

	var result storeMemoryResult
	require.NoError(t, json.Unmarshal(out, &result))
	assert.False(t, result.Merged)
	assert.NotEmpty(t, result.ID)
	assert.Len(t, store.items, 1)
}

func TestHandleStoreMemoryRejectsUnknownType(t *testing.T) {
	m, d, _ := newToolsFixture(t)

	raw, err := json.Marshal(storeMemoryArgs{Type: core.MemoryType("bogus"), Content: json.RawMessage(`{}`)})
	require.NoError(t, err)

	_, err = handleStoreMemory(context.Background(), m, d, raw)
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidContent, core.CodeFor(err))
}

func TestHandleStoreMemoryMergesDuplicateFact(t *testing.T) {
	m, d, store := newToolsFixture(t)
	now := time.Now().UTC()
	store.items["existing-1"] = &core.Memory{
		ID: "existing-1", Type: core.TypeFact, Content: core.FactContent{Statement: "dup"},
		Importance: 0.3, CreatedAt: now, UpdatedAt: now, Tier: core.TierShortTerm, Source: "earlier",
	}

	raw, err := json.Marshal(storeMemoryArgs{Type: core.TypeFact, Content: json.RawMessage(`{"statement":"dup again"}`), Source: "later"})
	require.NoError(t, err)

	out, err := handleStoreMemory(context.Background(), m, d, raw)
	require.NoError(t, err)

	var result storeMemoryResult
	require.NoError(t, json.Unmarshal(out, &result))
	assert.True(t, result.Merged)
	assert.Equal(t, "existing-1", result.ID)
	assert.Len(t, store.items, 1, "no new record should be created on merge")
}

func TestHandleListMemoriesFiltersByType(t *testing.T) {
	m, d, store := newToolsFixture(t)
	now := time.Now().UTC()
	store.items["f1"] = &core.Memory{ID: "f1", Type: core.TypeFact, CreatedAt: now, Tier: core.TierShortTerm}
	store.items["c1"] = &core.Memory{ID: "c1", Type: core.TypeConversation, CreatedAt: now, Tier: core.TierShortTerm}

	raw, err := json.Marshal(listMemoriesArgs{Types: []core.MemoryType{core.TypeFact}})
	require.NoError(t, err)

	out, err := handleListMemories(context.Background(), m, d, raw)
	require.NoError(t, err)

	var result listMemoriesResult
	require.NoError(t, json.Unmarshal(out, &result))
	require.Len(t, result.Items, 1)
	assert.Equal(t, "f1", result.Items[0].ID)
}

func TestHandleUpdateMemoryAppliesImportancePatch(t *testing.T) {
	m, d, store := newToolsFixture(t)
	now := time.Now().UTC()
	store.items["f1"] = &core.Memory{ID: "f1", Type: core.TypeFact, Content: core.FactContent{Statement: "x"}, Importance: 0.2, CreatedAt: now, Tier: core.TierShortTerm}

	raw := []byte(`{"id":"f1","patch":{"importance":0.9}}`)
	out, err := handleUpdateMemory(context.Background(), m, d, raw)
	require.NoError(t, err)

	var result updateMemoryResult
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, "f1", result.ID)
	assert.Equal(t, 0.9, store.items["f1"].Importance)
}

func TestHandleDeleteMemoryIsIdempotent(t *testing.T) {
	m, d, store := newToolsFixture(t)
	store.items["f1"] = &core.Memory{ID: "f1", Type: core.TypeFact}

	raw, err := json.Marshal(deleteMemoryArgs{ID: "f1"})
	require.NoError(t, err)

	out, err := handleDeleteMemory(context.Background(), m, d, raw)
	require.NoError(t, err)
	var result deleteMemoryResult
	require.NoError(t, json.Unmarshal(out, &result))
	assert.True(t, result.Deleted)

	out, err = handleDeleteMemory(context.Background(), m, d, raw)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out, &result))
	assert.False(t, result.Deleted, "deleting an already-absent id reports deleted=false, not an error")
}

func TestHandleMemoryStatsAggregatesByTypeAndTier(t *testing.T) {
	m, d, store := newToolsFixture(t)
	store.items["f1"] = &core.Memory{ID: "f1", Type: core.TypeFact, Tier: core.TierShortTerm}
	store.items["f2"] = &core.Memory{ID: "f2", Type: core.TypeFact, Tier: core.TierLongTerm}

	out, err := handleMemoryStats(context.Background(), m, d, nil)
	require.NoError(t, err)

	var result memoryStatsResult
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.ByType[core.TypeFact])
	assert.Equal(t, 1, result.ByTier[core.TierShortTerm])
	assert.Equal(t, 1, result.ByTier[core.TierLongTerm])
}

func TestHandleStoreMemoryConversationTriggersFactConsolidation(t *testing.T) {
	m, d, store := newToolsFixture(t)

	contentJSON, err := json.Marshal(core.ConversationContent{Messages: []core.ConversationMessage{
		{Role: "user", Text: "I really like coffee in the morning"},
	}})
	require.NoError(t, err)
	raw, err := json.Marshal(storeMemoryArgs{Type: core.TypeConversation, Content: contentJSON})
	require.NoError(t, err)

	_, err = handleStoreMemory(context.Background(), m, d, raw)
	require.NoError(t, err)

	// Consolidation runs on a background.Pool goroutine, so its effect
	// on the store is only eventually visible.
	var derived *core.Memory
	require.Eventually(t, func() bool {
		for _, item := range store.snapshotFactStatements() {
			derived = item
		}
		return derived != nil
	}, time.Second, 5*time.Millisecond, "consolidation should have derived a fact from the conversation turn")
	assert.Equal(t, "likes coffee", derived.Content.(core.FactContent).Statement)
	assert.Equal(t, "consolidation", derived.Source)
}

func TestHandleRetrieveMemoryReturnsResults(t *testing.T) {
	m, d, store := newToolsFixture(t)
	now := time.Now().UTC()
	store.items["f1"] = &core.Memory{ID: "f1", Type: core.TypeFact, Content: core.FactContent{Statement: "water boils at 100C"}, CreatedAt: now, Importance: 0.5, Tier: core.TierShortTerm}

	raw, err := json.Marshal(retrieveMemoryArgs{Query: "boiling point", Limit: 5})
	require.NoError(t, err)

	out, err := handleRetrieveMemory(context.Background(), m, d, raw)
	require.NoError(t, err)

	var result retrieveMemoryResult
	require.NoError(t, json.Unmarshal(out, &result))
	require.Len(t, result.Results, 1)
	assert.Equal(t, "f1", result.Results[0].ID)
}
