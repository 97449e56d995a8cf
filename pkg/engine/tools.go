package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/memkit/memkit/pkg/core"
	"github.com/memkit/memkit/pkg/migration"
	"github.com/memkit/memkit/pkg/persistence"
	"github.com/memkit/memkit/pkg/semantic"
)

// handler dispatches one tool call against domains, given already
// schema-validated args.
type handler func(ctx context.Context, m *Manager, domains *Domains, args []byte) ([]byte, error)

var handlers = map[string]handler{
	"store_memory":       handleStoreMemory,
	"retrieve_memory":    handleRetrieveMemory,
	"list_memories":      handleListMemories,
	"update_memory":      handleUpdateMemory,
	"delete_memory":      handleDeleteMemory,
	"memory_stats":       handleMemoryStats,
	"migration_start":    handleMigrationStart,
	"migration_status":   handleMigrationStatus,
	"migration_advance":  handleMigrationAdvance,
	"migration_pause":    handleMigrationPause,
	"migration_resume":   handleMigrationResume,
	"migration_rollback": handleMigrationRollback,
}

type storeMemoryArgs struct {
	Type       core.MemoryType `json:"type"`
	Content    json.RawMessage `json:"content"`
	Importance *float64        `json:"importance,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Source     string          `json:"source,omitempty"`
}

type storeMemoryResult struct {
	ID     string `json:"id"`
	Merged bool   `json:"merged"`
}

func handleStoreMemory(ctx context.Context, m *Manager, d *Domains, raw []byte) ([]byte, error) {
	var args storeMemoryArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, core.NewMemoryError("store_memory", core.CodeInvalidArguments, err)
	}
	if !args.Type.Valid() {
		return nil, core.NewMemoryError("store_memory", core.CodeInvalidContent, fmt.Errorf("%w: unknown type %q", core.ErrInvalidContent, args.Type))
	}
	if err := m.schemas.validateContent(args.Type, args.Content); err != nil {
		return nil, err
	}
	content, err := core.DecodeContent(args.Type, args.Content)
	if err != nil {
		return nil, core.NewMemoryError("store_memory", core.CodeInvalidContent, err)
	}

	vector, err := d.Embedder.Embed(ctx, content.Text())
	if err != nil {
		return nil, core.NewMemoryError("store_memory", core.CodeBackendUnavailable, err)
	}
	if len(vector) != d.Embedder.Dimensions() {
		return nil, core.NewMemoryError("store_memory", core.CodeDimensionMismatch, core.ErrDimensionMismatch)
	}

	importance := 0.5
	if args.Importance != nil {
		importance = core.ClampImportance(*args.Importance)
	}

	if existingID, found, err := d.Dedup.Check(ctx, vector, args.Type); err != nil {
		return nil, core.NewMemoryError("store_memory", core.CodeBackendUnavailable, err)
	} else if found {
		if _, err := d.Dedup.Merge(ctx, existingID, args.Tags, args.Source, importance); err != nil {
			return nil, core.NewMemoryError("store_memory", core.CodeBackendUnavailable, err)
		}
		return json.Marshal(storeMemoryResult{ID: existingID, Merged: true})
	}

	now := time.Now().UTC()
	mem := &core.Memory{
		ID:             m.ids.Generate().String(),
		Type:           args.Type,
		Content:        content,
		Importance:     importance,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
		Tier:           core.TierShortTerm,
		EmbeddingModel: m.cfg.EmbeddingModel,
		Tags:           args.Tags,
		Source:         args.Source,
	}

	if err := d.Store.Put(ctx, mem, consolidationVectors(d, m, vector)); err != nil {
		return nil, err
	}

	if args.Type == core.TypeConversation {
		if err := d.Episodic.OnConversationStored(ctx, mem); err != nil {
			m.log.Warn().Err(err).Str("memory_id", mem.ID).Msg("reflection generation failed; retrying on next conversation")
		}
		// Submitted rather than awaited: consolidation is the spec §5
		// "Consolidation" background loop, and the originating call may
		// already have returned by the time it runs.
		transcript := content.Text()
		d.Background.Submit(context.Background(), func(err error) {
			m.log.Warn().Err(err).Str("memory_id", mem.ID).Msg("fact consolidation failed")
		}, func(bgCtx context.Context) error {
			bgCtx, cancel := context.WithTimeout(bgCtx, 30*time.Second)
			defer cancel()
			return consolidateConversation(bgCtx, m, d, transcript)
		})
	}

	return json.Marshal(storeMemoryResult{ID: mem.ID, Merged: false})
}

type retrieveMemoryArgs struct {
	Query         string            `json:"query"`
	Limit         int               `json:"limit,omitempty"`
	Types         []core.MemoryType `json:"types,omitempty"`
	MinSimilarity *float64          `json:"min_similarity,omitempty"`
}

type retrievedResult struct {
	ID     string       `json:"id"`
	Memory *core.Memory `json:"memory"`
	Score  float64      `json:"score"`
}

type retrieveMemoryResult struct {
	Results []retrievedResult `json:"results"`
}

func handleRetrieveMemory(ctx context.Context, m *Manager, d *Domains, raw []byte) ([]byte, error) {
	var args retrieveMemoryArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, core.NewMemoryError("retrieve_memory", core.CodeInvalidArguments, err)
	}
	limit := args.Limit
	if limit <= 0 {
		limit = m.cfg.Retrieval.TopK
	}

	vector, err := d.Embedder.Embed(ctx, args.Query)
	if err != nil {
		return nil, core.NewMemoryError("retrieve_memory", core.CodeBackendUnavailable, err)
	}

	filter := core.Filter{Types: args.Types}
	retriever := d.Retriever
	if args.MinSimilarity != nil && *args.MinSimilarity != m.cfg.Retrieval.SemanticThreshold {
		cfg := semantic.RetrievalConfig{
			Weights: semantic.Weights{
				Semantic:   1 - m.cfg.Retrieval.RecencyWeight - m.cfg.Retrieval.ImportanceWeight,
				Recency:    m.cfg.Retrieval.RecencyWeight,
				Importance: m.cfg.Retrieval.ImportanceWeight,
			},
			SemanticThreshold:   *args.MinSimilarity,
			RecencyHalfLifeDays: 30,
		}
		retriever = semantic.NewHybridRetriever(d.Store, cfg)
	}

	collection := d.Migration.ActiveCollection()
	results, err := retriever.Retrieve(ctx, collection, vector, args.Query, limit, filter)
	if err != nil {
		return nil, core.NewMemoryError("retrieve_memory", core.CodeBackendUnavailable, err)
	}

	if d.Migration.ShouldProbe() {
		go runCanaryProbe(d, args.Query, vector, limit, filter, results)
	}

	out := make([]retrievedResult, 0, len(results))
	for _, r := range results {
		d.Batcher.Record(r.ID)
		out = append(out, retrievedResult{ID: r.ID, Memory: r.Memory, Score: r.Score})
	}

	return json.Marshal(retrieveMemoryResult{Results: out})
}

// runCanaryProbe runs the hybrid pipeline against the secondary
// collection for one sampled retrieve_memory call and folds the result
// into the migration controller's rolling quality signal (spec §4.6). It
// is fire-and-forget: a probe failure is not surfaced to the caller, and
// it uses a fresh background context since the originating call may
// already have returned by the time this completes.
func runCanaryProbe(d *Domains, query string, vector []float64, limit int, filter core.Filter, primary []semantic.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	secondary, err := d.Retriever.Retrieve(ctx, persistence.CollectionSecondary, vector, query, limit, filter)
	if err != nil {
		return
	}

	primaryIDs := make([]string, len(primary))
	for i, r := range primary {
		primaryIDs[i] = r.ID
	}
	secondaryIDs := make([]string, len(secondary))
	// The fused Score already folds recency/importance into the ranking
	// signal; Probe.AverageCosine only needs a [0,1] embedding-space
	// agreement proxy, so its average stands in for a raw cosine
	// recomputation against vectors this call never fetched.
	var avgCosine float64
	for i, r := range secondary {
		secondaryIDs[i] = r.ID
		avgCosine += r.Score
	}
	if len(secondary) > 0 {
		avgCosine /= float64(len(secondary))
	}

	overlap := migration.TopKOverlap(primaryIDs, secondaryIDs)
	_ = d.Migration.RecordProbe(ctx, migration.Probe{Overlap: overlap, AverageCosine: avgCosine})
}

type listMemoriesArgs struct {
	Types  []core.MemoryType `json:"types,omitempty"`
	Tier   core.Tier         `json:"tier,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

type listMemoriesResult struct {
	Items []*core.Memory `json:"items"`
	Total int            `json:"total"`
}

func handleListMemories(ctx context.Context, m *Manager, d *Domains, raw []byte) ([]byte, error) {
	var args listMemoriesArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, core.NewMemoryError("list_memories", core.CodeInvalidArguments, err)
	}
	filter := core.Filter{Types: args.Types, Limit: args.Limit, Offset: args.Offset}
	if args.Tier != "" {
		filter.Tiers = []core.Tier{args.Tier}
	}
	items, total, err := d.Store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return json.Marshal(listMemoriesResult{Items: items, Total: total})
}

type updateMemoryArgs struct {
	ID    string `json:"id"`
	Patch struct {
		Content    json.RawMessage `json:"content,omitempty"`
		Importance *float64        `json:"importance,omitempty"`
		Tags       []string        `json:"tags,omitempty"`
		Source     *string         `json:"source,omitempty"`
	} `json:"patch"`
}

type updateMemoryResult struct {
	ID string `json:"id"`
}

func handleUpdateMemory(ctx context.Context, m *Manager, d *Domains, raw []byte) ([]byte, error) {
	var args updateMemoryArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, core.NewMemoryError("update_memory", core.CodeInvalidArguments, err)
	}

	patch := persistence.Patch{Importance: args.Patch.Importance, Tags: args.Patch.Tags, Source: args.Patch.Source}
	var vectors []persistence.VectorWrite

	if len(args.Patch.Content) > 0 {
		existing, err := d.Store.Get(ctx, args.ID)
		if err != nil {
			return nil, err
		}
		if err := m.schemas.validateContent(existing.Type, args.Patch.Content); err != nil {
			return nil, err
		}
		content, err := core.DecodeContent(existing.Type, args.Patch.Content)
		if err != nil {
			return nil, core.NewMemoryError("update_memory", core.CodeInvalidContent, err)
		}
		patch.Content = content

		vector, err := d.Embedder.Embed(ctx, content.Text())
		if err != nil {
			return nil, core.NewMemoryError("update_memory", core.CodeBackendUnavailable, err)
		}
		vectors = consolidationVectors(d, m, vector)
	}

	if _, err := d.Store.Update(ctx, args.ID, patch, vectors); err != nil {
		return nil, err
	}
	return json.Marshal(updateMemoryResult{ID: args.ID})
}

type deleteMemoryArgs struct {
	ID string `json:"id"`
}

type deleteMemoryResult struct {
	Deleted bool `json:"deleted"`
}

func handleDeleteMemory(ctx context.Context, m *Manager, d *Domains, raw []byte) ([]byte, error) {
	var args deleteMemoryArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, core.NewMemoryError("delete_memory", core.CodeInvalidArguments, err)
	}
	err := d.Store.Delete(ctx, args.ID)
	if err != nil {
		if core.CodeFor(err) == core.CodeNotFound {
			// delete_memory is idempotent (spec §8 law): deleting an
			// already-absent id reports deleted=false, not an error.
			return json.Marshal(deleteMemoryResult{Deleted: false})
		}
		return nil, err
	}
	return json.Marshal(deleteMemoryResult{Deleted: true})
}

type memoryStatsResult struct {
	Total  int                     `json:"total"`
	ByType map[core.MemoryType]int `json:"by_type"`
	ByTier map[core.Tier]int       `json:"by_tier"`
	Index  indexStats              `json:"index"`
}

type indexStats struct {
	VectorCount  int `json:"vector_count"`
	LexicalCount int `json:"lexical_count"`
}

func handleMemoryStats(ctx context.Context, m *Manager, d *Domains, raw []byte) ([]byte, error) {
	stats, err := d.Store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(memoryStatsResult{
		Total:  stats.Total,
		ByType: stats.ByType,
		ByTier: stats.ByTier,
		Index:  indexStats{VectorCount: stats.VectorN, LexicalCount: stats.LexicalN},
	})
}
