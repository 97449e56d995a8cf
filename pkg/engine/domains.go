package engine

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"

	"github.com/memkit/memkit/pkg/background"
	"github.com/memkit/memkit/pkg/config"
	"github.com/memkit/memkit/pkg/embedder"
	openaiembedder "github.com/memkit/memkit/pkg/embedder/openai"
	"github.com/memkit/memkit/pkg/episodic"
	"github.com/memkit/memkit/pkg/llm"
	anthropicllm "github.com/memkit/memkit/pkg/llm/anthropic"
	"github.com/memkit/memkit/pkg/migration"
	"github.com/memkit/memkit/pkg/persistence"
	"github.com/memkit/memkit/pkg/persistence/postgres"
	"github.com/memkit/memkit/pkg/persistence/sqlite"
	"github.com/memkit/memkit/pkg/semantic"
	"github.com/memkit/memkit/pkg/temporal"
)

// Domains bundles the four spec §2 domains plus their shared
// collaborators (store, embedder, LLM) and the migration controller,
// wired from a single Config during the manager's warming phase.
type Domains struct {
	Store     persistence.Store
	Batcher   *persistence.AccessBatcher
	Scheduler *temporal.Scheduler

	Retriever *semantic.HybridRetriever
	Dedup     *semantic.Deduper
	Extractor *semantic.Extractor
	Decider   *semantic.DecisionMaker

	Episodic *episodic.Domain

	Migration *migration.Controller

	Embedder embedder.Provider
	LLM      llm.Provider

	// Background gates the temporal, migration, and consolidation
	// background loops to cfg.Background.MaxWorkers concurrent
	// executions with cfg.Background.MaxQueueSize queued ahead (spec §5).
	Background *background.Pool
}

// buildDomains constructs every domain from cfg. It is the sole warming
// step; any error here transitions the manager to failed (spec §4.5).
func buildDomains(ctx context.Context, cfg *config.Config, log zerolog.Logger, ids *snowflake.Node) (*Domains, error) {
	vectors := persistence.NewChromemIndex()
	if err := vectors.CreateCollection(ctx, persistence.CollectionPrimary, cfg.Dimension); err != nil {
		return nil, fmt.Errorf("engine: create primary collection: %w", err)
	}

	store, err := buildStore(ctx, cfg, vectors)
	if err != nil {
		return nil, err
	}

	embedProvider, err := buildEmbedder(cfg)
	if err != nil {
		return nil, err
	}

	llmProvider, err := buildLLM(cfg)
	if err != nil {
		return nil, err
	}

	// One shared pool gates the temporal, migration, and consolidation
	// background loops to a single background.max_workers budget (spec §5).
	pool := background.New(cfg.Background.MaxWorkers, cfg.Background.MaxQueueSize)

	batcher := persistence.NewAccessBatcher(store)
	scheduler := temporal.NewScheduler(store, temporal.Config{
		DecayRate:             cfg.DecayRate,
		Floor:                 0.2,
		ShortTermThreshold:    cfg.Tiers.ShortTermThreshold,
		ArchivalThresholdDays: cfg.Tiers.ArchivalThresholdDays,
		MaxShortTerm:          cfg.Tiers.MaxShortTerm,
		MaxLongTerm:           cfg.Tiers.MaxLongTerm,
	}, 0, log)
	scheduler.UseBackgroundPool(pool)

	// Config carries recency/importance weights explicitly (spec §6);
	// semantic gets whatever fraction remains, matching DefaultWeights'
	// 0.6/0.2/0.2 split when the config defaults are used unchanged.
	retriever := semantic.NewHybridRetriever(store, semantic.RetrievalConfig{
		Weights: semantic.Weights{
			Semantic:   1 - cfg.Retrieval.RecencyWeight - cfg.Retrieval.ImportanceWeight,
			Recency:    cfg.Retrieval.RecencyWeight,
			Importance: cfg.Retrieval.ImportanceWeight,
		},
		SemanticThreshold:   cfg.Retrieval.SemanticThreshold,
		RecencyHalfLifeDays: 30,
	})

	dedup := semantic.NewDeduper(store, semantic.DedupThreshold)
	extractor := semantic.NewExtractor(llmProvider)
	decider := semantic.NewDecisionMaker(llmProvider)

	buffer, err := episodic.New(episodic.Capacity, episodic.ReflectionTrigger)
	if err != nil {
		return nil, fmt.Errorf("engine: build episodic buffer: %w", err)
	}
	generator := episodic.NewGenerator(llmProvider)
	episodicDomain := episodic.NewDomain(buffer, generator, store, ids)

	sidecar := migration.NewSidecar(cfg.Persistence.DSN + ".migration.json")
	migrationController, err := migration.NewController(store, sidecar, migration.Config{
		Enabled:           cfg.Migration.Enabled,
		QualityThreshold:  cfg.Migration.QualityThreshold,
		RollbackThreshold: cfg.Migration.RollbackThreshold,
		MaxTimeHours:      cfg.Migration.MaxTimeHours,
		BatchSize:         cfg.Migration.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: build migration controller: %w", err)
	}

	return &Domains{
		Store:      store,
		Batcher:    batcher,
		Scheduler:  scheduler,
		Retriever:  retriever,
		Dedup:      dedup,
		Extractor:  extractor,
		Decider:    decider,
		Episodic:   episodicDomain,
		Migration:  migrationController,
		Embedder:   embedProvider,
		LLM:        llmProvider,
		Background: pool,
	}, nil
}

func buildStore(ctx context.Context, cfg *config.Config, vectors persistence.VectorIndex) (persistence.Store, error) {
	switch cfg.Persistence.Backend {
	case "sqlite", "":
		return sqlite.NewClient(ctx, &sqlite.Config{DBPath: cfg.Persistence.DSN, Vectors: vectors})
	case "postgres":
		return postgres.NewClient(ctx, &postgres.Config{DSN: cfg.Persistence.DSN, Vectors: vectors})
	default:
		return nil, fmt.Errorf("engine: unsupported persistence backend %q", cfg.Persistence.Backend)
	}
}

func buildEmbedder(cfg *config.Config) (embedder.Provider, error) {
	return openaiembedder.NewClient(&openaiembedder.Config{
		APIKey:     cfg.Embedder.APIKey,
		Model:      cfg.Embedder.Model,
		BaseURL:    cfg.Embedder.BaseURL,
		Dimensions: cfg.EmbeddingDimension,
	})
}

func buildLLM(cfg *config.Config) (llm.Provider, error) {
	return anthropicllm.NewClient(&anthropicllm.Config{
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		BaseURL: cfg.LLM.BaseURL,
	})
}

// Close tears down every domain collaborator that owns a resource, in
// the reverse order buildDomains constructed them.
func (d *Domains) Close() {
	d.Batcher.Stop()
	d.Scheduler.Stop()
	_ = d.LLM.Close()
	_ = d.Embedder.Close()
	_ = d.Store.Close()
}
