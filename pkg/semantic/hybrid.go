package semantic

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memkit/memkit/pkg/core"
	"github.com/memkit/memkit/pkg/persistence"
)

// RRFK is the constant added to rank in Reciprocal Rank Fusion.
const RRFK = 60

// FanoutMultiplier is K_v = K_l in spec §4.3 step 1.
const FanoutMultiplier = 4

// Weights holds the spec §4.3 step 4 re-weighting coefficients. All three
// are configurable (Open Question decision in DESIGN.md).
type Weights struct {
	Semantic   float64 // w_s, default 0.6
	Recency    float64 // w_r, default 0.2
	Importance float64 // w_i, default 0.2
}

// DefaultWeights are the spec's documented defaults.
func DefaultWeights() Weights {
	return Weights{Semantic: 0.6, Recency: 0.2, Importance: 0.2}
}

// RetrievalConfig bundles the tunables hybrid retrieval needs.
type RetrievalConfig struct {
	Weights            Weights
	SemanticThreshold  float64 // default 0.3, applied to the min-max–normalized fused score
	RecencyHalfLifeDays float64 // 30, from recency(id) = exp(-Δt_days/30)
}

// DefaultRetrievalConfig returns the spec's documented defaults.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		Weights:             DefaultWeights(),
		SemanticThreshold:   0.3,
		RecencyHalfLifeDays: 30,
	}
}

// Result is one ranked hit from HybridRetriever.Retrieve.
type Result struct {
	ID     string
	Memory *core.Memory
	Score  float64
}

// HybridRetriever implements spec §4.3's hybrid retrieval pipeline:
// concurrent vector + lexical search, Reciprocal Rank Fusion, then
// recency/importance re-weighting.
type HybridRetriever struct {
	store persistence.Store
	cfg   RetrievalConfig
}

// NewHybridRetriever constructs a HybridRetriever.
func NewHybridRetriever(store persistence.Store, cfg RetrievalConfig) *HybridRetriever {
	return &HybridRetriever{store: store, cfg: cfg}
}

// Retrieve runs the hybrid pipeline against collection (normally
// persistence.CollectionPrimary; persistence.CollectionSecondary during a
// migration's FULL/CLEANUP states or a CANARY probe) and returns the top
// k results. On success, each returned id's access side-effects must be
// applied by the caller (pkg/engine), per spec §4.3 step 5.
func (h *HybridRetriever) Retrieve(ctx context.Context, collection string, queryVector []float64, queryText string, k int, filter core.Filter) ([]Result, error) {
	var vectorHits, lexicalHits []core.ScoredID

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := h.store.VectorSearch(gctx, collection, queryVector, k*FanoutMultiplier, filter)
		if err != nil {
			return fmt.Errorf("vector search: %w", err)
		}
		vectorHits = hits
		return nil
	})
	g.Go(func() error {
		hits, err := h.store.LexicalSearch(gctx, queryText, k*FanoutMultiplier, filter)
		if err != nil {
			return fmt.Errorf("lexical search: %w", err)
		}
		lexicalHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := reciprocalRankFusion(rankOf(vectorHits), rankOf(lexicalHits))

	// RRF's raw magnitude tops out at numSources/RRFK (≈0.033 for two
	// fan-out sources), far below a [0,1]-scaled semantic_threshold like
	// the spec's default 0.3 — min-max normalize over this query's
	// candidate set (step 2) before applying the cutoff, matching the
	// range semantic_threshold is documented in.
	fusedHits := make([]core.ScoredID, 0, len(fused))
	for id, score := range fused {
		fusedHits = append(fusedHits, core.ScoredID{ID: id, Score: score})
	}
	normalized := minMaxNormalize(fusedHits)

	type candidate struct {
		id     string
		scaled float64
	}
	candidates := make([]candidate, 0, len(fusedHits))
	for id, score := range normalized {
		candidates = append(candidates, candidate{id: id, scaled: score})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].scaled > candidates[j].scaled })

	now := time.Now().UTC()
	results := make([]Result, 0, k)
	for _, c := range candidates {
		if c.scaled < h.cfg.SemanticThreshold {
			continue
		}
		m, err := h.store.Get(ctx, c.id)
		if err != nil {
			continue // deleted between search and fetch; skip, not an error
		}
		recency := math.Exp(-now.Sub(m.CreatedAt).Hours() / 24 / h.cfg.RecencyHalfLifeDays)
		final := h.cfg.Weights.Semantic*c.scaled + h.cfg.Weights.Recency*recency + h.cfg.Weights.Importance*m.Importance
		results = append(results, Result{ID: c.id, Memory: m, Score: final})
		if len(results) >= k*3 {
			break // bound work: only the 3k highest fused candidates are re-weighted; the final top-k is picked from them
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// minMaxNormalize rescales scores in hits to [0, 1] over the returned set
// (spec §4.3 step 2). Retrieve applies it to the post-fusion RRF scores
// (step 3's output) rather than the pre-fusion vector/lexical scores,
// since RRF's own magnitude has no fixed [0,1] range to compare
// semantic_threshold against.
func minMaxNormalize(hits []core.ScoredID) map[string]float64 {
	out := make(map[string]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	min, max := hits[0].Score, hits[0].Score
	for _, h := range hits {
		if h.Score < min {
			min = h.Score
		}
		if h.Score > max {
			max = h.Score
		}
	}
	span := max - min
	for _, h := range hits {
		if span == 0 {
			out[h.ID] = 1
			continue
		}
		out[h.ID] = (h.Score - min) / span
	}
	return out
}

// rankOf returns each id's 0-based rank in hits (hits are assumed already
// sorted by descending score, per persistence.Store's search contract).
func rankOf(hits []core.ScoredID) map[string]int {
	out := make(map[string]int, len(hits))
	for i, h := range hits {
		out[h.ID] = i
	}
	return out
}

// reciprocalRankFusion implements score(id) = sum over sources of
// 1/(RRFK + rank_source(id)).
func reciprocalRankFusion(sources ...map[string]int) map[string]float64 {
	out := make(map[string]float64)
	for _, ranks := range sources {
		for id, rank := range ranks {
			out[id] += 1.0 / float64(RRFK+rank)
		}
	}
	return out
}
