// Package semantic provides lexical indexing glue, hybrid retrieval, and
// entity/fact dedup. Grounded on ob-labs-powermem-go's
// intelligence.DedupManager, generalized from a raw vector-store
// dedup loop to operate against the persistence.Store contract and the
// core.Content sum type.
package semantic

import (
	"context"
	"fmt"

	"github.com/memkit/memkit/pkg/core"
	"github.com/memkit/memkit/pkg/persistence"
)

// DedupThreshold is the spec §4.3 dedup cosine threshold.
const DedupThreshold = 0.92

// Deduper performs the pre-put dedup check for fact/entity memories.
type Deduper struct {
	store     persistence.Store
	threshold float64
}

// NewDeduper constructs a Deduper. threshold defaults to DedupThreshold
// when zero.
func NewDeduper(store persistence.Store, threshold float64) *Deduper {
	if threshold == 0 {
		threshold = DedupThreshold
	}
	return &Deduper{store: store, threshold: threshold}
}

// Check searches the primary collection for a near-duplicate of vector
// among fact/entity memories of the given type and returns its id if
// found, per spec §4.3: "the engine performs a vector search with a
// tight threshold (cosine >= 0.92)".
func (d *Deduper) Check(ctx context.Context, vector []float64, t core.MemoryType) (string, bool, error) {
	if t != core.TypeFact && t != core.TypeEntity {
		return "", false, nil
	}
	hits, err := d.store.VectorSearch(ctx, persistence.CollectionPrimary, vector, 5, core.Filter{Types: []core.MemoryType{t}})
	if err != nil {
		return "", false, fmt.Errorf("dedup search: %w", err)
	}
	for _, h := range hits {
		if h.Score >= d.threshold {
			return h.ID, true, nil
		}
	}
	return "", false, nil
}

// Merge unions the incoming record's Source/Tags into the existing
// record and raises importance to the max of the two, per spec §4.3's
// merge rule. It returns the updated existing memory.
func (d *Deduper) Merge(ctx context.Context, existingID string, incomingTags []string, incomingSource string, incomingImportance float64) (*core.Memory, error) {
	existing, err := d.store.Get(ctx, existingID)
	if err != nil {
		return nil, fmt.Errorf("merge: load existing: %w", err)
	}

	mergedTags := unionTags(existing.Tags, incomingTags)
	mergedImportance := core.ClampImportance(maxFloat(existing.Importance, incomingImportance))
	mergedSource := existing.Source
	if mergedSource == "" {
		mergedSource = incomingSource
	} else if incomingSource != "" && incomingSource != mergedSource {
		mergedSource = mergedSource + "; " + incomingSource
	}

	patch := persistence.Patch{
		Importance: &mergedImportance,
		Tags:       mergedTags,
		Source:     &mergedSource,
	}
	return d.store.Update(ctx, existingID, patch, nil)
}

func unionTags(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, t := range append(append([]string{}, a...), b...) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
