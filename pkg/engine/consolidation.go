package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/memkit/memkit/pkg/core"
	"github.com/memkit/memkit/pkg/persistence"
	"github.com/memkit/memkit/pkg/semantic"
)

// consolidateConversation runs the spec §4.3 extraction + consolidation
// pipeline over a freshly stored conversation turn: it pulls discrete
// facts out of the transcript, gathers existing Fact memories that might
// relate to each one, and applies the resulting ADD/UPDATE/DELETE/NONE
// decisions. It is dispatched via Domains.Background alongside the
// episodic reflection hook and is equally non-fatal: a failure here
// never fails store_memory, whose response does not wait on it — the
// conversation turn it was derived from is already durably stored.
func consolidateConversation(ctx context.Context, m *Manager, d *Domains, transcript string) error {
	facts, err := d.Extractor.ExtractFacts(ctx, transcript)
	if err != nil {
		return fmt.Errorf("extract facts: %w", err)
	}
	if len(facts) == 0 {
		return nil
	}

	candidatesByID := make(map[string]semantic.Candidate)
	for _, fact := range facts {
		vector, err := d.Embedder.Embed(ctx, fact)
		if err != nil {
			return fmt.Errorf("embed fact for consolidation: %w", err)
		}
		hits, err := d.Store.VectorSearch(ctx, persistence.CollectionPrimary, vector, 5, core.Filter{Types: []core.MemoryType{core.TypeFact}})
		if err != nil {
			return fmt.Errorf("search candidates for consolidation: %w", err)
		}
		for _, hit := range hits {
			if _, ok := candidatesByID[hit.ID]; ok {
				continue
			}
			existing, err := d.Store.Get(ctx, hit.ID)
			if err != nil {
				continue
			}
			candidatesByID[hit.ID] = semantic.Candidate{ID: hit.ID, Text: existing.Content.Text()}
		}
	}
	candidates := make([]semantic.Candidate, 0, len(candidatesByID))
	for _, c := range candidatesByID {
		candidates = append(candidates, c)
	}

	actions, err := d.Decider.Decide(ctx, facts, candidates)
	if err != nil {
		return fmt.Errorf("decide consolidation actions: %w", err)
	}

	for _, action := range actions {
		if err := applyConsolidationAction(ctx, m, d, action); err != nil {
			m.log.Warn().Err(err).Str("event", string(action.Event)).Str("candidate_id", action.ID).Msg("consolidation action failed")
		}
	}
	return nil
}

func applyConsolidationAction(ctx context.Context, m *Manager, d *Domains, action semantic.Action) error {
	switch action.Event {
	case semantic.EventNone, "":
		return nil

	case semantic.EventAdd:
		vector, err := d.Embedder.Embed(ctx, action.Text)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		mem := &core.Memory{
			ID:             m.ids.Generate().String(),
			Type:           core.TypeFact,
			Content:        core.FactContent{Statement: action.Text},
			Importance:     0.5,
			CreatedAt:      now,
			UpdatedAt:      now,
			LastAccessedAt: now,
			Tier:           core.TierShortTerm,
			EmbeddingModel: m.cfg.EmbeddingModel,
			Source:         "consolidation",
		}
		return d.Store.Put(ctx, mem, consolidationVectors(d, m, vector))

	case semantic.EventUpdate:
		if action.ID == "" {
			return fmt.Errorf("update action missing candidate id")
		}
		vector, err := d.Embedder.Embed(ctx, action.Text)
		if err != nil {
			return err
		}
		patch := persistence.Patch{Content: core.FactContent{Statement: action.Text}}
		_, err = d.Store.Update(ctx, action.ID, patch, consolidationVectors(d, m, vector))
		return err

	case semantic.EventDelete:
		if action.ID == "" {
			return fmt.Errorf("delete action missing candidate id")
		}
		err := d.Store.Delete(ctx, action.ID)
		if err != nil && core.CodeFor(err) == core.CodeNotFound {
			return nil
		}
		return err

	default:
		return fmt.Errorf("unknown consolidation event %q", action.Event)
	}
}

// consolidationVectors mirrors handleStoreMemory's dual-write rule: write
// to the secondary collection too whenever a migration is actively
// shadowing writes.
func consolidationVectors(d *Domains, m *Manager, vector []float64) []persistence.VectorWrite {
	vectors := []persistence.VectorWrite{{Collection: persistence.CollectionPrimary, Vector: vector, Model: m.cfg.EmbeddingModel}}
	if d.Migration.DualWriteActive() {
		vectors = append(vectors, persistence.VectorWrite{Collection: persistence.CollectionSecondary, Vector: vector, Model: d.Migration.SecondaryModel()})
	}
	return vectors
}
