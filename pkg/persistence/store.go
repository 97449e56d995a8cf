// Package persistence provides the durable memory store: the memory
// record table, the pluggable vector index, and the lexical (BM25-style)
// index, together with the ordering guarantees the engine depends on.
package persistence

import (
	"context"

	"github.com/memkit/memkit/pkg/core"
)

// VectorWrite is one named-collection vector to write alongside a memory
// record. During ordinary operation there is a single entry named
// CollectionPrimary; during a migration's SHADOW/CANARY/GRADUAL/FULL
// states the engine supplies both CollectionPrimary and
// CollectionSecondary so Put/Update dual-write (spec §4.6).
type VectorWrite struct {
	Collection string
	Vector     []float64
	Model      string
}

const (
	CollectionPrimary   = "primary"
	CollectionSecondary = "secondary"
)

// Stats is the result of Store.Stats.
type Stats struct {
	Total     int
	ByType    map[core.MemoryType]int
	ByTier    map[core.Tier]int
	VectorN   int
	LexicalN  int
}

// Patch carries the mutable subset of Memory for Update. A nil pointer
// field means "leave unchanged".
type Patch struct {
	Content        core.Content
	Importance     *float64
	Tags           []string
	Source         *string
	EmbeddingModel *string
}

// Store is the durable backend for memory records plus their vector and
// lexical indexes. All operations are asynchronous (they take a context)
// and idempotent per id. Implementations must uphold "index before
// inline" on write and "record before index" on delete (spec §4.1).
type Store interface {
	// Put writes a new memory record together with the supplied vector
	// writes, in index-before-inline order. EmbeddingModel on the Memory
	// is set by the caller (the same model as vectors[0].Model) before Put
	// is invoked; Put stores EmbeddingModel and EmbeddingRef as given and
	// does not compute them.
	Put(ctx context.Context, m *core.Memory, vectors []VectorWrite) error

	// Get returns the record for id, or a *core.MemoryError with
	// core.CodeNotFound.
	Get(ctx context.Context, id string) (*core.Memory, error)

	// Update applies patch to id's record and rewrites any supplied
	// vectors, preserving index-before-inline ordering.
	Update(ctx context.Context, id string, patch Patch, vectors []VectorWrite) (*core.Memory, error)

	// Delete removes the record (before sweeping its index entries) and
	// returns core.CodeNotFound if id does not exist.
	Delete(ctx context.Context, id string) error

	// List returns a filtered, paginated page of records and the total
	// count matching filter (ignoring Limit/Offset).
	List(ctx context.Context, filter core.Filter) ([]*core.Memory, int, error)

	// VectorSearch runs a similarity search against collection (normally
	// CollectionPrimary, or CollectionSecondary during CANARY probes),
	// returning cosine similarities clamped to [0, 1].
	VectorSearch(ctx context.Context, collection string, vector []float64, k int, filter core.Filter) ([]core.ScoredID, error)

	// LexicalSearch runs the BM25-style inverted-index search.
	LexicalSearch(ctx context.Context, text string, k int, filter core.Filter) ([]core.ScoredID, error)

	// MoveTier performs a tier transition, validated against the allowed
	// graph (spec invariant 2).
	MoveTier(ctx context.Context, id string, tier core.Tier) error

	// ApplyAccess applies the access-side-effect batch: access_count += 1,
	// last_accessed_at = now, importance reinforcement, for each id.
	ApplyAccess(ctx context.Context, ids []string, now int64) error

	// Stats returns aggregate counts.
	Stats(ctx context.Context) (Stats, error)

	// VectorIndex returns the vector index behind the store, which the
	// migration controller uses to create and drop whole collections
	// (PREPARATION, CLEANUP, ROLLING_BACK) without touching records.
	VectorIndex() VectorIndex

	Close() error
}
