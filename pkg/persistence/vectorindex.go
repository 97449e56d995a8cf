package persistence

import "context"

// VectorIndex stores (id, vector, payload) tuples in named collections and
// answers approximate-nearest-neighbor queries with filters (spec §1's
// "vector index backend" collaborator). memkit ships an in-process
// chromem-go-backed implementation in this package; the dual-collection
// migration maps directly onto two named collections inside one index.
type VectorIndex interface {
	// CreateCollection creates a named collection for vectors of the
	// given dimension. Idempotent: creating an existing collection with
	// the same dimension is a no-op.
	CreateCollection(ctx context.Context, name string, dim int) error

	// DropCollection removes a collection and every vector in it.
	DropCollection(ctx context.Context, name string) error

	// HasCollection reports whether name has been created.
	HasCollection(name string) bool

	// Upsert inserts or overwrites the vector for id in collection, with
	// string payload fields (used for the filter fields: tier, type,
	// tags, created_at).
	Upsert(ctx context.Context, collection, id string, vector []float64, payload map[string]string) error

	// Delete removes id's vector from collection, if present.
	Delete(ctx context.Context, collection, id string) error

	// Search returns up to k nearest neighbors to vector in collection,
	// each similarity clamped to [0, 1]. where narrows by exact payload
	// match (tier, type); tags are matched any-of by the caller after
	// Search returns, since chromem's where is exact-match only.
	Search(ctx context.Context, collection string, vector []float64, k int, where map[string]string) ([]Hit, error)

	// Count returns the number of vectors currently in collection.
	Count(ctx context.Context, collection string) (int, error)
}

// Hit is one VectorIndex.Search result.
type Hit struct {
	ID         string
	Similarity float64
	Payload    map[string]string
}
