package persistence

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemIndex is the default in-process VectorIndex, backed by
// philippgille/chromem-go — a pure-Go embedded vector database — instead
// of a hand-rolled cosine-similarity loop. One chromem collection per
// named memkit collection (normally "primary", plus "secondary" during a
// migration).
type ChromemIndex struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	dims        map[string]int
}

// NewChromemIndex constructs an empty, in-memory ChromemIndex.
func NewChromemIndex() *ChromemIndex {
	return &ChromemIndex{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
		dims:        make(map[string]int),
	}
}

func (c *ChromemIndex) CreateCollection(ctx context.Context, name string, dim int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.collections[name]; ok {
		return nil
	}
	// No custom embedding func: memkit always supplies vectors computed
	// up-front by pkg/embedder. No custom distance func: chromem defaults
	// to cosine, matching the spec's similarity metric.
	col, err := c.db.CreateCollection(name, nil, nil)
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	c.collections[name] = col
	c.dims[name] = dim
	return nil
}

func (c *ChromemIndex) DropCollection(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.collections[name]; !ok {
		return nil
	}
	if err := c.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("drop collection %s: %w", name, err)
	}
	delete(c.collections, name)
	delete(c.dims, name)
	return nil
}

func (c *ChromemIndex) HasCollection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.collections[name]
	return ok
}

func (c *ChromemIndex) collection(name string) (*chromem.Collection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	col, ok := c.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %s does not exist", name)
	}
	return col, nil
}

func (c *ChromemIndex) Upsert(ctx context.Context, collection, id string, vector []float64, payload map[string]string) error {
	col, err := c.collection(collection)
	if err != nil {
		return err
	}
	vec32 := toFloat32(vector)
	meta := make(map[string]string, len(payload))
	for k, v := range payload {
		meta[k] = v
	}
	doc := chromem.Document{
		ID:        id,
		Embedding: vec32,
		Metadata:  meta,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("upsert %s into %s: %w", id, collection, err)
	}
	return nil
}

func (c *ChromemIndex) Delete(ctx context.Context, collection, id string) error {
	col, err := c.collection(collection)
	if err != nil {
		return nil // dropped collections have nothing left to delete
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete %s from %s: %w", id, collection, err)
	}
	return nil
}

func (c *ChromemIndex) Search(ctx context.Context, collection string, vector []float64, k int, where map[string]string) ([]Hit, error) {
	col, err := c.collection(collection)
	if err != nil {
		return nil, err
	}

	n := col.Count()
	if n == 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}

	results, err := col.QueryEmbedding(ctx, toFloat32(vector), k, where, nil)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			ID:         r.ID,
			Similarity: clampSimilarity(float64(r.Similarity)),
			Payload:    r.Metadata,
		})
	}
	return hits, nil
}

func (c *ChromemIndex) Count(ctx context.Context, collection string) (int, error) {
	col, err := c.collection(collection)
	if err != nil {
		return 0, nil
	}
	return col.Count(), nil
}

func clampSimilarity(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// payloadFloat parses a payload string field back into a float, returning
// math.NaN on failure so callers can skip it without panicking.
func payloadFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

// joinTags encodes a tag set into the comma-joined payload string field
// chromem's exact-match where clause can't express directly; any-match
// filtering over it happens in the caller after Search returns.
func joinTags(tags []string) string {
	return strings.Join(tags, ",")
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
