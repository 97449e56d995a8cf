// Package episodic maintains the short in-process window of recent
// conversation excerpts and turns it into reflection memories. Grounded
// on ob-labs-powermem-go's pkg/core/memory.go short-term buffer handling,
// generalized into the standalone domain spec.md's §4.4 describes.
package episodic

import (
	"sync"

	"github.com/dgraph-io/ristretto"

	"github.com/memkit/memkit/pkg/core"
)

// Capacity is the default N most recent conversation excerpts the buffer
// retains (spec §4.4).
const Capacity = 64

// ReflectionTrigger is the unreflected-entry count that enqueues a
// reflection task.
const ReflectionTrigger = 10

// Buffer holds the N most recent conversation excerpts and tracks which
// of them have not yet been folded into a reflection. Eviction order and
// the "N most recent" / oldest-first-reflection bookkeeping live in
// order/byID, since ristretto does not expose ordered iteration. The
// "is this id already in the window" check (Append and Contains) reads
// byID, which holds exactly the buffered ids, so a retried store_memory
// call for a conversation id already buffered updates the entry in place
// instead of double-counting it in order/unreflected. The ristretto
// cache is written alongside byID but not read for membership, since
// its Set and Del are applied asynchronously.
type Buffer struct {
	mu       sync.Mutex
	order    []string // ids, oldest first, len <= capacity
	byID     map[string]*core.Memory
	unreflected []string // subset of order not yet folded into a reflection

	capacity  int
	threshold int
	seen      *ristretto.Cache
}

// New constructs a Buffer. capacity/threshold default to Capacity/
// ReflectionTrigger when zero.
func New(capacity, threshold int) (*Buffer, error) {
	if capacity <= 0 {
		capacity = Capacity
	}
	if threshold <= 0 {
		threshold = ReflectionTrigger
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(capacity) * 10,
		MaxCost:     int64(capacity),
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Buffer{
		byID:      make(map[string]*core.Memory, capacity),
		capacity:  capacity,
		threshold: threshold,
		seen:      cache,
	}, nil
}

// Append records a new conversation excerpt, evicting the oldest entry
// once the buffer is at capacity. It reports whether the buffer now has
// enough unreflected entries to trigger a reflection task. Re-appending
// an id already in the window (a retried store_memory call) updates its
// record without re-entering it into order/unreflected a second time.
func (b *Buffer) Append(m *core.Memory) (shouldReflect bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, alreadyBuffered := b.byID[m.ID]; alreadyBuffered {
		b.byID[m.ID] = m
		return len(b.unreflected) >= b.threshold
	}

	b.order = append(b.order, m.ID)
	b.byID[m.ID] = m
	b.unreflected = append(b.unreflected, m.ID)
	b.seen.Set(m.ID, struct{}{}, 1)

	for len(b.order) > b.capacity {
		evicted := b.order[0]
		b.order = b.order[1:]
		delete(b.byID, evicted)
		b.seen.Del(evicted)
		b.unreflected = removeID(b.unreflected, evicted)
	}

	return len(b.unreflected) >= b.threshold
}

// Recent returns up to n of the most recent entries, newest last.
func (b *Buffer) Recent(n int) []*core.Memory {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > len(b.order) {
		n = len(b.order)
	}
	start := len(b.order) - n
	out := make([]*core.Memory, 0, n)
	for _, id := range b.order[start:] {
		if m, ok := b.byID[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

// PendingReflection returns a snapshot of the currently unreflected
// entries, oldest first, for a reflection task to summarize.
func (b *Buffer) PendingReflection() []*core.Memory {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*core.Memory, 0, len(b.unreflected))
	for _, id := range b.unreflected {
		if m, ok := b.byID[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

// MarkReflected removes the given ids from the unreflected set on
// successful reflection generation. Entries that have since been evicted
// from the buffer are silently ignored.
func (b *Buffer) MarkReflected(ids []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	reflected := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		reflected[id] = struct{}{}
	}
	kept := b.unreflected[:0]
	for _, id := range b.unreflected {
		if _, done := reflected[id]; !done {
			kept = append(kept, id)
		}
	}
	b.unreflected = kept
}

// Contains reports whether id is currently held in the buffer.
func (b *Buffer) Contains(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.byID[id]
	return ok
}

func removeID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
