package persistence

import (
	"context"
	"sync"
	"time"
)

const (
	// accessFlushInterval and accessFlushMax are the §4.1 batching bounds:
	// flush at most every 250ms or 64 updates, whichever comes first.
	accessFlushInterval = 250 * time.Millisecond
	accessFlushMax      = 64
)

// AccessBatcher accumulates access-side-effect ids (spec §4.1) and flushes
// them to a Store in receipt order, single-writer, reconciling concurrent
// reads by applying updates as they arrive rather than coalescing by id.
// It is a process-wide singleton with lifecycle tied to warming/draining
// (spec §5): construct during warming, call Stop during draining to drain
// the final partial batch.
type AccessBatcher struct {
	store Store

	mu      sync.Mutex
	pending []string

	flush chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewAccessBatcher starts the background flush loop against store.
func NewAccessBatcher(store Store) *AccessBatcher {
	b := &AccessBatcher{
		store: store,
		flush: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

// Record enqueues id for the next access-effect flush.
func (b *AccessBatcher) Record(id string) {
	b.mu.Lock()
	b.pending = append(b.pending, id)
	full := len(b.pending) >= accessFlushMax
	b.mu.Unlock()

	if full {
		select {
		case b.flush <- struct{}{}:
		default:
		}
	}
}

func (b *AccessBatcher) loop() {
	defer b.wg.Done()
	ticker := time.NewTicker(accessFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.flushNow()
		case <-b.flush:
			b.flushNow()
		case <-b.done:
			b.flushNow()
			return
		}
	}
}

func (b *AccessBatcher) flushNow() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	// Best-effort: apply-access failures are logged by the caller wiring
	// (pkg/engine), not retried here — a missed reinforcement update is
	// not a correctness violation, only a staleness one.
	_ = b.store.ApplyAccess(context.Background(), batch, time.Now().UnixMilli())
}

// Stop flushes any partial batch and halts the background loop. Callers
// must wait for Stop to return before the store is closed (spec §5:
// "batchers are drained before stopped").
func (b *AccessBatcher) Stop() {
	close(b.done)
	b.wg.Wait()
}
