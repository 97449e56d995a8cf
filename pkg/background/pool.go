// Package background bounds the engine's background loops — temporal
// decay/promotion ticks, gradual migration re-embed batches, and
// post-store fact consolidation (spec §4.2, §4.6, §4.7) — to a single
// configured worker budget (spec §5/§6 `background.max_workers` and
// `background.max_queue_size`), using golang.org/x/sync/semaphore
// rather than a hand-rolled worker pool.
package background

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool gates concurrent background work to at most maxWorkers
// goroutines, with at most maxQueueSize submissions queued ahead of a
// free worker slot.
type Pool struct {
	workers *semaphore.Weighted
	queue   *semaphore.Weighted
}

// New constructs a Pool sized by maxWorkers/maxQueueSize. Either
// defaults to 1 when non-positive, so a zero-value config never
// deadlocks a Submit call.
func New(maxWorkers, maxQueueSize int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if maxQueueSize <= 0 {
		maxQueueSize = 1
	}
	return &Pool{
		workers: semaphore.NewWeighted(int64(maxWorkers)),
		queue:   semaphore.NewWeighted(int64(maxQueueSize)),
	}
}

// Submit reserves a queue slot and, once available, runs fn on its own
// goroutine under a worker slot. When the queue is already at capacity
// the submission is dropped rather than applied as backpressure to the
// caller — background work never blocks the request path that
// triggered it. onError, if non-nil, receives the drop reason, any
// context error from waiting for a worker, or fn's own error.
func (p *Pool) Submit(ctx context.Context, onError func(error), fn func(ctx context.Context) error) {
	if !p.queue.TryAcquire(1) {
		if onError != nil {
			onError(fmt.Errorf("background: queue at capacity, dropping submission"))
		}
		return
	}
	go func() {
		err := p.workers.Acquire(ctx, 1)
		p.queue.Release(1)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("background: acquire worker: %w", err))
			}
			return
		}
		defer p.workers.Release(1)
		if err := fn(ctx); err != nil && onError != nil {
			onError(err)
		}
	}()
}

// RunAll calls fn(ctx, i) for each i in [0,n), bounded to the pool's
// worker budget, and blocks until every call completes. Unlike Submit,
// it never queues or drops work: it is for a caller that needs an
// entire fan-out to finish before moving on (e.g. a tick's per-item
// pass before its own bound-enforcement step), not fire-and-forget
// dispatch.
func (p *Pool) RunAll(ctx context.Context, n int, fn func(ctx context.Context, i int)) error {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if err := p.workers.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return fmt.Errorf("background: acquire worker: %w", err)
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer p.workers.Release(1)
			fn(ctx, i)
		}(i)
	}
	wg.Wait()
	return nil
}
