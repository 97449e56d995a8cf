package migration

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// batchLadder is the spec §4.6 literal GRADUAL retry schedule: 250ms,
// 500ms, 1s, 2s, 4s, then the batch is abandoned (ids marked deferred).
// cenkalti/backoff/v4's built-in policies are exponential-curve
// generators; the spec calls for this exact fixed sequence, so
// steppedBackOff implements backoff.BackOff directly over the ladder
// rather than parameterizing ExponentialBackOff to approximate it.
var batchLadder = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
}

// steppedBackOff walks a fixed duration sequence once, then signals
// backoff.Stop so the caller abandons the operation.
type steppedBackOff struct {
	steps []time.Duration
	next  int
}

// newBatchBackOff returns a fresh steppedBackOff over batchLadder,
// satisfying backoff.BackOff for use with backoff.Retry.
func newBatchBackOff() backoff.BackOff {
	return &steppedBackOff{steps: batchLadder}
}

func (s *steppedBackOff) NextBackOff() time.Duration {
	if s.next >= len(s.steps) {
		return backoff.Stop
	}
	d := s.steps[s.next]
	s.next++
	return d
}

func (s *steppedBackOff) Reset() {
	s.next = 0
}
