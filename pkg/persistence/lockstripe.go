package persistence

import (
	"hash/fnv"
	"sync"
)

// stripeCount is the fixed lock-stripe size (spec §5 default 1024).
const stripeCount = 1024

// LockStripe serializes writes to a single memory id by hashing the id
// into a fixed-size array of mutexes, bounding per-id serialization to
// O(1) memory instead of one mutex per id. Every write to an id (Put,
// Update, Delete, MoveTier in the store backends) serializes on the id's
// stripe.
type LockStripe struct {
	mus [stripeCount]sync.Mutex
}

// NewLockStripe constructs a LockStripe with the spec's default 1024
// stripes.
func NewLockStripe() *LockStripe {
	return &LockStripe{}
}

func (l *LockStripe) index(id string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return h.Sum32() % stripeCount
}

// Lock acquires the stripe for id and returns the unlock function.
func (l *LockStripe) Lock(id string) func() {
	m := &l.mus[l.index(id)]
	m.Lock()
	return m.Unlock
}
