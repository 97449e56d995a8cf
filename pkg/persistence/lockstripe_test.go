package persistence_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/memkit/memkit/pkg/persistence"
)

func TestLockStripeSerializesSameID(t *testing.T) {
	l := persistence.NewLockStripe()

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("same-id")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
}

func TestLockStripeDifferentIDsDoNotDeadlock(t *testing.T) {
	l := persistence.NewLockStripe()

	unlockA := l.Lock("id-a")
	unlockB := l.Lock("id-b")
	unlockB()
	unlockA()
}

func TestLockStripeLockUnlockRoundTrip(t *testing.T) {
	l := persistence.NewLockStripe()

	done := make(chan struct{})
	unlock := l.Lock("id-x")
	go func() {
		u2 := l.Lock("id-x")
		u2()
		close(done)
	}()
	unlock()
	<-done
}
