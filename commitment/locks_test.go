package commitment

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCustomerLocks_SerializesAndReleases(t *testing.T) {
	locks := NewCustomerLocks()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("c1")
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, locks.held())
}

func TestCustomerLocks_IndependentCustomers(t *testing.T) {
	locks := NewCustomerLocks()
	unlockA := locks.Lock("a")
	unlockB := locks.Lock("b") // must not block on a
	assert.Equal(t, 2, locks.held())

	unlockA()
	unlockB()
	assert.Equal(t, 0, locks.held())
}
