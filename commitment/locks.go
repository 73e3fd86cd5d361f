package commitment

import "sync"

// CustomerLocks serializes mutations per customer. Operations on different
// customers never wait on each other beyond the short map guard.
// Entries are reference counted and dropped once nobody holds or waits on them.
type CustomerLocks struct {
	mu    sync.Mutex
	locks map[CustomerID]*customerLock
}

type customerLock struct {
	mu   sync.Mutex
	refs int
}

func NewCustomerLocks() *CustomerLocks {
	return &CustomerLocks{locks: make(map[CustomerID]*customerLock)}
}

// Lock blocks until the customer's lock is held and returns its release func.
func (l *CustomerLocks) Lock(id CustomerID) (unlock func()) {
	l.mu.Lock()
	cl, ok := l.locks[id]
	if !ok {
		cl = &customerLock{}
		l.locks[id] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// held returns the number of customers currently locked or awaited.
func (l *CustomerLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
