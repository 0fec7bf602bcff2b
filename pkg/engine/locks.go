package engine

import "sync"

// instanceLocks serializes state transitions per process instance.
// Entries are reference counted so the map does not grow with the
// number of instances ever seen.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[int64]*instanceLock
}

type instanceLock struct {
	mu   sync.Mutex
	refs int
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{
		locks: map[int64]*instanceLock{},
	}
}

// lock acquires the lock for the given instance key and returns the
// matching unlock function.
func (l *instanceLocks) lock(key int64) func() {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &instanceLock{}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
