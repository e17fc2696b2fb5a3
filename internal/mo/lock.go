package mo

import (
	"sync"
	"time"
)

// DefaultLockTimeout is used when a request carries no lock timeout.
const DefaultLockTimeout = time.Second

// RequestLock serializes write access to a handler between requests while
// letting every sub-request of the owning request pass. It is taken in
// PREPARE and released in CLEANUP.
type RequestLock struct {
	mu    sync.Mutex
	owner string
	freed chan struct{} // closed on release, nil while nobody waits
}

// TryAcquire takes the lock for id, waiting at most timeout for the owning
// request to release it. It reports whether id now owns the lock. A
// non-positive timeout means DefaultLockTimeout.
//
// Two requests locking the same handlers in opposite order each hold one
// lock and wait for the other; the timeout breaks that cycle.
func (l *RequestLock) TryAcquire(id string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		l.mu.Lock()
		if l.owner == "" || l.owner == id {
			l.owner = id
			l.mu.Unlock()
			return true
		}
		if l.freed == nil {
			l.freed = make(chan struct{})
		}
		freed := l.freed
		l.mu.Unlock()

		select {
		case <-freed:
		case <-deadline.C:
			return false
		}
	}
}

// Release frees the lock if id owns it. Releasing a lock held by another
// request, or not held at all, is a no-op.
func (l *RequestLock) Release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owner != id {
		return
	}
	l.owner = ""
	if l.freed != nil {
		close(l.freed)
		l.freed = nil
	}
}

// Owner returns the id of the owning request, empty if free.
func (l *RequestLock) Owner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}
