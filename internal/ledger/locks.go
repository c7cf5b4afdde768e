package ledger

import (
	"context"
	"sync"
)

// userLocks serializes ledger mutations per username. Different users
// proceed in parallel; two mutations for the same user never overlap.
// Acquisition is context-aware so a caller waits at most as long as its
// context allows. Lock entries are reference-counted and removed when the
// last interested goroutine releases, keeping the table bounded by the
// number of in-flight users.
type userLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{} // capacity 1; holding the token means holding the lock
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{entries: make(map[string]*lockEntry)}
}

// acquire blocks until the user's lock is held or ctx ends. On success
// the returned release function must be called exactly once.
func (l *userLocks) acquire(ctx context.Context, username string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[username]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[username] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return func() {
			<-e.sem
			l.unref(username, e)
		}, nil
	case <-ctx.Done():
		l.unref(username, e)
		return nil, ctx.Err()
	}
}

func (l *userLocks) unref(username string, e *lockEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, username)
	}
	l.mu.Unlock()
}
