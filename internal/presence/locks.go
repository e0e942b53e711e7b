package presence

import (
	"context"
	"sync"
)

// userLocks serialises work per user id. Entries are reference counted and dropped when idle.
type userLocks struct {
	mu      sync.Mutex
	entries map[string]*userLock
}

type userLock struct {
	token chan struct{}
	refs  int
}

func newUserLocks() *userLocks {
	return &userLocks{entries: make(map[string]*userLock)}
}

// acquire blocks until the user's lock is held or ctx is done.
func (l *userLocks) acquire(ctx context.Context, userID string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.entries[userID]
	if !ok {
		entry = &userLock{token: make(chan struct{}, 1)}
		l.entries[userID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.token <- struct{}{}:
	case <-ctx.Done():
		l.release(userID, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.token
			l.release(userID, entry)
		})
	}, nil
}

func (l *userLocks) release(userID string, entry *userLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, userID)
	}
}

func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
