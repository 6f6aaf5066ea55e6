package ingest

import (
	"context"
	"sync"
	"time"

	"juyuso/backend/internal/store"
)

// dayLocks serializes work on a single (tid, date) across concurrent
// ingest jobs. Locks are never removed; the key space is bounded by the
// days a deployment ever touches.
type dayLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newDayLocks() *dayLocks {
	return &dayLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *dayLocks) get(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// acquire takes the day lock with bounded exponential backoff. It fails
// with ErrContention once the attempts are exhausted, or with the context
// error if the job is cancelled while waiting.
func (l *dayLocks) acquire(ctx context.Context, key string, attempts int) (func(), error) {
	if attempts < 1 {
		attempts = 1
	}
	m := l.get(key)
	backoff := 50 * time.Millisecond
	for i := 0; i < attempts; i++ {
		if m.TryLock() {
			return m.Unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, store.ErrContention
}
