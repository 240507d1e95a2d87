// Package pathlock provides keyed mutual exclusion: concurrent operations
// touching the same path serialize while independent paths proceed.
package pathlock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Locker hands out one weighted-1 semaphore per key. Entries are
// reference-counted and removed when the last holder releases, so the map
// does not grow with every path ever touched.
type Locker struct {
	mu   sync.Mutex
	keys map[string]*entry
}

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

func New() *Locker {
	return &Locker{keys: make(map[string]*entry)}
}

// Acquire blocks until the key's lock is free or ctx is done. The returned
// release function is safe to call more than once.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.keys[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		l.keys[key] = e
	}
	e.refs++
	l.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.put(key, e)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.put(key, e)
		})
	}, nil
}

func (l *Locker) put(key string, e *entry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.keys, key)
	}
	l.mu.Unlock()
}
