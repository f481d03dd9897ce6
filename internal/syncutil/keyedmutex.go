// Package syncutil provides keyed locking primitives for per-gig serialization.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex provides one channel-based mutex per string key. Channel-based
// locks support context cancellation while waiting and non-blocking attempts,
// which a sync.Mutex cannot do. Entries are reference-counted so the key map
// does not grow with the number of gigs ever seen.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the key's mutex is held or ctx is cancelled.
// On success it returns a release function the caller MUST invoke when done.
func (m *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	e := m.retain(key)
	select {
	case <-e.ch:
		return m.releaser(key, e), nil
	case <-ctx.Done():
		m.release(key)
		return nil, ctx.Err()
	}
}

// TryAcquire acquires the key's mutex only if it is currently free.
// The second return value reports whether the lock was taken.
func (m *KeyedMutex) TryAcquire(key string) (func(), bool) {
	e := m.retain(key)
	select {
	case <-e.ch:
		return m.releaser(key, e), true
	default:
		m.release(key)
		return nil, false
	}
}

func (m *KeyedMutex) releaser(key string, e *lockEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.ch <- struct{}{}
			m.release(key)
		})
	}
}

func (m *KeyedMutex) retain(key string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{} // Start unlocked.
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(m.entries, key)
	}
}
