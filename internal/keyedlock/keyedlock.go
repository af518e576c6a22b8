// Package keyedlock provides mutual exclusion per string key. Entries are
// created on first use and released once nobody holds or waits on them, so
// the map only grows with the number of keys under contention.
package keyedlock

import (
	"context"
	"sync"
)

type entry struct {
	sem  chan struct{}
	refs int
}

// Map is a set of independent locks addressed by key. The zero value is ready
// to use.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func (m *Map) acquireRef(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]*entry)
	}
	e, ok := m.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *Map) releaseRef(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// Lock blocks until the lock for key is held or ctx is done. The returned
// function releases it and must be called exactly once.
func (m *Map) Lock(ctx context.Context, key string) (func(), error) {
	e := m.acquireRef(key)
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		m.releaseRef(key, e)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			m.releaseRef(key, e)
		})
	}, nil
}

// TryLock acquires the lock for key without waiting.
func (m *Map) TryLock(key string) (func(), bool) {
	e := m.acquireRef(key)
	select {
	case e.sem <- struct{}{}:
	default:
		m.releaseRef(key, e)
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			m.releaseRef(key, e)
		})
	}, true
}

// Len reports how many keys currently have holders or waiters.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
