// Package keyedlock provides a map of mutexes keyed by string. It serializes
// all session reads/writes and run admission decisions for one conversation
// thread while letting distinct threads proceed in parallel.
package keyedlock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map is a set of named mutexes. Entries are reference-counted and removed
// once the last holder unlocks, so the map stays bounded by the number of
// threads with in-flight work.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewMap creates an empty lock map.
func NewMap() *Map {
	return &Map{locks: make(map[string]*entry)}
}

// Lock acquires the mutex for key, blocking if another goroutine holds it.
// The returned function releases it.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

// Do runs fn while holding the mutex for key.
func (m *Map) Do(key string, fn func() error) error {
	unlock := m.Lock(key)
	defer unlock()
	return fn()
}
