// Package keylock provides a keyed mutex manager. Every mutation of the
// merge store acquires the identity keys it touches through one shared
// Manager; callers holding disjoint key sets never block each other.
package keylock

import (
	"sort"
	"sync"
)

// Manager hands out exclusive locks over sets of string keys. Mutexes are
// created on demand and removed once uncontended.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewManager() *Manager {
	return &Manager{
		locks: make(map[string]*keyLock),
	}
}

// Guard holds a set of acquired keys until Release is called.
type Guard struct {
	manager  *Manager
	keys     []string
	released bool
	mu       sync.Mutex
}

// Acquire blocks until every given key is exclusively held by the caller.
// Keys are deduplicated and sorted before acquisition so that concurrent
// multi-key acquisitions always lock in the same order and cannot deadlock.
func (m *Manager) Acquire(keys ...string) *Guard {
	seen := make(map[string]struct{}, len(keys))
	ordered := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		ordered = append(ordered, key)
	}
	sort.Strings(ordered)

	for _, key := range ordered {
		m.lockKey(key)
	}

	return &Guard{manager: m, keys: ordered}
}

func (m *Manager) lockKey(key string) {
	m.mu.Lock()
	kl, ok := m.locks[key]
	if !ok {
		kl = &keyLock{}
		m.locks[key] = kl
	}
	kl.refs++
	m.mu.Unlock()

	kl.mu.Lock()
}

func (m *Manager) unlockKey(key string) {
	m.mu.Lock()
	kl, ok := m.locks[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	kl.refs--
	if kl.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()

	kl.mu.Unlock()
}

// Release unlocks every key held by the guard. Safe to call more than once.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return
	}
	g.released = true

	// Release in reverse acquisition order.
	for i := len(g.keys) - 1; i >= 0; i-- {
		g.manager.unlockKey(g.keys[i])
	}
}

// Held returns the number of keys currently tracked by the manager. Used by
// tests to verify uncontended keys are cleaned up.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
