// Package lrumap provides a fixed-capacity concurrent map with
// least-recently-used eviction and an eviction listener. It is the bounded
// map underneath the statement cache; the eviction policy is approximate in
// the sense that only the properties below are promised, not a strict LRU
// order.
package lrumap

import (
	"errors"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// EvictFunc is called exactly once for each entry displaced by a capacity
// eviction. It runs on the goroutine that performed the insertion, after the
// entry has been removed from the map and after the map's internal lock has
// been released. It must not call back into the Map.
type EvictFunc[K comparable, V comparable] func(key K, value V)

// Map is a concurrent mapping with a hard capacity. Get, PutIfAbsent and
// Remove are linearisable per key; Range is weakly consistent. Capacity
// evictions pick the least recently used entry, where both a successful Get
// and an insertion count as a use.
type Map[K comparable, V comparable] struct {
	mu      sync.RWMutex
	lru     *simplelru.LRU[K, V]
	onEvict EvictFunc[K, V]
	maxSize int

	// Set while an explicit Remove runs so the simplelru callback can tell
	// capacity evictions apart from removals the caller drives itself.
	removing bool
	pending  []pair[K, V]
}

type pair[K comparable, V comparable] struct {
	key K
	val V
}

// New constructs a map holding at most maxSize entries. onEvict may be nil.
func New[K comparable, V comparable](maxSize int, onEvict EvictFunc[K, V]) (*Map[K, V], error) {
	if maxSize <= 0 {
		return nil, errors.New("lrumap: max size must be > 0")
	}
	m := &Map[K, V]{onEvict: onEvict, maxSize: maxSize}
	lru, err := simplelru.NewLRU[K, V](maxSize, m.collectEviction)
	if err != nil {
		return nil, err
	}
	m.lru = lru
	return m, nil
}

// collectEviction runs inside simplelru while m.mu is held. Deliveries to
// the listener are deferred until the lock is released so the listener never
// runs under it.
func (m *Map[K, V]) collectEviction(key K, value V) {
	if m.removing || m.onEvict == nil {
		return
	}
	m.pending = append(m.pending, pair[K, V]{key: key, val: value})
}

// Get returns the value stored under key, recording a use for eviction
// purposes.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Get(key)
}

// PutIfAbsent stores value under key unless the key is already present. It
// returns the value now mapped and whether the key was already present. A
// successful insert at capacity evicts the least recently used entry and
// notifies the eviction listener before returning.
func (m *Map[K, V]) PutIfAbsent(key K, value V) (V, bool) {
	m.mu.Lock()
	if current, ok := m.lru.Peek(key); ok {
		m.mu.Unlock()
		return current, true
	}
	m.lru.Add(key, value)
	notify := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, e := range notify {
		m.onEvict(e.key, e.val)
	}
	return value, false
}

// Remove deletes key only if it currently maps to expected, and reports
// whether the removal occurred. The eviction listener is not invoked.
func (m *Map[K, V]) Remove(key K, expected V) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.lru.Peek(key)
	if !ok || current != expected {
		return false
	}
	m.removing = true
	m.lru.Remove(key)
	m.removing = false
	return true
}

// Range calls fn over a snapshot of the map, oldest entry first, until fn
// returns false. Entries added or removed while the iteration runs may or
// may not be observed; fn runs without the map's lock held and may mutate
// the map.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	m.mu.RLock()
	keys := m.lru.Keys()
	snapshot := make([]pair[K, V], 0, len(keys))
	for _, k := range keys {
		if v, ok := m.lru.Peek(k); ok {
			snapshot = append(snapshot, pair[K, V]{key: k, val: v})
		}
	}
	m.mu.RUnlock()

	for _, e := range snapshot {
		if !fn(e.key, e.val) {
			return
		}
	}
}

// Len returns the number of entries currently stored.
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lru.Len()
}

// Cap returns the maximum number of entries the map holds.
func (m *Map[K, V]) Cap() int {
	return m.maxSize
}
