// Package syncutil provides concurrency-safe containers.
package syncutil

import (
	"iter"
	"maps"
	"sync"
)

// RWMap is a thread-safe map protected by a [sync.RWMutex].
// Reads take the shared lock, mutations take the exclusive lock.
type RWMap[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]V
}

func (m *RWMap[K, V]) Get(key K) (V, bool) {
	if m == nil {
		var zero V
		return zero, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *RWMap[K, V]) Set(key K, val V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[K]V)
	}
	m.data[key] = val
}

// GetOrSet stores val under key unless the key is already present.
// It returns the actual value and whether it was loaded.
func (m *RWMap[K, V]) GetOrSet(key K, val V) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.data[key]; ok {
		return v, true
	}
	if m.data == nil {
		m.data = make(map[K]V)
	}
	m.data[key] = val
	return val, false
}

func (m *RWMap[K, V]) Del(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

// DelFunc deletes the entry under key if fn reports true for its value.
func (m *RWMap[K, V]) DelFunc(key K, fn func(V) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok || !fn(v) {
		return false
	}
	delete(m.data, key)
	return true
}

func (m *RWMap[K, V]) Has(key K) bool {
	if m == nil {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok
}

func (m *RWMap[K, V]) Len() int {
	if m == nil {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// All iterates over a snapshot of the map.
func (m *RWMap[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		if m == nil {
			return
		}

		m.mu.RLock()
		data := maps.Clone(m.data)
		m.mu.RUnlock()

		for k, v := range data {
			if !yield(k, v) {
				return
			}
		}
	}
}
