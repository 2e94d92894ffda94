package syncutil

import "sync"

// KeyMutex is a set of mutexes, one per key.
// A key mutex lives only while it is held or waited for. The zero value is ready to use.
type KeyMutex[K comparable] struct {
	mu   sync.Mutex
	muxs map[K]*keyMux
}

type keyMux struct {
	sync.Mutex
	refs int
}

// Lock acquires the mutex of the key.
// Returns a function that releases the mutex, it must be called exactly once.
func (km *KeyMutex[K]) Lock(key K) (unlock func()) {
	km.mu.Lock()
	if km.muxs == nil {
		km.muxs = make(map[K]*keyMux)
	}
	m, ok := km.muxs[key]
	if !ok {
		m = new(keyMux)
		km.muxs[key] = m
	}
	m.refs++
	km.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()

		km.mu.Lock()
		if m.refs--; m.refs == 0 {
			delete(km.muxs, key)
		}
		km.mu.Unlock()
	}
}

// Len returns the number of keys locked or waited for.
func (km *KeyMutex[K]) Len() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.muxs)
}
