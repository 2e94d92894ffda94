package types

import (
	"iter"
	"slices"
	"sync"
	"sync/atomic"
)

// CallbackManager holds callbacks in registration order.
//
// The list is copy-on-write: iteration reads a snapshot without locking,
// so callbacks may add or remove callbacks while being called.
type CallbackManager[T any] struct {
	mu   sync.Mutex
	seq  uint64
	list atomic.Pointer[[]callback[T]]
}

type callback[T any] struct {
	id uint64
	fn T
}

func (m *CallbackManager[T]) snapshot() []callback[T] {
	if m == nil {
		return nil
	}
	if p := m.list.Load(); p != nil {
		return *p
	}
	return nil
}

func (m *CallbackManager[T]) Len() int { return len(m.snapshot()) }

// Add registers the callback and returns a function removing it.
// The returned function is safe to call multiple times.
func (m *CallbackManager[T]) Add(fn T) (remove func()) {
	m.mu.Lock()
	m.seq++
	id := m.seq
	list := append(slices.Clip(m.snapshot()), callback[T]{id, fn})
	m.list.Store(&list)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		cur := m.snapshot()
		i := slices.IndexFunc(cur, func(cb callback[T]) bool { return cb.id == id })
		if i < 0 {
			return
		}
		list := slices.Delete(slices.Clone(cur), i, i+1)
		m.list.Store(&list)
	}
}

// All iterates over the callbacks registered at the time of the call.
func (m *CallbackManager[T]) All() iter.Seq[T] {
	list := m.snapshot()
	return func(yield func(T) bool) {
		for _, cb := range list {
			if !yield(cb.fn) {
				return
			}
		}
	}
}
