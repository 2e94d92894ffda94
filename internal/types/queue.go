package types

import "sync"

// Queue is a FIFO queue for one consumer waiting on [Queue.Ready].
//
// Pushes are coalesced into at most one pending notification, so the consumer
// pops until the queue is empty after each wake-up. The zero value is ready to use.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
}

func (q *Queue[T]) readyLocked() chan struct{} {
	if q.ready == nil {
		q.ready = make(chan struct{}, 1)
	}
	return q.ready
}

// Ready returns the notification channel.
func (q *Queue[T]) Ready() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readyLocked()
}

// Push appends the item and notifies the consumer.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	ch := q.readyLocked()
	q.mu.Unlock()

	signal(ch)
}

// Notify wakes the consumer without pushing, e.g. after the producer side was closed.
func (q *Queue[T]) Notify() {
	q.mu.Lock()
	ch := q.readyLocked()
	q.mu.Unlock()

	signal(ch)
}

// Pop removes the oldest item. It returns false if the queue is empty.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return item, true
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
