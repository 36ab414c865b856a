package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueTimeout is returned by Pop when nothing arrives within the timeout.
var ErrQueueTimeout = errors.New("queue pop timed out")

// Queue is a thread-safe FIFO. With capacity 0 it grows without bound; with a
// positive capacity the oldest element is dropped to make room.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	dropped  uint64
	notify   chan struct{} // closed and replaced on every push
}

// NewQueue creates a queue. A capacity of 0 means unbounded.
func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		capacity: capacity,
		notify:   make(chan struct{}),
	}
}

// Push appends v. It never blocks.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && len(q.items) >= q.capacity {
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, v)

	close(q.notify)
	q.notify = make(chan struct{})
}

// TryPop removes the head without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// Release the backing array once drained.
		q.items = nil
	}
	return v, true
}

// Pop waits up to timeout for an element.
func (q *Queue[T]) Pop(ctx context.Context, timeout time.Duration) (T, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		v, ok := q.popLocked()
		notify := q.notify
		q.mu.Unlock()
		if ok {
			return v, nil
		}

		select {
		case <-notify:
		case <-timer.C:
			var zero T
			return zero, ErrQueueTimeout
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Clear discards everything queued and returns how many elements were removed.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many elements were discarded because of the capacity bound.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
