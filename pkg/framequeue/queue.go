// Package framequeue provides a fixed-capacity queue that keeps the most recent
// items and discards the oldest on overflow.
//
// Producers push from any goroutine without blocking. A single consumer pops.
// The queue never holds more than its capacity: the bound is enforced when an
// item is inserted, never when one is removed.
package framequeue

import "sync"

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Pushed  uint64 // items accepted by Push
	Popped  uint64 // items returned by TryPop
	Dropped uint64 // items evicted on overflow or discarded by Clear
	Len     int
	Cap     int
}

// Queue is a bounded-staleness FIFO.
type Queue[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int // index of the oldest item
	count int

	pushed  uint64
	popped  uint64
	dropped uint64
}

// New creates a queue holding at most capacity items. Capacities below one are
// clamped to one.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{buf: make([]T, capacity)}
}

// Push appends v. When the queue is full the oldest item is discarded first.
// Push never blocks on the consumer.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	capacity := len(q.buf)
	if q.count == capacity {
		var zero T
		q.buf[q.head] = zero // release the evicted item
		q.head = (q.head + 1) % capacity
		q.count--
		q.dropped++
	}

	q.buf[(q.head+q.count)%capacity] = v
	q.count++
	q.pushed++
}

// TryPop removes and returns the oldest item. The second result is false when
// the queue is empty.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.count == 0 {
		return zero, false
	}

	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.popped++
	return v, true
}

// Clear discards every queued item. Discarded items count as dropped.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	for i := 0; i < q.count; i++ {
		q.buf[(q.head+i)%len(q.buf)] = zero
	}
	q.dropped += uint64(q.count)
	q.head = 0
	q.count = 0
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the fixed capacity.
func (q *Queue[T]) Cap() int {
	return len(q.buf)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pushed:  q.pushed,
		Popped:  q.popped,
		Dropped: q.dropped,
		Len:     q.count,
		Cap:     len(q.buf),
	}
}
