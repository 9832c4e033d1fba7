// Package queue holds the bounded sample buffers between the poller and
// the publisher.
package queue

import "sync"

// Ring is a bounded FIFO. Enqueue on a full ring evicts the oldest
// element, it never blocks and never drops the newest value.
type Ring[T any] struct {
	mu   sync.Mutex
	buf  []T
	head int
	size int

	// onDrop observes evicted elements, e.g. to bump a counter.
	// Set before first use, called without the ring lock held.
	onDrop func(T)
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

func NewRingDrop[T any](capacity int, onDrop func(T)) *Ring[T] {
	r := NewRing[T](capacity)
	r.onDrop = onDrop
	return r
}

// Enqueue appends v, evicting the oldest element when full.
func (r *Ring[T]) Enqueue(v T) {
	var dropped T
	wasDropped := false

	r.mu.Lock()
	if r.size == len(r.buf) {
		dropped = r.buf[r.head]
		wasDropped = true
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.buf[(r.head+r.size)%len(r.buf)] = v
		r.size++
	}
	onDrop := r.onDrop
	r.mu.Unlock()

	if wasDropped && onDrop != nil {
		onDrop(dropped)
	}
}

func (r *Ring[T]) Dequeue() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

// DequeueUpTo removes and returns at most max oldest elements.
func (r *Ring[T]) DequeueUpTo(max int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if max <= 0 || r.size == 0 {
		return nil
	}
	if max > r.size {
		max = r.size
	}
	out := make([]T, 0, max)
	var zero T
	for i := 0; i < max; i++ {
		out = append(out, r.buf[r.head])
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.size--
	}
	return out
}

// DequeueWhere removes and returns up to max elements matching pred,
// preserving FIFO order among both removed and remaining elements.
// max<=0 means no limit.
func (r *Ring[T]) DequeueWhere(pred func(T) bool, max int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return nil
	}
	var out []T
	kept := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		v := r.buf[(r.head+i)%len(r.buf)]
		if pred(v) && (max <= 0 || len(out) < max) {
			out = append(out, v)
		} else {
			kept = append(kept, v)
		}
	}
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	copy(r.buf, kept)
	r.head = 0
	r.size = len(kept)
	return out
}

func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *Ring[T]) Cap() int { return len(r.buf) }

func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head, r.size = 0, 0
}
