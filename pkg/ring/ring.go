// Package ring provides a thread-safe bounded ring that evicts the oldest
// entry on overflow. The router uses it to retain recent broadcast messages
// for replay to late-joining clients.
package ring

import (
	"sync"
	"sync/atomic"
)

// Ring is a fixed-capacity ring of T. Writes never block; when the ring is
// full the oldest entry is evicted.
type Ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // oldest entry

	written int64 // atomic
	evicted int64 // atomic
}

// New creates a ring with the given capacity. Capacity below 1 is clamped to 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends an item, evicting the oldest entry when full.
func (r *Ring[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == r.capacity {
		r.tail = (r.tail + 1) % r.capacity
		r.size--
		atomic.AddInt64(&r.evicted, 1)
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++
	atomic.AddInt64(&r.written, 1)
}

// Last returns up to n items, most recent first. n <= 0 returns all retained
// items.
func (r *Ring[T]) Last(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.head - 1 - i + r.capacity*2) % r.capacity
		out = append(out, r.items[idx])
	}
	return out
}

// Len returns the number of retained items.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity returns the fixed capacity.
func (r *Ring[T]) Capacity() int { return r.capacity }

// Stats returns total writes and evictions over the ring's lifetime.
func (r *Ring[T]) Stats() (written, evicted int64) {
	return atomic.LoadInt64(&r.written), atomic.LoadInt64(&r.evicted)
}
