// Package history keeps a bounded, insertion-ordered window of recent
// broadcast messages for replay to newly connected clients.
package history

import "sync"

// Buffer is a fixed-capacity FIFO ring. Pushing past capacity evicts the
// oldest entry. Safe for concurrent use.
type Buffer[T any] struct {
	mu    sync.RWMutex
	items []T
	start int // index of the oldest entry
	count int
}

// New creates a buffer holding at most capacity entries.
// A capacity of zero or less disables retention entirely.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer[T]{
		items: make([]T, capacity),
	}
}

// Push appends item, evicting the oldest entry when full
func (b *Buffer[T]) Push(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.items)
	if capacity == 0 {
		return
	}

	if b.count < capacity {
		b.items[(b.start+b.count)%capacity] = item
		b.count++
		return
	}

	// Full: overwrite the oldest slot and advance the start
	b.items[b.start] = item
	b.start = (b.start + 1) % capacity
}

// Snapshot returns a copy of the current contents, oldest first
func (b *Buffer[T]) Snapshot() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]T, b.count)
	capacity := len(b.items)
	for i := 0; i < b.count; i++ {
		out[i] = b.items[(b.start+i)%capacity]
	}
	return out
}

// Len returns the number of buffered entries
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Cap returns the configured capacity
func (b *Buffer[T]) Cap() int {
	return len(b.items)
}

// Clear empties the buffer without changing its capacity
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.start = 0
	b.count = 0
}
