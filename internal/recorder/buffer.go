package recorder

import (
	"sync"
)

// GrowableBuffer is a thread-safe FIFO ring buffer that doubles its capacity
// when it reaches 70% full, up to an optional hard limit.
type GrowableBuffer[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []T
	head   int // read position
	tail   int // write position
	count  int
	limit  int // 0 = unbounded
	closed bool

	// Stats
	pushed  int64
	popped  int64
	dropped int64
	resizes int
}

// NewGrowableBuffer creates a buffer with the given initial capacity. A
// positive limit caps how many items it may hold; Push fails beyond it.
func NewGrowableBuffer[T any](initialCapacity, limit int) *GrowableBuffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if limit > 0 && initialCapacity > limit {
		initialCapacity = limit
	}
	b := &GrowableBuffer[T]{
		buf:   make([]T, initialCapacity),
		limit: limit,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push appends an item, growing the buffer at 70% capacity.
// Returns false if the buffer is closed or at its limit.
func (b *GrowableBuffer[T]) Push(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	if b.limit > 0 && b.count >= b.limit {
		b.dropped++
		return false
	}

	threshold := (len(b.buf) * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold || b.count == len(b.buf) {
		b.grow()
	}

	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % len(b.buf)
	b.count++
	b.pushed++

	b.cond.Signal()
	return true
}

// Pop removes the oldest item, blocking until one is available.
// Returns false once the buffer is closed and empty.
func (b *GrowableBuffer[T]) Pop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.popLocked(), true
}

// TryPop removes the oldest item without blocking.
func (b *GrowableBuffer[T]) TryPop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.popLocked(), true
}

// Drain removes up to max items (all if max <= 0) without blocking.
func (b *GrowableBuffer[T]) Drain(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}

	out := make([]T, n)
	for i := range out {
		out[i] = b.popLocked()
	}
	return out
}

// Close stops further pushes. Remaining items can still be popped.
func (b *GrowableBuffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}

// Len returns the current number of items in the buffer.
func (b *GrowableBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats returns buffer statistics.
func (b *GrowableBuffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:    b.count,
		Capacity: len(b.buf),
		Limit:    b.limit,
		Pushed:   b.pushed,
		Popped:   b.popped,
		Dropped:  b.dropped,
		Resizes:  b.resizes,
	}
}

// BufferStats contains buffer statistics.
type BufferStats struct {
	Count    int   `json:"count"`
	Capacity int   `json:"capacity"`
	Limit    int   `json:"limit"`
	Pushed   int64 `json:"pushed"`
	Popped   int64 `json:"popped"`
	Dropped  int64 `json:"dropped"`
	Resizes  int   `json:"resizes"`
}

func (b *GrowableBuffer[T]) popLocked() T {
	item := b.buf[b.head]
	var zero T
	b.buf[b.head] = zero // Clear reference for GC
	b.head = (b.head + 1) % len(b.buf)
	b.count--
	b.popped++
	return item
}

// grow doubles the capacity, clamped to the limit. Must be called with lock held.
func (b *GrowableBuffer[T]) grow() {
	newCapacity := len(b.buf) * 2
	if b.limit > 0 && newCapacity > b.limit {
		newCapacity = b.limit
	}
	if newCapacity <= len(b.buf) {
		return
	}

	newBuf := make([]T, newCapacity)
	if b.count > 0 {
		if b.head < b.tail {
			copy(newBuf, b.buf[b.head:b.tail])
		} else {
			// Wrapped: [head...end) + [0...tail)
			n := copy(newBuf, b.buf[b.head:])
			copy(newBuf[n:], b.buf[:b.tail])
		}
	}

	b.buf = newBuf
	b.head = 0
	b.tail = b.count
	b.resizes++
}
