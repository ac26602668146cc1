package stream

import (
	"sync"
)

// EventBuffer is a thread-safe ring buffer between the watcher and its
// consumers. It grows (doubling) when it reaches 70% capacity so a slow
// consumer never drops events.
type EventBuffer[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	closed   bool

	// Stats
	totalIn  int64
	totalOut int64
	resizes  int
}

// NewEventBuffer creates a buffer with the given initial capacity.
func NewEventBuffer[T any](initialCapacity int) *EventBuffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	b := &EventBuffer[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push adds an item, growing the buffer if needed. Returns false if the
// buffer is closed.
func (b *EventBuffer[T]) Push(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	threshold := (b.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold {
		b.grow()
	}

	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % b.capacity
	b.count++
	b.totalIn++

	b.cond.Signal()
	return true
}

// Pop removes and returns an item, blocking until one is available or
// the buffer is closed and drained.
func (b *EventBuffer[T]) Pop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}

	if b.count == 0 {
		var zero T
		return zero, false
	}

	return b.takeLocked(), true
}

// TryPop removes an item without blocking.
func (b *EventBuffer[T]) TryPop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		var zero T
		return zero, false
	}

	return b.takeLocked(), true
}

// takeLocked removes one item. Caller holds b.mu and has checked count.
func (b *EventBuffer[T]) takeLocked() T {
	item := b.buf[b.head]
	var zero T
	b.buf[b.head] = zero // release for GC
	b.head = (b.head + 1) % b.capacity
	b.count--
	b.totalOut++
	return item
}

// Close closes the buffer. Pending items remain poppable; Push returns
// false afterwards.
func (b *EventBuffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}

// Len returns the current number of buffered items.
func (b *EventBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats returns buffer counters.
func (b *EventBuffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:    b.count,
		Capacity: b.capacity,
		TotalIn:  b.totalIn,
		TotalOut: b.totalOut,
		Resizes:  b.resizes,
	}
}

// BufferStats contains buffer counters.
type BufferStats struct {
	Count    int
	Capacity int
	TotalIn  int64
	TotalOut int64
	Resizes  int
}

// grow doubles capacity. Caller holds b.mu.
func (b *EventBuffer[T]) grow() {
	newCapacity := b.capacity * 2
	newBuf := make([]T, newCapacity)

	if b.count > 0 {
		if b.head < b.tail {
			copy(newBuf, b.buf[b.head:b.tail])
		} else {
			n := copy(newBuf, b.buf[b.head:])
			copy(newBuf[n:], b.buf[:b.tail])
		}
	}

	b.buf = newBuf
	b.head = 0
	b.tail = b.count
	b.capacity = newCapacity
	b.resizes++
}
