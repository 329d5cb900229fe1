package router

import (
	"context"
	"sync"
)

// GrowableBuffer is an unbounded FIFO hand-off between a producer that must
// never block (a socket read loop) and a consumer. The ring doubles once it is
// 70% full, so Send never drops and never waits.
type GrowableBuffer[T any] struct {
	mu     sync.Mutex
	ring   []T
	head   int
	count  int
	closed bool
	ready  chan struct{}
	stats  BufferStats
}

// BufferStats is a point-in-time view of a buffer.
type BufferStats struct {
	Count       int
	Capacity    int
	TotalIn     int64
	TotalOut    int64
	ResizeCount int
}

// NewGrowableBuffer creates a buffer with the given initial capacity.
func NewGrowableBuffer[T any](initialCapacity int) *GrowableBuffer[T] {
	if initialCapacity < 2 {
		initialCapacity = 2
	}
	return &GrowableBuffer[T]{
		ring:  make([]T, initialCapacity),
		ready: make(chan struct{}, 1),
	}
}

// Send appends item. It returns false only if the buffer is closed.
func (b *GrowableBuffer[T]) Send(item T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	if (b.count+1)*10 >= len(b.ring)*7 {
		b.grow()
	}
	b.ring[(b.head+b.count)%len(b.ring)] = item
	b.count++
	b.stats.TotalIn++
	select {
	case b.ready <- struct{}{}:
	default:
	}
	b.mu.Unlock()
	return true
}

// TryReceive pops the oldest item without blocking.
func (b *GrowableBuffer[T]) TryReceive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pop()
}

// Receive pops the oldest item, waiting until one arrives, ctx is done or
// the buffer is closed and drained.
func (b *GrowableBuffer[T]) Receive(ctx context.Context) (T, bool) {
	for {
		b.mu.Lock()
		item, ok := b.pop()
		closed := b.closed
		b.mu.Unlock()
		if ok || closed {
			return item, ok
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, false
		case <-b.ready:
		}
	}
}

// DrainTo pops up to max items (all of them when max <= 0).
func (b *GrowableBuffer[T]) DrainTo(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]T, 0, n)
	for range n {
		item, _ := b.pop()
		out = append(out, item)
	}
	return out
}

// Close stops further sends and wakes waiting receivers. Buffered items can
// still be received.
func (b *GrowableBuffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ready)
	}
}

// Len returns the number of buffered items.
func (b *GrowableBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats returns buffer statistics.
func (b *GrowableBuffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Count = b.count
	s.Capacity = len(b.ring)
	return s
}

// pop must be called with mu held.
func (b *GrowableBuffer[T]) pop() (T, bool) {
	var zero T
	if b.count == 0 {
		return zero, false
	}
	item := b.ring[b.head]
	b.ring[b.head] = zero
	b.head = (b.head + 1) % len(b.ring)
	b.count--
	b.stats.TotalOut++
	return item, true
}

// grow must be called with mu held.
func (b *GrowableBuffer[T]) grow() {
	next := make([]T, len(b.ring)*2)
	for i := range b.count {
		next[i] = b.ring[(b.head+i)%len(b.ring)]
	}
	b.ring = next
	b.head = 0
	b.stats.ResizeCount++
}
