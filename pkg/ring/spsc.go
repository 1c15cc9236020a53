package ring

import "sync/atomic"

// SPSC is a lock-free bounded ring for exactly one producer goroutine and one
// consumer goroutine. Capacity is rounded up to a power of two.
type SPSC[T any] struct {
	buf  []T
	mask uint64

	head atomic.Uint64 // next slot to read, owned by the consumer
	tail atomic.Uint64 // next slot to write, owned by the producer

	overruns atomic.Uint64
}

// New creates a ring holding at least capacity items.
func New[T any](capacity int) *SPSC[T] {
	size := uint64(2)
	for size < uint64(capacity) {
		size <<= 1
	}
	return &SPSC[T]{
		buf:  make([]T, size),
		mask: size - 1,
	}
}

// Push appends v. It returns false, and counts an overrun, when the ring is full.
func (r *SPSC[T]) Push(v T) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() == uint64(len(r.buf)) {
		r.overruns.Add(1)
		return false
	}
	r.buf[tail&r.mask] = v
	r.tail.Store(tail + 1)
	return true
}

// Pop removes the oldest item.
func (r *SPSC[T]) Pop() (T, bool) {
	var zero T
	head := r.head.Load()
	if head == r.tail.Load() {
		return zero, false
	}
	v := r.buf[head&r.mask]
	r.buf[head&r.mask] = zero
	r.head.Store(head + 1)
	return v, true
}

// Drain pops every queued item into fn, oldest first, and returns the count.
func (r *SPSC[T]) Drain(fn func(T)) int {
	n := 0
	for {
		v, ok := r.Pop()
		if !ok {
			return n
		}
		fn(v)
		n++
	}
}

// Len returns the number of queued items.
func (r *SPSC[T]) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Cap returns the ring capacity.
func (r *SPSC[T]) Cap() int {
	return len(r.buf)
}

// Overruns returns how many pushes were rejected because the ring was full.
func (r *SPSC[T]) Overruns() uint64 {
	return r.overruns.Load()
}
