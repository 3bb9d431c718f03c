package memory

import "sync"

// Ring is a bounded FIFO. A push into a full ring overwrites the oldest
// entry, so producers never block.
type Ring[T any] struct {
	mu   sync.Mutex
	head uint64 // next write
	tail uint64 // next read
	buf  []T
	mask uint64
}

func NewRing[T any](size uint64) *Ring[T] {
	if size == 0 || size&(size-1) != 0 {
		panic("Ring size must be power of two")
	}
	return &Ring[T]{
		buf:  make([]T, size),
		mask: size - 1,
	}
}

// Push appends v and reports whether the oldest entry was dropped.
func (r *Ring[T]) Push(v T) (dropped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.head-r.tail == uint64(len(r.buf)) {
		var zero T
		r.buf[r.tail&r.mask] = zero
		r.tail++
		dropped = true
	}
	r.buf[r.head&r.mask] = v
	r.head++
	return dropped
}

// Pop removes the oldest entry.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.tail == r.head {
		return zero, false
	}
	v := r.buf[r.tail&r.mask]
	r.buf[r.tail&r.mask] = zero
	r.tail++
	return v, true
}

func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.head - r.tail)
}
