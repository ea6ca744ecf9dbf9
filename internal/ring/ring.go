// Package ring implements the generic, power-of-two circular queue shared by
// the scheduler's run queue and by every channel's item and waiter queues.
package ring

import "math/bits"

// MaxCapacity is the largest capacity a Buffer will grow to. A Push that
// would need to grow past it panics instead.
const MaxCapacity = 1<<27 - 1

// Buffer is a contiguous circular queue whose capacity is a power of two
// until growth is clamped at MaxCapacity. The zero value
// is an empty buffer ready to use. head == tail means empty; Len reports
// (tail - head) mod cap(buf).
type Buffer[T any] struct {
	buf        []T
	head, tail uint32
}

// New returns a Buffer pre-sized to hold at least 'hint' items (rounded up
// to the next power of two). hint may be 0, in which case the buffer starts
// empty and grows lazily on first Push.
func New[T any](hint int) *Buffer[T] {
	b := new(Buffer[T])
	if hint > 0 {
		b.buf = make([]T, nextPow2(hint))
	}
	return b
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// Len reports the number of queued items.
func (b *Buffer[T]) Len() int {
	if b.tail >= b.head {
		return int(b.tail - b.head)
	}
	return int(b.tail + uint32(len(b.buf)) - b.head)
}

// Cap reports the current backing capacity: 0, a power of two, or
// MaxCapacity once growth has been clamped.
func (b *Buffer[T]) Cap() int {
	return len(b.buf)
}

// Full reports whether the next Push would need to grow.
func (b *Buffer[T]) Full() bool {
	return b.Len()+1 >= b.Cap()
}

// Push appends v, growing the backing array if necessary. It panics if
// growth would need to exceed MaxCapacity — the caller (run queue, channel)
// is expected to treat that as a contract violation, per the ring buffer's
// "push fails past the cap" rule.
func (b *Buffer[T]) Push(v T) {
	if b.Len()+1 >= b.Cap() {
		b.grow()
	}
	b.buf[b.tail] = v
	b.tail = (b.tail + 1) % uint32(len(b.buf))
}

// grow doubles (count+2) the backing array, capped at MaxCapacity, and
// relocates the wrapped segment so the live range stays contiguous from 0.
// The cap itself need not be a power of two — only growth steps below it
// are — since arithmetic here uses mod, not a bitmask.
func (b *Buffer[T]) grow() {
	count := b.Len()
	if count >= MaxCapacity {
		panic("ring: buffer exceeds max capacity")
	}
	newCap := (count + 2) * 2
	if newCap > MaxCapacity {
		newCap = MaxCapacity
	} else {
		newCap = nextPow2(newCap)
	}

	nb := make([]T, newCap)
	if count > 0 {
		if b.head < b.tail {
			copy(nb, b.buf[b.head:b.tail])
		} else {
			// wrapped: head..end then 0..tail, relocate forward contiguously
			n := copy(nb, b.buf[b.head:])
			copy(nb[n:], b.buf[:b.tail])
		}
	}
	b.buf = nb
	b.head = 0
	b.tail = uint32(count)
}

// Pop removes and returns the oldest item. ok is false if the buffer is
// empty.
func (b *Buffer[T]) Pop() (v T, ok bool) {
	if b.Len() == 0 {
		return v, false
	}
	v = b.buf[b.head]
	var zero T
	b.buf[b.head] = zero // avoid pinning garbage behind the head
	b.head = (b.head + 1) % uint32(len(b.buf))
	return v, true
}

// Peek returns the oldest item without removing it.
func (b *Buffer[T]) Peek() (v T, ok bool) {
	if b.Len() == 0 {
		return v, false
	}
	return b.buf[b.head], true
}
