package fibev

import "container/heap"

// timeout is a scheduled wake-up: (when, fiber, sched_id, is_error). idx
// tracks its current slot in the heap the way gaio's aiocb.idx does. No
// code path removes a timeout by index: a stale entry is dropped lazily
// by the sched_id mismatch check at pop time.
type timeout struct {
	when    int64 // ms timestamp
	fiber   *Fiber
	schedID int64
	isError bool
	idx     int // heap index, maintained by timerHeap.Swap
}

// timerHeap is a binary min-heap keyed by 'when': addTimeout appends and
// sifts up (heap.Push), popTimeout replaces index 0 with the last element
// and sifts down (heap.Pop), peek reads index 0.
type timerHeap []*timeout

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].when < h[j].when }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timeout)
	t.idx = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.idx = -1
	*h = old[:n-1]
	return t
}

// peek returns the earliest timeout without removing it.
func (h timerHeap) peek() *timeout {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// addTimeout pushes t and sifts up.
func addTimeout(h *timerHeap, t *timeout) {
	heap.Push(h, t)
}

// popTimeout removes and returns the current minimum: replaces index 0
// with the last element and sifts down.
func popTimeout(h *timerHeap) *timeout {
	return heap.Pop(h).(*timeout)
}
