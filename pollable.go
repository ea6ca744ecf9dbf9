package fibev

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Mask bits for a listener's interest, and a pollable's aggregate mask.
const (
	MaskRead uint32 = 1 << iota
	MaskWrite
	// MaskSpawner marks a listener with no owning fiber, servicing a
	// passively-listening resource (e.g. an accept loop) — always OR'd in
	// by Listen whenever it is given no owning fiber.
	MaskSpawner
)

// Pollable flag bits.
const (
	flagClosed uint32 = 1 << iota
	flagRegistered
)

// Kind identifies which lifecycle/IO event a Machine is being dispatched.
type Kind int

const (
	// KindInit is dispatched synchronously inside Listen.
	KindInit Kind = iota
	// KindDeinit is dispatched synchronously inside Unlisten.
	KindDeinit
	// KindMark is dispatched by the GC mark hook.
	KindMark
	// KindClose is dispatched when the owning pollable is torn down.
	KindClose
	// KindRead is a readiness-backend dispatch.
	KindRead
	// KindWrite is a readiness-backend dispatch.
	KindWrite
	// KindComplete is a completion-backend dispatch.
	KindComplete
)

// Status is a Machine's verdict on whether it's finished.
type Status int

const (
	// NotDone means the listener stays registered.
	NotDone Status = iota
	// Done means the listener should be unlistened immediately after this
	// dispatch returns.
	Done
)

// Event carries the per-dispatch payload to a Machine.
type Event struct {
	Kind  Kind
	User  any   // INIT's user pointer
	Bytes int   // COMPLETE's bytes-transferred
	Err   error // COMPLETE/READ/WRITE error, if any
}

// Machine is the listener ABI: a small state machine for one I/O
// operation, invoked once per dispatch kind.
type Machine func(l *listener, ev Event) Status

// listener is a state machine bound to a pollable and optionally a fiber.
// It is variable-length in concept (concrete I/O operations append
// working state); here that's modeled by Event.User and by the Machine
// closure's own captured state, since Go listeners are heap objects
// referenced by pointer rather than inlined-and-extended structs.
type listener struct {
	machine  Machine
	fiber    *Fiber // nil for a SPAWNER listener
	pollable *Pollable
	mask     uint32
	index    int // backend-private slot; no backend sets it (the level-triggered backend keeps its slot in Pollable.index)
	next     *listener
	tag      uintptr // backend-private correlation tag (completion-port backend)
}

// Pollable wraps one OS handle with its listener chain and aggregate mask.
type Pollable struct {
	Handle int // file descriptor, or platform handle cast to int
	flags  uint32
	chain  *listener
	mask   uint32
	// index is the level-triggered backend's swap-remove slot for this
	// pollable. Unused by the other backends.
	index int
	// closedByUser is read from the goroutine runtime.AddCleanup runs the
	// GC cleanup on, so it can't share the plain flags bitfield with the
	// loop goroutine. It is allocated apart from the Pollable so the
	// cleanup can hold it without keeping the Pollable reachable.
	closedByUser *atomic.Bool
}

// NewPollable wraps handle for registration with a backend.
func NewPollable(handle int) *Pollable {
	return &Pollable{Handle: handle, closedByUser: new(atomic.Bool)}
}

// Closed reports whether ClosePollable has torn this pollable down.
func (p *Pollable) Closed() bool { return p.flags&flagClosed != 0 }

func (p *Pollable) markClosed() {
	p.flags |= flagClosed
	p.closedByUser.Store(true)
}

// EnableGCCleanup arms a best-effort finalizer on p via runtime.AddCleanup:
// if p is dropped without ever going through ClosePollable and its last
// Go-side reference is collected, the raw OS descriptor is closed directly
// so it isn't leaked. This mirrors gaio's SetFinalizer-based gc/gcNotify
// safety net, ported to the non-deprecated AddCleanup API; it is not a
// substitute for an explicit ClosePollable, which runs promptly and tears
// down the listener chain. ClosePollable does not close the descriptor
// itself; once it has run, this cleanup does nothing.
func (p *Pollable) EnableGCCleanup() runtime.Cleanup {
	return runtime.AddCleanup(p, reclaimPollableHandle, pollableCleanupState{
		handle: p.Handle,
		closed: p.closedByUser,
	})
}

type pollableCleanupState struct {
	handle int
	closed *atomic.Bool
}

func reclaimPollableHandle(s pollableCleanupState) {
	if s.closed.Load() {
		return
	}
	unix.Close(s.handle)
}

// Mask returns the OR of all live listeners' masks, maintained as the
// invariant `pollable.mask == OR of mask of all live listeners on it`.
func (p *Pollable) Mask() uint32 { return p.mask }

// addListener links l at the head of the chain and ORs its mask in.
func (p *Pollable) addListener(l *listener) {
	l.next = p.chain
	p.chain = l
	p.mask |= l.mask
}

// removeListener unlinks l from the chain and recomputes the aggregate
// mask from the listeners that remain.
func (p *Pollable) removeListener(l *listener) {
	var prev *listener
	cur := p.chain
	for cur != nil {
		if cur == l {
			if prev == nil {
				p.chain = cur.next
			} else {
				prev.next = cur.next
			}
			break
		}
		prev, cur = cur, cur.next
	}
	var mask uint32
	for cur := p.chain; cur != nil; cur = cur.next {
		mask |= cur.mask
	}
	p.mask = mask
}

// hasMask reports whether any live listener already claims any bit in
// mask, used by Listen to panic on "duplicate mask bits".
func (p *Pollable) hasMask(mask uint32) bool {
	for cur := p.chain; cur != nil; cur = cur.next {
		if cur.mask&mask != 0 {
			return true
		}
	}
	return false
}
