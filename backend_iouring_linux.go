//go:build linux && iouring

package fibev

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/pawelgaczynski/giouring"
)

// iouringBackend is a completion-port backend: each pollable is
// registered once with the ring, waitOnce retrieves completions and
// matches each to the listener whose tag equals the completion's
// UserData, dispatching COMPLETE with Bytes set to bytes-transferred.
// READ/WRITE dispatches don't exist here — a machine re-arms itself by
// calling Submit (typically from its INIT or COMPLETE handler) to issue
// the next asynchronous operation.
//
// Modeled on ianic-xnet/aio/loop.go's Loop: a giouring.Ring, a
// UserData-keyed callback/listener table, pending-SQE backpressure when
// the ring is full, and SubmitAndWait/PeekBatchCQE-driven completion
// flushing.
type iouringBackend struct {
	active  int64
	ring    *giouring.Ring
	byTag   map[uint64]*listener
	nextTag uint64
	pending []func(*giouring.SubmissionQueueEntry)
}

func newBackend() (backend, error) {
	ring, err := giouring.CreateRing(1024)
	if err != nil {
		return nil, fmt.Errorf("io_uring_setup: %w", err)
	}
	return &iouringBackend{
		ring:  ring,
		byTag: make(map[uint64]*listener),
	}, nil
}

func (b *iouringBackend) activeListeners() int64 { return b.active }

// listen registers a completion-driven listener. Unlike the readiness
// backends, mask carries no READ/WRITE meaning here (there is no
// epoll-style interest to compute) — MaskSpawner is still honored so a
// multishot-accept listener can omit an owning fiber.
func (b *iouringBackend) listen(p *Pollable, fiber *Fiber, machine Machine, mask uint32, user any) *listener {
	if fiber == nil {
		mask |= MaskSpawner
	}
	if p.hasMask(mask) {
		violate("listen: duplicate mask bits on pollable")
	}
	if mask&MaskSpawner == 0 {
		if fiber.waiting != nil {
			violate("listen: fiber already waiting")
		}
	}

	l := &listener{machine: machine, fiber: fiber, pollable: p, mask: mask}
	p.addListener(l)
	if mask&MaskSpawner == 0 {
		fiber.waiting = l
	}
	b.active++

	b.nextTag++
	l.tag = uintptr(b.nextTag)
	b.byTag[b.nextTag] = l
	p.flags |= flagRegistered

	machine(l, Event{Kind: KindInit, User: user})
	return l
}

func (b *iouringBackend) unlisten(l *listener) {
	l.machine(l, Event{Kind: KindDeinit})
	p := l.pollable
	p.removeListener(l)
	if l.fiber != nil && l.fiber.waiting == l {
		l.fiber.waiting = nil
	}
	b.active--
	delete(b.byTag, uint64(l.tag))
}

func (b *iouringBackend) closePollable(p *Pollable) {
	p.markClosed()
	for cur := p.chain; cur != nil; {
		next := cur.next
		cur.machine(cur, Event{Kind: KindClose})
		b.unlisten(cur)
		cur = next
	}
}

// Submit prepares one SQE tagged with l's completion key and lets prepare
// fill in the operation. This is how a completion-backend machine re-arms
// itself — there is no other way to (re)register interest. If the ring is
// momentarily full the operation queues in pending, exactly as
// ianic-xnet's Loop.prepare does, and is replayed on the next waitOnce.
func (b *iouringBackend) Submit(l *listener, prepare func(sqe *giouring.SubmissionQueueEntry)) {
	tag := uint64(l.tag)
	op := func(sqe *giouring.SubmissionQueueEntry) {
		prepare(sqe)
		sqe.UserData = tag
	}
	sqe := b.ring.GetSQE()
	if sqe == nil {
		b.pending = append(b.pending, op)
		return
	}
	op(sqe)
}

func (b *iouringBackend) preparePending() {
	n := 0
	for _, op := range b.pending {
		sqe := b.ring.GetSQE()
		if sqe == nil {
			break
		}
		op(sqe)
		n++
	}
	b.pending = b.pending[n:]
}

func temporaryErrno(err error) bool {
	errno, ok := err.(syscall.Errno)
	if !ok {
		return os.IsTimeout(err)
	}
	return errno == syscall.EINTR || errno == syscall.EAGAIN
}

func (b *iouringBackend) waitOnce(hasDeadline bool, deadlineMS int64) error {
	if len(b.pending) > 0 {
		b.preparePending()
	}

	// SQEs filled above (or by an earlier Submit call) only sit in the
	// submission queue until they're handed to the kernel — WaitCQEs waits
	// on completions already submitted, it doesn't submit anything itself.
	// Submit them now, exactly as ianic-xnet's submit() (a SubmitAndWait(0)
	// call) does ahead of its own WaitCQEs.
	if _, err := b.ring.SubmitAndWait(0); err != nil && !temporaryErrno(err) {
		return fmt.Errorf("io_uring_enter: %w", err)
	}

	var ts syscall.Timespec
	var tsArg *syscall.Timespec
	if hasDeadline {
		d := deadlineMS
		if d < 0 {
			d = 0
		}
		ts = syscall.NsecToTimespec((time.Duration(d) * time.Millisecond).Nanoseconds())
		tsArg = &ts
	}

	for {
		_, err := b.ring.WaitCQEs(1, tsArg, nil)
		if err != nil {
			if temporaryErrno(err) {
				continue
			}
			return fmt.Errorf("io_uring_enter: %w", err)
		}
		break
	}

	b.flushCompletions()
	return nil
}

func (b *iouringBackend) flushCompletions() {
	var cqes [128]*giouring.CompletionQueueEvent
	for {
		n := b.ring.PeekBatchCQE(cqes[:])
		for i := uint32(0); i < n; i++ {
			cqe := cqes[i]
			l, ok := b.byTag[cqe.UserData]
			if !ok {
				continue
			}
			if cqe.Res < 0 {
				err := syscall.Errno(-cqe.Res)
				if l.machine(l, Event{Kind: KindComplete, Err: err}) == Done {
					b.unlisten(l)
				}
				continue
			}
			if l.machine(l, Event{Kind: KindComplete, Bytes: int(cqe.Res)}) == Done {
				b.unlisten(l)
			}
		}
		b.ring.CQAdvance(n)
		if n < uint32(len(cqes)) {
			return
		}
	}
}

func (b *iouringBackend) close() error {
	b.ring.QueueExit()
	return nil
}
