package fibev

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/xtaci/fibev/internal/diag"
	"github.com/xtaci/fibev/internal/ring"
)

type task struct {
	fiber  *Fiber
	value  any
	signal Signal
}

// Options configures a Loop's initial sizing, the way
// ianic-xnet/aio/loop.go's Options/DefaultOptions configures a Loop's ring
// entries and provided-buffer pool, and the way gaio's NewWatcherSize lets
// a caller size its internal buffer.
type Options struct {
	// RunQueueHint pre-sizes the run queue's ring buffer.
	RunQueueHint int
	// TimerHeapHint pre-sizes the timer heap's backing slice.
	TimerHeapHint int
}

// DefaultOptions mirrors the shape (not the exact values — these are
// scheduler-sized, not network-buffer-sized) of ianic-xnet's DefaultOptions.
var DefaultOptions = Options{
	RunQueueHint:  64,
	TimerHeapHint: 16,
}

// Loop is the event loop: a single-threaded run queue + timer heap +
// backend, with no locking because there is no cross-goroutine sharing of
// its state — all loop state is thread-local, so a Loop's methods must
// not be called from more than one goroutine.
type Loop struct {
	runQueue *ring.Buffer[task]
	timers   timerHeap
	be       backend
	notifyCh chan struct{}
	closed   bool
}

// NewLoop creates a Loop with its own run queue, timer heap, and backend.
// Multiple Loops may exist in one process, each on its own goroutine —
// they share no state and must not share channels either.
func NewLoop(opts Options) (*Loop, error) {
	be, err := newBackend()
	if err != nil {
		return nil, err
	}
	l := &Loop{
		runQueue: ring.New[task](opts.RunQueueHint),
		timers:   make(timerHeap, 0, opts.TimerHeapHint),
		be:       be,
		notifyCh: make(chan struct{}, 1),
	}
	return l, nil
}

// Close releases the loop's backend resources (epoll/poll fd, io_uring
// ring). It does not wait for outstanding fibers to finish.
func (l *Loop) Close() error {
	l.closed = true
	return l.be.close()
}

// Notify returns a channel that receives a signal whenever loop1 finishes
// draining at least one task, letting an external goroutine poll for
// scheduling activity without a dedicated callback — the Go analogue of
// gaio's WaitIO/chNotifyCompletion double-buffered completion delivery.
func (l *Loop) Notify() <-chan struct{} { return l.notifyCh }

// ActiveListeners reports the backend's live listener count.
func (l *Loop) ActiveListeners() int64 { return l.be.activeListeners() }

func nowMS() int64 { return time.Now().UnixMilli() }

// Call creates a fiber running fn(args...), schedules it with nil, and
// returns it. Panics with ErrClosed if the loop has already been closed.
func (l *Loop) Call(fn Func, args ...any) *Fiber {
	if l.closed {
		panic(ErrClosed)
	}
	f := NewFiber(fn, args...)
	l.scheduleSignal(f, nil, SigOK)
	return f
}

// Go schedules fiber with value and returns it. Panics with ErrClosed if
// the loop has already been closed.
func (l *Loop) Go(fiber *Fiber, value any) *Fiber {
	if l.closed {
		panic(ErrClosed)
	}
	l.scheduleSignal(fiber, value, SigOK)
	return fiber
}

// Cancel schedules fiber with an error signal carrying err, and returns
// it. Panics with ErrClosed if the loop has already been closed.
func (l *Loop) Cancel(fiber *Fiber, err error) *Fiber {
	if l.closed {
		panic(ErrClosed)
	}
	l.scheduleSignal(fiber, err, SigError)
	return fiber
}

// Sleep registers a non-error timeout for fiber f and awaits it.
func (l *Loop) Sleep(f *Fiber, d time.Duration) (any, error) {
	l.AddTimeout(f, d, false)
	return f.Await()
}

// AddTimeout enqueues a timeout targeting f's current scheduling epoch.
// isError=true produces the cancellation behavior for I/O deadlines
// (resumes with ErrTimeout instead of nil). Panics with ErrClosed if the
// loop has already been closed.
func (l *Loop) AddTimeout(f *Fiber, d time.Duration, isError bool) {
	if l.closed {
		panic(ErrClosed)
	}
	t := &timeout{
		when:    nowMS() + d.Milliseconds(),
		fiber:   f,
		schedID: f.SchedID(),
		isError: isError,
	}
	addTimeout(&l.timers, t)
}

// scheduleSignal is idempotent via the SCHEDULED flag. If fiber is
// already scheduled this is a no-op; otherwise it sets
// the flag, bumps sched_id (invalidating any timeout/waiter registered
// under the old epoch), and enqueues the task.
func (l *Loop) scheduleSignal(fiber *Fiber, value any, signal Signal) {
	if fiber.scheduled.Swap(true) {
		return
	}
	atomic.AddInt64(&fiber.schedID, 1)
	fiber.owner = l
	l.runQueue.Push(task{fiber: fiber, value: value, signal: signal})
}

// loop1 is one pass of the event loop: expire due timers, drain the run
// queue, then (if there's still work to wait for) block in the backend
// for the next event.
func (l *Loop) loop1() {
	now := nowMS()
	for {
		t := l.timers.peek()
		if t == nil || t.when > now {
			break
		}
		popTimeout(&l.timers)
		if t.fiber.SchedID() != t.schedID {
			continue // stale: dropped silently
		}
		if t.isError {
			l.scheduleSignal(t.fiber, ErrTimeout, SigError)
		} else {
			l.scheduleSignal(t.fiber, nil, SigOK)
		}
	}

	drained := false
	for l.runQueue.Len() > 0 {
		drained = true
		tk, _ := l.runQueue.Pop()
		tk.fiber.scheduled.Store(false)

		// did_resume hook: a fiber about to run is torn off whatever it
		// was blocked on, handling forced wake-ups (e.g. cancellation)
		// while the fiber was parked on I/O.
		if w := tk.fiber.waiting; w != nil {
			l.be.unlisten(w)
		}

		sig, _, err := tk.fiber.Continue(tk.value, tk.signal)
		if sig != SigOK && sig != SigEvent {
			diag.FiberError(fiberTrace(tk.fiber), err)
		}
	}
	if drained {
		select {
		case l.notifyCh <- struct{}{}:
		default:
		}
	}

	if l.be.activeListeners() > 0 || l.timers.Len() > 0 {
		l.dropStaleTimerTops()
		if l.be.activeListeners() == 0 && l.timers.Len() == 0 {
			// Every remaining timer was stale and has just been dropped, and
			// there's no I/O to wait on either: nothing could ever wake a
			// blocking wait, so skip it. Run's own loop condition will see
			// there's no work left and stop.
			return
		}
		top := l.timers.peek()
		hasDeadline := top != nil
		var deadlineMS int64
		if hasDeadline {
			deadlineMS = top.when - nowMS()
			if deadlineMS < 0 {
				deadlineMS = 0
			}
		}
		if err := l.be.waitOnce(hasDeadline, deadlineMS); err != nil {
			diagFatal("wait_once", err)
		}
	}
}

// dropStaleTimerTops discards heap-top timeouts whose sched_id no longer
// matches their fiber's current epoch. Before blocking, the loop
// additionally pops all top entries whose sched_id mismatches the target
// fiber, so a stale entry never forces a wait that has nothing left to
// wake it.
func (l *Loop) dropStaleTimerTops() {
	for {
		t := l.timers.peek()
		if t == nil || t.fiber.SchedID() == t.schedID {
			return
		}
		popTimeout(&l.timers)
	}
}

// Run drives the loop until there is no more work: no live listeners, an
// empty run queue, and an empty timer heap.
func (l *Loop) Run() {
	for l.be.activeListeners() > 0 || l.runQueue.Len() > 0 || l.timers.Len() > 0 {
		l.loop1()
	}
}

func fiberTrace(f *Fiber) string {
	return fmt.Sprintf("fiber(sched_id=%d)", f.SchedID())
}
