package fibev

import (
	"fmt"
	"math/rand/v2"

	"github.com/xtaci/fibev/internal/ring"
)

// waitMode tells the counterparty how to encode a channel wake-up's
// result: a plain item, a take tuple, or a give tuple.
type waitMode int

const (
	modeItem waitMode = iota
	modeChoiceRead
	modeChoiceWrite
)

type waiter struct {
	fiber   *Fiber
	schedID int64
	mode    waitMode
}

// ResultKind tags a select/rselect Result as the read or write half of a
// rendezvous.
type ResultKind int

const (
	// ResultTake means this clause received a value (`[:take chan x]`).
	ResultTake ResultKind = iota
	// ResultGive means this clause sent a value (`[:give chan]`).
	ResultGive
)

// Result is what Select/RSelect return: a tagged, type-erased rendezvous
// outcome, since a select's
// clauses may span channels of different element types.
type Result struct {
	Kind  ResultKind
	Chan  any
	Value any
}

// Channel is a bounded rendezvous of values, built on top of
// ring.Buffer the way the run queue is. limit is the number of items
// permitted *beyond* an implicit single slot — send blocks once
// count(items) > limit, so a channel built with capacity 0 still allows
// one in-flight value before blocking (the chosen semantics, not "true
// rendezvous").
type Channel[T any] struct {
	items        *ring.Buffer[T]
	readPending  *ring.Buffer[waiter]
	writePending *ring.Buffer[waiter]
	limit        int32
}

// NewChan allocates a channel with the given capacity.
func NewChan[T any](capacity int32) *Channel[T] {
	return &Channel[T]{
		items:        ring.New[T](0),
		readPending:  ring.New[waiter](0),
		writePending: ring.New[waiter](0),
		limit:        capacity,
	}
}

// Capacity returns the channel's configured limit.
func (c *Channel[T]) Capacity() int32 { return c.limit }

// Count returns the number of buffered items.
func (c *Channel[T]) Count() int32 { return int32(c.items.Len()) }

// Full reports count(items) >= limit.
func (c *Channel[T]) Full() bool { return c.Count() >= c.limit }

// pushItem appends to the items ring, turning a ring-capacity contract
// violation into a panic/unwind instead of a raw ring panic.
func (c *Channel[T]) pushItem(v T) {
	defer func() {
		if r := recover(); r != nil {
			violate(fmt.Sprintf("channel send: %v", r))
		}
	}()
	c.items.Push(v)
}

// handoffToReader hands value directly to the first non-stale blocked
// reader, if any, waking it without touching the items buffer or the
// limit. Returns false (no side effect at all) if readPending holds no
// live waiter, so callers that only want to know "would this send need to
// block" can try a handoff without committing to buffering or registering
// anything themselves.
func (c *Channel[T]) handoffToReader(value T) bool {
	for {
		w, ok := c.readPending.Pop()
		if !ok {
			return false
		}
		if w.fiber.SchedID() != w.schedID {
			continue // stale: sched_id mismatch, drop silently
		}
		if w.mode == modeChoiceRead {
			w.fiber.owner.scheduleSignal(w.fiber, Result{Kind: ResultTake, Chan: c, Value: value}, SigOK)
		} else {
			w.fiber.owner.scheduleSignal(w.fiber, value, SigOK)
		}
		return true
	}
}

// push enqueues value on c from self. It returns true if the
// calling fiber must block (register a waiter and Await); false if the
// send completed synchronously (handed to a waiting reader, or buffered
// under the limit).
func (c *Channel[T]) push(self *Fiber, value T, isChoice bool) bool {
	if c.handoffToReader(value) {
		return false
	}

	c.pushItem(value)
	if c.Count() > c.limit {
		mode := modeItem
		if isChoice {
			mode = modeChoiceWrite
		}
		c.writePending.Push(waiter{fiber: self, schedID: self.SchedID(), mode: mode})
		return true
	}
	return false
}

// pop dequeues a value from c for self. It returns the popped value
// and false if one was available; if empty it registers self as a reader
// waiter and returns (zero, true) meaning the caller must Await.
func (c *Channel[T]) pop(self *Fiber, isChoice bool) (value T, blocked bool) {
	v, ok := c.items.Pop()
	if !ok {
		mode := modeItem
		if isChoice {
			mode = modeChoiceRead
		}
		c.readPending.Push(waiter{fiber: self, schedID: self.SchedID(), mode: mode})
		return value, true
	}

	for {
		w, ok := c.writePending.Pop()
		if !ok {
			break
		}
		if w.fiber.SchedID() != w.schedID {
			continue // stale writer, drop silently
		}
		if w.mode == modeChoiceWrite {
			w.fiber.owner.scheduleSignal(w.fiber, Result{Kind: ResultGive, Chan: c}, SigOK)
		} else {
			w.fiber.owner.scheduleSignal(w.fiber, c, SigOK)
		}
		break
	}
	return v, false
}

// Give sends v on c from fiber f, blocking (awaiting) if c is full. It
// wraps push: on block, await.
func Give[T any](f *Fiber, c *Channel[T], v T) (*Channel[T], error) {
	if c.push(f, v, false) {
		if _, err := f.Await(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Take receives from c on fiber f, blocking if c is empty. It wraps pop:
// on success, self-schedule with the value then await; on block, await.
// Even an immediately-available value is delivered through the standard
// resume path, never returned synchronously.
func Take[T any](f *Fiber, c *Channel[T]) (T, error) {
	var zero T
	v, blocked := c.pop(f, false)
	if blocked {
		res, err := f.Await()
		if err != nil {
			return zero, err
		}
		return res.(T), nil
	}
	f.owner.scheduleSignal(f, v, SigOK)
	res, err := f.Await()
	if err != nil {
		return zero, err
	}
	return res.(T), nil
}

// Clause is one arm of a Select/RSelect call: either a receive (Recv) or a
// send (Send), type-erased so clauses over differently-typed channels can
// share one call.
type Clause interface {
	tryImmediate(f *Fiber) (Result, bool)
	registerWait(f *Fiber)
}

type recvClause[T any] struct{ ch *Channel[T] }

// Recv builds a receive clause for Select/RSelect.
func Recv[T any](ch *Channel[T]) Clause { return recvClause[T]{ch} }

func (r recvClause[T]) tryImmediate(f *Fiber) (Result, bool) {
	if r.ch.items.Len() == 0 {
		return Result{}, false
	}
	v, blocked := r.ch.pop(f, true)
	if blocked {
		return Result{}, false
	}
	return Result{Kind: ResultTake, Chan: r.ch, Value: v}, true
}

func (r recvClause[T]) registerWait(f *Fiber) {
	r.ch.pop(f, true)
}

type sendClause[T any] struct {
	ch  *Channel[T]
	val T
}

// Send builds a send clause for Select/RSelect.
func Send[T any](ch *Channel[T], v T) Clause { return sendClause[T]{ch: ch, val: v} }

// tryImmediate tries a handoff to an already-blocked reader first — live
// regardless of the channel's limit, including a zero-capacity channel
// whose would-be "full" check would otherwise reject the attempt before
// ever looking for a waiting counterparty — then falls back to the
// under-limit buffering case. Unlike push, it never registers a waiter
// itself on failure: Select's second pass (registerWait) is the only
// place that happens, avoiding a double registration.
func (s sendClause[T]) tryImmediate(f *Fiber) (Result, bool) {
	if s.ch.handoffToReader(s.val) {
		return Result{Kind: ResultGive, Chan: s.ch}, true
	}
	if s.ch.Count() >= s.ch.limit {
		return Result{}, false
	}
	s.ch.pushItem(s.val)
	return Result{Kind: ResultGive, Chan: s.ch}, true
}

func (s sendClause[T]) registerWait(f *Fiber) {
	s.ch.push(f, s.val, true)
}

// Select is a multi-clause select: a first pass tries each clause in
// positional order for an immediate (non-blocking) rendezvous; failing
// that, a second pass registers every clause as a CHOICE_* waiter and
// Awaits once. The first counterparty to fire schedules this fiber with
// its Result; the rest of the registrations go stale (sched_id mismatch)
// and are silently skipped when they eventually fire or are popped.
func Select(f *Fiber, clauses ...Clause) (Result, error) {
	if len(clauses) == 0 {
		violate("select: no clauses")
	}
	for _, cl := range clauses {
		if res, ok := cl.tryImmediate(f); ok {
			return res, nil
		}
	}
	for _, cl := range clauses {
		cl.registerWait(f)
	}
	v, err := f.Await()
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// RSelect applies a Fisher-Yates shuffle to the clause list before
// delegating to Select, giving probabilistic fairness across repeated
// calls — stdlib math/rand/v2 is used for the shuffle; no pack repo
// exercises a randomized-permutation library, so there is nothing
// ecosystem-specific to reach for here.
func RSelect(f *Fiber, clauses ...Clause) (Result, error) {
	shuffled := make([]Clause, len(clauses))
	copy(shuffled, clauses)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return Select(f, shuffled...)
}
