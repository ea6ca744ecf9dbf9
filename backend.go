package fibev

// backend is the three-operation contract an event loop drives: listen,
// unlisten, and waitOnce, with no other OS facility used outside it. Three
// concrete backends satisfy it — backend_epoll_linux.go (edge-triggered),
// backend_poll_bsd.go (level-triggered, poll(2)), and
// backend_iouring_linux.go (completion-port-style, opt-in via the
// `iouring` build tag).
type backend interface {
	// listen registers machine on pollable under mask, dispatches INIT
	// with user, and returns the new listener. Panics (ContractViolation)
	// on duplicate mask bits or if the fiber is already waiting.
	listen(p *Pollable, fiber *Fiber, machine Machine, mask uint32, user any) *listener
	// unlisten dispatches DEINIT, unregisters l from its pollable and
	// fiber, and updates OS interest.
	unlisten(l *listener)
	// waitOnce blocks until a readiness/completion event or deadlineMS
	// (if hasDeadline), dispatching to affected listeners before
	// returning. Must restart on EINTR; a spurious/timeout-only return is
	// allowed.
	waitOnce(hasDeadline bool, deadlineMS int64) error
	// closePollable tears a pollable down: dispatches CLOSE to every
	// listener in its chain, then unlistens each.
	closePollable(p *Pollable)
	// activeListeners is the global (per-loop) count maintained across
	// every listen/unlisten call.
	activeListeners() int64
	// close releases the backend's own OS resources (epoll/poll fd,
	// io_uring ring).
	close() error
}

// osInterest is the one piece that differs per concrete backend: how
// registering, growing, and removing OS-level interest for a handle works.
// backendBase delegates to it from listen/unlisten so the duplicate-mask,
// chain-linking, and active-listener bookkeeping logic (identical across
// both readiness backends) is written exactly once. The io_uring backend
// does its own listen/unlisten bookkeeping and does not use it.
type osInterest interface {
	register(p *Pollable, mask uint32) error
	modify(p *Pollable, mask uint32) error
	deregister(p *Pollable) error
}

// backendBase implements the shared listen/unlisten/closePollable logic
// every concrete backend needs, delegating only OS registration to an
// osInterest.
type backendBase struct {
	interest osInterest
	active   int64
}

func (b *backendBase) activeListeners() int64 { return b.active }

func (b *backendBase) listen(p *Pollable, fiber *Fiber, machine Machine, mask uint32, user any) *listener {
	// SPAWNER is always OR'd in by listen whenever there's no owning
	// fiber — a passively-listening resource (e.g. an accept loop) has no
	// single fiber to wake.
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

	wasRegistered := p.chain != nil
	l := &listener{
		machine:  machine,
		fiber:    fiber,
		pollable: p,
		mask:     mask,
	}
	p.addListener(l)
	if mask&MaskSpawner == 0 {
		fiber.waiting = l
	}
	b.active++

	var err error
	if !wasRegistered {
		err = b.interest.register(p, p.mask)
	} else {
		err = b.interest.modify(p, p.mask)
	}
	if err != nil {
		fatalOSError("register interest", err)
	}

	machine(l, Event{Kind: KindInit, User: user})
	return l
}

func (b *backendBase) unlisten(l *listener) {
	l.machine(l, Event{Kind: KindDeinit})

	p := l.pollable
	p.removeListener(l)
	if l.fiber != nil && l.fiber.waiting == l {
		l.fiber.waiting = nil
	}
	b.active--

	var err error
	if p.chain == nil {
		err = b.interest.deregister(p)
	} else {
		err = b.interest.modify(p, p.mask)
	}
	if err != nil {
		fatalOSError("deregister interest", err)
	}
}

func (b *backendBase) closePollable(p *Pollable) {
	p.markClosed()
	for cur := p.chain; cur != nil; {
		next := cur.next
		cur.machine(cur, Event{Kind: KindClose})
		b.unlisten(cur)
		cur = next
	}
}

// dispatchReadWrite sends WRITE then READ to every listener on p whose
// mask intersects the ready bits, unlistening any that return Done. This
// is the one dispatch order both readiness backends share.
func dispatchReadWrite(b backend, p *Pollable, readable, writable bool) {
	if writable {
		dispatchOne(b, p, MaskWrite, KindWrite)
	}
	if readable {
		dispatchOne(b, p, MaskRead, KindRead)
	}
}

func dispatchOne(b backend, p *Pollable, bit uint32, kind Kind) {
	var next *listener
	for cur := p.chain; cur != nil; cur = next {
		next = cur.next
		if cur.mask&bit == 0 {
			continue
		}
		if cur.machine(cur, Event{Kind: kind}) == Done {
			b.unlisten(cur)
		}
	}
}

func fatalOSError(op string, err error) {
	diagFatal(op, err)
}
