package fibev

// Listener is the host-facing handle to a registered listener: opaque,
// passed back to Unlisten.
type Listener = listener

// Listen registers machine on pollable under mask for fiber (nil for a
// SPAWNER listener), dispatching INIT with user.
func (l *Loop) Listen(p *Pollable, fiber *Fiber, machine Machine, mask uint32, user any) *Listener {
	if fiber != nil {
		fiber.owner = l
	}
	return l.be.listen(p, fiber, machine, mask, user)
}

// Unlisten tears down lst: dispatches DEINIT, unlinks it from its
// pollable and owning fiber, and updates OS interest.
func (l *Loop) Unlisten(lst *Listener) {
	l.be.unlisten(lst)
}

// ClosePollable tears a pollable down: dispatches CLOSE to every listener
// in its chain, then unlistens each.
func (l *Loop) ClosePollable(p *Pollable) {
	l.be.closePollable(p)
}

// AwaitReady blocks f until p becomes ready under mask, then returns the
// dispatched event. It is the fiber-facing building block a higher-level
// read/write machine composes with the raw syscall: Listen registers a
// one-shot machine that, on the first READ or WRITE dispatch, resumes f
// and reports itself Done so the backend unlistens it immediately.
func (l *Loop) AwaitReady(f *Fiber, p *Pollable, mask uint32) (Event, error) {
	l.Listen(p, f, awaitReadyMachine(f), mask, nil)
	v, err := f.Await()
	if err != nil {
		return Event{}, err
	}
	return v.(Event), nil
}

func awaitReadyMachine(fiber *Fiber) Machine {
	return func(l *listener, ev Event) Status {
		switch ev.Kind {
		case KindInit, KindDeinit, KindClose, KindMark:
			return NotDone
		default:
			fiber.owner.scheduleSignal(fiber, ev, SigOK)
			return Done
		}
	}
}
