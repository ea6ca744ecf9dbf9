//go:build darwin || netbsd || freebsd || openbsd || dragonfly

package fibev

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pollBackend is a level-triggered readiness backend: two parallel
// arrays — the OS poll set (fds) and a listener map (pollables) — both
// indexed by slot number. unlisten performs swap-remove: the last entry
// moves into the vacated slot and the replacement pollable's index is
// updated. waitOnce blocks with a computed millisecond timeout (0 if
// already past, -1/infinite if none).
//
// poll(2) is used as the concrete level-triggered primitive rather than
// raw kqueue: it gives a plain array of interest entries with a revents
// field per entry and a millisecond timeout, is available unchanged
// across every BSD this build tag targets, and avoids duplicating the
// edge-triggered bookkeeping the Linux backend already covers via epoll.
type pollBackend struct {
	backendBase
	fds       []unix.PollFd
	pollables []*Pollable
}

func newBackend() (backend, error) {
	b := &pollBackend{}
	b.interest = b
	return b, nil
}

func maskToPollEvents(mask uint32) int16 {
	var ev int16
	if mask&MaskRead != 0 {
		ev |= unix.POLLIN
	}
	if mask&MaskWrite != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func (b *pollBackend) register(p *Pollable, mask uint32) error {
	p.index = len(b.fds)
	b.fds = append(b.fds, unix.PollFd{Fd: int32(p.Handle), Events: maskToPollEvents(mask)})
	b.pollables = append(b.pollables, p)
	return nil
}

func (b *pollBackend) modify(p *Pollable, mask uint32) error {
	b.fds[p.index].Events = maskToPollEvents(mask)
	return nil
}

func (b *pollBackend) deregister(p *Pollable) error {
	last := len(b.fds) - 1
	idx := p.index
	if idx != last {
		b.fds[idx] = b.fds[last]
		b.pollables[idx] = b.pollables[last]
		b.pollables[idx].index = idx
	}
	b.fds = b.fds[:last]
	b.pollables = b.pollables[:last]
	p.index = -1
	return nil
}

func (b *pollBackend) waitOnce(hasDeadline bool, deadlineMS int64) error {
	timeout := -1
	if hasDeadline {
		if deadlineMS < 0 {
			deadlineMS = 0
		}
		timeout = int(deadlineMS)
	}

	var err error
	for {
		_, err = unix.Poll(b.fds, timeout)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}

	const interesting = unix.POLLIN | unix.POLLOUT | unix.POLLHUP | unix.POLLERR | unix.POLLNVAL
	for i := 0; i < len(b.fds); i++ {
		revents := b.fds[i].Revents
		if revents&interesting == 0 {
			continue
		}
		b.fds[i].Revents = 0
		p := b.pollables[i]
		readable := revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0
		writable := revents&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0
		dispatchReadWrite(b, p, readable, writable)
	}
	return nil
}

func (b *pollBackend) close() error { return nil }
