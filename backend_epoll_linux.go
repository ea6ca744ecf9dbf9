//go:build linux && !iouring

package fibev

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollBackend is an edge-triggered readiness backend: registration
// uses EPOLLET with read/write interest derived from each pollable's mask,
// a timerfd is armed/disarmed once per waitOnce call as the sentinel entry
// delivering timeouts, and on wake WRITE is dispatched before READ to each
// affected listener.
type epollBackend struct {
	backendBase
	epfd      int
	timerfd   int
	events    []unix.EpollEvent
	pollables map[int]*Pollable
}

func newBackend() (backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, tfd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(tfd)}); err != nil {
		unix.Close(tfd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl(timerfd): %w", err)
	}

	b := &epollBackend{
		epfd:      epfd,
		timerfd:   tfd,
		events:    make([]unix.EpollEvent, 256),
		pollables: make(map[int]*Pollable),
	}
	b.interest = b
	return b, nil
}

func maskToEpollEvents(mask uint32) uint32 {
	var ev uint32 = unix.EPOLLET
	if mask&MaskRead != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&MaskWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (b *epollBackend) register(p *Pollable, mask uint32) error {
	b.pollables[p.Handle] = p
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, p.Handle, &unix.EpollEvent{
		Events: maskToEpollEvents(mask), Fd: int32(p.Handle),
	})
}

func (b *epollBackend) modify(p *Pollable, mask uint32) error {
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, p.Handle, &unix.EpollEvent{
		Events: maskToEpollEvents(mask), Fd: int32(p.Handle),
	})
}

func (b *epollBackend) deregister(p *Pollable) error {
	delete(b.pollables, p.Handle)
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, p.Handle, nil)
}

func (b *epollBackend) waitOnce(hasDeadline bool, deadlineMS int64) error {
	if err := b.armTimer(hasDeadline, deadlineMS); err != nil {
		return err
	}

	var n int
	var err error
	for {
		n, err = unix.EpollWait(b.epfd, b.events, -1)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		return fmt.Errorf("epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		ev := b.events[i]
		fd := int(ev.Fd)
		if fd == b.timerfd {
			var buf [8]byte
			unix.Read(b.timerfd, buf[:]) // drain the expiration counter
			continue
		}
		p, ok := b.pollables[fd]
		if !ok {
			continue
		}
		readable := ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0
		writable := ev.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0
		dispatchReadWrite(b, p, readable, writable)
	}
	return nil
}

func (b *epollBackend) armTimer(hasDeadline bool, deadlineMS int64) error {
	var spec unix.ItimerSpec
	if hasDeadline {
		d := time.Duration(deadlineMS) * time.Millisecond
		if d < 0 {
			d = 0
		}
		spec.Value = unix.NsecToTimespec(d.Nanoseconds())
		if spec.Value.Sec == 0 && spec.Value.Nsec == 0 {
			// TimerfdSettime treats an all-zero value as "disarm"; use the
			// smallest representable interval instead so a zero/overdue
			// deadline still fires promptly.
			spec.Value.Nsec = 1
		}
	}
	return unix.TimerfdSettime(b.timerfd, 0, &spec, nil)
}

func (b *epollBackend) close() error {
	unix.Close(b.timerfd)
	return unix.Close(b.epfd)
}
