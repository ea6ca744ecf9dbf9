package fibev

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// DupFD extracts a duplicated, non-blocking file descriptor from conn via
// its RawConn, the same dup(2)-through-SyscallConn technique gaio's
// watcher uses to hand a raw fd to its poller without taking ownership of
// conn's original descriptor away from the standard library runtime poller.
// The caller owns the returned fd and must close it.
func DupFD(conn net.Conn) (int, error) {
	sc, ok := conn.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		return -1, ErrUnsupported
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, ErrUnsupported
	}

	var newfd int
	var dupErr error
	ctrlErr := rc.Control(func(fd uintptr) {
		newfd, dupErr = unix.Dup(int(fd))
	})
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	if dupErr != nil {
		return -1, dupErr
	}
	if err := unix.SetNonblock(newfd, true); err != nil {
		unix.Close(newfd)
		return -1, err
	}
	return newfd, nil
}

// NewConnPollable dups conn's descriptor and wraps it as a Pollable ready
// for Listen/AwaitReady. The original conn is left open. The caller owns
// the duplicated descriptor in the returned Pollable's Handle and must
// close it; Loop.ClosePollable tears down listeners but does not close it.
func NewConnPollable(conn net.Conn) (*Pollable, error) {
	fd, err := DupFD(conn)
	if err != nil {
		return nil, err
	}
	return NewPollable(fd), nil
}
