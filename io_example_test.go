package fibev

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// TestSpawnerEchoOverSocketpair demonstrates the raw Machine/Listen path
// with no owning fiber: a SPAWNER listener on one end of a connected
// AF_UNIX socket pair reads whatever arrives and echoes it back, the way a
// passively-driven accept loop or echo server would be written directly
// against the backend.
func TestSpawnerEchoOverSocketpair(t *testing.T) {
	l, err := NewLoop(DefaultOptions)
	require.NoError(t, err)
	defer l.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	clientFD, serverFD := fds[0], fds[1]
	defer unix.Close(clientFD)
	defer unix.Close(serverFD)
	require.NoError(t, unix.SetNonblock(serverFD, true))

	tx := []byte("hello world")
	_, err = unix.Write(clientFD, tx)
	require.NoError(t, err)

	p := NewPollable(serverFD)
	buf := make([]byte, 128)
	var echoed int

	machine := func(lst *listener, ev Event) Status {
		if ev.Kind != KindRead {
			return NotDone
		}
		n, rerr := unix.Read(serverFD, buf)
		if rerr != nil || n == 0 {
			return Done
		}
		unix.Write(serverFD, buf[:n])
		echoed = n
		return Done
	}

	l.Listen(p, nil, machine, MaskRead, nil)
	l.Run()

	rx := make([]byte, len(tx))
	n, err := unix.Read(clientFD, rx)
	require.NoError(t, err)
	require.Equal(t, len(tx), n)
	require.Equal(t, len(tx), echoed)
	require.Equal(t, tx, rx[:n])
}

// TestAwaitReadyOverDuplicatedConn demonstrates the fiber-facing path: a
// real net.Conn accepted from a TCP listener is handed to DupFD/
// NewConnPollable, and a fiber uses AwaitReady to suspend until data
// arrives on the duplicated descriptor.
func TestAwaitReadyOverDuplicatedConn(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, aerr := ln.Accept()
		if aerr == nil {
			accepted <- c
		}
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer clientConn.Close()

	serverConn := <-accepted
	defer serverConn.Close()

	tx := []byte("hello world")
	_, err = clientConn.Write(tx)
	require.NoError(t, err)

	p, err := NewConnPollable(serverConn)
	require.NoError(t, err)
	defer unix.Close(p.Handle)

	l, err := NewLoop(DefaultOptions)
	require.NoError(t, err)
	defer l.Close()

	var received string
	l.Call(func(f *Fiber, args ...any) (any, error) {
		if _, err := l.AwaitReady(f, p, MaskRead); err != nil {
			return nil, err
		}
		buf := make([]byte, 128)
		n, rerr := unix.Read(p.Handle, buf)
		if rerr != nil {
			return nil, rerr
		}
		received = string(buf[:n])
		return nil, nil
	})

	l.Run()
	require.Equal(t, string(tx), received)
}
