package fibev

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFiberContinueReturnsOKOnCompletion(t *testing.T) {
	f := NewFiber(func(f *Fiber, args ...any) (any, error) {
		return 42, nil
	})
	sig, val, err := f.Continue(nil, SigOK)
	require.Equal(t, SigOK, sig)
	require.Equal(t, 42, val)
	require.NoError(t, err)
}

func TestFiberContinueReturnsEventOnAwait(t *testing.T) {
	f := NewFiber(func(f *Fiber, args ...any) (any, error) {
		v, err := f.Await()
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	sig, _, err := f.Continue(nil, SigOK)
	require.Equal(t, SigEvent, sig)
	require.NoError(t, err)

	sig, val, err := f.Continue("resumed", SigOK)
	require.Equal(t, SigOK, sig)
	require.Equal(t, "resumed", val)
	require.NoError(t, err)
}

func TestFiberContinueSurfacesError(t *testing.T) {
	boom := errors.New("boom")
	f := NewFiber(func(f *Fiber, args ...any) (any, error) {
		return nil, boom
	})
	sig, _, err := f.Continue(nil, SigOK)
	require.Equal(t, SigError, sig)
	require.ErrorIs(t, err, boom)
}

func TestFiberCanceledBeforeFirstRun(t *testing.T) {
	f := NewFiber(func(f *Fiber, args ...any) (any, error) {
		t.Fatal("should never run")
		return nil, nil
	})
	sig, _, err := f.Continue(ErrTimeout, SigError)
	require.Equal(t, SigError, sig)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestFiberAwaitPropagatesCancellationError(t *testing.T) {
	f := NewFiber(func(f *Fiber, args ...any) (any, error) {
		_, err := f.Await()
		return nil, err
	})
	sig, _, _ := f.Continue(nil, SigOK)
	require.Equal(t, SigEvent, sig)

	sig, _, err := f.Continue(ErrTimeout, SigError)
	require.Equal(t, SigError, sig)
	require.ErrorIs(t, err, ErrTimeout)
}
