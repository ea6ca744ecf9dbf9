package fibev

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTimerHeapOrdersByWhen(t *testing.T) {
	h := make(timerHeap, 0)
	f := NewFiber(func(f *Fiber, args ...any) (any, error) { return nil, nil })
	whens := []int64{30, 10, 20, 5, 25}
	for _, w := range whens {
		addTimeout(&h, &timeout{when: w, fiber: f, schedID: 0})
	}

	var popped []int64
	for h.Len() > 0 {
		popped = append(popped, popTimeout(&h).when)
	}
	require.Equal(t, []int64{5, 10, 20, 25, 30}, popped)
}

func TestTimerHeapPeekDoesNotRemove(t *testing.T) {
	h := make(timerHeap, 0)
	f := NewFiber(func(f *Fiber, args ...any) (any, error) { return nil, nil })
	addTimeout(&h, &timeout{when: 10, fiber: f})
	require.Equal(t, 1, h.Len())
	require.Equal(t, int64(10), h.peek().when)
	require.Equal(t, 1, h.Len())
}

func TestLoopDropsStaleTimeout(t *testing.T) {
	l, err := NewLoop(DefaultOptions)
	require.NoError(t, err)
	defer l.Close()

	f := NewFiber(func(f *Fiber, args ...any) (any, error) { return nil, nil })
	staleSchedID := f.SchedID()
	l.scheduleSignal(f, nil, SigOK) // bumps f's sched_id past staleSchedID

	// A timeout captured at the old epoch must be silently dropped rather
	// than resuming f a second time after it has already completed.
	addTimeout(&l.timers, &timeout{when: nowMS() - 1000, fiber: f, schedID: staleSchedID, isError: true})

	l.Run()
	require.Equal(t, 0, l.timers.Len())
}
