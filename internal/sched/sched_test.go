package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kewu1992/pebbles-smp/internal/task"
)

func newThread(tid int) *task.Thread {
	return task.NewThread(tid, nil, 13)
}

func TestGetNextFIFOAndIdleFallback(t *testing.T) {
	idle := newThread(-1)
	sc := New(0, idle)

	got, ok := sc.GetNext(-1)
	require.True(t, ok)
	require.Same(t, idle, got, "empty queue returns the idle thread")

	a, b := newThread(1), newThread(2)
	sc.EnqueueTail(a)
	sc.EnqueueTail(b)

	got, ok = sc.GetNext(-1)
	require.True(t, ok)
	require.Equal(t, 1, got.TID)

	got, ok = sc.GetNext(-1)
	require.True(t, ok)
	require.Equal(t, 2, got.TID)

	got, ok = sc.GetNext(-1)
	require.True(t, ok)
	require.Same(t, idle, got)
}

func TestGetNextByTID(t *testing.T) {
	idle := newThread(-1)
	sc := New(0, idle)
	a, b, c := newThread(1), newThread(2), newThread(3)
	sc.EnqueueTail(a)
	sc.EnqueueTail(b)
	sc.EnqueueTail(c)

	got, ok := sc.GetNext(2)
	require.True(t, ok)
	require.Equal(t, 2, got.TID)
	require.Equal(t, 2, sc.Len())

	_, ok = sc.GetNext(99)
	require.False(t, ok, "yield to an absent tid must report not-found")
}

func TestIsRunnablePreservesQueueOrder(t *testing.T) {
	idle := newThread(-1)
	sc := New(0, idle)
	a, b := newThread(1), newThread(2)
	sc.EnqueueTail(a)
	sc.EnqueueTail(b)

	require.True(t, sc.IsRunnable(1))
	require.True(t, sc.IsRunnable(2))
	require.False(t, sc.IsRunnable(3))

	// RunnableTIDs must reflect the original FIFO order even after the
	// peeking walk inside IsRunnable.
	require.Equal(t, []int{1, 2}, sc.RunnableTIDs())
}
