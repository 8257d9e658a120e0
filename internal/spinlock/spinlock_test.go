package spinlock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpinlockMutualExclusion(t *testing.T) {
	var l Spinlock
	l.Init()

	counter := 0
	const iters = 2000
	done := make(chan struct{})

	go func() {
		for i := 0; i < iters; i++ {
			l.Lock(0)
			counter++
			l.Unlock(0)
		}
		close(done)
	}()
	for i := 0; i < iters; i++ {
		l.Lock(1)
		counter++
		l.Unlock(1)
	}
	<-done

	require.Equal(t, 2*iters, counter)
}

func TestSpinlockHandoff(t *testing.T) {
	var l Spinlock
	l.Init()

	l.Lock(0)
	party1Acquired := make(chan struct{})
	go func() {
		l.Lock(1)
		close(party1Acquired)
		l.Unlock(1)
	}()

	select {
	case <-party1Acquired:
		t.Fatal("party 1 acquired lock while party 0 still held it")
	case <-time.After(20 * time.Millisecond):
	}

	l.Unlock(0)
	select {
	case <-party1Acquired:
	case <-time.After(time.Second):
		t.Fatal("party 1 never acquired lock after handoff")
	}
}
