package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kewu1992/pebbles-smp/internal/task"
)

func TestWorkerSendThenManagerRecv(t *testing.T) {
	b := New(2)
	b.AddWorker(1)

	th := task.NewThread(1, nil, 13)
	msg := task.NewMessage(task.MsgFork, 1, th)

	_, ok := b.ManagerRecvMsg()
	require.False(t, ok)

	b.WorkerSendMsg(msg)
	got, ok := b.ManagerRecvMsg()
	require.True(t, ok)
	require.Same(t, msg, got)
}

func TestManagerSendThenWorkerRecv(t *testing.T) {
	b := New(2)
	b.AddWorker(1)

	th := task.NewThread(1, nil, 13)
	msg := task.NewMessage(task.MsgForkResponse, 1, th)

	b.ManagerSendMsg(msg, 1)
	got, ok := b.WorkerRecvMsg(1)
	require.True(t, ok)
	require.Same(t, msg, got)
}

func TestManagerMailboxFIFOUnderConcurrentWorkers(t *testing.T) {
	const nWorkers = 8
	b := New(nWorkers + 1)
	for i := 1; i <= nWorkers; i++ {
		b.AddWorker(i)
	}

	var wg sync.WaitGroup
	for i := 1; i <= nWorkers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			th := task.NewThread(i, nil, 13)
			for j := 0; j < 50; j++ {
				msg := task.NewMessage(task.MsgYield, i, th)
				msg.Arg0 = int64(j)
				b.WorkerSendMsg(msg)
			}
		}()
	}
	wg.Wait()

	next := make(map[int]int64)
	count := 0
	for {
		msg, ok := b.ManagerRecvMsg()
		if !ok {
			break
		}
		require.Equal(t, next[msg.ReqCPU], msg.Arg0, "messages from one worker must arrive in the order that worker sent them")
		next[msg.ReqCPU]++
		count++
	}
	require.Equal(t, nWorkers*50, count, "every pushed message must be observed exactly once, none lost under concurrent producers")
}

func TestSynchronizeReleasesAllArrivals(t *testing.T) {
	const n = 4
	b := New(n)

	var wg sync.WaitGroup
	arrived := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			b.Synchronize()
			arrived <- id
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("barrier never released all arrivals")
	}
	require.Len(t, arrived, n)
}
