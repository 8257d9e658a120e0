// Package sched implements the per-CPU scheduler (spec.md §4.F): a single
// FIFO ready queue guarded by a lock that callers must hold with "interrupts
// disabled", in this port, simply "do not call back into code that
// blocks while holding it" (see SPEC_FULL.md §5), since Go has no literal
// interrupt vector to disable. Queue nodes are the thread's own
// intrusive Thread.QNode, so scheduling never allocates.
package sched

import (
	"sync"

	"github.com/kewu1992/pebbles-smp/internal/queue"
	"github.com/kewu1992/pebbles-smp/internal/task"
)

// Scheduler is one CPU's ready queue plus its idle thread (spec.md §4.F:
// "if the queue is empty the idle thread (per-CPU) is returned").
type Scheduler struct {
	cpuID int
	mu    sync.Mutex
	runq  queue.Deque
	idle  *task.Thread
}

func New(cpuID int, idle *task.Thread) *Scheduler {
	return &Scheduler{cpuID: cpuID, idle: idle}
}

// EnqueueTail marks t NORMAL and appends it to the ready queue.
func (s *Scheduler) EnqueueTail(t *task.Thread) {
	t.SetState(task.Normal)
	t.CPU = s.cpuID
	s.mu.Lock()
	s.runq.PushTail(&t.QNode)
	s.mu.Unlock()
}

// GetNext implements spec.md §4.F get_next(mode). mode<0 dequeues the
// head (ordinary context switch); mode>=0 removes the thread with that
// tid for a yield-to-tid (nil, false if not present, callers translate
// that to ETHREAD on a local-CPU yield).
func (s *Scheduler) GetNext(mode int) (*task.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n *queue.Node
	if mode < 0 {
		n = s.runq.PopHead()
	} else {
		n = s.runq.RemoveMatch(func(v interface{}) bool {
			return v.(*task.Thread).TID == mode
		})
	}
	if n == nil {
		if mode < 0 {
			return s.idle, true
		}
		return nil, false
	}
	return n.Value().(*task.Thread), true
}

// IsRunnable reports whether tid is currently linked in the ready queue
// (NORMAL and waiting its turn), without removing it. Used by yield-to-tid
// validation, which in this port does not actually dequeue the target; see
// internal/ctxswitch's doc comment on why.
func (s *Scheduler) IsRunnable(tid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.runnableTIDsLocked() {
		if t == tid {
			return true
		}
	}
	return false
}

// runnableTIDsLocked returns the tids currently in the ready queue, head
// to tail, without mutating it. Callers must hold s.mu.
func (s *Scheduler) runnableTIDsLocked() []int {
	var out []int
	// Deque only exposes head access destructively via PopHead, so walk by
	// popping into a scratch slice and pushing back in the same order.
	var popped []*queue.Node
	for {
		n := s.runq.PopHead()
		if n == nil {
			break
		}
		popped = append(popped, n)
		out = append(out, n.Value().(*task.Thread).TID)
	}
	for _, n := range popped {
		n.Set(n.Value()) // no-op, keeps intent explicit before relinking
		s.runq.PushTail(n)
	}
	return out
}

// RunnableTIDs returns a snapshot of tids currently ready on this CPU, used
// by invariant tests (spec.md §8: "T is in exactly one scheduler runnable
// queue").
func (s *Scheduler) RunnableTIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runnableTIDsLocked()
}

// Len reports the number of runnable (non-idle) threads.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runq.Len()
}
