// Package ctxswitch implements the context-switch state machine (spec.md
// §4.G): block/make-runnable/resume/yield/send_msg as operations over a
// thread registry and a per-CPU scheduler.
//
// spec.md's switcher saves callee-saved registers and the live ESP onto the
// caller's kernel stack, then restores another thread's. Go gives every
// goroutine its own independent, runtime-managed stack and a true
// concurrent flow of control already, there is no single physical
// instruction stream to save/restore between threads the way a real x86
// CPU has. This port therefore does not hand-roll a CPU dispatch loop that
// re-imposes "only one thread runs per CPU at a time"; instead:
//   - BLOCK/RESUME is a direct channel handshake on the thread's own
//     ResumeCh (Thread.ResumeCh), the Design Notes §9 "message-passing
//     primitive" translation of "send then block awaiting reply".
//   - MAKE_RUNNABLE moves a thread from BLOCKED back onto its CPU's ready
//     queue and signals its ResumeCh.
//   - YIELD(tid) validates tid per spec.md's error contract (ETHREAD if
//     tid is not presently runnable) and then calls runtime.Gosched() so
//     Go's own M:N scheduler, which already generalizes the
//     single-flow-per-CPU model this spec is built on, gives other
//     runnable goroutines, including the target, a chance to run before
//     the caller continues. This is an explicit, documented Open Question
//     resolution (spec.md has no COW-preserving requirement here); see
//     DESIGN.md.
//   - FORK/THREAD_FORK's "pre-seeded child register state" becomes: the
//     child Thread's LastResult is set to 0 before its body goroutine is
//     started, and the value returned to the parent's call site is the
//     new pid/tid, exactly mirroring spec.md's "child: 0, parent: new
//     id" contract without any register plumbing.
package ctxswitch

import (
	"runtime"
	"sync"

	"github.com/kewu1992/pebbles-smp/internal/errno"
	"github.com/kewu1992/pebbles-smp/internal/sched"
	"github.com/kewu1992/pebbles-smp/internal/task"
)

// Switcher is the kernel-wide context switcher. It owns no thread or task
// state itself; it is the operational glue between internal/task's TCBs
// and internal/sched's per-CPU ready queues.
type Switcher struct {
	mu       sync.Mutex
	threads  map[int]*task.Thread
	cpus     map[int]*sched.Scheduler
}

func New() *Switcher {
	return &Switcher{threads: make(map[int]*task.Thread), cpus: make(map[int]*sched.Scheduler)}
}

// AddCPU registers a per-CPU scheduler under cpuID.
func (s *Switcher) AddCPU(cpuID int, sc *sched.Scheduler) {
	s.mu.Lock()
	s.cpus[cpuID] = sc
	s.mu.Unlock()
}

// RegisterThread makes th known to the switcher, so kmutex.Blocker calls
// (which only carry a tid) can resolve it, and so MakeRunnable/Yield can
// find it by tid.
func (s *Switcher) RegisterThread(th *task.Thread) {
	s.mu.Lock()
	s.threads[th.TID] = th
	s.mu.Unlock()
}

// UnregisterThread forgets th (vanish).
func (s *Switcher) UnregisterThread(tid int) {
	s.mu.Lock()
	delete(s.threads, tid)
	s.mu.Unlock()
}

func (s *Switcher) lookup(tid int) *task.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threads[tid]
}

// Lookup resolves tid to its registered Thread, or nil if unknown. Exposed
// for internal/kernel and internal/syscall, which need thread lookups
// outside of the block/wake/yield operations above.
func (s *Switcher) Lookup(tid int) *task.Thread { return s.lookup(tid) }

func (s *Switcher) schedulerFor(cpuID int) *sched.Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cpus[cpuID]
}

// Block implements OP_BLOCK: the caller has already set th's state to
// BLOCKED (or does so here) and parks until a matching MakeRunnable/
// WakeWaiter call signals th.ResumeCh.
func (s *Switcher) Block(th *task.Thread) {
	th.SetState(task.Blocked)
	<-th.ResumeCh
}

// MakeRunnable implements OP_MAKE_RUNNABLE for the make_runnable(tid)
// syscall: it only succeeds against a thread presently BLOCKED (spec.md
// §8: a second make_runnable before the target deschedules again returns
// ETHREAD), moving it back onto its CPU's ready queue and waking it.
func (s *Switcher) MakeRunnable(tid int) errno.Errno {
	th := s.lookup(tid)
	if th == nil || th.State() != task.Blocked {
		return errno.ETHREAD
	}
	sc := s.schedulerFor(th.CPU)
	th.SetState(task.MadeRunnable)
	if sc != nil {
		sc.EnqueueTail(th)
	} else {
		th.SetState(task.Normal)
	}
	nonBlockingSignal(th.ResumeCh)
	return errno.OK
}

// Yield implements OP_YIELD / the yield(tid) syscall. tid<0 means "yield
// to anyone"; see the package doc comment for why this degrades to
// runtime.Gosched() rather than a hand-rolled dispatch.
func (s *Switcher) Yield(caller *task.Thread, tid int) errno.Errno {
	if tid < 0 {
		runtime.Gosched()
		return errno.OK
	}
	if tid == caller.TID {
		runtime.Gosched()
		return errno.OK
	}
	sc := s.schedulerFor(caller.CPU)
	target := s.lookup(tid)
	if target == nil || sc == nil || !schedulerHasTarget(sc, target) {
		return errno.ETHREAD
	}
	runtime.Gosched()
	return errno.OK
}

func schedulerHasTarget(sc *sched.Scheduler, target *task.Thread) bool {
	return sc.IsRunnable(target.TID) || target.State() == task.Normal
}

// BlockSelf implements kmutex.Blocker.
func (s *Switcher) BlockSelf(tid int) {
	th := s.lookup(tid)
	if th == nil {
		panic("ctxswitch: BlockSelf of unknown tid")
	}
	s.Block(th)
}

// WakeWaiter implements kmutex.Blocker: a mutex hand-off wakes a specific
// waiter unconditionally (it is known to be blocked, by construction of
// the mutex's waiter deque).
func (s *Switcher) WakeWaiter(tid int, owner interface{}) {
	th, _ := owner.(*task.Thread)
	if th == nil {
		th = s.lookup(tid)
	}
	sc := s.schedulerFor(th.CPU)
	th.SetState(task.Normal)
	if sc != nil {
		sc.EnqueueTail(th)
	}
	nonBlockingSignal(th.ResumeCh)
}

func nonBlockingSignal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
