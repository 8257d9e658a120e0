// Package kernel ties every subsystem into the single root value Design
// Notes §9 calls for instead of ambient globals (SPEC_FULL.md GLOSSARY:
// "Kernel"): pid/tid allocation and lookup, task lifecycle (fork/vanish/
// reparenting), the frame pool, the VM manager, the context switcher, the
// message bus, and the device stand-ins, all reachable from one value
// threaded down through cmd/kernel and every test.
package kernel

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kewu1992/pebbles-smp/internal/bus"
	"github.com/kewu1992/pebbles-smp/internal/ctxswitch"
	"github.com/kewu1992/pebbles-smp/internal/devio"
	"github.com/kewu1992/pebbles-smp/internal/frame"
	"github.com/kewu1992/pebbles-smp/internal/klog"
	"github.com/kewu1992/pebbles-smp/internal/queue"
	"github.com/kewu1992/pebbles-smp/internal/sched"
	"github.com/kewu1992/pebbles-smp/internal/task"
	"github.com/kewu1992/pebbles-smp/internal/vm"
)

// Kernel is the root value: every subsystem hangs off of it, and every
// syscall.Gate method operates against one.
type Kernel struct {
	Cfg Config
	Log *klog.Logger

	Pool    *frame.Pool
	VM      *vm.Manager
	Switch  *ctxswitch.Switcher
	Bus     *bus.Bus
	Console *devio.Console
	Kbd     *devio.Keyboard
	Disk    *devio.RAMDisk

	// nextID is shared by AllocPid and AllocTid: pids and tids are drawn
	// from one id space, so a freshly forked task's sole thread can reuse
	// its task's pid as its own tid (spec.md §8 scenario 2: "returned pid
	// == observed tid") without two independent counters ever colliding.
	nextID     int64
	nextWorker int64

	tasksMu sync.Mutex
	tasks   *queue.HashTable[int, *task.Task]

	schedMu sync.Mutex
	cpus    map[int]*sched.Scheduler

	initPid int64 // 0 until SET_INIT_PCB; atomic

	tickMu   sync.Mutex
	tick     uint64
	sleepers queue.PQueue

	// managerNode is the manager pseudo-thread's own intrusive node, used
	// the one time it takes a kmutex.Mutex directly (Task.Wait.Mu). It is
	// never actually linked: the manager is single-goroutine, so its
	// Wait.Mu.Lock calls are always uncontended and never push this node
	// onto a waiter deque.
	managerNode queue.Node
}

// ManagerTID is the pseudo-tid the manager goroutine uses when it takes
// a kmutex.Mutex directly (Task.Wait.Mu), per spec.md §4.I ("under the
// parent PCB's wait mutex"). No real thread owns this id.
const ManagerTID = -1

// GetTID implements kmutex.TIDer for the manager pseudo-thread.
func (k *Kernel) GetTID() int { return ManagerTID }

// ManagerNode returns the manager's own intrusive node for Wait.Mu.Lock.
func (k *Kernel) ManagerNode() *queue.Node {
	k.managerNode.Set(k)
	return &k.managerNode
}

// BlockSelf implements kmutex.Blocker for the manager pseudo-thread. It
// must never actually be called: the manager never contends Wait.Mu
// against itself.
func (k *Kernel) BlockSelf(tid int) {
	panic("kernel: manager must never block on its own wait-mutex acquisition")
}

// WakeWaiter implements kmutex.Blocker for the manager pseudo-thread. Only
// reachable if some other party were waiting on a mutex the manager
// unlocks, which never happens for Wait.Mu in this design (only the
// manager ever locks it).
func (k *Kernel) WakeWaiter(tid int, owner interface{}) {
	panic("kernel: no party ever waits on the manager's own mutex acquisitions")
}

type tickMarker struct{ wake uint64 }

func sleepLess(a, b interface{}) bool { return wakeOf(a) < wakeOf(b) }

func wakeOf(v interface{}) uint64 {
	switch t := v.(type) {
	case *task.Thread:
		return t.WakeupTick
	case *tickMarker:
		return t.wake
	}
	return 0
}

// New builds a Kernel for cfg. Callers still need to call AddCPU for every
// core id (manager included, so its scheduler exists for idle bookkeeping)
// before calling Run.
func New(cfg Config, files map[string][]byte) *Kernel {
	pool := frame.New(cfg.NumFrames, cfg.PageSize, cfg.UserMemStart)
	vmMgr := vm.New(vm.Config{
		PageSize:     cfg.PageSize,
		UserMemStart: cfg.UserMemStart,
		UserMemEnd:   cfg.UserMemEnd,
		NumPTPerLock: cfg.NumPTPerLock,
	}, pool)

	k := &Kernel{
		Cfg:     cfg,
		Log:     cfg.Logger,
		Pool:    pool,
		VM:      vmMgr,
		Switch:  ctxswitch.New(),
		Bus:     bus.New(cfg.NCPU),
		Console: &devio.Console{},
		Kbd:     &devio.Keyboard{},
		Disk:    devio.NewRAMDisk(files),
		tasks:   queue.NewHashTable[int, *task.Task](cfg.PidBuckets),
		cpus:    make(map[int]*sched.Scheduler),
	}
	k.sleepers.Init(sleepLess)
	return k
}

// AddCPU registers cpuID's scheduler (idle is the thread returned when its
// ready queue is empty) and, for worker cores, a bus mailbox.
func (k *Kernel) AddCPU(cpuID int, idle *task.Thread) *sched.Scheduler {
	sc := sched.New(cpuID, idle)
	k.schedMu.Lock()
	k.cpus[cpuID] = sc
	k.schedMu.Unlock()
	k.Switch.AddCPU(cpuID, sc)
	if cpuID != ManagerCPU {
		k.Bus.AddWorker(cpuID)
	}
	return sc
}

// NextWorkerCPU round-robins across worker CPUs (1..NCPU-1) for fork's
// "destination worker (round-robin or originator)" placement choice
// (spec.md §4.I).
func (k *Kernel) NextWorkerCPU() int {
	if k.Cfg.NCPU <= 1 {
		return ManagerCPU
	}
	n := atomic.AddInt64(&k.nextWorker, 1) - 1
	return ManagerCPU + 1 + int(n%int64(k.Cfg.NCPU-1))
}

// Scheduler returns cpuID's scheduler, or nil if never added.
func (k *Kernel) Scheduler(cpuID int) *sched.Scheduler {
	k.schedMu.Lock()
	defer k.schedMu.Unlock()
	return k.cpus[cpuID]
}

// AllocPid draws the next pid from the shared id counter (spec.md §4.J,
// init=1).
func (k *Kernel) AllocPid() int { return int(atomic.AddInt64(&k.nextID, 1)) }

// AllocTid draws the next tid from the same shared id counter as
// AllocPid, so it can never reissue a number a task's initial thread
// already borrowed via NewInitialThread.
func (k *Kernel) AllocTid() int { return int(atomic.AddInt64(&k.nextID, 1)) }

// RegisterTask makes t findable by pid.
func (k *Kernel) RegisterTask(t *task.Task) {
	k.tasksMu.Lock()
	k.tasks.Put(t.Pid, t)
	k.tasksMu.Unlock()
}

// LookupTask resolves pid to its Task, or (nil, false) if unknown (e.g.
// already reaped).
func (k *Kernel) LookupTask(pid int) (*task.Task, bool) {
	k.tasksMu.Lock()
	defer k.tasksMu.Unlock()
	return k.tasks.Get(pid)
}

// RemoveTask forgets pid's Task entirely, once it has been fully reaped.
func (k *Kernel) RemoveTask(pid int) {
	k.tasksMu.Lock()
	k.tasks.Delete(pid)
	k.tasksMu.Unlock()
}

// SetInitPid records init's pid, per spec.md §4.J's SET_INIT_PCB.
func (k *Kernel) SetInitPid(pid int) { atomic.StoreInt64(&k.initPid, int64(pid)) }

// InitPid returns init's pid, or 0 if SET_INIT_PCB has not yet run.
func (k *Kernel) InitPid() int { return int(atomic.LoadInt64(&k.initPid)) }

// NewTask allocates a PCB with a fresh pid, registers it, and returns it.
// parentPid is 0 for the very first task (init).
func (k *Kernel) NewTask(parentPid int) *task.Task {
	t := task.NewTask(k.AllocPid(), parentPid, k.Cfg.NumPTLocksPerTask)
	k.RegisterTask(t)
	return t
}

// NewRootTask allocates the very first task (no parent, no fork/clone_pd
// involved) with a fresh empty address space. Every other task is
// created by handleFork's clone_pd path instead.
func (k *Kernel) NewRootTask() *task.Task {
	t := k.NewTask(0)
	t.PD = vm.NewPageDirectory()
	return t
}

// NewThread allocates a TCB for task t with a fresh tid, registers it with
// the context switcher, and returns it. Use this for every thread after a
// task's first (thread_fork); use NewInitialThread for a task's first.
func (k *Kernel) NewThread(t *task.Task) *task.Thread {
	th := task.NewThread(k.AllocTid(), t, k.Cfg.KStackBits)
	t.AddThread()
	k.Switch.RegisterThread(th)
	return th
}

// NewInitialThread allocates the sole thread a task has at the moment it
// is created (root task at boot, or a freshly forked child), reusing t's
// own pid as the thread's tid instead of drawing a separate one. This is
// what makes spec.md §8 scenario 2 hold: "pid = fork(); child: exit(
// gettid()); parent: wait(&s) ⇒ returned pid == observed tid == s".
func (k *Kernel) NewInitialThread(t *task.Task) *task.Thread {
	th := task.NewThread(t.Pid, t, k.Cfg.KStackBits)
	t.AddThread()
	k.Switch.RegisterThread(th)
	return th
}

// Sleep implements the sleep(ticks) local syscall: the calling thread is
// parked until ticks kernel ticks have elapsed (spec.md §5 "Cancellation &
// timeouts": "sleep(ticks) uses a priority queue keyed by wakeup tick").
func (k *Kernel) Sleep(th *task.Thread, ticks int) {
	if ticks <= 0 {
		return
	}
	k.tickMu.Lock()
	th.WakeupTick = k.tick + uint64(ticks)
	k.sleepers.Insert(&th.SleepNode)
	k.tickMu.Unlock()
	k.Switch.Block(th)
}

// Tick advances the kernel's logical clock by one and wakes every thread
// whose sleep deadline has arrived, the per-CPU timer-interrupt's job in
// spec.md's design.
func (k *Kernel) Tick() {
	k.tickMu.Lock()
	k.tick++
	due := k.sleepers.DrainLessEqual(&tickMarker{wake: k.tick})
	k.tickMu.Unlock()
	for _, n := range due {
		th := n.Value().(*task.Thread)
		k.Switch.WakeWaiter(th.TID, th)
	}
}

// Run brings every registered CPU's goroutine up via synchronize(), runs
// workloads[cpuID] on each (e.g. the manager's dispatch loop on the
// manager CPU), and returns once every workload returns or
// ctx is canceled, grounded on golang.org/x/sync/errgroup's "first error
// cancels the group" shape for coordinated shutdown (SPEC_FULL.md §2
// domain stack).
func (k *Kernel) Run(ctx context.Context, workloads map[int]func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for cpuID, fn := range workloads {
		cpuID, fn := cpuID, fn
		g.Go(func() error {
			k.Bus.Synchronize()
			k.Log.Debugw("cpu online", "cpu", cpuID)
			return fn(gctx)
		})
	}
	return g.Wait()
}
