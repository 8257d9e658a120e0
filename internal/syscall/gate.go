// Package syscall exposes every syscall named in spec.md §6 as a method
// on Gate (SPEC_FULL.md §6: "the syscalls are modeled as exported methods
// on internal/syscall.Gate rather than INT-vector trap gates"). Local
// syscalls execute directly on the calling goroutine; global syscalls
// (fork/wait/vanish/deschedule/make_runnable/console I/O) marshal a
// message and hand it to the manager over internal/bus, per spec.md
// §4.I, "the heart" of the kernel.
package syscall

import (
	"sync"

	"github.com/kewu1992/pebbles-smp/internal/errno"
	"github.com/kewu1992/pebbles-smp/internal/kernel"
	"github.com/kewu1992/pebbles-smp/internal/task"
	"github.com/kewu1992/pebbles-smp/internal/vm"
)

// Gate is the syscall surface bound to one Kernel. Every method takes the
// calling Thread explicitly (standing in for "the trap frame names the
// current thread"). deschedMu/deschedQueue are manager-owned state
// (spec.md §4.I's "manager-side deschedule_queue keyed by req_thr's
// tid"); only RunManager ever touches them, but they are never contended
// since the manager loop is single-goroutine by construction.
type Gate struct {
	K *kernel.Kernel

	deschedMu    sync.Mutex
	deschedQueue map[int]*task.Message
}

func New(k *kernel.Kernel) *Gate {
	return &Gate{K: k, deschedQueue: make(map[int]*task.Message)}
}

func pdOf(t *task.Task) *vm.PageDirectory {
	pd, _ := t.PD.(*vm.PageDirectory)
	return pd
}

// call implements the worker half of a global syscall (spec.md §4.I):
// stamp req_cpu/req_thr, mark the caller BLOCKED, hand the message to the
// manager, and park on its own Reply channel until the manager half
// responds. This is the message-passing "context_switch(SEND_MSG, msg)"
// translated directly into a channel handshake, consistent with
// internal/ctxswitch's own BLOCK/RESUME shape.
func (g *Gate) call(th *task.Thread, msg *task.Message) {
	msg.ReqCPU = th.CPU
	msg.ReqThread = th
	th.SetState(task.Blocked)
	g.K.Bus.WorkerSendMsg(msg)
	<-msg.Reply
	th.SetState(task.Normal)
}

// GetTid implements the gettid syscall.
func (g *Gate) GetTid(th *task.Thread) int { return th.TID }

// Yield implements yield(tid): tid<0 means "yield to anyone". This is a
// purely local operation (no manager round trip, spec.md §4.G, not
// §4.I).
func (g *Gate) Yield(th *task.Thread, tid int) errno.Errno {
	return g.K.Switch.Yield(th, tid)
}

// NewPages implements new_pages(base, length): local to the calling
// task, validated and dispatched straight to internal/vm.
func (g *Gate) NewPages(th *task.Thread, base, length uintptr) errno.Errno {
	pd := pdOf(th.Task)
	err := g.K.VM.NewPages(pd, th.Task.PTLocks, base, length)
	return errno.ToSyscallErr(err)
}

// RemovePages implements remove_pages(base).
func (g *Gate) RemovePages(th *task.Thread, base uintptr) errno.Errno {
	pd := pdOf(th.Task)
	err := g.K.VM.RemovePages(pd, th.Task.PTLocks, base)
	return errno.ToSyscallErr(err)
}

// PageFault lets the caller (a test, or a simulated trap dispatcher)
// drive the page-fault handler for th's task, per spec.md §4.E.
func (g *Gate) PageFault(th *task.Thread, va uintptr, writeFault bool) errno.Errno {
	pd := pdOf(th.Task)
	return errno.ToSyscallErr(g.K.VM.PageFault(pd, th.Task.PTLocks, va, writeFault))
}

// Swexn implements swexn(esp3, eip, arg): registering (or, if esp3==0,
// unregistering) a software-exception handler. newureg adoption is out
// of scope (no literal user register file in this port, see
// SPEC_FULL.md §6); callers wanting that effect just set the fields on
// their own local Thread.Swexn tracking afterward.
func (g *Gate) Swexn(th *task.Thread, esp3, eip, arg uintptr) errno.Errno {
	if esp3 == 0 {
		th.Swexn = task.SwexnReg{}
		return errno.OK
	}
	if err := g.K.VM.CheckMemValidness(pdOf(th.Task), esp3, 4, false, true); err != errno.OK {
		return errno.EINVAL
	}
	th.Swexn = task.SwexnReg{Registered: true, ESP3: esp3, EIP: eip, Arg: arg}
	return errno.OK
}

// Sleep implements sleep(ticks): always returns 0 per spec.md §6.
func (g *Gate) Sleep(th *task.Thread, ticks int) errno.Errno {
	g.K.Sleep(th, ticks)
	return errno.OK
}

// ReadFile implements readfile(name, buf, off): bytes read, or ENOENT for
// a missing file or an offset outside it (spec.md §6, backed by
// internal/devio.RAMDisk per SPEC_FULL.md §6).
func (g *Gate) ReadFile(name string, buf []byte, off int) (int, errno.Errno) {
	return g.K.Disk.ReadFile(name, buf, off)
}

// CheckMemValidness exposes internal/vm.CheckMemValidness directly, for
// syscalls (print, readline buffers) whose pointer-validation this package
// does not otherwise wrap.
func (g *Gate) CheckMemValidness(th *task.Thread, va, maxBytes uintptr, needNullTerm, needWritable bool) errno.Errno {
	return errno.ToSyscallErr(g.K.VM.CheckMemValidness(pdOf(th.Task), va, maxBytes, needNullTerm, needWritable))
}

// Halt implements halt: stops the calling thread permanently and does not
// return (spec.md §6). Blocking forever rather than returning stands in
// for halting the physical CPU in a real kernel.
func (g *Gate) Halt(th *task.Thread) {
	th.SetState(task.Blocked)
	select {}
}
