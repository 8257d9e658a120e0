package syscall

import (
	"github.com/kewu1992/pebbles-smp/internal/errno"
	"github.com/kewu1992/pebbles-smp/internal/task"
)

// ThreadFork implements thread_fork: a new thread is added to the
// caller's own task. Purely local (spec.md §6 lists it alongside fork,
// but unlike fork it touches no pid, no PD, and needs no manager
// round-trip, only fork's new-task/new-address-space work does).
// entry is the new thread's body, started with LastResult 0 to mirror
// "0 in new thread, new tid in caller".
func (g *Gate) ThreadFork(parent *task.Thread, entry func(child *task.Thread)) (int, errno.Errno) {
	child := g.K.NewThread(parent.Task)
	child.CPU = parent.CPU
	child.LastResult = 0
	if sc := g.K.Scheduler(parent.CPU); sc != nil {
		sc.EnqueueTail(child)
	}
	go entry(child)
	return child.TID, errno.OK
}

// Fork implements fork: create a new task (one thread), cloning the
// caller's address space (spec.md §4.I FORK). entry is the child
// thread's body; the manager starts it on a worker CPU once the new
// task/PD/TCB are built, seeding LastResult 0 before MAKE_RUNNABLE.
// Returns the new pid to the parent.
func (g *Gate) Fork(parent *task.Thread, entry func(child *task.Thread)) (int, errno.Errno) {
	msg := task.NewMessage(task.MsgFork, parent.CPU, parent)
	msg.ChildEntry = entry
	g.call(parent, msg)
	if errno.Errno(msg.Arg1) != errno.OK {
		return 0, errno.Errno(msg.Arg1)
	}
	return int(msg.Arg0), errno.OK
}

// Wait implements wait: blocks until a child has vanished, or returns
// ECHILD immediately if the caller has no children at all.
func (g *Gate) Wait(th *task.Thread) (pid int, status int, err errno.Errno) {
	msg := task.NewMessage(task.MsgWait, th.CPU, th)
	g.call(th, msg)
	return int(msg.Arg0), int(msg.Arg1), errno.Errno(msg.Arg2)
}

// Vanish implements set_status/vanish's exit plumbing (spec.md §4.I
// VANISH): blocks until the manager confirms teardown is safe
// (VANISH_BACK), then frees this thread's registration. The calling
// goroutine is expected to return immediately afterward, matching "the
// worker must switch away first", there is nothing left running on
// this Thread's behalf once Vanish returns.
func (g *Gate) Vanish(th *task.Thread, status int) {
	msg := task.NewMessage(task.MsgVanish, th.CPU, th)
	msg.Arg0 = int64(status)
	g.call(th, msg)
	g.K.Switch.UnregisterThread(th.TID)
}

// Exec implements exec(name, argv): replaces the calling task's address
// space with name's contents read off the RAM disk (spec.md §6). nameVA is
// a user virtual address, validated as an in-bounds, null-terminated
// string by the manager before anything about the old image is touched
// (spec.md §7's transactional-release policy: a bad name pointer must not
// destroy a still-good one). argv is taken as already-materialized Go
// strings, the same simplification this port already makes for
// thread_fork's child body.
func (g *Gate) Exec(th *task.Thread, nameVA uintptr, argv []string) errno.Errno {
	msg := task.NewMessage(task.MsgExec, th.CPU, th)
	msg.Arg0 = int64(nameVA)
	msg.Argv = argv
	g.call(th, msg)
	return errno.Errno(msg.Arg0)
}

// Deschedule implements deschedule(&flag): blocks unless *reject is
// already nonzero, in which case it returns immediately (spec.md §4.I
// DESCHEDULE's reject check, which prevents a lost wakeup against a
// racing make_runnable).
func (g *Gate) Deschedule(th *task.Thread, reject *int32) errno.Errno {
	msg := task.NewMessage(task.MsgDeschedule, th.CPU, th)
	msg.Flag = reject
	g.call(th, msg)
	return errno.Errno(msg.Arg0)
}

// MakeRunnable implements make_runnable(tid): wakes a thread parked in
// Deschedule by tid, or returns ETHREAD if no such deschedule is
// pending.
func (g *Gate) MakeRunnable(caller *task.Thread, tid int) errno.Errno {
	msg := task.NewMessage(task.MsgMakeRunnable, caller.CPU, caller)
	msg.Arg0 = int64(tid)
	g.call(caller, msg)
	return errno.Errno(msg.Arg0)
}

// Print implements print: writes s to the manager-owned console.
func (g *Gate) Print(th *task.Thread, s string) errno.Errno {
	msg := task.NewMessage(task.MsgPrint, th.CPU, th)
	msg.Str = s
	g.call(th, msg)
	return errno.OK
}

// ReadLine implements readline: blocks until a full line is available
// from the keyboard stand-in.
func (g *Gate) ReadLine(th *task.Thread) string {
	msg := task.NewMessage(task.MsgReadline, th.CPU, th)
	g.call(th, msg)
	return msg.Str
}

// SetCursorPos implements set_cursor_pos.
func (g *Gate) SetCursorPos(th *task.Thread, row, col int) errno.Errno {
	msg := task.NewMessage(task.MsgSetCursorPos, th.CPU, th)
	msg.Arg0, msg.Arg1 = int64(row), int64(col)
	g.call(th, msg)
	return errno.OK
}

// GetCursorPos implements get_cursor_pos.
func (g *Gate) GetCursorPos(th *task.Thread) (int, int) {
	msg := task.NewMessage(task.MsgGetCursorPos, th.CPU, th)
	g.call(th, msg)
	return int(msg.Arg0), int(msg.Arg1)
}

// SetTermColor implements set_term_color.
func (g *Gate) SetTermColor(th *task.Thread, color int) errno.Errno {
	msg := task.NewMessage(task.MsgSetTermColor, th.CPU, th)
	msg.Arg0 = int64(color)
	g.call(th, msg)
	return errno.OK
}

// SetInitPCB registers th's task as init, per spec.md §4.J ("init's PCB
// is registered via SET_INIT_PCB as soon as it is loaded").
func (g *Gate) SetInitPCB(th *task.Thread) errno.Errno {
	msg := task.NewMessage(task.MsgSetInitPCB, th.CPU, th)
	msg.Arg0 = int64(th.Task.Pid)
	g.call(th, msg)
	return errno.OK
}
