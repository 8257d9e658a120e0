package syscall

import (
	"context"
	"runtime"

	"github.com/kewu1992/pebbles-smp/internal/errno"
	"github.com/kewu1992/pebbles-smp/internal/kernel"
	"github.com/kewu1992/pebbles-smp/internal/task"
	"github.com/kewu1992/pebbles-smp/internal/vm"
)

// RunManager is the manager CPU's dispatch loop (spec.md §4.I): it spins
// on the bus's manager mailbox and dispatches every message by type.
// Never blocks and never calls user code, per spec.md §5.
func (g *Gate) RunManager(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		msg, ok := g.K.Bus.ManagerRecvMsg()
		if !ok {
			runtime.Gosched()
			continue
		}
		g.dispatch(msg)
	}
}

func (g *Gate) dispatch(msg *task.Message) {
	switch msg.Type {
	case task.MsgFork:
		g.handleFork(msg)
	case task.MsgWait:
		g.handleWait(msg)
	case task.MsgVanish:
		g.handleVanish(msg)
	case task.MsgExec:
		g.handleExec(msg)
	case task.MsgDeschedule:
		g.handleDeschedule(msg)
	case task.MsgMakeRunnable:
		g.handleMakeRunnable(msg)
	case task.MsgPrint:
		g.K.Console.Print(msg.Str)
		close(msg.Reply)
	case task.MsgReadline:
		g.handleReadline(msg)
	case task.MsgSetCursorPos:
		g.K.Console.SetCursorPos(int(msg.Arg0), int(msg.Arg1))
		close(msg.Reply)
	case task.MsgGetCursorPos:
		row, col := g.K.Console.GetCursorPos()
		msg.Arg0, msg.Arg1 = int64(row), int64(col)
		close(msg.Reply)
	case task.MsgSetTermColor:
		g.K.Console.SetTermColor(int(msg.Arg0))
		close(msg.Reply)
	case task.MsgSetInitPCB:
		g.K.SetInitPid(int(msg.Arg0))
		close(msg.Reply)
	default:
		close(msg.Reply)
	}
}

// handleFork implements spec.md §4.I FORK: allocate a pid, clone_pd on
// the manager CPU, create the child's TCB on a destination worker, and
// reply FORK_RESPONSE to the parent before making the child runnable
// (ordering guarantee 4: the child must not be observable-runnable
// before the parent has its new pid).
func (g *Gate) handleFork(msg *task.Message) {
	parent := msg.ReqThread
	parentTask := parent.Task
	parentPD, _ := parentTask.PD.(*vm.PageDirectory)

	childPD, err := g.K.VM.ClonePD(parentPD)
	if err != errno.OK {
		msg.Arg1 = int64(errno.ToSyscallErr(err))
		close(msg.Reply)
		return
	}

	child := g.K.NewTask(parentTask.Pid)
	child.PD = childPD
	parentTask.AddChild(child.Pid)

	destCPU := g.K.NextWorkerCPU()
	childTh := g.K.NewInitialThread(child)
	childTh.CPU = destCPU
	childTh.LastResult = 0

	parentTask.Wait.Mu.Lock(kernel.ManagerTID, g.K.ManagerNode(), g.K)
	parentTask.Wait.NumAliveChildren++
	parentTask.Wait.Mu.Unlock(g.K)

	msg.Arg0 = int64(child.Pid)
	msg.Arg1 = int64(errno.OK)
	close(msg.Reply)

	if sc := g.K.Scheduler(destCPU); sc != nil {
		sc.EnqueueTail(childTh)
	}
	if msg.ChildEntry != nil {
		go msg.ChildEntry(childTh)
	}
}

// handleWait implements spec.md §4.I WAIT.
func (g *Gate) handleWait(msg *task.Message) {
	parentTask := msg.ReqThread.Task

	parentTask.Wait.Mu.Lock(kernel.ManagerTID, g.K.ManagerNode(), g.K)
	n := parentTask.Wait.ZombieList.PopHead()
	if n != nil {
		parentTask.Wait.NumZombieChildren--
	}
	noChildren := parentTask.Wait.NumAliveChildren == 0 && parentTask.Wait.NumZombieChildren == 0 && n == nil
	if n == nil && !noChildren {
		parentTask.Wait.Queue.PushTail(&msg.Node)
	}
	parentTask.Wait.Mu.Unlock(g.K)

	if n != nil {
		zn := n.Value().(*task.ExitStatusNode)
		msg.Arg0 = int64(zn.Pid)
		msg.Arg1 = int64(zn.Status)
		msg.Arg2 = int64(errno.OK)
		close(msg.Reply)
		return
	}
	if noChildren {
		msg.Arg2 = int64(errno.ECHILD)
		close(msg.Reply)
		return
	}
	// Queued: handleVanish below will pop this message and reply once a
	// child vanishes.
}

// handleVanish implements spec.md §4.I VANISH.
func (g *Gate) handleVanish(msg *task.Message) {
	th := msg.ReqThread
	t := th.Task

	if remaining := t.RemoveThread(); remaining > 0 {
		close(msg.Reply)
		return
	}

	t.OwnExitStatus.Status = int(msg.Arg0)
	parentPid := t.ParentPid

	if parent, ok := g.K.LookupTask(parentPid); ok {
		parent.RemoveChild(t.Pid)
		g.reparentChildren(t, g.K.InitPid())

		parent.Wait.Mu.Lock(kernel.ManagerTID, g.K.ManagerNode(), g.K)
		parent.Wait.ZombieList.PushTail(&t.OwnExitStatus.Node)
		parent.Wait.NumAliveChildren--
		parent.Wait.NumZombieChildren++
		var waiter *task.Message
		if wn := parent.Wait.Queue.PopHead(); wn != nil {
			waiter = wn.Value().(*task.Message)
			if zn := parent.Wait.ZombieList.PopHead(); zn != nil {
				parent.Wait.NumZombieChildren--
				z := zn.Value().(*task.ExitStatusNode)
				waiter.Arg0 = int64(z.Pid)
				waiter.Arg1 = int64(z.Status)
				waiter.Arg2 = int64(errno.OK)
			}
		}
		parent.Wait.Mu.Unlock(g.K)

		if waiter != nil {
			close(waiter.Reply)
		}
	} else {
		g.reparentChildren(t, g.K.InitPid())
	}

	if pd := pdOf(t); pd != nil {
		g.K.VM.FreePD(pd)
	}
	g.K.RemoveTask(t.Pid)
	close(msg.Reply)
}

// reparentChildren moves every child of t onto newParentPid, which
// handleVanish always passes as init's pid (reparenting to init is
// mandatory per spec.md §4.J), whether or not t's own parent is still
// registered.
func (g *Gate) reparentChildren(t *task.Task, newParentPid int) {
	newParent, ok := g.K.LookupTask(newParentPid)
	for _, childPid := range t.Children() {
		child, exists := g.K.LookupTask(childPid)
		if !exists {
			continue
		}
		child.ParentPid = newParentPid
		t.RemoveChild(childPid)
		if ok {
			newParent.AddChild(childPid)
		}
	}
}

// maxExecNameLen bounds exec's name argument (spec.md §6 ENAMETOOLONG).
// maxExecImageSize bounds how large a RAM-disk file exec will load
// (spec.md §6 E2BIG: "binary ... too large").
const (
	maxExecNameLen   = 256
	maxExecImageSize = 1 << 20
)

// handleExec implements spec.md §6 exec(name, argv): tear down the calling
// task's address space and replace it with name's contents read off the
// RAM disk. Only a single-threaded task may exec (EMORETHR otherwise,
// spec.md's own error set for this syscall); name is walked as a
// null-terminated user string via check_mem_validness before the old image
// is touched, so a bad name pointer never destroys a still-good one.
func (g *Gate) handleExec(msg *task.Message) {
	t := msg.ReqThread.Task
	pd := pdOf(t)

	if t.NumThreads() > 1 {
		msg.Arg0 = int64(errno.EMORETHR)
		close(msg.Reply)
		return
	}

	nameVA := uintptr(msg.Arg0)
	if err := g.K.VM.CheckMemValidness(pd, nameVA, maxExecNameLen, true, false); err != errno.OK {
		msg.Arg0 = int64(errno.ToSyscallErr(err))
		close(msg.Reply)
		return
	}
	name, err := g.readCString(pd, nameVA, maxExecNameLen)
	if err != errno.OK {
		msg.Arg0 = int64(errno.ToSyscallErr(err))
		close(msg.Reply)
		return
	}

	size, ok := g.K.Disk.Stat(name)
	if !ok {
		msg.Arg0 = int64(errno.ENOENT)
		close(msg.Reply)
		return
	}
	if size == 0 {
		msg.Arg0 = int64(errno.ENOEXEC)
		close(msg.Reply)
		return
	}
	if size > maxExecImageSize {
		msg.Arg0 = int64(errno.E2BIG)
		close(msg.Reply)
		return
	}

	content := make([]byte, size)
	n, rerr := g.K.Disk.ReadFile(name, content, 0)
	if rerr != errno.OK || n != size {
		msg.Arg0 = int64(errno.ENOEXEC)
		close(msg.Reply)
		return
	}

	pageSize := g.K.Cfg.PageSize
	npages := (uintptr(len(content)) + pageSize - 1) / pageSize
	base := g.K.Cfg.UserMemStart

	// Point of no return: the old image is gone regardless of whether the
	// new one fits. A real kernel would kill the task outright on a
	// failure here rather than leave it runnable with an empty address
	// space; this port has no separate kill path distinct from vanish, so
	// it just surfaces the allocator's error to the caller instead.
	g.K.VM.FreePD(pd)
	if err := g.K.VM.NewRegion(pd, t.PTLocks, base, npages*pageSize, true, false, false); err != errno.OK {
		msg.Arg0 = int64(errno.ToSyscallErr(err))
		close(msg.Reply)
		return
	}
	for i, b := range content {
		g.K.VM.WriteByte(pd, base+uintptr(i), b)
	}

	msg.Arg0 = int64(errno.OK)
	close(msg.Reply)
}

// readCString copies up to limit bytes of a null-terminated user string
// starting at va into a Go string. Callers must have already confirmed a
// terminator exists within limit via CheckMemValidness; an unfaulted ZFOD
// byte along the way reads as the zero that check already accounted for.
func (g *Gate) readCString(pd *vm.PageDirectory, va uintptr, limit int) (string, errno.Errno) {
	buf := make([]byte, 0, limit)
	for i := 0; i < limit; i++ {
		b, err := g.K.VM.ReadByte(pd, va+uintptr(i))
		if err == errno.ErrPageNotAlloc {
			break
		}
		if err != errno.OK {
			return "", err
		}
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf), errno.OK
}

// handleDeschedule implements spec.md §4.I DESCHEDULE: the reject check
// happens here, under the manager's serialization, so it can never race
// a concurrent make_runnable the way a check performed before the
// message even reached the manager could.
func (g *Gate) handleDeschedule(msg *task.Message) {
	if msg.Flag != nil && *msg.Flag != 0 {
		msg.Arg0 = int64(errno.OK)
		close(msg.Reply)
		return
	}
	g.deschedMu.Lock()
	g.deschedQueue[msg.ReqThread.TID] = msg
	g.deschedMu.Unlock()
}

// handleMakeRunnable implements spec.md §4.I MAKE_RUNNABLE.
func (g *Gate) handleMakeRunnable(msg *task.Message) {
	tid := int(msg.Arg0)
	g.deschedMu.Lock()
	pending, found := g.deschedQueue[tid]
	if found {
		delete(g.deschedQueue, tid)
	}
	g.deschedMu.Unlock()

	if !found {
		msg.Arg0 = int64(errno.ETHREAD)
		close(msg.Reply)
		return
	}
	pending.Arg0 = int64(errno.OK)
	close(pending.Reply)
	msg.Arg0 = int64(errno.OK)
	close(msg.Reply)
}

// handleReadline implements spec.md §4.I console READLINE: it blocks the
// requester until the keyboard stand-in assembles a line.
func (g *Gate) handleReadline(msg *task.Message) {
	g.K.Kbd.ReadLine(func(line string) {
		msg.Str = line
		close(msg.Reply)
	})
}
