package syscall

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kewu1992/pebbles-smp/internal/errno"
	"github.com/kewu1992/pebbles-smp/internal/kernel"
	"github.com/kewu1992/pebbles-smp/internal/task"
)

// harness brings up a two-CPU Kernel with a live manager dispatch loop,
// mirroring cmd/kernel's own bring-up but without the tick goroutine or
// idle-wait workloads any actual test here needs.
func harness(t *testing.T) (*kernel.Kernel, *Gate, *task.Thread) {
	t.Helper()
	cfg := kernel.NewConfig(kernel.WithNCPU(2))
	k := kernel.New(cfg, nil)
	k.AddCPU(kernel.ManagerCPU, nil)
	k.AddCPU(1, task.NewThread(-1000, nil, cfg.KStackBits))
	g := New(k)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go g.RunManager(ctx)

	root := k.NewRootTask()
	th := k.NewInitialThread(root)
	th.CPU = 1
	return k, g, th
}

// harnessWithFiles is harness plus a RAM disk pre-seeded with files, for
// exec tests.
func harnessWithFiles(t *testing.T, files map[string][]byte) (*kernel.Kernel, *Gate, *task.Thread) {
	t.Helper()
	cfg := kernel.NewConfig(kernel.WithNCPU(2))
	k := kernel.New(cfg, files)
	k.AddCPU(kernel.ManagerCPU, nil)
	k.AddCPU(1, task.NewThread(-1000, nil, cfg.KStackBits))
	g := New(k)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go g.RunManager(ctx)

	root := k.NewRootTask()
	th := k.NewInitialThread(root)
	th.CPU = 1
	return k, g, th
}

// writeCString maps a page at base (if not already mapped), faults it in,
// and writes s plus a trailing NUL starting at base.
func writeCString(t *testing.T, k *kernel.Kernel, g *Gate, th *task.Thread, base uintptr, s string) {
	t.Helper()
	pd := pdOf(th.Task)
	if _, ok := pd.lookup(base); !ok {
		require.Equal(t, errno.OK, g.NewPages(th, base, k.Cfg.PageSize))
		require.Equal(t, errno.OK, g.PageFault(th, base, true))
	}
	for i, b := range append([]byte(s), 0) {
		require.Equal(t, errno.OK, k.VM.WriteByte(pd, base+uintptr(i), b))
	}
}

func TestExecReplacesTaskImage(t *testing.T) {
	k, g, th := harnessWithFiles(t, map[string][]byte{"prog": []byte("binary-content")})
	base := k.Cfg.UserMemStart
	writeCString(t, k, g, th, base, "prog")

	require.Equal(t, errno.OK, g.Exec(th, base, nil))

	pd := pdOf(th.Task)
	b, err := k.VM.ReadByte(pd, base)
	require.Equal(t, errno.OK, err)
	require.Equal(t, byte('b'), b, "address space must now hold the exec'd file's contents")
}

func TestExecMissingFileIsENOENT(t *testing.T) {
	k, g, th := harnessWithFiles(t, nil)
	base := k.Cfg.UserMemStart
	writeCString(t, k, g, th, base, "nope")

	require.Equal(t, errno.ENOENT, g.Exec(th, base, nil))
}

func TestExecEmptyFileIsENOEXEC(t *testing.T) {
	k, g, th := harnessWithFiles(t, map[string][]byte{"empty": {}})
	base := k.Cfg.UserMemStart
	writeCString(t, k, g, th, base, "empty")

	require.Equal(t, errno.ENOEXEC, g.Exec(th, base, nil))
}

func TestExecOversizedFileIsE2BIG(t *testing.T) {
	k, g, th := harnessWithFiles(t, map[string][]byte{"huge": make([]byte, maxExecImageSize+1)})
	base := k.Cfg.UserMemStart
	writeCString(t, k, g, th, base, "huge")

	require.Equal(t, errno.E2BIG, g.Exec(th, base, nil))
}

func TestExecMultithreadedTaskIsEMORETHR(t *testing.T) {
	k, g, th := harnessWithFiles(t, map[string][]byte{"prog": []byte("x")})
	base := k.Cfg.UserMemStart
	writeCString(t, k, g, th, base, "prog")

	_, err := g.ThreadFork(th, func(*task.Thread) {})
	require.Equal(t, errno.OK, err)

	require.Equal(t, errno.EMORETHR, g.Exec(th, base, nil))
}

func TestExecNonNullTerminatedNameIsEFAULT(t *testing.T) {
	k, g, th := harnessWithFiles(t, nil)
	base := k.Cfg.UserMemStart
	require.Equal(t, errno.OK, g.NewPages(th, base, k.Cfg.PageSize))
	require.Equal(t, errno.OK, g.PageFault(th, base, true))

	pd := pdOf(th.Task)
	for i := 0; i < maxExecNameLen; i++ {
		require.Equal(t, errno.OK, k.VM.WriteByte(pd, base+uintptr(i), 'a'))
	}

	require.Equal(t, errno.EFAULT, g.Exec(th, base, nil))
}

func TestHaltBlocksForeverAndMarksThreadBlocked(t *testing.T) {
	_, g, th := harness(t)

	returned := make(chan struct{})
	go func() {
		g.Halt(th)
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("halt must never return")
	case <-time.After(30 * time.Millisecond):
	}
	require.Equal(t, task.Blocked, th.State())
}

func TestForkWaitVanishRoundTrip(t *testing.T) {
	_, g, parent := harness(t)

	done := make(chan struct{})
	childPid, err := g.Fork(parent, func(child *task.Thread) {
		defer close(done)
		g.Vanish(child, 42)
	})
	require.Equal(t, errno.OK, err)
	require.Greater(t, childPid, parent.Task.Pid)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forked child never vanished")
	}

	pid, status, werr := g.Wait(parent)
	require.Equal(t, errno.OK, werr)
	require.Equal(t, childPid, pid)
	require.Equal(t, 42, status)
}

func TestWaitReturnsECHILDWithNoChildren(t *testing.T) {
	_, g, th := harness(t)
	_, _, err := g.Wait(th)
	require.Equal(t, errno.ECHILD, err)
}

func TestWaitBlocksUntilChildVanishes(t *testing.T) {
	_, g, parent := harness(t)

	release := make(chan struct{})
	childPid, err := g.Fork(parent, func(child *task.Thread) {
		<-release
		g.Vanish(child, 7)
	})
	require.Equal(t, errno.OK, err)

	waitDone := make(chan struct{})
	var gotPid, gotStatus int
	go func() {
		defer close(waitDone)
		gotPid, gotStatus, _ = g.Wait(parent)
	}()

	select {
	case <-waitDone:
		t.Fatal("wait returned before any child had vanished")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-waitDone:
	case <-time.After(time.Second):
		t.Fatal("wait never unblocked after child vanished")
	}
	require.Equal(t, childPid, gotPid)
	require.Equal(t, 7, gotStatus)
}

func TestVanishReparentsChildrenToInit(t *testing.T) {
	k, g, parent := harness(t)

	stopInit := make(chan struct{})
	t.Cleanup(func() { close(stopInit) })
	initPid, err := g.Fork(parent, func(initTh *task.Thread) {
		g.SetInitPCB(initTh)
		<-stopInit // init's task must stay registered for the rest of the test
	})
	require.Equal(t, errno.OK, err)

	// Wait for SET_INIT_PCB to land before forking the grandchild off parent.
	require.Eventually(t, func() bool { return k.InitPid() == initPid }, time.Second, time.Millisecond)

	grandchildPid, err := g.Fork(parent, func(gc *task.Thread) {
		// Stay parked; outlives parent's vanish below.
		var reject int32
		g.Deschedule(gc, &reject)
	})
	require.Equal(t, errno.OK, err)

	g.Vanish(parent, 0)

	gcTask, ok := k.LookupTask(grandchildPid)
	require.True(t, ok)
	require.Equal(t, initPid, gcTask.ParentPid)
}

func TestDescheduleMakeRunnableRoundTrip(t *testing.T) {
	_, g, th := harness(t)

	helperDone := make(chan errno.Errno, 1)
	_, err := g.ThreadFork(th, func(helper *task.Thread) {
		var e errno.Errno
		for {
			e = g.MakeRunnable(helper, th.TID)
			if e == errno.OK {
				break
			}
			runtime.Gosched()
		}
		helperDone <- e
	})
	require.Equal(t, errno.OK, err)

	var reject int32
	derr := g.Deschedule(th, &reject)
	require.Equal(t, errno.OK, derr)
	require.Equal(t, errno.OK, <-helperDone)
}

func TestDescheduleRejectFlagShortCircuits(t *testing.T) {
	_, g, th := harness(t)
	reject := int32(1)

	done := make(chan errno.Errno, 1)
	go func() { done <- g.Deschedule(th, &reject) }()

	select {
	case got := <-done:
		require.Equal(t, errno.OK, got)
	case <-time.After(time.Second):
		t.Fatal("deschedule with a pre-set reject flag should return immediately")
	}
}

func TestMakeRunnableWithNoPendingDescheduleIsETHREAD(t *testing.T) {
	_, g, th := harness(t)
	err := g.MakeRunnable(th, 999999)
	require.Equal(t, errno.ETHREAD, err)
}

func TestConsoleAndCursorRoundTrip(t *testing.T) {
	k, g, th := harness(t)

	require.Equal(t, errno.OK, g.Print(th, "hello"))
	require.Contains(t, k.Console.Output(), "hello")

	require.Equal(t, errno.OK, g.SetCursorPos(th, 2, 5))
	row, col := g.GetCursorPos(th)
	require.Equal(t, 2, row)
	require.Equal(t, 5, col)

	require.Equal(t, errno.OK, g.SetTermColor(th, 3))
}

func TestReadLineBlocksUntilKeyboardDeliversLine(t *testing.T) {
	k, g, th := harness(t)

	got := make(chan string, 1)
	go func() { got <- g.ReadLine(th) }()

	select {
	case <-got:
		t.Fatal("readline returned before any keys were posted")
	case <-time.After(20 * time.Millisecond):
	}

	for _, b := range []byte("hey\n") {
		k.Kbd.PostKey(b)
	}
	select {
	case line := <-got:
		require.Equal(t, "hey", line)
	case <-time.After(time.Second):
		t.Fatal("readline never resolved after a full line was posted")
	}
}
