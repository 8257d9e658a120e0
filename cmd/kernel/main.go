// Command kernel boots a Kernel, brings up the manager CPU alongside a
// handful of worker CPUs, and runs init: a small demo workload exercising
// fork/wait, deschedule/make_runnable, and the console, the way biscuit's
// own main() execs bin/init once devices and CPUs are up.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/kewu1992/pebbles-smp/internal/errno"
	"github.com/kewu1992/pebbles-smp/internal/kernel"
	"github.com/kewu1992/pebbles-smp/internal/klog"
	"github.com/kewu1992/pebbles-smp/internal/syscall"
	"github.com/kewu1992/pebbles-smp/internal/task"
)

func main() {
	fmt.Printf("              pebbles-smp\n")
	fmt.Printf("          go version: %v\n", runtime.Version())

	log := klog.New()
	defer log.Sync()

	cfg := kernel.NewConfig(
		kernel.WithNCPU(4),
		kernel.WithLogger(log),
	)
	k := kernel.New(cfg, nil)
	gate := syscall.New(k)

	for cpuID := 0; cpuID < cfg.NCPU; cpuID++ {
		var idle *task.Thread
		if cpuID != kernel.ManagerCPU {
			idle = task.NewThread(-1000-cpuID, nil, cfg.KStackBits)
		}
		k.AddCPU(cpuID, idle)
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				k.Tick()
			}
		}
	}()

	workloads := map[int]func(context.Context) error{
		kernel.ManagerCPU: gate.RunManager,
	}
	for cpuID := 1; cpuID < cfg.NCPU; cpuID++ {
		cpuID := cpuID
		workloads[cpuID] = func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}
	}
	workloads[1] = func(ctx context.Context) error {
		runInit(k, gate, 1)
		cancel()
		return nil
	}

	log.Infow("booting", "ncpu", cfg.NCPU)
	if err := k.Run(ctx, workloads); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "kernel: %v\n", err)
		os.Exit(1)
	}

	fmt.Print(k.Console.Output())
}

// runInit is init's body: it forks a handful of children that each exit
// 42, reaps every one via wait, then demonstrates
// deschedule/make_runnable before handing control back to main. This
// mirrors spec.md §8 scenarios 1 and 2 at demo scale rather than the
// thousand-iteration stress count the real test suite uses.
func runInit(k *kernel.Kernel, gate *syscall.Gate, cpuID int) {
	root := k.NewRootTask()
	th := k.NewInitialThread(root)
	th.CPU = cpuID

	if err := gate.SetInitPCB(th); err != errno.OK {
		gate.Print(th, fmt.Sprintf("init: SET_INIT_PCB failed: %v\n", err))
		return
	}

	const children = 5
	lastStatus := -1
	for i := 0; i < children; i++ {
		done := make(chan struct{})
		pid, err := gate.Fork(th, func(child *task.Thread) {
			defer close(done)
			gate.Vanish(child, 42)
		})
		if err != errno.OK {
			gate.Print(th, fmt.Sprintf("init: fork failed: %v\n", err))
			return
		}
		<-done

		gotPid, status, werr := gate.Wait(th)
		if werr != errno.OK || gotPid != pid {
			gate.Print(th, fmt.Sprintf("init: wait mismatch: got pid=%d err=%v, want pid=%d\n", gotPid, werr, pid))
			return
		}
		lastStatus = status
	}
	gate.Print(th, fmt.Sprintf("init: reaped %d children, last status=%d\n", children, lastStatus))

	// A helper thread (its own tid, so it can carry its own outstanding
	// MAKE_RUNNABLE message independently of th's outstanding DESCHEDULE
	// one) retries make_runnable until it lands, which can only happen
	// once the manager has actually queued th's deschedule.
	helperDone := make(chan struct{})
	gate.ThreadFork(th, func(helper *task.Thread) {
		defer close(helperDone)
		for {
			if err := gate.MakeRunnable(helper, th.TID); err == errno.OK {
				return
			}
			runtime.Gosched()
		}
	})
	var reject int32 = 0
	if err := gate.Deschedule(th, &reject); err != errno.OK {
		gate.Print(th, fmt.Sprintf("init: deschedule failed: %v\n", err))
	}
	<-helperDone

	gate.Print(th, "init: demo complete\n")
}
