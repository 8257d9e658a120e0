// Package spinlock implements the kernel's lowest-level mutual exclusion
// primitive: a non-recursive, fair, two-party spinlock with direct hand-off,
// following spec.md §4.A. It never blocks on the scheduler and must never be
// held across a call that can suspend the calling flow of control.
package spinlock

import "sync/atomic"

// Spinlock is fair between at most two parties (identified by a 0/1 index,
// e.g. "manager" and "this worker" for a per-CPU mailbox). Direct
// hand-off bounds the waiting party to at most one
// other critical section between successive acquisitions by the same party.
type Spinlock struct {
	available int32
	waiting   [2]int32
}

// Init prepares l for use. Must be called before any Lock/Unlock.
func (l *Spinlock) Init() {
	atomic.StoreInt32(&l.available, 1)
	atomic.StoreInt32(&l.waiting[0], 0)
	atomic.StoreInt32(&l.waiting[1], 0)
}

// Lock acquires the spinlock on behalf of party `self` (0 or 1). Any lock
// taken from both interrupt-equivalent and thread context must be acquired
// with a true caller-side discipline of disabling re-entrancy; in this port
// "interrupts disabled" has no literal meaning (see SPEC_FULL.md §5), so
// callers instead must never call back into code that could recursively
// Lock the same instance.
func (l *Spinlock) Lock(self int) {
	atomic.StoreInt32(&l.waiting[self], 1)
	for atomic.LoadInt32(&l.waiting[self]) != 0 {
		if atomic.SwapInt32(&l.available, 0) != 0 {
			atomic.StoreInt32(&l.waiting[self], 0)
			return
		}
	}
}

// Unlock releases the spinlock held by party `self`, handing off directly to
// the other party if it is waiting rather than making it re-race for
// `available`.
func (l *Spinlock) Unlock(self int) {
	other := 1 - self
	if atomic.LoadInt32(&l.waiting[other]) != 0 {
		atomic.StoreInt32(&l.waiting[other], 0)
		return
	}
	atomic.SwapInt32(&l.available, 1)
}
