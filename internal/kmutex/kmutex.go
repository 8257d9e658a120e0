// Package kmutex implements the kernel's blocking mutex (spec.md §4.C): a
// sleep lock layered over a spinlock and the scheduler, with direct
// hand-off to the next waiter (no thundering herd, no barging).
package kmutex

import (
	"github.com/kewu1992/pebbles-smp/internal/queue"
	"github.com/kewu1992/pebbles-smp/internal/spinlock"
)

const (
	destroyed = -2
	available = -1
)

// Blocker decouples kmutex from the scheduler/context-switcher so that
// internal/task (which embeds kmutex.Mutex in Task.Wait)
// never has to import the scheduling packages. internal/ctxswitch supplies
// the real implementation; tests can supply a trivial goroutine-parking one.
type Blocker interface {
	// BlockSelf suspends the calling flow of control (identified by tid)
	// until a later WakeWaiter(tid) call for the same tid returns. Called
	// after the mutex's inner spinlock has already been released, per
	// spec.md §4.C ("release spinlock atomically with the block").
	BlockSelf(tid int)
	// WakeWaiter makes the flow of control identified by tid runnable
	// again. owner is the value previously stored in the waiter's
	// queue.Node (Value()), so the scheduler can recover its own TCB type.
	WakeWaiter(tid int, owner interface{})
}

// Mutex is a blocking, handoff mutex. Zero value is not ready; call Init.
type Mutex struct {
	inner   spinlock.Spinlock
	holder  int // destroyed(-2), available(-1), or tid of holder
	waiters queue.Deque
}

// Init prepares m for use.
func (m *Mutex) Init() {
	m.inner.Init()
	m.holder = available
}

// Holder returns the tid currently holding m, or -1/-2 per the states above.
func (m *Mutex) Holder() int {
	m.inner.Lock(0)
	h := m.holder
	m.inner.Unlock(0)
	return h
}

// Lock acquires m on behalf of tid self, blocking via b if already held.
// selfNode is the caller's own intrusive queue node (e.g. &thread.QNode),
// not currently linked into any other queue.
func (m *Mutex) Lock(self int, selfNode *queue.Node, b Blocker) {
	m.inner.Lock(0)
	if m.holder == destroyed {
		m.inner.Unlock(0)
		panic("kmutex: lock on destroyed mutex")
	}
	if m.holder == available {
		m.holder = self
		m.inner.Unlock(0)
		return
	}
	m.waiters.PushTail(selfNode)
	m.inner.Unlock(0)
	b.BlockSelf(self)
}

// Unlock releases m, handing off directly to the longest-waiting blocked
// thread if any.
func (m *Mutex) Unlock(b Blocker) {
	m.inner.Lock(0)
	if n := m.waiters.PopHead(); n != nil {
		owner := n.Value()
		waiterTID := ownerTID(owner)
		m.holder = waiterTID
		m.inner.Unlock(0)
		b.WakeWaiter(waiterTID, owner)
		return
	}
	m.holder = available
	m.inner.Unlock(0)
}

// Destroy marks m unusable. Requires no holder and no waiters.
func (m *Mutex) Destroy() {
	m.inner.Lock(0)
	defer m.inner.Unlock(0)
	if m.holder != available || m.waiters.Len() != 0 {
		panic("kmutex: destroy of held or contended mutex")
	}
	m.holder = destroyed
}

// TIDer is implemented by any TCB type stored in a waiter node's owner, so
// kmutex can recover the waiter's tid without importing internal/task.
type TIDer interface{ GetTID() int }

func ownerTID(owner interface{}) int {
	if t, ok := owner.(TIDer); ok {
		return t.GetTID()
	}
	panic("kmutex: waiter owner does not implement TIDer")
}
