// Package bus implements the inter-core message bus (spec.md §4.H): one
// shared manager mailbox fed by every worker, one private mailbox per
// worker CPU fed only by the manager, plus the boot-time synchronize()
// barrier.
package bus

import (
	"sync"

	"github.com/kewu1992/pebbles-smp/internal/queue"
	"github.com/kewu1992/pebbles-smp/internal/spinlock"
	"github.com/kewu1992/pebbles-smp/internal/task"
)

// workerMailbox is one worker CPU's own inbox for manager replies. It is
// contended by exactly two parties, the manager (writer) and that one
// worker (reader), matching spec.md §4.A's two-party spinlock contract
// exactly, so it is built directly on spinlock.Spinlock.
type workerMailbox struct {
	lock spinlock.Spinlock
	q    queue.Deque
}

func newWorkerMailbox() *workerMailbox {
	mb := &workerMailbox{}
	mb.lock.Init()
	return mb
}

const (
	partyManager = 0
	partyWorker  = 1
)

func (mb *workerMailbox) push(party int, msg *task.Message) {
	mb.lock.Lock(party)
	mb.q.PushTail(&msg.Node)
	mb.lock.Unlock(party)
}

func (mb *workerMailbox) pop(party int) (*task.Message, bool) {
	mb.lock.Lock(party)
	n := mb.q.PopHead()
	mb.lock.Unlock(party)
	if n == nil {
		return nil, false
	}
	return n.Value().(*task.Message), true
}

// managerMailbox is the single shared inbox every worker CPU pushes into.
// Unlike a worker's own mailbox, this one is contended by N pushers (every
// worker) against one popper (the manager), which is not the two-party
// shape spinlock.Spinlock is built for, so it uses an ordinary sync.Mutex
// instead.
type managerMailbox struct {
	mu sync.Mutex
	q  queue.Deque
}

func newManagerMailbox() *managerMailbox {
	return &managerMailbox{}
}

func (mb *managerMailbox) push(msg *task.Message) {
	mb.mu.Lock()
	mb.q.PushTail(&msg.Node)
	mb.mu.Unlock()
}

func (mb *managerMailbox) pop() (*task.Message, bool) {
	mb.mu.Lock()
	n := mb.q.PopHead()
	mb.mu.Unlock()
	if n == nil {
		return nil, false
	}
	return n.Value().(*task.Message), true
}

// Bus routes messages between worker CPUs and the manager CPU (spec.md
// §4.H/§4.I). Every worker pushes to the single manager mailbox; the
// manager pushes replies to the originating worker's own mailbox. FIFO
// within each mailbox gives the ordering guarantees of spec.md §5(2)/(3).
type Bus struct {
	managerBox *managerMailbox
	workerBox  map[int]*workerMailbox

	barrier *barrier
}

// New builds a bus for a kernel with numCPU total cores (manager + workers).
func New(numCPU int) *Bus {
	return &Bus{
		managerBox: newManagerMailbox(),
		workerBox:  make(map[int]*workerMailbox),
		barrier:    newBarrier(numCPU),
	}
}

// AddWorker registers a mailbox for worker CPU id.
func (b *Bus) AddWorker(cpuID int) {
	b.workerBox[cpuID] = newWorkerMailbox()
}

// WorkerSendMsg implements spec.md §4.H worker_send_msg: push msg onto the
// manager mailbox.
func (b *Bus) WorkerSendMsg(msg *task.Message) {
	b.managerBox.push(msg)
}

// ManagerRecvMsg is a non-blocking dequeue from the manager mailbox;
// callers (the manager loop) poll it.
func (b *Bus) ManagerRecvMsg() (*task.Message, bool) {
	return b.managerBox.pop()
}

// ManagerSendMsg implements spec.md §4.H manager_send_msg(msg, dest_cpu):
// push msg onto destCPU's worker mailbox.
func (b *Bus) ManagerSendMsg(msg *task.Message, destCPU int) {
	mb, ok := b.workerBox[destCPU]
	if !ok {
		panic("bus: unknown destination cpu")
	}
	mb.push(partyManager, msg)
}

// WorkerRecvMsg is a non-blocking dequeue from cpuID's own worker mailbox.
func (b *Bus) WorkerRecvMsg(cpuID int) (*task.Message, bool) {
	mb, ok := b.workerBox[cpuID]
	if !ok {
		panic("bus: unknown cpu")
	}
	return mb.pop(partyWorker)
}

// Synchronize blocks the calling CPU until numCPU total callers (one per
// CPU, manager included) have arrived, per spec.md §4.H's boot barrier.
func (b *Bus) Synchronize() {
	b.barrier.arrive()
}

// barrier is a simple arrival counter gating a closed-once channel,
// grounded on the same "every CPU posts, last one releases everyone"
// shape spec.md describes, without needing a literal spin-count (Go's
// channel close-to-broadcast idiom is the natural replacement for busy-
// spinning on an atomic counter from multiple real cores).
type barrier struct {
	mu    sync.Mutex
	n     int
	count int
	ch    chan struct{}
}

func newBarrier(n int) *barrier {
	return &barrier{n: n, ch: make(chan struct{})}
}

func (b *barrier) arrive() {
	b.mu.Lock()
	b.count++
	done := b.count >= b.n
	ch := b.ch
	if done {
		close(ch)
	}
	b.mu.Unlock()
	<-ch
}
