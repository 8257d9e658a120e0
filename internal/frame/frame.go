// Package frame implements the physical-frame allocator (spec.md §4.D): a
// reservation counter that must be decremented before any structural frame
// is taken, layered over a segment-tree free-frame index that finds the
// least-significant free index in O(log n).
package frame

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kewu1992/pebbles-smp/internal/errno"
	"golang.org/x/sync/semaphore"
)

// segTree is a classic "count of free leaves in this subtree" segment
// tree over [0,n). It never blocks and is guarded by a plain spinlock-
// grade mutex in Pool, since every operation is O(log n) and never
// suspends the caller (spec.md §5: "no kernel code path blocks holding a
// spinlock", this one never needs to).
type segTree struct {
	size int // next power of two >= n
	n    int
	tree []int32 // tree[1] is the root; tree[size+i] is leaf i
}

func newSegTree(n int) *segTree {
	size := 1
	for size < n {
		size <<= 1
	}
	t := &segTree{size: size, n: n, tree: make([]int32, 2*size)}
	for i := 0; i < n; i++ {
		t.tree[size+i] = 1
	}
	for i := size - 1; i >= 1; i-- {
		t.tree[i] = t.tree[2*i] + t.tree[2*i+1]
	}
	return t
}

// getNext finds the least-significant free index, marks it used, and
// returns it, or (-1, false) if none free.
func (t *segTree) getNext() (int, bool) {
	if t.tree[1] == 0 {
		return -1, false
	}
	i := 1
	for i < t.size {
		if t.tree[2*i] > 0 {
			i = 2 * i
		} else {
			i = 2*i + 1
		}
	}
	idx := i - t.size
	t.setLeaf(idx, 0)
	return idx, true
}

// putBack marks idx free again.
func (t *segTree) putBack(idx int) {
	t.setLeaf(idx, 1)
}

func (t *segTree) setLeaf(idx int, v int32) {
	i := t.size + idx
	if t.tree[i] == v {
		return
	}
	t.tree[i] = v
	for i > 1 {
		i /= 2
		t.tree[i] = t.tree[2*i] + t.tree[2*i+1]
	}
}

// Pool is the kernel-wide physical frame allocator.
type Pool struct {
	pageSize     uintptr
	userMemStart uintptr
	mu           sync.Mutex
	tree         *segTree
	numFrames    int
	reservation  *semaphore.Weighted // tracks num_free_frames
	reserved     int64               // mirror of frames currently reserved, for Stats/tests
}

// New builds a frame pool of n frames of pageSize bytes each, based above
// userMemStart, per spec.md §4.D init_pm(n).
func New(n int, pageSize, userMemStart uintptr) *Pool {
	return &Pool{
		pageSize:     pageSize,
		userMemStart: userMemStart,
		tree:         newSegTree(n),
		numFrames:    n,
		reservation:  semaphore.NewWeighted(int64(n)),
	}
}

// ReserveFrames atomically reduces the free-frame reservation by k, failing
// fast with ErrNotEnoughMem if that would overcommit the pool. This must
// happen before any structural frame is taken (spec.md §4.D).
func (p *Pool) ReserveFrames(k int) errno.Errno {
	if k == 0 {
		return errno.OK
	}
	if !p.reservation.TryAcquire(int64(k)) {
		return errno.ErrNotEnoughMem
	}
	atomic.AddInt64(&p.reserved, int64(k))
	return errno.OK
}

// UnreserveFrames returns k frames worth of reservation to the pool.
func (p *Pool) UnreserveFrames(k int) {
	if k == 0 {
		return
	}
	p.reservation.Release(int64(k))
	atomic.AddInt64(&p.reserved, -int64(k))
}

// GetFramesRaw takes one raw physical frame from the free-index, returning
// its base address. Callers must have already reserved it. Returns
// ErrNotEnoughMem if the index is structurally exhausted (should not
// happen if reservations are tracked correctly; see TestableProperties).
func (p *Pool) GetFramesRaw() (uintptr, errno.Errno) {
	p.mu.Lock()
	idx, ok := p.tree.getNext()
	p.mu.Unlock()
	if !ok {
		return 0, errno.ErrNotEnoughMem
	}
	return p.userMemStart + uintptr(idx)*p.pageSize, errno.OK
}

// FreeFramesRaw returns a raw physical frame to the free-index.
func (p *Pool) FreeFramesRaw(base uintptr) {
	idx := int((base - p.userMemStart) / p.pageSize)
	p.mu.Lock()
	p.tree.putBack(idx)
	p.mu.Unlock()
}

// Stats is a point-in-time snapshot used by diagnostics and the fork/exit
// bomb end-to-end test (spec.md §8 scenario 1: "total frames consumed
// returns to baseline within ε").
type Stats struct {
	NumFrames int
	Reserved  int
	Free      int
}

// Stats reports reserved/free frame counts. Reserved mirrors the weighted
// semaphore's outstanding acquisitions (semaphore.Weighted does not expose
// its remaining weight directly); Free is read straight off the segment
// tree so the two numbers can be cross-checked independently in tests.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	free := 0
	for i := 0; i < p.numFrames; i++ {
		if p.tree.tree[p.tree.size+i] == 1 {
			free++
		}
	}
	return Stats{NumFrames: p.numFrames, Reserved: int(atomic.LoadInt64(&p.reserved)), Free: free}
}

// TryDrain blocks until every reservation has been released (returns
// true) or ctx is done first (returns false); exposed for tests that want
// to assert the reservation semaphore reached a quiescent (fully-released)
// state without racing Stats' tree walk.
func (p *Pool) TryDrain(ctx context.Context) bool {
	if err := p.reservation.Acquire(ctx, int64(p.numFrames)); err != nil {
		return false
	}
	p.reservation.Release(int64(p.numFrames))
	return true
}
