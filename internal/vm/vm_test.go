package vm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kewu1992/pebbles-smp/internal/errno"
	"github.com/kewu1992/pebbles-smp/internal/frame"
)

const (
	pageSize     = 4096
	userMemStart = 0x01000000
	userMemEnd   = userMemStart + 4096*pageSize
	numPTPerLock = 16
	numLocks     = 64
)

func newTestManager(numFrames int) (*Manager, *frame.Pool) {
	pool := frame.New(numFrames, pageSize, userMemStart)
	m := New(Config{PageSize: pageSize, UserMemStart: userMemStart, UserMemEnd: userMemEnd, NumPTPerLock: numPTPerLock}, pool)
	return m, pool
}

func TestNewPagesRejectsAlreadyMapped(t *testing.T) {
	m, pool := newTestManager(16)
	pd := NewPageDirectory()
	locks := make([]sync.Mutex, numLocks)

	base := uintptr(userMemStart + pageSize)
	require.Equal(t, errno.OK, m.NewPages(pd, locks, base, pageSize))

	before := pool.Stats()
	err := m.NewPages(pd, locks, base, pageSize)
	require.Equal(t, errno.ErrOverlap, err)
	require.Equal(t, before, pool.Stats(), "rejected overlap must not mutate frame accounting")
}

func TestNewPagesOvercommitLeavesNoSideEffects(t *testing.T) {
	m, pool := newTestManager(4)
	pd := NewPageDirectory()
	locks := make([]sync.Mutex, numLocks)

	before := pool.Stats()
	// far more pages than frames exist
	err := m.NewPages(pd, locks, userMemStart, pageSize*1000)
	require.Equal(t, errno.ErrNotEnoughMem, err)
	require.Equal(t, before, pool.Stats())
	_, ok := pd.lookup(userMemStart)
	require.False(t, ok)
}

func TestNewPagesRejectsMisalignedOrKernelSpace(t *testing.T) {
	m, _ := newTestManager(16)
	pd := NewPageDirectory()
	locks := make([]sync.Mutex, numLocks)

	require.Equal(t, errno.ErrBaseNotAligned, m.NewPages(pd, locks, userMemStart+1, pageSize))
	require.Equal(t, errno.ErrLen, m.NewPages(pd, locks, userMemStart, pageSize+1))
	require.Equal(t, errno.ErrKernelSpace, m.NewPages(pd, locks, 0, pageSize))
}

func TestNewPagesThenRemovePagesRestoresBaseline(t *testing.T) {
	m, pool := newTestManager(16)
	pd := NewPageDirectory()
	locks := make([]sync.Mutex, numLocks)

	before := pool.Stats()
	base := uintptr(userMemStart)
	require.Equal(t, errno.OK, m.NewPages(pd, locks, base, 4*pageSize))
	require.Equal(t, errno.OK, m.RemovePages(pd, locks, base))

	_, ok := pd.lookup(base)
	require.False(t, ok)
	require.Equal(t, before, pool.Stats())
}

func TestZFODMaterializesOnFirstWrite(t *testing.T) {
	m, pool := newTestManager(16)
	pd := NewPageDirectory()
	locks := make([]sync.Mutex, numLocks)

	base := uintptr(userMemStart)
	require.Equal(t, errno.OK, m.NewPages(pd, locks, base, pageSize))

	statsBeforeFault := pool.Stats()
	require.Equal(t, errno.ErrPageNotAlloc, func() errno.Errno {
		_, err := m.ReadByte(pd, base)
		return err
	}(), "ZFOD page is not Present until faulted in")

	require.Equal(t, errno.OK, m.PageFault(pd, locks, base, true))
	require.Equal(t, statsBeforeFault.Free-1, pool.Stats().Free, "fault must consume exactly one frame")

	b, err := m.ReadByte(pd, base)
	require.Equal(t, errno.OK, err)
	require.Equal(t, byte(0), b, "freshly materialized frame reads as zero")

	require.Equal(t, errno.OK, m.WriteByte(pd, base, 7))
	b, err = m.ReadByte(pd, base)
	require.Equal(t, errno.OK, err)
	require.Equal(t, byte(7), b)
}

func TestPageFaultConcurrentDoubleFaultSerializes(t *testing.T) {
	m, pool := newTestManager(16)
	pd := NewPageDirectory()
	locks := make([]sync.Mutex, numLocks)

	base := uintptr(userMemStart)
	require.Equal(t, errno.OK, m.NewPages(pd, locks, base, pageSize))
	before := pool.Stats()

	var wg sync.WaitGroup
	results := make([]errno.Errno, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.PageFault(pd, locks, base, true)
		}(i)
	}
	wg.Wait()

	require.Equal(t, errno.OK, results[0], "first racer must materialize the page")
	require.Equal(t, errno.OK, results[1], "second racer must observe the already-materialized page, not ErrPageNotAlloc")
	require.Equal(t, before.Free-1, pool.Stats().Free, "only one frame may be consumed across both racing faults")
}

func TestCheckMemValidness(t *testing.T) {
	m, _ := newTestManager(16)
	pd := NewPageDirectory()
	locks := make([]sync.Mutex, numLocks)

	base := uintptr(userMemStart)
	require.Equal(t, errno.ErrPageNotAlloc, m.CheckMemValidness(pd, base, 4, false, false))

	require.Equal(t, errno.OK, m.NewPages(pd, locks, base, pageSize))
	require.Equal(t, errno.OK, m.CheckMemValidness(pd, base, 4, false, false))
	// still ZFOD (not Present), writable check on a not-yet-materialized
	// page only requires Present||ZFOD, per CheckMemValidness.
	require.Equal(t, errno.OK, m.CheckMemValidness(pd, base, 4, false, true))
}

func TestCheckMemValidnessNullTerm(t *testing.T) {
	m, _ := newTestManager(16)
	pd := NewPageDirectory()
	locks := make([]sync.Mutex, numLocks)

	base := uintptr(userMemStart)
	require.Equal(t, errno.OK, m.NewPages(pd, locks, base, pageSize))

	// Unfaulted ZFOD page reads as all zero: a NUL is present at offset 0.
	require.Equal(t, errno.OK, m.CheckMemValidness(pd, base, 8, true, false))

	require.Equal(t, errno.OK, m.PageFault(pd, locks, base, true))
	for i, b := range []byte("hi") {
		require.Equal(t, errno.OK, m.WriteByte(pd, base+uintptr(i), b))
	}
	require.Equal(t, errno.ErrNotNullTerm, m.CheckMemValidness(pd, base, 2, true, false),
		"no NUL anywhere in the checked range")
	require.Equal(t, errno.OK, m.CheckMemValidness(pd, base, 3, true, false),
		"WriteByte never touched byte 2, which still reads as the frame's zero fill")
}

func TestClonePDDeepCopiesNoCOW(t *testing.T) {
	m, pool := newTestManager(16)
	src := NewPageDirectory()
	locks := make([]sync.Mutex, numLocks)

	base := uintptr(userMemStart)
	require.Equal(t, errno.OK, m.NewPages(src, locks, base, pageSize))
	require.Equal(t, errno.OK, m.PageFault(src, locks, base, true))
	require.Equal(t, errno.OK, m.WriteByte(src, base, 42))

	dst, err := m.ClonePD(src)
	require.Equal(t, errno.OK, err)

	b, rerr := m.ReadByte(dst, base)
	require.Equal(t, errno.OK, rerr)
	require.Equal(t, byte(42), b, "clone observes source contents")

	require.Equal(t, errno.OK, m.WriteByte(dst, base, 99))
	b, _ = m.ReadByte(src, base)
	require.Equal(t, byte(42), b, "no copy-on-write: mutating the clone must not affect the source")

	freeAfterClone := pool.Stats().Free
	require.Equal(t, 16-2, freeAfterClone, "clone must consume its own independent frame")
}

func TestClonePDPreservesZFOD(t *testing.T) {
	m, pool := newTestManager(16)
	src := NewPageDirectory()
	locks := make([]sync.Mutex, numLocks)

	base := uintptr(userMemStart)
	require.Equal(t, errno.OK, m.NewPages(src, locks, base, pageSize))

	before := pool.Stats()
	dst, err := m.ClonePD(src)
	require.Equal(t, errno.OK, err)
	require.Equal(t, before.Free, pool.Stats().Free, "cloning an un-faulted ZFOD page must not consume a frame")

	pte, ok := dst.lookup(base)
	require.True(t, ok)
	require.True(t, pte.ZFOD)
	require.False(t, pte.Present)
}

func TestFreePDReturnsAllFramesAndReservations(t *testing.T) {
	m, pool := newTestManager(16)
	pd := NewPageDirectory()
	locks := make([]sync.Mutex, numLocks)

	baseline := pool.Stats()

	require.Equal(t, errno.OK, m.NewPages(pd, locks, userMemStart, 2*pageSize))
	require.Equal(t, errno.OK, m.PageFault(pd, locks, userMemStart, true))
	// Second page left as ZFOD, never faulted in: FreePD must still return
	// its reservation even though no frame was ever materialized for it.

	m.FreePD(pd)
	require.Equal(t, baseline, pool.Stats(), "a torn-down address space must leave no frame or reservation behind")

	_, ok := pd.lookup(userMemStart)
	require.False(t, ok)
}
