// Package vm implements the virtual-memory manager (spec.md §4.E): per-task
// page directories, new_pages/remove_pages allocation semantics,
// zero-fill-on-demand (ZFOD), the page-fault handler, and user-pointer
// validity checking. It has no notion of a real x86 page table; a
// PageDirectory is a flat map from page-aligned virtual address to PTE,
// which is the faithful-enough simulation this port needs (see
// SPEC_FULL.md §3) while still exercising every allocation/overlap/ZFOD
// invariant spec.md names.
package vm

import (
	"sync"
	"unsafe"

	"github.com/kewu1992/pebbles-smp/internal/errno"
	"github.com/kewu1992/pebbles-smp/internal/frame"
)

// PTE is one page-table entry's worth of state. The three "available" bits
// spec.md calls out (region Start, region End, ZFOD) are plain bools here;
// a real x86 PTE would steal them from its ignored-by-hardware bits.
type PTE struct {
	Present  bool
	User     bool
	Writable bool
	ZFOD     bool
	Start    bool // first page of a new_pages region
	End      bool // last page of a new_pages region
	Frame    uintptr
}

// PageDirectory is one task's address space.
type PageDirectory struct {
	mu    sync.Mutex // guards structural changes to Pages (insert/delete keys)
	Pages map[uintptr]*PTE
}

// NewPageDirectory returns an empty address space. The shared kernel
// mapping (spec.md §4.E, §6: identity for the first 16 MiB) is not stored
// per-task here; Manager.CheckMemValidness and the fault handler treat any
// address below Config.UserMemStart as kernel space directly, the same way
// every PD "sees" the same kernel range without a copied PTE per task.
func NewPageDirectory() *PageDirectory {
	return &PageDirectory{Pages: make(map[uintptr]*PTE)}
}

func (pd *PageDirectory) lookup(va uintptr) (*PTE, bool) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	pte, ok := pd.Pages[va]
	return pte, ok
}

func (pd *PageDirectory) insert(va uintptr, pte *PTE) {
	pd.mu.Lock()
	pd.Pages[va] = pte
	pd.mu.Unlock()
}

func (pd *PageDirectory) delete(va uintptr) {
	pd.mu.Lock()
	delete(pd.Pages, va)
	pd.mu.Unlock()
}

// Config carries the layout constants new_region and friends need.
type Config struct {
	PageSize     uintptr
	UserMemStart uintptr
	UserMemEnd   uintptr // exclusive upper bound of user space
	// NumPTPerLock pages share one entry of a task's PTLocks array
	// (spec.md §3 Task: "an array of per-page-table locks sized so 1 lock
	// covers NUM_PT_PER_LOCK consecutive PT entries").
	NumPTPerLock int
}

// Manager is the kernel's virtual-memory manager. It is stateless aside
// from Config and a reference to the physical frame pool; all per-task
// state lives in the task's own PageDirectory/PTLocks.
type Manager struct {
	cfg  Config
	pool *frame.Pool

	// memMu/mem simulate byte-addressable physical RAM so ZFOD
	// zero-fill and the resulting reads/writes are end-to-end
	// observable in tests (spec.md §8 scenario 7), since this port has
	// no real physical address space to back a frame base with.
	memMu sync.Mutex
	mem   map[uintptr][]byte
}

func New(cfg Config, pool *frame.Pool) *Manager {
	return &Manager{cfg: cfg, pool: pool, mem: make(map[uintptr][]byte)}
}

func (m *Manager) frameBytes(base uintptr) []byte {
	m.memMu.Lock()
	defer m.memMu.Unlock()
	b, ok := m.mem[base]
	if !ok {
		b = make([]byte, m.cfg.PageSize)
		m.mem[base] = b
	}
	return b
}

func (m *Manager) pageAligned(va uintptr) bool { return va%m.cfg.PageSize == 0 }

func (m *Manager) inUserSpace(va uintptr) bool {
	return va >= m.cfg.UserMemStart && va < m.cfg.UserMemEnd
}

func (m *Manager) lockFor(locks []sync.Mutex, va uintptr) *sync.Mutex {
	pageIdx := int(va / m.cfg.PageSize)
	li := (pageIdx / m.cfg.NumPTPerLock) % len(locks)
	return &locks[li]
}

// lockRange locks every distinct PT-range mutex covering [va, va+size),
// in ascending order, to avoid deadlock against another call locking the
// same set, and returns them for a matching unlockAll. The fault handler
// does not use it: it takes the single lockFor lock covering the faulting
// page through the whole read-check-materialize sequence, which is the
// Design Notes' "known bug" fix.
func (m *Manager) lockRange(locks []sync.Mutex, va, size uintptr) []*sync.Mutex {
	seen := map[*sync.Mutex]bool{}
	var ordered []*sync.Mutex
	for p := va; p < va+size; p += m.cfg.PageSize {
		l := m.lockFor(locks, p)
		if !seen[l] {
			seen[l] = true
			ordered = append(ordered, l)
		}
	}
	// Stable-ish ordering by pointer identity to keep acquisition order
	// consistent across callers; locks is a fixed-size array per task so
	// pointer addresses are stable for that task's lifetime.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && uintptr_lt(ordered[j], ordered[j-1]); j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	for _, l := range ordered {
		l.Lock()
	}
	return ordered
}

func unlockAll(ls []*sync.Mutex) {
	for _, l := range ls {
		l.Unlock()
	}
}

// NewRegion implements spec.md §4.E new_region. locks is the owning task's
// PTLocks partition array.
func (m *Manager) NewRegion(pd *PageDirectory, locks []sync.Mutex, va, size uintptr, rw, isNewPagesSyscall, isZFOD bool) errno.Errno {
	npages := int(size / m.cfg.PageSize)
	if err := m.pool.ReserveFrames(npages); err != errno.OK {
		return err
	}

	held := m.lockRange(locks, va, size)
	defer unlockAll(held)

	mapped := make([]uintptr, 0, npages)
	rollback := func() {
		for _, p := range mapped {
			if pte, ok := pd.lookup(p); ok && pte.Present {
				m.pool.FreeFramesRaw(pte.Frame)
			}
			pd.delete(p)
		}
		m.pool.UnreserveFrames(npages)
	}

	page := va
	for i := 0; i < npages; i++ {
		if _, exists := pd.lookup(page); exists {
			rollback()
			return errno.ErrOverlap
		}

		pte := &PTE{User: true, Writable: rw}
		if isZFOD {
			pte.Present = false
			pte.ZFOD = true
			// Reservation is retained; no frame consumed yet.
		} else {
			fbase, ferr := m.pool.GetFramesRaw()
			if ferr != errno.OK {
				rollback()
				return ferr
			}
			pte.Present = true
			pte.Frame = fbase
		}
		if isNewPagesSyscall {
			if i == 0 {
				pte.Start = true
			}
			if i == npages-1 {
				pte.End = true
			}
		}
		pd.insert(page, pte)
		mapped = append(mapped, page)
		page += m.cfg.PageSize
	}
	return errno.OK
}

// NewPages implements the new_pages syscall's validation and dispatch to
// NewRegion with is_new_pages=true, is_ZFOD=true (spec.md §4.E).
func (m *Manager) NewPages(pd *PageDirectory, locks []sync.Mutex, base, length uintptr) errno.Errno {
	if !m.pageAligned(base) {
		return errno.ErrBaseNotAligned
	}
	if length == 0 || length%m.cfg.PageSize != 0 {
		return errno.ErrLen
	}
	if !m.inUserSpace(base) || !m.inUserSpace(base+length-1) {
		return errno.ErrKernelSpace
	}
	return m.NewRegion(pd, locks, base, length, true, true, true)
}

// RemovePages implements spec.md §4.E remove_pages.
func (m *Manager) RemovePages(pd *PageDirectory, locks []sync.Mutex, base uintptr) errno.Errno {
	first, ok := pd.lookup(base)
	if !ok || !first.Start {
		return errno.ErrBaseNotPrev
	}

	page := base
	for {
		l := m.lockFor(locks, page)
		l.Lock()
		pte, ok := pd.lookup(page)
		if !ok {
			l.Unlock()
			break
		}
		if pte.Present && !pte.ZFOD {
			m.pool.FreeFramesRaw(pte.Frame)
		}
		// Every page of the region holds one reservation from NewRegion,
		// whether or not it was ever materialized.
		m.pool.UnreserveFrames(1)
		isEnd := pte.End
		pd.delete(page)
		l.Unlock()
		if isEnd {
			break
		}
		page += m.cfg.PageSize
	}
	return errno.OK
}

// PageFault implements spec.md §4.E's page-fault handler for the ZFOD
// case. writeFault indicates the faulting access was a write. The known
// source bug (two threads of the same task faulting the same ZFOD page
// concurrently) is fixed here by holding the page's PT-range lock across
// the whole read-check-materialize sequence (SPEC_FULL.md §10).
func (m *Manager) PageFault(pd *PageDirectory, locks []sync.Mutex, va uintptr, writeFault bool) errno.Errno {
	if !m.inUserSpace(va) {
		return errno.ErrKernelSpace
	}
	page := va - (va % m.cfg.PageSize)
	l := m.lockFor(locks, page)
	l.Lock()
	defer l.Unlock()

	pte, ok := pd.lookup(page)
	if !ok {
		return errno.ErrPageNotAlloc
	}
	if !pte.ZFOD {
		if pte.Present {
			// Another thread of the same task already raced us here and
			// materialized the frame while we waited for l; nothing left
			// to do.
			return errno.OK
		}
		return errno.ErrPageNotAlloc
	}
	fbase, err := m.pool.GetFramesRaw()
	if err != errno.OK {
		return err
	}
	pte.Frame = fbase
	pte.Present = true
	pte.ZFOD = false
	// zero-fill: a recycled frame still holds its previous owner's bytes,
	// so clear it; a real port would memset the physical frame instead.
	fb := m.frameBytes(fbase)
	for i := range fb {
		fb[i] = 0
	}
	return errno.OK
}

// ReadByte and WriteByte let callers (syscall handlers, tests) exercise a
// mapped page's contents directly, standing in for the CPU actually
// dereferencing a user pointer. Both require the page to already be
// present (a ZFOD page must fault in via PageFault first).
func (m *Manager) ReadByte(pd *PageDirectory, va uintptr) (byte, errno.Errno) {
	pte, ok := pd.lookup(va - va%m.cfg.PageSize)
	if !ok || !pte.Present {
		return 0, errno.ErrPageNotAlloc
	}
	off := va % m.cfg.PageSize
	return m.frameBytes(pte.Frame)[off], errno.OK
}

func (m *Manager) WriteByte(pd *PageDirectory, va uintptr, b byte) errno.Errno {
	pte, ok := pd.lookup(va - va%m.cfg.PageSize)
	if !ok || !pte.Present {
		return errno.ErrPageNotAlloc
	}
	if !pte.Writable {
		return errno.ErrReadOnly
	}
	off := va % m.cfg.PageSize
	m.frameBytes(pte.Frame)[off] = b
	return errno.OK
}

// CheckMemValidness implements spec.md §4.E check_mem_validness, used by
// every syscall that dereferences a user pointer. needNullTerm additionally
// requires a NUL byte somewhere in [va, va+maxBytes), for syscalls (exec's
// name, among others) that take a C string rather than a fixed-size buffer.
func (m *Manager) CheckMemValidness(pd *PageDirectory, va, maxBytes uintptr, needNullTerm, needWritable bool) errno.Errno {
	if !m.inUserSpace(va) || !m.inUserSpace(va+maxBytes-1) {
		return errno.ErrKernelSpace
	}
	page := va - (va % m.cfg.PageSize)
	for page < va+maxBytes {
		pte, ok := pd.lookup(page)
		if !ok || (!pte.Present && !pte.ZFOD) {
			return errno.ErrPageNotAlloc
		}
		if needWritable && pte.Present && !pte.Writable {
			return errno.ErrReadOnly
		}
		page += m.cfg.PageSize
	}
	if needNullTerm && !m.hasNullTerm(pd, va, maxBytes) {
		return errno.ErrNotNullTerm
	}
	return errno.OK
}

// hasNullTerm reports whether a NUL byte appears within [va, va+maxBytes).
// Every page in range is already known Present or ZFOD by the caller; an
// unfaulted ZFOD page reads as all zero, so it always counts as containing
// one.
func (m *Manager) hasNullTerm(pd *PageDirectory, va, maxBytes uintptr) bool {
	for i := uintptr(0); i < maxBytes; i++ {
		p := va + i
		pte, _ := pd.lookup(p - p%m.cfg.PageSize)
		if !pte.Present {
			return true
		}
		if m.frameBytes(pte.Frame)[p%m.cfg.PageSize] == 0 {
			return true
		}
	}
	return false
}

// ClonePD implements spec.md §4.E clone_pd: every present user page in src
// is deep-copied into a freshly allocated frame in the returned PD; ZFOD
// pages are copied as ZFOD (no frame consumed). No copy-on-write, per
// spec.md §9. On failure the partially built PD is torn down and its
// frames returned.
func (m *Manager) ClonePD(src *PageDirectory) (*PageDirectory, errno.Errno) {
	dst := NewPageDirectory()
	var mappedFrames []uintptr
	var reserved int

	rollback := func() {
		for _, f := range mappedFrames {
			m.pool.FreeFramesRaw(f)
		}
		if reserved > 0 {
			m.pool.UnreserveFrames(reserved)
		}
	}

	src.mu.Lock()
	vas := make([]uintptr, 0, len(src.Pages))
	for va := range src.Pages {
		vas = append(vas, va)
	}
	src.mu.Unlock()

	for _, va := range vas {
		pte, ok := src.lookup(va)
		if !ok {
			continue
		}
		if err := m.pool.ReserveFrames(1); err != errno.OK {
			rollback()
			return nil, err
		}
		reserved++

		npte := &PTE{User: pte.User, Writable: pte.Writable, Start: pte.Start, End: pte.End}
		if pte.ZFOD {
			npte.ZFOD = true
			dst.insert(va, npte)
			continue
		}
		fbase, ferr := m.pool.GetFramesRaw()
		if ferr != errno.OK {
			rollback()
			return nil, ferr
		}
		npte.Present = true
		npte.Frame = fbase
		mappedFrames = append(mappedFrames, fbase)
		// deep copy, per spec.md §9 "No copy-on-write": fork must observe
		// the source page's contents but own an independent frame.
		copy(m.frameBytes(fbase), m.frameBytes(pte.Frame))
		dst.insert(va, npte)
	}
	return dst, errno.OK
}

// FreePD releases every frame and reservation still held by pd's mappings,
// for a task's final teardown (spec.md §4.J vanish: the dying task's
// address space must not outlive it, the same transactional-release
// discipline NewRegion/ClonePD already apply on their own failure paths).
func (m *Manager) FreePD(pd *PageDirectory) {
	pd.mu.Lock()
	vas := make([]uintptr, 0, len(pd.Pages))
	for va := range pd.Pages {
		vas = append(vas, va)
	}
	pd.mu.Unlock()

	for _, va := range vas {
		pte, ok := pd.lookup(va)
		if !ok {
			continue
		}
		if pte.Present && !pte.ZFOD {
			m.pool.FreeFramesRaw(pte.Frame)
		}
		m.pool.UnreserveFrames(1)
		pd.delete(va)
	}
}

func uintptr_lt(a, b *sync.Mutex) bool {
	return uintptr(unsafe.Pointer(a)) < uintptr(unsafe.Pointer(b))
}
