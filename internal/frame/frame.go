// Package frame implements the physical frame allocator: spec.md 4.1.
//
// Physical memory is represented as a flat []byte arena (there being no real
// MMU underneath a hosted Go process); frames are fixed-size windows into
// that arena, tracked by a Frame descriptor array the way biscuit's
// mem.Physmem_t tracks its Physpg_t array. A single doubly linked free list
// spans both small (4 KiB) and huge (2 MiB) frames, each node carrying a
// Huge flag, mirroring spec.md's single free-list design rather than
// biscuit's separate pages/pmaps lists.
package frame

import (
	"sync"

	"github.com/zuziik/KP2018/internal/kconfig"
	"github.com/zuziik/KP2018/internal/kerr"
)

// State is the lifecycle state of a physical frame.
type State int

const (
	Free State = iota
	Allocated
	HugeHead
	HugeMember
)

// AllocFlags requests allocator behavior.
type AllocFlags int

const (
	FlagNone AllocFlags = 0
	FlagZero AllocFlags = 1 << iota
	FlagHuge
)

// Frame is the per-physical-page descriptor, one per PageSize-sized window
// of the arena (spec.md "Frame" entity).
type Frame struct {
	Index   int
	State   State
	Refcnt  int32
	InLRU   bool
	Huge    bool
	Rmap    RmapHead
	next    int
	prev    int
	onFree  bool
	onClock bool
}

// RmapHead is the head of a frame's reverse-mapping list; the concrete
// implementation lives in package rmap, which frame does not import to
// avoid a cycle -- frame only stores the opaque head pointer rmap hands it.
type RmapHead struct {
	Owner interface{}
}

const nilIdx = -1

// Reclaimer is satisfied by the swap engine; Allocator calls it on
// depletion before falling back to the OOM killer (spec.md 4.1, "On
// depletion, the allocator invokes the swap engine").
type Reclaimer interface {
	ReclaimUntil(target int) bool
}

// Killer is satisfied by the OOM killer; Allocator calls it when the
// reclaimer cannot free enough frames.
type Killer interface {
	Kill() error
}

// perCPUCacheCap bounds each CPU's local allocation cache (biscuit mem.go's
// pcpuphys_t.freelen cap, scaled down from its 100-frame limit).
const perCPUCacheCap = 64

// pcpuCache is one CPU's small-frame allocation fast path ahead of the
// shared free list, mirroring biscuit's pcpuphys_t.
type pcpuCache struct {
	mu  sync.Mutex
	buf [perCPUCacheCap]int
	n   int
}

// Allocator owns the physical page array and free list (spec.md 4.1).
type Allocator struct {
	mu sync.Mutex

	arena    []byte
	frames   []Frame
	freeHead int
	freeLen  int // count of list *nodes* (a huge node counts as 1 node here)
	nfree    int // count of frames, huge-weighted (spec invariant i)

	percpu [kconfig.NCPU]pcpuCache

	Reclaim Reclaimer
	OOM     Killer
}

// NewAllocator carves frames out of arena, excluding the ranges in
// reserved (the I/O hole and the kernel image, per spec.md invariant ii).
// arena's length must be a multiple of kconfig.PageSize.
func NewAllocator(arena []byte, reserved []Range) *Allocator {
	if len(arena)%kconfig.PageSize != 0 {
		panic("frame: arena not page aligned")
	}
	n := len(arena) / kconfig.PageSize
	a := &Allocator{
		arena:    arena,
		frames:   make([]Frame, n),
		freeHead: nilIdx,
	}
	for i := range a.frames {
		a.frames[i] = Frame{Index: i, State: Allocated, next: nilIdx, prev: nilIdx}
	}
	for i := 0; i < n; i++ {
		if inAnyRange(i, reserved) {
			continue
		}
		a.pushFree(i, false)
	}
	return a
}

// Range is a [Start, Start+Len) frame-index range excluded from the free list.
type Range struct {
	Start, Len int
}

func inAnyRange(idx int, ranges []Range) bool {
	for _, r := range ranges {
		if idx >= r.Start && idx < r.Start+r.Len {
			return true
		}
	}
	return false
}

// NFree reports the huge-weighted free frame count (spec.md invariant i).
func (a *Allocator) NFree() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nfree
}

// Bytes returns the backing storage for a frame, for callers that need to
// read/write/zero it directly (copy-on-write, swap I/O, zero-fill).
func (a *Allocator) Bytes(f *Frame) []byte {
	sz := kconfig.PageSize
	if f.Huge {
		sz = kconfig.HugePageSize
	}
	off := f.Index * kconfig.PageSize
	return a.arena[off : off+sz]
}

func (a *Allocator) pushFree(idx int, huge bool) {
	fr := &a.frames[idx]
	fr.State = Free
	fr.Huge = huge
	fr.Refcnt = 0
	fr.next = a.freeHead
	fr.prev = nilIdx
	if a.freeHead != nilIdx {
		a.frames[a.freeHead].prev = idx
	}
	a.freeHead = idx
	a.freeLen++
	if huge {
		a.nfree += kconfig.SmallPerHuge
	} else {
		a.nfree++
	}
}

func (a *Allocator) unlinkFree(idx int) {
	fr := &a.frames[idx]
	if fr.prev != nilIdx {
		a.frames[fr.prev].next = fr.next
	} else {
		a.freeHead = fr.next
	}
	if fr.next != nilIdx {
		a.frames[fr.next].prev = fr.prev
	}
	fr.next, fr.prev = nilIdx, nilIdx
	a.freeLen--
	if fr.Huge {
		a.nfree -= kconfig.SmallPerHuge
	} else {
		a.nfree--
	}
}

// takeNonHuge pops the first non-huge node, or -1 if none exists.
func (a *Allocator) takeNonHuge() int {
	for i := a.freeHead; i != nilIdx; i = a.frames[i].next {
		if !a.frames[i].Huge {
			a.unlinkFree(i)
			return i
		}
	}
	return nilIdx
}

func (a *Allocator) takeHuge() int {
	for i := a.freeHead; i != nilIdx; i = a.frames[i].next {
		if a.frames[i].Huge {
			a.unlinkFree(i)
			return i
		}
	}
	return nilIdx
}

// split breaks the huge node at idx into SmallPerHuge consecutive normal
// frames, keeps the first for the caller and reinserts the other
// SmallPerHuge-1 onto the free list (spec.md 4.1 alloc(normal) fallback).
func (a *Allocator) split(idx int) int {
	base := idx - idx%kconfig.SmallPerHuge
	for i := 0; i < kconfig.SmallPerHuge; i++ {
		fi := base + i
		a.frames[fi].Huge = false
		a.frames[fi].State = Allocated
		a.frames[fi].Refcnt = 0
	}
	for i := 1; i < kconfig.SmallPerHuge; i++ {
		a.pushFree(base+i, false)
	}
	return base
}

// tryCoalesce checks whether idx's aligned SmallPerHuge neighborhood is
// entirely free and, if so, collapses it into one huge node (spec.md 4.1
// free(normal) merge-on-free).
func (a *Allocator) tryCoalesce(idx int) {
	base := idx - idx%kconfig.SmallPerHuge
	if base+kconfig.SmallPerHuge > len(a.frames) {
		return
	}
	for i := 0; i < kconfig.SmallPerHuge; i++ {
		fr := &a.frames[base+i]
		if fr.State != Free || fr.Huge {
			return
		}
	}
	for i := 0; i < kconfig.SmallPerHuge; i++ {
		a.unlinkFree(base + i)
	}
	a.pushFree(base, true)
}

// Alloc implements spec.md 4.1's alloc(flags).
func (a *Allocator) Alloc(flags AllocFlags) (*Frame, kerr.Errno) {
	f, err := a.tryAlloc(flags)
	if err == kerr.Ok {
		return f, kerr.Ok
	}
	if a.Reclaim != nil && a.Reclaim.ReclaimUntil(kconfig.FreepageThreshold) {
		if f, err = a.tryAlloc(flags); err == kerr.Ok {
			return f, kerr.Ok
		}
	}
	if a.OOM != nil {
		if killErr := a.OOM.Kill(); killErr == nil {
			if f, err = a.tryAlloc(flags); err == kerr.Ok {
				return f, kerr.Ok
			}
		}
	}
	return nil, kerr.NoMem
}

func (a *Allocator) tryAlloc(flags AllocFlags) (*Frame, kerr.Errno) {
	a.mu.Lock()
	var idx int
	if flags&FlagHuge != 0 {
		idx = a.takeHuge()
		if idx == nilIdx {
			a.mu.Unlock()
			return nil, kerr.NoMem
		}
		a.frames[idx].State = HugeHead
	} else {
		idx = a.takeNonHuge()
		if idx == nilIdx {
			hi := a.takeHuge()
			if hi == nilIdx {
				a.mu.Unlock()
				return nil, kerr.NoMem
			}
			idx = a.split(hi)
		}
		a.frames[idx].State = Allocated
	}
	fr := &a.frames[idx]
	a.mu.Unlock()

	if flags&FlagZero != 0 {
		zeroRange(a.Bytes(fr))
	}
	return fr, kerr.Ok
}

func zeroRange(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// AllocCPU is Alloc's fast path for ordinary (non-huge) frames, checking
// cpu's local cache before touching the global free list (biscuit mem.go's
// _pcpu_new). A huge request always falls straight through to Alloc: huge
// frames are scarce enough, and split/coalesce bookkeeping involved enough,
// that caching them per CPU is not worth the complexity.
func (a *Allocator) AllocCPU(cpu int, flags AllocFlags) (*Frame, kerr.Errno) {
	if flags&FlagHuge != 0 {
		return a.Alloc(flags)
	}
	pc := &a.percpu[cpu]
	pc.mu.Lock()
	if pc.n == 0 {
		a.refillCPU(pc)
	}
	var fr *Frame
	if pc.n > 0 {
		pc.n--
		fr = &a.frames[pc.buf[pc.n]]
	}
	pc.mu.Unlock()

	if fr == nil {
		return a.Alloc(flags)
	}
	if flags&FlagZero != 0 {
		zeroRange(a.Bytes(fr))
	}
	return fr, kerr.Ok
}

// refillCPU pulls up to perCPUCacheCap non-huge frames off the shared free
// list in one locked pass and hands them to pc, the way _pcpu_new refills a
// pcpuphys_t from Physmem_t's global list. Frames are taken one at a time
// only while pc has room; when a huge node has to be split, the frames of
// it that are not taken stay on the free list. Leaves pc empty if the
// global list has nothing to give.
func (a *Allocator) refillCPU(pc *pcpuCache) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for pc.n < len(pc.buf) {
		idx := a.takeNonHuge()
		if idx == nilIdx {
			hi := a.takeHuge()
			if hi == nilIdx {
				return
			}
			idx = a.split(hi)
		}
		a.frames[idx].State = Allocated
		pc.buf[pc.n] = idx
		pc.n++
	}
}

// DemoteHuge converts an allocated huge frame into SmallPerHuge
// independently tracked small frames, each inheriting f's current refcount.
// Used when a process forks a huge mapping: the fork path turns the single
// 2 MiB entry into SmallPerHuge ordinary copy-on-write pages instead of
// adding a second huge-page COW path (DESIGN.md "Fork of a huge-page
// mapping"). f itself becomes out[0]; callers must rewrite every page
// table entry that referenced f before doing anything else with it.
func (a *Allocator) DemoteHuge(f *Frame) []*Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	base := f.Index - f.Index%kconfig.SmallPerHuge
	out := make([]*Frame, kconfig.SmallPerHuge)
	for i := 0; i < kconfig.SmallPerHuge; i++ {
		fr := &a.frames[base+i]
		fr.Huge = false
		fr.State = Allocated
		fr.Refcnt = f.Refcnt
		out[i] = fr
	}
	return out
}

// Free returns a frame to the free list (spec.md 4.1 free(frame)).
// Callers must have already driven Refcnt to zero via Decref.
func (a *Allocator) Free(f *Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f.Refcnt != 0 {
		panic("frame: free of frame with nonzero refcount")
	}
	if f.Huge {
		// a huge frame that was never split frees as one huge node.
		a.pushFree(f.Index-f.Index%kconfig.SmallPerHuge, true)
		return
	}
	a.pushFree(f.Index, false)
	a.tryCoalesce(f.Index)
}

// Decref drops the reference count and frees the frame when it reaches
// zero, returning true if the frame was freed.
func (a *Allocator) Decref(f *Frame) bool {
	if f.Refcnt <= 0 {
		panic("frame: decref of frame with non-positive refcount")
	}
	f.Refcnt--
	if f.Refcnt == 0 {
		a.Free(f)
		return true
	}
	return false
}

// Incref bumps the reference count (callers use this from page_insert).
func (a *Allocator) Incref(f *Frame) {
	f.Refcnt++
}

// Frame returns the descriptor for physical frame index idx.
func (a *Allocator) Frame(idx int) *Frame {
	return &a.frames[idx]
}

// Len returns the total number of frame slots tracked by the allocator.
func (a *Allocator) Len() int { return len(a.frames) }
