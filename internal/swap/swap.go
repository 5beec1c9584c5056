// Package swap implements the swap engine and its CLOCK reclaim policy:
// spec.md 4.6, grounded on original_source/kern/swap.c's swap_out/swap_in/
// swap_pages and biscuit's frame-bookkeeping idioms (internal/frame).
// Eviction candidates are frames currently mapped into at least one user
// address space, tracked in a circular "clock" ring; ReclaimUntil walks
// the ring giving each candidate a second chance via the PTE Accessed bit
// before writing it out to the block device and unmapping it everywhere
// it is referenced (using the reverse-map index to find every mapping).
package swap

import (
	"fmt"
	"sync"

	"github.com/zuziik/KP2018/internal/blockdev"
	"github.com/zuziik/KP2018/internal/frame"
	"github.com/zuziik/KP2018/internal/kconfig"
	"github.com/zuziik/KP2018/internal/kerr"
	"github.com/zuziik/KP2018/internal/pagetable"
	"github.com/zuziik/KP2018/internal/proc"
	"github.com/zuziik/KP2018/internal/rmap"
	"github.com/zuziik/KP2018/internal/vma"
)

// Engine owns the swap slot bitmap, block device, and CLOCK ring. It
// satisfies frame.Reclaimer.
type Engine struct {
	mu sync.Mutex

	dev    blockdev.Device
	nslots uint64
	free   []bool

	alloc *frame.Allocator
	pool  *rmap.Pool

	ring   []int
	inRing map[int]bool
	hand   int
}

// New builds a swap engine backed by dev, with nswapslots computed the way
// original swap_init does: one slot per kconfig.PageSize-worth of sectors
// on the device (spec.md 4.6).
func New(dev blockdev.Device, alloc *frame.Allocator, pool *rmap.Pool) *Engine {
	nslots := dev.NumSectors() / kconfig.SectorsPerPage
	return &Engine{
		dev:    dev,
		nslots: nslots,
		free:   make([]bool, nslots),
		alloc:  alloc,
		pool:   pool,
		inRing: make(map[int]bool),
	}
}

// NumSlots reports the swap device's total capacity in pages.
func (e *Engine) NumSlots() uint64 { return e.nslots }

func (e *Engine) allocSlot() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.free {
		if !e.free[i] {
			e.free[i] = true
			return uint64(i), true
		}
	}
	return 0, false
}

func (e *Engine) freeSlot(slot uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if slot < uint64(len(e.free)) {
		e.free[slot] = false
	}
}

// Register adds a frame to the CLOCK eviction ring the first time it is
// mapped into a user address space (called by the page-fault handler right
// after a successful pagetable.Insert). Re-registering an already-present
// frame is a no-op.
func (e *Engine) Register(f *frame.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inRing[f.Index] {
		return
	}
	e.inRing[f.Index] = true
	e.ring = append(e.ring, f.Index)
}

// ReclaimUntil implements frame.Reclaimer: it swaps out CLOCK candidates
// until the allocator reports at least target free frames, or the ring is
// exhausted of evictable candidates.
func (e *Engine) ReclaimUntil(target int) bool {
	for e.alloc.NFree() < target {
		if !e.swapOneFrame() {
			return false
		}
	}
	return true
}

// swapOneFrame runs one CLOCK sweep step: it advances the hand, giving
// every referenced frame it passes a second chance if its Accessed bit is
// set anywhere, and evicts the first frame it finds with the bit clear.
func (e *Engine) swapOneFrame() bool {
	e.mu.Lock()
	n := len(e.ring)
	e.mu.Unlock()

	for scanned := 0; scanned < n; scanned++ {
		e.mu.Lock()
		if len(e.ring) == 0 {
			e.mu.Unlock()
			return false
		}
		e.hand %= len(e.ring)
		idx := e.ring[e.hand]
		f := e.alloc.Frame(idx)
		head, ok := f.Rmap.Owner.(*rmap.Head)
		if f.Refcnt == 0 || !ok || head == nil || rmap.Count(head) == 0 {
			e.removeFromRingLocked(e.hand)
			e.mu.Unlock()
			continue
		}
		entries := rmap.Entries(head)
		e.mu.Unlock()

		if accessedAny(entries) {
			clearAccessed(entries)
			e.mu.Lock()
			e.hand = (e.hand + 1) % len(e.ring)
			e.mu.Unlock()
			continue
		}

		if e.evict(f, head, entries) {
			return true
		}
		return false
	}
	return false
}

func accessedAny(entries []rmap.Entry) bool {
	for _, ent := range entries {
		p := ent.Proc.(*proc.Proc)
		if pte, err := p.Table.Walk(ent.VA, false, false); err == kerr.Ok && *pte&pagetable.Accessed != 0 {
			return true
		}
	}
	return false
}

func clearAccessed(entries []rmap.Entry) {
	for _, ent := range entries {
		p := ent.Proc.(*proc.Proc)
		if pte, err := p.Table.Walk(ent.VA, false, false); err == kerr.Ok {
			*pte &^= pagetable.Accessed
		}
	}
}

// evict writes f's contents to a freshly allocated slot, records the slot
// against every VMA that maps f, and unmaps f from every process that
// references it (spec.md 4.6 swap_out).
func (e *Engine) evict(f *frame.Frame, head *rmap.Head, entries []rmap.Entry) bool {
	slot, ok := e.allocSlot()
	if !ok {
		return false
	}
	buf := e.alloc.Bytes(f)
	for s := uint64(0); s < kconfig.SectorsPerPage; s++ {
		sec := buf[s*kconfig.SectorSize : (s+1)*kconfig.SectorSize]
		if err := e.dev.WriteSector(slot*kconfig.SectorsPerPage+s, sec); err != nil {
			e.freeSlot(slot)
			return false
		}
	}

	for _, ent := range entries {
		p := ent.Proc.(*proc.Proc)
		if a, ok := p.VMAs.Lookup(ent.VA); ok {
			a.MarkSwapped(ent.VA, slot)
		}
		p.Swapped++
		p.Mapped--
		rmap.Remove(e.pool, head, ent.Proc, ent.VA)
		p.Table.Remove(ent.VA) // decrefs f; frees it once the last reference drops
	}

	e.mu.Lock()
	e.removeFromRing(f.Index)
	e.mu.Unlock()
	return true
}

func (e *Engine) removeFromRing(idx int) {
	for i, v := range e.ring {
		if v == idx {
			e.removeFromRingLocked(i)
			return
		}
	}
}

func (e *Engine) removeFromRingLocked(pos int) {
	idx := e.ring[pos]
	delete(e.inRing, idx)
	e.ring = append(e.ring[:pos], e.ring[pos+1:]...)
	if e.hand > pos || (e.hand == pos && e.hand > 0) {
		e.hand--
	}
}

// SwapIn reads the page at va back from slot into a freshly allocated
// frame, installs it in p's table with perm, and clears the VMA's swapped
// record (spec.md 4.6 swap_in). Called by the page-fault handler when a
// fault resolves to a VMA that has va recorded as swapped.
func (e *Engine) SwapIn(p *proc.Proc, a *vma.VMA, va uintptr, perm pagetable.Perm) error {
	slot, ok := a.SwapSlot(va)
	if !ok {
		return fmt.Errorf("swap: va %#x is not swapped", va)
	}
	f, err := e.alloc.Alloc(frame.FlagNone)
	if err != kerr.Ok {
		return fmt.Errorf("swap: alloc frame for swap-in: %v", err)
	}
	buf := e.alloc.Bytes(f)
	for s := uint64(0); s < kconfig.SectorsPerPage; s++ {
		sec := buf[s*kconfig.SectorSize : (s+1)*kconfig.SectorSize]
		if rerr := e.dev.ReadSector(slot*kconfig.SectorsPerPage+s, sec); rerr != nil {
			return rerr
		}
	}
	e.freeSlot(slot)
	a.ClearSwapped(va)

	if err := p.Table.Insert(f, va, perm); err != kerr.Ok {
		return fmt.Errorf("swap: insert swapped-in page: %v", err)
	}
	head, _ := f.Rmap.Owner.(*rmap.Head)
	if head == nil {
		head = &rmap.Head{}
		f.Rmap.Owner = head
	}
	rmap.Add(e.pool, head, p, va, uint(perm))
	e.Register(f)
	p.Swapped--
	p.Mapped++
	return nil
}
