// Package vma implements the per-process virtual memory area manager:
// spec.md 4.3. Regions are held in a fixed kconfig.NVMA-sized array with
// the invariant that used entries occupy a strictly ascending,
// non-overlapping prefix and the remainder is unused tail -- a different
// storage strategy than the original kernel's singly linked vma_area list
// (original_source/kern/vma.c), chosen because spec.md fixes NVMA as a
// per-process budget rather than a dynamically sized list.
package vma

import (
	"sync"

	"github.com/zuziik/KP2018/internal/kconfig"
	"github.com/zuziik/KP2018/internal/pagetable"
)

// Kind is the backing of a region (spec.md 4.3).
type Kind int

const (
	Anon Kind = iota
	Binary
	Stack
)

// VMA is one virtual memory area (spec.md 3 "VMA").
type VMA struct {
	VA   uintptr
	Len  uintptr
	Perm pagetable.Perm
	Kind Kind

	// Src/SrcLen describe the binary-backed prefix of a Binary region: the
	// first SrcLen bytes are populated from Src on demand, the remainder
	// of Len is zero-fill (bss), matching original env.c's load_icode
	// semantics of copying only p_filesz bytes of a segment.
	Src    []byte
	SrcLen uintptr

	// Swapped maps a page-aligned VA within this region to the swap slot
	// holding its contents, for pages the swap engine has evicted
	// (spec.md 4.6 "per-VMA record of swapped-out pages").
	Swapped map[uintptr]uint64

	used bool
}

// List is the fixed-capacity, order-invariant VMA table for one process.
type List struct {
	mu    sync.Mutex
	areas [kconfig.NVMA]VMA
	count int
}

// NewList returns an empty VMA list.
func NewList() *List {
	return &List{}
}

// Clear empties the list, releasing every entry (called on process
// destruction, spec.md 4.3).
func (l *List) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < l.count; i++ {
		l.areas[i] = VMA{}
	}
	l.count = 0
}

// Areas returns the in-use regions in ascending order. The returned
// pointers alias the list's internal storage; callers must not call
// Insert/Destroy on the same list while iterating (spec.md 4.9 fork takes
// this snapshot with the parent process otherwise quiescent).
func (l *List) Areas() []*VMA {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*VMA, l.count)
	for i := 0; i < l.count; i++ {
		out[i] = &l.areas[i]
	}
	return out
}

// Count returns the number of in-use regions.
func (l *List) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Lookup returns the region covering va, if any (spec.md 4.3
// vma_lookup).
func (l *List) Lookup(va uintptr) (*VMA, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lookupLocked(va)
}

func (l *List) lookupLocked(va uintptr) (*VMA, bool) {
	for i := 0; i < l.count; i++ {
		a := &l.areas[i]
		if va >= a.VA && va < a.VA+a.Len {
			return a, true
		}
		if a.VA > va {
			break // areas are kept in ascending order
		}
	}
	return nil, false
}

// overlapsLocked reports whether [va, va+length) intersects any existing
// region.
func (l *List) overlapsLocked(va, length uintptr) bool {
	end := va + length
	for i := 0; i < l.count; i++ {
		a := &l.areas[i]
		if va < a.VA+a.Len && a.VA < end {
			return true
		}
	}
	return false
}

// FindGap finds the lowest address >= kconfig.USERMIN that has room for a
// length-byte region without overlapping an existing one (spec.md 4.3
// vma_get_vmem, adapted from original_source/kern/vma.c's before-first /
// between / after-last scan).
func (l *List) FindGap(length uintptr) (uintptr, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	const userMin = uintptr(kconfig.USERMIN)
	const userTop = uintptr(kconfig.USERTOP)

	if l.count == 0 {
		if length <= userTop-userMin {
			return userMin, true
		}
		return 0, false
	}
	if gap := l.areas[0].VA - userMin; gap >= length {
		return userMin, true
	}
	for i := 0; i < l.count-1; i++ {
		candidate := l.areas[i].VA + l.areas[i].Len
		gap := l.areas[i+1].VA - candidate
		if gap >= length {
			return candidate, true
		}
	}
	last := &l.areas[l.count-1]
	candidate := last.VA + last.Len
	if userTop-candidate >= length {
		return candidate, true
	}
	return 0, false
}

// Insert creates a new region [va, va+len) with the given permission and
// kind, keeping the array's ascending-order invariant (spec.md 4.3
// vma_insert). Returns false if the table is full, va is misaligned, or
// the region overlaps an existing one.
func (l *List) Insert(va, length uintptr, perm pagetable.Perm, kind Kind) (*VMA, bool) {
	if va%kconfig.PageSize != 0 || length%kconfig.PageSize != 0 || length == 0 {
		return nil, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count >= kconfig.NVMA {
		return nil, false
	}
	if l.overlapsLocked(va, length) {
		return nil, false
	}

	pos := l.count
	for i := 0; i < l.count; i++ {
		if l.areas[i].VA > va {
			pos = i
			break
		}
	}
	for i := l.count; i > pos; i-- {
		l.areas[i] = l.areas[i-1]
	}
	l.areas[pos] = VMA{VA: va, Len: length, Perm: perm, Kind: kind, used: true}
	l.count++
	return &l.areas[pos], true
}

// Destroy unmaps [va, va+length), a subrange of exactly one existing
// region: it may remove the region whole, shrink it from either end, or
// split it in two when the range falls strictly inside it (spec.md 4.3,
// ported from original_source/kern/syscall.c's sys_vma_destroy). va+length
// must not cross into a second region. onReleased, if non-nil, is called
// with the destroyed subrange so the caller can unmap the corresponding
// pages and release their frames/reverse-map entries.
func (l *List) Destroy(va, length uintptr, onReleased func(va, length uintptr)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := 0; i < l.count; i++ {
		a := &l.areas[i]
		if va < a.VA || va >= a.VA+a.Len {
			continue
		}
		if va+length > a.VA+a.Len {
			return false // spans past this region's end
		}

		switch {
		case va == a.VA && length == a.Len:
			if onReleased != nil {
				onReleased(va, length)
			}
			l.removeAtLocked(i)

		case va == a.VA:
			// Shrink from the start: keep [va+length, a.VA+a.Len).
			a.removeSwappedInRange(va, va+length)
			if onReleased != nil {
				onReleased(va, length)
			}
			a.trimFront(length)
			a.VA += length
			a.Len -= length

		case va+length == a.VA+a.Len:
			// Shrink from the end: keep [a.VA, va).
			a.removeSwappedInRange(va, va+length)
			if onReleased != nil {
				onReleased(va, length)
			}
			a.Len -= length

		default:
			// Split: keep [a.VA, va) in place, insert a new region for
			// [va+length, a.VA+a.Len). Src/SrcLen/Swapped are keyed on
			// absolute addresses or on the region's own VA, so the head
			// keeps its Src untouched while the tail's Src is trimmed by
			// the same offset its VA moves forward by.
			tailVA := va + length
			tailLen := a.VA + a.Len - tailVA

			tail := *a
			tail.Swapped = a.splitSwappedFrom(tailVA)
			tail.VA = tailVA
			tail.Len = tailLen
			tail.trimFront(tailVA - a.VA)

			a.removeSwappedInRange(va, tailVA)
			if onReleased != nil {
				onReleased(va, length)
			}
			a.Len = va - a.VA

			if _, ok := l.insertCopyLocked(tail); !ok {
				// Table is full: undo, leaving the original region whole
				// rather than silently dropping the tail.
				a.Len = tailVA + tailLen - a.VA
				if len(tail.Swapped) > 0 {
					if a.Swapped == nil {
						a.Swapped = make(map[uintptr]uint64)
					}
					for k, v := range tail.Swapped {
						a.Swapped[k] = v
					}
				}
				return false
			}
		}
		return true
	}
	return false
}

// removeSwappedInRange deletes every Swapped entry with a key in
// [lo, hi), keys being absolute virtual addresses.
func (a *VMA) removeSwappedInRange(lo, hi uintptr) {
	for k := range a.Swapped {
		if k >= lo && k < hi {
			delete(a.Swapped, k)
		}
	}
}

// splitSwappedFrom removes every Swapped entry with a key >= threshold
// from a and returns them as a fresh map for the tail region produced by
// a split destroy.
func (a *VMA) splitSwappedFrom(threshold uintptr) map[uintptr]uint64 {
	if len(a.Swapped) == 0 {
		return nil
	}
	tail := make(map[uintptr]uint64)
	for k, v := range a.Swapped {
		if k >= threshold {
			tail[k] = v
			delete(a.Swapped, k)
		}
	}
	if len(tail) == 0 {
		return nil
	}
	return tail
}

// trimFront drops the first n bytes of a Binary region's file-backed
// prefix, the way shrinking a region's start address shifts every
// subsequent fault's Src offset (spec.md 4.4's off := va - area.VA).
// A no-op for regions with no Src (Anon, Stack).
func (a *VMA) trimFront(n uintptr) {
	if a.Src == nil {
		return
	}
	if n >= a.SrcLen {
		a.Src = nil
		a.SrcLen = 0
		return
	}
	a.Src = a.Src[n:]
	a.SrcLen -= n
}

// removeAtLocked deletes the region at index i, preserving ascending
// order, with l.mu already held.
func (l *List) removeAtLocked(i int) {
	for j := i; j < l.count-1; j++ {
		l.areas[j] = l.areas[j+1]
	}
	l.areas[l.count-1] = VMA{}
	l.count--
}

// insertCopyLocked inserts a fully formed VMA (as opposed to Insert's
// perm/kind-only construction), preserving Src/SrcLen/Swapped, with l.mu
// already held.
func (l *List) insertCopyLocked(v VMA) (*VMA, bool) {
	if l.count >= kconfig.NVMA {
		return nil, false
	}
	if l.overlapsLocked(v.VA, v.Len) {
		return nil, false
	}
	pos := l.count
	for i := 0; i < l.count; i++ {
		if l.areas[i].VA > v.VA {
			pos = i
			break
		}
	}
	for i := l.count; i > pos; i-- {
		l.areas[i] = l.areas[i-1]
	}
	v.used = true
	l.areas[pos] = v
	l.count++
	return &l.areas[pos], true
}

// MarkSwapped records that the page at va within area a now lives in swap
// slot; SwapSlot looks that record up and ClearSwapped removes it
// (spec.md 4.6).
func (a *VMA) MarkSwapped(va uintptr, slot uint64) {
	if a.Swapped == nil {
		a.Swapped = make(map[uintptr]uint64)
	}
	a.Swapped[va] = slot
}

func (a *VMA) SwapSlot(va uintptr) (uint64, bool) {
	slot, ok := a.Swapped[va]
	return slot, ok
}

func (a *VMA) ClearSwapped(va uintptr) {
	delete(a.Swapped, va)
}
