// Package pagetable implements the four-level address-space manager:
// spec.md 4.2. It walks PML4 -> PDPT -> PD -> PT trees stored inside
// frame.Frame pages, the way biscuit's mem/dmap.go walks its Pmap_t trees
// via unsafe.Pointer reinterpretation of a page's bytes.
package pagetable

import (
	"unsafe"

	"github.com/zuziik/KP2018/internal/apic"
	"github.com/zuziik/KP2018/internal/frame"
	"github.com/zuziik/KP2018/internal/kconfig"
	"github.com/zuziik/KP2018/internal/kerr"
)

// PTE is a single page-table entry: {present, writable, user, no-exec,
// huge, accessed, dirty, cow, physical address} packed as in spec.md 3.
type PTE uint64

const (
	Present PTE = 1 << 0
	Writable PTE = 1 << 1
	User     PTE = 1 << 2
	NoExec   PTE = 1 << 63
	Huge     PTE = 1 << 7
	Accessed PTE = 1 << 5
	Dirty    PTE = 1 << 6
	// COW marks a page installed read-only so that a write traps into the
	// copy-on-write path (spec.md 4.4).
	COW PTE = 1 << 9
	// WasCOW records that a writable mapping started life as a COW page,
	// so the fault handler can tell "upgrade in place" from "fresh map".
	WasCOW PTE = 1 << 10

	addrMask PTE = 0x000ffffffffff000
)

const entries = 512

// Perm is the subset of flags callers pass to Insert/Protect; addr and
// Present/Huge bookkeeping bits are the table's own business.
type Perm = PTE

// Table is one process's (or the kernel's) four-level address space.
type Table struct {
	Root  *frame.Frame
	alloc *frame.Allocator
}

// New allocates a fresh root PML4 frame, zeroed, for a new address space.
func New(alloc *frame.Allocator) (*Table, kerr.Errno) {
	root, err := alloc.Alloc(frame.FlagZero)
	if err != kerr.Ok {
		return nil, err
	}
	alloc.Incref(root)
	return &Table{Root: root, alloc: alloc}, kerr.Ok
}

func asEntries(alloc *frame.Allocator, f *frame.Frame) *[entries]PTE {
	b := alloc.Bytes(f)
	return (*[entries]PTE)(unsafe.Pointer(&b[0]))
}

func levelIndex(va uintptr, level int) int {
	shift := uint(kconfig.PageShift) + 9*uint(level)
	return int((va >> shift) & 0x1ff)
}

// Walk returns a pointer to the leaf PTE governing va: the PD-level entry
// itself when huge is true (a 2 MiB mapping lives there, one level above
// the PT), or the PT-level entry for a small page. It creates interior
// page-table frames as needed when create is true (spec.md 4.2 walk(root,
// va, create)). A pre-existing huge mapping encountered while walking for
// a small page is returned as-is, the way a Lookup/Remove of an address
// inside an already-huge-mapped region must see the real PD-level entry
// rather than walking past it into a nonexistent PT.
func (t *Table) Walk(va uintptr, create, huge bool) (*PTE, kerr.Errno) {
	cur := t.Root
	// levels 3,2,1 are PML4, PDPT, PD; level 0 is PT.
	for level := 3; level >= 1; level-- {
		tbl := asEntries(t.alloc, cur)
		idx := levelIndex(va, level)
		e := &tbl[idx]

		if huge && level == 1 {
			if *e&Present == 0 && !create {
				return nil, kerr.Invalid
			}
			return e, kerr.Ok
		}
		if *e&Huge != 0 {
			return e, kerr.Ok
		}
		if *e&Present == 0 {
			if !create {
				return nil, kerr.Invalid
			}
			child, err := t.alloc.Alloc(frame.FlagZero)
			if err != kerr.Ok {
				return nil, err
			}
			t.alloc.Incref(child)
			*e = PTE(child.Index*kconfig.PageSize) | Present | Writable | User
		}
		childIdx := int((*e & addrMask)) / kconfig.PageSize
		cur = t.alloc.Frame(childIdx)
	}
	tbl := asEntries(t.alloc, cur)
	return &tbl[levelIndex(va, 0)], kerr.Ok
}

// Lookup returns the frame mapped at va and its PTE, or ok=false if unmapped.
// An address inside an existing huge mapping resolves to that mapping's
// PD-level PTE and its (512-page-spanning) frame.
func (t *Table) Lookup(va uintptr) (*frame.Frame, *PTE, bool) {
	pte, err := t.Walk(va, false, false)
	if err != kerr.Ok || *pte&Present == 0 {
		return nil, pte, false
	}
	idx := int(*pte&addrMask) / kconfig.PageSize
	return t.alloc.Frame(idx), pte, true
}

// Insert maps f at va with perm, bumping f's refcount and releasing any
// frame that was previously mapped there (spec.md 4.2 insert semantics).
// perm&Huge installs a single PD-level 2 MiB mapping rather than a PT-level
// 4 KiB one; any small mappings already present in the covered 2 MiB window
// (and the interior PT frame that held them) are cleared first.
func (t *Table) Insert(f *frame.Frame, va uintptr, perm Perm) kerr.Errno {
	huge := perm&Huge != 0
	if huge {
		base := va &^ uintptr(kconfig.HugePageSize-1)
		for off := uintptr(0); off < kconfig.HugePageSize; off += kconfig.PageSize {
			t.Remove(base + off)
		}
	}
	pte, err := t.Walk(va, true, huge)
	if err != kerr.Ok {
		return err
	}
	t.alloc.Incref(f)
	if *pte&Present != 0 {
		oldIdx := int(*pte&addrMask) / kconfig.PageSize
		old := t.alloc.Frame(oldIdx)
		t.alloc.Decref(old)
	}
	*pte = PTE(f.Index*kconfig.PageSize) | perm | Present
	return kerr.Ok
}

// Remove unmaps va, decrementing the previously mapped frame's refcount.
// It reports whether a mapping was present. An address inside a huge
// mapping unmaps the whole 2 MiB entry, matching Lookup's resolution of
// the same address.
func (t *Table) Remove(va uintptr) bool {
	pte, err := t.Walk(va, false, false)
	if err != kerr.Ok || *pte&Present == 0 {
		return false
	}
	idx := int(*pte&addrMask) / kconfig.PageSize
	f := t.alloc.Frame(idx)
	*pte = 0
	t.alloc.Decref(f)
	return true
}

// Protect updates the permission bits of the mapping at va in place,
// preserving its Huge classification regardless of whether perm carries it.
func (t *Table) Protect(va uintptr, perm Perm) kerr.Errno {
	pte, err := t.Walk(va, false, false)
	if err != kerr.Ok || *pte&Present == 0 {
		return kerr.Invalid
	}
	addr := *pte & addrMask
	*pte = addr | (perm | (*pte & Huge)) | Present
	return kerr.Ok
}

// Demote replaces the huge 2 MiB mapping at base (must be 2 MiB-aligned and
// present) with one small 4 KiB entry per frame in frames, frames[i] backing
// base+i*PageSize, all installed with perm. It neither increfs nor decrefs
// any frame: callers arrange that via frame.Allocator.DemoteHuge and the
// child side's own Insert calls (spec.md 4.9 fork's huge-to-small
// demotion).
func (t *Table) Demote(base uintptr, frames []*frame.Frame, perm Perm) kerr.Errno {
	huge, err := t.Walk(base, false, true)
	if err != kerr.Ok || *huge&Present == 0 {
		return kerr.Invalid
	}
	*huge = 0
	for i, f := range frames {
		pte, werr := t.Walk(base+uintptr(i)*kconfig.PageSize, true, false)
		if werr != kerr.Ok {
			return werr
		}
		*pte = PTE(f.Index*kconfig.PageSize) | perm | Present
	}
	return kerr.Ok
}

// Invalidater performs a cross-CPU TLB shootdown; satisfied by apic.Controller.
type Invalidater interface {
	RaiseIPI(cpu int, vector apic.Vector)
}

// Invalidate flushes va from the local TLB; in a hosted simulation there is
// no hardware TLB, so it does nothing (spec.md 4.2/5). It does not raise a
// cross-CPU shootdown through an Invalidater either.
func (t *Table) Invalidate(va uintptr) {
	// no-op: there is no real MMU cache to flush in a hosted process.
	_ = va
}

// Teardown walks the tree freeing every leaf and interior frame below
// kconfig.USERTOP, respecting the user/kernel split (spec.md 4.2).
func (t *Table) Teardown() {
	t.teardown(t.Root, 3, 0)
	t.alloc.Decref(t.Root)
}

func (t *Table) teardown(tblFrame *frame.Frame, level int, baseVA uintptr) {
	tbl := asEntries(t.alloc, tblFrame)
	shift := uint(kconfig.PageShift) + 9*uint(level)
	for i := 0; i < entries; i++ {
		e := &tbl[i]
		if *e&Present == 0 {
			continue
		}
		va := baseVA | (uintptr(i) << shift)
		if va >= kconfig.USERTOP {
			continue
		}
		idx := int(*e&addrMask) / kconfig.PageSize
		childFrame := t.alloc.Frame(idx)
		if level == 0 || *e&Huge != 0 {
			t.alloc.Decref(childFrame)
		} else {
			t.teardown(childFrame, level-1, va)
			t.alloc.Decref(childFrame)
		}
		*e = 0
	}
}
