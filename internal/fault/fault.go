// Package fault implements the page-fault handler: spec.md 4.4, grounded on
// the teacher's Sys_pgfault (vm/as.go) for the copy-on-write classification
// and original_source/kern/vma.c's vma_map_populate for demand-paging a
// freshly faulted-in page.
package fault

import (
	"github.com/zuziik/KP2018/internal/console"
	"github.com/zuziik/KP2018/internal/frame"
	"github.com/zuziik/KP2018/internal/kconfig"
	"github.com/zuziik/KP2018/internal/kerr"
	"github.com/zuziik/KP2018/internal/pagetable"
	"github.com/zuziik/KP2018/internal/proc"
	"github.com/zuziik/KP2018/internal/rmap"
	"github.com/zuziik/KP2018/internal/swap"
	"github.com/zuziik/KP2018/internal/util"
	"github.com/zuziik/KP2018/internal/vma"
)

// ErrCode mirrors the x86-64 page-fault error code the CPU pushes next to
// CR2 (spec.md 4.4, trapframe.Frame.ErrCode): bit 0 set means the faulting
// page was present, bit 1 set means the access was a write, bit 2 set
// means the access originated in user mode.
type ErrCode uint64

const (
	ErrPresent ErrCode = 1 << iota
	ErrWrite
	ErrUser
)

// Outcome reports how Handle disposed of a fault.
type Outcome int

const (
	// Resolved means the fault was handled; the process may resume.
	Resolved Outcome = iota
	// Destroy means the fault was an unrecoverable user fault (spec.md
	// 4.10): the caller must transition p to dying.
	Destroy
)

// Handler resolves page faults for every process sharing the given
// allocator, reverse-map pool, and swap engine.
type Handler struct {
	alloc *frame.Allocator
	pool  *rmap.Pool
	swap  *swap.Engine
}

// New builds a page-fault handler over the kernel's shared frame allocator,
// reverse-map pool, and swap engine.
func New(alloc *frame.Allocator, pool *rmap.Pool, sw *swap.Engine) *Handler {
	return &Handler{alloc: alloc, pool: pool, swap: sw}
}

// fatalKernelFault reports whether ecode/va is the "any other kernel fault"
// catch-all of spec.md 4.4: a kernel-origin fault is only recoverable when
// it is a not-present access to a user address (kernel touching user
// memory, handled as if the user had) or a present+write fault (a COW
// candidate); anything else with the user bit clear is unrecoverable.
func fatalKernelFault(ecode ErrCode, va uintptr) bool {
	if ecode&ErrUser != 0 {
		return false
	}
	if ecode&ErrPresent == 0 {
		return va < kconfig.USERMIN || va >= kconfig.USERTOP
	}
	return ecode&ErrWrite == 0
}

// Handle resolves a fault at faultVA in p, classifying it by ecode exactly
// as spec.md 4.4 describes: present+write is a copy-on-write candidate,
// not-present is demand paging or swap-in, and a kernel-origin fault that
// is neither of those is fatal and panics into the monitor (spec.md 4.10).
// An access outside any VMA, or one the COW/demand path cannot service, is
// reported as Destroy so the caller transitions p to dying. cpu identifies
// the CPU servicing the fault, so ordinary (non-huge) frame allocations can
// use the allocator's per-CPU fast path rather than the global free list.
func (h *Handler) Handle(p *proc.Proc, faultVA uintptr, ecode ErrCode, cpu int) Outcome {
	va := util.Rounddown(faultVA, uintptr(kconfig.PageSize))

	if fatalKernelFault(ecode, va) {
		console.Fatal("fault: unrecoverable kernel fault", map[string]interface{}{
			"pid": uint64(p.Id), "va": uint64(va), "ecode": uint64(ecode),
		})
	}

	area, ok := p.VMAs.Lookup(va)
	if !ok {
		return Destroy
	}

	var err kerr.Errno
	switch {
	case ecode&ErrPresent != 0:
		f, pte, mapped := p.Table.Lookup(va)
		if !mapped {
			return Destroy
		}
		err = h.handleCOW(p, area, va, ecode&ErrWrite != 0, f, pte, cpu)
	case area.Perm&pagetable.Huge != 0:
		err = h.handleMissingHuge(p, area, va)
	default:
		err = h.handleMissing(p, area, va, cpu)
	}

	if err != kerr.Ok {
		return Destroy
	}
	return Resolved
}

// handleCOW resolves a fault on a page that is already mapped: a write to
// a PTE_COW page either upgrades the mapping in place (the frame has no
// other owner) or breaks sharing by copying to a fresh frame, the way
// vm/as.go's Sys_pgfault distinguishes "needs real copy" from "can upgrade
// the mapping" by checking the frame's reference count.
func (h *Handler) handleCOW(p *proc.Proc, area *vma.VMA, va uintptr, write bool, f *frame.Frame, pte *pagetable.PTE, cpu int) kerr.Errno {
	if !write || *pte&pagetable.COW == 0 {
		return kerr.Invalid
	}

	if f.Refcnt == 1 {
		perm := (*pte &^ pagetable.COW) | pagetable.Writable | pagetable.WasCOW
		if err := p.Table.Protect(va, perm); err != kerr.Ok {
			return err
		}
		p.Table.Invalidate(va)
		return kerr.Ok
	}

	dst, err := h.alloc.AllocCPU(cpu, frame.FlagNone)
	if err != kerr.Ok {
		return err
	}
	copy(h.alloc.Bytes(dst), h.alloc.Bytes(f))

	if oldHead, ok := f.Rmap.Owner.(*rmap.Head); ok && oldHead != nil {
		rmap.Remove(h.pool, oldHead, p, va)
	}

	perm := (area.Perm &^ (pagetable.COW | pagetable.Huge)) | pagetable.Writable
	if err := p.Table.Insert(dst, va, perm); err != kerr.Ok {
		h.alloc.Decref(dst)
		return err
	}
	h.attachRmap(dst, p, va, uint(perm))
	h.swap.Register(dst)
	p.Table.Invalidate(va)
	return kerr.Ok
}

// handleMissing resolves a fault on a page with no current mapping: either
// it was swapped out (swap-in) or it has never been faulted in before
// (demand paging from the VMA's backing: zero-fill for anonymous memory,
// file-backed bytes followed by zero-fill bss for a binary region).
func (h *Handler) handleMissing(p *proc.Proc, area *vma.VMA, va uintptr, cpu int) kerr.Errno {
	if _, swapped := area.SwapSlot(va); swapped {
		if err := h.swap.SwapIn(p, area, va, area.Perm); err != nil {
			return kerr.NoMem
		}
		return kerr.Ok
	}

	f, err := h.alloc.AllocCPU(cpu, frame.FlagZero)
	if err != kerr.Ok {
		return err
	}

	if area.Kind == vma.Binary {
		off := va - area.VA
		if off < area.SrcLen {
			n := area.SrcLen - off
			if n > kconfig.PageSize {
				n = kconfig.PageSize
			}
			copy(h.alloc.Bytes(f)[:n], area.Src[off:off+n])
		}
	}

	if ierr := p.Table.Insert(f, va, area.Perm); ierr != kerr.Ok {
		h.alloc.Decref(f)
		return ierr
	}
	h.attachRmap(f, p, va, uint(area.Perm))
	h.swap.Register(f)
	p.Mapped++
	return kerr.Ok
}

// handleMissingHuge resolves a fault inside a VMA that requests a single
// 2 MiB mapping (area.Perm&pagetable.Huge): one physical frame backs the
// whole 2 MiB-aligned window, so the first fault anywhere inside it installs
// the entire window at once and every later fault in the same window finds
// it already mapped. Huge frames are never registered with the swap engine
// here: evicting one a sector at a time would only write back its first 4
// KiB, so a huge mapping is wired but not swappable.
func (h *Handler) handleMissingHuge(p *proc.Proc, area *vma.VMA, va uintptr) kerr.Errno {
	base := va &^ uintptr(kconfig.HugePageSize-1)
	if _, _, present := p.Table.Lookup(base); present {
		return kerr.Ok
	}

	f, err := h.alloc.Alloc(frame.FlagHuge | frame.FlagZero)
	if err != kerr.Ok {
		return err
	}

	if area.Kind == vma.Binary {
		off := base - area.VA
		if off < area.SrcLen {
			n := area.SrcLen - off
			if n > kconfig.HugePageSize {
				n = kconfig.HugePageSize
			}
			copy(h.alloc.Bytes(f)[:n], area.Src[off:off+n])
		}
	}

	if ierr := p.Table.Insert(f, base, area.Perm); ierr != kerr.Ok {
		h.alloc.Decref(f)
		return ierr
	}
	h.attachRmap(f, p, base, uint(area.Perm))
	p.Mapped += kconfig.SmallPerHuge
	return kerr.Ok
}

func (h *Handler) attachRmap(f *frame.Frame, p *proc.Proc, va uintptr, perm uint) {
	head, _ := f.Rmap.Owner.(*rmap.Head)
	if head == nil {
		head = &rmap.Head{}
		f.Rmap.Owner = head
	}
	rmap.Add(h.pool, head, p, va, perm)
}
