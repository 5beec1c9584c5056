package fault

import (
	"testing"

	"github.com/zuziik/KP2018/internal/blockdev"
	"github.com/zuziik/KP2018/internal/frame"
	"github.com/zuziik/KP2018/internal/kconfig"
	"github.com/zuziik/KP2018/internal/kerr"
	"github.com/zuziik/KP2018/internal/pagetable"
	"github.com/zuziik/KP2018/internal/proc"
	"github.com/zuziik/KP2018/internal/rmap"
	"github.com/zuziik/KP2018/internal/swap"
	"github.com/zuziik/KP2018/internal/vma"
)

func newTestKernel(t *testing.T) (*frame.Allocator, *proc.Table, *Handler) {
	t.Helper()
	arena := make([]byte, 256*kconfig.PageSize)
	alloc := frame.NewAllocator(arena, nil)
	pool := rmap.NewPool()
	dev := blockdev.NewMemDevice(64 * kconfig.SectorsPerPage)
	sw := swap.New(dev, alloc, pool)
	return alloc, proc.NewTable(alloc), New(alloc, pool, sw)
}

func TestAnonFaultDemandPages(t *testing.T) {
	_, table, h := newTestKernel(t)
	p, err := table.Alloc(proc.None)
	if err != 0 {
		t.Fatalf("alloc proc: %v", err)
	}
	va := uintptr(kconfig.USERMIN)
	if _, ok := p.VMAs.Insert(va, kconfig.PageSize, pagetable.Writable|pagetable.User, vma.Anon); !ok {
		t.Fatal("vma insert failed")
	}

	if oc := h.Handle(p, va, ErrWrite|ErrUser, 0); oc != Resolved {
		t.Fatalf("handle: %v", oc)
	}
	if _, _, ok := p.Table.Lookup(va); !ok {
		t.Fatal("page not mapped after demand fault")
	}
	if p.Mapped != 1 {
		t.Fatalf("p.Mapped = %d, want 1", p.Mapped)
	}
}

// TestHugeFaultDemandPagesWholeWindow exercises the huge-page demand-paging
// path a real vma_create(perm|pagetable.Huge) would drive: the first fault
// anywhere in the 2 MiB window installs one huge frame, and every other
// offset in the same window resolves to it without faulting again.
func TestHugeFaultDemandPagesWholeWindow(t *testing.T) {
	arena := make([]byte, 2*kconfig.SmallPerHuge*kconfig.PageSize)
	alloc := frame.NewAllocator(arena, nil)
	pool := rmap.NewPool()
	dev := blockdev.NewMemDevice(64 * kconfig.SectorsPerPage)
	sw := swap.New(dev, alloc, pool)
	h := New(alloc, pool, sw)
	table := proc.NewTable(alloc)

	// A freshly built allocator has no huge free node yet: alloc one small
	// frame and free it right back so tryCoalesce merges its neighborhood
	// (mirrors frame_test.go's TestHugeSplitAndCoalesce).
	prime, perr := alloc.Alloc(frame.FlagNone)
	if perr != kerr.Ok {
		t.Fatalf("prime alloc: %v", perr)
	}
	alloc.Incref(prime)
	alloc.Decref(prime)

	p, err := table.Alloc(proc.None)
	if err != 0 {
		t.Fatalf("alloc proc: %v", err)
	}
	base := uintptr(kconfig.USERMIN)
	perm := pagetable.Huge | pagetable.Writable | pagetable.User
	if _, ok := p.VMAs.Insert(base, kconfig.HugePageSize, perm, vma.Anon); !ok {
		t.Fatal("vma insert failed")
	}

	mid := base + kconfig.HugePageSize/2
	if oc := h.Handle(p, mid, ErrWrite|ErrUser, 0); oc != Resolved {
		t.Fatalf("handle: %v", oc)
	}
	midFrame, pte, ok := p.Table.Lookup(mid)
	if !ok || *pte&pagetable.Huge == 0 {
		t.Fatal("expected a huge mapping after the first fault")
	}
	if p.Mapped != kconfig.SmallPerHuge {
		t.Fatalf("p.Mapped = %d, want %d", p.Mapped, kconfig.SmallPerHuge)
	}

	if oc := h.Handle(p, base, ErrWrite|ErrUser, 0); oc != Resolved {
		t.Fatalf("handle second offset: %v", oc)
	}
	baseFrame, _, ok := p.Table.Lookup(base)
	if !ok || baseFrame.Index != midFrame.Index {
		t.Fatal("every offset in the window should resolve to the same huge frame")
	}
	if p.Mapped != kconfig.SmallPerHuge {
		t.Fatal("a second fault in an already-mapped huge window must not re-account pages")
	}
}

func TestFaultOutsideVMAIsInvalid(t *testing.T) {
	_, table, h := newTestKernel(t)
	p, _ := table.Alloc(proc.None)
	if oc := h.Handle(p, uintptr(kconfig.USERMIN), ErrWrite|ErrUser, 0); oc != Destroy {
		t.Fatalf("expected Destroy, got %v", oc)
	}
}

// TestFatalKernelFaultPanics covers spec.md 4.4/4.10: a kernel-origin fault
// that is neither "not-present touching a user address" nor "present and a
// write" is unrecoverable and panics into the monitor.
func TestFatalKernelFaultPanics(t *testing.T) {
	_, table, h := newTestKernel(t)
	p, _ := table.Alloc(proc.None)

	defer func() {
		if recover() == nil {
			t.Fatal("expected a fatal kernel fault to panic")
		}
	}()
	h.Handle(p, 0, 0, 0)
}

func TestCOWWriteBreaksSharingWhenRefCountedTwice(t *testing.T) {
	alloc, table, h := newTestKernel(t)
	parent, _ := table.Alloc(proc.None)
	child, _ := table.Alloc(proc.None)

	va := uintptr(kconfig.USERMIN)
	parent.VMAs.Insert(va, kconfig.PageSize, pagetable.Writable|pagetable.User, vma.Anon)
	child.VMAs.Insert(va, kconfig.PageSize, pagetable.Writable|pagetable.User, vma.Anon)

	f, err := alloc.Alloc(frame.FlagZero)
	if err != kerr.Ok {
		t.Fatalf("alloc: %v", err)
	}
	cowPerm := pagetable.User | pagetable.COW
	if ierr := parent.Table.Insert(f, va, cowPerm); ierr != kerr.Ok {
		t.Fatalf("insert parent: %v", ierr)
	}
	if ierr := child.Table.Insert(f, va, cowPerm); ierr != kerr.Ok {
		t.Fatalf("insert child: %v", ierr)
	}
	if f.Refcnt != 2 {
		t.Fatalf("refcnt = %d, want 2", f.Refcnt)
	}

	if oc := h.Handle(child, va, ErrPresent|ErrWrite|ErrUser, 0); oc != Resolved {
		t.Fatalf("handle cow: %v", oc)
	}

	childFrame, pte, ok := child.Table.Lookup(va)
	if !ok {
		t.Fatal("child page unmapped after cow fault")
	}
	if childFrame.Index == f.Index {
		t.Fatal("child should have a private copy, not the shared frame")
	}
	if *pte&pagetable.Writable == 0 {
		t.Fatal("child mapping should be writable after cow break")
	}

	parentFrame, _, _ := parent.Table.Lookup(va)
	if parentFrame.Index != f.Index {
		t.Fatal("parent's mapping must be untouched by the child's cow fault")
	}
}

func TestCOWWriteUpgradesInPlaceWhenSoleOwner(t *testing.T) {
	alloc, table, h := newTestKernel(t)
	p, _ := table.Alloc(proc.None)
	va := uintptr(kconfig.USERMIN)
	p.VMAs.Insert(va, kconfig.PageSize, pagetable.Writable|pagetable.User, vma.Anon)

	f, _ := alloc.Alloc(frame.FlagZero)
	if ierr := p.Table.Insert(f, va, pagetable.User|pagetable.COW); ierr != kerr.Ok {
		t.Fatalf("insert: %v", ierr)
	}

	if oc := h.Handle(p, va, ErrPresent|ErrWrite|ErrUser, 0); oc != Resolved {
		t.Fatalf("handle cow: %v", oc)
	}
	mapped, pte, ok := p.Table.Lookup(va)
	if !ok || mapped.Index != f.Index {
		t.Fatal("sole-owner cow fault should upgrade in place, not copy")
	}
	if *pte&pagetable.COW != 0 {
		t.Fatal("COW bit should be cleared after upgrade")
	}
}
