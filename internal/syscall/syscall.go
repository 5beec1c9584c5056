// Package syscall dispatches the kernel's system call ABI: spec.md 6
// ("cputs", "cgetc", "getenvid", "env_destroy", "vma_create",
// "vma_destroy", "yield", "wait", "fork"). It is the single collaborator
// that sits above proc/vma/pagetable/sched/swap, the way the teacher's
// sys_* entry points (vm/as.go's Sys_pgfault neighbors) sit above Vm_t.
package syscall

import (
	"github.com/zuziik/KP2018/internal/apic"
	"github.com/zuziik/KP2018/internal/console"
	"github.com/zuziik/KP2018/internal/frame"
	"github.com/zuziik/KP2018/internal/kconfig"
	"github.com/zuziik/KP2018/internal/kerr"
	"github.com/zuziik/KP2018/internal/pagetable"
	"github.com/zuziik/KP2018/internal/proc"
	"github.com/zuziik/KP2018/internal/rmap"
	"github.com/zuziik/KP2018/internal/sched"
	"github.com/zuziik/KP2018/internal/swap"
	"github.com/zuziik/KP2018/internal/vma"
)

// Number identifies a system call (spec.md 6).
type Number uint64

const (
	SysCputs Number = iota
	SysCgetc
	SysGetEnvID
	SysEnvDestroy
	SysVMACreate
	SysVMADestroy
	SysYield
	SysWait
	SysFork
)

// Dispatcher implements every system call over a shared process table,
// scheduler, frame allocator, reverse-map pool, swap engine, and IPI
// controller.
type Dispatcher struct {
	Table *proc.Table
	Sched *sched.Scheduler
	Alloc *frame.Allocator
	Pool  *rmap.Pool
	Swap  *swap.Engine
	IPI   apic.Controller
}

// Dispatch executes system call num on behalf of self with the given
// arguments, returning the ABI result register value and an error code
// (spec.md 6). args beyond what a call needs are ignored. str carries
// SysCputs's payload directly, standing in for the user-memory copy a real
// cputs(const char *s, size_t len) would perform first.
func (d *Dispatcher) Dispatch(self *proc.Proc, num Number, args [4]uint64, str string) (uint64, kerr.Errno) {
	switch num {
	case SysCputs:
		return d.cputs(str)
	case SysCgetc:
		return d.cgetc()
	case SysGetEnvID:
		return uint64(self.Id), kerr.Ok
	case SysEnvDestroy:
		return d.envDestroy(self, proc.Id(args[0]))
	case SysVMACreate:
		return d.vmaCreate(self, args)
	case SysVMADestroy:
		return d.vmaDestroy(self, args)
	case SysYield:
		return d.yield(self)
	case SysWait:
		return d.wait(self, proc.Id(args[0]))
	case SysFork:
		return d.fork(self)
	default:
		return 0, kerr.NoSys
	}
}

// cputs writes s to the shared console, mirroring original
// lib/console.c's syscall-backed puts (spec.md 6 "cputs").
func (d *Dispatcher) cputs(s string) (uint64, kerr.Errno) {
	console.Printf("%s", s)
	return uint64(len(s)), kerr.Ok
}

// cgetc has no real keyboard to read in this hosted simulation; it always
// reports "no input available" the way a polling console driver would
// between keystrokes.
func (d *Dispatcher) cgetc() (uint64, kerr.Errno) {
	return 0, kerr.Ok
}

// collectRmapHeads gathers every frame's reverse-map head for
// rmap.RemoveAllForProc's full-array scan (spec.md 4.5).
func (d *Dispatcher) collectRmapHeads() []*rmap.Head {
	heads := make([]*rmap.Head, 0, d.Alloc.Len())
	for i := 0; i < d.Alloc.Len(); i++ {
		if h, ok := d.Alloc.Frame(i).Rmap.Owner.(*rmap.Head); ok && h != nil {
			heads = append(heads, h)
		}
	}
	return heads
}

func (d *Dispatcher) envDestroy(self *proc.Proc, target proc.Id) (uint64, kerr.Errno) {
	p, err := d.Table.Lookup(self.Id, target, true)
	if err != kerr.Ok {
		return 0, err
	}
	d.Table.Destroy(p, func(victim *proc.Proc) {
		rmap.RemoveAllForProc(d.Pool, d.collectRmapHeads(), victim)
	})
	return 0, kerr.Ok
}

func (d *Dispatcher) vmaCreate(self *proc.Proc, args [4]uint64) (uint64, kerr.Errno) {
	va := uintptr(args[0])
	length := uintptr(args[1])
	perm := pagetable.Perm(args[2])
	kind := vma.Kind(args[3])
	if _, ok := self.VMAs.Insert(va, length, perm, kind); !ok {
		return 0, kerr.Invalid
	}
	return uint64(va), kerr.Ok
}

// vmaDestroy unmaps a subrange of a single VMA (spec.md 6 "vma_destroy()",
// 4.3): the region may be removed whole, shrunk from either end, or split
// in two, but only the pages in [va, va+length) are unmapped here.
func (d *Dispatcher) vmaDestroy(self *proc.Proc, args [4]uint64) (uint64, kerr.Errno) {
	va := uintptr(args[0])
	length := uintptr(args[1])
	ok := self.VMAs.Destroy(va, length, func(dva, dlength uintptr) {
		for off := uintptr(0); off < dlength; off += kconfig.PageSize {
			self.Table.Remove(dva + off)
		}
	})
	if !ok {
		return 0, kerr.Invalid
	}
	return 0, kerr.Ok
}

// yield voluntarily relinquishes the CPU before the quantum expires
// (spec.md 6 "yield()"). It only zeroes self's remaining slice: the
// scheduler's next Yield call then demotes self to Runnable and, with no
// slice left, moves on to the next runnable process instead of
// re-dispatching self.
func (d *Dispatcher) yield(self *proc.Proc) (uint64, kerr.Errno) {
	self.Slice = 0
	return 0, kerr.Ok
}

func (d *Dispatcher) wait(self *proc.Proc, target proc.Id) (uint64, kerr.Errno) {
	if _, err := d.Table.Lookup(self.Id, target, false); err != kerr.Ok {
		return 0, err
	}
	self.Wait(target)
	return 0, kerr.Ok
}

// fork duplicates self into a freshly allocated child: every VMA is
// copied and every currently resident page is shared copy-on-write between
// parent and child, the way vm/as.go's Sys_pgfault pairs with a COW-style
// fork rather than original env.c's eager-copy load path (spec.md 4.9).
// A page that is presently swapped out is first swapped back in so both
// processes end up sharing one frame instead of one stale swap slot.
func (d *Dispatcher) fork(parent *proc.Proc) (uint64, kerr.Errno) {
	child, err := d.Table.Alloc(parent.Id)
	if err != kerr.Ok {
		return 0, err
	}

	for _, area := range parent.VMAs.Areas() {
		childArea, ok := child.VMAs.Insert(area.VA, area.Len, area.Perm, area.Kind)
		if !ok {
			d.Table.Destroy(child, func(v *proc.Proc) { rmap.RemoveAllForProc(d.Pool, d.collectRmapHeads(), v) })
			return 0, kerr.Invalid
		}
		childArea.Src = area.Src
		childArea.SrcLen = area.SrcLen

		if area.Perm&pagetable.Huge != 0 {
			d.forkHugeArea(parent, child, area)
			continue
		}

		for off := uintptr(0); off < area.Len; off += kconfig.PageSize {
			va := area.VA + off
			if slot, swapped := area.SwapSlot(va); swapped {
				_ = slot
				if serr := d.Swap.SwapIn(parent, area, va, area.Perm); serr != nil {
					continue
				}
			}
			f, pte, present := parent.Table.Lookup(va)
			if !present {
				continue
			}
			cowPerm := (*pte &^ pagetable.Writable) | pagetable.COW
			if perr := parent.Table.Protect(va, cowPerm); perr != kerr.Ok {
				continue
			}
			if ierr := child.Table.Insert(f, va, cowPerm); ierr != kerr.Ok {
				continue
			}
			attachRmap(d.Pool, f, child, va, uint(cowPerm))
			child.Mapped++
		}
	}
	return uint64(child.Id), kerr.Ok
}

// forkHugeArea demotes every 2 MiB window mapped in area to SmallPerHuge
// ordinary copy-on-write pages in both parent and child, rather than giving
// a single shared huge frame a second, huge-page-aware COW path (DESIGN.md
// "Fork of a huge-page mapping"). Once demoted a window never becomes huge
// again; a window an earlier fork already demoted has its small pages
// shared copy-on-write one by one, without demoting it again.
func (d *Dispatcher) forkHugeArea(parent, child *proc.Proc, area *vma.VMA) {
	// Derived from area.Perm rather than the live PTE: the PTE word packs
	// permission bits alongside the huge frame's own physical address, and
	// that address must not leak into the per-small-frame PTEs Demote and
	// Insert build below, each of which carries a different address.
	cowPerm := (area.Perm &^ pagetable.Writable &^ pagetable.Huge) | pagetable.COW

	for off := uintptr(0); off < area.Len; off += kconfig.HugePageSize {
		base := area.VA + off
		f, pte, present := parent.Table.Lookup(base)
		if !present {
			continue
		}
		if *pte&pagetable.Huge == 0 {
			for i := uintptr(0); i < kconfig.SmallPerHuge; i++ {
				va := base + i*kconfig.PageSize
				sf, _, ok := parent.Table.Lookup(va)
				if ok && parent.Table.Protect(va, cowPerm) == kerr.Ok && child.Table.Insert(sf, va, cowPerm) == kerr.Ok {
					attachRmap(d.Pool, sf, child, va, uint(cowPerm))
					child.Mapped++
				}
			}
			continue
		}

		small := d.Alloc.DemoteHuge(f)
		if perr := parent.Table.Demote(base, small, cowPerm); perr != kerr.Ok {
			continue
		}
		for i, sf := range small {
			va := base + uintptr(i)*kconfig.PageSize
			if ierr := child.Table.Insert(sf, va, cowPerm); ierr != kerr.Ok {
				continue
			}
			attachRmap(d.Pool, sf, child, va, uint(cowPerm))
			child.Mapped++
		}
	}
}

func attachRmap(pool *rmap.Pool, f *frame.Frame, p *proc.Proc, va uintptr, perm uint) {
	head, _ := f.Rmap.Owner.(*rmap.Head)
	if head == nil {
		head = &rmap.Head{}
		f.Rmap.Owner = head
	}
	rmap.Add(pool, head, p, va, perm)
}
