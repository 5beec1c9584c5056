// Package proc implements the process ("env") table: spec.md section 3
// "Process" entity; fork itself lives in internal/syscall. Ids are
// generation-tagged table indices in
// the style of the original kernel's envid2env, adapted from the teacher's
// Accnt_t usage pattern (internal/accnt) for time bookkeeping.
package proc

import (
	"sync"

	"github.com/zuziik/KP2018/internal/accnt"
	"github.com/zuziik/KP2018/internal/frame"
	"github.com/zuziik/KP2018/internal/kconfig"
	"github.com/zuziik/KP2018/internal/kerr"
	"github.com/zuziik/KP2018/internal/pagetable"
	"github.com/zuziik/KP2018/internal/trapframe"
	"github.com/zuziik/KP2018/internal/vma"
)

// Id identifies a process: low bits are the table index, high bits a
// generation counter that invalidates stale references (spec.md 3).
type Id uint32

// None is the sentinel for "not waiting on anyone" / "no parent".
const None Id = 0

func index(id Id) int { return int(id) & (kconfig.NENV - 1) }

// Status is the process lifecycle state (spec.md 3).
type Status int

const (
	StatusFree Status = iota
	StatusRunnable
	StatusRunning
	StatusNotRunnable
	StatusDying
)

// Proc is one process table entry (spec.md 3 "Process").
type Proc struct {
	Id       Id
	Status   Status
	CPU      int // id of the last CPU that ran it, or -1
	Frame    trapframe.Frame
	Table    *pagetable.Table
	VMAs     *vma.List
	Parent   Id
	WaitingFor Id

	// Time accounting (spec.md 3): remaining slice and last TSC reading.
	Slice    int64
	PrevTick int64
	Accnt    accnt.Accnt_t

	// Per-process counters maintained on every page_insert/page_remove
	// and swap transition (spec.md 4.1 "Accounting").
	Mapped  int
	Tables  int
	Swapped int

	link int // free-list linkage
}

// Table is the fixed process table (spec.md 3 "allocated from a free
// list"; spec.md 9 "fixed-size process table indexed by id").
type Table struct {
	mu       sync.Mutex
	procs    [kconfig.NENV]Proc
	freeHead int
	alloc    *frame.Allocator
}

const nilLink = -1

// NewTable builds the process table with every slot on the free list, in
// allocation order so the first Alloc returns procs[0] (spec.md 9).
func NewTable(alloc *frame.Allocator) *Table {
	t := &Table{alloc: alloc, freeHead: nilLink}
	for i := kconfig.NENV - 1; i >= 0; i-- {
		t.procs[i].Status = StatusFree
		t.procs[i].link = t.freeHead
		t.freeHead = i
	}
	return t
}

// Alloc allocates and initializes a new process with the given parent
// (spec.md 4.9 / original env_alloc). Returns kerr.NoFreeEnv if the table
// is exhausted, kerr.NoMem if the address space could not be set up.
func (t *Table) Alloc(parent Id) (*Proc, kerr.Errno) {
	t.mu.Lock()
	if t.freeHead == nilLink {
		t.mu.Unlock()
		return nil, kerr.NoFreeEnv
	}
	idx := t.freeHead
	p := &t.procs[idx]
	t.freeHead = p.link
	t.mu.Unlock()

	tbl, err := pagetable.New(t.alloc)
	if err != kerr.Ok {
		t.mu.Lock()
		p.link = t.freeHead
		t.freeHead = idx
		t.mu.Unlock()
		return nil, err
	}

	generation := (uint32(p.Id) + (1 << kconfig.EnvGenShift)) &^ uint32(kconfig.NENV-1)
	if int32(generation) <= 0 {
		generation = 1 << kconfig.EnvGenShift
	}
	*p = Proc{
		Id:     Id(generation) | Id(idx),
		Status: StatusRunnable,
		CPU:    -1,
		Table:  tbl,
		VMAs:   vma.NewList(),
		Parent: parent,
		WaitingFor: None,
		Slice:  kconfig.DefaultQuantum,
	}
	return p, kerr.Ok
}

// Lookup resolves id to a Proc, validating the generation tag so a stale id
// referring to a since-recycled slot is rejected (spec.md 3). If checkperm
// is set, id must name self or a direct child of self.
func (t *Table) Lookup(self Id, id Id, checkperm bool) (*Proc, kerr.Errno) {
	if id == 0 {
		return t.byIndex(index(self)), kerr.Ok
	}
	p := t.byIndex(index(id))
	if p.Status == StatusFree || p.Id != id {
		return nil, kerr.BadEnv
	}
	if checkperm && p.Id != self && p.Parent != self {
		return nil, kerr.BadEnv
	}
	return p, kerr.Ok
}

func (t *Table) byIndex(i int) *Proc { return &t.procs[i] }

// ByIndex exposes direct table-slot access for the scheduler's round-robin
// scan (spec.md 4.8), which walks the table independent of generation.
func (t *Table) ByIndex(i int) *Proc { return &t.procs[i] }

// Len returns the fixed table size (kconfig.NENV).
func (t *Table) Len() int { return kconfig.NENV }

// Destroy tears down p's address space and VMAs and returns it to the free
// list, or -- if p is Running on any CPU -- transitions it to Dying so the
// owning CPU reaps it at its next kernel entry (spec.md 3, 5, 4.10). Destroy
// does not know which CPU calls it, so a process Running on the caller's
// own CPU is deferred to Dying the same way, not torn down in place.
//
// rmapCleanup is called with p so the caller (which owns the reverse-map
// pool) can purge every frame's reverse-map entries for this process;
// proc does not import rmap to avoid a cycle.
func (t *Table) Destroy(p *Proc, rmapCleanup func(*Proc)) {
	t.mu.Lock()
	if p.Status == StatusRunning && p.CPU >= 0 {
		p.Status = StatusDying
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.reap(p, rmapCleanup)
}

// Reap completes destruction of a process already marked Dying, called by
// the owning CPU at its next kernel entry (spec.md 3).
func (t *Table) Reap(p *Proc, rmapCleanup func(*Proc)) {
	t.reap(p, rmapCleanup)
}

func (t *Table) reap(p *Proc, rmapCleanup func(*Proc)) {
	if rmapCleanup != nil {
		rmapCleanup(p)
	}
	p.Table.Teardown()
	p.VMAs.Clear()

	t.mu.Lock()
	id := p.Id
	*p = Proc{Id: id, Status: StatusFree}
	idx := index(id)
	p.link = t.freeHead
	t.freeHead = idx
	t.mu.Unlock()

	// Clear waiting_for on every process blocked on the destroyed id
	// (spec.md 4.8 "Wait semantics"), using the id saved above before the
	// slot was recycled.
	for i := 0; i < kconfig.NENV; i++ {
		other := &t.procs[i]
		if other.WaitingFor == id {
			other.WaitingFor = None
			if other.Status == StatusNotRunnable {
				other.Status = StatusRunnable
			}
		}
	}
}

// Wait blocks the caller on other's exit (spec.md 4.8 "Wait semantics",
// 6 "wait(id)"). The actual yield is driven by the scheduler; Wait only
// sets the bookkeeping fields.
func (p *Proc) Wait(other Id) {
	p.WaitingFor = other
	p.Status = StatusNotRunnable
}
