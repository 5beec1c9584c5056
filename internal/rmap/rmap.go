// Package rmap implements the reverse mapping index: spec.md 4.5. Each
// frame holds a list of per-process entries, each holding a list of
// (va, perm) pairs. Nodes are drawn from fixed pools seeded at boot and
// grown one page at a time up to a cap, mirroring biscuit's pool-allocated
// style (e.g. mem.Physmem_t's percpu free lists) applied to a different
// data structure.
package rmap

import (
	"sync"

	"github.com/zuziik/KP2018/internal/kconfig"
)

// VAEntry is one (virtual address, permission) reference into a process.
type VAEntry struct {
	VA   uintptr
	Perm uint
	next *VAEntry
}

// ProcEntry is the list of VAEntry nodes a single process holds against one
// frame.
type ProcEntry struct {
	Proc interface{} // *proc.Proc; kept opaque to avoid an import cycle
	list *VAEntry
	next *ProcEntry
}

// Head is the per-frame reverse-map list (frame.RmapHead.Owner holds a
// *Head once rmap has attached it).
type Head struct {
	procs *ProcEntry
}

// Pool hands out ProcEntry/VAEntry nodes from a preallocated arena, growing
// by kconfig.RmapPoolGrowPages-worth of nodes at a time up to
// kconfig.RmapPoolCapPages, and recycling freed nodes onto a free list
// (spec.md 4.5).
type Pool struct {
	mu sync.Mutex

	procFree  []*ProcEntry
	vaFree    []*VAEntry
	grown     int // pages worth of nodes allocated so far
	nodesPerPage int
}

// NewPool seeds a reverse-map node pool with one page's worth of nodes.
func NewPool() *Pool {
	const bytesPerNode = 64 // conservative estimate of a node's footprint
	p := &Pool{nodesPerPage: kconfig.PageSize / bytesPerNode}
	p.grow()
	return p
}

func (p *Pool) grow() bool {
	if p.grown >= kconfig.RmapPoolCapPages {
		return false
	}
	for i := 0; i < p.nodesPerPage; i++ {
		p.procFree = append(p.procFree, &ProcEntry{})
		p.vaFree = append(p.vaFree, &VAEntry{})
	}
	p.grown++
	return true
}

func (p *Pool) getProc() *ProcEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.procFree) == 0 && !p.grow() {
		return nil
	}
	n := len(p.procFree) - 1
	e := p.procFree[n]
	p.procFree = p.procFree[:n]
	*e = ProcEntry{}
	return e
}

func (p *Pool) putProc(e *ProcEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.procFree = append(p.procFree, e)
}

func (p *Pool) getVA() *VAEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.vaFree) == 0 && !p.grow() {
		return nil
	}
	n := len(p.vaFree) - 1
	e := p.vaFree[n]
	p.vaFree = p.vaFree[:n]
	*e = VAEntry{}
	return e
}

func (p *Pool) putVA(e *VAEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vaFree = append(p.vaFree, e)
}

// Add records that proc references va with perm through this frame.
func Add(pool *Pool, head *Head, proc interface{}, va uintptr, perm uint) bool {
	pe := head.procs
	for pe != nil && pe.Proc != proc {
		pe = pe.next
	}
	if pe == nil {
		pe = pool.getProc()
		if pe == nil {
			return false
		}
		pe.Proc = proc
		pe.next = head.procs
		head.procs = pe
	}
	ve := pool.getVA()
	if ve == nil {
		return false
	}
	ve.VA, ve.Perm = va, perm
	ve.next = pe.list
	pe.list = ve
	return true
}

// Remove deletes the (proc, va) reference, if present.
func Remove(pool *Pool, head *Head, proc interface{}, va uintptr) {
	var prevPE *ProcEntry
	pe := head.procs
	for pe != nil && pe.Proc != proc {
		prevPE, pe = pe, pe.next
	}
	if pe == nil {
		return
	}
	var prevVA *VAEntry
	ve := pe.list
	for ve != nil && ve.VA != va {
		prevVA, ve = ve, ve.next
	}
	if ve == nil {
		return
	}
	if prevVA == nil {
		pe.list = ve.next
	} else {
		prevVA.next = ve.next
	}
	pool.putVA(ve)

	if pe.list == nil {
		if prevPE == nil {
			head.procs = pe.next
		} else {
			prevPE.next = pe.next
		}
		pool.putProc(pe)
	}
}

// RemoveAllForProc scans the given frame heads (the whole frame array, in
// practice) and removes every entry belonging to proc -- spec.md 4.5
// remove_all_for_process, invoked on process destruction.
func RemoveAllForProc(pool *Pool, heads []*Head, proc interface{}) {
	for _, h := range heads {
		if h == nil {
			continue
		}
		var prevPE *ProcEntry
		pe := h.procs
		for pe != nil {
			next := pe.next
			if pe.Proc == proc {
				for ve := pe.list; ve != nil; {
					nve := ve.next
					pool.putVA(ve)
					ve = nve
				}
				if prevPE == nil {
					h.procs = next
				} else {
					prevPE.next = next
				}
				pool.putProc(pe)
			} else {
				prevPE = pe
			}
			pe = next
		}
	}
}

// Count returns the total number of (proc, va) references on this frame,
// used by the swap engine to skip eviction candidates no process maps.
func Count(head *Head) int {
	n := 0
	for pe := head.procs; pe != nil; pe = pe.next {
		for ve := pe.list; ve != nil; ve = ve.next {
			n++
		}
	}
	return n
}

// Entry is one (proc, va, perm) reference into a frame, as returned by
// Entries.
type Entry struct {
	Proc interface{}
	VA   uintptr
	Perm uint
}

// Entries returns every (proc, va, perm) triple referencing this frame, used
// by swap_out to enumerate mappings to tear down (spec.md 4.6 step 4).
func Entries(head *Head) []Entry {
	var out []Entry
	for pe := head.procs; pe != nil; pe = pe.next {
		for ve := pe.list; ve != nil; ve = ve.next {
			out = append(out, Entry{pe.Proc, ve.VA, ve.Perm})
		}
	}
	return out
}
