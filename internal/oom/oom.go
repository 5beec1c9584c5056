// Package oom implements the out-of-memory killer: spec.md 4.7, grounded on
// original_source/kern/swap.c's count_allocated_pages/count_swapped_pages/
// count_table_pages and oom_kill_process. It scores every live process and
// destroys the highest scorer when the swap engine cannot reclaim enough
// frames on its own.
package oom

import (
	"errors"

	"github.com/zuziik/KP2018/internal/apic"
	"github.com/zuziik/KP2018/internal/kconfig"
	"github.com/zuziik/KP2018/internal/oommsg"
	"github.com/zuziik/KP2018/internal/proc"
)

// ErrNoVictim is returned when every process table slot is free, so there
// is nothing left to kill.
var ErrNoVictim = errors.New("oom: no process eligible for termination")

// Killer scores and destroys processes to relieve memory pressure. It
// satisfies frame.Killer.
type Killer struct {
	table   *proc.Table
	ipi     apic.Controller
	cleanup func(*proc.Proc) // purges a destroyed process's reverse-map entries

	// Notify, if set, receives an Oommsg_t on every kill -- a diagnostic
	// tap a monitoring kthread can drain, independent of the kill itself.
	Notify chan<- oommsg.Oommsg_t
}

// New builds an OOM killer over table, using ipi to stop a victim that is
// currently running on another CPU before it is reaped (spec.md 4.10), and
// cleanup to purge the victim's reverse-map entries (spec.md 4.5); cleanup
// is the caller's rmap.RemoveAllForProc closure, kept opaque here so oom
// does not need to import rmap.
func New(table *proc.Table, ipi apic.Controller, cleanup func(*proc.Proc)) *Killer {
	return &Killer{table: table, ipi: ipi, cleanup: cleanup}
}

// score implements spec.md 4.7's exact formula:
//
//	(mapped + swapped + tables) / page_size + npages / 1000
//
// where npages is the process's own mapped-page count, mirroring
// oom_kill_process's score computed from count_allocated_pages et al.
func score(p *proc.Proc) int64 {
	npages := int64(p.Mapped)
	sum := int64(p.Mapped + p.Swapped + p.Tables)
	return sum/int64(kconfig.PageSize) + npages/1000
}

// Kill selects the highest-scoring live process and destroys it
// (spec.md 4.7, 4.10). It satisfies frame.Killer so the frame allocator can
// invoke it directly when swap reclaim alone cannot free a page.
func (k *Killer) Kill() error {
	var victim *proc.Proc
	var best int64 = -1

	for i := 0; i < k.table.Len(); i++ {
		p := k.table.ByIndex(i)
		if p.Status == proc.StatusFree || p.Status == proc.StatusDying {
			continue
		}
		s := score(p)
		if s > best {
			best, victim = s, p
		}
	}
	if victim == nil {
		return ErrNoVictim
	}

	if victim.Status == proc.StatusRunning && victim.CPU >= 0 && k.ipi != nil {
		k.ipi.RaiseIPI(victim.CPU, apic.VectorKill)
	}
	oommsg.Send(k.Notify, oommsg.Oommsg_t{Need: int(best), Resume: make(chan bool)})
	k.table.Destroy(victim, k.cleanup)
	return nil
}
