// Package sched implements the preemptive per-CPU round-robin process
// scheduler: spec.md 4.8, grounded on original_source/kern/sched.c's
// sched_yield (TSC-diff timeslice accounting, round-robin scan starting at
// the successor of the current process) and sched_halt.
package sched

import (
	"github.com/zuziik/KP2018/internal/kconfig"
	"github.com/zuziik/KP2018/internal/kthread"
	"github.com/zuziik/KP2018/internal/proc"
)

// tickWrap mirrors sched.c's 0x100000000 wraparound constant used when
// diffing two raw TSC-style tick readings.
const tickWrap = 0x100000000

// Clock returns a monotonically increasing tick count (a TSC stand-in);
// callers typically wire this to an injected tick source rather than a
// real CPU counter.
type Clock func() int64

// cpuState is one CPU's scheduling cursor.
type cpuState struct {
	lastIdx  int // process-table index to resume scanning after
	current  *proc.Proc
	prevTick int64
	halted   bool
}

// Scheduler drives one round-robin ready queue shared by every CPU, each
// CPU scanning from its own last position (spec.md 4.8).
type Scheduler struct {
	table    *proc.Table
	clock    Clock
	cpus     []cpuState
	kthreads *kthread.Table
}

// New builds a scheduler for ncpu CPUs over table, reading time via clock.
func New(table *proc.Table, ncpu int, clock Clock) *Scheduler {
	return &Scheduler{table: table, clock: clock, cpus: make([]cpuState, ncpu)}
}

// SetKthreads wires the kernel-thread table Yield's step 4 dispatches into
// when no process is runnable (spec.md 4.8). Optional: a Scheduler with no
// kthread table simply skips that step.
func (s *Scheduler) SetKthreads(kt *kthread.Table) {
	s.kthreads = kt
}

func diffTicks(now, prev int64) int64 {
	d := (now - prev) % tickWrap
	if d < 0 {
		d += tickWrap
	}
	return d
}

// accountCurrent charges the CPU's current process for the ticks elapsed
// since it was last dispatched, demoting it to Runnable (spec.md 4.8
// "preempted when its quantum expires"). The clock's ticks are
// microseconds (cmd/kernel wires time.Since(...).Microseconds()), so the
// same elapsed value also feeds the process's Accnt_t user-time counter,
// the way original sched.c's proc_yield charges p_wtime/p_rtime on every
// reschedule.
func (s *Scheduler) accountCurrent(cpu *cpuState, now int64) {
	if cpu.current == nil {
		return
	}
	elapsed := diffTicks(now, cpu.prevTick)
	cpu.current.Slice -= elapsed
	cpu.current.Accnt.Utadd(int(elapsed) * 1000)
	if cpu.current.Status == proc.StatusRunning {
		cpu.current.Status = proc.StatusRunnable
	}
}

// Yield runs one scheduling decision for cpuID, the five-step algorithm of
// spec.md 4.8: charge the previously running process for elapsed time
// (step 1); re-run it in place if its slice remains and it is still
// runnable and not waiting (step 2); otherwise scan the process table
// round-robin starting just after its slot for the first Runnable process
// (step 3); otherwise wake a kernel thread whose wait-slice has elapsed
// (step 4); otherwise report nothing to run, so the caller can halt (step
// 5). It returns nil whenever no process was dispatched, whether or not a
// kernel thread was woken instead — check Halted to tell the two apart.
func (s *Scheduler) Yield(cpuID int) *proc.Proc {
	cpu := &s.cpus[cpuID]
	now := s.clock()
	prev := cpu.current
	wasRunning := prev != nil && prev.Status == proc.StatusRunning
	s.accountCurrent(cpu, now)

	if wasRunning && prev.Slice > 0 && prev.Status == proc.StatusRunnable && prev.WaitingFor == proc.None {
		prev.Status = proc.StatusRunning
		cpu.prevTick = now
		cpu.halted = false
		return prev
	}

	n := s.table.Len()
	start := (cpu.lastIdx + 1) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		p := s.table.ByIndex(idx)
		if p.Status != proc.StatusRunnable {
			continue
		}
		p.Status = proc.StatusRunning
		p.CPU = cpuID
		p.Slice = kconfig.DefaultQuantum
		cpu.current = p
		cpu.lastIdx = idx
		cpu.prevTick = now
		cpu.halted = false
		return p
	}

	cpu.current = nil
	if s.kthreads != nil {
		if id, ok := s.kthreads.Tick(diffTicks(now, cpu.prevTick)); ok {
			s.kthreads.Wake(id)
			cpu.prevTick = now
			cpu.halted = false
			return nil
		}
	}
	cpu.prevTick = now
	cpu.halted = true
	return nil
}

// Current returns the process cpuID is presently running, or nil.
func (s *Scheduler) Current(cpuID int) *proc.Proc {
	return s.cpus[cpuID].current
}

// Expired reports whether cpuID's current process has used its full
// quantum and should be preempted at the next safe point.
func (s *Scheduler) Expired(cpuID int) bool {
	cpu := &s.cpus[cpuID]
	if cpu.current == nil {
		return false
	}
	return diffTicks(s.clock(), cpu.prevTick) >= cpu.current.Slice
}

// Halted reports whether cpuID is idling with no runnable work, set by the
// last Yield call that found nothing to run.
func (s *Scheduler) Halted(cpuID int) bool {
	return s.cpus[cpuID].halted
}
