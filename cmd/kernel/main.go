// Command kernel brings up the simulated address-space-and-scheduling
// core: it wires the frame allocator, page tables, reverse-map pool, swap
// engine, OOM killer, process table, and scheduler together and drives
// NCPU worker goroutines, each running one CPU's dispatch loop, the way a
// real SMP bring-up starts one loop per core after boot. This is the
// integration point every internal package above was built to serve.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zuziik/KP2018/internal/apic"
	"github.com/zuziik/KP2018/internal/blockdev"
	"github.com/zuziik/KP2018/internal/bootinfo"
	"github.com/zuziik/KP2018/internal/console"
	"github.com/zuziik/KP2018/internal/fault"
	"github.com/zuziik/KP2018/internal/frame"
	"github.com/zuziik/KP2018/internal/kconfig"
	"github.com/zuziik/KP2018/internal/kthread"
	"github.com/zuziik/KP2018/internal/oom"
	"github.com/zuziik/KP2018/internal/oommsg"
	"github.com/zuziik/KP2018/internal/proc"
	"github.com/zuziik/KP2018/internal/rmap"
	"github.com/zuziik/KP2018/internal/sched"
	"github.com/zuziik/KP2018/internal/swap"
	"github.com/zuziik/KP2018/internal/syscall"
)

var (
	memMiB   = flag.Int("mem", 64, "simulated physical memory, in MiB")
	ncpuFlag = flag.Int("ncpu", 4, "number of simulated CPUs")
	swapMiB  = flag.Int("swap", 16, "simulated swap device size, in MiB")
)

// Kernel bundles every collaborator cmd/kernel wires together, exported so
// other drivers in this module (tests, alternate front ends) can reuse the
// bring-up without duplicating the wiring logic.
type Kernel struct {
	Alloc *frame.Allocator
	Pool  *rmap.Pool
	Swap  *swap.Engine
	Table *proc.Table
	Sched *sched.Scheduler
	Fault *fault.Handler
	Sys   *syscall.Dispatcher
	IPI   *apic.FakeController
	KT    *kthread.Table
	OOM   *oom.Killer

	rmapCleanup func(*proc.Proc)
}

func pagesFromMiB(mib int) int {
	return (mib << 20) / kconfig.PageSize
}

// Boot performs bring-up: carves frame-backed physical memory out of a
// memMiB-MiB arena (excluding the boot I/O hole per bootinfo.Standard),
// opens an in-memory swapMiB-MiB swap device, and wires the frame
// allocator's reclaim-then-kill depletion path to the swap engine and the
// OOM killer (spec.md 4.1 "On depletion, the allocator invokes the swap
// engine... falling back to the OOM killer").
func Boot(memMiB, swapMiB, ncpu int, tick sched.Clock) *Kernel {
	arenaBytes := pagesFromMiB(memMiB) * kconfig.PageSize
	arena := make([]byte, arenaBytes)
	bmap := bootinfo.Standard(uintptr(arenaBytes))
	alloc := frame.NewAllocator(arena, bmap.ReservedFrameRanges(kconfig.PageSize))

	pool := rmap.NewPool()
	nsecs := uint64(pagesFromMiB(swapMiB)) * kconfig.SectorsPerPage
	swapDev := blockdev.NewMemDevice(nsecs)
	swapEngine := swap.New(swapDev, alloc, pool)

	table := proc.NewTable(alloc)
	ipiCtl := apic.NewFakeController(ncpu)

	rmapCleanup := func(victim *proc.Proc) {
		heads := make([]*rmap.Head, 0, alloc.Len())
		for i := 0; i < alloc.Len(); i++ {
			if h, ok := alloc.Frame(i).Rmap.Owner.(*rmap.Head); ok && h != nil {
				heads = append(heads, h)
			}
		}
		rmap.RemoveAllForProc(pool, heads, victim)
	}
	killer := oom.New(table, ipiCtl, rmapCleanup)
	killer.Notify = make(chan oommsg.Oommsg_t, 4)

	alloc.Reclaim = swapEngine
	alloc.OOM = killer

	ipiCtl.SetHandler(func(cpu int, vector apic.Vector) {
		switch vector {
		case apic.VectorKill:
			console.Warn("ipi: kill vector delivered", map[string]interface{}{"cpu": cpu})
		case apic.VectorTLBShoot:
			// no-op: there is no real TLB to invalidate in a hosted
			// process (pagetable.Table.Invalidate documents the same).
		case apic.VectorReschedule:
			// no-op: runCPU already re-enters the scheduler every loop
			// iteration rather than blocking until woken.
		}
	})

	scheduler := sched.New(table, ncpu, tick)
	kthreads := kthread.NewTable()
	scheduler.SetKthreads(kthreads)
	faultHandler := fault.New(alloc, pool, swapEngine)
	dispatcher := &syscall.Dispatcher{
		Table: table,
		Sched: scheduler,
		Alloc: alloc,
		Pool:  pool,
		Swap:  swapEngine,
		IPI:   ipiCtl,
	}

	return &Kernel{
		Alloc: alloc,
		Pool:  pool,
		Swap:  swapEngine,
		Table: table,
		Sched: scheduler,
		Fault: faultHandler,
		Sys:   dispatcher,
		IPI:   ipiCtl,
		KT:    kthreads,
		OOM:   killer,

		rmapCleanup: rmapCleanup,
	}
}

// watchOOM drains the killer's notification channel and logs each kill as a
// structured diagnostic, the way an operator would grep kill events out of
// dmesg rather than reconstructing them from process-table churn.
func watchOOM(ctx context.Context, k *Kernel) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-k.OOM.Notify:
			console.Warn("oom: killed a process", map[string]interface{}{"score": msg.Need})
			close(msg.Resume)
		}
	}
}

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	tick := func() int64 { return time.Since(start).Microseconds() }

	k := Boot(*memMiB, *swapMiB, *ncpuFlag, tick)
	console.Printf("kernel: booted with %d CPUs, %d MiB RAM, %d swap slots\n",
		*ncpuFlag, *memMiB, k.Swap.NumSlots())

	// kthread_swap: a periodic reclaim kernel thread that tops up the
	// free list whenever it drops below threshold, the way original
	// kthread_swap polls available_freepages in a loop
	// (spec.md 4.6/4.8).
	reclaimID, ok := k.KT.Create("swapper", func() {
		if k.Alloc.NFree() < kconfig.FreepageThreshold {
			k.Swap.ReclaimUntil(kconfig.FreepageThreshold + kconfig.FreepageOvershoot)
		}
	})
	if ok {
		k.KT.Run(reclaimID)
	}
	go watchOOM(ctx, k)

	g, ctx := errgroup.WithContext(ctx)
	pace := rate.NewLimiter(rate.Every(time.Millisecond), 1)
	for cpu := 0; cpu < *ncpuFlag; cpu++ {
		cpu := cpu
		g.Go(func() error {
			runCPU(ctx, k, cpu, pace)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		console.Fatal("kernel: cpu loop exited with error", map[string]interface{}{"error": err.Error()})
	}
}

// runCPU is one simulated CPU's dispatch loop: drain pending IPIs, reap a
// process Destroy deferred to Dying because this CPU was running it (spec.md
// 4.10 "reaped at its next kernel entry"), ask the scheduler for work, and
// either run it or idle briefly (spec.md 4.8 sched_halt, 5 "kernel
// entry/exit"). There being no real user code to execute in this hosted
// simulation, Yield itself is the only place a process's Slice is charged:
// the loop just keeps re-entering the scheduler, and Yield's own step 2
// keeps re-dispatching the same process in place until its quantum is
// actually exhausted by elapsed wall time.
func runCPU(ctx context.Context, k *Kernel, cpu int, pace *rate.Limiter) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		k.IPI.Drain(cpu)

		if cur := k.Sched.Current(cpu); cur != nil && cur.Status == proc.StatusDying {
			k.Table.Reap(cur, k.rmapCleanup)
		}

		p := k.Sched.Yield(cpu)
		if p == nil {
			if err := pace.Wait(ctx); err != nil {
				return
			}
			continue
		}
		touchFirstPage(k, cpu, p)
	}
}

// touchFirstPage simulates the dispatched process touching the base of its
// first VMA: the only per-process work this hosted simulation performs in
// place of running real user code (spec.md 1), and the genuine, non-test
// caller of Handler.Handle. A Destroy outcome is an unrecoverable user
// fault (spec.md 4.10), so the process is torn down rather than resumed.
func touchFirstPage(k *Kernel, cpu int, p *proc.Proc) {
	areas := p.VMAs.Areas()
	if len(areas) == 0 {
		return
	}
	va := areas[0].VA
	if _, _, present := p.Table.Lookup(va); present {
		return
	}
	if oc := k.Fault.Handle(p, va, fault.ErrWrite|fault.ErrUser, cpu); oc == fault.Destroy {
		k.Table.Destroy(p, k.rmapCleanup)
	}
}
