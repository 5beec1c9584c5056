// Package kthread implements kernel threads: cooperative in-kernel
// execution contexts that share the scheduler's CPU time but run kernel
// code directly instead of user code, grounded on
// original_source/kern/kthread.c's kthread_create/kthread_run/
// kthread_yield/kthread_finish.
package kthread

import (
	"sync"

	"github.com/zuziik/KP2018/internal/kconfig"
)

// Status mirrors a kernel thread's run state.
type Status int

const (
	StatusFree Status = iota
	StatusRunnable
	StatusRunning
	StatusWaiting
)

// Func is the body a kernel thread runs. Each pass over it runs to
// completion on the thread's own goroutine; when it returns, the thread is
// parked in StatusWaiting until Wake starts another pass from the top
// (spec.md 4.8 "kernel threads", original kthread_finish semantics).
type Func func()

// Kthread is one kernel thread table entry.
type Kthread struct {
	Id       int
	Name     string
	Status   Status
	Slice    int64
	body     Func
	wake     chan struct{}
}

// Table is the fixed kernel-thread table (spec.md 4.8, kconfig.MaxKthreads
// slots, mirroring original kthread.c's fixed kthreads[] array).
type Table struct {
	mu      sync.Mutex
	threads [kconfig.MaxKthreads]Kthread
}

// NewTable builds an empty kernel-thread table.
func NewTable() *Table {
	t := &Table{}
	for i := range t.threads {
		t.threads[i] = Kthread{Id: i, Status: StatusFree}
	}
	return t
}

// Create registers a new kernel thread named name running body, in the
// first free table slot (spec.md 4.8, original kthread_create's linear
// scan for a free kt_id). The thread does not start running until Run is
// called on its Id.
func (t *Table) Create(name string, body Func) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.threads {
		if t.threads[i].Status == StatusFree {
			t.threads[i] = Kthread{
				Id:     i,
				Name:   name,
				Status: StatusRunnable,
				Slice:  kconfig.KthreadWaitTime,
				body:   body,
				wake:   make(chan struct{}, 1),
			}
			return i, true
		}
	}
	return -1, false
}

// Run starts kt's goroutine, which loops calling its body and then
// blocking until woken, the way original kthread_run dispatches the
// thread's saved context and kthread_finish re-enters it from the top
// (spec.md 4.8). Run returns immediately; the thread runs concurrently.
func (t *Table) Run(id int) {
	t.mu.Lock()
	kt := &t.threads[id]
	kt.Status = StatusRunning
	body := kt.body
	wake := kt.wake
	t.mu.Unlock()

	go func() {
		for {
			body()
			t.mu.Lock()
			kt.Status = StatusWaiting
			t.mu.Unlock()
			<-wake
			t.mu.Lock()
			kt.Status = StatusRunning
			kt.Slice = kconfig.KthreadWaitTime
			t.mu.Unlock()
		}
	}()
}

// Wake reschedules a waiting kernel thread for another pass over its body
// (spec.md 4.8, original kthread_finish). At most one wake is held
// pending: waking a thread that is still running its body queues exactly
// one more pass, and further wakes before that pass starts are dropped.
func (t *Table) Wake(id int) {
	t.mu.Lock()
	kt := &t.threads[id]
	t.mu.Unlock()
	select {
	case kt.wake <- struct{}{}:
	default:
	}
}

// Status reports kt's current run state.
func (t *Table) Status(id int) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.threads[id].Status
}

// Tick charges every waiting kernel thread for elapsed ticks and reports
// the first whose wait-slice has run out, so the scheduler can dispatch it
// instead of halting the CPU (spec.md 4.8 step 4). Slice here counts down
// the time a thread has been idle, the mirror image of a process's
// run-quantum Slice.
func (t *Table) Tick(elapsed int64) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	due := -1
	for i := range t.threads {
		kt := &t.threads[i]
		if kt.Status != StatusWaiting {
			continue
		}
		kt.Slice -= elapsed
		if kt.Slice <= 0 && due == -1 {
			due = i
		}
	}
	if due == -1 {
		return 0, false
	}
	return due, true
}
