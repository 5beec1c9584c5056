package kthread

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/zuziik/KP2018/internal/kconfig"
)

func TestCreateRunAndWake(t *testing.T) {
	table := NewTable()
	var runs int32

	id, ok := table.Create("reclaim", func() {
		atomic.AddInt32(&runs, 1)
	})
	if !ok {
		t.Fatal("create failed")
	}
	table.Run(id)

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&runs) < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt32(&runs) < 1 {
		t.Fatal("kernel thread body never ran")
	}

	table.Wake(id)
	deadline = time.Now().Add(time.Second)
	for atomic.LoadInt32(&runs) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt32(&runs) < 2 {
		t.Fatal("kernel thread did not resume after wake")
	}
}

// TestTickReportsThreadOnceWaitSliceElapses covers spec.md 4.8 step 4: a
// thread only becomes due once its wait-slice has actually run down, and
// Tick picks the first such thread without disturbing ones still waiting.
func TestTickReportsThreadOnceWaitSliceElapses(t *testing.T) {
	table := NewTable()
	var runs int32
	id, ok := table.Create("reclaim", func() {
		atomic.AddInt32(&runs, 1)
	})
	if !ok {
		t.Fatal("create failed")
	}
	table.Run(id)

	deadline := time.Now().Add(time.Second)
	for table.Status(id) != StatusWaiting && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if table.Status(id) != StatusWaiting {
		t.Fatal("kernel thread never parked as waiting")
	}

	if _, due := table.Tick(1); due {
		t.Fatal("expected not due after a small tick")
	}
	id2, due := table.Tick(kconfig.KthreadWaitTime)
	if !due || id2 != id {
		t.Fatalf("expected thread %d to be due once its wait slice elapses, got id=%d due=%v", id, id2, due)
	}
}

func TestCreateFailsWhenTableFull(t *testing.T) {
	table := NewTable()
	for i := 0; i < len(table.threads); i++ {
		if _, ok := table.Create("t", func() {}); !ok {
			t.Fatalf("unexpected create failure at %d", i)
		}
	}
	if _, ok := table.Create("overflow", func() {}); ok {
		t.Fatal("expected create to fail once the table is full")
	}
}
