package proc

import (
	"testing"

	"github.com/zuziik/KP2018/internal/frame"
	"github.com/zuziik/KP2018/internal/kconfig"
	"github.com/zuziik/KP2018/internal/kerr"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	arena := make([]byte, 4096*kconfig.PageSize)
	alloc := frame.NewAllocator(arena, nil)
	return NewTable(alloc)
}

func TestAllocAssignsGenerationTaggedId(t *testing.T) {
	tbl := newTestTable(t)
	p, err := tbl.Alloc(None)
	if err != kerr.Ok {
		t.Fatalf("Alloc: %v", err)
	}
	if p.Status != StatusRunnable {
		t.Fatalf("expected StatusRunnable, got %v", p.Status)
	}
	if index(p.Id) != 0 {
		t.Fatalf("expected first allocation to land at index 0, got %d", index(p.Id))
	}
}

func TestLookupRejectsStaleGeneration(t *testing.T) {
	tbl := newTestTable(t)
	p, _ := tbl.Alloc(None)
	staleId := p.Id
	tbl.Destroy(p, nil)

	if _, err := tbl.Lookup(None, staleId, false); err != kerr.BadEnv {
		t.Fatalf("Lookup with stale id: got %v, want BadEnv", err)
	}
}

func TestLookupEnforcesParentPermission(t *testing.T) {
	tbl := newTestTable(t)
	parent, _ := tbl.Alloc(None)
	child, _ := tbl.Alloc(parent.Id)
	stranger, _ := tbl.Alloc(None)

	if _, err := tbl.Lookup(parent.Id, child.Id, true); err != kerr.Ok {
		t.Fatalf("parent looking up own child: got %v", err)
	}
	if _, err := tbl.Lookup(stranger.Id, child.Id, true); err != kerr.BadEnv {
		t.Fatalf("stranger looking up child: got %v, want BadEnv", err)
	}
}

func TestDestroyRecyclesSlotAndClearsWaiters(t *testing.T) {
	tbl := newTestTable(t)
	target, _ := tbl.Alloc(None)
	waiter, _ := tbl.Alloc(None)
	waiter.Wait(target.Id)
	if waiter.Status != StatusNotRunnable {
		t.Fatalf("Wait did not set StatusNotRunnable")
	}

	tbl.Destroy(target, nil)

	if waiter.WaitingFor != None {
		t.Fatalf("expected WaitingFor cleared after target destroyed, got %v", waiter.WaitingFor)
	}
	if waiter.Status != StatusRunnable {
		t.Fatalf("expected waiter woken to StatusRunnable, got %v", waiter.Status)
	}

	again, err := tbl.Alloc(None)
	if err != kerr.Ok {
		t.Fatalf("Alloc after Destroy: %v", err)
	}
	if index(again.Id) != index(target.Id) {
		t.Fatalf("expected recycled slot to be reused first")
	}
}

func TestDestroyDefersWhenRunningElsewhere(t *testing.T) {
	tbl := newTestTable(t)
	p, _ := tbl.Alloc(None)
	p.Status = StatusRunning
	p.CPU = 1

	tbl.Destroy(p, nil)
	if p.Status != StatusDying {
		t.Fatalf("expected StatusDying for a process running on another CPU, got %v", p.Status)
	}

	tbl.Reap(p, nil)
	if p.Status != StatusFree {
		t.Fatalf("expected Reap to free the slot, got %v", p.Status)
	}
}
