package frame

import (
	"errors"
	"testing"

	"github.com/zuziik/KP2018/internal/kconfig"
	"github.com/zuziik/KP2018/internal/kerr"
)

var errNoVictim = errors.New("no victim process")

type reclaimFunc func(target int) bool

func (f reclaimFunc) ReclaimUntil(target int) bool { return f(target) }

type killFunc func() error

func (f killFunc) Kill() error { return f() }

func newTestAllocator(nframes int, reserved []Range) *Allocator {
	arena := make([]byte, nframes*kconfig.PageSize)
	return NewAllocator(arena, reserved)
}

func TestBootMemoryMapExcludesHoleAndPageZero(t *testing.T) {
	// 640 KiB free, 640 KiB..1 MiB reserved, 1 MiB..8 MiB free (spec.md 8.1).
	nframes := (8 << 20) / kconfig.PageSize
	holeStart := (640 << 10) / kconfig.PageSize
	holeLen := ((1 << 20) - (640 << 10)) / kconfig.PageSize
	reserved := []Range{
		{Start: 0, Len: 1}, // page 0 itself is never handed out
		{Start: holeStart, Len: holeLen},
	}
	a := newTestAllocator(nframes, reserved)

	seen := map[int]bool{}
	for i := a.freeHead; i != nilIdx; i = a.frames[i].next {
		seen[i] = true
	}
	if seen[0] {
		t.Fatal("frame 0 must never be on the free list")
	}
	for i := holeStart; i < holeStart+holeLen; i++ {
		if seen[i] {
			t.Fatalf("frame %d is in the I/O hole but was on the free list", i)
		}
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := newTestAllocator(4*kconfig.SmallPerHuge, nil)
	before := a.NFree()

	f, err := a.Alloc(FlagNone)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	a.Incref(f)
	a.Decref(f)

	if got := a.NFree(); got != before {
		t.Fatalf("alloc;free left nfree=%d, want %d", got, before)
	}
}

func TestHugeSplitAndCoalesce(t *testing.T) {
	a := newTestAllocator(kconfig.SmallPerHuge, nil)
	before := a.NFree()
	if before != kconfig.SmallPerHuge {
		t.Fatalf("nfree=%d, want %d", before, kconfig.SmallPerHuge)
	}

	f, err := a.Alloc(FlagNone)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	if f.Huge {
		t.Fatal("alloc(normal) must return a non-huge frame")
	}
	if a.NFree() != kconfig.SmallPerHuge-1 {
		t.Fatalf("nfree after split = %d, want %d", a.NFree(), kconfig.SmallPerHuge-1)
	}

	a.Incref(f)
	a.Decref(f)

	if a.NFree() != kconfig.SmallPerHuge {
		t.Fatalf("nfree after coalesce = %d, want %d", a.NFree(), kconfig.SmallPerHuge)
	}

	hf, err := a.Alloc(FlagHuge)
	if err != 0 {
		t.Fatalf("alloc(HUGE): %v", err)
	}
	if !hf.Huge {
		t.Fatal("alloc(HUGE) returned a non-huge frame")
	}
}

func TestAllocZeroFillsPage(t *testing.T) {
	a := newTestAllocator(4, nil)
	f, err := a.Alloc(FlagNone)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	b := a.Bytes(f)
	for i := range b {
		b[i] = 0xff
	}
	a.Incref(f)
	a.Decref(f)

	f2, err := a.Alloc(FlagZero)
	if err != 0 {
		t.Fatalf("alloc(ZERO): %v", err)
	}
	for _, v := range a.Bytes(f2) {
		if v != 0 {
			t.Fatal("alloc(ZERO) did not zero the page")
		}
	}
}

// TestAllocCPURefillsFromGlobalListAndBoundsTheCache covers the per-CPU
// fast path: an empty cache refills in one batch off the shared free list,
// capped at perCPUCacheCap, so NFree drops by the whole batch, and freeing
// the allocated frame returns it to the shared list.
func TestAllocCPURefillsFromGlobalListAndBoundsTheCache(t *testing.T) {
	a := newTestAllocator(4*kconfig.SmallPerHuge, nil)
	before := a.NFree()

	f, err := a.AllocCPU(0, FlagNone)
	if err != kerr.Ok {
		t.Fatalf("alloccpu: %v", err)
	}
	if f.Huge {
		t.Fatal("AllocCPU must never hand back a huge frame")
	}
	if got := a.percpu[0].n; got != perCPUCacheCap-1 {
		t.Fatalf("cache depth after one alloc = %d, want %d", got, perCPUCacheCap-1)
	}
	if got := a.NFree(); got != before-perCPUCacheCap {
		t.Fatalf("nfree after AllocCPU = %d, want %d", got, before-perCPUCacheCap)
	}

	a.Incref(f)
	a.Decref(f)
	if got := a.NFree(); got != before-perCPUCacheCap+1 {
		t.Fatalf("nfree after free = %d, want %d", got, before-perCPUCacheCap+1)
	}
}

// TestAllocCPUFallsBackToGlobalAllocWhenListExhausted covers refillCPU
// returning an empty cache once the shared free list itself has nothing
// left to give: AllocCPU must still report NoMem rather than panicking on
// an empty cache.
func TestAllocCPUFallsBackToGlobalAllocWhenListExhausted(t *testing.T) {
	a := newTestAllocator(1, nil)
	f, err := a.AllocCPU(0, FlagNone)
	if err != kerr.Ok {
		t.Fatalf("alloccpu: %v", err)
	}
	a.Incref(f)

	if _, err := a.AllocCPU(0, FlagNone); err != kerr.NoMem {
		t.Fatalf("expected no-mem once both the cache and the global list are empty, got %v", err)
	}
}

// TestAllocCPUHugeBypassesTheCache covers AllocCPU falling straight through
// to Alloc for a huge-page request, leaving the per-CPU cache untouched.
func TestAllocCPUHugeBypassesTheCache(t *testing.T) {
	a := newTestAllocator(kconfig.SmallPerHuge, nil)
	// A freshly built allocator has no huge free node yet: alloc one small
	// frame and free it right back so tryCoalesce merges the neighborhood.
	prime, perr := a.Alloc(FlagNone)
	if perr != kerr.Ok {
		t.Fatalf("prime alloc: %v", perr)
	}
	a.Incref(prime)
	a.Decref(prime)

	f, err := a.AllocCPU(0, FlagHuge)
	if err != kerr.Ok {
		t.Fatalf("alloccpu(huge): %v", err)
	}
	if !f.Huge {
		t.Fatal("AllocCPU(FlagHuge) must return a huge frame")
	}
	if a.percpu[0].n != 0 {
		t.Fatal("a huge request must not populate the per-CPU cache")
	}
}

func TestAllocDepletionInvokesReclaimThenOOM(t *testing.T) {
	a := newTestAllocator(1, nil)
	f, err := a.Alloc(FlagNone)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	a.Incref(f)

	reclaimCalled := false
	oomCalled := false
	a.Reclaim = reclaimFunc(func(target int) bool {
		reclaimCalled = true
		return false
	})
	a.OOM = killFunc(func() error {
		oomCalled = true
		return errNoVictim
	})

	if _, err := a.Alloc(FlagNone); err != kerr.NoMem {
		t.Fatalf("expected no-mem, got %v", err)
	}
	if !reclaimCalled || !oomCalled {
		t.Fatal("depletion did not invoke reclaim then OOM")
	}
}
