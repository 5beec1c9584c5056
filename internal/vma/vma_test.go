package vma

import (
	"testing"

	"github.com/zuziik/KP2018/internal/kconfig"
)

func TestInsertLookupOrdering(t *testing.T) {
	l := NewList()
	if _, ok := l.Insert(kconfig.USERMIN+0x2000, kconfig.PageSize, 0, Anon); !ok {
		t.Fatal("insert 1 failed")
	}
	if _, ok := l.Insert(kconfig.USERMIN, kconfig.PageSize, 0, Anon); !ok {
		t.Fatal("insert 2 failed")
	}
	if l.areas[0].VA != kconfig.USERMIN || l.areas[1].VA != kconfig.USERMIN+0x2000 {
		t.Fatal("areas not kept in ascending order")
	}
	if _, ok := l.Lookup(kconfig.USERMIN); !ok {
		t.Fatal("lookup of mapped page failed")
	}
	if _, ok := l.Lookup(kconfig.USERMIN + 0x1000); ok {
		t.Fatal("lookup found a region in the gap")
	}
}

func TestInsertRejectsOverlap(t *testing.T) {
	l := NewList()
	if _, ok := l.Insert(kconfig.USERMIN, 2*kconfig.PageSize, 0, Anon); !ok {
		t.Fatal("insert failed")
	}
	if _, ok := l.Insert(kconfig.USERMIN+kconfig.PageSize, kconfig.PageSize, 0, Anon); ok {
		t.Fatal("overlapping insert should have failed")
	}
}

func TestFindGapBeforeBetweenAfter(t *testing.T) {
	l := NewList()
	base := uintptr(kconfig.USERMIN)
	l.Insert(base+0x10000, kconfig.PageSize, 0, Anon)
	l.Insert(base+0x20000, kconfig.PageSize, 0, Anon)

	gap, ok := l.FindGap(kconfig.PageSize)
	if !ok || gap != base {
		t.Fatalf("expected gap at base, got %x ok=%v", gap, ok)
	}

	// consume the entire gap before the first region so the next search
	// has to land between the two inserted regions.
	l.Insert(base, 0x10000, 0, Anon)
	gap, ok = l.FindGap(kconfig.PageSize)
	if !ok || gap != base+0x10000+kconfig.PageSize {
		t.Fatalf("expected gap between regions, got %x ok=%v", gap, ok)
	}

	// fill the gap between the two regions too, so the next search has to
	// land after the last region.
	l.Insert(base+0x11000, 0xF000, 0, Anon)
	gap, ok = l.FindGap(kconfig.PageSize)
	if !ok || gap != base+0x21000 {
		t.Fatalf("expected gap after the last region, got %x ok=%v", gap, ok)
	}
}

func TestDestroyRemovesExactRegion(t *testing.T) {
	l := NewList()
	base := uintptr(kconfig.USERMIN)
	l.Insert(base, kconfig.PageSize, 0, Anon)
	var destroyed bool
	if !l.Destroy(base, kconfig.PageSize, func(va, length uintptr) { destroyed = true }) {
		t.Fatal("destroy failed")
	}
	if !destroyed {
		t.Fatal("onDestroy callback not invoked")
	}
	if l.Count() != 0 {
		t.Fatalf("count after destroy = %d, want 0", l.Count())
	}
}

func TestDestroyShrinksFromStart(t *testing.T) {
	l := NewList()
	base := uintptr(kconfig.USERMIN)
	l.Insert(base, 6*kconfig.PageSize, 0, Anon)

	if !l.Destroy(base, 2*kconfig.PageSize, func(uintptr, uintptr) {}) {
		t.Fatal("destroy failed")
	}
	if l.Count() != 1 {
		t.Fatalf("count = %d, want 1", l.Count())
	}
	a := l.areas[0]
	if a.VA != base+2*kconfig.PageSize || a.Len != 4*kconfig.PageSize {
		t.Fatalf("got VA=%#x Len=%#x, want VA=%#x Len=%#x", a.VA, a.Len, base+2*kconfig.PageSize, 4*kconfig.PageSize)
	}
	if _, ok := l.Lookup(base); ok {
		t.Fatal("destroyed prefix should no longer be covered")
	}
	if _, ok := l.Lookup(base + 2*kconfig.PageSize); !ok {
		t.Fatal("remaining suffix should still be covered")
	}
}

func TestDestroyShrinksFromEnd(t *testing.T) {
	l := NewList()
	base := uintptr(kconfig.USERMIN)
	l.Insert(base, 6*kconfig.PageSize, 0, Anon)

	if !l.Destroy(base+4*kconfig.PageSize, 2*kconfig.PageSize, func(uintptr, uintptr) {}) {
		t.Fatal("destroy failed")
	}
	if l.Count() != 1 {
		t.Fatalf("count = %d, want 1", l.Count())
	}
	a := l.areas[0]
	if a.VA != base || a.Len != 4*kconfig.PageSize {
		t.Fatalf("got VA=%#x Len=%#x, want VA=%#x Len=%#x", a.VA, a.Len, base, 4*kconfig.PageSize)
	}
	if _, ok := l.Lookup(base + 5*kconfig.PageSize); ok {
		t.Fatal("destroyed suffix should no longer be covered")
	}
}

// TestDestroySplitsMiddleRegion matches spec.md 8 scenario 3: a 6-page VMA
// with the middle 2 pages destroyed still serves writes at the original
// base, since the head half survives as its own region.
func TestDestroySplitsMiddleRegion(t *testing.T) {
	l := NewList()
	base := uintptr(kconfig.USERMIN)
	l.Insert(base, 6*kconfig.PageSize, 0, Anon)

	if !l.Destroy(base+2*kconfig.PageSize, 2*kconfig.PageSize, func(uintptr, uintptr) {}) {
		t.Fatal("destroy failed")
	}
	if l.Count() != 2 {
		t.Fatalf("count = %d, want 2", l.Count())
	}

	if _, ok := l.Lookup(base); !ok {
		t.Fatal("expected writes at the original base to still succeed")
	}
	if _, ok := l.Lookup(base + 2*kconfig.PageSize); ok {
		t.Fatal("destroyed middle range should no longer be covered")
	}
	if _, ok := l.Lookup(base + 5*kconfig.PageSize); !ok {
		t.Fatal("expected the tail region to survive the split")
	}

	head := l.areas[0]
	tail := l.areas[1]
	if head.VA != base || head.Len != 2*kconfig.PageSize {
		t.Fatalf("head = {VA:%#x Len:%#x}, want {VA:%#x Len:%#x}", head.VA, head.Len, base, 2*kconfig.PageSize)
	}
	if tail.VA != base+4*kconfig.PageSize || tail.Len != 2*kconfig.PageSize {
		t.Fatalf("tail = {VA:%#x Len:%#x}, want {VA:%#x Len:%#x}", tail.VA, tail.Len, base+4*kconfig.PageSize, 2*kconfig.PageSize)
	}
}

func TestDestroyRejectsRangeSpanningPastRegionEnd(t *testing.T) {
	l := NewList()
	base := uintptr(kconfig.USERMIN)
	l.Insert(base, 2*kconfig.PageSize, 0, Anon)
	if l.Destroy(base, 3*kconfig.PageSize, func(uintptr, uintptr) {}) {
		t.Fatal("expected destroy spanning past the region's end to fail")
	}
}

func TestDestroySplitTrimsBinarySrcForTailRegion(t *testing.T) {
	l := NewList()
	base := uintptr(kconfig.USERMIN)
	area, _ := l.Insert(base, 6*kconfig.PageSize, 0, Binary)
	src := make([]byte, 3*kconfig.PageSize)
	for i := range src {
		src[i] = byte(i)
	}
	area.Src = src
	area.SrcLen = uintptr(len(src))

	if !l.Destroy(base+2*kconfig.PageSize, 2*kconfig.PageSize, func(uintptr, uintptr) {}) {
		t.Fatal("destroy failed")
	}

	tail, ok := l.Lookup(base + 5*kconfig.PageSize)
	if !ok {
		t.Fatal("expected tail region")
	}
	// tail.VA moved forward by 4 pages, past the whole 3-page Src, so the
	// tail region should read back as pure bss (no file-backed prefix).
	if tail.Src != nil || tail.SrcLen != 0 {
		t.Fatalf("tail = {Src:%v SrcLen:%d}, want fully trimmed", tail.Src, tail.SrcLen)
	}
}

func TestSwappedPageBookkeeping(t *testing.T) {
	l := NewList()
	base := uintptr(kconfig.USERMIN)
	a, _ := l.Insert(base, kconfig.PageSize, 0, Anon)
	a.MarkSwapped(base, 7)
	slot, ok := a.SwapSlot(base)
	if !ok || slot != 7 {
		t.Fatalf("swap slot = %d, ok=%v, want 7/true", slot, ok)
	}
	a.ClearSwapped(base)
	if _, ok := a.SwapSlot(base); ok {
		t.Fatal("swap slot should be cleared")
	}
}
