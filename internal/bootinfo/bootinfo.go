// Package bootinfo models the boot-time physical memory map the frame
// allocator is seeded from: spec.md 8.1's "640 KiB conventional memory,
// the 640 KiB-1 MiB I/O hole, and extended memory above 1 MiB", grounded on
// biscuit's mem.Phys_init boot-memory-map walk (mem/mem.go) adapted from a
// multiboot-style entry list to the frame.Range exclusion list
// frame.NewAllocator expects.
package bootinfo

import "github.com/zuziik/KP2018/internal/frame"

// RegionKind classifies one boot memory-map entry the way a multiboot/E820
// map would.
type RegionKind int

const (
	// RegionUsable is RAM available for the frame allocator's free list.
	RegionUsable RegionKind = iota
	// RegionReserved is excluded (the I/O hole, ACPI tables, the kernel
	// image itself).
	RegionReserved
)

// Region is one entry of the boot memory map, in bytes.
type Region struct {
	Start uintptr
	Len   uintptr
	Kind  RegionKind
}

// Map is the full boot-time memory map, in ascending, non-overlapping
// Start order.
type Map []Region

// Standard lays out the canonical low-memory map spec.md 8.1 describes:
// RAM from 0 to 640 KiB, a reserved I/O hole from 640 KiB to 1 MiB, and
// usable RAM from 1 MiB up to totalBytes.
func Standard(totalBytes uintptr) Map {
	const (
		conventionalTop = 640 << 10
		ioHoleTop       = 1 << 20
	)
	m := Map{
		{Start: 0, Len: conventionalTop, Kind: RegionUsable},
		{Start: conventionalTop, Len: ioHoleTop - conventionalTop, Kind: RegionReserved},
	}
	if totalBytes > ioHoleTop {
		m = append(m, Region{Start: ioHoleTop, Len: totalBytes - ioHoleTop, Kind: RegionUsable})
	}
	return m
}

// ReservedFrameRanges converts every Reserved region, plus frame 0 itself
// (spec.md invariant "frame zero is never handed out, to catch null
// physical-address bugs"), into frame.Range values for frame.NewAllocator.
func (m Map) ReservedFrameRanges(pageSize int) []frame.Range {
	ranges := []frame.Range{{Start: 0, Len: 1}}
	for _, r := range m {
		if r.Kind != RegionReserved {
			continue
		}
		start := int(r.Start) / pageSize
		end := (int(r.Start+r.Len) + pageSize - 1) / pageSize
		ranges = append(ranges, frame.Range{Start: start, Len: end - start})
	}
	return ranges
}
