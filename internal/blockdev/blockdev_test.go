package blockdev

import (
	"bytes"
	"testing"

	"github.com/zuziik/KP2018/internal/kconfig"
)

func TestMemDeviceReadWriteRoundTrip(t *testing.T) {
	d := NewMemDevice(4)
	if d.NumSectors() != 4 {
		t.Fatalf("NumSectors = %d, want 4", d.NumSectors())
	}

	in := bytes.Repeat([]byte{0xab}, kconfig.SectorSize)
	if err := d.WriteSector(2, in); err != nil {
		t.Fatalf("WriteSector: %v", err)
	}

	out := make([]byte, kconfig.SectorSize)
	if err := d.ReadSector(2, out); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Fatal("read back different bytes than written")
	}

	zero := make([]byte, kconfig.SectorSize)
	if err := d.ReadSector(0, out); err != nil {
		t.Fatalf("ReadSector unwritten sector: %v", err)
	}
	if !bytes.Equal(out, zero) {
		t.Fatal("expected unwritten sector to read back as zeroes")
	}
}

func TestMemDeviceRejectsOutOfRangeSector(t *testing.T) {
	d := NewMemDevice(2)
	buf := make([]byte, kconfig.SectorSize)
	if err := d.ReadSector(2, buf); err == nil {
		t.Fatal("expected out-of-range lba to error")
	}
	if err := d.WriteSector(99, buf); err == nil {
		t.Fatal("expected out-of-range lba to error")
	}
}

func TestMemDeviceRejectsWrongSizedBuffer(t *testing.T) {
	d := NewMemDevice(2)
	if err := d.ReadSector(0, make([]byte, kconfig.SectorSize-1)); err == nil {
		t.Fatal("expected undersized buffer to error")
	}
	if err := d.WriteSector(0, make([]byte, kconfig.SectorSize+1)); err == nil {
		t.Fatal("expected oversized buffer to error")
	}
}
