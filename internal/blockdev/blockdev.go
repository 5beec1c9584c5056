// Package blockdev provides the synchronous sector I/O contract the swap
// engine uses to read and write swap slots (spec.md 4.6), grounded on
// original_source/kern/swap.c's ide_read_sector/ide_write_sector calls.
// FileDevice backs it with a real file or block special device via
// golang.org/x/sys/unix's pread64/pwrite64 wrappers, matching the corpus's
// preference for golang.org/x/sys over hand-rolled syscall numbers; MemDevice
// is an in-memory stand-in for tests.
package blockdev

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/zuziik/KP2018/internal/kconfig"
)

// Device is a flat array of fixed-size sectors, read and written
// synchronously (spec.md 4.6 "the swap engine issues synchronous reads and
// writes").
type Device interface {
	ReadSector(lba uint64, buf []byte) error
	WriteSector(lba uint64, buf []byte) error
	NumSectors() uint64
}

// FileDevice issues pread64/pwrite64 against an already-open file
// descriptor, which may be a regular file (a swapfile) or a raw block
// device.
type FileDevice struct {
	fd    int
	nsecs uint64
}

// NewFileDevice wraps fd, an already-open descriptor sized to hold nsecs
// sectors of kconfig.SectorSize bytes each.
func NewFileDevice(fd int, nsecs uint64) *FileDevice {
	return &FileDevice{fd: fd, nsecs: nsecs}
}

func (d *FileDevice) NumSectors() uint64 { return d.nsecs }

func (d *FileDevice) checkBounds(lba uint64, buf []byte) error {
	if len(buf) != kconfig.SectorSize {
		return fmt.Errorf("blockdev: buffer length %d != sector size %d", len(buf), kconfig.SectorSize)
	}
	if lba >= d.nsecs {
		return fmt.Errorf("blockdev: lba %d out of range (%d sectors)", lba, d.nsecs)
	}
	return nil
}

func (d *FileDevice) ReadSector(lba uint64, buf []byte) error {
	if err := d.checkBounds(lba, buf); err != nil {
		return err
	}
	n, err := unix.Pread(d.fd, buf, int64(lba*kconfig.SectorSize))
	if err != nil {
		return fmt.Errorf("blockdev: pread lba %d: %w", lba, err)
	}
	if n != len(buf) {
		return fmt.Errorf("blockdev: short read at lba %d: %d/%d bytes", lba, n, len(buf))
	}
	return nil
}

func (d *FileDevice) WriteSector(lba uint64, buf []byte) error {
	if err := d.checkBounds(lba, buf); err != nil {
		return err
	}
	n, err := unix.Pwrite(d.fd, buf, int64(lba*kconfig.SectorSize))
	if err != nil {
		return fmt.Errorf("blockdev: pwrite lba %d: %w", lba, err)
	}
	if n != len(buf) {
		return fmt.Errorf("blockdev: short write at lba %d: %d/%d bytes", lba, n, len(buf))
	}
	return nil
}

// MemDevice is an in-memory Device for tests and for running the kernel
// without a real backing swap file.
type MemDevice struct {
	sectors [][kconfig.SectorSize]byte
}

// NewMemDevice allocates an in-memory device of nsecs sectors.
func NewMemDevice(nsecs uint64) *MemDevice {
	return &MemDevice{sectors: make([][kconfig.SectorSize]byte, nsecs)}
}

func (d *MemDevice) NumSectors() uint64 { return uint64(len(d.sectors)) }

func (d *MemDevice) ReadSector(lba uint64, buf []byte) error {
	if len(buf) != kconfig.SectorSize {
		return fmt.Errorf("blockdev: buffer length %d != sector size %d", len(buf), kconfig.SectorSize)
	}
	if lba >= uint64(len(d.sectors)) {
		return fmt.Errorf("blockdev: lba %d out of range", lba)
	}
	copy(buf, d.sectors[lba][:])
	return nil
}

func (d *MemDevice) WriteSector(lba uint64, buf []byte) error {
	if len(buf) != kconfig.SectorSize {
		return fmt.Errorf("blockdev: buffer length %d != sector size %d", len(buf), kconfig.SectorSize)
	}
	if lba >= uint64(len(d.sectors)) {
		return fmt.Errorf("blockdev: lba %d out of range", lba)
	}
	copy(d.sectors[lba][:], buf)
	return nil
}
