// Package swap implements the anonymous-page swap device from spec
// section 4.4: a bitmap of fixed-size, one-page slots on a backing file,
// read and written with positioned I/O the way host/host.go reaches for
// golang.org/x/sys/unix for raw OS access rather than os.File's cursor-based
// Read/Write.
package swap

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// PageSize must match internal/vm.PGSIZE; kept as its own constant so this
// package has no dependency on internal/vm.
const PageSize = 4096

// ErrSwapFull is returned by Alloc when every slot is in use.
var ErrSwapFull = errors.New("swap: device full")

// Device is a fixed-size swap block device: slotCount slots of PageSize
// bytes each, backed by a single file and a bitmap of free/used slots.
// It satisfies internal/vm.SwapDevice.
type Device struct {
	f         *os.File
	slotCount int
	used      []bool
}

// Open creates (or truncates) path to hold slotCount PageSize slots and
// returns a Device backed by it.
func Open(path string, slotCount int) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("swap: failed opening backing file %s: %w", path, err)
	}
	size := int64(slotCount) * PageSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("swap: failed sizing backing file %s: %w", path, err)
	}
	return &Device{f: f, slotCount: slotCount, used: make([]bool, slotCount)}, nil
}

// Close releases the backing file.
func (d *Device) Close() error {
	return d.f.Close()
}

// Alloc reserves the lowest-numbered free slot.
func (d *Device) Alloc() (int, error) {
	for i, inUse := range d.used {
		if !inUse {
			d.used[i] = true
			return i, nil
		}
	}
	return 0, ErrSwapFull
}

// Free releases slot back to the bitmap. Freeing an already-free slot is a
// no-op, matching bitmap_reset's idempotence.
func (d *Device) Free(slot int) {
	if slot < 0 || slot >= d.slotCount {
		return
	}
	d.used[slot] = false
}

// Write stores exactly one PageSize page at slot via positioned I/O, per
// spec §4.4's "write the frame's contents sector-by-sector" (modeled here
// as a single positioned write of the whole page rather than per-sector
// calls, since this simulator has no distinct disk-sector abstraction).
func (d *Device) Write(slot int, data []byte) error {
	if err := d.checkSlot(slot, len(data)); err != nil {
		return err
	}
	n, err := unix.Pwrite(int(d.f.Fd()), data[:PageSize], int64(slot)*PageSize)
	if err != nil {
		return fmt.Errorf("swap: write slot %d: %w", slot, err)
	}
	if n != PageSize {
		return fmt.Errorf("swap: short write to slot %d: wrote %d of %d bytes", slot, n, PageSize)
	}
	return nil
}

// Read loads exactly one PageSize page from slot into dst.
func (d *Device) Read(slot int, dst []byte) error {
	if err := d.checkSlot(slot, len(dst)); err != nil {
		return err
	}
	n, err := unix.Pread(int(d.f.Fd()), dst[:PageSize], int64(slot)*PageSize)
	if err != nil {
		return fmt.Errorf("swap: read slot %d: %w", slot, err)
	}
	if n != PageSize {
		return fmt.Errorf("swap: short read from slot %d: read %d of %d bytes", slot, n, PageSize)
	}
	return nil
}

func (d *Device) checkSlot(slot, bufLen int) error {
	if slot < 0 || slot >= d.slotCount {
		return fmt.Errorf("swap: slot %d out of range [0,%d)", slot, d.slotCount)
	}
	if bufLen < PageSize {
		return fmt.Errorf("swap: buffer too small for a full page: %d < %d", bufLen, PageSize)
	}
	return nil
}
