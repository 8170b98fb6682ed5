// Package elf parses the ELF-64 executables loaded by exec, per spec
// section 4.5/6: validating the header (e_machine = 0x3E, e_type = 2,
// little-endian, version 1) and walking PT_LOAD program headers while
// rejecting PT_DYNAMIC, PT_INTERP, and PT_SHLIB.
//
// This is a hand-rolled reader over encoding/binary rather than the
// standard library's debug/elf: debug/elf is built for general-purpose
// introspection (section-name resolution, symbol tables, relocations) and
// has no way to surface "this binary has a PT_INTERP segment" as the
// load-time failure spec §4.5 requires — here that's a first-class
// ErrUnsupportedSegment, not something to infer from a generic section
// listing.
package elf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	ehdrSize = 64
	phdrSize = 56

	classELF64  = 2
	dataLE      = 1
	evCurrent   = 1
	machineAMD64 = 0x3E
	etExec      = 2

	maxPhNum = 1024

	// PGSIZE mirrors internal/vm.PGSIZE for segment page-alignment checks;
	// repeated here rather than imported to keep this package dependency-free.
	PGSIZE = 4096

	// userSpaceLimit mirrors internal/vm.KernBase: segment validation has
	// no other reason to import internal/vm, so the boundary is repeated
	// here rather than pulled in as a dependency.
	userSpaceLimit = uintptr(0x8004000000)
)

// Program header types, per the ELF-64 spec.
const (
	ptNull    = 0
	ptLoad    = 1
	ptDynamic = 2
	ptInterp  = 3
	ptShlib   = 5
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

var (
	ErrBadMagic         = errors.New("elf: not an ELF file")
	ErrUnsupportedClass = errors.New("elf: only ELFCLASS64 is supported")
	ErrUnsupportedData  = errors.New("elf: only little-endian encoding is supported")
	ErrUnsupportedVersion = errors.New("elf: unsupported ELF version")
	ErrWrongMachine     = errors.New("elf: e_machine is not x86-64 (0x3E)")
	ErrWrongType        = errors.New("elf: e_type is not ET_EXEC")
	ErrUnsupportedSegment = errors.New("elf: executable requires a dynamic loader (PT_DYNAMIC/PT_INTERP/PT_SHLIB)")
	ErrTruncated        = errors.New("elf: file truncated")
	ErrTooManyHeaders   = errors.New("elf: e_phnum exceeds 1024")
	ErrBadHeaderSize    = errors.New("elf: e_phentsize does not match the program header size")
	ErrInvalidSegment   = errors.New("elf: invalid PT_LOAD segment")
)

// Header is the subset of the ELF-64 file header exec needs.
type Header struct {
	Entry  uint64
	PhOff  uint64
	PhNum  uint16
}

// ProgramHeader is a PT_LOAD entry: a contiguous range to map from the
// file into the process's address space.
type ProgramHeader struct {
	VAddr  uint64
	Offset uint64
	FileSz uint64
	MemSz  uint64
	Flags  uint32
}

// Writable reports whether this segment's PF_W flag is set.
func (p ProgramHeader) Writable() bool { return p.Flags&0x2 != 0 }

// validateSegment applies spec §6's PT_LOAD checks, matching the
// original's validate_segment: p_offset and p_vaddr must share the same
// page offset (so the on-disk and in-memory layouts can be mapped with a
// single page-aligned copy), p_memsz must be at least p_filesz and
// p_filesz must be nonzero, and the mapped range must lie entirely in
// user space, not overlap page 0, and not wrap around the address space.
func validateSegment(p ProgramHeader) error {
	if p.Offset%PGSIZE != p.VAddr%PGSIZE {
		return fmt.Errorf("%w: p_offset and p_vaddr disagree on page offset", ErrInvalidSegment)
	}
	if p.FileSz == 0 || p.MemSz < p.FileSz {
		return fmt.Errorf("%w: p_memsz must be >= p_filesz > 0", ErrInvalidSegment)
	}
	end := p.VAddr + p.MemSz
	if end < p.VAddr {
		return fmt.Errorf("%w: p_vaddr+p_memsz wraps around", ErrInvalidSegment)
	}
	if p.VAddr < PGSIZE {
		return fmt.Errorf("%w: segment overlaps page 0", ErrInvalidSegment)
	}
	if end > uint64(userSpaceLimit) {
		return fmt.Errorf("%w: segment is not entirely in user space", ErrInvalidSegment)
	}
	return nil
}

// Parse validates the ELF-64 header and returns it along with every
// PT_LOAD program header, in file order. Per spec §4.5, PT_DYNAMIC,
// PT_INTERP, and PT_SHLIB segments are rejected outright.
func Parse(r io.ReaderAt) (*Header, []ProgramHeader, error) {
	raw := make([]byte, ehdrSize)
	if _, err := r.ReadAt(raw, 0); err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrTruncated, err)
	}

	if !bytes.Equal(raw[0:4], elfMagic) {
		return nil, nil, ErrBadMagic
	}
	if raw[4] != classELF64 {
		return nil, nil, ErrUnsupportedClass
	}
	if raw[5] != dataLE {
		return nil, nil, ErrUnsupportedData
	}
	if raw[6] != evCurrent {
		return nil, nil, ErrUnsupportedVersion
	}

	eType := binary.LittleEndian.Uint16(raw[16:18])
	eMachine := binary.LittleEndian.Uint16(raw[18:20])
	eVersion := binary.LittleEndian.Uint32(raw[20:24])
	if eVersion != evCurrent {
		return nil, nil, ErrUnsupportedVersion
	}
	if eMachine != machineAMD64 {
		return nil, nil, ErrWrongMachine
	}
	if eType != etExec {
		return nil, nil, ErrWrongType
	}

	phEntSize := binary.LittleEndian.Uint16(raw[54:56])
	if phEntSize != phdrSize {
		return nil, nil, ErrBadHeaderSize
	}

	hdr := &Header{
		Entry: binary.LittleEndian.Uint64(raw[24:32]),
		PhOff: binary.LittleEndian.Uint64(raw[32:40]),
		PhNum: binary.LittleEndian.Uint16(raw[56:58]),
	}
	if hdr.PhNum > maxPhNum {
		return nil, nil, ErrTooManyHeaders
	}

	loads := make([]ProgramHeader, 0, hdr.PhNum)
	for i := 0; i < int(hdr.PhNum); i++ {
		off := int64(hdr.PhOff) + int64(i)*phdrSize
		buf := make([]byte, phdrSize)
		if _, err := r.ReadAt(buf, off); err != nil {
			return nil, nil, fmt.Errorf("%w: program header %d: %s", ErrTruncated, i, err)
		}
		pType := binary.LittleEndian.Uint32(buf[0:4])
		switch pType {
		case ptDynamic, ptInterp, ptShlib:
			return nil, nil, ErrUnsupportedSegment
		case ptLoad:
			ph := ProgramHeader{
				Flags:  binary.LittleEndian.Uint32(buf[4:8]),
				Offset: binary.LittleEndian.Uint64(buf[8:16]),
				VAddr:  binary.LittleEndian.Uint64(buf[16:24]),
				FileSz: binary.LittleEndian.Uint64(buf[32:40]),
				MemSz:  binary.LittleEndian.Uint64(buf[40:48]),
			}
			if err := validateSegment(ph); err != nil {
				return nil, nil, err
			}
			loads = append(loads, ph)
		default:
			// PT_NULL, PT_NOTE, PT_PHDR, PT_GNU_* and friends are
			// benign for a static, non-PIE executable; ignored.
		}
	}

	return hdr, loads, nil
}
