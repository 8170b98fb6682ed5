package elf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

type phdrSpec struct {
	pType  uint32
	flags  uint32
	offset uint64
	vaddr  uint64
	filesz uint64
	memsz  uint64
}

func buildELF(t *testing.T, eType, eMachine uint16, version uint32, phdrs []phdrSpec) []byte {
	t.Helper()
	phOff := uint64(ehdrSize)
	buf := make([]byte, int(phOff)+len(phdrs)*phdrSize)

	copy(buf[0:4], elfMagic)
	buf[4] = classELF64
	buf[5] = dataLE
	buf[6] = evCurrent
	binary.LittleEndian.PutUint16(buf[16:18], eType)
	binary.LittleEndian.PutUint16(buf[18:20], eMachine)
	binary.LittleEndian.PutUint32(buf[20:24], version)
	binary.LittleEndian.PutUint64(buf[24:32], 0x400000) // entry
	binary.LittleEndian.PutUint64(buf[32:40], phOff)
	binary.LittleEndian.PutUint16(buf[54:56], phdrSize)
	binary.LittleEndian.PutUint16(buf[56:58], uint16(len(phdrs)))

	for i, p := range phdrs {
		off := int(phOff) + i*phdrSize
		binary.LittleEndian.PutUint32(buf[off+0:off+4], p.pType)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], p.flags)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], p.offset)
		binary.LittleEndian.PutUint64(buf[off+16:off+24], p.vaddr)
		binary.LittleEndian.PutUint64(buf[off+32:off+40], p.filesz)
		binary.LittleEndian.PutUint64(buf[off+40:off+48], p.memsz)
	}
	return buf
}

func TestParseValidExecutable(t *testing.T) {
	raw := buildELF(t, etExec, machineAMD64, evCurrent, []phdrSpec{
		{pType: ptLoad, flags: 0x5, offset: 0, vaddr: 0x400000, filesz: 0x1000, memsz: 0x1000},
		{pType: ptNote},
	})

	hdr, loads, err := Parse(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if hdr.Entry != 0x400000 {
		t.Fatalf("expected entry 0x400000, got %x", hdr.Entry)
	}
	if len(loads) != 1 {
		t.Fatalf("expected exactly one PT_LOAD segment, got %d", len(loads))
	}
	if loads[0].VAddr != 0x400000 || loads[0].FileSz != 0x1000 {
		t.Fatalf("unexpected PT_LOAD fields: %+v", loads[0])
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	raw := buildELF(t, etExec, machineAMD64, evCurrent, nil)
	raw[0] = 'X'
	if _, _, err := Parse(bytes.NewReader(raw)); err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestParseRejectsWrongMachine(t *testing.T) {
	raw := buildELF(t, etExec, 0x03, evCurrent, nil)
	if _, _, err := Parse(bytes.NewReader(raw)); err != ErrWrongMachine {
		t.Fatalf("expected ErrWrongMachine, got %v", err)
	}
}

func TestParseRejectsNonExecutableType(t *testing.T) {
	raw := buildELF(t, 3 /* ET_DYN */, machineAMD64, evCurrent, nil)
	if _, _, err := Parse(bytes.NewReader(raw)); err != ErrWrongType {
		t.Fatalf("expected ErrWrongType, got %v", err)
	}
}

func TestParseRejectsDynamicSegments(t *testing.T) {
	for _, pt := range []uint32{ptDynamic, ptInterp, ptShlib} {
		raw := buildELF(t, etExec, machineAMD64, evCurrent, []phdrSpec{{pType: pt}})
		if _, _, err := Parse(bytes.NewReader(raw)); err != ErrUnsupportedSegment {
			t.Fatalf("expected ErrUnsupportedSegment for p_type %d, got %v", pt, err)
		}
	}
}

func TestParseRejectsBadHeaderSize(t *testing.T) {
	raw := buildELF(t, etExec, machineAMD64, evCurrent, nil)
	binary.LittleEndian.PutUint16(raw[54:56], phdrSize-1)
	if _, _, err := Parse(bytes.NewReader(raw)); err != ErrBadHeaderSize {
		t.Fatalf("expected ErrBadHeaderSize, got %v", err)
	}
}

func TestParseRejectsTooManyHeaders(t *testing.T) {
	raw := buildELF(t, etExec, machineAMD64, evCurrent, nil)
	binary.LittleEndian.PutUint16(raw[56:58], maxPhNum+1)
	if _, _, err := Parse(bytes.NewReader(raw)); err != ErrTooManyHeaders {
		t.Fatalf("expected ErrTooManyHeaders, got %v", err)
	}
}

func TestParseRejectsMisalignedSegment(t *testing.T) {
	raw := buildELF(t, etExec, machineAMD64, evCurrent, []phdrSpec{
		{pType: ptLoad, flags: 0x5, offset: 1, vaddr: 0x400000, filesz: 0x1000, memsz: 0x1000},
	})
	if _, _, err := Parse(bytes.NewReader(raw)); !errors.Is(err, ErrInvalidSegment) {
		t.Fatalf("expected ErrInvalidSegment, got %v", err)
	}
}

func TestParseRejectsFileSzGreaterThanMemSz(t *testing.T) {
	raw := buildELF(t, etExec, machineAMD64, evCurrent, []phdrSpec{
		{pType: ptLoad, flags: 0x5, offset: 0, vaddr: 0x400000, filesz: 0x2000, memsz: 0x1000},
	})
	if _, _, err := Parse(bytes.NewReader(raw)); !errors.Is(err, ErrInvalidSegment) {
		t.Fatalf("expected ErrInvalidSegment, got %v", err)
	}
}

func TestParseRejectsZeroFileSz(t *testing.T) {
	raw := buildELF(t, etExec, machineAMD64, evCurrent, []phdrSpec{
		{pType: ptLoad, flags: 0x5, offset: 0, vaddr: 0x400000, filesz: 0, memsz: 0x1000},
	})
	if _, _, err := Parse(bytes.NewReader(raw)); !errors.Is(err, ErrInvalidSegment) {
		t.Fatalf("expected ErrInvalidSegment, got %v", err)
	}
}

func TestParseRejectsSegmentOverlappingPageZero(t *testing.T) {
	raw := buildELF(t, etExec, machineAMD64, evCurrent, []phdrSpec{
		{pType: ptLoad, flags: 0x5, offset: 0, vaddr: 0, filesz: 0x1000, memsz: 0x1000},
	})
	if _, _, err := Parse(bytes.NewReader(raw)); !errors.Is(err, ErrInvalidSegment) {
		t.Fatalf("expected ErrInvalidSegment, got %v", err)
	}
}

func TestParseRejectsSegmentOutsideUserSpace(t *testing.T) {
	raw := buildELF(t, etExec, machineAMD64, evCurrent, []phdrSpec{
		{pType: ptLoad, flags: 0x5, offset: 0, vaddr: uint64(userSpaceLimit), filesz: 0x1000, memsz: 0x1000},
	})
	if _, _, err := Parse(bytes.NewReader(raw)); !errors.Is(err, ErrInvalidSegment) {
		t.Fatalf("expected ErrInvalidSegment, got %v", err)
	}
}

func TestParseRejectsWrappingSegment(t *testing.T) {
	raw := buildELF(t, etExec, machineAMD64, evCurrent, []phdrSpec{
		{pType: ptLoad, flags: 0x5, offset: 0, vaddr: ^uint64(0) - 0xfff, filesz: 0x1000, memsz: 0x2000},
	})
	if _, _, err := Parse(bytes.NewReader(raw)); !errors.Is(err, ErrInvalidSegment) {
		t.Fatalf("expected ErrInvalidSegment, got %v", err)
	}
}

const ptNote = 4
