package vm

import (
	"errors"
	"io"
)

// FileHandle is the slice of internal/filestore's file API that a
// file-backed page needs: positioned reads and writes. Kept as an
// interface, the way sched models ksync.Donor and timer models Waker, so
// this package never imports internal/filestore.
type FileHandle interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// FileStore is the subset of internal/filestore needed by do_mmap: the
// ability to hand back an independent cursor on the same underlying file
// (spec §4.4: "reopens the file to own an independent cursor").
type FileStore interface {
	Reopen(h FileHandle) (FileHandle, error)
}

type fileBackend struct {
	file      FileHandle
	offset    int64
	readBytes int
	zeroBytes int
	writable  bool
}

// NewFileInitializer returns the initializer installed by
// AllocPageWithInitializer(PageFile, ...) and by do_mmap: it records the
// file, offset, and read/zero split for a lazily-loaded page.
func NewFileInitializer(file FileHandle, offset int64, readBytes, zeroBytes int, writable bool) func(p *Page, aux any) bool {
	return func(p *Page, aux any) bool {
		p.backend = &fileBackend{file: file, offset: offset, readBytes: readBytes, zeroBytes: zeroBytes, writable: writable}
		p.typ = PageFile
		return true
	}
}

func (fb *fileBackend) swapIn(p *Page, f *Frame) error {
	n, err := fb.file.ReadAt(f.kva[:fb.readBytes], fb.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	for i := n; i < len(f.kva); i++ {
		f.kva[i] = 0
	}
	f.page = p
	p.frame = f
	p.dirty = false
	return nil
}

func (fb *fileBackend) swapOut(p *Page) error {
	if p.dirty {
		if _, err := fb.file.WriteAt(p.frame.kva[:fb.readBytes], fb.offset); err != nil {
			return err
		}
		p.dirty = false
	}
	p.frame.page = nil
	p.frame = nil
	return nil
}

func (fb *fileBackend) destroy(p *Page) {
	if p.frame != nil && p.dirty {
		fb.file.WriteAt(p.frame.kva[:fb.readBytes], fb.offset)
		p.dirty = false
	}
	if p.frame != nil {
		p.frame.page = nil
		p.frame = nil
	}
}
