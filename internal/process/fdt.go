package process

import "errors"

// FDCountMax is the file descriptor table's fixed size (spec §9's Open
// Question: "a reasonable upper bound", resolved as a configurable
// constant per SUPPLEMENTED FEATURES). Slots 0 and 1 are reserved for the
// console (stdin/stdout) and never stored here; open() always starts its
// linear search at 2.
const FDCountMax = 128

var (
	ErrTooManyOpenFiles = errors.New("process: file descriptor table is full")
	ErrBadFD            = errors.New("process: invalid or unused file descriptor")
)

// FileHandle is the slice of internal/filestore.File's API the process
// manager needs for a process's open files. *filestore.File satisfies
// this structurally, the way sched.Thread satisfies ksync.Donor.
type FileHandle interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Seek(pos int64)
	Tell() int64
	Length() (int64, error)
	Close() error
}

// FDT is a process's file descriptor table, per spec §4.5/§4.6.
type FDT struct {
	entries [FDCountMax]FileHandle
}

// NewFDT returns an empty file descriptor table.
func NewFDT() *FDT { return &FDT{} }

// Open installs h at the lowest free descriptor ≥ 2, per spec §4.6's open
// contract.
func (t *FDT) Open(h FileHandle) (int, error) {
	for fd := 2; fd < FDCountMax; fd++ {
		if t.entries[fd] == nil {
			t.entries[fd] = h
			return fd, nil
		}
	}
	return -1, ErrTooManyOpenFiles
}

// Get returns the handle at fd, if any.
func (t *FDT) Get(fd int) (FileHandle, bool) {
	if fd < 2 || fd >= FDCountMax {
		return nil, false
	}
	h := t.entries[fd]
	return h, h != nil
}

// Close closes and clears fd's slot, per spec §4.6.
func (t *FDT) Close(fd int) error {
	if fd < 2 || fd >= FDCountMax || t.entries[fd] == nil {
		return ErrBadFD
	}
	h := t.entries[fd]
	t.entries[fd] = nil
	return h.Close()
}

// CloseAll closes every open descriptor, for process exit (spec §4.5).
func (t *FDT) CloseAll() {
	for fd := 2; fd < FDCountMax; fd++ {
		if t.entries[fd] != nil {
			t.entries[fd].Close()
			t.entries[fd] = nil
		}
	}
}

// Dup2 duplicates oldfd onto newfd, closing whatever newfd previously held.
// Not in the distilled spec's syscall table; added per SPEC_FULL.md's
// supplemented features, since it's a natural extension of the FDT spec
// §4.6 already requires.
func (t *FDT) Dup2(oldfd, newfd int) (int, error) {
	if oldfd < 2 || oldfd >= FDCountMax || t.entries[oldfd] == nil {
		return -1, ErrBadFD
	}
	if newfd < 2 || newfd >= FDCountMax {
		return -1, ErrBadFD
	}
	if oldfd == newfd {
		return newfd, nil
	}
	if t.entries[newfd] != nil {
		t.entries[newfd].Close()
	}
	t.entries[newfd] = t.entries[oldfd]
	return newfd, nil
}

// Duplicate builds a fresh FDT with an independent handle for every
// descriptor this table currently has open, using reopen to obtain each
// new handle — spec §4.5's fork contract: "duplicating open file
// descriptors by reopening/rereferencing underlying file handles so
// parent and child have independent cursors on the same inode."
func (t *FDT) Duplicate(reopen func(FileHandle) (FileHandle, error)) (*FDT, bool) {
	out := NewFDT()
	for fd := 2; fd < FDCountMax; fd++ {
		if t.entries[fd] == nil {
			continue
		}
		h, err := reopen(t.entries[fd])
		if err != nil {
			return nil, false
		}
		out.entries[fd] = h
	}
	return out, true
}
