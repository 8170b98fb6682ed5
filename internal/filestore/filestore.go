// Package filestore gives concrete shape to spec section 1's external
// collaborator: the opaque, non-reentrant file-system library the kernel
// calls into for create/remove/open/read/write/seek/tell/close. Files are
// byte-addressable and backed by real positioned I/O (golang.org/x/sys/unix's
// Pread/Pwrite), the way plib/linux.go reaches past the stdlib for its
// process cache file — here so the kernel is actually runnable rather than
// calling out to a library this module can't include.
package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// Store is the file-system root. Spec §4.6: "All file-system operations
// acquire a single global mutex around the opaque file-system library
// (which is not re-entrant)" — every Store and File method takes store.mu.
type Store struct {
	mu  sync.Mutex
	dir string
}

// New opens (creating if necessary) a Store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: failed creating root %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// Create makes a new, zero-filled file of exactly size bytes. Fails if a
// file by that name already exists, matching filesys_create.
func (s *Store) Create(name string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path(name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("filestore: create %s: %w", name, err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("filestore: size %s: %w", name, err)
	}
	return nil
}

// Remove unlinks name. Removing a file that's still open succeeds, the
// same as filesys_remove on a Unix-backed filesystem — no special handling
// is needed for already-open handles.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(name)); err != nil {
		return fmt.Errorf("filestore: remove %s: %w", name, err)
	}
	return nil
}

// Open returns a fresh File handle onto name with its own cursor at 0.
func (s *Store) Open(name string) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path(name), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("filestore: open %s: %w", name, err)
	}
	return &File{store: s, f: f, name: name}, nil
}

// Reopen returns an independent handle onto the same file as h, with its
// own cursor — used by fork to duplicate descriptors and by do_mmap for
// its own cursor, per spec §4.4/§4.5.
func (s *Store) Reopen(h *File) (*File, error) {
	return s.Open(h.name)
}

// File is an open file handle: a real os.File plus the handle's own
// cursor for the cursor-based read/write/seek/tell syscalls.
type File struct {
	store *Store
	f     *os.File
	name  string
	pos   int64
}

// Name returns the file's path relative to the store's root.
func (h *File) Name() string { return h.name }

// ReadAt performs a positioned read, independent of the handle's cursor.
// Satisfies internal/vm.FileHandle for file-backed pages.
func (h *File) ReadAt(p []byte, off int64) (int, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	n, err := unix.Pread(int(h.f.Fd()), p, off)
	if err != nil {
		return n, fmt.Errorf("filestore: pread %s: %w", h.name, err)
	}
	return n, nil
}

// WriteAt performs a positioned write, independent of the handle's cursor.
func (h *File) WriteAt(p []byte, off int64) (int, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	n, err := unix.Pwrite(int(h.f.Fd()), p, off)
	if err != nil {
		return n, fmt.Errorf("filestore: pwrite %s: %w", h.name, err)
	}
	return n, nil
}

// Read reads from the handle's own cursor and advances it, for the `read`
// syscall (spec §4.6).
func (h *File) Read(p []byte) (int, error) {
	n, err := h.ReadAt(p, h.pos)
	h.pos += int64(n)
	return n, err
}

// Write writes at the handle's own cursor and advances it, for the `write`
// syscall (spec §4.6).
func (h *File) Write(p []byte) (int, error) {
	n, err := h.WriteAt(p, h.pos)
	h.pos += int64(n)
	return n, err
}

// Seek sets the handle's cursor, for the `seek` syscall.
func (h *File) Seek(pos int64) { h.pos = pos }

// Tell returns the handle's cursor, for the `tell` syscall.
func (h *File) Tell() int64 { return h.pos }

// Length returns the file's current size, for the `filesize` syscall.
func (h *File) Length() (int64, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	fi, err := h.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("filestore: stat %s: %w", h.name, err)
	}
	return fi.Size(), nil
}

// Close releases the handle.
func (h *File) Close() error {
	return h.f.Close()
}
