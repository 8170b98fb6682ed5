// Package vm implements the address-space manager described in spec
// section 4.4: a per-process supplemental page table (SPT) of lazily
// backed pages, a split kernel/user frame pool, clock-algorithm eviction,
// and mmap/munmap.
//
// The original kernel tracks a page's "real" type (anonymous, file-backed)
// and its uninitialized/initialized state through a vtable embedded in a
// tagged union (struct page's operations pointer). This package models the
// same lifecycle with an interface, pageBackend, satisfied in turn by
// uninitBackend, anonBackend, and fileBackend — the same "page starts
// UNINIT, transitions to its real type on first claim" contract, expressed
// with Go interfaces instead of a C vtable swap.
package vm

import (
	"errors"
	"sync"
)

// PGSIZE is the simulated hardware page size.
const PGSIZE = 4096

// Address-space layout constants. These are simulator placeholders, not a
// reproduction of any real x86-64 KAIST build's exact addresses — nothing
// in this package depends on their specific values beyond the ordering
// StackLimit < UserStack <= KernBase.
const (
	KernBase   = uintptr(0x8004000000)
	UserStack  = uintptr(0x47480000)
	StackLimit = UserStack - (1 << 20) // 1 MiB of stack growth, per spec §9's Open Question
)

// PageType identifies a page's real (post-initialization) kind.
type PageType int

const (
	PageUninit PageType = iota
	PageAnon
	PageFile
)

func (t PageType) String() string {
	switch t {
	case PageUninit:
		return "UNINIT"
	case PageAnon:
		return "ANON"
	case PageFile:
		return "FILE"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrInvalidPageType  = errors.New("vm: alloc_page_with_initializer requires a non-UNINIT type")
	ErrPageAlreadyMapped = errors.New("vm: a page already exists at that address")
	ErrNoSuchPage       = errors.New("vm: no page at that address")
	ErrInitFailed       = errors.New("vm: page initializer failed")
	ErrAccessViolation  = errors.New("vm: access violation")
	ErrInvalidMapping   = errors.New("vm: invalid mmap arguments")
	ErrMappingConflict  = errors.New("vm: mmap region overlaps an existing mapping")
)

// pageBackend is the type-specific behavior of a Page: how it becomes
// resident (swapIn), how it gives up its frame (swapOut), and how it is
// torn down for good (destroy).
type pageBackend interface {
	swapIn(p *Page, f *Frame) error
	swapOut(p *Page) error
	destroy(p *Page)
}

// Page is one entry of a SupplementalPageTable.
type Page struct {
	va       uintptr
	writable bool
	typ      PageType
	frame    *Frame
	dirty    bool

	backend pageBackend
}

// VA returns the page's (page-aligned) virtual address.
func (p *Page) VA() uintptr { return p.va }

// Writable reports the page's immutable writable flag (spec §4.4 invariant).
func (p *Page) Writable() bool { return p.writable }

// Type returns the page's current real type (UNINIT until first claimed).
func (p *Page) Type() PageType { return p.typ }

// Resident reports whether the page currently has a frame mapped.
func (p *Page) Resident() bool { return p.frame != nil }

// Frame returns the page's current frame, or nil if not resident.
func (p *Page) Frame() *Frame { return p.frame }

// MarkDirty records a write to the page's frame, for the file-backed
// writeback-on-evict rule in spec §4.4. The simulator has no MMU dirty bit
// to consult, so callers that modify a claimed page's bytes (the fault
// handler's caller, syscall read/write) must call this explicitly.
func (p *Page) MarkDirty() { p.dirty = true }

// MarkAccessed records that the page was touched, for the clock-algorithm
// eviction hand. Like MarkDirty, this stands in for a hardware accessed
// bit that this simulator does not have.
func (p *Page) MarkAccessed() {
	if p.frame != nil {
		p.frame.accessed = true
	}
}

func pageRoundDown(addr uintptr) uintptr { return addr &^ (PGSIZE - 1) }

// SupplementalPageTable is the per-address-space SPT from spec §4.4.
type SupplementalPageTable struct {
	mu    sync.Mutex
	pages map[uintptr]*Page
	pool  *FramePool
	swap  SwapDevice
}

// NewSupplementalPageTable creates an empty SPT backed by pool for frame
// acquisition and dev for anonymous-page swap.
func NewSupplementalPageTable(pool *FramePool, dev SwapDevice) *SupplementalPageTable {
	return &SupplementalPageTable{
		pages: make(map[uintptr]*Page),
		pool:  pool,
		swap:  dev,
	}
}

// AllocPageWithInitializer creates an UNINIT page recording the intended
// real type and its type-specific initializer, per spec §4.4.
func (s *SupplementalPageTable) AllocPageWithInitializer(typ PageType, va uintptr, writable bool, init func(*Page, any) bool, aux any) error {
	if typ == PageUninit {
		return ErrInvalidPageType
	}
	va = pageRoundDown(va)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pages[va]; exists {
		return ErrPageAlreadyMapped
	}
	s.pages[va] = &Page{
		va:       va,
		writable: writable,
		typ:      PageUninit,
		backend:  &uninitBackend{realType: typ, init: init, aux: aux},
	}
	return nil
}

// AllocAnonPage is the common case of AllocPageWithInitializer(PageAnon, ...)
// using this table's own swap device, matching the original's vm_alloc_page
// macro for the ANON case.
func (s *SupplementalPageTable) AllocAnonPage(va uintptr, writable bool) error {
	return s.AllocPageWithInitializer(PageAnon, va, writable, NewAnonInitializer(s.swap), nil)
}

// Lookup returns the page (if any) covering addr.
func (s *SupplementalPageTable) Lookup(addr uintptr) (*Page, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[pageRoundDown(addr)]
	return p, ok
}

// ClaimPage obtains a frame for the page at va, installs the mapping, and
// invokes the page's swap-in — transitioning an UNINIT page to its real
// type on the first call, per spec §4.4.
func (s *SupplementalPageTable) ClaimPage(va uintptr) (*Page, error) {
	va = pageRoundDown(va)
	s.mu.Lock()
	p, ok := s.pages[va]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNoSuchPage
	}
	if p.frame != nil {
		return p, nil
	}

	f, err := s.pool.AllocUserFrame()
	if err != nil {
		return nil, err
	}
	if err := p.backend.swapIn(p, f); err != nil {
		s.pool.FreeUserFrame(f)
		return nil, err
	}
	f.accessed = true
	return p, nil
}

// DestroyPage tears down and removes a single page, invoking its
// destructor for writeback per spec §4.4. Any frame still backing the page
// is returned to the pool's free list afterward — the destructor only
// detaches the page from its frame, it never frees the frame itself.
func (s *SupplementalPageTable) DestroyPage(va uintptr) {
	va = pageRoundDown(va)
	s.mu.Lock()
	p, ok := s.pages[va]
	if ok {
		delete(s.pages, va)
	}
	s.mu.Unlock()
	if ok {
		f := p.frame
		p.backend.destroy(p)
		if f != nil {
			s.pool.FreeUserFrame(f)
		}
	}
}

// Kill destroys every page in the table, invoking each destructor for
// writeback, per spec §4.4.
func (s *SupplementalPageTable) Kill() {
	s.mu.Lock()
	vas := make([]uintptr, 0, len(s.pages))
	for va := range s.pages {
		vas = append(vas, va)
	}
	s.mu.Unlock()
	for _, va := range vas {
		s.DestroyPage(va)
	}
}

// Copy populates dst with an equivalent page for every entry in src, per
// spec §4.4's fork contract. Returns false on any failure, leaving dst
// partially populated (the caller is expected to discard dst on failure,
// matching supplemental_page_table_copy's contract).
func Copy(dst, src *SupplementalPageTable) bool {
	src.mu.Lock()
	srcPages := make([]*Page, 0, len(src.pages))
	for _, p := range src.pages {
		srcPages = append(srcPages, p)
	}
	src.mu.Unlock()

	for _, p := range srcPages {
		switch p.typ {
		case PageUninit:
			ub := p.backend.(*uninitBackend)
			if err := dst.AllocPageWithInitializer(ub.realType, p.va, p.writable, ub.init, ub.aux); err != nil {
				return false
			}
		case PageAnon:
			if !p.Resident() {
				// Force the parent page resident so its bytes exist to copy;
				// a swapped-out anon page has no other source of truth.
				if _, err := src.ClaimPage(p.va); err != nil {
					return false
				}
			}
			if err := dst.AllocAnonPage(p.va, p.writable); err != nil {
				return false
			}
			dp, err := dst.ClaimPage(p.va)
			if err != nil {
				return false
			}
			copy(dp.frame.kva, p.frame.kva)
		case PageFile:
			fb := p.backend.(*fileBackend)
			init := NewFileInitializer(fb.file, fb.offset, fb.readBytes, fb.zeroBytes, fb.writable)
			if err := dst.AllocPageWithInitializer(PageFile, p.va, p.writable, init, nil); err != nil {
				return false
			}
		}
	}
	return true
}

// TryHandleFault implements spec §4.4's try_handle_fault: reject faults on
// kernel addresses, writes to read-only pages, and faults where the page
// was actually present; otherwise claim an existing SPT entry or grow the
// stack into the fault address.
func TryHandleFault(spt *SupplementalPageTable, addr uintptr, write, notPresent bool, userRSP uintptr) error {
	if !notPresent {
		return ErrAccessViolation
	}
	if addr >= KernBase {
		return ErrAccessViolation
	}

	if p, ok := spt.Lookup(addr); ok {
		if write && !p.writable {
			return ErrAccessViolation
		}
		_, err := spt.ClaimPage(p.va)
		return err
	}

	lowerBound := userRSP - PGSIZE
	if addr < lowerBound || addr >= UserStack || addr < StackLimit {
		return ErrAccessViolation
	}

	for va := pageRoundDown(addr); va < UserStack; va += PGSIZE {
		if _, ok := spt.Lookup(va); ok {
			break
		}
		if err := spt.AllocAnonPage(va, true); err != nil {
			return err
		}
		if _, err := spt.ClaimPage(va); err != nil {
			return err
		}
	}
	return nil
}
