// Package syscall implements spec section 4.6's system-call surface: a
// single dispatcher that reads a call number plus a handful of decoded
// register-style arguments and routes to a handler, validating every
// user-space pointer first.
package syscall

import (
	"errors"

	"github.com/arctir/pintos/internal/vm"
)

// maxStringLen bounds copyInString the way the original's get_user-based
// strlcpy loop is implicitly bounded by PGSIZE: a string with no NUL
// terminator within one page is a validation failure, not an infinite scan.
const maxStringLen = vm.PGSIZE

var (
	ErrNullPointer  = errors.New("syscall: null user pointer")
	ErrKernelRegion = errors.New("syscall: user pointer reaches into kernel space")
	ErrUnmappedPage = errors.New("syscall: user pointer is not present in the address space")
	ErrStringTooLong = errors.New("syscall: string exceeds one page with no NUL terminator")
)

// validateAddr checks the three conditions spec §4.6 lists for every user
// pointer: non-null, strictly below the user/kernel boundary, and present
// in the current address space. Unlike the page-fault handler's
// TryHandleFault, this never grows the stack — an unmapped address is
// always a hard failure here.
func validateAddr(spt *vm.SupplementalPageTable, addr uintptr) (*vm.Page, error) {
	if addr == 0 {
		return nil, ErrNullPointer
	}
	if addr >= vm.KernBase {
		return nil, ErrKernelRegion
	}
	p, ok := spt.Lookup(addr)
	if !ok {
		return nil, ErrUnmappedPage
	}
	return p, nil
}

// byteAt validates and returns the single byte at addr, claiming the page
// into residence if needed.
func byteAt(spt *vm.SupplementalPageTable, addr uintptr) (byte, error) {
	p, err := validateAddr(spt, addr)
	if err != nil {
		return 0, err
	}
	claimed, err := spt.ClaimPage(p.VA())
	if err != nil {
		return 0, err
	}
	return claimed.Frame().KVA()[addr-p.VA()], nil
}

// copyInString validates and reads a NUL-terminated string starting at
// addr, per spec §4.6: "strings are validated byte-by-byte up to their NUL
// terminator."
func copyInString(spt *vm.SupplementalPageTable, addr uintptr) (string, error) {
	var buf []byte
	for i := 0; i < maxStringLen; i++ {
		b, err := byteAt(spt, addr+uintptr(i))
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
	return "", ErrStringTooLong
}

// validateBuffer checks the first byte of every page the range [addr, addr+n)
// touches, per spec §4.6: "buffers that may span pages are validated
// page-by-page (first byte per page suffices)."
func validateBuffer(spt *vm.SupplementalPageTable, addr uintptr, n int) error {
	if n == 0 {
		return nil
	}
	end := addr + uintptr(n) - 1
	for va := addr &^ (vm.PGSIZE - 1); va <= end; va += vm.PGSIZE {
		pageAddr := va
		if pageAddr < addr {
			pageAddr = addr
		}
		if _, err := validateAddr(spt, pageAddr); err != nil {
			return err
		}
	}
	return nil
}

// copyIn validates and reads n bytes starting at addr into a fresh slice.
func copyIn(spt *vm.SupplementalPageTable, addr uintptr, n int) ([]byte, error) {
	if err := validateBuffer(spt, addr, n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		b, err := byteAt(spt, addr+uintptr(i))
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// copyOut validates and writes data starting at addr, marking every
// touched page dirty.
func copyOut(spt *vm.SupplementalPageTable, addr uintptr, data []byte) error {
	if err := validateBuffer(spt, addr, len(data)); err != nil {
		return err
	}
	for i, b := range data {
		va := addr + uintptr(i)
		p, err := validateAddr(spt, va)
		if err != nil {
			return err
		}
		claimed, err := spt.ClaimPage(p.VA())
		if err != nil {
			return err
		}
		claimed.Frame().KVA()[va-p.VA()] = b
		claimed.MarkDirty()
	}
	return nil
}
