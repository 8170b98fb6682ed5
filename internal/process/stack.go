package process

import (
	"encoding/binary"
	"fmt"

	"github.com/arctir/pintos/internal/vm"
)

// setupUserStack lays out argv on a fresh one-page user stack at
// USER_STACK - PGSIZE, exactly per spec §4.5: strings in reverse order,
// 8-byte alignment padding, a NULL sentinel, the argv pointer array (in
// argv order), the argv address, argc, and a fake return address of 0.
// Returns the resulting stack pointer.
func setupUserStack(spt *vm.SupplementalPageTable, argv []string) (uintptr, error) {
	base := vm.UserStack - vm.PGSIZE
	if err := spt.AllocAnonPage(base, true); err != nil {
		return 0, fmt.Errorf("stack: %w", err)
	}
	page, err := spt.ClaimPage(base)
	if err != nil {
		return 0, fmt.Errorf("stack: %w", err)
	}
	buf := page.Frame().KVA()

	pos := vm.PGSIZE
	ptrs := make([]uintptr, len(argv))

	for i := len(argv) - 1; i >= 0; i-- {
		s := argv[i]
		n := len(s) + 1 // + NUL terminator
		if pos-n < 0 {
			return 0, fmt.Errorf("stack: command line too long for a single page")
		}
		pos -= n
		copy(buf[pos:pos+len(s)], s)
		buf[pos+len(s)] = 0
		ptrs[i] = base + uintptr(pos)
	}

	pos &^= 7 // align to 8 bytes before the pointer array

	pos -= 8 // NULL sentinel terminating argv[]
	binary.LittleEndian.PutUint64(buf[pos:pos+8], 0)

	for i := len(argv) - 1; i >= 0; i-- {
		pos -= 8
		binary.LittleEndian.PutUint64(buf[pos:pos+8], uint64(ptrs[i]))
	}
	argvAddr := base + uintptr(pos)

	pos -= 8 // argv (char **), a full pointer width
	binary.LittleEndian.PutUint64(buf[pos:pos+8], uint64(argvAddr))

	pos -= 4 // argc, exactly sizeof(int) per the original's push_arguments
	binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(len(argv)))

	pos -= 8 // fake return address, a full pointer width
	binary.LittleEndian.PutUint64(buf[pos:pos+8], 0)

	page.MarkDirty()
	return base + uintptr(pos), nil
}
