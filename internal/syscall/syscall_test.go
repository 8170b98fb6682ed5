package syscall

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/arctir/pintos/internal/console"
	"github.com/arctir/pintos/internal/filestore"
	"github.com/arctir/pintos/internal/process"
	"github.com/arctir/pintos/internal/sched"
	"github.com/arctir/pintos/internal/swap"
	"github.com/arctir/pintos/internal/vm"
)

// writeBytesToPage installs n bytes of content at va in spt as a claimed
// anonymous page, for tests that need a pre-populated user buffer to read
// syscall arguments (a string, a write payload) from.
func writeBytesToPage(t *testing.T, spt *vm.SupplementalPageTable, va uintptr, content []byte) {
	t.Helper()
	pageVA := va &^ (vm.PGSIZE - 1)
	if _, ok := spt.Lookup(pageVA); !ok {
		if err := spt.AllocAnonPage(pageVA, true); err != nil {
			t.Fatalf("AllocAnonPage: %v", err)
		}
	}
	p, err := spt.ClaimPage(pageVA)
	if err != nil {
		t.Fatalf("ClaimPage: %v", err)
	}
	copy(p.Frame().KVA()[va-pageVA:], content)
}

func newTestProcess(t *testing.T) (*process.Process, *filestore.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := filestore.New(filepath.Join(dir, "fs"))
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	pool, err := vm.NewFramePool(0, 16)
	if err != nil {
		t.Fatalf("NewFramePool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	dev, err := swap.Open(filepath.Join(dir, "swap"), 8)
	if err != nil {
		t.Fatalf("swap.Open: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	proc := &process.Process{
		Name: "prog",
		SPT:  vm.NewSupplementalPageTable(pool, dev),
		FDT:  process.NewFDT(),
	}
	return proc, store
}

func TestDispatchCreateOpenWriteReadClose(t *testing.T) {
	proc, store := newTestProcess(t)
	s := sched.New(sched.ModeRoundRobin)
	mgr := process.NewManager(s, store, nil, nil)
	d := NewDispatcher(mgr, console.New(bytes.NewReader(nil), &bytes.Buffer{}))

	const pathVA = 0x10000
	writeBytesToPage(t, proc.SPT, pathVA, []byte("greeting\x00"))

	f := &Frame{Number: SysCreate, RDI: pathVA, RSI: 32}
	d.Dispatch(proc, f)
	if f.RAX != 1 {
		t.Fatalf("expected create to succeed, got RAX=%d", f.RAX)
	}

	f = &Frame{Number: SysOpen, RDI: pathVA}
	d.Dispatch(proc, f)
	fd := int(f.RAX)
	if fd < 2 {
		t.Fatalf("expected a valid fd, got %d", f.RAX)
	}

	const bufVA = 0x20000
	payload := []byte("hello, pintos")
	writeBytesToPage(t, proc.SPT, bufVA, payload)

	f = &Frame{Number: SysWrite, RDI: uintptr(fd), RSI: bufVA, RDX: uintptr(len(payload))}
	d.Dispatch(proc, f)
	if int(f.RAX) != len(payload) {
		t.Fatalf("expected write to report %d bytes, got %d", len(payload), f.RAX)
	}

	f = &Frame{Number: SysSeek, RDI: uintptr(fd), RSI: 0}
	d.Dispatch(proc, f)

	const readBufVA = 0x30000
	writeBytesToPage(t, proc.SPT, readBufVA, make([]byte, len(payload)))
	f = &Frame{Number: SysRead, RDI: uintptr(fd), RSI: readBufVA, RDX: uintptr(len(payload))}
	d.Dispatch(proc, f)
	if int(f.RAX) != len(payload) {
		t.Fatalf("expected read to report %d bytes, got %d", len(payload), f.RAX)
	}

	p, ok := proc.SPT.Lookup(readBufVA)
	if !ok {
		t.Fatalf("expected the read buffer's page to exist")
	}
	claimed, err := proc.SPT.ClaimPage(p.VA())
	if err != nil {
		t.Fatalf("ClaimPage: %v", err)
	}
	got := claimed.Frame().KVA()[readBufVA-p.VA() : readBufVA-p.VA()+uintptr(len(payload))]
	if string(got) != string(payload) {
		t.Fatalf("expected read back %q, got %q", payload, got)
	}

	f = &Frame{Number: SysClose, RDI: uintptr(fd)}
	d.Dispatch(proc, f)
	if _, ok := proc.FDT.Get(fd); ok {
		t.Fatalf("expected fd to be closed")
	}
}

func TestDispatchWriteToConsoleAndReadFromConsole(t *testing.T) {
	proc, store := newTestProcess(t)
	s := sched.New(sched.ModeRoundRobin)
	mgr := process.NewManager(s, store, nil, nil)
	var out bytes.Buffer
	d := NewDispatcher(mgr, console.New(bytes.NewReader([]byte("xyz")), &out))

	const bufVA = 0x10000
	msg := []byte("to stdout")
	writeBytesToPage(t, proc.SPT, bufVA, msg)

	f := &Frame{Number: SysWrite, RDI: 1, RSI: bufVA, RDX: uintptr(len(msg))}
	d.Dispatch(proc, f)
	if out.String() != string(msg) {
		t.Fatalf("expected console output %q, got %q", msg, out.String())
	}

	const readVA = 0x20000
	writeBytesToPage(t, proc.SPT, readVA, make([]byte, 3))
	f = &Frame{Number: SysRead, RDI: 0, RSI: readVA, RDX: 3}
	d.Dispatch(proc, f)
	if f.RAX != 3 {
		t.Fatalf("expected 3 bytes from stdin, got %d", f.RAX)
	}
}

func TestDispatchMmapAndMunmap(t *testing.T) {
	proc, store := newTestProcess(t)
	s := sched.New(sched.ModeRoundRobin)
	mgr := process.NewManager(s, store, nil, nil)
	d := NewDispatcher(mgr, console.New(bytes.NewReader(nil), &bytes.Buffer{}))

	if err := store.Create("mapped", vm.PGSIZE); err != nil {
		t.Fatalf("Create: %v", err)
	}
	file, err := store.Open("mapped")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fd, err := proc.FDT.Open(file)
	if err != nil {
		t.Fatalf("FDT.Open: %v", err)
	}

	const mmapVA = 0x50000000
	f := &Frame{Number: SysMmap, RDI: mmapVA, RSI: vm.PGSIZE, RDX: 1, R10: uintptr(fd), R8: 0}
	d.Dispatch(proc, f)
	if f.RAX != mmapVA {
		t.Fatalf("expected mmap to return the requested address, got %#x", f.RAX)
	}
	if _, ok := proc.SPT.Lookup(mmapVA); !ok {
		t.Fatalf("expected a mapped page to exist")
	}

	f = &Frame{Number: SysMunmap, RDI: mmapVA}
	d.Dispatch(proc, f)
	if _, ok := proc.SPT.Lookup(mmapVA); ok {
		t.Fatalf("expected munmap to remove the mapping")
	}
}

func TestDispatchHaltInvokesCallback(t *testing.T) {
	proc, store := newTestProcess(t)
	s := sched.New(sched.ModeRoundRobin)
	mgr := process.NewManager(s, store, nil, nil)
	d := NewDispatcher(mgr, console.New(bytes.NewReader(nil), &bytes.Buffer{}))

	halted := false
	d.Halt = func() { halted = true }

	d.Dispatch(proc, &Frame{Number: SysHalt})
	if !halted {
		t.Fatalf("expected halt to invoke the callback")
	}
}

func TestDispatchBadFDTerminatesProcess(t *testing.T) {
	dir := t.TempDir()
	store, err := filestore.New(filepath.Join(dir, "fs"))
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	pool, err := vm.NewFramePool(0, 8)
	if err != nil {
		t.Fatalf("NewFramePool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	dev, err := swap.Open(filepath.Join(dir, "swap"), 8)
	if err != nil {
		t.Fatalf("swap.Open: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	s := sched.New(sched.ModeRoundRobin)
	main := s.Init("main")
	mgr := process.NewManager(s, store, pool, dev)
	d := NewDispatcher(mgr, console.New(bytes.NewReader(nil), &bytes.Buffer{}))

	// Bypass exec entirely: construct the process state CreateInitd would
	// have built, then dispatch straight to a bad fd. This exercises
	// terminate()'s path through Manager.Exit on a real scheduled thread,
	// without needing a loadable executable in the store.
	thread, err := s.Create(main, "prog", process.PriorityDefault, func(aux any) {
		self := s.Current()
		proc := &process.Process{
			Thread: self,
			Name:   "prog",
			SPT:    vm.NewSupplementalPageTable(pool, dev),
			FDT:    process.NewFDT(),
		}
		self.UserData = proc
		d.Dispatch(proc, &Frame{Number: SysTell, RDI: 99})
		// terminate() never returns control here: Manager.Exit calls
		// sched.Scheduler.Exit, which ends this goroutine for good.
	}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	s.Yield(main)
	s.Wait(thread)
}
