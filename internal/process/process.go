// Package process implements spec section 4.5's process manager:
// create_initd, fork, exec, wait, and exit, plus the file descriptor
// table and child-status bookkeeping that support them.
//
// This simulator has no real user-mode instruction stream to transfer
// control to, so "the loaded program actually running" is represented by
// a caller-supplied body function — the same role the toysched example's
// goroutine bodies play for kernel threads. Everything up to that point
// (address-space setup, argv layout, FDT duplication, exec's ELF load)
// is simulated faithfully byte-for-byte, per process_test.go.
//
// fork and wait block on internal/ksync semaphores, which park the
// calling goroutine directly and know nothing about the scheduler's CPU
// baton. Blocking on one from inside a scheduled thread's own goroutine
// without also giving up the baton would starve every other thread, so
// both route through sched.Scheduler.BlockUntil rather than calling the
// semaphore's Down directly.
package process

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/arctir/pintos/internal/elf"
	"github.com/arctir/pintos/internal/filestore"
	"github.com/arctir/pintos/internal/sched"
	"github.com/arctir/pintos/internal/vm"
)

// PriorityDefault is the priority new processes are created at, matching
// spec §3's PRI_DEFAULT.
const PriorityDefault = 31

var (
	ErrForkFailed  = errors.New("process: fork failed")
	ErrNoSuchChild = errors.New("process: no such child, already waited, or fork failed")
	ErrNoSuchProcess = errors.New("process: thread has no associated process")
)

// Process is the user-process state hung off a sched.Thread's UserData
// field — the same pattern internal/sched documents as the reason
// UserData exists, so this package never needs sched to import it.
type Process struct {
	mu sync.Mutex

	Thread *sched.Thread
	PID    int64
	Name   string
	Parent *Process

	SPT *vm.SupplementalPageTable
	FDT *FDT

	Children []*ChildStatus
	// selfStatus is the ChildStatus record in Parent.Children that
	// describes this process, set at creation for Fork-spawned children.
	selfStatus *ChildStatus

	ExitStatus int
	ExecFile   *filestore.File // the currently-executing image; writes to it are denied while running
	RSP        uintptr         // current top of the user stack, for stack-growth fault handling
}

// Of returns the Process associated with t, if any.
func Of(t *sched.Thread) (*Process, bool) {
	p, ok := t.UserData.(*Process)
	return p, ok
}

// FileStoreAdapter satisfies vm.FileStore by delegating to a
// *filestore.Store, converting its vm.FileHandle argument to the concrete
// *filestore.File type Store.Reopen expects. internal/syscall uses this to
// hand do_mmap a vm.FileStore without internal/vm ever importing
// internal/filestore directly.
type FileStoreAdapter struct{ Store *filestore.Store }

func (a FileStoreAdapter) Reopen(h vm.FileHandle) (vm.FileHandle, error) {
	f, ok := h.(*filestore.File)
	if !ok {
		return nil, fmt.Errorf("process: reopen called on a non-filestore handle")
	}
	return a.Store.Reopen(f)
}

// Manager owns every live process and ties the scheduler, frame pool,
// swap device, and file store together on its behalf, per spec §4.5.
type Manager struct {
	Sched *sched.Scheduler
	Store *filestore.Store
	Pool  *vm.FramePool
	Swap  vm.SwapDevice

	mu        sync.Mutex
	processes map[int64]*Process
}

// NewManager builds a process manager over already-constructed kernel
// subsystems.
func NewManager(s *sched.Scheduler, store *filestore.Store, pool *vm.FramePool, dev vm.SwapDevice) *Manager {
	return &Manager{Sched: s, Store: store, Pool: pool, Swap: dev, processes: make(map[int64]*Process)}
}

func (m *Manager) register(p *Process) {
	m.mu.Lock()
	m.processes[p.PID] = p
	m.mu.Unlock()
}

func (m *Manager) unregister(pid int64) {
	m.mu.Lock()
	delete(m.processes, pid)
	m.mu.Unlock()
}

// Lookup returns the live process with the given pid, if any.
func (m *Manager) Lookup(pid int64) (*Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[pid]
	return p, ok
}

// Processes returns a snapshot of every process currently registered with
// the manager, used by the CLI's ps/inspect commands rather than any
// kernel-internal logic.
func (m *Manager) Processes() []*Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Process, 0, len(m.processes))
	for _, p := range m.processes {
		out = append(out, p)
	}
	return out
}

func (m *Manager) newProcess(self *sched.Thread, parent *Process, name string) *Process {
	return &Process{
		Thread: self,
		PID:    self.ID(),
		Name:   name,
		Parent: parent,
		SPT:    vm.NewSupplementalPageTable(m.Pool, m.Swap),
		FDT:    NewFDT(),
	}
}

// CreateInitd spawns a kernel thread that initializes a fresh process,
// execs command, and — on success — runs body to stand in for the loaded
// program's execution, per spec §4.5.
func (m *Manager) CreateInitd(parent *sched.Thread, command string, body func(p *Process)) (*sched.Thread, error) {
	name := firstToken(command)
	return m.Sched.Create(parent, name, PriorityDefault, func(aux any) {
		self := m.Sched.Current()
		proc := m.newProcess(self, nil, name)
		self.UserData = proc
		m.register(proc)

		if err := m.Exec(proc, command); err != nil {
			proc.ExitStatus = -1
			m.Exit(proc, -1)
			return
		}
		if body != nil {
			body(proc)
		}
		m.Exit(proc, proc.ExitStatus)
	}, nil)
}

// Fork implements spec §4.5's fork: duplicate the parent's address space
// and file descriptors into a new child process, signal the parent via
// the child-status semaphore, and — on success — run body to stand in
// for the child resuming execution.
func (m *Manager) Fork(parent *Process, name string, body func(p *Process)) (int64, error) {
	cs := newChildStatus()
	parent.mu.Lock()
	parent.Children = append(parent.Children, cs)
	parent.mu.Unlock()

	_, err := m.Sched.Create(parent.Thread, name, parent.Thread.EffectivePriority(), func(aux any) {
		self := m.Sched.Current()
		child := m.newProcess(self, parent, name)
		child.selfStatus = cs
		child.RSP = parent.RSP // the saved interrupt frame's rsp, copied into the child's
		self.UserData = child
		m.register(child)
		cs.PID = child.PID

		ok := vm.Copy(child.SPT, parent.SPT)
		if ok {
			dup, dupOK := parent.FDT.Duplicate(func(h FileHandle) (FileHandle, error) {
				f, isFile := h.(*filestore.File)
				if !isFile {
					return nil, fmt.Errorf("process: fork: fd is not a filestore handle")
				}
				return m.Store.Reopen(f)
			})
			if !dupOK {
				ok = false
			} else {
				child.FDT = dup
			}
		}
		if parent.ExecFile != nil {
			if reopened, err := m.Store.Reopen(parent.ExecFile); err == nil {
				child.ExecFile = reopened
			} else {
				ok = false
			}
		}

		if !ok {
			cs.ForkFailed = true
			cs.forkDone.Up()
			m.Exit(child, -1)
			return
		}
		cs.forkDone.Up()

		if body != nil {
			body(child)
		}
		m.Exit(child, child.ExitStatus)
	}, nil)
	if err != nil {
		return -1, err
	}

	m.Sched.BlockUntil(parent.Thread, func() { cs.forkDone.Down(parent.Thread.EffectivePriority) })
	if cs.ForkFailed {
		return -1, ErrForkFailed
	}
	return cs.PID, nil
}

// Exec implements the address-space half of spec §4.5's exec: parse argv,
// destroy the current address space, load the ELF-64 image as lazy
// file-backed pages, and lay out the initial user stack. On success,
// proc.RSP is the stack pointer a real interrupt-return to user mode would
// use. Used directly by CreateInitd for a brand-new process, and by the
// exec syscall to replace a live process's own image in place.
func (m *Manager) Exec(proc *Process, command string) error {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return fmt.Errorf("process: exec: empty command line")
	}

	file, err := m.Store.Open(argv[0])
	if err != nil {
		return fmt.Errorf("process: exec: %w", err)
	}

	hdr, loads, err := elf.Parse(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("process: exec: %w", err)
	}

	proc.SPT.Kill() // discard any previous address space (re-exec case)

	for _, ph := range loads {
		if err := loadSegment(proc.SPT, file, ph); err != nil {
			file.Close()
			return fmt.Errorf("process: exec: %w", err)
		}
	}

	rsp, err := setupUserStack(proc.SPT, argv)
	if err != nil {
		file.Close()
		return fmt.Errorf("process: exec: %w", err)
	}

	proc.ExecFile = file
	proc.RSP = rsp
	proc.Name = argv[0]
	_ = hdr
	return nil
}

// loadSegment installs one PT_LOAD segment's pages: file-backed pages
// covering p_filesz, pure-zero anonymous pages covering the rest of
// p_memsz (the BSS tail), matching the original's load_segment.
func loadSegment(spt *vm.SupplementalPageTable, file vm.FileHandle, ph elf.ProgramHeader) error {
	vaddr := uintptr(ph.VAddr)
	base := vaddr &^ (vm.PGSIZE - 1)
	fileOff := int64(ph.Offset) - int64(vaddr-base)

	total := int((uintptr(ph.MemSz) + (vaddr - base) + vm.PGSIZE - 1) / vm.PGSIZE)
	fileSz := int64(ph.FileSz) + int64(vaddr-base)

	for i := 0; i < total; i++ {
		pageVA := base + uintptr(i)*vm.PGSIZE
		remaining := fileSz - int64(i)*vm.PGSIZE
		if remaining > 0 {
			readBytes := vm.PGSIZE
			if remaining < vm.PGSIZE {
				readBytes = int(remaining)
			}
			zeroBytes := vm.PGSIZE - readBytes
			init := vm.NewFileInitializer(file, fileOff+int64(i)*vm.PGSIZE, readBytes, zeroBytes, ph.Writable())
			if err := spt.AllocPageWithInitializer(vm.PageFile, pageVA, ph.Writable(), init, nil); err != nil {
				return err
			}
		} else {
			if err := spt.AllocAnonPage(pageVA, ph.Writable()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Wait implements spec §4.5's wait: locate the child-status record,
// failing closed if it's absent, already waited, or fork-failed; else
// block until the child exits and reap the record.
func (m *Manager) Wait(proc *Process, pid int64) (int, error) {
	proc.mu.Lock()
	var cs *ChildStatus
	idx := -1
	for i, c := range proc.Children {
		if c.PID == pid {
			cs = c
			idx = i
			break
		}
	}
	proc.mu.Unlock()

	if cs == nil || cs.Waited || cs.ForkFailed {
		return -1, ErrNoSuchChild
	}

	m.Sched.BlockUntil(proc.Thread, func() { cs.exited.Down(proc.Thread.EffectivePriority) })
	cs.Waited = true
	status := cs.ExitStatus

	proc.mu.Lock()
	proc.Children = append(proc.Children[:idx], proc.Children[idx+1:]...)
	proc.mu.Unlock()

	return status, nil
}

// Exit implements spec §4.5's exit: record the status, release the
// executable and all open descriptors, tear down the address space, wake
// a waiting parent, then retire the thread.
func (m *Manager) Exit(proc *Process, status int) {
	proc.mu.Lock()
	proc.ExitStatus = status
	proc.mu.Unlock()

	if proc.ExecFile != nil {
		proc.ExecFile.Close()
		proc.ExecFile = nil
	}
	proc.FDT.CloseAll()
	proc.SPT.Kill()

	if proc.selfStatus != nil {
		proc.selfStatus.ExitStatus = status
		proc.selfStatus.exited.Up()
	}

	m.unregister(proc.PID)
	m.Sched.Exit(proc.Thread)
}

func firstToken(command string) string {
	f := strings.Fields(command)
	if len(f) == 0 {
		return command
	}
	return f[0]
}
