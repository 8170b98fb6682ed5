package syscall

import (
	"fmt"
	"log"

	"github.com/arctir/pintos/internal/console"
	"github.com/arctir/pintos/internal/filestore"
	"github.com/arctir/pintos/internal/process"
	"github.com/arctir/pintos/internal/vm"
)

// Number identifies a system call, numbered in the original pintos-kaist's
// syscall-nr.h order (spec §4.6's table, plus dup2 from SPEC_FULL.md's
// supplemented features).
type Number int64

const (
	SysHalt Number = iota
	SysExit
	SysFork
	SysExec
	SysWait
	SysCreate
	SysRemove
	SysOpen
	SysFilesize
	SysRead
	SysWrite
	SysSeek
	SysTell
	SysClose
	SysMmap
	SysMunmap
	SysDup2
)

// Frame is the decoded syscall calling convention from spec §6: call
// number in rax, up to four arguments in rdi/rsi/rdx/r10 (a fifth, r8, for
// mmap's 5-argument form), return value written back to rax.
type Frame struct {
	Number                   Number
	RDI, RSI, RDX, R10, R8   uintptr
	RAX                      uintptr
}

// Dispatcher routes a decoded Frame to its handler, per spec §4.6.
type Dispatcher struct {
	Manager *process.Manager
	Console *console.Console
	// Halt is invoked for the halt syscall; wired by internal/kernel to
	// its own shutdown sequence.
	Halt func()
}

// NewDispatcher builds a dispatcher over an already-running process
// manager and console.
func NewDispatcher(m *process.Manager, c *console.Console) *Dispatcher {
	return &Dispatcher{Manager: m, Console: c}
}

// terminate implements spec §7's UserError policy: print the exit message
// and kill the offending process with status -1.
func (d *Dispatcher) terminate(proc *process.Process, reason string) {
	log.Printf("%s: exit(-1): %s", proc.Name, reason)
	d.Manager.Exit(proc, -1)
}

// Dispatch executes one syscall on proc's behalf, writing its return value
// into f.RAX. Any user-pointer validation failure (spec §4.6's taxonomy)
// terminates proc instead of returning an error value to it.
func (d *Dispatcher) Dispatch(proc *process.Process, f *Frame) {
	spt := proc.SPT

	switch f.Number {
	case SysHalt:
		if d.Halt != nil {
			d.Halt()
		}

	case SysExit:
		status := int32(f.RDI)
		log.Printf("%s: exit(%d)", proc.Name, status)
		d.Manager.Exit(proc, int(status))

	case SysFork:
		name, err := copyInString(spt, f.RDI)
		if err != nil {
			d.terminate(proc, err.Error())
			return
		}
		// The dispatcher has no further user-mode instruction stream to
		// hand the child, the same simulation boundary internal/process's
		// package doc already names; the child is fully set up (address
		// space, FDT) but runs no body of its own.
		pid, err := d.Manager.Fork(proc, name, nil)
		if err != nil {
			f.RAX = ^uintptr(0)
			return
		}
		f.RAX = uintptr(pid)

	case SysExec:
		cmd, err := copyInString(spt, f.RDI)
		if err != nil {
			d.terminate(proc, err.Error())
			return
		}
		if err := d.Manager.Exec(proc, cmd); err != nil {
			f.RAX = ^uintptr(0)
			return
		}
		// On success exec never returns to the caller in the original;
		// there is no meaningful f.RAX to set here.

	case SysWait:
		status, err := d.Manager.Wait(proc, int64(f.RDI))
		if err != nil {
			f.RAX = ^uintptr(0)
			return
		}
		f.RAX = uintptr(int64(status))

	case SysCreate:
		path, err := copyInString(spt, f.RDI)
		if err != nil {
			d.terminate(proc, err.Error())
			return
		}
		ok := d.Manager.Store.Create(path, int64(f.RSI)) == nil
		f.RAX = boolToUintptr(ok)

	case SysRemove:
		path, err := copyInString(spt, f.RDI)
		if err != nil {
			d.terminate(proc, err.Error())
			return
		}
		ok := d.Manager.Store.Remove(path) == nil
		f.RAX = boolToUintptr(ok)

	case SysOpen:
		path, err := copyInString(spt, f.RDI)
		if err != nil {
			d.terminate(proc, err.Error())
			return
		}
		file, err := d.Manager.Store.Open(path)
		if err != nil {
			f.RAX = ^uintptr(0)
			return
		}
		fd, err := proc.FDT.Open(file)
		if err != nil {
			file.Close()
			f.RAX = ^uintptr(0)
			return
		}
		f.RAX = uintptr(fd)

	case SysFilesize:
		h, ok := proc.FDT.Get(int(f.RDI))
		if !ok {
			d.terminate(proc, fmt.Sprintf("bad fd %d", f.RDI))
			return
		}
		n, err := h.Length()
		if err != nil {
			f.RAX = ^uintptr(0)
			return
		}
		f.RAX = uintptr(n)

	case SysRead:
		fd := int(f.RDI)
		if fd == 1 {
			d.terminate(proc, "read from stdout")
			return
		}
		n := int(f.RDX)
		if err := validateBuffer(spt, f.RSI, n); err != nil {
			d.terminate(proc, err.Error())
			return
		}
		var data []byte
		if fd == 0 {
			data = make([]byte, 0, n)
			for len(data) < n {
				b, err := d.Console.InputGetc()
				if err != nil {
					break
				}
				data = append(data, b)
			}
		} else {
			h, ok := proc.FDT.Get(fd)
			if !ok {
				d.terminate(proc, fmt.Sprintf("bad fd %d", fd))
				return
			}
			buf := make([]byte, n)
			read, err := h.Read(buf)
			if err != nil && read == 0 {
				f.RAX = ^uintptr(0)
				return
			}
			data = buf[:read]
		}
		if err := copyOut(spt, f.RSI, data); err != nil {
			d.terminate(proc, err.Error())
			return
		}
		f.RAX = uintptr(len(data))

	case SysWrite:
		fd := int(f.RDI)
		if fd == 0 {
			d.terminate(proc, "write to stdin")
			return
		}
		n := int(f.RDX)
		data, err := copyIn(spt, f.RSI, n)
		if err != nil {
			d.terminate(proc, err.Error())
			return
		}
		if fd == 1 {
			written, err := d.Console.Putbuf(data)
			if err != nil {
				f.RAX = ^uintptr(0)
				return
			}
			f.RAX = uintptr(written)
			return
		}
		h, ok := proc.FDT.Get(fd)
		if !ok {
			d.terminate(proc, fmt.Sprintf("bad fd %d", fd))
			return
		}
		if sameExecFile(proc, h) {
			f.RAX = 0
			return
		}
		written, err := h.Write(data)
		if err != nil {
			f.RAX = ^uintptr(0)
			return
		}
		f.RAX = uintptr(written)

	case SysSeek:
		h, ok := proc.FDT.Get(int(f.RDI))
		if !ok {
			d.terminate(proc, fmt.Sprintf("bad fd %d", f.RDI))
			return
		}
		h.Seek(int64(f.RSI))

	case SysTell:
		h, ok := proc.FDT.Get(int(f.RDI))
		if !ok {
			d.terminate(proc, fmt.Sprintf("bad fd %d", f.RDI))
			return
		}
		f.RAX = uintptr(h.Tell())

	case SysClose:
		if err := proc.FDT.Close(int(f.RDI)); err != nil {
			d.terminate(proc, err.Error())
			return
		}

	case SysMmap:
		addr, length, writable, fd, off := f.RDI, int(f.RSI), f.RDX != 0, int(f.R10), int64(f.R8)
		h, ok := proc.FDT.Get(fd)
		if !ok {
			d.terminate(proc, fmt.Sprintf("bad fd %d", fd))
			return
		}
		file, isFile := h.(vm.FileHandle)
		if !isFile {
			f.RAX = 0
			return
		}
		adapter := process.FileStoreAdapter{Store: d.Manager.Store}
		mapped, err := vm.DoMmap(spt, adapter, addr, length, writable, file, off)
		if err != nil {
			f.RAX = 0
			return
		}
		f.RAX = mapped

	case SysMunmap:
		vm.DoMunmap(spt, f.RDI)

	case SysDup2:
		newfd, err := proc.FDT.Dup2(int(f.RDI), int(f.RSI))
		if err != nil {
			f.RAX = ^uintptr(0)
			return
		}
		f.RAX = uintptr(newfd)

	default:
		d.terminate(proc, fmt.Sprintf("unimplemented syscall number %d", f.Number))
	}
}

func boolToUintptr(b bool) uintptr {
	if b {
		return 1
	}
	return 0
}

func sameExecFile(proc *process.Process, h process.FileHandle) bool {
	f, ok := h.(*filestore.File)
	if !ok || proc.ExecFile == nil {
		return false
	}
	return f.Name() == proc.ExecFile.Name()
}
