package kernel

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/arctir/pintos/internal/process"
	"github.com/arctir/pintos/internal/syscall"
	"github.com/arctir/pintos/internal/vm"
)

// buildMinimalELF mirrors internal/process/process_test.go's helper of the
// same name: a one-PT_LOAD-segment ELF64 executable with a BSS tail.
func buildMinimalELF(payload []byte, vaddr uint64) []byte {
	const ehdrSize = 64
	const phdrSize = 56
	// p_offset must share vaddr's page offset (elf.validateSegment); since
	// vaddr is page-aligned here, the payload sits at the next page
	// boundary rather than right after the headers.
	payloadOff := vm.PGSIZE

	buf := make([]byte, payloadOff+len(payload))
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2
	buf[5] = 1
	buf[6] = 1
	binary.LittleEndian.PutUint16(buf[16:18], 2)
	binary.LittleEndian.PutUint16(buf[18:20], 0x3E)
	binary.LittleEndian.PutUint32(buf[20:24], 1)
	binary.LittleEndian.PutUint64(buf[24:32], vaddr)
	binary.LittleEndian.PutUint64(buf[32:40], ehdrSize)
	binary.LittleEndian.PutUint16(buf[54:56], phdrSize)
	binary.LittleEndian.PutUint16(buf[56:58], 1)

	ph := buf[ehdrSize:]
	binary.LittleEndian.PutUint32(ph[0:4], 1)
	binary.LittleEndian.PutUint32(ph[4:8], 0x5)
	binary.LittleEndian.PutUint64(ph[8:16], uint64(payloadOff))
	binary.LittleEndian.PutUint64(ph[16:24], vaddr)
	binary.LittleEndian.PutUint64(ph[32:40], uint64(len(payload)))
	binary.LittleEndian.PutUint64(ph[40:48], uint64(len(payload))+vm.PGSIZE)

	copy(buf[payloadOff:], payload)
	return buf
}

func bootTest(t *testing.T, stdout *bytes.Buffer) *Kernel {
	t.Helper()
	dir := t.TempDir()
	k, err := Boot(Config{
		StorePath: filepath.Join(dir, "fs"),
		SwapPath:  filepath.Join(dir, "swap.img"),
		SwapSlots: 32,
		Stdin:     bytes.NewReader(nil),
		Stdout:    stdout,
	})
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	t.Cleanup(k.Shutdown)
	return k
}

func writeProgram(t *testing.T, k *Kernel, name string) {
	t.Helper()
	raw := buildMinimalELF([]byte("HELLOBINARY"), 0x400000)
	if err := k.Store.Create(name, int64(len(raw))); err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	f, err := k.Store.Open(name)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if _, err := f.WriteAt(raw, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	f.Close()
}

func TestBootRunExitsCleanly(t *testing.T) {
	var out bytes.Buffer
	k := bootTest(t, &out)
	writeProgram(t, k, "prog")

	ran := make(chan struct{})
	thread, err := k.Run("prog", func(p *process.Process) {
		f := &syscall.Frame{Number: syscall.SysWrite, RDI: 1}
		const bufVA = 0x450000
		_, ok := p.SPT.Lookup(bufVA &^ (vm.PGSIZE - 1))
		if !ok {
			if err := p.SPT.AllocAnonPage(bufVA&^(vm.PGSIZE-1), true); err != nil {
				t.Errorf("AllocAnonPage: %v", err)
			}
		}
		page, err := p.SPT.ClaimPage(bufVA)
		if err != nil {
			t.Errorf("ClaimPage: %v", err)
		}
		copy(page.Frame().KVA(), []byte("booted"))
		f.RSI, f.RDX = bufVA&^(vm.PGSIZE-1), 6
		k.Dispatch(p, f)
		close(ran)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatalf("process body never ran")
	}
	k.Sched.Wait(thread)

	if out.String() != "booted" {
		t.Fatalf("expected console output %q, got %q", "booted", out.String())
	}
}

func TestHaltInvokesShutdown(t *testing.T) {
	var out bytes.Buffer
	k := bootTest(t, &out)
	writeProgram(t, k, "prog")

	thread, err := k.Run("prog", func(p *process.Process) {
		k.Dispatch(p, &syscall.Frame{Number: syscall.SysHalt})
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	select {
	case <-k.done:
	case <-time.After(time.Second):
		t.Fatalf("halt never shut the kernel down")
	}
	k.Sched.Wait(thread)
}
