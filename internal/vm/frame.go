package vm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrFramePoolExhausted is returned by the kernel pool, which never evicts
// (the original never runs eviction against PAL_ASSERT-style kernel
// allocations either).
var ErrFramePoolExhausted = errors.New("vm: kernel frame pool exhausted")

// Frame is one PGSIZE slot of the simulated physical frame pool.
type Frame struct {
	kva      []byte // PGSIZE bytes, backed by an anonymous mmap region
	page     *Page  // nil when free
	accessed bool
}

// KVA returns the frame's backing bytes.
func (f *Frame) KVA() []byte { return f.kva }

// FramePool models spec §4.4's frame acquisition plus the kernel/user split
// noted in SPEC_FULL.md's supplemented features (palloc's PAL_USER vs the
// default kernel pool). Only the user pool participates in eviction; the
// kernel pool serves AllocKernelPage, whose frames are never paged out.
type FramePool struct {
	kernelMem []byte
	userMem   []byte

	kernelFrames []*Frame
	userFrames   []*Frame

	kernelFree []*Frame
	userFree   []*Frame

	clockHand int
}

// NewFramePool reserves kernelPages+userPages PGSIZE frames via two
// anonymous mmap regions, the way host/host.go reaches for golang.org/x/sys/unix
// for raw OS primitives — here so eviction has real memory behind it rather
// than a plain Go slice.
func NewFramePool(kernelPages, userPages int) (*FramePool, error) {
	p := &FramePool{}

	km, err := mmapAnon(kernelPages * PGSIZE)
	if err != nil {
		return nil, fmt.Errorf("vm: failed reserving kernel pool: %w", err)
	}
	um, err := mmapAnon(userPages * PGSIZE)
	if err != nil {
		unix.Munmap(km)
		return nil, fmt.Errorf("vm: failed reserving user pool: %w", err)
	}

	p.kernelMem = km
	p.userMem = um
	p.kernelFrames = sliceIntoFrames(km)
	p.userFrames = sliceIntoFrames(um)
	p.kernelFree = append([]*Frame(nil), p.kernelFrames...)
	p.userFree = append([]*Frame(nil), p.userFrames...)

	return p, nil
}

func mmapAnon(size int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

func sliceIntoFrames(mem []byte) []*Frame {
	frames := make([]*Frame, 0, len(mem)/PGSIZE)
	for off := 0; off+PGSIZE <= len(mem); off += PGSIZE {
		frames = append(frames, &Frame{kva: mem[off : off+PGSIZE]})
	}
	return frames
}

// Close releases the pool's backing memory. Callers must ensure no frame
// is in active use.
func (p *FramePool) Close() error {
	if p.kernelMem != nil {
		if err := unix.Munmap(p.kernelMem); err != nil {
			return err
		}
	}
	if p.userMem != nil {
		return unix.Munmap(p.userMem)
	}
	return nil
}

// AllocKernelPage hands out a zeroed frame from the kernel pool. It never
// evicts; once exhausted it fails closed.
func (p *FramePool) AllocKernelPage() (*Frame, error) {
	if len(p.kernelFree) == 0 {
		return nil, ErrFramePoolExhausted
	}
	f := p.kernelFree[len(p.kernelFree)-1]
	p.kernelFree = p.kernelFree[:len(p.kernelFree)-1]
	zero(f.kva)
	return f, nil
}

// FreeKernelPage returns a kernel-pool frame.
func (p *FramePool) FreeKernelPage(f *Frame) {
	f.page = nil
	p.kernelFree = append(p.kernelFree, f)
}

// AllocUserFrame hands out a zeroed frame from the user pool, running
// clock-algorithm eviction if the pool is exhausted, per spec §4.4's
// "frame acquisition" contract.
func (p *FramePool) AllocUserFrame() (*Frame, error) {
	if len(p.userFree) == 0 {
		if err := p.evict(); err != nil {
			return nil, err
		}
	}
	f := p.userFree[len(p.userFree)-1]
	p.userFree = p.userFree[:len(p.userFree)-1]
	zero(f.kva)
	return f, nil
}

// FreeUserFrame returns a user-pool frame without swapping it out (used to
// unwind a failed claim).
func (p *FramePool) FreeUserFrame(f *Frame) {
	f.page = nil
	f.accessed = false
	p.userFree = append(p.userFree, f)
}

// evict runs one pass of the clock algorithm over the user pool: the hand
// (fte in the original) advances past every accessed frame, clearing its
// accessed bit, until it finds one with the bit already clear. That frame
// is swapped out and reclaimed. Spec §4.4.
func (p *FramePool) evict() error {
	n := len(p.userFrames)
	if n == 0 {
		return ErrFramePoolExhausted
	}
	for {
		f := p.userFrames[p.clockHand]
		p.clockHand = (p.clockHand + 1) % n
		if f.page == nil {
			continue
		}
		if f.accessed {
			f.accessed = false
			continue
		}
		victim := f.page
		if err := victim.backend.swapOut(victim); err != nil {
			return err
		}
		p.userFree = append(p.userFree, f)
		return nil
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
