// Package kernel wires together every subsystem spec section 4 describes
// — timer, scheduler, virtual memory, swap, file store, process manager,
// syscall dispatcher, and console — into a single bootable unit. It plays
// the role source.GitManager plays for proctor's git collaborator, except
// the collaborator here is an entire simulated kernel rather than a
// repository.
package kernel

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adrg/xdg"

	"github.com/arctir/pintos/internal/console"
	"github.com/arctir/pintos/internal/filestore"
	"github.com/arctir/pintos/internal/process"
	"github.com/arctir/pintos/internal/sched"
	"github.com/arctir/pintos/internal/swap"
	"github.com/arctir/pintos/internal/syscall"
	"github.com/arctir/pintos/internal/timer"
	"github.com/arctir/pintos/internal/vm"
)

// CacheDirName names this kernel's subdirectory under the XDG data home,
// the same role proctor's source.CacheDirName plays for its repo cache.
const CacheDirName = "pintos"

const (
	defaultSwapSlots   = 256
	defaultKernelPages = 64
	defaultUserPages   = 512

	// tickInterval is the wall-clock period standing in for the PIT's
	// fixed-frequency interrupt (spec section 4.1); it has no bearing on
	// tick *counting*, only on how often a tick is delivered.
	tickInterval = 10 * time.Millisecond
)

// Config controls how Boot assembles a Kernel. The zero value boots in
// round-robin mode with every path and size defaulted, matching a bare
// `pintos run` invocation.
type Config struct {
	// Mode selects round-robin-with-donation or MLFQ, per spec section
	// 6's "-o mlfqs" boot option.
	Mode sched.Mode

	StorePath string
	SwapPath  string
	SwapSlots int

	KernelPages int
	UserPages   int

	Stdin  io.Reader
	Stdout io.Writer
}

// Kernel owns every booted subsystem and the goroutine driving its
// simulated tick source.
type Kernel struct {
	Sched      *sched.Scheduler
	Timer      *timer.Timer
	Pool       *vm.FramePool
	Swap       *swap.Device
	Store      *filestore.Store
	Manager    *process.Manager
	Console    *console.Console
	Dispatcher *syscall.Dispatcher

	// Main is the bootstrap thread every CreateInitd call is spawned
	// relative to, standing in for pintos's init process's parent.
	Main *sched.Thread

	preempt atomic.Bool

	shutdownOnce sync.Once
	cancel       context.CancelFunc
	done         chan struct{}
}

// Boot assembles and starts a Kernel from cfg, resolving unset paths
// against the XDG data directory the way proctor's source.GitManager
// resolves its repo cache (source/source.go's xdg.DataHome use).
func Boot(cfg Config) (*Kernel, error) {
	if cfg.SwapSlots <= 0 {
		cfg.SwapSlots = defaultSwapSlots
	}
	if cfg.KernelPages <= 0 {
		cfg.KernelPages = defaultKernelPages
	}
	if cfg.UserPages <= 0 {
		cfg.UserPages = defaultUserPages
	}
	if cfg.StorePath == "" {
		cfg.StorePath = filepath.Join(xdg.DataHome, CacheDirName, "fs")
	}
	if cfg.SwapPath == "" {
		cfg.SwapPath = filepath.Join(xdg.DataHome, CacheDirName, "swap.img")
	}
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	if err := os.MkdirAll(filepath.Dir(cfg.SwapPath), 0o755); err != nil {
		return nil, fmt.Errorf("kernel: boot: %w", err)
	}

	store, err := filestore.New(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("kernel: boot: %w", err)
	}
	pool, err := vm.NewFramePool(cfg.KernelPages, cfg.UserPages)
	if err != nil {
		return nil, fmt.Errorf("kernel: boot: %w", err)
	}
	dev, err := swap.Open(cfg.SwapPath, cfg.SwapSlots)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("kernel: boot: %w", err)
	}

	s := sched.New(cfg.Mode)
	main := s.Init("main")
	mgr := process.NewManager(s, store, pool, dev)
	con := console.New(cfg.Stdin, cfg.Stdout)

	ctx, cancel := context.WithCancel(context.Background())
	k := &Kernel{
		Sched:   s,
		Timer:   timer.New(s),
		Pool:    pool,
		Swap:    dev,
		Store:   store,
		Manager: mgr,
		Console: con,
		Main:    main,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	k.Dispatcher = syscall.NewDispatcher(mgr, con)
	k.Dispatcher.Halt = k.Shutdown

	k.Timer.Calibrate()
	go k.tickLoop(ctx)

	return k, nil
}

// Run execs command as a fresh initial process (spec section 4.5's
// create_initd), running body in place of the loaded program's user-mode
// instruction stream. body is expected to call k.Dispatcher.Dispatch for
// every syscall it issues; on return from each Dispatch call, a pending
// quantum-expiry tick yields the calling thread, standing in for the
// original's "yield on interrupt return" (spec section 5).
func (k *Kernel) Run(command string, body func(p *process.Process)) (*sched.Thread, error) {
	return k.Manager.CreateInitd(k.Main, command, body)
}

// Dispatch forwards to k.Dispatcher.Dispatch and then yields the calling
// thread if a tick observed the quantum expire since its last syscall,
// the safe point spec section 5 describes preemption as deferred to.
func (k *Kernel) Dispatch(proc *process.Process, f *syscall.Frame) {
	k.Dispatcher.Dispatch(proc, f)
	if k.preempt.Swap(false) && proc.Thread != nil {
		k.Sched.Yield(proc.Thread)
	}
}

// tickLoop drives the simulated timer at a fixed wall-clock cadence,
// standing in for the PIT interrupt line spec section 4.1 describes; the
// boot-time Calibrate result has no consumer here since this simulation
// has no busy-wait loop to size against a real clock, but running it
// keeps Timer's invariants (LoopsPerTick set before scheduling) intact.
func (k *Kernel) tickLoop(ctx context.Context) {
	t := time.NewTicker(tickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if k.Timer.Tick() {
				k.preempt.Store(true)
			}
		}
	}
}

// Shutdown stops the tick loop and releases every subsystem's resources.
// Wired as the halt syscall's handler (spec section 4.6); safe to call
// more than once.
func (k *Kernel) Shutdown() {
	k.shutdownOnce.Do(func() {
		k.cancel()
		k.Pool.Close()
		k.Swap.Close()
		close(k.done)
	})
}

// Wait blocks until Shutdown has run.
func (k *Kernel) Wait() {
	<-k.done
}
