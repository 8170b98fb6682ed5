// Package sched implements the thread core and scheduler described in spec
// section 4.3: thread creation/destruction, the ready and sleep lists,
// priority scheduling with donation, an optional MLFQ mode, and the
// cooperative-plus-preemptive single-CPU model from spec section 5.
//
// Spec section 9 notes that the original's context switch (saved register
// frame + assembly trampoline) should be isolated as a platform-specific
// primitive callable from otherwise idiomatic code. This package's
// rendition: each Thread's body runs on its own goroutine, but only one
// goroutine is ever allowed to make forward progress at a time — the
// Scheduler hands a single-slot "CPU baton" channel to the thread it has
// chosen to run next, and does not hand it to another thread until the
// current one yields, blocks, sleeps, or exits. That handoff channel is
// this rendition's "context switch": it replaces saved-register-frame
// restoration with a channel receive, and "interrupts disabled" sections
// with the scheduler's own mutex.
package sched

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arctir/pintos/internal/ksync"
)

// Priority bounds, per spec section 3.
const (
	PriMin = 0
	PriMax = 63
)

// State is one of the four states in spec section 4.3's state machine.
type State int

const (
	StateRunning State = iota
	StateReady
	StateBlocked
	StateDying
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateReady:
		return "READY"
	case StateBlocked:
		return "BLOCKED"
	case StateDying:
		return "DYING"
	default:
		return "UNKNOWN"
	}
}

// NameMaxLen is the human-readable name length bound from spec section 3.
const NameMaxLen = 15

// threadCanary guards against the "stack-overflow" ConsistencyAssertion
// class of failure (spec section 7): every scheduler-queue operation checks
// it, standing in for the original's magic-number stack canary.
const threadCanary = 0xcd6abf4b

var nextTID atomic.Int64

// Thread is the scheduling unit and, when UserData is set, also the
// process (spec section 3).
type Thread struct {
	canary uint32

	id   int64
	name string

	mu        sync.Mutex
	state     State
	basePrio  int
	effPrio   int
	donors    []ksync.Donor
	waitOn    *ksync.Lock
	wakeTick  int64

	// MLFQ fields (spec section 4.3). Fixed point, scale F = 2^14.
	nice      int
	recentCPU int64

	seq int64 // FIFO tie-break in ready/sleep lists

	// fn is the thread body; it runs on its own goroutine, gated by cpu.
	fn  func(aux any)
	aux any

	cpu   chan struct{} // the "CPU baton": receiving means "you may run now"
	done  chan struct{} // closed when fn returns (thread has exited)
	sched *Scheduler

	// UserData, when non-nil, is the process-level state for a user
	// thread (file descriptor table, address space, child list, ...),
	// owned by internal/process. sched never reads its fields; it exists
	// purely so internal/process can hang its own state off a Thread
	// without an import cycle.
	UserData any
}

// NewID allocates the next monotonically increasing thread id.
func NewID() int64 {
	return nextTID.Add(1)
}

func newThread(name string, priority int, fn func(aux any), aux any) *Thread {
	if len(name) > NameMaxLen {
		name = name[:NameMaxLen]
	}
	t := &Thread{
		canary:   threadCanary,
		id:       NewID(),
		name:     name,
		state:    StateBlocked,
		basePrio: priority,
		effPrio:  priority,
		fn:       fn,
		aux:      aux,
		cpu:      make(chan struct{}),
		done:     make(chan struct{}),
	}
	return t
}

func (t *Thread) checkCanary() {
	if t.canary != threadCanary {
		panic(fmt.Sprintf("sched: stack overflow canary smashed on thread %d (%s)", t.id, t.name))
	}
}

// ID returns the thread's unique, monotonically increasing identifier.
func (t *Thread) ID() int64 { return t.id }

// Name returns the thread's (possibly truncated) human-readable name.
func (t *Thread) Name() string { return t.name }

// State returns the thread's current scheduler state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Thread) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// EffectivePriority implements ksync.Donor: max(base, all donors).
func (t *Thread) EffectivePriority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.effPrio
}

// BasePriority implements ksync.Donor.
func (t *Thread) BasePriority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.basePrio
}

// SetWaitOnLock implements ksync.Donor.
func (t *Thread) SetWaitOnLock(l *ksync.Lock) {
	t.mu.Lock()
	t.waitOn = l
	t.mu.Unlock()
}

// WaitOnLock implements ksync.Donor.
func (t *Thread) WaitOnLock() *ksync.Lock {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waitOn
}

// AddDonor implements ksync.Donor.
func (t *Thread) AddDonor(d ksync.Donor) {
	t.mu.Lock()
	t.donors = append(t.donors, d)
	t.mu.Unlock()
	t.RecomputePriority()
}

// RemoveDonor implements ksync.Donor.
func (t *Thread) RemoveDonor(d ksync.Donor) {
	t.mu.Lock()
	for i, x := range t.donors {
		if x == d {
			t.donors = append(t.donors[:i], t.donors[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
}

// Donors implements ksync.Donor.
func (t *Thread) Donors() []ksync.Donor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ksync.Donor, len(t.donors))
	copy(out, t.donors)
	return out
}

// RecomputePriority implements ksync.Donor: effective = max(base, donors).
// It does not look at the scheduling mode; a lock built with donation
// disabled never adds donors, so for such locks the result is the base
// priority.
func (t *Thread) RecomputePriority() {
	t.mu.Lock()
	max := t.basePrio
	for _, d := range t.donors {
		if p := d.EffectivePriority(); p > max {
			max = p
		}
	}
	t.effPrio = max
	t.mu.Unlock()
}

// SetBasePriority updates the thread's base priority and recomputes its
// effective priority (spec section 4.3's set_priority, round-robin mode
// only — the Scheduler rejects this call under MLFQ).
func (t *Thread) SetBasePriority(p int) {
	t.mu.Lock()
	t.basePrio = p
	t.mu.Unlock()
	t.RecomputePriority()
}

// Nice returns the thread's MLFQ nice value.
func (t *Thread) Nice() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nice
}

// RecentCPU returns the thread's fixed-point (F=2^14) recent-CPU value.
func (t *Thread) RecentCPU() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recentCPU
}

// WakeTick returns the tick at which a sleeping thread should be woken;
// only meaningful while the thread is asleep (spec section 3).
func (t *Thread) WakeTick() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wakeTick
}
