package ksync

import "sync"

// MaxDonationDepth bounds how many hops a priority donation chain walks,
// per spec section 5: "donation chains walk at most N (<=8) hops to bound
// interrupt-disabled time."
const MaxDonationDepth = 8

// Donor is the slice of a scheduled thread's identity that lock donation
// needs. internal/sched's Thread implements this; kept as an interface here
// so ksync has no import-cycle dependency on internal/sched (spec section
// 9's note that the donation graph is "an explicit back-reference field
// plus a donor list on the holder" — modeled as plain method calls instead
// of pointer-chasing a shared struct).
type Donor interface {
	// EffectivePriority is max(base, all donors' effective priority).
	EffectivePriority() int
	BasePriority() int
	// SetWaitOnLock records which lock (if any) this thread is blocked on.
	SetWaitOnLock(l *Lock)
	// WaitOnLock returns the lock this thread is currently blocked on
	// acquiring, or nil. Used to walk the donation chain past one hop.
	WaitOnLock() *Lock
	// AddDonor/RemoveDonor maintain this thread's donation list.
	AddDonor(d Donor)
	RemoveDonor(d Donor)
	// Donors returns the current donation list (for recomputing priority).
	Donors() []Donor
	// RecomputePriority sets the cached effective priority to the maximum
	// of the base priority and the donors' effective priorities.
	RecomputePriority()
}

// Lock is a binary semaphore plus an owner pointer; the owner is non-nil
// iff the lock is held (spec section 3/4.2's Lock invariant).
type Lock struct {
	mu        sync.Mutex
	sema      *Semaphore
	owner     Donor
	donateOff bool // MLFQ mode disables donation, per spec section 4.2/4.3
}

// NewLock returns a lock whose wait list is ordered using onWake as the
// scheduler's "yield if the woken thread now outranks me" hook (same
// contract as NewSemaphore).
func NewLock(donationDisabled bool, onWake func(woken *Waiter)) *Lock {
	l := &Lock{donateOff: donationDisabled}
	l.sema = NewSemaphore(1, nil, onWake)
	return l
}

// Held reports whether the lock is currently owned.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner != nil
}

// Owner returns the current holder, or nil if unheld.
func (l *Lock) Owner() Donor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

// Acquire blocks (via the embedded semaphore) until the lock is free, then
// takes ownership. self is the calling thread; donatePriority walks
// holder.wait_on_lock to propagate priority up the chain, per spec section
// 4.2: "propagates its priority along the chain holder -> holder.
// wait_on_lock.holder -> ... up to a bounded depth."
func (l *Lock) Acquire(self Donor) {
	l.mu.Lock()
	holder := l.owner
	if holder != nil && !l.donateOff {
		self.SetWaitOnLock(l)
		holder.AddDonor(self)
		l.donatePriority(holder, 0)
	}
	l.mu.Unlock()

	l.sema.Down(self.EffectivePriority)

	l.mu.Lock()
	l.owner = self
	self.SetWaitOnLock(nil)
	l.mu.Unlock()
}

// donatePriority walks holder -> holder's own wait_on_lock's holder -> ...
// up to MaxDonationDepth hops, recomputing each link's effective priority
// so the donation is visible immediately (spec section 4.2).
func (l *Lock) donatePriority(holder Donor, depth int) {
	if holder == nil || depth >= MaxDonationDepth {
		return
	}
	holder.RecomputePriority()
	next := holder.WaitOnLock()
	if next == nil {
		return
	}
	next.donatePriority(next.Owner(), depth+1)
}

// TryAcquire attempts to take the lock without blocking. Never donates,
// since a failed non-blocking attempt never parks the caller.
func (l *Lock) TryAcquire(self Donor) bool {
	if !l.sema.TryDown() {
		return false
	}
	l.mu.Lock()
	l.owner = self
	l.mu.Unlock()
	return true
}

// Release gives up ownership. Per spec section 4.2: remove donors blocked
// on this lock from the releaser's donation list, recompute the releaser's
// priority as max(base, remaining donors), then Up the semaphore.
func (l *Lock) Release(self Donor) {
	l.mu.Lock()
	if l.owner != self {
		l.mu.Unlock()
		panic("ksync: Release called by non-owner")
	}
	l.owner = nil
	l.mu.Unlock()

	if !l.donateOff {
		for _, d := range self.Donors() {
			if d.WaitOnLock() == l {
				self.RemoveDonor(d)
			}
		}
		self.RecomputePriority()
	}

	l.sema.Up()
}
