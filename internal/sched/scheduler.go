package sched

import (
	"container/heap"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// Mode selects the scheduling policy, set at boot per spec section 6's
// "-o mlfqs" command-line option.
type Mode int

const (
	// ModeRoundRobin is the default: priority-ordered ready list with
	// donation.
	ModeRoundRobin Mode = iota
	// ModeMLFQ computes priority from recent-CPU and nice; donation and
	// manual SetBasePriority are disabled.
	ModeMLFQ
)

// ErrTIDError is returned by Create on thread/page allocation failure
// (spec section 4.3/7's TID_ERROR sentinel).
var ErrTIDError = fmt.Errorf("sched: thread creation failed (TID_ERROR)")

// ErrPriorityFixedUnderMLFQ is returned by SetBasePriority when the
// scheduler is running in MLFQ mode (spec section 4.3: "disabled under
// MLFQ").
var ErrPriorityFixedUnderMLFQ = fmt.Errorf("sched: set_priority is disabled under MLFQ")

// readyHeap orders *Thread by effective priority (desc), FIFO among ties —
// the "greater" list_insert_ordered convention (spec section 4.3, SPEC_FULL.md).
type readyHeap []*Thread

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	pi, pj := h[i].EffectivePriority(), h[j].EffectivePriority()
	if pi != pj {
		return pi > pj
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(*Thread)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// sleepHeap orders *Thread by wake tick (asc), FIFO among ties — spec
// section 5: "sleep list maintains strictly non-decreasing wake_tick order".
type sleepHeap []*Thread

func (h sleepHeap) Len() int { return len(h) }
func (h sleepHeap) Less(i, j int) bool {
	if h[i].wakeTick != h[j].wakeTick {
		return h[i].wakeTick < h[j].wakeTick
	}
	return h[i].seq < h[j].seq
}
func (h sleepHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *sleepHeap) Push(x any)   { *h = append(*h, x.(*Thread)) }
func (h *sleepHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Scheduler owns the ready list, sleep list, and current-thread pointer —
// the singleton, process-wide mutable state spec section 9 calls out for
// explicit scoping. One Scheduler models one CPU (spec section 5: "at any
// instant exactly one thread runs").
type Scheduler struct {
	mu    sync.Mutex
	cond  *sync.Cond
	ready readyHeap
	sleep sleepHeap

	current *Thread
	all     map[int64]*Thread

	mode Mode

	quantum                 int64 // ticks elapsed in current thread's slice
	ticks                   int64 // ticks seen by OnTick since New, for the MLFQ schedule
	loadAvg                 int64 // fixed point, MLFQ only
	seqCounter              atomic.Int64
	ticksPerSecondOverride  int64 // test hook; 0 means "use the real 100"
}

// New constructs a Scheduler in the given mode. mode is fixed for the
// scheduler's lifetime, matching spec section 6: the boot command line
// chooses the policy once, at startup.
func New(mode Mode) *Scheduler {
	s := &Scheduler{
		mode: mode,
		all:  map[int64]*Thread{},
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Scheduler) nextSeq() int64 { return s.seqCounter.Add(1) }

// Init bootstraps the scheduler with the currently executing goroutine as
// the first thread (conventionally named "main"), matching the original's
// special-cased initial kernel thread: it is marked Running directly,
// without ever having been on the ready list. Must be called exactly once,
// before any Create.
func (s *Scheduler) Init(name string) *Thread {
	t := newThread(name, PriMin+31, nil, nil)
	t.setState(StateRunning)
	t.seq = s.nextSeq()

	s.mu.Lock()
	s.current = t
	s.all[t.id] = t
	s.mu.Unlock()
	return t
}

// Mode reports the scheduling policy this Scheduler was constructed with.
func (s *Scheduler) Mode() Mode { return s.mode }

// Current returns the thread the Scheduler currently considers RUNNING.
func (s *Scheduler) Current() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Threads returns a snapshot of every thread the scheduler knows about
// (alive, ready, sleeping, or blocked) — used by the CLI's ps/inspect/dump
// commands, not by kernel logic.
func (s *Scheduler) Threads() []*Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Thread, 0, len(s.all))
	for _, t := range s.all {
		out = append(out, t)
	}
	return out
}

// Create allocates a new thread, created BLOCKED and immediately
// transitioned to READY and enqueued (spec section 4.3). self is the
// currently running thread making the call; if the new thread outranks
// self, self is preempted (yields immediately), matching spec section 8
// scenario 1.
func (s *Scheduler) Create(self *Thread, name string, priority int, fn func(aux any), aux any) (*Thread, error) {
	if fn == nil {
		return nil, ErrTIDError
	}
	t := newThread(name, priority, fn, aux)

	s.mu.Lock()
	s.all[t.id] = t
	s.mu.Unlock()

	go func() {
		<-t.cpu
		t.fn(t.aux)
		s.Exit(t)
	}()

	s.Unblock(t)

	if t.EffectivePriority() > self.EffectivePriority() {
		s.Yield(self)
	}
	return t, nil
}

// Block transitions self (which must be RUNNING) to BLOCKED and schedules
// away. Per spec section 4.3, the caller is responsible for having already
// arranged to be woken (inserted into a semaphore/condition wait list, or
// the sleep list) before calling Block — ksync's Down/Wait do this via
// their own channel, not via this call; Block is used directly by code
// that parks a thread through some other mechanism (e.g. process.Wait
// before ksync existed for it).
func (s *Scheduler) Block(self *Thread) {
	self.checkCanary()
	self.setState(StateBlocked)
	s.reschedule(self, false, false, 0, false)
}

// BlockUntil transitions self to BLOCKED and reschedules away, like Block,
// but takes responsibility for waking itself back up: signal runs in its
// own goroutine and is expected to call Unblock(self) once whatever
// external condition it's waiting on (a ksync semaphore, lock, or condvar)
// is satisfied. self's state is set to BLOCKED before signal's goroutine
// is started, so a signal that fires instantly (the condition was already
// satisfied) can never race Unblock(self) against a state that hasn't
// transitioned to BLOCKED yet.
//
// This is the bridge between the scheduler's CPU-baton model and
// internal/ksync's synchronization primitives, which block the calling
// goroutine directly and have no hook of their own into reschedule: a
// thread that called sem.Down() on its own goroutine without going
// through BlockUntil would park that goroutine without ever giving up the
// CPU baton, wedging every other ready thread forever.
func (s *Scheduler) BlockUntil(self *Thread, signal func()) {
	self.checkCanary()
	self.setState(StateBlocked)
	go func() {
		signal()
		s.Unblock(self)
	}()
	s.reschedule(self, false, false, 0, false)
}

// Unblock asserts t is BLOCKED, enqueues it in the ready list ordered by
// priority, and transitions it to READY. Per spec section 4.3, Unblock
// does not itself preempt; callers decide.
func (s *Scheduler) Unblock(t *Thread) {
	t.checkCanary()
	if st := t.State(); st != StateBlocked {
		panic(fmt.Sprintf("sched: Unblock called on thread %d in state %s", t.id, st))
	}
	t.seq = s.nextSeq()
	t.setState(StateReady)

	s.mu.Lock()
	heap.Push(&s.ready, t)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Yield re-enqueues self (if it isn't already gone) and reschedules,
// matching spec section 4.3's thread_yield.
func (s *Scheduler) Yield(self *Thread) {
	self.checkCanary()
	s.reschedule(self, true, false, 0, false)
}

// SleepUntil transitions self to BLOCKED, inserts it into the sleep list
// ordered by ascending wake tick, and schedules away (spec section
// 4.3/4.1's sleep primitive).
func (s *Scheduler) SleepUntil(self *Thread, wakeTick int64) {
	self.checkCanary()
	self.setState(StateBlocked)
	s.reschedule(self, false, true, wakeTick, false)
}

// Awake pops every thread at the front of the sleep list whose wake tick is
// <= now and unblocks it (spec section 4.1's tick-handler contract; called
// from the timer, hence no canary check — this runs in "interrupt
// context").
func (s *Scheduler) Awake(now int64) {
	var woken []*Thread
	s.mu.Lock()
	for s.sleep.Len() > 0 && s.sleep[0].wakeTick <= now {
		woken = append(woken, heap.Pop(&s.sleep).(*Thread))
	}
	s.mu.Unlock()

	for _, t := range woken {
		s.Unblock(t)
	}
}

// OnTick is the Scheduler's half of the timer's tick handler (spec section
// 4.1/4.3): accounts for the running thread's quantum and, under MLFQ,
// recent-CPU/load-avg/priority on the prescribed schedule. It returns true
// when the running thread's quantum has expired and a yield should be
// requested at the next safe point (this cooperative model's equivalent of
// "interrupt return").
func (s *Scheduler) OnTick() bool {
	s.mu.Lock()
	cur := s.current
	s.quantum++
	s.ticks++
	tickNum := s.ticks
	preempt := false

	if s.mode == ModeMLFQ {
		if cur != nil {
			cur.mu.Lock()
			cur.recentCPU += fpScale
			cur.mu.Unlock()
		}
		if tickNum%s.ticksPerSecondLocked() == 0 {
			s.recalcLoadAvgLocked()
			s.recalcRecentCPUAllLocked()
		}
		if tickNum%4 == 0 {
			s.recalcPrioritiesAllLocked()
			preempt = true
		}
	}

	if s.quantum >= TimeSliceTicks {
		preempt = true
		s.quantum = 0
	}
	s.mu.Unlock()
	return preempt
}

// TimeSliceTicks is spec section 4.3's TIME_SLICE (4 ticks).
const TimeSliceTicks = 4

// ticksPerSecondLocked returns the tick count treated as "one second" for
// the MLFQ load-avg/recent-CPU recompute; must be called with s.mu held.
func (s *Scheduler) ticksPerSecondLocked() int64 {
	if s.ticksPerSecondOverride > 0 {
		return s.ticksPerSecondOverride
	}
	return 100
}

// SetTicksPerSecondOverride lets tests make the MLFQ load-avg/recent-CPU
// recompute window arrive after a handful of ticks instead of 100.
func (s *Scheduler) SetTicksPerSecondOverride(n int64) {
	s.mu.Lock()
	s.ticksPerSecondOverride = n
	s.mu.Unlock()
}

func (s *Scheduler) recalcLoadAvgLocked() {
	ready := int64(s.ready.Len())
	term1 := fpMul(fpFromInt(59), s.loadAvg) / 60
	term2 := fpFromInt(ready) / 60
	s.loadAvg = term1 + term2
}

func (s *Scheduler) recalcRecentCPUAllLocked() {
	for _, t := range s.all {
		t.mu.Lock()
		twiceLoad := 2 * s.loadAvg
		coeff := fpDiv(twiceLoad, twiceLoad+fpFromInt(1))
		t.recentCPU = fpMul(coeff, t.recentCPU) + fpFromInt(int64(t.nice))
		t.mu.Unlock()
	}
}

func (s *Scheduler) recalcPrioritiesAllLocked() {
	for _, t := range s.all {
		t.mu.Lock()
		p := int64(PriMax) - fpToIntRound(t.recentCPU/4) - int64(t.nice*2)
		if p < PriMin {
			p = PriMin
		}
		if p > PriMax {
			p = PriMax
		}
		t.basePrio = int(p)
		t.effPrio = int(p)
		t.mu.Unlock()
	}
	heap.Init(&s.ready)
}

// SetNice sets a thread's MLFQ nice value and immediately recomputes its
// priority, matching the original's set_nice behavior.
func (s *Scheduler) SetNice(t *Thread, nice int) {
	t.mu.Lock()
	t.nice = nice
	recentCPU := t.recentCPU
	t.mu.Unlock()

	p := int64(PriMax) - fpToIntRound(recentCPU/4) - int64(nice*2)
	if p < PriMin {
		p = PriMin
	}
	if p > PriMax {
		p = PriMax
	}
	t.mu.Lock()
	t.basePrio = int(p)
	t.effPrio = int(p)
	t.mu.Unlock()

	s.mu.Lock()
	heap.Init(&s.ready)
	s.mu.Unlock()
}

// LoadAvg returns the current fixed-point load average (for CLI/diagnostic
// use and tests); divide by 1<<14 for the real value.
func (s *Scheduler) LoadAvg() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadAvg
}

// SetBasePriority implements spec section 4.3's set_priority: updates base
// priority, recomputes effective priority, and yields self if a
// higher-priority thread is now ready. Disabled under MLFQ.
func (s *Scheduler) SetBasePriority(self *Thread, p int) error {
	if s.mode == ModeMLFQ {
		return ErrPriorityFixedUnderMLFQ
	}
	self.SetBasePriority(p)

	s.mu.Lock()
	var highestReady int
	if s.ready.Len() > 0 {
		highestReady = s.ready[0].EffectivePriority()
	}
	s.mu.Unlock()

	if highestReady > self.EffectivePriority() {
		s.Yield(self)
	}
	return nil
}

// Exit transitions self to DYING and schedules away permanently; it never
// hands the CPU baton back to self (spec section 4.3: "never returns").
// After handing the baton on and closing self's done channel it ends the
// calling goroutine with runtime.Goexit, so it must be called from self's
// own goroutine.
// The thread's bookkeeping entry is removed from the registry at this
// point — user-process resource reclamation (spec section 4.5) must
// already have run before Exit is called.
func (s *Scheduler) Exit(self *Thread) {
	self.checkCanary()
	self.setState(StateDying)

	s.mu.Lock()
	delete(s.all, self.id)
	s.mu.Unlock()

	s.reschedule(self, false, false, 0, true)
	close(self.done)
	runtime.Goexit()
}

// Wait blocks the calling (non-thread) goroutine until t has exited.
// Exists for harness code (internal/kernel, the CLI, tests) that needs to
// observe a thread's completion without itself being a scheduled Thread.
func (s *Scheduler) Wait(t *Thread) {
	<-t.done
}

// reschedule is the heart of the scheduler: the single dispatch point
// every suspension (block/yield/sleep/exit) passes through. It optionally
// requeues self (yield) or parks it on the sleep list, then waits for a
// ready thread to exist, pops the highest-priority one, and hands it the
// CPU baton.
//
// There is no distinguished "idle thread" goroutine in this rendition
// (spec section 9 lists the idle thread as one of several patterns that
// need re-architecture): instead of spinning a goroutine that perpetually
// blocks itself when the ready list is empty, the goroutine that is
// stepping down (the one calling reschedule) simply waits on a
// sync.Cond until some other call path (Unblock, Create, Awake) adds a
// ready thread. This is the idiomatic substitute — a condition variable
// wait is what "the CPU sits idle until the next interrupt" becomes when
// there is no real hardware HLT instruction to fall back on.
func (s *Scheduler) reschedule(self *Thread, requeueSelf, hasSleep bool, sleepUntil int64, exiting bool) {
	s.mu.Lock()
	if requeueSelf {
		self.seq = s.nextSeq()
		self.setState(StateReady)
		heap.Push(&s.ready, self)
	} else if hasSleep {
		self.wakeTick = sleepUntil
		self.seq = s.nextSeq()
		heap.Push(&s.sleep, self)
	}

	for s.ready.Len() == 0 {
		s.cond.Wait()
	}
	next := heap.Pop(&s.ready).(*Thread)
	next.setState(StateRunning)
	s.current = next
	s.quantum = 0
	s.mu.Unlock()

	if next == self {
		// Re-selected immediately (e.g. sole ready thread yielding to
		// itself): no actual suspension occurred.
		return
	}

	next.cpu <- struct{}{}

	if exiting {
		return
	}
	<-self.cpu
}
