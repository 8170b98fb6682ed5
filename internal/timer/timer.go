// Package timer models the fixed-frequency tick source described in
// spec section 4.1: a monotonic counter incremented by an external
// interrupt, used to drive scheduling quanta and sleep wake-ups.
//
// The real PIT/APIC programming this stands in for is out of scope (see
// spec section 1); callers drive the clock explicitly via Tick, which is
// what a simulated or test harness does in place of a hardware interrupt
// line.
package timer

import (
	"sync/atomic"
	"time"
)

// DefaultFrequency is the minimum tick frequency spec section 6 allows.
const DefaultFrequency = 19

// TimeSlice is the scheduler quantum, measured in ticks (spec section 4.3).
const TimeSlice = 4

// TicksPerSecond is how many ticks the simulated timer fires per wall-clock
// second; realTimeSleep uses it to convert durations into ticks.
const TicksPerSecond = 100

// Waker is the subset of the thread core's contract the tick handler needs:
// waking due sleepers and accounting for the running thread's quantum.
// Kept as an interface here (rather than importing internal/sched) so the
// dependency runs core->timer, mirroring spec section 4.1's description of
// the tick handler "calling into" the scheduler instead of owning it.
type Waker interface {
	// Awake unblocks every sleeper whose wake tick is <= now.
	Awake(now int64)
	// OnTick is called once per tick for the currently running thread;
	// it returns true if a preemption should be requested at interrupt
	// return (spec section 4.3's "TIME_SLICE" accounting and the MLFQ
	// recent-CPU/load-avg/priority recomputation schedule).
	OnTick() (preempt bool)
}

// Timer is the monotonic tick source. The zero value is not usable; use
// New.
type Timer struct {
	ticks        atomic.Int64
	loopsPerTick atomic.Int64
	waker        Waker
}

// New returns a Timer that will call into w from its tick handler.
func New(w Waker) *Timer {
	return &Timer{waker: w}
}

// Ticks returns the current tick count. Safe to call from any context,
// including the interrupt-equivalent Tick handler.
func (t *Timer) Ticks() int64 {
	return t.ticks.Load()
}

// Elapsed returns ticks - t0, the number of ticks that have passed since t0.
func (t *Timer) Elapsed(t0 int64) int64 {
	return t.ticks.Load() - t0
}

// Tick is the tick-handler entry point: it increments the counter, wakes
// any sleepers whose deadline has arrived, and asks the scheduler whether
// the current thread's quantum has expired. Spec section 4.1/4.3: this
// models the interrupt context, so callers must not block here.
func (t *Timer) Tick() (preempt bool) {
	now := t.ticks.Add(1)
	t.waker.Awake(now)
	return t.waker.OnTick()
}

// Calibrate determines loopsPerTick, the largest count of busy-wait
// iterations that reliably completes in strictly less than one tick. Spec
// section 4.1 requires this to run with interrupts enabled; callers
// (internal/kernel's boot sequence) are expected to invoke this before
// scheduling begins.
func (t *Timer) Calibrate() {
	loops := int64(1)
	for t.tooManyLoops(loops) {
		loops <<= 1
		if loops == 0 {
			// overflow guard: fixed-point math in spec 4.3 assumes this
			// never happens on a 64-bit counter within a boot's lifetime.
			loops = 1 << 30
			break
		}
	}
	// refine: find the highest bit, then add the next lower bit until
	// the loop count stops completing inside a tick.
	highBit := loops
	for testBit := highBit >> 1; testBit > 0; testBit >>= 1 {
		if t.tooManyLoops(loops | testBit) {
			continue
		}
		loops |= testBit
	}
	t.loopsPerTick.Store(loops)
}

// tooManyLoops reports whether busy-waiting for loops iterations takes at
// least one tick.
func (t *Timer) tooManyLoops(loops int64) bool {
	start := t.ticks.Load()
	busyLoop(loops)
	return t.ticks.Load() != start
}

// busyLoop spins for n iterations. Kept trivial and free of compiler-visible
// side effects beyond consuming wall time, matching the original's NOP-loop
// calibration primitive.
func busyLoop(n int64) {
	deadline := time.Now().Add(time.Duration(n) * time.Nanosecond)
	for time.Now().Before(deadline) {
	}
}

// LoopsPerTick returns the calibrated busy-wait count established by the
// most recent Calibrate call.
func (t *Timer) LoopsPerTick() int64 {
	return t.loopsPerTick.Load()
}

// Sleep, relative to the current tick, blocks the caller via sleeper until
// at least n ticks have elapsed. n<=0 returns immediately (spec section 4.1
// and the boundary behavior in spec section 8). Actual suspension is
// delegated to sleeper, matching spec's "hand off to thread core's sleep
// primitive".
func (t *Timer) Sleep(n int64, sleeper func(wakeTick int64)) {
	if n <= 0 {
		return
	}
	sleeper(t.ticks.Load() + n)
}

// Msleep, Usleep, and Nsleep convert millisecond/microsecond/nanosecond
// durations into ticks, delegating to Sleep when the duration covers at
// least one tick and busy-waiting (calibrated by loopsPerTick) otherwise.
func (t *Timer) Msleep(ms int64, sleeper func(wakeTick int64)) {
	t.realTimeSleep(ms, time.Second.Milliseconds(), sleeper)
}

func (t *Timer) Usleep(us int64, sleeper func(wakeTick int64)) {
	t.realTimeSleep(us, time.Second.Microseconds(), sleeper)
}

func (t *Timer) Nsleep(ns int64, sleeper func(wakeTick int64)) {
	t.realTimeSleep(ns, time.Second.Nanoseconds(), sleeper)
}

// realTimeSleep converts num units (out of denom units per second) to
// ticks and either delegates to Sleep or busy-waits the remainder.
func (t *Timer) realTimeSleep(num, denom int64, sleeper func(wakeTick int64)) {
	ticks := num * TicksPerSecond / denom
	if ticks >= 1 {
		t.Sleep(ticks, sleeper)
		return
	}
	loops := t.loopsPerTick.Load() * TicksPerSecond * num / denom
	busyLoop(loops)
}
