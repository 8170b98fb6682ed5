// Package ksync implements the kernel's own synchronization primitives:
// a counting semaphore, a priority-aware mutex with owner tracking and
// donation support, and a condition variable — spec section 4.2.
//
// These are deliberately not backed by sync.Mutex/sync.Cond: the whole
// point of the primitives described in spec section 4.2 is that their wait
// lists are ordered by thread priority and re-sorted at wake time, which
// the standard library's primitives don't expose. Internally each waiter
// parks on its own one-shot channel (the idiomatic substitute for "block
// and reschedule" described in spec section 9's note on context switching),
// while a single host sync.Mutex protects the shared wait-list/value state
// the way spec section 5 requires ("interrupts disabled" sections become a
// plain mutex in a Go rendition with no real interrupts to mask).
package ksync

import (
	"container/heap"
	"sync"
	"sync/atomic"
)

// Waiter identifies a parked goroutine. Priority is read at insertion and
// again at wake time (re-sorting, per spec section 4.2's sema_up
// contract), since donation may have changed it in between.
type Waiter struct {
	PriorityFunc func() int // current effective priority of the waiting thread
	seq          int64      // FIFO tie-break among equal priorities
	ready        chan struct{}
}

var seqCounter atomic.Int64

func newWaiter(priorityFunc func() int) *Waiter {
	return &Waiter{
		PriorityFunc: priorityFunc,
		seq:          seqCounter.Add(1),
		ready:        make(chan struct{}),
	}
}

// waitHeap is a priority queue of *Waiter ordered highest-priority-first,
// FIFO among equal priorities — the "greater" insertion-order convention
// from the original source's list_insert_ordered usage (see SPEC_FULL.md).
type waitHeap []*Waiter

func (h waitHeap) Len() int { return len(h) }
func (h waitHeap) Less(i, j int) bool {
	pi, pj := h[i].PriorityFunc(), h[j].PriorityFunc()
	if pi != pj {
		return pi > pj
	}
	return h[i].seq < h[j].seq
}
func (h waitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *waitHeap) Push(x any)        { *h = append(*h, x.(*Waiter)) }
func (h *waitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// resort rebuilds heap ordering in place; called before popping a waiter
// since donations may have changed priorities since insertion (spec 4.2).
func (h *waitHeap) resort() {
	heap.Init(h)
}

// Semaphore is a non-negative integer plus a priority-ordered wait list
// (spec section 3/4.2).
type Semaphore struct {
	mu       sync.Mutex
	value    int
	waiters  waitHeap
	onWake   func(woken *Waiter) // yields current goroutine if woken has higher priority; may be nil
	curPrio  func() int          // priority of the goroutine calling Up, for the yield decision
}

// NewSemaphore returns a semaphore with the given initial value. onWake, if
// non-nil, is invoked after Up unblocks a waiter; it is the hook Up uses to
// satisfy spec section 4.2's "yields if the awakened thread has higher
// priority than the current one" rule — the scheduler supplies it.
func NewSemaphore(value int, curPrio func() int, onWake func(woken *Waiter)) *Semaphore {
	return &Semaphore{value: value, curPrio: curPrio, onWake: onWake}
}

// Down decrements the semaphore if positive; otherwise it inserts the
// caller (ordered by priorityFunc's current value) into the wait list and
// blocks until Up releases it.
func (s *Semaphore) Down(priorityFunc func() int) {
	s.mu.Lock()
	if s.value > 0 {
		s.value--
		s.mu.Unlock()
		return
	}
	w := newWaiter(priorityFunc)
	heap.Push(&s.waiters, w)
	s.mu.Unlock()

	<-w.ready
}

// TryDown decrements and returns true if the semaphore was positive;
// never blocks.
func (s *Semaphore) TryDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value > 0 {
		s.value--
		return true
	}
	return false
}

// Up pops the highest-priority waiter (re-sorting first, since donation may
// have changed priorities since insertion) and wakes it, handing it the
// unit directly; the value is left unchanged. If no one is waiting, the
// value is incremented. Per spec
// section 4.2, after waking a waiter Up yields the caller if the woken
// thread now outranks it — this is the onWake hook's job.
func (s *Semaphore) Up() {
	s.mu.Lock()
	s.waiters.resort()
	var woken *Waiter
	if len(s.waiters) > 0 {
		woken = heap.Pop(&s.waiters).(*Waiter)
	} else {
		s.value++
	}
	s.mu.Unlock()

	if woken != nil {
		close(woken.ready)
		if s.onWake != nil {
			s.onWake(woken)
		}
	}
}

// Value reports the current counter value (diagnostic use only — e.g. the
// CLI's dump command; spec's invariants never require reading this from
// kernel logic directly).
func (s *Semaphore) Value() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// WaiterCount reports how many goroutines are parked on Down.
func (s *Semaphore) WaiterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
