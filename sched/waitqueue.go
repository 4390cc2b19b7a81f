// Package sched implements the kernel's rendezvous primitive (the FIFO
// wait queue, spec.md §4.4) and the vcpu/scheduler model built on top
// of it (spec.md §4.5).
//
// Grounded on nsync's waiter.go/cv.go (the dll-threaded waiter pool and
// the wake-then-wait "transfer" pattern in wakeWaiters()) and on
// original_source/Library/libc/Sources/sys/waitqueue.c +
// Kernel/Headers/kpi/waitqueue.h for the operation names and FIFO/
// WAKE_ONE/WAKE_ALL semantics. Go has no patched runtime hooks for
// parking a goroutine the way biscuit's kernel parks a vcpu via
// runtime.IRQwake, so a waiter here blocks on a buffered channel
// instead of being unlinked from a scheduler run queue at the
// assembly level; the FIFO ordering and wake semantics are identical.
package sched

import (
	"sync"
	"time"

	"github.com/dplanitzer/serena-core/clock"
	"github.com/dplanitzer/serena-core/kerrors"
	"github.com/dplanitzer/serena-core/ktime"
)

// waiter is one queue entry, analogous to nsync's waiter struct
// (q dll, sem, deadlineTimer, waiting) minus the intrusive list link,
// which this package models as slice membership instead.
type waiter struct {
	vcpu *Vcpu
	mask SignalSet
	ch   chan WakeReason // buffered 1; exactly one value ever sent
	q    *WaitQueue
}

// send delivers reason to this waiter. Callers must have already
// removed w from its queue (via remove) so at most one sender ever
// reaches here per waiter.
func (w *waiter) send(reason WakeReason) { w.ch <- reason }

// interrupt removes w from its queue and wakes it with
// ReasonInterrupted, unless a concurrent Wake already claimed it.
func (w *waiter) interrupt() {
	if w.q.remove(w) {
		w.vcpu.clearWaiterRef(w)
		w.send(ReasonInterrupted)
	}
}

func unmaskedAny(mask, pending SignalSet) bool {
	return pending&SigKill != 0 || pending&mask != 0
}

// WaitQueue is a FIFO of waiters, the single rendezvous primitive
// every higher-level blocking facility (mutex, semaphore, condition
// variable) is built on. The zero WaitQueue is not valid; use
// NewWaitQueue.
type WaitQueue struct {
	mu      sync.Mutex
	waiters []*waiter
}

// NewWaitQueue returns an empty, initialized wait queue.
func NewWaitQueue() *WaitQueue {
	return &WaitQueue{}
}

// Len reports the number of vcpus currently parked on q.
func (q *WaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// Deinit reports whether q can be torn down: destruction of a
// non-empty queue is refused (spec.md §3: "valid as soon as
// initialized and until explicitly destroyed (destruction fails if
// non-empty)").
func (q *WaitQueue) Deinit() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) != 0 {
		return kerrors.ErrInvalid
	}
	return nil
}

func (q *WaitQueue) remove(w *waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cur := range q.waiters {
		if cur == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// enqueue appends a new waiter for v to the tail of q and records it
// on v so a later signal can find it without scanning. If v already
// has an unmasked signal pending, the waiter is interrupted on the
// spot rather than actually parked.
func (q *WaitQueue) enqueue(v *Vcpu, mask SignalSet) *waiter {
	w := &waiter{vcpu: v, mask: mask, ch: make(chan WakeReason, 1), q: q}

	q.mu.Lock()
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	v.mu.Lock()
	v.w = w
	v.mask = mask
	pending := v.pending
	v.mu.Unlock()

	if unmaskedAny(mask, pending) {
		w.interrupt()
	}
	return w
}

func (v *Vcpu) clearWaiterRef(w *waiter) {
	v.mu.Lock()
	if v.w == w {
		v.w = nil
	}
	v.mu.Unlock()
}

// Wait parks v on q until woken or interrupted. v is appended to the
// tail of q, then marked Waiting, and is marked Running again on
// return (spec.md §4.4).
func (q *WaitQueue) Wait(v *Vcpu, mask SignalSet) WakeReason {
	w := q.enqueue(v, mask)
	v.setState(StateWaiting)
	reason, _ := q.block(v, w, WaitRelative, ktime.TimespecZero, nil)
	return reason
}

// TimedWait is Wait plus a deadline: wtp is absolute if WaitAbsTime is
// set in flags, else relative to clk's current time. On timeout the
// waiter is removed from q and ReasonTimeout is returned; otherwise
// the unslept remainder is returned as the second value.
func (q *WaitQueue) TimedWait(v *Vcpu, mask SignalSet, flags WaitFlags, wtp ktime.Timespec, clk *clock.Clock) (WakeReason, ktime.Timespec) {
	w := q.enqueue(v, mask)
	v.setState(StateWaiting)
	return q.block(v, w, flags, wtp, clk)
}

// block is the shared tail of Wait/TimedWait/WakeThenTimedWait: having
// already enqueued w, wait for a wakeup, an interruption, or (if clk
// is non-nil) a timeout.
func (q *WaitQueue) block(v *Vcpu, w *waiter, flags WaitFlags, wtp ktime.Timespec, clk *clock.Clock) (WakeReason, ktime.Timespec) {
	if clk == nil {
		reason := <-w.ch
		v.clearWaiterRef(w)
		v.setState(StateRunning)
		return reason, ktime.TimespecZero
	}

	dur, immediate := deadlineDuration(flags, wtp, clk)
	if immediate {
		var reason WakeReason
		if q.remove(w) {
			v.clearWaiterRef(w)
			reason = ReasonTimeout
		} else {
			reason = <-w.ch // a concurrent wake/interrupt already claimed w
		}
		v.setState(StateRunning)
		return reason, ktime.TimespecZero
	}

	timer := time.NewTimer(dur)
	defer timer.Stop()
	start := time.Now()

	var reason WakeReason
	select {
	case reason = <-w.ch:
	case <-timer.C:
		if q.remove(w) {
			reason = ReasonTimeout
		} else {
			reason = <-w.ch
		}
	}
	v.clearWaiterRef(w)
	v.setState(StateRunning)

	remaining := dur - time.Since(start)
	if remaining < 0 || reason == ReasonTimeout {
		remaining = 0
	}
	return reason, ktime.FromNanos(int64(remaining))
}

func deadlineDuration(flags WaitFlags, wtp ktime.Timespec, clk *clock.Clock) (time.Duration, bool) {
	rel := wtp
	if flags&WaitAbsTime != 0 {
		rel = ktime.Sub(wtp, clk.Time())
	}
	if ktime.Compare(rel, ktime.TimespecZero) <= 0 {
		return 0, true
	}
	return time.Duration(rel.ToNanos()), false
}

// Wake wakes waiters on q: with WakeAll, every waiter; otherwise only
// the head. It returns the vcpus that were woken, in wakeup order, so
// callers honoring WakeCSW can decide whether to yield.
func (q *WaitQueue) Wake(flags WakeFlags, reason WakeReason) []*Vcpu {
	q.mu.Lock()
	var woken []*waiter
	if flags&WakeAll != 0 {
		woken = q.waiters
		q.waiters = nil
	} else if len(q.waiters) > 0 {
		woken = q.waiters[:1:1]
		q.waiters = q.waiters[1:]
	}
	q.mu.Unlock()

	vcpus := make([]*Vcpu, 0, len(woken))
	for _, w := range woken {
		w.vcpu.clearWaiterRef(w)
		w.send(reason)
		vcpus = append(vcpus, w.vcpu)
	}
	return vcpus
}

// TransferWait enqueues v onto q and only then invokes release —
// typically whatever unlocks the resource v is conceding in order to
// wait — before blocking. Because v is already registered on q by the
// time release runs, any wakeup release triggers (directly, or
// indirectly by letting some other vcpu in to signal q) can never be
// missed. This is the general shape behind wake_then_timedwait; see
// WakeThenTimedWait for the common two-queue instance of it.
func (q *WaitQueue) TransferWait(release func(), v *Vcpu, mask SignalSet, flags WaitFlags, wtp ktime.Timespec, clk *clock.Clock) (WakeReason, ktime.Timespec) {
	w := q.enqueue(v, mask)
	v.setState(StateWaiting)
	release()
	return q.block(v, w, flags, wtp, clk)
}

// WakeThenTimedWait atomically wakes one (or all, per wakeFlags)
// waiter(s) on wakeQ and parks v on waitQ, used by condition variables
// and by the mutex/condvar handoff to prevent a wakeup issued between
// the two steps from being lost (spec.md §4.4).
func WakeThenTimedWait(wakeQ, waitQ *WaitQueue, wakeFlags WakeFlags, v *Vcpu, mask SignalSet, waitFlags WaitFlags, wtp ktime.Timespec, clk *clock.Clock) (WakeReason, ktime.Timespec) {
	return waitQ.TransferWait(func() { wakeQ.Wake(wakeFlags, ReasonWakeup) }, v, mask, waitFlags, wtp, clk)
}
