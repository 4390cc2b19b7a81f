package ksync

import (
	"sync"
	"sync/atomic"

	"github.com/dplanitzer/serena-core/clock"
	"github.com/dplanitzer/serena-core/kerrors"
	"github.com/dplanitzer/serena-core/ktime"
	"github.com/dplanitzer/serena-core/sched"
)

// Semaphore is a counting semaphore: permits guarded by a spinlock,
// waiters parked on a wait queue when a request can't be satisfied
// immediately. Invariant: permits >= 0; when permits > 0 the wait
// queue is empty (spec.md §3), grounded on sched/sem.h's sem_t.
type Semaphore struct {
	spin    sync.Mutex
	permits int
	wq      *sched.WaitQueue

	deferred int32 // count of pending ReleaseIRQ drains
}

// NewSemaphore returns a semaphore initialized with the given number
// of permits.
func NewSemaphore(initial int) *Semaphore {
	return &Semaphore{permits: initial, wq: sched.NewWaitQueue()}
}

// TryAcquire takes n permits without blocking, returning false (no
// state change) if fewer than n are currently available.
func (sem *Semaphore) TryAcquire(n int) bool {
	sem.spin.Lock()
	defer sem.spin.Unlock()
	if sem.permits >= n {
		sem.permits -= n
		return true
	}
	return false
}

// TryAcquireAll takes every permit currently available without
// blocking and returns how many that was (possibly zero).
func (sem *Semaphore) TryAcquireAll() int {
	sem.spin.Lock()
	defer sem.spin.Unlock()
	n := sem.permits
	sem.permits = 0
	return n
}

// Acquire blocks self until n permits are available, matching
// sem_acquire_multiple with no deadline.
func (sem *Semaphore) Acquire(self *sched.Vcpu, n int) {
	for {
		if sem.TryAcquire(n) {
			return
		}
		sem.wq.Wait(self, blockAllButKill)
	}
}

// AcquireTimed blocks self until n permits are available or deadline
// elapses, returning kerrors.ErrTimeout or kerrors.ErrInterrupted on
// the respective abort path.
func (sem *Semaphore) AcquireTimed(self *sched.Vcpu, n int, clk *clock.Clock, flags sched.WaitFlags, deadline ktime.Timespec) error {
	for {
		if sem.TryAcquire(n) {
			return nil
		}
		reason, _ := sem.wq.TimedWait(self, blockAllButKill, flags, deadline, clk)
		switch reason {
		case sched.ReasonTimeout:
			return kerrors.ErrTimeout
		case sched.ReasonInterrupted:
			return kerrors.ErrInterrupted
		}
		// Wakeup: another release may have raced us to the permits; retry.
	}
}

// AcquireAll blocks self until at least one permit is available, then
// atomically takes every permit the semaphore holds, returning the
// count, matching sem_acquireall.
func (sem *Semaphore) AcquireAll(self *sched.Vcpu, clk *clock.Clock, flags sched.WaitFlags, deadline ktime.Timespec) (int, error) {
	for {
		if n := sem.TryAcquireAll(); n > 0 {
			return n, nil
		}
		reason, _ := sem.wq.TimedWait(self, blockAllButKill, flags, deadline, clk)
		switch reason {
		case sched.ReasonTimeout:
			return 0, kerrors.ErrTimeout
		case sched.ReasonInterrupted:
			return 0, kerrors.ErrInterrupted
		}
	}
}

// Release adds n permits and wakes as many head-of-queue waiters as
// the new permit count could plausibly satisfy. A woken waiter that
// still can't get what it asked for (it wanted more than one permit)
// simply re-parks via its own Acquire retry loop rather than being
// handed a permit count it didn't request; see DESIGN.md for why this
// queue doesn't track per-waiter request sizes.
func (sem *Semaphore) Release(n int) {
	sem.spin.Lock()
	sem.permits += n
	avail := sem.permits
	sem.spin.Unlock()

	for i := 0; i < avail && sem.wq.Len() > 0; i++ {
		sem.wq.Wake(sched.WakeOne, sched.ReasonWakeup)
	}
}

// ReleaseIRQ is an IRQ-safe variant of Release: it updates the permit
// count immediately but defers the actual wake to the next call to
// DrainDeferred, matching sem_relinquish_irq's "deferred wake at the
// next preemption-enabled point" contract (spec.md §4.6).
func (sem *Semaphore) ReleaseIRQ(n int) {
	sem.spin.Lock()
	sem.permits += n
	sem.spin.Unlock()
	atomic.AddInt32(&sem.deferred, 1)
}

// DrainDeferred wakes waiters left pending by any ReleaseIRQ calls
// since the last drain. The caller is responsible for invoking this
// once preemption is re-enabled.
func (sem *Semaphore) DrainDeferred() {
	if atomic.SwapInt32(&sem.deferred, 0) == 0 {
		return
	}
	sem.spin.Lock()
	avail := sem.permits
	sem.spin.Unlock()
	for i := 0; i < avail && sem.wq.Len() > 0; i++ {
		sem.wq.Wake(sched.WakeOne, sched.ReasonWakeup)
	}
}

// Permits returns the current permit count.
func (sem *Semaphore) Permits() int {
	sem.spin.Lock()
	defer sem.spin.Unlock()
	return sem.permits
}

// Deinit reports whether sem can be torn down: its wait queue must be
// empty.
func (sem *Semaphore) Deinit() error {
	return sem.wq.Deinit()
}
