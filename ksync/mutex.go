// Package ksync layers the kernel's synchronization primitives —
// mutex, counting semaphore, and condition variable — over a single
// sched.WaitQueue plus an atomic state word, matching spec.md §4.6.
//
// Grounded on original_source/Kernel/Sources/sched/mtx.c (try_lock as
// a bare compare-and-set, contention falling through to wq_wait with
// every signal but SigKill masked, unlock waking WAKEUP_ALL|WAKEUP_CSW)
// and sched/sem.h (sem_acquire_multiple/sem_relinquish_multiple/
// sem_acquireall/sem_tryacquire), and on nsync's cv.go for the
// wait-then-reacquire shape of a condition variable.
package ksync

import (
	"sync"
	"sync/atomic"

	"github.com/dplanitzer/serena-core/kerrors"
	"github.com/dplanitzer/serena-core/sched"
)

// blockAllButKill is the mask every contended lock/acquire waits with:
// every ordinary signal is blocked, only the unblockable signal can
// interrupt (mtx_onwait's SIGSET_BLOCK_ALL).
const blockAllButKill sched.SignalSet = 0

// Mutex is a non-recursive lock: a single compare-and-set state word
// protected by an internal spinlock, with a wait queue for contended
// waiters. The zero Mutex is not valid; use NewMutex.
type Mutex struct {
	spin  sync.Mutex
	state uint32 // 0 = unlocked, 1 = locked
	owner *sched.Vcpu
	wq    *sched.WaitQueue
	s     *sched.Scheduler
}

// DeadlockCheckEnabled gates the one extra check TryLock/Lock perform
// to catch a vcpu relocking a mutex it already owns — normally that
// just deadlocks silently, exactly like the source kernel's "locking a
// held mutex from its owner deadlocks (detected only if a
// deadlock-check build flag is set)" (spec.md §4.6). It defaults to
// off, matching the reference kernel's default.
var DeadlockCheckEnabled = false

// NewMutex returns an unlocked mutex whose contended waiters are
// dispatched through s.
func NewMutex(s *sched.Scheduler) *Mutex {
	return &Mutex{wq: sched.NewWaitQueue(), s: s}
}

// TryLock attempts to acquire m without blocking, returning
// kerrors.ErrBusy if it is already held.
func (m *Mutex) TryLock(self *sched.Vcpu) error {
	m.spin.Lock()
	defer m.spin.Unlock()
	if DeadlockCheckEnabled && m.owner == self {
		kerrors.Fatal("mutex: relock by owner", map[string]any{"vcpu": self.ID})
	}
	if atomic.CompareAndSwapUint32(&m.state, 0, 1) {
		m.owner = self
		return nil
	}
	return kerrors.ErrBusy
}

// Lock acquires m, parking self on m's wait queue across contention.
// A waiter here only honors the unblockable signal; every other
// signal is masked, matching mtx_onwait.
func (m *Mutex) Lock(self *sched.Vcpu) {
	for {
		if err := m.TryLock(self); err == nil {
			return
		}
		m.wq.Wait(self, blockAllButKill)
	}
}

// Unlock releases m and wakes at most one waiter, yielding immediately
// if that waiter outranks the caller (WAKE_ONE|WAKE_CSW, per
// spec.md §4.6). Unlock by a vcpu that is not the recorded owner is a
// fatal kernel bug, not a recoverable error.
func (m *Mutex) Unlock(self *sched.Vcpu) {
	m.spin.Lock()
	if m.owner != self {
		m.spin.Unlock()
		kerrors.Fatal("mutex: unlock by non-owner", map[string]any{"vcpu": self.ID})
	}
	m.owner = nil
	atomic.StoreUint32(&m.state, 0)
	m.spin.Unlock()

	m.s.WakeAndMaybeYield(m.wq, sched.WakeOne|sched.WakeCSW, sched.ReasonWakeup, self)
}

// releaseForWait clears ownership and wakes one contender like Unlock,
// but without the WakeCSW yield check, and is invoked by CondVar.Wait as the release callback
// wedged between registering on the condvar's queue and actually
// parking there — see sched.WaitQueue.TransferWait.
func (m *Mutex) releaseForWait(self *sched.Vcpu) {
	m.spin.Lock()
	if m.owner != self {
		m.spin.Unlock()
		kerrors.Fatal("mutex: condvar wait by non-owner", map[string]any{"vcpu": self.ID})
	}
	m.owner = nil
	atomic.StoreUint32(&m.state, 0)
	m.spin.Unlock()

	m.wq.Wake(sched.WakeOne, sched.ReasonWakeup)
}

// Owner returns the vcpu currently holding m, or nil.
func (m *Mutex) Owner() *sched.Vcpu {
	m.spin.Lock()
	defer m.spin.Unlock()
	return m.owner
}

// Deinit reports whether m can be torn down: its wait queue must be
// empty (spec.md §5: "must not be held across deinit calls against
// themselves").
func (m *Mutex) Deinit() error {
	return m.wq.Deinit()
}
