package ksync

import (
	"github.com/dplanitzer/serena-core/clock"
	"github.com/dplanitzer/serena-core/kerrors"
	"github.com/dplanitzer/serena-core/ktime"
	"github.com/dplanitzer/serena-core/sched"
)

// CondVar is a condition variable: a wait queue used only in
// conjunction with a Mutex the caller already holds. Grounded on
// spec.md §4.6's wait(cv, mx) and on nsync's CV (whose wakeWaiters can
// likewise transfer a waiter straight onto another queue rather than
// fully waking it).
type CondVar struct {
	wq *sched.WaitQueue
}

// NewCondVar returns an empty condition variable.
func NewCondVar() *CondVar {
	return &CondVar{wq: sched.NewWaitQueue()}
}

// Wait requires m to be held by self. It atomically releases m and
// parks self on cv's queue (via TransferWait, so a Signal/Broadcast
// racing the release can never be lost), then reacquires m before
// returning.
func (cv *CondVar) Wait(self *sched.Vcpu, m *Mutex) {
	cv.wq.TransferWait(func() { m.releaseForWait(self) }, self, blockAllButKill, sched.WaitRelative, ktime.TimespecZero, nil)
	m.Lock(self)
}

// TimedWait is Wait with a deadline. The mutex is reacquired before
// returning regardless of outcome, including on timeout, matching
// spec.md §4.6.
func (cv *CondVar) TimedWait(self *sched.Vcpu, m *Mutex, clk *clock.Clock, flags sched.WaitFlags, deadline ktime.Timespec) error {
	reason, _ := cv.wq.TransferWait(func() { m.releaseForWait(self) }, self, blockAllButKill, flags, deadline, clk)
	m.Lock(self)

	switch reason {
	case sched.ReasonTimeout:
		return kerrors.ErrTimeout
	case sched.ReasonInterrupted:
		return kerrors.ErrInterrupted
	default:
		return nil
	}
}

// Signal wakes one waiter.
func (cv *CondVar) Signal() {
	cv.wq.Wake(sched.WakeOne, sched.ReasonWakeup)
}

// Broadcast wakes every waiter.
func (cv *CondVar) Broadcast() {
	cv.wq.Wake(sched.WakeAll, sched.ReasonWakeup)
}

// Deinit reports whether cv can be torn down: its wait queue must be
// empty.
func (cv *CondVar) Deinit() error {
	return cv.wq.Deinit()
}
