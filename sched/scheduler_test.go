package sched_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dplanitzer/serena-core/sched"
)

func TestSchedulerScansHighestClassFirst(t *testing.T) {
	s := sched.NewScheduler()
	low := sched.NewVcpu(1, 0, sched.QoSBackground, sched.PriNormal)
	high := sched.NewVcpu(2, 0, sched.QoSRealtime, sched.PriNormal)

	s.Enqueue(low)
	s.Enqueue(high)

	next := s.SwitchContext()
	require.NotNil(t, next)
	assert.Equal(t, high, next)
	assert.Equal(t, sched.StateRunning, high.State())
}

func TestSchedulerFIFOWithinSameQueue(t *testing.T) {
	s := sched.NewScheduler()
	a := sched.NewVcpu(1, 0, sched.QoSUtility, sched.PriNormal)
	b := sched.NewVcpu(2, 0, sched.QoSUtility, sched.PriNormal)

	s.Enqueue(a)
	s.Enqueue(b)

	assert.Equal(t, a, s.SwitchContext())
	assert.Equal(t, b, s.SwitchContext())
}

// TestPriorityPreemption exercises scenario S6: a running interactive
// vcpu is preempted by a realtime vcpu becoming ready.
func TestPriorityPreemption(t *testing.T) {
	s := sched.NewScheduler()
	a := sched.NewVcpu(1, 0, sched.QoSInteractive, sched.PriNormal)
	s.SwitchToBootVcpu(a)
	assert.Equal(t, a, s.Current())

	b := sched.NewVcpu(2, 0, sched.QoSRealtime, sched.PriNormal)
	assert.True(t, sched.ShouldPreempt(a, b))

	s.Enqueue(b)
	next := s.SwitchContext()
	assert.Equal(t, b, next)
	assert.Equal(t, sched.StateReady, a.State(), "the preempted vcpu must land back on its ready queue")
}

func TestYieldPicksNextReady(t *testing.T) {
	s := sched.NewScheduler()
	a := sched.NewVcpu(1, 0, sched.QoSInteractive, sched.PriNormal)
	b := sched.NewVcpu(2, 0, sched.QoSInteractive, sched.PriNormal)
	s.SwitchToBootVcpu(a)
	s.Enqueue(b)

	next := s.Yield(a)
	assert.Equal(t, b, next)
	assert.Equal(t, sched.StateReady, a.State())
}

func TestSuspendRemovesFromReadyAndResumeRestores(t *testing.T) {
	s := sched.NewScheduler()
	a := sched.NewVcpu(1, 0, sched.QoSUtility, sched.PriNormal)
	s.Enqueue(a)

	s.Suspend(a)
	assert.Equal(t, sched.StateSuspended, a.State())
	assert.Nil(t, s.SwitchContext(), "a suspended vcpu must not be picked")

	s.Resume(a)
	assert.Equal(t, sched.StateReady, a.State())
	assert.Equal(t, a, s.SwitchContext())
}

func TestSetParamsRepositionsReadyVcpu(t *testing.T) {
	s := sched.NewScheduler()
	a := sched.NewVcpu(1, 0, sched.QoSInteractive, sched.PriNormal)
	b := sched.NewVcpu(2, 0, sched.QoSInteractive, sched.PriHighest)
	s.Enqueue(a)
	s.Enqueue(b)

	// a is lower sub-priority, so b would run first; promote a above it
	s.SetParams(a, sched.Params{Class: sched.QoSRealtime, Sub: sched.PriNormal})

	assert.Equal(t, a, s.SwitchContext())
	assert.Equal(t, b, s.SwitchContext())
}

func TestAgeOneStepMovesTowardNormalAndSkipsFixedClasses(t *testing.T) {
	s := sched.NewScheduler()
	v := sched.NewVcpu(1, 0, sched.QoSInteractive, 3)
	s.AgeOneStep(v)
	assert.Equal(t, 2, v.Params().Sub)

	realtime := sched.NewVcpu(2, 0, sched.QoSRealtime, 3)
	s.AgeOneStep(realtime)
	assert.Equal(t, 3, realtime.Params().Sub, "fixed classes must not age")
}

func TestWakeAndMaybeYieldSkipsLowerPriorityWakeup(t *testing.T) {
	s := sched.NewScheduler()
	q := sched.NewWaitQueue()

	current := sched.NewVcpu(1, 0, sched.QoSInteractive, sched.PriNormal)
	s.SwitchToBootVcpu(current)

	low := sched.NewVcpu(2, 0, sched.QoSBackground, sched.PriNormal)
	done := make(chan sched.WakeReason, 1)
	go func() { done <- q.Wait(low, 0) }()
	for q.Len() == 0 {
		time.Sleep(time.Millisecond)
	}

	woken := s.WakeAndMaybeYield(q, sched.WakeOne|sched.WakeCSW, sched.ReasonWakeup, current)
	require.Len(t, woken, 1)
	assert.Equal(t, sched.ReasonWakeup, <-done)
	assert.Equal(t, current, s.Current(), "a lower-priority wakeup must not preempt the current vcpu")
}
