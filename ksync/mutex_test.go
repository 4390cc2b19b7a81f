package ksync_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dplanitzer/serena-core/kerrors"
	"github.com/dplanitzer/serena-core/ksync"
	"github.com/dplanitzer/serena-core/sched"
)

func newVcpu(id uint64) *sched.Vcpu {
	return sched.NewVcpu(id, 0, sched.QoSInteractive, sched.PriNormal)
}

func TestMutexTryLockAndUnlock(t *testing.T) {
	s := sched.NewScheduler()
	m := ksync.NewMutex(s)
	a := newVcpu(1)

	require.NoError(t, m.TryLock(a))
	assert.Equal(t, a, m.Owner())
	assert.ErrorIs(t, m.TryLock(a), kerrors.ErrBusy)

	m.Unlock(a)
	assert.Nil(t, m.Owner())
}

func TestMutexUnlockByNonOwnerIsFatal(t *testing.T) {
	s := sched.NewScheduler()
	m := ksync.NewMutex(s)
	a := newVcpu(1)
	b := newVcpu(2)

	require.NoError(t, m.TryLock(a))
	assert.Panics(t, func() { m.Unlock(b) })
}

func TestMutexLockBlocksUntilUnlocked(t *testing.T) {
	s := sched.NewScheduler()
	m := ksync.NewMutex(s)
	a := newVcpu(1)
	b := newVcpu(2)

	m.Lock(a)
	acquired := make(chan struct{})
	go func() {
		m.Lock(b)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("b must not acquire while a holds the mutex")
	case <-time.After(20 * time.Millisecond):
	}

	m.Unlock(a)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("b should acquire once a unlocks")
	}
	assert.Equal(t, b, m.Owner())
	m.Unlock(b)
}

func TestMutexDeinitFailsWhileContended(t *testing.T) {
	s := sched.NewScheduler()
	m := ksync.NewMutex(s)
	a := newVcpu(1)
	b := newVcpu(2)

	m.Lock(a)
	go m.Lock(b)
	require.Eventually(t, func() bool { return m.Deinit() != nil }, time.Second, time.Millisecond)

	m.Unlock(a)
}
