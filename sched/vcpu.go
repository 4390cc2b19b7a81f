package sched

import "sync"

// QoS is a virtual CPU's scheduling class (spec.md §4.5), mirrored
// from original_source/Kernel/Headers/kpi/sched.h's SCHED_QOS_*
// constants and declared lowest (QoSIdle = 0) to highest
// (QoSRealtime = 5).
type QoS int

const (
	QoSIdle QoS = iota
	QoSBackground
	QoSUtility
	QoSInteractive
	QoSUrgent
	QoSRealtime
	qosCount
)

// SubPriorities is the number of sub-priority levels within each QoS
// class (QOS_PRI_COUNT in the original header: 1 << QOS_PRI_SHIFT).
const SubPriorities = 16

// PriHighest/PriNormal/PriLowest bound a vcpu's sub-priority within
// its class.
const (
	PriHighest = 7
	PriNormal  = 0
	PriLowest  = -8
)

// fixed reports whether a class uses a fixed priority (no aging).
// Only REALTIME and IDLE are fixed; the others age toward mid-priority
// after a quantum expires, per spec.md §4.5.
func (q QoS) fixed() bool { return q == QoSRealtime || q == QoSIdle }

// State is a vcpu's scheduling state (spec.md §3's lifecycle).
type State int

const (
	StateCreated State = iota
	StateReady
	StateRunning
	StateWaiting
	StateSuspended
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateWaiting:
		return "Waiting"
	case StateSuspended:
		return "Suspended"
	case StateZombie:
		return "Zombie"
	default:
		return "Unknown"
	}
}

// Params bundles the (class, sub-priority) pair set via SetParams,
// mirroring sched_qos_params.
type Params struct {
	Class QoS
	Sub   int
}

// Vcpu is a virtual processor: the scheduled unit of execution. A
// real kernel gives each vcpu a kernel stack and a saved machine
// context; here that role is played by the goroutine the vcpu's
// workload runs on; Vcpu itself only tracks the scheduling-visible
// state (spec.md's DESIGN NOTES call for treating machine context as
// an opaque handle behind save/restore primitives, and goroutine
// parking is this module's stand-in for that handle).
type Vcpu struct {
	mu sync.Mutex

	ID      uint64
	GroupID uint64

	class QoS
	sub   int

	state State

	mask    SignalSet
	pending SignalSet

	// w is the waiter record for the queue this vcpu is currently
	// parked on, if any; used to deliver signal interrupts without a
	// queue scan.
	w *waiter

	// Owner is a weak back-reference to the owning process, opaque to
	// this package (spec.md §3: "owning process back-reference (weak)").
	Owner any
}

// NewVcpu returns a freshly created vcpu at the given initial
// parameters, in state Created.
func NewVcpu(id, group uint64, class QoS, sub int) *Vcpu {
	return &Vcpu{ID: id, GroupID: group, class: class, sub: sub, state: StateCreated}
}

// Params returns the vcpu's current (class, sub) pair.
func (v *Vcpu) Params() Params {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Params{Class: v.class, Sub: v.sub}
}

// State returns the vcpu's current scheduling state.
func (v *Vcpu) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *Vcpu) setState(s State) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}

func (v *Vcpu) setParams(p Params) {
	v.mu.Lock()
	v.class, v.sub = p.Class, p.Sub
	v.mu.Unlock()
}

// rank orders two vcpus by scheduling priority: higher class first,
// then higher sub-priority. Used to decide WAKE_CSW preemption.
func rank(class QoS, sub int) int { return int(class)*SubPriorities + sub - PriLowest }

func (v *Vcpu) outranks(other *Vcpu) bool {
	p1, p2 := v.Params(), other.Params()
	return rank(p1.Class, p1.Sub) > rank(p2.Class, p2.Sub)
}

// Interrupt delivers sig to v. The signal is always added to v's
// pending set, which nothing in this package clears. If v is currently
// parked on a wait queue and sig is unmasked there (or is SigKill), it
// is also removed from that queue immediately with ReasonInterrupted;
// a pending unmasked signal interrupts every later wait of v on entry.
func (v *Vcpu) Interrupt(sig SignalSet) {
	v.mu.Lock()
	w := v.w
	mask := v.mask
	v.pending |= sig
	v.mu.Unlock()

	if w != nil && unmasked(mask, sig) {
		w.interrupt()
	}
}
