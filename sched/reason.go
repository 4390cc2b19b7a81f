package sched

// WakeReason is why a Wait/TimedWait call returned. Spurious wakeups
// are never produced: every return carries one of these (spec.md
// §4.4's "every return carries a specific reason").
type WakeReason int

const (
	ReasonNone WakeReason = iota
	// ReasonWakeup means an explicit Wake() delivered this waiter.
	ReasonWakeup
	// ReasonTimeout means a TimedWait's deadline elapsed first.
	ReasonTimeout
	// ReasonInterrupted means an unmasked signal removed the waiter.
	ReasonInterrupted
)

func (r WakeReason) String() string {
	switch r {
	case ReasonWakeup:
		return "Wakeup"
	case ReasonTimeout:
		return "Timeout"
	case ReasonInterrupted:
		return "Interrupted"
	default:
		return "None"
	}
}

// WakeFlags selects wake()'s target set and whether the caller should
// immediately yield to a higher-priority waiter it just woke.
type WakeFlags uint

const (
	// WakeOne wakes only the head of the queue.
	WakeOne WakeFlags = 1 << iota
	// WakeAll wakes every waiter currently on the queue.
	WakeAll
	// WakeCSW requests that the caller yield immediately if the woken
	// vcpu outranks the currently running one.
	WakeCSW
)

// WaitFlags selects timedwait()'s deadline interpretation.
type WaitFlags uint

const (
	// WaitRelative treats the deadline as relative to now (default).
	WaitRelative WaitFlags = 0
	// WaitAbsTime treats the deadline as an absolute monotonic time.
	WaitAbsTime WaitFlags = 1 << iota
)

// SignalSet is a bitmask of signal numbers a waiter wants to remain
// unblocked while parked. SigKill is never maskable: it interrupts a
// waiter regardless of which bits are set.
type SignalSet uint64

// SigKill is the designated never-blockable signal (spec.md §4.4's
// "SIGKILL-equivalent"). It always interrupts a waiting vcpu.
const SigKill SignalSet = 1 << 63

// unmasked reports whether sig would interrupt a waiter that
// registered mask.
func unmasked(mask SignalSet, sig SignalSet) bool {
	if sig == SigKill {
		return true
	}
	return mask&sig != 0
}
