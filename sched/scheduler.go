package sched

import "sync"

// Scheduler picks the next vcpu to run and tracks ready-queue
// membership across six QoS classes of 16 sub-priorities each
// (spec.md §4.5), scanned highest-class-and-sub-priority first and
// FIFO within a (class, sub) queue.
//
// A real single-CPU kernel stops the outgoing vcpu's clock and
// restores the incoming one's machine context inside SwitchContext.
// Here the goroutine running a vcpu's workload is never actually
// paused by the scheduler itself — WaitQueue.Wait already blocks it
// for real via a channel receive — so Scheduler only keeps the
// bookkeeping (ready-queue membership, current-vcpu identity, sub-
// priority aging) consistent with what a real dispatcher would do;
// see DESIGN.md for why that split is sound here.
type Scheduler struct {
	mu      sync.Mutex
	ready   [qosCount][SubPriorities][]*Vcpu
	current *Vcpu
}

// NewScheduler returns a scheduler with empty ready queues and no
// current vcpu.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Current returns the vcpu the scheduler currently considers running.
func (s *Scheduler) Current() *Vcpu {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func readyIndex(p Params) (int, int) { return int(p.Class), p.Sub - PriLowest }

// Enqueue places v on the tail of its (class, sub) ready queue and
// marks it Ready.
func (s *Scheduler) Enqueue(v *Vcpu) {
	p := v.Params()
	c, sub := readyIndex(p)
	s.mu.Lock()
	s.ready[c][sub] = append(s.ready[c][sub], v)
	s.mu.Unlock()
	v.setState(StateReady)
}

func (s *Scheduler) pickNextLocked() *Vcpu {
	for c := int(qosCount) - 1; c >= 0; c-- {
		for sub := SubPriorities - 1; sub >= 0; sub-- {
			q := s.ready[c][sub]
			if len(q) > 0 {
				v := q[0]
				s.ready[c][sub] = q[1:]
				return v
			}
		}
	}
	return nil
}

func (s *Scheduler) removeFromReadyLocked(v *Vcpu) bool {
	for c := range s.ready {
		for sub := range s.ready[c] {
			q := s.ready[c][sub]
			for i, cur := range q {
				if cur == v {
					s.ready[c][sub] = append(q[:i], q[i+1:]...)
					return true
				}
			}
		}
	}
	return false
}

// SwitchContext hands the CPU to the highest-priority ready vcpu. The
// next vcpu is picked first; then, if the outgoing vcpu is still
// Running (it wasn't already parked by the caller on a wait queue), it
// is enqueued on the tail of its ready queue, so it is not a candidate
// for this pick (spec.md §4.5's switch_context contract).
func (s *Scheduler) SwitchContext() *Vcpu {
	s.mu.Lock()
	outgoing := s.current
	next := s.pickNextLocked()
	s.current = next
	s.mu.Unlock()

	if outgoing != nil && outgoing.State() == StateRunning {
		s.Enqueue(outgoing)
	}
	if next != nil {
		next.setState(StateRunning)
	}
	return next
}

// SwitchToBootVcpu is the one-time bootstrap that installs v as the
// initial running vcpu. A real kernel never returns from this call;
// here it simply seeds scheduler state for the caller's boot sequence.
func (s *Scheduler) SwitchToBootVcpu(v *Vcpu) {
	s.mu.Lock()
	s.current = v
	s.mu.Unlock()
	v.setState(StateRunning)
}

// Yield voluntarily gives up the CPU: v is re-enqueued on the tail of
// its ready queue and the highest-priority ready vcpu becomes current
// (v itself if no other ready vcpu has equal or higher priority).
func (s *Scheduler) Yield(v *Vcpu) *Vcpu {
	s.Enqueue(v)
	s.mu.Lock()
	next := s.pickNextLocked()
	s.current = next
	s.mu.Unlock()
	if next != nil {
		next.setState(StateRunning)
	}
	return next
}

// Suspend removes v from its ready queue (if present) and marks it
// Suspended. Suspend is cooperative: it affects queue membership, not
// whatever is presently on the CPU (spec.md §4.5).
func (s *Scheduler) Suspend(v *Vcpu) {
	s.mu.Lock()
	s.removeFromReadyLocked(v)
	s.mu.Unlock()
	v.setState(StateSuspended)
}

// Resume moves a Suspended v back onto its ready queue. Resuming a
// vcpu that isn't Suspended is a no-op.
func (s *Scheduler) Resume(v *Vcpu) {
	if v.State() != StateSuspended {
		return
	}
	s.Enqueue(v)
}

// SetParams changes v's (class, sub) pair, repositioning it within the
// ready set if it is currently Ready.
func (s *Scheduler) SetParams(v *Vcpu, p Params) {
	s.mu.Lock()
	wasReady := s.removeFromReadyLocked(v)
	v.setParams(p)
	if wasReady {
		c, sub := readyIndex(p)
		s.ready[c][sub] = append(s.ready[c][sub], v)
	}
	s.mu.Unlock()
}

// AgeOneStep nudges v's sub-priority one step toward PriNormal, the
// starvation-avoidance rule dynamic QoS classes apply after a quantum
// expires (spec.md §4.5). Fixed classes (REALTIME, IDLE) never age.
func (s *Scheduler) AgeOneStep(v *Vcpu) {
	p := v.Params()
	if p.Class.fixed() {
		return
	}
	switch {
	case p.Sub > PriNormal:
		p.Sub--
	case p.Sub < PriNormal:
		p.Sub++
	default:
		return
	}
	s.SetParams(v, p)
}

// ShouldPreempt reports whether woken outranks current, the condition
// WAKE_CSW tests before forcing an immediate yield.
func ShouldPreempt(current, woken *Vcpu) bool {
	if current == nil || woken == nil {
		return false
	}
	return woken.outranks(current)
}

// WakeAndMaybeYield wakes waiters on q and, if flags includes WakeCSW
// and the highest-priority vcpu woken outranks current, immediately
// yields the CPU from current. This is the scheduler-aware counterpart
// to WaitQueue.Wake, used by ksync's Mutex.Unlock. It does not place
// the woken vcpus on any ready queue; that is left to the caller.
func (s *Scheduler) WakeAndMaybeYield(q *WaitQueue, flags WakeFlags, reason WakeReason, current *Vcpu) []*Vcpu {
	woken := q.Wake(flags, reason)
	if flags&WakeCSW != 0 {
		for _, w := range woken {
			if ShouldPreempt(current, w) {
				s.Yield(current)
				break
			}
		}
	}
	return woken
}
