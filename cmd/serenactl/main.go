// Command serenactl boots the kernel substrate in-process and drives
// it through the scenarios spec.md §8 uses to pin down scheduler,
// wait-queue, synchronization, and allocator behavior. It exists so
// the substrate can be exercised end-to-end outside of the test suite,
// the way biscuit's own main.go brings up the kernel and immediately
// runs its self-tests before handing control to init.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dplanitzer/serena-core/clock"
	"github.com/dplanitzer/serena-core/heap"
	"github.com/dplanitzer/serena-core/irq"
	"github.com/dplanitzer/serena-core/kerrors"
	"github.com/dplanitzer/serena-core/klog"
	"github.com/dplanitzer/serena-core/ksync"
	"github.com/dplanitzer/serena-core/ktime"
	"github.com/dplanitzer/serena-core/sched"
)

var scenarios = map[string]func(*klog.Logger) error{
	"s1": runS1,
	"s2": runS2,
	"s3": runS3,
	"s4": runS4,
	"s5": runS5,
	"s6": runS6,
	"s7": runS7,
}

var scenarioOrder = []string{"s1", "s2", "s3", "s4", "s5", "s6", "s7"}

func main() {
	var (
		verbose  bool
		jsonLogs bool
	)

	root := &cobra.Command{
		Use:   "serenactl [scenario]...",
		Short: "Drive the Serena kernel execution substrate through its reference scenarios",
		Long: `serenactl boots an in-process instance of the kernel execution substrate
(heap, interrupt layer, monotonic clock, scheduler, wait queues, and
synchronization primitives) and runs the scenarios used to pin down its
behavior: semaphore handoff, timed waits, mutex contention, condvar
signal atomicity, priority preemption, and allocator coalescing.

With no arguments every scenario runs in order. Pass one or more of
s1..s7 to run a subset.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			w := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
			var logger *klog.Logger
			if jsonLogs {
				logger = klog.New(os.Stdout, level)
			} else {
				logger = klog.New(w, level)
			}
			klog.SetGlobal(logger)

			names := args
			if len(names) == 0 {
				names = scenarioOrder
			}
			return runScenarios(logger, names)
		},
	}

	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
	root.Flags().BoolVar(&jsonLogs, "json", false, "emit structured JSON logs instead of console output")

	if err := root.Execute(); err != nil {
		klog.Global().Error(err.Error(), nil)
		os.Exit(1)
	}
}

func runScenarios(logger *klog.Logger, names []string) error {
	for _, name := range names {
		fn, ok := scenarios[name]
		if !ok {
			return fmt.Errorf("serenactl: unknown scenario %q", name)
		}
		start := time.Now()
		logger.Info("scenario start", map[string]any{"scenario": name})
		if err := fn(logger); err != nil {
			logger.Error("scenario failed", map[string]any{"scenario": name, "err": err.Error()})
			return fmt.Errorf("scenario %s: %w", name, err)
		}
		logger.Info("scenario ok", map[string]any{"scenario": name, "elapsed": klog.Dur(time.Since(start))})
	}
	return nil
}

// runS1 exercises producer/consumer handoff through a semaphore: A
// blocks on an empty semaphore, B releases one permit, A must observe
// exactly one Wakeup and leave the semaphore at zero permits.
func runS1(logger *klog.Logger) error {
	sem := ksync.NewSemaphore(0)
	a := sched.NewVcpu(1, 0, sched.QoSInteractive, sched.PriNormal)

	done := make(chan struct{})
	go func() {
		sem.Acquire(a, 1)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	sem.Release(1)

	select {
	case <-done:
	case <-time.After(time.Second):
		return fmt.Errorf("A never returned from acquire")
	}
	if p := sem.Permits(); p != 0 {
		return fmt.Errorf("expected 0 permits left, got %d", p)
	}
	logger.Info("producer/consumer handoff complete", map[string]any{"permits": sem.Permits()})
	return nil
}

// runS2 exercises a timed wait with no wake: A must return Timeout and
// not before the 50ms deadline. How long after the deadline A returns
// is logged, not checked.
func runS2(logger *klog.Logger) error {
	q := sched.NewWaitQueue()
	c := irq.New()
	cl := clock.New(c, 9, 1_000_000)
	a := sched.NewVcpu(1, 0, sched.QoSInteractive, sched.PriNormal)

	start := time.Now()
	reason, _ := q.TimedWait(a, 0, sched.WaitRelative, ktime.FromMillis(50), cl)
	elapsed := time.Since(start)

	if reason != sched.ReasonTimeout {
		return fmt.Errorf("expected Timeout, got %v", reason)
	}
	if elapsed < 50*time.Millisecond {
		return fmt.Errorf("timed wait returned early: %v", elapsed)
	}
	logger.Info("timed wait expired as expected", map[string]any{"elapsed": klog.Dur(elapsed)})
	return nil
}

// runS3 exercises a timed wait woken before its deadline: B wakes A at
// ~10ms, well inside the 50ms deadline, and A must report Wakeup with
// a non-trivial remaining duration.
func runS3(logger *klog.Logger) error {
	q := sched.NewWaitQueue()
	c := irq.New()
	cl := clock.New(c, 9, 1_000_000)
	a := sched.NewVcpu(1, 0, sched.QoSInteractive, sched.PriNormal)

	type result struct {
		reason sched.WakeReason
		rem    ktime.Timespec
	}
	resultCh := make(chan result, 1)
	go func() {
		reason, rem := q.TimedWait(a, 0, sched.WaitRelative, ktime.FromMillis(50), cl)
		resultCh <- result{reason, rem}
	}()

	for q.Len() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	q.Wake(sched.WakeOne, sched.ReasonWakeup)

	select {
	case res := <-resultCh:
		if res.reason != sched.ReasonWakeup {
			return fmt.Errorf("expected Wakeup, got %v", res.reason)
		}
		if res.rem.ToNanos() <= 20_000_000 {
			return fmt.Errorf("expected a substantial remaining duration, got %dms", res.rem.ToMillis())
		}
		logger.Info("woken before deadline", map[string]any{"remaining_ms": res.rem.ToMillis()})
		return nil
	case <-time.After(time.Second):
		return fmt.Errorf("A never woke")
	}
}

// runS4 exercises mutex handoff: A locks M, B blocks on lock(M), A
// unlocks, B must become owner, and a third vcpu's try_lock must then
// report Busy.
func runS4(logger *klog.Logger) error {
	s := sched.NewScheduler()
	m := ksync.NewMutex(s)
	a := sched.NewVcpu(1, 0, sched.QoSInteractive, sched.PriNormal)
	b := sched.NewVcpu(2, 0, sched.QoSInteractive, sched.PriNormal)
	c := sched.NewVcpu(3, 0, sched.QoSInteractive, sched.PriNormal)

	m.Lock(a)
	acquired := make(chan struct{})
	go func() {
		m.Lock(b)
		close(acquired)
	}()
	time.Sleep(10 * time.Millisecond)

	m.Unlock(a)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		return fmt.Errorf("B never acquired after A's unlock")
	}
	if owner := m.Owner(); owner != b {
		return fmt.Errorf("expected B to own the mutex, got %v", owner)
	}
	if err := m.TryLock(c); err == nil || err != kerrors.ErrBusy {
		return fmt.Errorf("expected Busy from C's try_lock, got %v", err)
	}
	logger.Info("mutex handoff complete", map[string]any{"owner": b.ID})
	m.Unlock(b)
	return nil
}

// runS5 exercises condvar signal-and-sleep atomicity: B parks in
// wait(CV, M), A sets the predicate and broadcasts; B must observe the
// predicate exactly once after reacquiring M, with no lost wakeup.
func runS5(logger *klog.Logger) error {
	s := sched.NewScheduler()
	m := ksync.NewMutex(s)
	cv := ksync.NewCondVar()
	a := sched.NewVcpu(1, 0, sched.QoSInteractive, sched.PriNormal)
	b := sched.NewVcpu(2, 0, sched.QoSInteractive, sched.PriNormal)

	predicate := false
	observed := 0
	done := make(chan struct{})
	go func() {
		m.Lock(b)
		for !predicate {
			cv.Wait(b, m)
		}
		observed++
		m.Unlock(b)
		close(done)
	}()

	time.Sleep(15 * time.Millisecond)
	m.Lock(a)
	predicate = true
	cv.Broadcast()
	m.Unlock(a)

	select {
	case <-done:
	case <-time.After(time.Second):
		return fmt.Errorf("B never observed the predicate")
	}
	if observed != 1 {
		return fmt.Errorf("expected predicate observed exactly once, got %d", observed)
	}
	logger.Info("condvar signal-and-sleep atomic", map[string]any{"observed": observed})
	return nil
}

// runS6 exercises priority preemption: A runs at INTERACTIVE/0, B is
// woken from a wait queue at REALTIME/0 and made ready, A yields
// because B outranks it (the test WAKE_CSW applies), and A must be the
// one left on the ready queue afterward.
func runS6(logger *klog.Logger) error {
	s := sched.NewScheduler()
	q := sched.NewWaitQueue()

	a := sched.NewVcpu(1, 0, sched.QoSInteractive, sched.PriNormal)
	s.SwitchToBootVcpu(a)

	b := sched.NewVcpu(2, 0, sched.QoSRealtime, sched.PriNormal)
	parked := make(chan struct{})
	go func() {
		close(parked)
		q.Wait(b, 0)
	}()
	<-parked
	for q.Len() == 0 {
		time.Sleep(time.Millisecond)
	}

	// WaitQueue.Wake only resolves the rendezvous; it has no visibility
	// into the scheduler's ready queues. Delivering a woken vcpu to the
	// scheduler is the caller's job, the same as TestPriorityPreemption
	// models it directly via Enqueue.
	woken := q.Wake(sched.WakeOne, sched.ReasonWakeup)
	if len(woken) != 1 || woken[0] != b {
		return fmt.Errorf("expected B to be woken, got %v", woken)
	}
	s.Enqueue(b)

	if !sched.ShouldPreempt(a, b) {
		return fmt.Errorf("B at REALTIME/0 should outrank A at INTERACTIVE/0")
	}
	next := s.Yield(a)
	if next != b {
		return fmt.Errorf("expected B to run after the yield, got %v", next)
	}
	if a.State() != sched.StateReady {
		return fmt.Errorf("expected A parked on the ready queue, got %v", a.State())
	}
	logger.Info("preemption honored WAKE_CSW", map[string]any{"next": b.ID, "preempted": a.ID})
	return nil
}

// runS7 exercises allocator coalescing: two adjacent allocations are
// freed, and a larger allocation that only fits in their merged space
// must then succeed.
func runS7(logger *klog.Logger) error {
	h := heap.New()
	h.AddRegion(260, heap.CPU)

	first, err := h.Alloc(100, 0)
	if err != nil {
		return fmt.Errorf("first alloc: %w", err)
	}
	second, err := h.Alloc(100, 0)
	if err != nil {
		return fmt.Errorf("second alloc: %w", err)
	}
	h.Free(first)
	h.Free(second)

	merged, err := h.Alloc(250, 0)
	if err != nil {
		return fmt.Errorf("coalesced alloc of 250 bytes failed: %w", err)
	}
	size, _ := h.SizeOf(merged)
	logger.Info("allocator coalesced adjacent free blocks", map[string]any{"granted": size})
	h.Free(merged)
	return nil
}
