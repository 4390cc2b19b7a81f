// Package clock implements the kernel's monotonic clock (spec.md
// §4.3): a quantum timer tick that advances current_time and
// current_quantum, a coherent Time snapshot taken with the clock
// source briefly masked, and a short bounded Delay for callers that
// cannot afford a wait-queue round trip.
//
// Grounded on original_source/Kernel/Sources/machine/clock.h and
// MonotonicClock.h (clock_irq/clock_gettime/clock_delay/
// clock_time2quantums/clock_quantums2time), wired to this module's
// ktime package for the Timespec/Quantum arithmetic and to irq for the
// "mask the clock source while reading" discipline.
package clock

import (
	"time"

	"github.com/dplanitzer/serena-core/irq"
	"github.com/dplanitzer/serena-core/ktime"
)

// DelayMax bounds Delay: longer waits must go through a wait queue
// instead of a hard spin, matching CLOCK_DELAY_MAX_NSEC.
const DelayMax = 1_000_000 // nanoseconds, i.e. 1ms

// Clock is the process-wide monotonic clock. It is stopped at
// construction; callers start it once the rest of the boot sequence
// is ready to take clock interrupts, mirroring clock_init_mono()'s
// "clock is stopped by default" contract.
type Clock struct {
	controller *irq.Controller
	source     int

	nsPerQuantum int64

	currentTime     ktime.Timespec
	currentQuantum  ktime.Quantum
	started         bool

	// sleepFunc and nowFunc are overridable for tests; they default to
	// real wall time (time.Now) and time.Sleep.
	nowFunc   func() time.Time
	sleepFunc func(time.Duration)
}

// New returns a stopped Clock driven by interrupts from source on c,
// ticking every nsPerQuantum nanoseconds once started.
func New(c *irq.Controller, source int, nsPerQuantum int64) *Clock {
	if nsPerQuantum <= 0 {
		panic("clock: nsPerQuantum must be positive")
	}
	return &Clock{
		controller:   c,
		source:       source,
		nsPerQuantum: nsPerQuantum,
		nowFunc:      time.Now,
		sleepFunc:    time.Sleep,
	}
}

// Start arms the quantum timer's direct IRQ handler and begins
// advancing time. Calling Start twice is a no-op.
func (c *Clock) Start() {
	if c.started {
		return
	}
	c.started = true
	c.controller.SetDirectHandler(c.source, func(arg any) { c.tick() }, nil)
	c.controller.EnableSource(c.source)
}

// tick runs in interrupt context on every quantum timer pulse: it
// advances current_quantum by one and current_time by ns_per_quantum,
// matching clock_irq()'s responsibility. Overflow saturates rather
// than wrapping (ktime.Timespec/Quantum's contract).
func (c *Clock) tick() {
	c.currentQuantum = ktime.AddQuantum(c.currentQuantum, 1)
	c.currentTime = ktime.Add(c.currentTime, ktime.FromNanos(c.nsPerQuantum))
}

// Quantum returns the current scheduler time in elapsed quantums
// since boot. This is a plain unsynchronized read, matching
// clock_getticks()'s macro: a single-word read needs no masking.
func (c *Clock) Quantum() ktime.Quantum {
	return c.currentQuantum
}

// Time returns a coherent snapshot of the current time, briefly
// masking the clock's interrupt source so the tick handler cannot
// observe a read half-way through, per clock_gettime()'s contract.
func (c *Clock) Time() ktime.Timespec {
	old := c.controller.SetMask(1 << uint(c.source))
	defer c.controller.RestoreMask(old)
	return c.currentTime
}

// Delay blocks the caller for ns nanoseconds, clamped to DelayMax, as
// the portable substitute for the original kernel's hard-spin
// clock_delay(): this runs on sleepFunc (time.Sleep by default) rather
// than busy-waiting the CPU, since there is no bare-metal loop to spin
// in a hosted Go process. Longer delays must go through a wait queue
// (spec.md §4.4) instead; this exists for the small handful of call
// sites (chipset programming sequences) that need a short pause.
func (c *Clock) Delay(ns int64) {
	if ns <= 0 {
		return
	}
	if ns > DelayMax {
		ns = DelayMax
	}
	c.sleepFunc(time.Duration(ns))
}

// Time2Quantums converts ts to a quantum count using this clock's
// quantum duration.
func (c *Clock) Time2Quantums(ts ktime.Timespec, rounding ktime.Rounding) ktime.Quantum {
	return ktime.Time2Quantums(ts, c.nsPerQuantum, rounding)
}

// Quantums2Time converts a quantum count back to a timespec using this
// clock's quantum duration.
func (c *Clock) Quantums2Time(q ktime.Quantum) ktime.Timespec {
	return ktime.Quantums2Time(q, c.nsPerQuantum)
}
