package clock_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dplanitzer/serena-core/clock"
	"github.com/dplanitzer/serena-core/irq"
	"github.com/dplanitzer/serena-core/ktime"
)

const quantumSrc = 4

func TestClockStartsStopped(t *testing.T) {
	c := irq.New()
	cl := clock.New(c, quantumSrc, 1_000_000) // 1ms quantums
	assert.Equal(t, ktime.Quantum(0), cl.Quantum())
	assert.False(t, c.SourceEnabled(quantumSrc))
}

func TestStartEnablesSourceAndTicksAdvanceTime(t *testing.T) {
	c := irq.New()
	cl := clock.New(c, quantumSrc, 1_000_000)
	cl.Start()
	require.True(t, c.SourceEnabled(quantumSrc))

	for i := 0; i < 5; i++ {
		c.Dispatch(quantumSrc, nil)
	}
	assert.Equal(t, ktime.Quantum(5), cl.Quantum())
	assert.Equal(t, int64(5_000_000), cl.Time().ToNanos())
}

func TestStartIsIdempotent(t *testing.T) {
	c := irq.New()
	cl := clock.New(c, quantumSrc, 1_000_000)
	cl.Start()
	cl.Start()
	c.Dispatch(quantumSrc, nil)
	assert.Equal(t, ktime.Quantum(1), cl.Quantum())
}

func TestTime2QuantumsRoundTrip(t *testing.T) {
	c := irq.New()
	cl := clock.New(c, quantumSrc, 1_000_000) // 1ms
	ts := ktime.FromMillis(10)

	q := cl.Time2Quantums(ts, ktime.RoundTowardZero)
	assert.Equal(t, ktime.Quantum(10), q)

	back := cl.Quantums2Time(q)
	assert.Equal(t, ts, back)
}

func TestDelayNonPositiveIsNoop(t *testing.T) {
	c := irq.New()
	cl := clock.New(c, quantumSrc, 1_000_000)
	assert.NotPanics(t, func() { cl.Delay(0) })
	assert.NotPanics(t, func() { cl.Delay(-1) })
}

func TestNewPanicsOnNonPositiveQuantum(t *testing.T) {
	c := irq.New()
	assert.Panics(t, func() { clock.New(c, quantumSrc, 0) })
}
