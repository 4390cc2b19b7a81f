package irq_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dplanitzer/serena-core/irq"
)

func TestSetMaskOnlyTightens(t *testing.T) {
	c := irq.New()

	old1 := c.SetMask(0x0F)
	assert.Equal(t, irq.Mask(0), old1)
	assert.Equal(t, irq.Mask(0x0F), c.CurrentMask())

	// a looser mask must not be adopted
	old2 := c.SetMask(0x01)
	assert.Equal(t, irq.Mask(0x0F), old2)
	assert.Equal(t, irq.Mask(0x0F), c.CurrentMask(), "looser mask must not replace a tighter one")

	// a strictly tighter mask is adopted
	old3 := c.SetMask(0xFF)
	assert.Equal(t, irq.Mask(0x0F), old3)
	assert.Equal(t, irq.Mask(0xFF), c.CurrentMask())

	c.RestoreMask(old3)
	assert.Equal(t, irq.Mask(0x0F), c.CurrentMask())
	c.RestoreMask(old1)
	assert.Equal(t, irq.Mask(0), c.CurrentMask())
}

func TestEnableDisableSource(t *testing.T) {
	c := irq.New()
	assert.False(t, c.SourceEnabled(3))
	c.EnableSource(3)
	assert.True(t, c.SourceEnabled(3))
	c.DisableSource(3)
	assert.False(t, c.SourceEnabled(3))
}

func TestDirectHandlerBypassesChain(t *testing.T) {
	c := irq.New()
	var directRan, chainRan bool

	c.AddHandler(&irq.Handler{Source: 1, Enabled: true, Func: func(arg any) bool {
		chainRan = true
		return true
	}})
	c.SetDirectHandler(1, func(arg any) { directRan = true }, nil)

	c.Dispatch(1, nil)
	assert.True(t, directRan)
	assert.False(t, chainRan, "direct handler must preempt the chain entirely")
}

func TestHandlerChainRunsInPriorityOrder(t *testing.T) {
	c := irq.New()
	var order []int

	c.AddHandler(&irq.Handler{Source: 2, Priority: irq.PriLowest, Enabled: true, Func: func(arg any) bool {
		order = append(order, 3)
		return false
	}})
	c.AddHandler(&irq.Handler{Source: 2, Priority: irq.PriHighest, Enabled: true, Func: func(arg any) bool {
		order = append(order, 1)
		return false
	}})
	c.AddHandler(&irq.Handler{Source: 2, Priority: irq.PriNormal, Enabled: true, Func: func(arg any) bool {
		order = append(order, 2)
		return false
	}})

	c.Dispatch(2, nil)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestHandlerConsumedStopsChain(t *testing.T) {
	c := irq.New()
	var ran []int

	h1 := &irq.Handler{Source: 5, Priority: 0, Enabled: true, Func: func(arg any) bool {
		ran = append(ran, 1)
		return true
	}}
	h2 := &irq.Handler{Source: 5, Priority: 1, Enabled: true, Func: func(arg any) bool {
		ran = append(ran, 2)
		return false
	}}
	c.AddHandler(h1)
	c.AddHandler(h2)

	c.Dispatch(5, nil)
	assert.Equal(t, []int{1}, ran)
}

func TestDisabledHandlerSkipped(t *testing.T) {
	c := irq.New()
	var ran bool
	h := &irq.Handler{Source: 6, Enabled: true, Func: func(arg any) bool { ran = true; return true }}
	c.AddHandler(h)
	c.SetHandlerEnabled(h, false)

	c.Dispatch(6, nil)
	assert.False(t, ran)
	assert.Equal(t, uint64(1), c.Stat(irq.StatSpurious))
}

func TestRemoveHandler(t *testing.T) {
	c := irq.New()
	var ran bool
	h := &irq.Handler{Source: 7, Enabled: true, Func: func(arg any) bool { ran = true; return true }}
	c.AddHandler(h)
	c.RemoveHandler(h)
	c.RemoveHandler(nil) // must tolerate nil

	c.Dispatch(7, nil)
	assert.False(t, ran)
}

func TestUnhandledSourceCountsSpurious(t *testing.T) {
	c := irq.New()
	c.Dispatch(99, nil)
	assert.Equal(t, uint64(1), c.Stat(irq.StatSpurious))
}

func TestNonMaskableAndUninitializedStats(t *testing.T) {
	c := irq.New()
	c.NonMaskableInterrupt()
	c.NonMaskableInterrupt()
	c.UninitializedInterrupt()

	assert.Equal(t, uint64(2), c.Stat(irq.StatNonMaskable))
	assert.Equal(t, uint64(1), c.Stat(irq.StatUninitialized))
	assert.Equal(t, uint64(0), c.Stat(irq.StatSpurious))
}
