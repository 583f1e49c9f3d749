package stepper

import (
	"sync/atomic"
	"time"

	"github.com/cjeanneret/RampGo/internal/debug"
	"github.com/cjeanneret/RampGo/internal/hw/gpio"
	"github.com/cjeanneret/RampGo/internal/ramp"
)

// LiveFunc reports whether pulsing should continue. It is polled once per
// half-period.
type LiveFunc func() bool

// Generator produces the STEP pulse train of one channel (A4988-style
// driver: one rising edge = one step). It only ever writes the STEP line.
type Generator struct {
	gpio    gpio.Driver
	stepPin int

	sleep func(time.Duration)
	now   func() time.Time

	pulses atomic.Uint64
	cycles atomic.Uint64
}

// NewGenerator creates a pulse generator for the given STEP pin.
func NewGenerator(g gpio.Driver, stepPin int) *Generator {
	return &Generator{
		gpio:    g,
		stepPin: stepPin,
		sleep:   time.Sleep,
		now:     time.Now,
	}
}

// Pulses returns the number of complete pulses emitted so far.
func (p *Generator) Pulses() uint64 { return p.pulses.Load() }

// Cycles returns the number of ramp cycles started so far.
func (p *Generator) Cycles() uint64 { return p.cycles.Load() }

// EmitSegment pulses the STEP line (HIGH, wait half, LOW, wait half) while
// less than duration has elapsed and live() holds. The last pulse is never
// cut short, so the segment may overrun duration by up to one period.
// If live() turns false during the HIGH half, the line is still brought LOW
// before returning; the STEP line is always LOW when EmitSegment returns
// without error.
func (p *Generator) EmitSegment(half, duration time.Duration, live LiveFunc) (int, error) {
	start := p.now()
	n := 0
	for p.now().Sub(start) < duration && live() {
		if err := p.gpio.WritePin(p.stepPin, gpio.High); err != nil {
			return n, err
		}
		p.sleep(half)
		stopping := !live()
		if err := p.gpio.WritePin(p.stepPin, gpio.Low); err != nil {
			return n, err
		}
		n++
		p.pulses.Add(1)
		if stopping {
			return n, nil
		}
		p.sleep(half)
	}
	return n, nil
}

// RunCycle computes the segment timing once from params, then runs the
// ramp-up segment followed by the ramp-down segment. Settings changed while
// the cycle runs are picked up by the next call.
func (p *Generator) RunCycle(params ramp.Params, live LiveFunc) error {
	segs, err := params.Segments()
	if err != nil {
		return err
	}
	if !live() {
		return nil
	}
	p.cycles.Add(1)
	debug.Live("STEP pin %d: cycle up=%v@%v down=%v@%v", p.stepPin,
		segs.RampUp, segs.UpHalfPeriod, segs.RampDown, segs.DownHalfPeriod)

	if _, err := p.EmitSegment(segs.UpHalfPeriod, segs.RampUp, live); err != nil {
		return err
	}
	if !live() {
		return nil
	}
	_, err = p.EmitSegment(segs.DownHalfPeriod, segs.RampDown, live)
	return err
}

// Run repeats RunCycle, reading a fresh parameter snapshot at every cycle
// boundary, until live() turns false or a line write fails.
func (p *Generator) Run(params func() ramp.Params, live LiveFunc) error {
	for live() {
		if err := p.RunCycle(params(), live); err != nil {
			return err
		}
	}
	return nil
}
