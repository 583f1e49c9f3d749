// Package ramp converts the three live ramp settings (ramp-up rate,
// ramp-down rate, cycle duration) into per-cycle segment timings, and holds
// the settings shared by every channel.
package ramp

import (
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/RampGo/internal/mathx"
)

// ErrInvalidParameter is returned for a rate or cycle duration outside its
// valid domain.
var ErrInvalidParameter = errors.New("invalid ramp parameter")

// Segments is the timing of one ramp cycle: the ramp-up segment followed by
// the ramp-down segment. RampUp + RampDown always equals the cycle duration.
type Segments struct {
	RampUp         time.Duration // time spent pulsing at the up rate
	RampDown       time.Duration // time spent pulsing at the down rate
	UpHalfPeriod   time.Duration // STEP high (and low) time during ramp-up
	DownHalfPeriod time.Duration // STEP high (and low) time during ramp-down
}

// Cycle returns the total cycle duration.
func (s Segments) Cycle() time.Duration {
	return s.RampUp + s.RampDown
}

// ComputeSegments splits cycleSeconds between the two rates:
//
//	rampUp   = cycle / (1 + upRate/downRate)
//	rampDown = cycle - rampUp
//
// and derives the half-period 1/(2*rate) of each segment.
// Rates must be strictly positive and the cycle duration positive; a zero
// down rate fails with ErrInvalidParameter instead of producing Inf/NaN.
func ComputeSegments(upRate, downRate, cycleSeconds float64) (Segments, error) {
	if !mathx.Finite(upRate) || upRate <= 0 {
		return Segments{}, fmt.Errorf("%w: ramp-up rate must be > 0, got %g", ErrInvalidParameter, upRate)
	}
	if !mathx.Finite(downRate) || downRate <= 0 {
		return Segments{}, fmt.Errorf("%w: ramp-down rate must be > 0, got %g", ErrInvalidParameter, downRate)
	}
	if !mathx.Finite(cycleSeconds) || cycleSeconds <= 0 {
		return Segments{}, fmt.Errorf("%w: cycle duration must be > 0, got %g", ErrInvalidParameter, cycleSeconds)
	}

	cycle := time.Duration(cycleSeconds * float64(time.Second))
	up := time.Duration(float64(cycle) / (1 + upRate/downRate))
	// Integer subtraction keeps up+down == cycle exactly.
	down := cycle - up

	return Segments{
		RampUp:         up,
		RampDown:       down,
		UpHalfPeriod:   halfPeriod(upRate),
		DownHalfPeriod: halfPeriod(downRate),
	}, nil
}

func halfPeriod(rate float64) time.Duration {
	return time.Duration(float64(time.Second) / (2 * rate))
}
