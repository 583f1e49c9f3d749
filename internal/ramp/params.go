package ramp

import (
	"fmt"
	"sync/atomic"

	"github.com/cjeanneret/RampGo/internal/mathx"
)

// Valid domains for the ramp settings.
const (
	MinRate         = 1.0   // pulses/s
	MaxRate         = 255.0 // pulses/s
	MinCycleSeconds = 0.1
	MaxCycleSeconds = 10.0
)

// Defaults used when nothing is configured.
const (
	DefaultRampUpRate   = 50.0
	DefaultRampDownRate = 50.0
	DefaultCycleSeconds = 2.0
)

// Params is one consistent set of ramp settings.
type Params struct {
	RampUpRate   float64 `json:"ramp_up_rate"`   // pulses/s during ramp-up
	RampDownRate float64 `json:"ramp_down_rate"` // pulses/s during ramp-down
	CycleSeconds float64 `json:"cycle_seconds"`  // full cycle duration
}

// DefaultParams returns the out-of-the-box ramp settings.
func DefaultParams() Params {
	return Params{
		RampUpRate:   DefaultRampUpRate,
		RampDownRate: DefaultRampDownRate,
		CycleSeconds: DefaultCycleSeconds,
	}
}

// ValidateRate checks a ramp rate against [MinRate, MaxRate].
func ValidateRate(name string, v float64) error {
	if !mathx.Finite(v) || !mathx.Between(v, MinRate, MaxRate) {
		return fmt.Errorf("%w: %s must be between %g and %g, got %g", ErrInvalidParameter, name, MinRate, MaxRate, v)
	}
	return nil
}

// ValidateCycle checks a cycle duration against [MinCycleSeconds, MaxCycleSeconds].
func ValidateCycle(v float64) error {
	if !mathx.Finite(v) || !mathx.Between(v, MinCycleSeconds, MaxCycleSeconds) {
		return fmt.Errorf("%w: cycle_seconds must be between %g and %g, got %g", ErrInvalidParameter, MinCycleSeconds, MaxCycleSeconds, v)
	}
	return nil
}

// Validate checks all three settings.
func (p Params) Validate() error {
	if err := ValidateRate("ramp_up_rate", p.RampUpRate); err != nil {
		return err
	}
	if err := ValidateRate("ramp_down_rate", p.RampDownRate); err != nil {
		return err
	}
	return ValidateCycle(p.CycleSeconds)
}

// Segments computes the cycle timing for p.
func (p Params) Segments() (Segments, error) {
	return ComputeSegments(p.RampUpRate, p.RampDownRate, p.CycleSeconds)
}

// Shared holds the ramp settings observed by every channel. Writers go
// through the validating setters, so a reader never sees an out-of-range
// value. Each Snapshot is a consistent triple.
type Shared struct {
	p atomic.Pointer[Params]
}

// NewShared creates a store initialized with p.
func NewShared(p Params) (*Shared, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s := &Shared{}
	s.p.Store(&p)
	return s, nil
}

// Snapshot returns the current settings.
func (s *Shared) Snapshot() Params {
	return *s.p.Load()
}

// Set replaces all three settings. Nothing is applied if any is invalid.
func (s *Shared) Set(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.p.Store(&p)
	return nil
}

// RampUpRate returns the current ramp-up rate.
func (s *Shared) RampUpRate() float64 { return s.Snapshot().RampUpRate }

// RampDownRate returns the current ramp-down rate.
func (s *Shared) RampDownRate() float64 { return s.Snapshot().RampDownRate }

// CycleSeconds returns the current cycle duration in seconds.
func (s *Shared) CycleSeconds() float64 { return s.Snapshot().CycleSeconds }

// SetRampUpRate updates the ramp-up rate.
func (s *Shared) SetRampUpRate(v float64) error {
	if err := ValidateRate("ramp_up_rate", v); err != nil {
		return err
	}
	s.update(func(p *Params) { p.RampUpRate = v })
	return nil
}

// SetRampDownRate updates the ramp-down rate.
func (s *Shared) SetRampDownRate(v float64) error {
	if err := ValidateRate("ramp_down_rate", v); err != nil {
		return err
	}
	s.update(func(p *Params) { p.RampDownRate = v })
	return nil
}

// SetCycleSeconds updates the cycle duration.
func (s *Shared) SetCycleSeconds(v float64) error {
	if err := ValidateCycle(v); err != nil {
		return err
	}
	s.update(func(p *Params) { p.CycleSeconds = v })
	return nil
}

// Apply edits a copy of the current settings with fn and swaps it in if the
// result is valid. It returns the settings now in effect.
func (s *Shared) Apply(fn func(*Params)) (Params, error) {
	for {
		old := s.p.Load()
		next := *old
		fn(&next)
		if err := next.Validate(); err != nil {
			return *old, err
		}
		if s.p.CompareAndSwap(old, &next) {
			return next, nil
		}
	}
}

// update applies fn to a copy and swaps it in, retrying if another writer
// got there first.
func (s *Shared) update(fn func(*Params)) {
	for {
		old := s.p.Load()
		next := *old
		fn(&next)
		if s.p.CompareAndSwap(old, &next) {
			return
		}
	}
}
