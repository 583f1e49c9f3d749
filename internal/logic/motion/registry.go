package motion

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cjeanneret/RampGo/internal/debug"
	"github.com/cjeanneret/RampGo/internal/hw/gpio"
	"github.com/cjeanneret/RampGo/internal/ramp"
)

// Registry owns the fixed set of channels and the GPIO port they share.
// It is the control surface used by the web layer and the CLI.
type Registry struct {
	gpio     gpio.Driver
	params   *ramp.Shared
	channels []*Channel

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewRegistry creates one channel per spec, all observing params.
// Channels whose lines cannot be claimed are kept but marked unavailable;
// the other channels remain usable. An error is returned only when no
// channel at all could be initialized. observe, if non-nil, is called after
// every channel state change.
func NewRegistry(g gpio.Driver, specs []ChannelSpec, params *ramp.Shared, observe func(Status)) (*Registry, error) {
	if len(specs) == 0 {
		return nil, errors.New("no channels configured")
	}

	r := &Registry{
		gpio:     g,
		params:   params,
		channels: make([]*Channel, len(specs)),
	}
	usable := 0
	for i, spec := range specs {
		c := newChannel(i, spec, g, params, observe)
		r.channels[i] = c
		if c.Available() {
			usable++
			debug.Verbose("Channel %d (%s): step=%d dir=%d enable=%d", i, c.Name(), spec.Lines.Step, spec.Lines.Dir, spec.Lines.Enable)
		}
	}
	if usable == 0 {
		return nil, fmt.Errorf("%w: none of the %d channels could be initialized", ErrResourceUnavailable, len(specs))
	}
	return r, nil
}

// Len returns the number of channels.
func (r *Registry) Len() int { return len(r.channels) }

// Params returns the shared ramp settings.
func (r *Registry) Params() *ramp.Shared { return r.params }

// Channel returns channel i.
func (r *Registry) Channel(i int) (*Channel, error) {
	if r.closed.Load() {
		return nil, ErrShutdown
	}
	if i < 0 || i >= len(r.channels) {
		return nil, fmt.Errorf("%w: %d (have %d)", ErrUnknownChannel, i, len(r.channels))
	}
	return r.channels[i], nil
}

// Start starts channel i.
func (r *Registry) Start(i int) error {
	c, err := r.Channel(i)
	if err != nil {
		return err
	}
	return c.Start()
}

// Stop stops channel i and waits for its pulse goroutine to exit.
func (r *Registry) Stop(i int) error {
	c, err := r.Channel(i)
	if err != nil {
		return err
	}
	return c.Stop()
}

// ToggleDirection flips the direction of channel i.
func (r *Registry) ToggleDirection(i int) error {
	c, err := r.Channel(i)
	if err != nil {
		return err
	}
	return c.ToggleDirection()
}

// StopAll stops every channel concurrently and returns once all of them
// are Idle. Idle channels are left alone.
func (r *Registry) StopAll() error {
	errs := make([]error, len(r.channels))
	var wg sync.WaitGroup
	for i, c := range r.channels {
		wg.Add(1)
		go func(i int, c *Channel) {
			defer wg.Done()
			errs[i] = c.Stop()
		}(i, c)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Statuses returns a snapshot of every channel.
func (r *Registry) Statuses() []Status {
	out := make([]Status, len(r.channels))
	for i, c := range r.channels {
		out[i] = c.Status()
	}
	return out
}

// Shutdown stops every channel, then closes the GPIO driver. Later calls
// return the first result; channel operations fail with ErrShutdown, including
// calls on a *Channel obtained before Shutdown.
func (r *Registry) Shutdown() error {
	r.closeOnce.Do(func() {
		debug.Info("Shutting down %d channels", len(r.channels))
		r.closed.Store(true)
		errs := make([]error, len(r.channels))
		var wg sync.WaitGroup
		for i, c := range r.channels {
			wg.Add(1)
			go func(i int, c *Channel) {
				defer wg.Done()
				errs[i] = c.shutdown()
			}(i, c)
		}
		wg.Wait()
		stopErr := errors.Join(errs...)
		var closeErr error
		if err := r.gpio.Close(); err != nil {
			closeErr = fmt.Errorf("close gpio: %w", err)
		}
		r.closeErr = errors.Join(stopErr, closeErr)
	})
	return r.closeErr
}
