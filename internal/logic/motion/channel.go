package motion

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cjeanneret/RampGo/internal/debug"
	"github.com/cjeanneret/RampGo/internal/hw/gpio"
	"github.com/cjeanneret/RampGo/internal/hw/stepper"
	"github.com/cjeanneret/RampGo/internal/ramp"
)

var (
	// ErrResourceUnavailable is returned for a channel whose lines could
	// not be claimed at startup.
	ErrResourceUnavailable = errors.New("channel lines unavailable")
	// ErrUnknownChannel is returned for an index outside the registry.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrShutdown is returned once the registry has released the GPIO port.
	ErrShutdown = errors.New("registry shut down")
)

// A4988 ENABLE: active LOW. LOW = driver on, HIGH = outputs off.
const (
	enableActive   = gpio.Low
	enableInactive = gpio.High
)

// Direction is the rotation direction written to the DIR line.
type Direction int32

const (
	Forward Direction = iota // DIR HIGH
	Reverse                  // DIR LOW
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Reverse {
		return Forward
	}
	return Reverse
}

func (d Direction) level() gpio.Level {
	return d == Forward
}

// Lines holds the BCM numbers of a channel's three driver lines.
type Lines struct {
	Step   int
	Dir    int
	Enable int
}

// ChannelSpec describes one channel to create.
type ChannelSpec struct {
	Name  string
	Lines Lines
}

// ParamSource supplies the ramp settings read at every cycle boundary.
type ParamSource interface {
	Snapshot() ramp.Params
}

// Status is a point-in-time view of a channel.
type Status struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Running   bool   `json:"running"`
	Enabled   bool   `json:"enabled"` // ENABLE line read back as active
	Direction string `json:"direction"`
	Pulses    uint64 `json:"pulses"`
	Cycles    uint64 `json:"cycles"`
	LastError string `json:"last_error,omitempty"`
}

// Channel is one stepper output (STEP/DIR/ENABLE). It is either Idle
// (ENABLE inactive, no pulse goroutine) or Running (ENABLE active, exactly
// one pulse goroutine).
//
// Start, Stop and ToggleDirection are serialized per channel. Stop waits
// for the pulse goroutine to exit and must not be called from it.
type Channel struct {
	index  int
	name   string
	lines  Lines
	gpio   gpio.Driver
	params ParamSource
	gen    *stepper.Generator

	observe func(Status)

	// claimErr is set when the lines could not be configured; the channel
	// then refuses Start and ToggleDirection.
	claimErr error

	mu     sync.Mutex    // serializes Start/Stop/ToggleDirection
	done   chan struct{} // closed when the pulse goroutine exits; nil when Idle
	closed bool          // set by shutdown; guarded by mu

	live atomic.Bool // liveness flag polled by the pulse goroutine
	dir  atomic.Int32

	errMu   sync.Mutex
	lastErr error
}

// newChannel configures the three lines as outputs and drives them to a safe
// state: STEP LOW, DIR forward, ENABLE inactive. A failure marks the channel
// unavailable; it is still returned so the registry keeps its index.
func newChannel(index int, spec ChannelSpec, g gpio.Driver, params ParamSource, observe func(Status)) *Channel {
	c := &Channel{
		index:   index,
		name:    spec.Name,
		lines:   spec.Lines,
		gpio:    g,
		params:  params,
		gen:     stepper.NewGenerator(g, spec.Lines.Step),
		observe: observe,
	}
	if c.name == "" {
		c.name = fmt.Sprintf("channel%d", index+1)
	}

	safe := []struct {
		pin   int
		level gpio.Level
	}{
		{spec.Lines.Enable, enableInactive},
		{spec.Lines.Step, gpio.Low},
		{spec.Lines.Dir, Forward.level()},
	}
	for _, l := range safe {
		if err := gpio.SetupOutput(g, l.pin, l.level); err != nil {
			c.claimErr = fmt.Errorf("channel %d: %w: pin %d: %v", index, ErrResourceUnavailable, l.pin, err)
			break
		}
	}
	if c.claimErr != nil {
		c.lastErr = c.claimErr
		debug.Error(c.claimErr)
	}
	return c
}

// Index returns the channel index (0-based).
func (c *Channel) Index() int { return c.index }

// Name returns the channel's configured name.
func (c *Channel) Name() string { return c.name }

// Available reports whether the channel's lines were claimed.
func (c *Channel) Available() bool { return c.claimErr == nil }

// Running reports whether the pulse goroutine is live.
func (c *Channel) Running() bool { return c.live.Load() }

// Direction returns the current direction flag.
func (c *Channel) Direction() Direction { return Direction(c.dir.Load()) }

// LastError returns the error that last stopped the channel, if any.
func (c *Channel) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

func (c *Channel) setLastError(err error) {
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
}

// Start moves an Idle channel to Running: ENABLE active, DIR written from
// the direction flag, then the pulse goroutine is spawned. Starting a
// Running channel is a no-op. A pulse goroutine left over from a failed
// run is waited for before a new one is spawned.
func (c *Channel) Start() error {
	if c.claimErr != nil {
		return c.claimErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrShutdown
	}
	if c.done != nil {
		if c.live.Load() {
			return nil
		}
		// Failed run still releasing its lines.
		<-c.done
		c.done = nil
	}

	if err := c.gpio.WritePin(c.lines.Enable, enableActive); err != nil {
		return fmt.Errorf("channel %d: enable: %w", c.index, err)
	}
	if err := c.gpio.WritePin(c.lines.Dir, c.Direction().level()); err != nil {
		_ = c.gpio.WritePin(c.lines.Enable, enableInactive)
		return fmt.Errorf("channel %d: direction: %w", c.index, err)
	}

	c.setLastError(nil)
	c.live.Store(true)
	done := make(chan struct{})
	c.done = done
	go c.run(done)

	debug.Channel(c.index, c.name, "started ("+c.Direction().String()+")")
	c.notify()
	return nil
}

// run is the pulse goroutine. A line write failure stops the channel:
// ENABLE is driven inactive and the error is kept for Status.
func (c *Channel) run(done chan struct{}) {
	defer close(done)

	err := c.gen.Run(c.params.Snapshot, c.live.Load)
	if err == nil {
		return
	}

	c.live.Store(false)
	err = fmt.Errorf("channel %d: pulse loop: %w", c.index, err)
	if werr := c.gpio.WritePin(c.lines.Enable, enableInactive); werr != nil {
		err = errors.Join(err, fmt.Errorf("disable: %w", werr))
	}
	c.setLastError(err)
	debug.Error(err)
	c.notify()
}

// Stop clears the liveness flag, drives ENABLE inactive and blocks until
// the pulse goroutine has exited. Stopping an Idle channel is a no-op.
func (c *Channel) Stop() error {
	if c.claimErr != nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

// shutdown stops the channel and makes every later Start or
// ToggleDirection fail with ErrShutdown. Both happen under mu, so a Start
// racing with shutdown either runs first and is stopped here, or is refused.
func (c *Channel) shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.claimErr != nil {
		return nil
	}
	return c.stopLocked()
}

func (c *Channel) stopLocked() error {
	if c.done == nil {
		return nil
	}

	c.live.Store(false)
	err := c.gpio.WritePin(c.lines.Enable, enableInactive)
	<-c.done
	c.done = nil

	debug.Channel(c.index, c.name, "stopped")
	c.notify()
	if err != nil {
		return fmt.Errorf("channel %d: disable: %w", c.index, err)
	}
	return nil
}

// ToggleDirection flips the direction flag and writes it to DIR at once,
// whether or not the channel is running.
func (c *Channel) ToggleDirection() error {
	if c.claimErr != nil {
		return c.claimErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrShutdown
	}
	next := c.Direction().Opposite()
	if err := c.gpio.WritePin(c.lines.Dir, next.level()); err != nil {
		return fmt.Errorf("channel %d: direction: %w", c.index, err)
	}
	c.dir.Store(int32(next))

	debug.Channel(c.index, c.name, "direction "+next.String())
	c.notify()
	return nil
}

// Status returns a snapshot of the channel.
func (c *Channel) Status() Status {
	s := Status{
		Index:     c.index,
		Name:      c.name,
		Available: c.claimErr == nil,
		Running:   c.live.Load(),
		Direction: c.Direction().String(),
		Pulses:    c.gen.Pulses(),
		Cycles:    c.gen.Cycles(),
	}
	if s.Available {
		if lvl, err := c.gpio.ReadPin(c.lines.Enable); err == nil {
			s.Enabled = lvl == enableActive
		}
	}
	if err := c.LastError(); err != nil {
		s.LastError = err.Error()
	}
	return s
}

func (c *Channel) notify() {
	if c.observe != nil {
		c.observe(c.Status())
	}
}
