package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cjeanneret/RampGo/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "HIGH"
	}
	return "LOW"
}

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Backend names accepted by NewDriver.
const (
	BackendMock = "mock"
	BackendRPio = "rpio"
	BackendCdev = "cdev"
)

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC.
// Implementations must be safe for concurrent use: every running
// channel writes its STEP line from its own goroutine.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// ErrClosed is returned by drivers used after Close.
var ErrClosed = errors.New("gpio driver closed")

// outputSetter is implemented by drivers that can configure an output and
// its initial level in one step.
type outputSetter interface {
	SetupOutputLevel(pin int, level Level) error
}

// SetupOutput configures pin as an output driven to level. Drivers that
// support it never expose the other level on the pin, so an active-low
// enable line is not pulsed active while being claimed.
func SetupOutput(d Driver, pin int, level Level) error {
	if o, ok := d.(outputSetter); ok {
		return o.SetupOutputLevel(pin, level)
	}
	if err := d.SetupPin(pin, Output); err != nil {
		return err
	}
	return d.WritePin(pin, level)
}

// NewDriver creates a GPIO driver for the chosen backend.
// chip is only used by the cdev backend (e.g. "gpiochip0").
func NewDriver(backend, chip string) (Driver, error) {
	switch backend {
	case BackendMock, "":
		debug.Info("Using MOCK GPIO driver (development mode)")
		return &MockDriver{}, nil
	case BackendRPio:
		return NewRPiRealDriver()
	case BackendCdev:
		return NewCdevDriver(chip)
	default:
		return nil, fmt.Errorf("unknown gpio backend %q", backend)
	}
}

// MockDriver is an in-memory implementation that remembers the last level
// written to each pin, so reads reflect writes. Used for development on PC
// or testing. The zero value is ready to use.
type MockDriver struct {
	mu     sync.Mutex
	levels map[int]Level
	modes  map[int]PinMode
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.modes == nil {
		m.modes = make(map[int]PinMode)
	}
	m.modes[pin] = mode
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.levels == nil {
		m.levels = make(map[int]Level)
	}
	m.levels[pin] = level
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin], nil
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
