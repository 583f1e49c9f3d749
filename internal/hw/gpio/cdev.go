package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/RampGo/internal/debug"
	"github.com/warthog618/go-gpiocdev"
)

const cdevConsumer = "rampgo"

// CdevDriver drives lines through the Linux GPIO character device
// (/dev/gpiochipN). Unlike go-rpio it claims each line from the kernel, so a
// line already held by another process fails SetupPin.
type CdevDriver struct {
	chip  string
	mu    sync.Mutex
	lines map[int]*gpiocdev.Line
}

// NewCdevDriver opens the named chip (e.g. "gpiochip0") to check it exists.
func NewCdevDriver(chip string) (*CdevDriver, error) {
	if chip == "" {
		chip = "gpiochip0"
	}
	debug.Info("Initializing GPIO character device driver (%s)", chip)

	c, err := gpiocdev.NewChip(chip, gpiocdev.WithConsumer(cdevConsumer))
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chip, err)
	}
	debug.Verbose("Chip %s has %d lines", c.Name, c.Lines())
	if err := c.Close(); err != nil {
		return nil, fmt.Errorf("close gpio chip %s: %w", chip, err)
	}

	return &CdevDriver{
		chip:  chip,
		lines: make(map[int]*gpiocdev.Line),
	}, nil
}

func (d *CdevDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	var (
		reqOpt gpiocdev.LineReqOption
		cfgOpt gpiocdev.LineConfigOption
	)
	switch mode {
	case Input:
		reqOpt, cfgOpt = gpiocdev.AsInput, gpiocdev.AsInput
	case Output:
		out := gpiocdev.AsOutput(0)
		reqOpt, cfgOpt = out, out
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.lines[pin]; ok {
		if err := l.Reconfigure(cfgOpt); err != nil {
			return fmt.Errorf("reconfigure line %d: %w", pin, err)
		}
		return nil
	}

	l, err := gpiocdev.RequestLine(d.chip, pin, reqOpt, gpiocdev.WithConsumer(cdevConsumer))
	if err != nil {
		return fmt.Errorf("request line %d on %s: %w", pin, d.chip, err)
	}
	d.lines[pin] = l
	return nil
}

// SetupOutputLevel requests pin as an output with level as its initial value.
func (d *CdevDriver) SetupOutputLevel(pin int, level Level) error {
	debug.GPIO("SetupOutput", pin, level)

	v := 0
	if level == High {
		v = 1
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.lines[pin]; ok {
		if err := l.Reconfigure(gpiocdev.AsOutput(v)); err != nil {
			return fmt.Errorf("reconfigure line %d: %w", pin, err)
		}
		return nil
	}

	l, err := gpiocdev.RequestLine(d.chip, pin, gpiocdev.AsOutput(v), gpiocdev.WithConsumer(cdevConsumer))
	if err != nil {
		return fmt.Errorf("request line %d on %s: %w", pin, d.chip, err)
	}
	d.lines[pin] = l
	return nil
}

func (d *CdevDriver) line(pin int) (*gpiocdev.Line, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.lines[pin]
	if !ok {
		return nil, fmt.Errorf("line %d not requested", pin)
	}
	return l, nil
}

func (d *CdevDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	l, err := d.line(pin)
	if err != nil {
		return err
	}
	v := 0
	if level == High {
		v = 1
	}
	return l.SetValue(v)
}

func (d *CdevDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)

	l, err := d.line(pin)
	if err != nil {
		return Low, err
	}
	v, err := l.Value()
	if err != nil {
		return Low, err
	}
	return v != 0, nil
}

// Close releases every requested line back to the kernel.
func (d *CdevDriver) Close() error {
	debug.Trace("GPIO Close (cdev driver)")

	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for pin, l := range d.lines {
		debug.Verbose("Releasing line %d", pin)
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.lines = make(map[int]*gpiocdev.Line)
	return firstErr
}
