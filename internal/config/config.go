package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/RampGo/internal/hw/gpio"
	"github.com/cjeanneret/RampGo/internal/logic/motion"
	"github.com/cjeanneret/RampGo/internal/mathx"
	"github.com/cjeanneret/RampGo/internal/ramp"
)

// MaxConfigFileBytes caps the size of a config file.
const MaxConfigFileBytes = 1 << 20

// BCM GPIO numbers usable on the 40-pin header.
const (
	minPin = 1
	maxPin = 27
)

// ChannelConfig holds the lines of one stepper channel (BCM numbers).
type ChannelConfig struct {
	Name      string `yaml:"name"`
	StepPin   int    `yaml:"step_pin"`
	DirPin    int    `yaml:"dir_pin"`
	EnablePin int    `yaml:"enable_pin"` // A4988 ENABLE pin (BCM). Active LOW.
}

// RampConfig holds the initial ramp settings shared by all channels.
type RampConfig struct {
	RampUpRate   float64 `yaml:"ramp_up_rate"`   // pulses/s (1-255)
	RampDownRate float64 `yaml:"ramp_down_rate"` // pulses/s (1-255)
	CycleSeconds float64 `yaml:"cycle_seconds"`  // full cycle (0.1-10 s)
}

// GPIOConfig selects the GPIO backend.
type GPIOConfig struct {
	Backend string `yaml:"backend"` // "mock" (dev/test), "rpio" (memory-mapped) or "cdev" (/dev/gpiochipN)
	Chip    string `yaml:"chip"`    // cdev chip name, e.g. "gpiochip0"
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	Realtime   bool `yaml:"realtime"`    // lock memory and raise scheduling priority (Linux)
}

// Config aggregates all application configuration.
type Config struct {
	Channels []ChannelConfig `yaml:"channels"`
	Ramp     RampConfig      `yaml:"ramp"`
	GPIO     GPIOConfig      `yaml:"gpio"`
	Defaults DefaultsConfig  `yaml:"defaults"`
}

// DefaultChannels is the pin map of the six-pump perfusion board.
func DefaultChannels() []ChannelConfig {
	return []ChannelConfig{
		{Name: "pump1", StepPin: 27, DirPin: 21, EnablePin: 4},
		{Name: "pump2", StepPin: 26, DirPin: 23, EnablePin: 13},
		{Name: "pump3", StepPin: 12, DirPin: 20, EnablePin: 22},
		{Name: "pump4", StepPin: 24, DirPin: 25, EnablePin: 19},
		{Name: "pump5", StepPin: 16, DirPin: 6, EnablePin: 5},
		{Name: "pump6", StepPin: 17, DirPin: 18, EnablePin: 10},
	}
}

// ValidateConfigPath rejects paths that are not a .yaml file directly
// inside a configs/ directory, or that contain "..".
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain \"..\"", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must end in .yaml", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file is %d bytes, max %d", info.Size(), MaxConfigFileBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.Channels) == 0 {
		c.Channels = DefaultChannels()
	}
	for i := range c.Channels {
		if c.Channels[i].Name == "" {
			c.Channels[i].Name = fmt.Sprintf("pump%d", i+1)
		}
	}

	// Zero means "not set"; negative values are left for Validate to reject.
	if c.Ramp.RampUpRate == 0 {
		c.Ramp.RampUpRate = ramp.DefaultRampUpRate
	}
	if c.Ramp.RampDownRate == 0 {
		c.Ramp.RampDownRate = ramp.DefaultRampDownRate
	}
	if c.Ramp.CycleSeconds == 0 {
		c.Ramp.CycleSeconds = ramp.DefaultCycleSeconds
	}

	if c.GPIO.Backend == "" {
		c.GPIO.Backend = gpio.BackendMock
	}
	if c.GPIO.Backend == gpio.BackendCdev && c.GPIO.Chip == "" {
		c.GPIO.Chip = "gpiochip0"
	}
}

// Validate checks pin assignments, ramp ranges and the GPIO backend.
func (c *Config) Validate() error {
	if len(c.Channels) == 0 {
		return errors.New("at least one channel is required")
	}

	used := make(map[int]string)
	for i, ch := range c.Channels {
		pins := []struct {
			name string
			pin  int
		}{
			{"step_pin", ch.StepPin},
			{"dir_pin", ch.DirPin},
			{"enable_pin", ch.EnablePin},
		}
		for _, p := range pins {
			if !mathx.Between(p.pin, minPin, maxPin) {
				return fmt.Errorf("channels[%d].%s must be between %d and %d, got %d", i, p.name, minPin, maxPin, p.pin)
			}
			where := fmt.Sprintf("channels[%d].%s", i, p.name)
			if prev, ok := used[p.pin]; ok {
				return fmt.Errorf("pin %d used by both %s and %s", p.pin, prev, where)
			}
			used[p.pin] = where
		}
	}

	if err := c.RampParams().Validate(); err != nil {
		return fmt.Errorf("ramp: %w", err)
	}

	switch c.GPIO.Backend {
	case gpio.BackendMock, gpio.BackendRPio, gpio.BackendCdev:
	default:
		return fmt.Errorf("gpio.backend must be one of mock, rpio, cdev, got %q", c.GPIO.Backend)
	}

	if !mathx.Between(c.Defaults.DebugLevel, 0, 4) {
		return fmt.Errorf("debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// RampParams returns the configured ramp settings.
func (c *Config) RampParams() ramp.Params {
	return ramp.Params{
		RampUpRate:   c.Ramp.RampUpRate,
		RampDownRate: c.Ramp.RampDownRate,
		CycleSeconds: c.Ramp.CycleSeconds,
	}
}

// ChannelSpecs converts the channel list for motion.NewRegistry.
func (c *Config) ChannelSpecs() []motion.ChannelSpec {
	specs := make([]motion.ChannelSpec, len(c.Channels))
	for i, ch := range c.Channels {
		specs[i] = motion.ChannelSpec{
			Name: ch.Name,
			Lines: motion.Lines{
				Step:   ch.StepPin,
				Dir:    ch.DirPin,
				Enable: ch.EnablePin,
			},
		}
	}
	return specs
}
