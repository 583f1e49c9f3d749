package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/cjeanneret/RampGo/internal/config"
	"github.com/cjeanneret/RampGo/internal/debug"
	"github.com/cjeanneret/RampGo/internal/hw/gpio"
	"github.com/cjeanneret/RampGo/internal/hw/rt"
	"github.com/cjeanneret/RampGo/internal/logic/motion"
	"github.com/cjeanneret/RampGo/internal/ramp"
	"github.com/cjeanneret/RampGo/internal/web"
)

// rampOverrides holds ramp settings given on the command line.
// Zero means "use config value".
type rampOverrides struct {
	RampUpRate   float64
	RampDownRate float64
	CycleSeconds float64
}

type options struct {
	cfgPath   string
	webPort   int
	start     string
	overrides rampOverrides
}

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	rampUp := flag.Float64("ramp_up_rate", 0, "override ramp-up rate in pulses/s (1-255)")
	rampDown := flag.Float64("ramp_down_rate", 0, "override ramp-down rate in pulses/s (1-255)")
	cycle := flag.Float64("cycle_seconds", 0, "override cycle duration in seconds (0.1-10)")
	start := flag.String("start", "", "comma-separated channel indexes to start without the web UI, e.g. 0,3 (or \"all\")")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := options{
		cfgPath: *cfgPath,
		webPort: webPort.port(),
		start:   *start,
		overrides: rampOverrides{
			RampUpRate:   *rampUp,
			RampDownRate: *rampDown,
			CycleSeconds: *cycle,
		},
	}
	if err := run(ctx, opts); err != nil {
		log.Fatalf("rampgo: %v", err)
	}
}

func run(ctx context.Context, opts options) error {
	// Load configuration
	cfg, err := config.Load(opts.cfgPath)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}

	// Validate CLI overrides (only non-zero values are applied)
	if err := validateCLIOverrides(opts.overrides); err != nil {
		return fmt.Errorf("invalid CLI override: %w", err)
	}
	applyOverrides(cfg, opts.overrides)

	// Parse the channel list before touching any hardware
	startList, err := parseChannelList(opts.start, len(cfg.Channels))
	if err != nil {
		return fmt.Errorf("invalid -start: %w", err)
	}
	if opts.webPort == 0 && len(startList) == 0 {
		return errors.New("nothing to do: pass -web to serve the control panel or -start to run channels")
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", opts.cfgPath)
	debug.Value("Debug level", debug.Level())

	var broadcaster *web.StatusBroadcaster
	var observe func(motion.Status)
	if opts.webPort > 0 {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		observe = broadcaster.BroadcastStatus
	}

	if cfg.Defaults.Realtime {
		debug.Step(1, "Locking memory and raising priority")
		if err := rt.Lock(); err != nil {
			log.Printf("realtime mode unavailable, continuing without it: %v", err)
		} else {
			defer rt.Unlock()
		}
	}

	// Initialize GPIO driver
	debug.Step(2, "Initializing GPIO driver")
	debug.Value("GPIO backend", cfg.GPIO.Backend)
	gpioDriver, err := gpio.NewDriver(cfg.GPIO.Backend, cfg.GPIO.Chip)
	if err != nil {
		return fmt.Errorf("init GPIO failed: %w", err)
	}

	// Shared ramp settings
	params := cfg.RampParams()
	shared, err := ramp.NewShared(params)
	if err != nil {
		gpioDriver.Close()
		return err
	}
	debug.Summary("Ramp settings")
	debug.Ramp(params.RampUpRate, params.RampDownRate, params.CycleSeconds)
	if debug.IsEnabled(debug.LevelVerbose) {
		if seg, err := params.Segments(); err == nil {
			debug.PrintStruct("Cycle segments", seg)
		}
	}

	// Initialize channels
	debug.Step(3, "Initializing channels")
	registry, err := motion.NewRegistry(gpioDriver, cfg.ChannelSpecs(), shared, observe)
	if err != nil {
		gpioDriver.Close()
		return fmt.Errorf("init channels failed: %w", err)
	}
	defer func() {
		if err := registry.Shutdown(); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()
	for _, st := range registry.Statuses() {
		if !st.Available {
			log.Printf("channel %d (%s) unavailable: %s", st.Index, st.Name, st.LastError)
		}
	}
	debug.Info("%d channels ready", registry.Len())

	for _, i := range startList {
		if err := registry.Start(i); err != nil {
			log.Printf("start channel %d failed: %v", i, err)
		}
	}

	if opts.webPort > 0 {
		webAddr := fmt.Sprintf(":%d", opts.webPort)
		srv := web.NewServer(webAddr, broadcaster, registry, shared)
		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	}

	debug.Section("Running (Ctrl-C to stop)")
	<-ctx.Done()
	return nil
}

// validateCLIOverrides checks that non-zero CLI overrides are within valid ranges.
// Zero values are ignored (they mean "use config value").
func validateCLIOverrides(o rampOverrides) error {
	if o.RampUpRate != 0 {
		if err := ramp.ValidateRate("ramp_up_rate", o.RampUpRate); err != nil {
			return err
		}
	}
	if o.RampDownRate != 0 {
		if err := ramp.ValidateRate("ramp_down_rate", o.RampDownRate); err != nil {
			return err
		}
	}
	if o.CycleSeconds != 0 {
		if err := ramp.ValidateCycle(o.CycleSeconds); err != nil {
			return err
		}
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-zero override values are applied.
func applyOverrides(cfg *config.Config, o rampOverrides) {
	if o.RampUpRate > 0 {
		cfg.Ramp.RampUpRate = o.RampUpRate
	}
	if o.RampDownRate > 0 {
		cfg.Ramp.RampDownRate = o.RampDownRate
	}
	if o.CycleSeconds > 0 {
		cfg.Ramp.CycleSeconds = o.CycleSeconds
	}
}

// parseChannelList parses "0,3,5" or "all" into channel indexes below n.
// An empty string yields no channels.
func parseChannelList(s string, n int) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if s == "all" {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out, nil
	}

	seen := make(map[int]bool)
	var out []int
	for _, field := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, fmt.Errorf("channel %q is not a number", field)
		}
		if v < 0 || v >= n {
			return nil, fmt.Errorf("channel %d out of range 0-%d", v, n-1)
		}
		if seen[v] {
			return nil, fmt.Errorf("channel %d listed twice", v)
		}
		seen[v] = true
		out = append(out, v)
	}
	return out, nil
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
