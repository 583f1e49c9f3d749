package stepper

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/RampGo/internal/debug"
	"github.com/cjeanneret/RampGo/internal/hw/gpio"
	"github.com/cjeanneret/RampGo/internal/ramp"
)

// fakeClock advances only when the generator sleeps.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) sleep(d time.Duration) { c.t = c.t.Add(d) }

func (c *fakeClock) elapsed(since time.Time) time.Duration { return c.t.Sub(since) }

// recordingDriver records GPIO writes with the fake time they happened at.
type recordingDriver struct {
	clock    *fakeClock
	writes   []gpioWrite
	failPin  int
	failFrom int // fail from the Nth write to failPin (1-based), 0 = never
	pinHits  int
}

type gpioWrite struct {
	pin   int
	level gpio.Level
	at    time.Time
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error { return nil }

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	if d.failFrom > 0 && pin == d.failPin {
		d.pinHits++
		if d.pinHits >= d.failFrom {
			return errors.New("line write failed")
		}
	}
	d.writes = append(d.writes, gpioWrite{pin: pin, level: level, at: d.clock.now()})
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) { return gpio.Low, nil }

func (d *recordingDriver) Close() error { return nil }

func newTestGenerator(stepPin int) (*Generator, *recordingDriver, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	drv := &recordingDriver{clock: clock}
	g := NewGenerator(drv, stepPin)
	g.now = clock.now
	g.sleep = clock.sleep
	return g, drv, clock
}

func always() bool { return true }

// liveFor returns a LiveFunc that reports true for the first n polls.
func liveFor(n int) LiveFunc {
	polls := 0
	return func() bool {
		polls++
		return polls <= n
	}
}

func TestEmitSegment_PulseCountAndTiming(t *testing.T) {
	g, drv, clock := newTestGenerator(17)
	start := clock.now()

	n, err := g.EmitSegment(time.Millisecond, 20*time.Millisecond, always)
	if err != nil {
		t.Fatalf("EmitSegment: %v", err)
	}
	if n != 10 {
		t.Errorf("pulses = %d, want 10", n)
	}
	if got := clock.elapsed(start); got != 20*time.Millisecond {
		t.Errorf("elapsed = %v, want 20ms", got)
	}
	if len(drv.writes) != 20 {
		t.Fatalf("writes = %d, want 20", len(drv.writes))
	}
	for i := 1; i < len(drv.writes); i++ {
		if gap := drv.writes[i].at.Sub(drv.writes[i-1].at); gap != time.Millisecond {
			t.Errorf("edge %d: gap = %v, want 1ms", i, gap)
		}
	}
}

func TestEmitSegment_EdgesAlternateHighLow(t *testing.T) {
	g, drv, _ := newTestGenerator(17)

	if _, err := g.EmitSegment(2*time.Millisecond, 30*time.Millisecond, always); err != nil {
		t.Fatalf("EmitSegment: %v", err)
	}
	for i, w := range drv.writes {
		want := gpio.High
		if i%2 == 1 {
			want = gpio.Low
		}
		if w.level != want {
			t.Fatalf("edge %d = %v, want %v", i, w.level, want)
		}
	}
	if last := drv.writes[len(drv.writes)-1]; last.level != gpio.Low {
		t.Error("segment must end with STEP LOW")
	}
}

func TestEmitSegment_OvershootAtMostOnePeriod(t *testing.T) {
	g, _, clock := newTestGenerator(17)
	start := clock.now()

	n, err := g.EmitSegment(time.Millisecond, 5*time.Millisecond, always)
	if err != nil {
		t.Fatalf("EmitSegment: %v", err)
	}
	// Pulses start at 0, 2 and 4ms; the last one is not truncated.
	if n != 3 {
		t.Errorf("pulses = %d, want 3", n)
	}
	elapsed := clock.elapsed(start)
	if elapsed < 5*time.Millisecond || elapsed > 5*time.Millisecond+2*time.Millisecond {
		t.Errorf("elapsed = %v, want within one period past 5ms", elapsed)
	}
}

func TestEmitSegment_ZeroDuration(t *testing.T) {
	g, drv, _ := newTestGenerator(17)
	n, err := g.EmitSegment(time.Millisecond, 0, always)
	if err != nil {
		t.Fatalf("EmitSegment: %v", err)
	}
	if n != 0 || len(drv.writes) != 0 {
		t.Errorf("zero duration produced %d pulses, %d writes", n, len(drv.writes))
	}
}

func TestEmitSegment_NotLive(t *testing.T) {
	g, drv, _ := newTestGenerator(17)
	n, err := g.EmitSegment(time.Millisecond, time.Second, func() bool { return false })
	if err != nil {
		t.Fatalf("EmitSegment: %v", err)
	}
	if n != 0 || len(drv.writes) != 0 {
		t.Errorf("dead segment produced %d pulses, %d writes", n, len(drv.writes))
	}
}

func TestEmitSegment_StopDuringHighHalfEndsLow(t *testing.T) {
	g, drv, clock := newTestGenerator(17)
	start := clock.now()

	// Polls: loop check (1), mid-pulse (2), loop check (3), mid-pulse (4) -> false.
	n, err := g.EmitSegment(5*time.Millisecond, time.Second, liveFor(3))
	if err != nil {
		t.Fatalf("EmitSegment: %v", err)
	}
	if n != 2 {
		t.Errorf("pulses = %d, want 2", n)
	}
	last := drv.writes[len(drv.writes)-1]
	if last.level != gpio.Low {
		t.Error("STEP must be LOW after a stop")
	}
	// Second pulse started at 10ms; its falling edge comes one half-period later.
	if got := last.at.Sub(start); got != 15*time.Millisecond {
		t.Errorf("final edge at %v, want 15ms", got)
	}
	if got := clock.elapsed(start); got != 15*time.Millisecond {
		t.Errorf("returned after %v, want 15ms (no trailing sleep)", got)
	}
}

func TestEmitSegment_OnlyStepLineWritten(t *testing.T) {
	g, drv, _ := newTestGenerator(17)
	if _, err := g.EmitSegment(time.Millisecond, 50*time.Millisecond, always); err != nil {
		t.Fatalf("EmitSegment: %v", err)
	}
	for _, w := range drv.writes {
		if w.pin != 17 {
			t.Fatalf("unexpected write to pin %d", w.pin)
		}
	}
}

func TestEmitSegment_WriteErrorPropagates(t *testing.T) {
	g, drv, _ := newTestGenerator(17)
	drv.failPin = 17
	drv.failFrom = 4

	n, err := g.EmitSegment(time.Millisecond, time.Second, always)
	if err == nil {
		t.Fatal("expected write error, got nil")
	}
	if n != 1 {
		t.Errorf("pulses before failure = %d, want 1", n)
	}
}

func TestRunCycle_SegmentsInOrder(t *testing.T) {
	g, drv, clock := newTestGenerator(17)
	start := clock.now()

	err := g.RunCycle(ramp.Params{RampUpRate: 100, RampDownRate: 50, CycleSeconds: 2.0}, always)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	// 666.67ms at a 10ms period, then 1333.33ms at a 20ms period.
	if got := g.Pulses(); got != 134 {
		t.Errorf("pulses = %d, want 134", got)
	}
	if g.Cycles() != 1 {
		t.Errorf("cycles = %d, want 1", g.Cycles())
	}

	upEnd := 67 * 2
	for i := 1; i < upEnd; i++ {
		if gap := drv.writes[i].at.Sub(drv.writes[i-1].at); gap != 5*time.Millisecond {
			t.Fatalf("ramp-up edge %d: gap = %v, want 5ms", i, gap)
		}
	}
	for i := upEnd + 1; i < len(drv.writes); i++ {
		if gap := drv.writes[i].at.Sub(drv.writes[i-1].at); gap != 10*time.Millisecond {
			t.Fatalf("ramp-down edge %d: gap = %v, want 10ms", i, gap)
		}
	}

	elapsed := clock.elapsed(start)
	if elapsed < 2*time.Second || elapsed > 2*time.Second+30*time.Millisecond {
		t.Errorf("cycle took %v, want 2s plus at most one period per segment", elapsed)
	}
}

func TestRunCycle_LogsTimingAtLiveLevel(t *testing.T) {
	var buf bytes.Buffer
	debug.Init(debug.LevelLive)
	debug.SetOutput(&buf)
	t.Cleanup(func() { debug.Init(debug.LevelOff) })

	g, _, _ := newTestGenerator(17)
	if err := g.RunCycle(ramp.Params{RampUpRate: 100, RampDownRate: 50, CycleSeconds: 2.0}, always); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "[LIVE] STEP pin 17: cycle up=") {
		t.Errorf("missing cycle timing line in %q", out)
	}
}

func TestRunCycle_InvalidParams(t *testing.T) {
	g, drv, _ := newTestGenerator(17)
	err := g.RunCycle(ramp.Params{RampUpRate: 100, RampDownRate: 0, CycleSeconds: 2.0}, always)
	if !errors.Is(err, ramp.ErrInvalidParameter) {
		t.Fatalf("err = %v, want ErrInvalidParameter", err)
	}
	if len(drv.writes) != 0 {
		t.Errorf("invalid params produced %d writes", len(drv.writes))
	}
}

func TestRun_PicksUpNewParamsAtCycleBoundary(t *testing.T) {
	g, drv, _ := newTestGenerator(17)

	calls := 0
	params := func() ramp.Params {
		calls++
		if calls == 1 {
			return ramp.Params{RampUpRate: 50, RampDownRate: 50, CycleSeconds: 0.2}
		}
		return ramp.Params{RampUpRate: 250, RampDownRate: 250, CycleSeconds: 0.2}
	}

	cyclesWanted := uint64(2)
	live := func() bool { return g.Cycles() < cyclesWanted || g.Pulses() < 10+50 }

	if err := g.Run(params, live); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls < 2 {
		t.Fatalf("params read %d times, want at least 2", calls)
	}
	// First cycle: 0.1s at 50pps + 0.1s at 50pps = 10 pulses, 10ms half-period.
	if gap := drv.writes[1].at.Sub(drv.writes[0].at); gap != 10*time.Millisecond {
		t.Errorf("first cycle half-period = %v, want 10ms", gap)
	}
	// Second cycle starts at pulse 11 with a 2ms half-period.
	i := 10 * 2
	if gap := drv.writes[i+1].at.Sub(drv.writes[i].at); gap != 2*time.Millisecond {
		t.Errorf("second cycle half-period = %v, want 2ms", gap)
	}
}

func TestRun_StopsWhenNotLive(t *testing.T) {
	g, _, _ := newTestGenerator(17)
	if err := g.Run(ramp.DefaultParams, func() bool { return false }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if g.Pulses() != 0 || g.Cycles() != 0 {
		t.Errorf("dead run produced %d pulses / %d cycles", g.Pulses(), g.Cycles())
	}
}
