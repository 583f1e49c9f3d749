package motion

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/RampGo/internal/hw/gpio"
	"github.com/cjeanneret/RampGo/internal/ramp"
)

// recordingDriver records GPIO writes and remembers pin levels. It is safe
// for concurrent use, since pulse goroutines write from their own goroutine.
type recordingDriver struct {
	mu        sync.Mutex
	levels    map[int]gpio.Level
	writes    []gpioWrite
	failSetup map[int]bool
	failWrite map[int]bool
	closes    int
}

type gpioWrite struct {
	pin   int
	level gpio.Level
	at    time.Time
}

func newRecordingDriver() *recordingDriver {
	return &recordingDriver{
		levels:    make(map[int]gpio.Level),
		failSetup: make(map[int]bool),
		failWrite: make(map[int]bool),
	}
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failSetup[pin] {
		return errors.New("line busy")
	}
	return nil
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWrite[pin] {
		return errors.New("write failed")
	}
	d.levels[pin] = level
	d.writes = append(d.writes, gpioWrite{pin: pin, level: level, at: time.Now()})
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.levels[pin], nil
}

func (d *recordingDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func (d *recordingDriver) level(pin int) gpio.Level {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.levels[pin]
}

func (d *recordingDriver) setWriteFailure(pin int, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWrite[pin] = fail
}

func (d *recordingDriver) writesTo(pin int) []gpioWrite {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []gpioWrite
	for _, w := range d.writes {
		if w.pin == pin {
			out = append(out, w)
		}
	}
	return out
}

func (d *recordingDriver) writeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.writes)
}

func (d *recordingDriver) writesSince(n int) []gpioWrite {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]gpioWrite(nil), d.writes[n:]...)
}

var testLines = Lines{Step: 27, Dir: 21, Enable: 4}

func newTestShared(t *testing.T, up, down, cycle float64) *ramp.Shared {
	t.Helper()
	s, err := ramp.NewShared(ramp.Params{RampUpRate: up, RampDownRate: down, CycleSeconds: cycle})
	if err != nil {
		t.Fatalf("NewShared: %v", err)
	}
	return s
}

func newTestChannel(t *testing.T, params *ramp.Shared) (*Channel, *recordingDriver) {
	t.Helper()
	drv := newRecordingDriver()
	c := newChannel(0, ChannelSpec{Name: "pump1", Lines: testLines}, drv, params, nil)
	if !c.Available() {
		t.Fatalf("channel unavailable: %v", c.LastError())
	}
	t.Cleanup(func() { _ = c.Stop() })
	return c, drv
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestNewChannel_SafeInitialLevels(t *testing.T) {
	c, drv := newTestChannel(t, newTestShared(t, 50, 50, 2))

	if drv.level(testLines.Enable) != enableInactive {
		t.Error("ENABLE should start inactive (HIGH)")
	}
	if drv.level(testLines.Step) != gpio.Low {
		t.Error("STEP should start LOW")
	}
	if drv.level(testLines.Dir) != gpio.High {
		t.Error("DIR should start forward (HIGH)")
	}
	if c.Running() {
		t.Error("new channel should be Idle")
	}
	if c.Direction() != Forward {
		t.Errorf("direction = %v, want forward", c.Direction())
	}
}

func TestNewChannel_DefaultName(t *testing.T) {
	c := newChannel(2, ChannelSpec{Lines: testLines}, newRecordingDriver(), newTestShared(t, 50, 50, 2), nil)
	if c.Name() != "channel3" {
		t.Errorf("Name() = %q, want \"channel3\"", c.Name())
	}
}

func TestChannel_StartPulsesAndStopDisables(t *testing.T) {
	c, drv := newTestChannel(t, newTestShared(t, 250, 250, 0.1))

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !c.Running() {
		t.Fatal("channel should be Running after Start")
	}
	if drv.level(testLines.Enable) != enableActive {
		t.Error("ENABLE should be active (LOW) while running")
	}

	waitFor(t, time.Second, func() bool { return len(drv.writesTo(testLines.Step)) >= 20 })

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.Running() {
		t.Error("channel should be Idle after Stop")
	}
	if drv.level(testLines.Enable) != enableInactive {
		t.Error("ENABLE should be inactive (HIGH) after Stop")
	}
	if drv.level(testLines.Step) != gpio.Low {
		t.Error("STEP should be left LOW after Stop")
	}

	n := len(drv.writesTo(testLines.Step))
	time.Sleep(30 * time.Millisecond)
	if m := len(drv.writesTo(testLines.Step)); m != n {
		t.Errorf("STEP changed %d times after Stop returned", m-n)
	}
	if st := c.Status(); st.Running || st.Enabled {
		t.Errorf("status after Stop = %+v, want Idle and disabled", st)
	}
}

func TestChannel_StartTwiceKeepsOnePulseGoroutine(t *testing.T) {
	c, drv := newTestChannel(t, newTestShared(t, 255, 255, 0.1))

	if err := c.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	c.mu.Lock()
	first := c.done
	c.mu.Unlock()

	if err := c.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	c.mu.Lock()
	second := c.done
	c.mu.Unlock()

	if first != second {
		t.Fatal("second Start spawned a new pulse goroutine")
	}

	waitFor(t, time.Second, func() bool { return len(drv.writesTo(testLines.Step)) >= 40 })
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// A single generator strictly alternates HIGH/LOW on STEP.
	steps := drv.writesTo(testLines.Step)
	for i := 1; i < len(steps); i++ {
		if steps[i].level == steps[i-1].level {
			t.Fatalf("STEP edge %d repeats level %v: two pulse trains on one line", i, steps[i].level)
		}
	}
}

func TestChannel_StopLatencyWithinHalfPeriod(t *testing.T) {
	// 10 pulses/s: 50ms half-period.
	c, drv := newTestChannel(t, newTestShared(t, 10, 10, 2))
	half := 50 * time.Millisecond
	slack := 40 * time.Millisecond

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(120 * time.Millisecond)

	begin := time.Now()
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if took := time.Since(begin); took > half+slack {
		t.Errorf("Stop took %v, want <= %v", took, half+slack)
	}
	for _, w := range drv.writesTo(testLines.Step) {
		if w.at.After(begin.Add(half + slack)) {
			t.Errorf("STEP edge %v after stop was requested", w.at.Sub(begin))
		}
	}
}

func TestChannel_StopIdleIsNoop(t *testing.T) {
	c, drv := newTestChannel(t, newTestShared(t, 50, 50, 2))
	n := drv.writeCount()
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if drv.writeCount() != n {
		t.Error("stopping an Idle channel should not touch the lines")
	}
}

func TestChannel_PulseLoopOnlyTouchesStep(t *testing.T) {
	c, drv := newTestChannel(t, newTestShared(t, 255, 200, 0.1))

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mark := drv.writeCount()
	time.Sleep(60 * time.Millisecond)
	running := drv.writesSince(mark)
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if len(running) == 0 {
		t.Fatal("no pulses while running")
	}
	for _, w := range running {
		if w.pin != testLines.Step {
			t.Fatalf("pulse loop wrote pin %d", w.pin)
		}
	}
}

func TestChannel_ToggleDirection(t *testing.T) {
	c, drv := newTestChannel(t, newTestShared(t, 100, 100, 1))

	// Idle: the flag and the line follow at once.
	if err := c.ToggleDirection(); err != nil {
		t.Fatalf("ToggleDirection: %v", err)
	}
	if c.Direction() != Reverse || drv.level(testLines.Dir) != gpio.Low {
		t.Errorf("after toggle while idle: dir=%v line=%v", c.Direction(), drv.level(testLines.Dir))
	}

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if drv.level(testLines.Dir) != gpio.Low {
		t.Error("Start should write the current direction (reverse) to DIR")
	}

	time.Sleep(15 * time.Millisecond)
	if err := c.ToggleDirection(); err != nil {
		t.Fatalf("ToggleDirection while running: %v", err)
	}
	if drv.level(testLines.Dir) != gpio.High {
		t.Error("DIR read-back should be forward (HIGH) right after toggle")
	}
	if !c.Running() {
		t.Error("toggling direction must not stop the channel")
	}
	if st := c.Status(); st.Direction != "forward" {
		t.Errorf("status direction = %q, want forward", st.Direction)
	}
}

func TestChannel_ToggleDirectionWriteFailureKeepsFlag(t *testing.T) {
	c, drv := newTestChannel(t, newTestShared(t, 100, 100, 1))
	drv.setWriteFailure(testLines.Dir, true)

	if err := c.ToggleDirection(); err == nil {
		t.Fatal("expected error, got nil")
	}
	if c.Direction() != Forward {
		t.Error("direction flag must not change when DIR write fails")
	}
}

func TestChannel_WriteFailureStopsChannel(t *testing.T) {
	c, drv := newTestChannel(t, newTestShared(t, 255, 255, 0.1))

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	drv.setWriteFailure(testLines.Step, true)

	waitFor(t, time.Second, func() bool { return c.LastError() != nil })

	if c.Running() {
		t.Fatal("a failed write must leave the channel Idle")
	}
	waitFor(t, time.Second, func() bool { return drv.level(testLines.Enable) == enableInactive })
	if st := c.Status(); st.Running || st.LastError == "" {
		t.Errorf("status = %+v, want Idle with error", st)
	}

	// Fault cleared: the stale pulse goroutine is reaped and a new one starts.
	drv.setWriteFailure(testLines.Step, false)
	if err := c.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !c.Running() {
		t.Error("channel should run again after restart")
	}
	if c.LastError() != nil {
		t.Errorf("LastError should be cleared on restart, got %v", c.LastError())
	}
}

func TestChannel_StartEnableWriteFailure(t *testing.T) {
	c, drv := newTestChannel(t, newTestShared(t, 100, 100, 1))
	drv.setWriteFailure(testLines.Enable, true)

	if err := c.Start(); err == nil {
		t.Fatal("expected error, got nil")
	}
	if c.Running() {
		t.Error("channel must stay Idle when ENABLE cannot be written")
	}
}

func TestChannel_LiveParameterChangeAtCycleBoundary(t *testing.T) {
	params := newTestShared(t, 20, 20, 0.1)
	c, drv := newTestChannel(t, params)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := params.Set(ramp.Params{RampUpRate: 250, RampDownRate: 250, CycleSeconds: 0.1}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.gen.Cycles() >= 3 })
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Later cycles run at 250 pulses/s: far more than the 20 pulses/s start.
	if n := len(drv.writesTo(testLines.Step)); n < 30 {
		t.Errorf("only %d STEP edges, new rate was not picked up", n)
	}
}

func TestChannel_Observer(t *testing.T) {
	var mu sync.Mutex
	var seen []Status
	observe := func(s Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}

	c := newChannel(0, ChannelSpec{Name: "pump1", Lines: testLines}, newRecordingDriver(), newTestShared(t, 100, 100, 1), observe)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.ToggleDirection(); err != nil {
		t.Fatalf("ToggleDirection: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("observer called %d times, want 3", len(seen))
	}
	if !seen[0].Running || seen[1].Direction != "reverse" || seen[2].Running {
		t.Errorf("unexpected status sequence: %+v", seen)
	}
}
