package actuator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/itohio/gardenagent/pkg/board"
	"github.com/itohio/gardenagent/pkg/config"
	"github.com/itohio/gardenagent/pkg/metrics"
	"github.com/itohio/gardenagent/pkg/phase"
)

// State is the actuator state.
type State int

const (
	Idle State = iota
	PumpActive
	Alert
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case PumpActive:
		return "PUMP_ACTIVE"
	case Alert:
		return "ALERT"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Source identifies who started a pump activation.
type Source string

const (
	Remote Source = "remote"
	Auto   Source = "auto"
)

// Activation errors.
var (
	ErrInterlock = errors.New("actuators locked in current phase")
	ErrBusy      = errors.New("pump already active")
	ErrCoolDown  = errors.New("pump cooling down")
	ErrFault     = errors.New("pump readback mismatch")
)

// Options configures a Controller.
type Options struct {
	DefaultDuration time.Duration
	HardCeiling     time.Duration
	CoolDown        time.Duration // Minimum idle time between activations
	Threshold       int           // Auto-water below this moisture percentage
	Hysteresis      int           // Auto runs stop at Threshold+Hysteresis
	AutoWater       bool
	ReadbackGrace   time.Duration // Settle time before the pump readback is checked
	SelfTestTimeout time.Duration // Per-output readback wait during SelfTest
}

// OptionsFrom derives controller options from the irrigation config.
func OptionsFrom(c config.IrrigationConfig) Options {
	return Options{
		DefaultDuration: c.DefaultDuration,
		HardCeiling:     c.HardCeiling,
		CoolDown:        5 * c.DefaultDuration,
		Threshold:       c.MoistureThreshold,
		Hysteresis:      c.Hysteresis,
		AutoWater:       c.AutoWater,
	}
}

// Controller owns the pump relay, status LED and buzzer. Only the main loop
// calls it.
type Controller struct {
	out  board.Driver
	log  *slog.Logger
	m    *metrics.Metrics
	opts Options

	phase phase.Phase
	state State

	until   int64 // Pump deadline
	source  Source
	started int64
	lastEnd int64
	ran     bool

	want    [board.NumOutputs]bool
	written [board.NumOutputs]*bool
	changed int64 // When the pump level was last commanded
	faulted bool

	identifyUntil int64
	beep          beeps
	activations   int
}

// New creates a controller. All outputs are driven low on the first Tick.
func New(out board.Driver, opts Options, m *metrics.Metrics, log *slog.Logger) *Controller {
	if opts.HardCeiling <= 0 || opts.HardCeiling > config.MaxIrrigation {
		opts.HardCeiling = config.MaxIrrigation
	}
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = 5 * time.Second
	}
	if opts.ReadbackGrace == 0 {
		opts.ReadbackGrace = time.Second
	}
	if opts.SelfTestTimeout == 0 {
		opts.SelfTestTimeout = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{out: out, log: log, m: m, opts: opts}
}

// Irrigate starts the pump for d, bounded by the hard ceiling. A zero d
// uses the default duration. It returns the granted duration.
func (c *Controller) Irrigate(now int64, d time.Duration, src Source) (time.Duration, error) {
	if c.phase != phase.Run {
		return 0, fmt.Errorf("%w: %s", ErrInterlock, c.phase)
	}
	if c.state == PumpActive {
		return 0, ErrBusy
	}
	if wait := c.coolDownLeft(now); wait > 0 {
		return 0, fmt.Errorf("%w: %s left", ErrCoolDown, wait)
	}

	if d <= 0 {
		d = c.opts.DefaultDuration
	}
	if d > c.opts.HardCeiling {
		c.log.Warn("pump_truncated", "requested", d, "ceiling", c.opts.HardCeiling)
		d = c.opts.HardCeiling
	}

	if err := c.setPump(now, true); err != nil {
		c.setPump(now, false)
		return 0, err
	}
	c.state = PumpActive
	c.source = src
	c.started = now
	c.until = now + d.Milliseconds()
	c.activations++
	c.m.Activation(string(src))
	c.m.Pump(true)
	c.log.Info("pump_on", "source", string(src), "ms", d.Milliseconds())
	return d, nil
}

// Stop turns the pump off. It reports whether the pump was running.
func (c *Controller) Stop(now int64) bool {
	return c.stop(now, "stop")
}

func (c *Controller) stop(now int64, reason string) bool {
	if c.state != PumpActive {
		return false
	}
	if err := c.setPump(now, false); err != nil {
		// Retried by Tick until it sticks.
		c.log.Error("pump_off_failed", "err", err)
	}
	c.state = Idle
	c.lastEnd = now
	c.ran = true
	c.m.Pump(false)
	c.log.Info("pump_off", "reason", reason, "ran_ms", now-c.started)
	return true
}

func (c *Controller) coolDownLeft(now int64) time.Duration {
	if !c.ran {
		return 0
	}
	left := c.opts.CoolDown - time.Duration(now-c.lastEnd)*time.Millisecond
	return max(left, 0)
}

// Observe feeds the latest moisture percentage to the auto-water policy.
// It reports whether an auto run started.
func (c *Controller) Observe(now int64, moisture *int) bool {
	if moisture == nil || !c.opts.AutoWater {
		return false
	}
	m := *moisture

	if c.state == PumpActive {
		if c.source == Auto && m >= c.opts.Threshold+c.opts.Hysteresis {
			c.stop(now, "moisture_reached")
		}
		return false
	}

	if m >= c.opts.Threshold || c.phase != phase.Run || c.coolDownLeft(now) > 0 {
		return false
	}
	_, err := c.Irrigate(now, c.opts.DefaultDuration, Auto)
	if err != nil {
		c.log.Warn("auto_water", "moisture", m, "err", err)
		return false
	}
	return true
}

// SetPhase updates the phase shown on the LED. Entering a safe phase stops
// the pump immediately.
func (c *Controller) SetPhase(now int64, p phase.Phase) {
	if c.phase == p {
		return
	}
	c.phase = p
	if p.Safe() {
		c.stop(now, "phase_"+p.String())
		c.setPump(now, false)
		if p == phase.Panic {
			c.state = Alert
		}
	} else if c.state == Alert {
		c.state = Idle
	}
	c.refresh(now)
}

// Beep plays n short pulses on the buzzer.
func (c *Controller) Beep(now int64, n int) {
	c.beep = beeps{start: now, count: n, on: 150, off: 150}
	c.refresh(now)
}

// Chirp plays one 100 ms pulse.
func (c *Controller) Chirp(now int64) {
	c.beep = beeps{start: now, count: 1, on: 100, off: 0}
	c.refresh(now)
}

// Identify blinks the LED for d regardless of phase.
func (c *Controller) Identify(now int64, d time.Duration) {
	c.identifyUntil = now + d.Milliseconds()
	c.refresh(now)
}

// Tick enforces the pump deadline, checks the pump readback and drives the
// LED and buzzer. It returns ErrFault when the pump readback disagrees with
// the commanded level.
func (c *Controller) Tick(now int64) error {
	if c.state == PumpActive && now >= c.until {
		c.stop(now, "deadline")
	}
	c.refresh(now)
	return c.checkReadback(now)
}

func (c *Controller) refresh(now int64) {
	led := LEDLevel(c.phase, now)
	if now < c.identifyUntil {
		led = blink(now, identifyBlink)
	}
	c.want[board.StatusLED] = led

	buzz, done := c.beep.level(now)
	if done {
		c.beep = beeps{}
	}
	if c.phase == phase.Panic {
		buzz = SOS(now)
	}
	c.want[board.Buzzer] = buzz

	if c.phase.Safe() {
		c.want[board.Pump] = false
	}

	for o := board.Output(0); o < board.NumOutputs; o++ {
		if w := c.written[o]; w != nil && *w == c.want[o] {
			continue
		}
		if err := c.out.Set(o, c.want[o]); err != nil {
			c.log.Debug("output_set", "output", o.String(), "err", err)
			continue
		}
		level := c.want[o]
		c.written[o] = &level
	}
}

func (c *Controller) setPump(now int64, on bool) error {
	c.want[board.Pump] = on
	c.changed = now
	c.faulted = false
	if err := c.out.Set(board.Pump, on); err != nil {
		c.written[board.Pump] = nil
		return fmt.Errorf("failed to set pump: %w", err)
	}
	c.written[board.Pump] = &on
	return nil
}

func (c *Controller) checkReadback(now int64) error {
	if c.faulted || time.Duration(now-c.changed)*time.Millisecond < c.opts.ReadbackGrace {
		return nil
	}
	level, err := c.out.Level(board.Pump)
	if err != nil {
		return nil
	}
	if level == c.want[board.Pump] {
		return nil
	}

	c.log.Error("pump_fault", "commanded", c.want[board.Pump], "readback", level)
	c.stop(now, "fault")
	c.setPump(now, false)
	c.faulted = true
	return fmt.Errorf("%w: commanded %v, read %v", ErrFault, c.want[board.Pump], level)
}

// SelfTest pulses every output and verifies the readback. The outputs are
// left low.
func (c *Controller) SelfTest(ctx context.Context) error {
	var errs []error
	for o := board.Output(0); o < board.NumOutputs; o++ {
		for _, level := range []bool{true, false} {
			if err := c.out.Set(o, level); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", o, err))
				break
			}
			if err := c.awaitLevel(ctx, o, level); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", o, err))
				c.out.Set(o, false)
				break
			}
		}
		c.written[o] = nil
	}
	c.want = [board.NumOutputs]bool{}
	if err := errors.Join(errs...); err != nil {
		c.log.Error("self_test", "err", err)
		return err
	}
	c.log.Info("self_test", "result", "ok")
	return nil
}

func (c *Controller) awaitLevel(ctx context.Context, o board.Output, want bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.SelfTestTimeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		got, err := c.out.Level(o)
		if err == nil && got == want {
			return nil
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: commanded %v, read %v", ErrFault, want, got)
		case <-ticker.C:
		}
	}
}

// State returns the current actuator state.
func (c *Controller) State() State { return c.state }

// PumpOn reports whether the pump is commanded on.
func (c *Controller) PumpOn() bool { return c.want[board.Pump] }

// Until returns the pump deadline of the running activation.
func (c *Controller) Until() int64 { return c.until }

// Source returns who started the running or last activation.
func (c *Controller) Source() Source { return c.source }

// Activations returns the number of pump activations since boot.
func (c *Controller) Activations() int { return c.activations }
