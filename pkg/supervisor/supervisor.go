package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/itohio/gardenagent/pkg/actuator"
	"github.com/itohio/gardenagent/pkg/backend"
	"github.com/itohio/gardenagent/pkg/board"
	"github.com/itohio/gardenagent/pkg/buffer"
	"github.com/itohio/gardenagent/pkg/clock"
	"github.com/itohio/gardenagent/pkg/command"
	"github.com/itohio/gardenagent/pkg/config"
	"github.com/itohio/gardenagent/pkg/link"
	"github.com/itohio/gardenagent/pkg/metrics"
	"github.com/itohio/gardenagent/pkg/mirror"
	"github.com/itohio/gardenagent/pkg/nvstate"
	"github.com/itohio/gardenagent/pkg/phase"
	"github.com/itohio/gardenagent/pkg/scheduler"
	"github.com/itohio/gardenagent/pkg/sensor"
	"github.com/itohio/gardenagent/pkg/telemetry"
)

// DeviceType is reported at registration.
const DeviceType = "esp32_garden_monitor"

// MaxSensorFailures is the number of consecutive all-missing readings that
// forces PANIC.
const MaxSensorFailures = 5

// Options carries the optional collaborators of a Supervisor.
type Options struct {
	Client     *http.Client     // Backend HTTP client; nil uses a default client
	Sink       mirror.Sink      // Local reading mirror; may be nil
	Metrics    *metrics.Metrics // May be nil
	Store      *nvstate.Store   // Non-volatile state; may be nil
	RetryDelay time.Duration    // Pause between upload attempts within a tick
	Log        *slog.Logger
}

// Supervisor owns every component and sequences BOOT, REGISTER, RUN,
// DEGRADED and PANIC. All methods except Phase run on the main loop.
type Supervisor struct {
	cfg   *config.Config
	clk   clock.Clock
	log   *slog.Logger
	m     *metrics.Metrics
	store *nvstate.Store

	board    board.Board
	link     *link.Link
	api      *backend.Client
	buf      *buffer.Ring
	reader   *sensor.Reader
	act      *actuator.Controller
	uploader *telemetry.Uploader
	poller   *command.Poller
	sched    *scheduler.Scheduler
	seq      *telemetry.Sequencer

	intervals *config.Intervals
	bootID    string

	phase        atomic.Int32
	reason       string
	nextRegister int64
	linkStatus   link.Status
}

// New builds the component graph. Persisted state is restored from
// opts.Store when it is enabled.
func New(cfg *config.Config, clk clock.Clock, brd board.Board, radio link.Radio, opts Options) (*Supervisor, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	st, err := opts.Store.Load()
	if err != nil {
		log.Warn("state_load", "err", err)
		st = nvstate.State{}
	}

	s := &Supervisor{
		cfg:       cfg,
		clk:       clk,
		log:       log,
		m:         opts.Metrics,
		store:     opts.Store,
		board:     brd,
		intervals: cfg.Intervals(),
		bootID:    uuid.NewString(),
		seq:       telemetry.NewSequencer(st.LastSeq),
	}

	s.link = link.New(radio, clk, link.Options{
		BaseURL:           cfg.Backend.URL,
		AnonKey:           cfg.Backend.AnonKey,
		SSID:              cfg.WiFi.SSID,
		Password:          cfg.WiFi.Password,
		Timeout:           cfg.Backend.Timeout,
		ReconnectInterval: cfg.Timing.WiFiReconnectInterval,
		ProbeInterval:     cfg.Backend.ProbeInterval,
		MaxFailures:       cfg.Buffer.MaxFailedTransmissions,
		Client:            opts.Client,
	}, log)
	s.api = backend.New(s.link)
	s.buf = buffer.New(cfg.Buffer.MaxSize)
	s.reader = sensor.NewReader(brd, cfg.Calibration, clk, log)
	s.act = actuator.New(brd, actuator.OptionsFrom(cfg.Irrigation), opts.Metrics, log)

	s.uploader = telemetry.NewUploader(s.api, s.buf, clk, telemetry.Options{
		DeviceID:        cfg.Device.ID,
		ZoneID:          cfg.Device.ZoneID,
		BootID:          s.bootID,
		MaxAttempts:     cfg.Buffer.MaxFailedTransmissions,
		MaxPayloadBytes: cfg.Buffer.MaxPayloadBytes,
		RetryDelay:      opts.RetryDelay,
		Budget:          cfg.Timing.SendInterval / 2,
	}, opts.Sink, opts.Metrics, log)

	s.poller, err = command.New(s.api, s.act, clk, command.Options{
		DeviceID:     cfg.Device.ID,
		SetIntervals: s.setIntervals,
		Status:       func() string { return s.Snapshot().String() },
	}, opts.Metrics, log)
	if err != nil {
		return nil, err
	}
	s.poller.Remember(st.RecentCommandIDs)

	s.sched = scheduler.New(clk, cfg.Timing.LoopTick)
	s.setPhase(clk.Now(), phase.Boot)
	log.Info("boot", "device", cfg.Device.ID, "boot_id", s.bootID, "last_seq", st.LastSeq, "firmware", cfg.Device.FirmwareVersion)
	return s, nil
}

// Phase returns the current phase. It is safe for concurrent use.
func (s *Supervisor) Phase() phase.Phase {
	return phase.Phase(s.phase.Load())
}

// Reason returns why PANIC or DEGRADED was last entered.
func (s *Supervisor) Reason() string {
	return s.reason
}

// BootID returns the random identifier of this boot.
func (s *Supervisor) BootID() string {
	return s.bootID
}

// Link returns the network link.
func (s *Supervisor) Link() *link.Link {
	return s.link
}

// Scheduler returns the task table.
func (s *Supervisor) Scheduler() *scheduler.Scheduler {
	return s.sched
}

// Run boots the agent and drives the main loop until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.Boot(ctx)

	err := s.sched.Run(ctx, func(now int64) {
		s.after(ctx, now)
	})
	s.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Boot registers the periodic tasks and runs the actuator self-test.
func (s *Supervisor) Boot(ctx context.Context) {
	s.sched.Every(scheduler.Sample, s.intervals.Send, func(now int64) { s.sample(now) })
	s.sched.Every(scheduler.Transmit, s.intervals.Send, func(now int64) { s.transmit(ctx, now) })
	s.sched.Every(scheduler.CommandPoll, s.intervals.CommandCheck, func(now int64) { s.poll(ctx, now) })
	s.sched.Every(scheduler.Heartbeat, s.intervals.Heartbeat, func(now int64) { s.heartbeat(ctx, now) })
	s.sched.Every(scheduler.WiFiReconnect, s.cfg.Timing.WiFiReconnectInterval, func(now int64) { s.reconnect(ctx, now) })

	if err := s.act.SelfTest(ctx); err != nil {
		s.enterPanic(s.clk.Now(), "self_test", err)
		return
	}
	s.linkStatus = s.link.Status()
	s.sched.SetEnabled(scheduler.WiFiReconnect, s.linkStatus == link.WiFiDown)
}

// Step runs one pass of the main loop.
func (s *Supervisor) Step(ctx context.Context) {
	now := s.clk.Now()
	s.sched.RunDue(now)
	s.after(ctx, now)
}

// after runs once per loop pass, after the due tasks.
func (s *Supervisor) after(ctx context.Context, start int64) {
	now := s.clk.Now()
	if err := s.act.Tick(now); err != nil && s.Phase() == phase.Run {
		s.degrade(now, "actuator_fault", err)
	}

	if s.Phase() == phase.Panic {
		return
	}

	st := s.link.Status()
	if st != s.linkStatus {
		s.log.Info("link", "from", s.linkStatus.String(), "to", st.String())
		s.linkStatus = st
		s.m.LinkStatus(int(st))
		s.sched.SetEnabled(scheduler.WiFiReconnect, st == link.WiFiDown)
	}

	switch s.Phase() {
	case phase.Boot:
		if st != link.WiFiDown {
			s.setPhase(now, phase.Register)
			s.nextRegister = now
		}
	case phase.Register:
		if st != link.WiFiDown && now >= s.nextRegister {
			s.register(ctx, now)
		}
	}

	s.m.Pass(time.Duration(s.clk.Now()-start) * time.Millisecond)
}

func (s *Supervisor) sample(now int64) {
	r, err := s.reader.Read()
	if err != nil {
		s.m.Reading("no_data")
		if n := s.reader.Failures(); n >= MaxSensorFailures {
			s.enterPanic(now, "sensor", fmt.Errorf("%d consecutive readings without data: %w", n, err))
		}
		return
	}
	s.m.Reading("ok")
	observe(s.m, r)

	r.Seq = s.seq.Next()
	res := s.uploader.Stage(r)
	s.check(now, res)
	s.m.Buffer(s.buf.Len(), res.Dropped)
	s.act.Observe(now, r.Moisture)
}

func (s *Supervisor) transmit(ctx context.Context, now int64) {
	var res telemetry.Result
	switch s.Phase() {
	case phase.Run, phase.Degraded:
		res = s.uploader.Transmit(ctx, s.link.Status(), telemetry.Health{
			Phase:          s.Phase().String(),
			SignalStrength: s.link.RSSI(),
		})
	default:
		res = s.uploader.Hold()
	}
	s.check(now, res)
	s.m.Buffer(s.buf.Len(), res.Dropped)
	if s.Phase() == phase.Panic {
		return
	}

	switch {
	case res.Uploaded > 0:
		if s.Phase() == phase.Degraded {
			s.setPhase(now, phase.Run)
		}
		if ack, ok := s.uploader.AckUpToSeq(); ok {
			s.m.AckUpToSeq(ack)
		}
	case res.Auth:
		s.degrade(now, "auth", res.Err)
	case res.Exhausted && res.BufferFull:
		s.degrade(now, "backend_unreachable", res.Err)
	}
}

// check enters PANIC on a buffer invariant violation.
func (s *Supervisor) check(now int64, res telemetry.Result) {
	if res.Fault != nil {
		s.enterPanic(now, "buffer", res.Fault)
	}
}

func (s *Supervisor) poll(ctx context.Context, now int64) {
	if !s.online() {
		return
	}
	sum, err := s.poller.Poll(ctx)
	if err != nil {
		s.log.Warn("command_poll", "err", err)
		return
	}
	if sum.Fetched > 0 || sum.Resent > 0 {
		s.log.Debug("command_poll", "fetched", sum.Fetched, "executed", sum.Executed,
			"rejected", sum.Rejected, "failed", sum.Failed, "resent", sum.Resent)
	}
}

func (s *Supervisor) heartbeat(ctx context.Context, now int64) {
	s.persist()
	if !s.online() {
		return
	}
	err := s.api.Heartbeat(ctx, backend.Heartbeat{
		DeviceID:       s.cfg.Device.ID,
		Status:         s.Phase().String(),
		UptimeMS:       now,
		BufferSize:     s.buf.Len(),
		SignalStrength: s.link.RSSI(),
		BootID:         s.bootID,
	})
	if err != nil {
		s.log.Warn("heartbeat", "err", err)
	}
}

func (s *Supervisor) reconnect(ctx context.Context, now int64) {
	s.link.EnsureConnected(ctx)
}

// online reports whether the backend may be contacted in the current phase.
func (s *Supervisor) online() bool {
	p := s.Phase()
	if p != phase.Run && p != phase.Degraded {
		return false
	}
	st := s.link.Status()
	return st == link.BackendOK || st == link.BackendUnknown
}

func (s *Supervisor) register(ctx context.Context, now int64) {
	ip, mac := link.LocalAddrs()
	accepted, err := s.api.Register(ctx, backend.Registration{
		DeviceID:        s.cfg.Device.ID,
		ZoneID:          s.cfg.Device.ZoneID,
		DeviceName:      s.cfg.Device.Name,
		FirmwareVersion: s.cfg.Device.FirmwareVersion,
		DeviceType:      DeviceType,
		IPAddress:       ip,
		MACAddress:      mac,
		BootID:          s.bootID,
	})
	switch {
	case link.IsAuth(err):
		s.enterPanic(now, "auth", err)
	case err != nil:
		s.nextRegister = now + s.cfg.Timing.WiFiReconnectInterval.Milliseconds()
		s.log.Warn("register", "retry_in", s.cfg.Timing.WiFiReconnectInterval, "err", err)
	case !accepted:
		s.nextRegister = now + s.cfg.Timing.WiFiReconnectInterval.Milliseconds()
		s.log.Warn("register", "accepted", false, "retry_in", s.cfg.Timing.WiFiReconnectInterval)
	default:
		s.setPhase(now, phase.Run)
	}
}

// setIntervals applies a SET_INTERVAL override and reschedules the tasks.
func (s *Supervisor) setIntervals(next config.Intervals) error {
	if err := s.intervals.Apply(next); err != nil {
		return err
	}
	s.sched.SetPeriod(scheduler.Sample, s.intervals.Send)
	s.sched.SetPeriod(scheduler.Transmit, s.intervals.Send)
	s.sched.SetPeriod(scheduler.CommandPoll, s.intervals.CommandCheck)
	s.sched.SetPeriod(scheduler.Heartbeat, s.intervals.Heartbeat)
	s.log.Info("intervals", "send", s.intervals.Send, "command_check", s.intervals.CommandCheck, "heartbeat", s.intervals.Heartbeat)
	return nil
}

func (s *Supervisor) degrade(now int64, reason string, err error) {
	if s.Phase() != phase.Run {
		return
	}
	s.reason = reason
	s.log.Warn("degraded", "reason", reason, "err", err)
	s.setPhase(now, phase.Degraded)
}

// enterPanic enters the terminal safe state: link calls are cancelled, the pump
// is forced off and every task stops. The LED and buzzer keep signalling.
func (s *Supervisor) enterPanic(now int64, reason string, err error) {
	if s.Phase() == phase.Panic {
		return
	}
	s.reason = reason
	s.setPhase(now, phase.Panic)
	s.link.Shutdown()
	s.sched.DisableAll()
	s.persist()
	s.log.Error("panic", "reason", reason, "err", err)
}

func (s *Supervisor) setPhase(now int64, p phase.Phase) {
	prev := s.Phase()
	s.phase.Store(int32(p))
	s.act.SetPhase(now, p)

	names := make([]string, len(phase.All))
	for i, ph := range phase.All {
		names[i] = ph.String()
	}
	s.m.Phase(p.String(), names...)
	if prev != p {
		s.log.Info("phase", "from", prev.String(), "to", p.String())
	}
}

func (s *Supervisor) persist() {
	err := s.store.Save(nvstate.State{
		LastSeq:          s.seq.Last(),
		RecentCommandIDs: s.poller.Seen(),
	})
	if err != nil {
		s.log.Warn("state_save", "err", err)
	}
}

func (s *Supervisor) shutdown() {
	now := s.clk.Now()
	s.act.Stop(now)
	s.act.Tick(now)
	s.persist()
	s.link.Shutdown()
	s.log.Info("shutdown", "buffered", s.buf.Len(), "last_seq", s.seq.Last())
}

func observe(m *metrics.Metrics, r sensor.Reading) {
	if r.Moisture != nil {
		m.Channel("moisture", float64(*r.Moisture))
	}
	if r.Light != nil {
		m.Channel("light", float64(*r.Light))
	}
	if r.TempC != nil {
		m.Channel("temperature", *r.TempC)
	}
	if r.Humidity != nil {
		m.Channel("humidity", *r.Humidity)
	}
}

// Snapshot is a point-in-time view of the agent.
type Snapshot struct {
	Phase      phase.Phase
	Reason     string
	Link       link.Status
	UptimeMS   int64
	Buffered   int
	Dropped    uint64
	Pump       bool
	PumpUntil  int64
	LastSeq    uint64
	AckUpToSeq uint64
	Failures   int
	LastError  string // Code of the last backend failure
	Intervals  config.Intervals
}

// Snapshot returns the current state.
func (s *Supervisor) Snapshot() Snapshot {
	ack, _ := s.uploader.AckUpToSeq()
	snap := Snapshot{
		Phase:      s.Phase(),
		Reason:     s.reason,
		Link:       s.link.Status(),
		UptimeMS:   s.clk.Now(),
		Buffered:   s.uploader.Buffered(),
		Dropped:    s.buf.Dropped(),
		Pump:       s.act.PumpOn(),
		LastSeq:    s.seq.Last(),
		AckUpToSeq: ack,
		Failures:   s.uploader.Failures(),
		LastError:  link.Code(s.link.LastError()),
		Intervals:  *s.intervals,
	}
	if snap.Pump {
		snap.PumpUntil = s.act.Until()
	}
	return snap
}

// String renders the snapshot as key=value pairs.
func (s Snapshot) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "phase=%s link=%s uptime_ms=%d buffer=%d dropped=%d", s.Phase, s.Link, s.UptimeMS, s.Buffered, s.Dropped)
	if s.Pump {
		fmt.Fprintf(&sb, " pump=on until_ms=%d", s.PumpUntil)
	} else {
		sb.WriteString(" pump=off")
	}
	fmt.Fprintf(&sb, " seq=%d send_ms=%d", s.LastSeq, s.Intervals.Send.Milliseconds())
	if s.Reason != "" {
		fmt.Fprintf(&sb, " reason=%s", s.Reason)
	}
	if s.LastError != "" {
		fmt.Fprintf(&sb, " last_err=%s", s.LastError)
	}
	return sb.String()
}
