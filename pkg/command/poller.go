package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/itohio/gardenagent/pkg/actuator"
	"github.com/itohio/gardenagent/pkg/backend"
	"github.com/itohio/gardenagent/pkg/clock"
	"github.com/itohio/gardenagent/pkg/config"
	"github.com/itohio/gardenagent/pkg/metrics"
)

// Limits.
const (
	SeenSize       = 64
	MaxPendingAcks = 16

	MinDuration     = 100 * time.Millisecond
	MaxDuration     = config.MaxIrrigation
	MaxBeeps        = 10
	DefaultIdentify = 5 * time.Second
)

// ACK details for rejected and failed commands.
const (
	ReasonDuplicate     = "duplicate"
	ReasonExpired       = "expired"
	ReasonUnknownKind   = "unknown_kind"
	ReasonBadParameters = "bad_parameters"
	ReasonOutOfRange    = "out_of_range"
	ReasonInterlock     = "interlock"
	ReasonBusy          = "busy"
	ReasonCoolDown      = "cool_down"
	ReasonFault         = "fault"
)

// Parameter keys.
const (
	ParamSendInterval      = "send_interval_ms"
	ParamCommandInterval   = "command_check_interval_ms"
	ParamHeartbeatInterval = "heartbeat_interval_ms"
	ParamDuration          = "duration_ms"
	ParamCount             = "count"
)

// Actuator is the part of the actuator controller commands drive.
type Actuator interface {
	Irrigate(now int64, d time.Duration, src actuator.Source) (time.Duration, error)
	Stop(now int64) bool
	Beep(now int64, n int)
	Chirp(now int64)
	Identify(now int64, d time.Duration)
}

// API fetches and acknowledges commands. *backend.Client implements it.
type API interface {
	Commands(ctx context.Context, deviceID string) ([]backend.Command, error)
	Ack(ctx context.Context, ack backend.Ack) error
}

var (
	_ API      = (*backend.Client)(nil)
	_ Actuator = (*actuator.Controller)(nil)
)

// Options configures a Poller.
type Options struct {
	DeviceID string
	// SetIntervals applies a SET_INTERVAL override. Nil fails the command.
	SetIntervals func(config.Intervals) error
	// Status renders the GET_STATUS detail.
	Status func() string
}

// Summary counts the outcomes of one poll.
type Summary struct {
	Fetched  int
	Executed int
	Rejected int
	Failed   int
	Skipped  int // Commands without an id
	Resent   int // Pending ACKs delivered
}

// Poller fetches, validates and dispatches backend commands. Each command id
// is dispatched at most once.
type Poller struct {
	api  API
	act  Actuator
	clk  clock.Clock
	opts Options
	m    *metrics.Metrics
	log  *slog.Logger

	seen    *lru.Cache[string, struct{}]
	pending []backend.Ack
}

// New creates a poller.
func New(api API, act Actuator, clk clock.Clock, opts Options, m *metrics.Metrics, log *slog.Logger) (*Poller, error) {
	seen, err := lru.New[string, struct{}](SeenSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create command cache: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{api: api, act: act, clk: clk, opts: opts, m: m, log: log, seen: seen}, nil
}

// Remember marks ids as already handled, oldest first.
func (p *Poller) Remember(ids []string) {
	for _, id := range ids {
		p.seen.Add(id, struct{}{})
	}
}

// Seen returns the remembered ids, oldest first.
func (p *Poller) Seen() []string {
	return p.seen.Keys()
}

// Pending returns the number of undelivered ACKs.
func (p *Poller) Pending() int {
	return len(p.pending)
}

// Poll delivers pending ACKs, then fetches and handles new commands.
func (p *Poller) Poll(ctx context.Context) (Summary, error) {
	var sum Summary
	sum.Resent = p.flush(ctx)

	cmds, err := p.api.Commands(ctx, p.opts.DeviceID)
	if err != nil {
		return sum, fmt.Errorf("failed to fetch commands: %w", err)
	}
	sum.Fetched = len(cmds)

	for i := range cmds {
		cmd := &cmds[i]
		if cmd.ID == "" {
			p.log.Warn("command_skipped", "reason", "no_id", "err", cmd.Err)
			sum.Skipped++
			continue
		}
		ack := p.handle(cmd)
		switch ack.Outcome {
		case backend.Executed:
			sum.Executed++
		case backend.Rejected:
			sum.Rejected++
			p.act.Chirp(p.clk.Now())
		case backend.Failed:
			sum.Failed++
		}
		p.m.Command(string(cmd.Kind), string(ack.Outcome))
		p.log.Info("command", "id", cmd.ID, "kind", string(cmd.Kind), "outcome", string(ack.Outcome), "detail", ack.Detail)
		p.ack(ctx, ack)
	}
	return sum, nil
}

func (p *Poller) handle(cmd *backend.Command) backend.Ack {
	if p.seen.Contains(cmd.ID) {
		return reject(cmd, ReasonDuplicate)
	}
	p.seen.Add(cmd.ID, struct{}{})

	switch {
	case cmd.Err != nil:
		return reject(cmd, ReasonBadParameters)
	case clock.Synced(p.clk.Wall()) && cmd.Expired(p.clk.Wall()):
		return reject(cmd, ReasonExpired)
	case !cmd.Kind.Known():
		return reject(cmd, ReasonUnknownKind)
	case len(cmd.Params) > backend.MaxParams:
		return reject(cmd, ReasonBadParameters)
	}

	ack, err := p.dispatch(cmd)
	switch {
	case errors.Is(err, config.ErrIntervalRange):
		return reject(cmd, ReasonOutOfRange)
	case err != nil:
		p.log.Debug("command_params", "id", cmd.ID, "err", err)
		return reject(cmd, ReasonBadParameters)
	}
	return ack
}

func (p *Poller) dispatch(cmd *backend.Command) (backend.Ack, error) {
	now := p.clk.Now()

	switch cmd.Kind {
	case backend.Irrigate:
		d, ok, err := cmd.Params.Duration(ParamDuration)
		if err != nil {
			return backend.Ack{}, err
		}
		if ok && (d < MinDuration || d > MaxDuration) {
			return reject(cmd, ReasonOutOfRange), nil
		}
		granted, err := p.act.Irrigate(now, d, actuator.Remote)
		if err != nil {
			return fail(cmd, reason(err)), nil
		}
		return execute(cmd, fmt.Sprintf("duration_ms=%d", granted.Milliseconds())), nil

	case backend.StopIrrigate:
		if p.act.Stop(now) {
			return execute(cmd, "stopped"), nil
		}
		return execute(cmd, "idle"), nil

	case backend.SetInterval:
		next, err := intervals(cmd.Params)
		if err != nil {
			return backend.Ack{}, err
		}
		if p.opts.SetIntervals == nil {
			return fail(cmd, "unsupported"), nil
		}
		if err := p.opts.SetIntervals(next); err != nil {
			if errors.Is(err, config.ErrIntervalRange) {
				return reject(cmd, ReasonOutOfRange), nil
			}
			return fail(cmd, err.Error()), nil
		}
		return execute(cmd, ""), nil

	case backend.Beep:
		n, ok, err := cmd.Params.Number(ParamCount)
		if err != nil {
			return backend.Ack{}, err
		}
		if !ok {
			n = 1
		}
		if n != float64(int(n)) || n < 1 || n > MaxBeeps {
			return reject(cmd, ReasonOutOfRange), nil
		}
		p.act.Beep(now, int(n))
		return execute(cmd, ""), nil

	case backend.LED:
		d, ok, err := cmd.Params.Duration(ParamDuration)
		if err != nil {
			return backend.Ack{}, err
		}
		if !ok {
			d = DefaultIdentify
		}
		if d < MinDuration || d > MaxDuration {
			return reject(cmd, ReasonOutOfRange), nil
		}
		p.act.Identify(now, d)
		return execute(cmd, ""), nil

	case backend.GetStatus:
		detail := ""
		if p.opts.Status != nil {
			detail = p.opts.Status()
		}
		return execute(cmd, detail), nil

	default: // NOP
		return execute(cmd, ""), nil
	}
}

// intervals extracts a SET_INTERVAL override. At least one key is required.
func intervals(params backend.Params) (config.Intervals, error) {
	var next config.Intervals
	found := false
	for key, dst := range map[string]*time.Duration{
		ParamSendInterval:      &next.Send,
		ParamCommandInterval:   &next.CommandCheck,
		ParamHeartbeatInterval: &next.Heartbeat,
	} {
		d, ok, err := params.Duration(key)
		if err != nil {
			return next, err
		}
		if !ok {
			continue
		}
		if d <= 0 {
			return next, fmt.Errorf("%w: %s must be positive", config.ErrIntervalRange, key)
		}
		*dst = d
		found = true
	}
	if !found {
		return next, fmt.Errorf("%w: no interval given", backend.ErrParam)
	}
	return next, nil
}

func reason(err error) string {
	switch {
	case errors.Is(err, actuator.ErrInterlock):
		return ReasonInterlock
	case errors.Is(err, actuator.ErrBusy):
		return ReasonBusy
	case errors.Is(err, actuator.ErrCoolDown):
		return ReasonCoolDown
	case errors.Is(err, actuator.ErrFault):
		return ReasonFault
	default:
		return err.Error()
	}
}

func reject(cmd *backend.Command, detail string) backend.Ack {
	return backend.Ack{CommandID: cmd.ID, Outcome: backend.Rejected, Detail: detail}
}

func fail(cmd *backend.Command, detail string) backend.Ack {
	return backend.Ack{CommandID: cmd.ID, Outcome: backend.Failed, Detail: detail}
}

func execute(cmd *backend.Command, detail string) backend.Ack {
	return backend.Ack{CommandID: cmd.ID, Outcome: backend.Executed, Detail: detail}
}

// ack posts an ACK, queueing it for the next poll on failure.
func (p *Poller) ack(ctx context.Context, ack backend.Ack) {
	if len(p.pending) == 0 {
		err := p.api.Ack(ctx, ack)
		if err == nil {
			return
		}
		p.log.Warn("ack_deferred", "id", ack.CommandID, "err", err)
	}
	if len(p.pending) == MaxPendingAcks {
		p.log.Warn("ack_dropped", "id", p.pending[0].CommandID)
		p.pending = p.pending[1:]
	}
	p.pending = append(p.pending, ack)
}

// flush delivers pending ACKs in order until one fails.
func (p *Poller) flush(ctx context.Context) int {
	sent := 0
	for len(p.pending) > 0 {
		if err := p.api.Ack(ctx, p.pending[0]); err != nil {
			p.log.Debug("ack_retry", "pending", len(p.pending), "err", err)
			break
		}
		p.pending = p.pending[1:]
		sent++
	}
	return sent
}
