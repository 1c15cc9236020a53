package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/itohio/gardenagent/pkg/backend"
	"github.com/itohio/gardenagent/pkg/buffer"
	"github.com/itohio/gardenagent/pkg/clock"
	"github.com/itohio/gardenagent/pkg/link"
	"github.com/itohio/gardenagent/pkg/metrics"
	"github.com/itohio/gardenagent/pkg/mirror"
	"github.com/itohio/gardenagent/pkg/sensor"
)

// Time bases reported in the telemetry envelope.
const (
	TimeBaseEpoch = "epoch"
	TimeBaseBoot  = "boot"
)

// Sender posts encoded telemetry. *backend.Client implements it.
type Sender interface {
	Telemetry(ctx context.Context, payload []byte) (backend.TelemetryAck, error)
}

var _ Sender = (*backend.Client)(nil)

// Buffer is the offline store the uploader drains. *buffer.Ring implements it.
type Buffer interface {
	Push(r sensor.Reading) (bool, error)
	Oldest(k int) []buffer.Entry
	MarkAttempt(k int)
	PopN(n int) int
	AckDropped(n uint64)
	Dropped() uint64
	LastSeq() uint64
	Len() int
	Full() bool
	Check() error
}

var _ Buffer = (*buffer.Ring)(nil)

// Options configures an Uploader.
type Options struct {
	DeviceID        string
	ZoneID          string
	BootID          string
	MaxAttempts     int           // Attempts per tick; also the consecutive failure limit
	MaxPayloadBytes int           // Upper bound of one encoded request
	RetryDelay      time.Duration // Pause between attempts within a tick
	Budget          time.Duration // Upper bound of one Transmit call
}

// Health is the device state reported alongside the readings.
type Health struct {
	Phase          string
	SignalStrength int
}

// Result describes one Transmit or Hold call.
type Result struct {
	Uploaded   int   // Readings delivered, buffered and live
	Enqueued   bool  // Live reading moved to the buffer
	Dropped    int   // Buffered readings lost to overflow
	Attempts   int   // Requests made
	Exhausted  bool  // Consecutive failures reached MaxAttempts
	BufferFull bool  // Buffer at capacity after the call
	Auth       bool  // Backend rejected the credentials
	Err        error // Last upload error
	Fault      error // Buffer invariant violation
}

// Uploader moves readings to the backend and through the offline buffer.
// It is driven from the main loop only.
type Uploader struct {
	api  Sender
	buf  Buffer
	clk  clock.Clock
	sink mirror.Sink
	log  *slog.Logger
	m    *metrics.Metrics
	opts Options

	staged     *sensor.Reading
	failures   int
	lastErr    string
	ackUpToSeq uint64
	acked      bool
}

// NewUploader creates an uploader. sink and m may be nil.
func NewUploader(api Sender, buf Buffer, clk clock.Clock, opts Options, sink mirror.Sink, m *metrics.Metrics, log *slog.Logger) *Uploader {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.MaxPayloadBytes == 0 {
		opts.MaxPayloadBytes = 4096
	}
	if opts.Budget == 0 {
		opts.Budget = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Uploader{api: api, buf: buf, clk: clk, sink: sink, log: log, m: m, opts: opts}
}

// Stage hands over the newest reading. A staged reading that was never
// transmitted is moved to the buffer first.
func (u *Uploader) Stage(r sensor.Reading) Result {
	var res Result
	if u.staged != nil {
		u.log.Warn("telemetry_unsent", "seq", u.staged.Seq)
		u.enqueue(*u.staged, &res)
	}
	u.staged = &r

	if u.sink != nil {
		wall := u.clk.Wall().Add(-time.Duration(u.clk.Now()-r.Timestamp) * time.Millisecond)
		if err := u.sink.Publish(r, wall); err != nil {
			u.log.Debug("mirror_publish", "seq", r.Seq, "err", err)
		}
	}
	return res
}

// Hold moves the staged reading to the buffer without trying to send it.
func (u *Uploader) Hold() Result {
	var res Result
	if u.staged != nil {
		u.enqueue(*u.staged, &res)
		u.staged = nil
	}
	res.BufferFull = u.buf.Full()
	return res
}

// Transmit sends the buffered readings and the staged one. It only talks to
// the backend when st is BackendOK or BackendUnknown; otherwise the staged
// reading is buffered.
func (u *Uploader) Transmit(ctx context.Context, st link.Status, h Health) Result {
	if st != link.BackendOK && st != link.BackendUnknown {
		res := u.Hold()
		res.Exhausted = u.failures >= u.opts.MaxAttempts
		u.m.Upload("skipped", 0)
		return res
	}

	live := u.staged
	u.staged = nil

	var res Result
	if live == nil && u.buf.Len() == 0 {
		return res
	}

	payload, k, err := u.encode(live, h)
	if err != nil {
		res.Err = err
		if live != nil {
			u.enqueue(*live, &res)
		}
		res.BufferFull = u.buf.Full()
		return res
	}
	sent := len(payload.readings)
	dropped := payload.dropped

	ctx, cancel := context.WithTimeout(ctx, u.opts.Budget)
	defer cancel()

	var ack backend.TelemetryAck
	var lastErr error
	op := func() error {
		res.Attempts++
		u.buf.MarkAttempt(k)
		a, err := u.api.Telemetry(ctx, payload.data)
		if err == nil {
			ack = a
			return nil
		}
		lastErr = err
		if !link.IsTransient(err) || link.IsBreakerOpen(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(u.opts.RetryDelay), uint64(u.opts.MaxAttempts-1)),
		ctx,
	)

	if err := backoff.Retry(op, bo); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		u.failures += res.Attempts
		u.lastErr = link.Code(lastErr)
		res.Err = lastErr
		res.Auth = link.IsAuth(lastErr)
		res.Exhausted = u.failures >= u.opts.MaxAttempts
		if live != nil {
			u.enqueue(*live, &res)
		}
		res.BufferFull = u.buf.Full()
		u.m.Upload(u.lastErr, 0)
		u.log.Warn("telemetry_failed", "attempts", res.Attempts, "failures", u.failures, "buffered", u.buf.Len(), "err", lastErr)
		return res
	}

	if n := u.buf.PopN(k); n != k {
		res.Fault = fmt.Errorf("%w: popped %d of %d sent entries", buffer.ErrCorrupted, n, k)
		u.log.Error("buffer_invariant", "popped", n, "sent", k)
	}
	u.buf.AckDropped(dropped)
	u.check(&res)
	u.failures = 0
	u.lastErr = ""
	res.Uploaded = sent
	res.BufferFull = u.buf.Full()
	u.observeAck(ack)
	u.m.Upload("ok", sent)
	u.m.Buffer(u.buf.Len(), 0)
	u.log.Info("telemetry_sent", "readings", sent, "buffered", k, "dropped", dropped, "attempts", res.Attempts)
	return res
}

func (u *Uploader) observeAck(ack backend.TelemetryAck) {
	if ack.AckUpToSeq == nil {
		return
	}
	seq := *ack.AckUpToSeq
	if u.acked && seq < u.ackUpToSeq {
		u.log.Warn("ack_regression", "ack_up_to_seq", seq, "previous", u.ackUpToSeq)
		return
	}
	u.acked = true
	u.ackUpToSeq = seq
	u.m.AckUpToSeq(seq)
}

func (u *Uploader) enqueue(r sensor.Reading, res *Result) {
	dropped, err := u.buf.Push(r)
	if err != nil {
		res.Fault = err
		u.log.Error("buffer_invariant", "seq", r.Seq, "last_seq", u.buf.LastSeq(), "err", err)
		return
	}
	res.Enqueued = true
	u.check(res)
	n := 0
	if dropped {
		n = 1
		res.Dropped++
		u.log.Warn("buffer_overflow", "dropped_total", u.buf.Dropped())
	}
	u.m.Buffer(u.buf.Len(), n)
}

// check verifies the buffer invariants after a mutation and reports a
// violation as a fault.
func (u *Uploader) check(res *Result) {
	if res.Fault != nil {
		return
	}
	if err := u.buf.Check(); err != nil {
		res.Fault = err
		u.log.Error("buffer_invariant", "len", u.buf.Len(), "err", err)
	}
}

type encoded struct {
	data     []byte
	readings []sensor.Reading
	dropped  uint64
}

// encode builds the request from the oldest buffered entries and live,
// shrinking the buffered part until it fits MaxPayloadBytes. It returns the
// number of buffered entries included.
func (u *Uploader) encode(live *sensor.Reading, h Health) (encoded, int, error) {
	now := u.clk.Now()
	wall := u.clk.Wall()
	synced := clock.Synced(wall)

	body := backend.Telemetry{
		DeviceID:       u.opts.DeviceID,
		ZoneID:         u.opts.ZoneID,
		BootID:         u.opts.BootID,
		TimeBase:       TimeBaseBoot,
		Status:         h.Phase,
		LastError:      u.lastErr,
		SignalStrength: h.SignalStrength,
		DroppedCount:   u.buf.Dropped(),
	}
	if synced {
		body.TimeBase = TimeBaseEpoch
	}

	stamp := func(r sensor.Reading) sensor.Reading {
		if synced {
			r.Timestamp = wall.UnixMilli() - (now - r.Timestamp)
		}
		return r
	}

	entries := u.buf.Oldest(u.buf.Len())
	for k := len(entries); k >= 0; k-- {
		readings := make([]sensor.Reading, 0, k+1)
		for _, e := range entries[:k] {
			readings = append(readings, stamp(e.Reading))
		}
		if live != nil {
			readings = append(readings, stamp(*live))
		}
		if len(readings) == 0 {
			break
		}
		body.Readings = readings

		data, err := body.Marshal()
		if err != nil {
			return encoded{}, 0, err
		}
		if len(data) <= u.opts.MaxPayloadBytes || k == 0 || (k == 1 && live == nil) {
			return encoded{data: data, readings: readings, dropped: body.DroppedCount}, k, nil
		}
	}
	return encoded{}, 0, errors.New("nothing to send")
}

// Staged returns the reading waiting for the next Transmit.
func (u *Uploader) Staged() (sensor.Reading, bool) {
	if u.staged == nil {
		return sensor.Reading{}, false
	}
	return *u.staged, true
}

// Failures returns the consecutive failed attempts.
func (u *Uploader) Failures() int { return u.failures }

// LastError returns the code of the last failure, or "".
func (u *Uploader) LastError() string { return u.lastErr }

// AckUpToSeq returns the highest sequence number the backend acknowledged.
func (u *Uploader) AckUpToSeq() (uint64, bool) { return u.ackUpToSeq, u.acked }

// Buffered returns the number of readings in the offline buffer.
func (u *Uploader) Buffered() int { return u.buf.Len() }
