package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/gardenagent/pkg/backend"
	"github.com/itohio/gardenagent/pkg/board"
	"github.com/itohio/gardenagent/pkg/buffer"
	"github.com/itohio/gardenagent/pkg/clock"
	"github.com/itohio/gardenagent/pkg/config"
	"github.com/itohio/gardenagent/pkg/link"
	"github.com/itohio/gardenagent/pkg/sensor"
)

// fakeSender records payloads and returns scripted errors.
type fakeSender struct {
	errs     []error // Consumed one per call; nil entries succeed
	fail     error   // Returned once errs is exhausted
	ack      *uint64
	payloads []backend.Telemetry
	calls    int
}

func (f *fakeSender) Telemetry(ctx context.Context, payload []byte) (backend.TelemetryAck, error) {
	f.calls++
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	} else {
		err = f.fail
	}
	if err != nil {
		return backend.TelemetryAck{}, err
	}
	var body backend.Telemetry
	if jerr := json.Unmarshal(payload, &body); jerr != nil {
		panic(jerr)
	}
	f.payloads = append(f.payloads, body)
	return backend.TelemetryAck{AckUpToSeq: f.ack}, nil
}

func (f *fakeSender) last() backend.Telemetry {
	return f.payloads[len(f.payloads)-1]
}

func transient() error {
	return &link.Error{Op: "POST " + backend.PathTelemetry, Kind: link.Transient, Status: http.StatusServiceUnavailable}
}

func unauthorized() error {
	return &link.Error{Op: "POST " + backend.PathTelemetry, Kind: link.Auth, Status: http.StatusUnauthorized}
}

type fixture struct {
	api *fakeSender
	buf *buffer.Ring
	clk *clock.Fake
	up  *Uploader
	seq *Sequencer
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	f := &fixture{
		api: &fakeSender{},
		buf: buffer.New(capacity),
		clk: clock.NewFake(time.Time{}),
		seq: NewSequencer(0),
	}
	f.up = NewUploader(f.api, f.buf, f.clk, Options{
		DeviceID:    "esp32_garden_001",
		ZoneID:      "zone",
		MaxAttempts: 3,
	}, nil, nil, nil)
	return f
}

// cycle stages a reading and transmits it as one SAMPLE+TRANSMIT tick.
func (f *fixture) cycle(st link.Status) Result {
	f.clk.Advance(30 * time.Second)
	f.up.Stage(sensor.Reading{Seq: f.seq.Next(), Timestamp: f.clk.Now(), Moisture: sensor.Int(40)})
	return f.up.Transmit(context.Background(), st, Health{Phase: "RUN"})
}

func seqs(rs []sensor.Reading) []uint64 {
	out := make([]uint64, len(rs))
	for i, r := range rs {
		out[i] = r.Seq
	}
	return out
}

func TestUploader_HappyPath(t *testing.T) {
	mock := board.NewMock()
	require.NoError(t, mock.Connect())
	clk := clock.NewFake(time.Time{})
	reader := sensor.NewReader(mock, config.Default().Calibration, clk, nil)

	api := &fakeSender{}
	buf := buffer.New(10)
	up := NewUploader(api, buf, clk, Options{DeviceID: "d", ZoneID: "z"}, nil, nil, nil)

	r, err := reader.Read()
	require.NoError(t, err)
	r.Seq = 1
	up.Stage(r)
	res := up.Transmit(context.Background(), link.BackendOK, Health{Phase: "RUN", SignalStrength: -60})

	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 0, buf.Len())

	body := api.last()
	assert.Equal(t, "d", body.DeviceID)
	assert.Equal(t, "RUN", body.Status)
	assert.Equal(t, -60, body.SignalStrength)
	assert.Equal(t, TimeBaseBoot, body.TimeBase)
	require.Len(t, body.Readings, 1)
	got := body.Readings[0]
	assert.Equal(t, 50, *got.Moisture)
	assert.Equal(t, 100, *got.Light)
	assert.Equal(t, 25.0, *got.TempC)
	assert.Equal(t, 60.0, *got.Humidity)
}

func TestUploader_OutageAndRecovery(t *testing.T) {
	f := newFixture(t, 10)
	f.api.fail = transient()

	for i := 0; i < 5; i++ {
		res := f.cycle(link.BackendUnknown)
		require.Error(t, res.Err)
		assert.True(t, res.Enqueued)
		assert.True(t, res.Exhausted)
		assert.False(t, res.BufferFull)
	}
	assert.Equal(t, 5, f.buf.Len())
	assert.Equal(t, 15, f.api.calls, "three attempts per tick")
	assert.Equal(t, "http_503", f.up.LastError())

	f.api.fail = nil
	res := f.cycle(link.BackendOK)
	require.NoError(t, res.Err)
	assert.Equal(t, 6, res.Uploaded)
	assert.Equal(t, 0, f.buf.Len())
	assert.Equal(t, 0, f.up.Failures())

	body := f.api.last()
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, seqs(body.Readings), "buffered oldest-first, then live")
	assert.Equal(t, "http_503", body.LastError)
}

func TestUploader_RetryWithinTick(t *testing.T) {
	f := newFixture(t, 10)
	f.api.errs = []error{transient(), transient()}

	res := f.cycle(link.BackendOK)
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 1, res.Uploaded)
	assert.False(t, res.Enqueued)
	assert.Equal(t, 0, f.buf.Len())
}

func TestUploader_BufferOverflow(t *testing.T) {
	f := newFixture(t, 10)

	drops := 0
	for i := 0; i < 12; i++ {
		res := f.cycle(link.WiFiDown)
		drops += res.Dropped
	}
	assert.Equal(t, 0, f.api.calls)
	assert.Equal(t, 10, f.buf.Len())
	assert.Equal(t, 2, drops)
	assert.Equal(t, uint64(2), f.buf.Dropped())

	res := f.cycle(link.BackendOK)
	require.NoError(t, res.Err)
	assert.Equal(t, 11, res.Uploaded)

	body := f.api.last()
	assert.Equal(t, uint64(2), body.DroppedCount)
	assert.Equal(t, uint64(3), body.Readings[0].Seq)
	assert.Equal(t, uint64(13), body.Readings[10].Seq)
	assert.Equal(t, uint64(0), f.buf.Dropped())
}

func TestUploader_DegradedSkips(t *testing.T) {
	f := newFixture(t, 2)
	f.api.fail = transient()
	f.cycle(link.BackendOK)
	require.Equal(t, 3, f.up.Failures())

	res := f.cycle(link.BackendDegraded)
	assert.Equal(t, 0, res.Attempts)
	assert.True(t, res.Exhausted)
	assert.True(t, res.BufferFull)
	assert.Equal(t, 3, f.api.calls)
}

func TestUploader_Auth(t *testing.T) {
	f := newFixture(t, 10)
	f.api.fail = unauthorized()

	res := f.cycle(link.BackendUnknown)
	assert.True(t, res.Auth)
	assert.Equal(t, 1, res.Attempts, "auth errors are not retried")
	assert.True(t, res.Enqueued)
	assert.Equal(t, 1, f.buf.Len())
	assert.Equal(t, "http_401", f.up.LastError())
}

func TestUploader_BreakerOpenStopsRetrying(t *testing.T) {
	f := newFixture(t, 10)
	f.api.fail = &link.Error{Op: "POST", Kind: link.Transient, Err: gobreaker.ErrOpenState}

	res := f.cycle(link.BackendUnknown)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, res.Enqueued)
}

// corruptBuffer reports a structural violation from Check.
type corruptBuffer struct {
	*buffer.Ring
	err error
}

func (c *corruptBuffer) Check() error { return c.err }

func TestUploader_BufferCheck(t *testing.T) {
	tests := []struct {
		name   string
		status link.Status
	}{
		{"after enqueue", link.WiFiDown},
		{"after upload", link.BackendOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &corruptBuffer{Ring: buffer.New(4)}
			api := &fakeSender{}
			clk := clock.NewFake(time.Time{})
			up := NewUploader(api, buf, clk, Options{DeviceID: "d"}, nil, nil, nil)

			up.Stage(sensor.Reading{Seq: 1, Moisture: sensor.Int(10)})
			res := up.Transmit(context.Background(), link.WiFiDown, Health{})
			require.NoError(t, res.Fault)

			buf.err = fmt.Errorf("%w: 5 of 4", buffer.ErrCorrupted)
			up.Stage(sensor.Reading{Seq: 2, Moisture: sensor.Int(11)})
			res = up.Transmit(context.Background(), tt.status, Health{})
			assert.ErrorIs(t, res.Fault, buffer.ErrCorrupted)
		})
	}
}

func TestUploader_PayloadLimit(t *testing.T) {
	f := newFixture(t, 10)
	for i := 0; i < 6; i++ {
		f.cycle(link.WiFiDown)
	}

	one, err := (&backend.Telemetry{Readings: make([]sensor.Reading, 1)}).Marshal()
	require.NoError(t, err)
	f.up.opts.MaxPayloadBytes = len(one) + 3*60

	res := f.cycle(link.BackendOK)
	require.NoError(t, res.Err)
	require.Less(t, res.Uploaded, 7)
	require.Greater(t, res.Uploaded, 1)

	body := f.api.last()
	sent := seqs(body.Readings)
	assert.Equal(t, uint64(1), sent[0], "oldest first")
	assert.Equal(t, uint64(7), sent[len(sent)-1], "live reading always included")
	assert.Equal(t, 7-res.Uploaded, f.buf.Len())

	e, ok := f.buf.Peek()
	require.True(t, ok)
	assert.Equal(t, uint64(res.Uploaded), e.Seq())
}

func TestUploader_StageTwiceBuffersPrevious(t *testing.T) {
	f := newFixture(t, 10)
	f.up.Stage(sensor.Reading{Seq: 1, Moisture: sensor.Int(1)})
	res := f.up.Stage(sensor.Reading{Seq: 2, Moisture: sensor.Int(2)})
	assert.True(t, res.Enqueued)
	assert.Equal(t, 1, f.buf.Len())

	staged, ok := f.up.Staged()
	require.True(t, ok)
	assert.Equal(t, uint64(2), staged.Seq)

	f.up.Hold()
	_, ok = f.up.Staged()
	assert.False(t, ok)
	assert.Equal(t, 2, f.buf.Len())
}

func TestUploader_SequenceFault(t *testing.T) {
	f := newFixture(t, 10)
	f.up.Stage(sensor.Reading{Seq: 5, Moisture: sensor.Int(1)})
	f.up.Hold()
	f.up.Stage(sensor.Reading{Seq: 4, Moisture: sensor.Int(1)})
	res := f.up.Hold()
	assert.ErrorIs(t, res.Fault, buffer.ErrSequence)
}

func TestUploader_Ack(t *testing.T) {
	f := newFixture(t, 10)
	ack := uint64(1)
	f.api.ack = &ack
	f.cycle(link.BackendOK)

	got, ok := f.up.AckUpToSeq()
	require.True(t, ok)
	assert.Equal(t, uint64(1), got)

	ack = 9
	f.cycle(link.BackendOK)
	got, _ = f.up.AckUpToSeq()
	assert.Equal(t, uint64(9), got)

	ack = 4
	f.cycle(link.BackendOK)
	got, _ = f.up.AckUpToSeq()
	assert.Equal(t, uint64(9), got, "regressions are ignored")
}

func TestUploader_EpochTimestamps(t *testing.T) {
	api := &fakeSender{}
	wall := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(wall)
	up := NewUploader(api, buffer.New(4), clk, Options{}, nil, nil, nil)

	clk.Advance(10 * time.Second)
	up.Stage(sensor.Reading{Seq: 1, Timestamp: clk.Now(), Moisture: sensor.Int(1)})
	clk.Advance(2 * time.Second)
	up.Transmit(context.Background(), link.BackendOK, Health{})

	body := api.last()
	assert.Equal(t, TimeBaseEpoch, body.TimeBase)
	assert.Equal(t, wall.Add(10*time.Second).UnixMilli(), body.Readings[0].Timestamp)
}

func TestUploader_NothingToSend(t *testing.T) {
	f := newFixture(t, 10)
	res := f.up.Transmit(context.Background(), link.BackendOK, Health{})
	assert.Equal(t, Result{}, res)
	assert.Equal(t, 0, f.api.calls)
}

func TestSequencer(t *testing.T) {
	s := NewSequencer(41)
	assert.Equal(t, uint64(41), s.Last())
	assert.Equal(t, uint64(42), s.Next())
	assert.Equal(t, uint64(43), s.Next())
	assert.Equal(t, uint64(43), s.Last())
}
