package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/gardenagent/pkg/actuator"
	"github.com/itohio/gardenagent/pkg/backend"
	"github.com/itohio/gardenagent/pkg/board"
	"github.com/itohio/gardenagent/pkg/clock"
	"github.com/itohio/gardenagent/pkg/config"
	"github.com/itohio/gardenagent/pkg/link"
	"github.com/itohio/gardenagent/pkg/nvstate"
	"github.com/itohio/gardenagent/pkg/phase"
	"github.com/itohio/gardenagent/pkg/scheduler"
)

// fakeBackend is a scriptable device backend.
type fakeBackend struct {
	mu              sync.Mutex
	registerStatus  int
	telemetryStatus int
	commands        []string // Served once, then cleared

	registrations []backend.Registration
	telemetry     []backend.Telemetry
	acks          []backend.Ack
	heartbeats    []backend.Heartbeat
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case backend.PathRegister:
		var reg backend.Registration
		json.NewDecoder(r.Body).Decode(&reg)
		f.registrations = append(f.registrations, reg)
		if f.registerStatus != 0 {
			w.WriteHeader(f.registerStatus)
			return
		}
		w.Write([]byte(`{"accepted":true}`))

	case backend.PathTelemetry:
		if f.telemetryStatus != 0 {
			w.WriteHeader(f.telemetryStatus)
			return
		}
		var body backend.Telemetry
		json.NewDecoder(r.Body).Decode(&body)
		f.telemetry = append(f.telemetry, body)
		last := body.Readings[len(body.Readings)-1].Seq
		json.NewEncoder(w).Encode(map[string]uint64{"ack_up_to_seq": last})

	case backend.PathCommands:
		if len(f.commands) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"commands":[` + strings.Join(f.commands, ",") + `]}`))
		f.commands = nil

	case backend.PathCommandAck:
		var ack backend.Ack
		json.NewDecoder(r.Body).Decode(&ack)
		f.acks = append(f.acks, ack)

	case backend.PathDeviceManagement:
		var hb backend.Heartbeat
		json.NewDecoder(r.Body).Decode(&hb)
		f.heartbeats = append(f.heartbeats, hb)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeBackend) set(fn func(f *fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeBackend) sent() []backend.Telemetry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Telemetry(nil), f.telemetry...)
}

func (f *fakeBackend) regs() []backend.Registration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Registration(nil), f.registrations...)
}

func (f *fakeBackend) ackList() []backend.Ack {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Ack(nil), f.acks...)
}

func (f *fakeBackend) beats() []backend.Heartbeat {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Heartbeat(nil), f.heartbeats...)
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	api   *fakeBackend
	clk   *clock.Fake
	mock  *board.Mock
	radio *link.MockRadio
	cfg   *config.Config
	store *nvstate.Store
	sup   *Supervisor
}

func newHarness(t *testing.T, tweak func(*harness)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		api:   &fakeBackend{},
		clk:   clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		mock:  board.NewMock(),
		radio: link.NewMockRadio(),
		cfg:   config.Default(),
	}
	srv := httptest.NewServer(h.api)
	t.Cleanup(srv.Close)

	h.cfg.Backend.URL = srv.URL
	h.cfg.Backend.AllowInsecure = true
	h.cfg.Backend.AnonKey = "anon"
	h.cfg.Backend.ProbeInterval = time.Millisecond
	h.cfg.WiFi.SSID = "garden"
	h.cfg.Device.ZoneID = "zone-1"
	require.NoError(t, h.mock.Connect())

	if tweak != nil {
		tweak(h)
	}

	sup, err := New(h.cfg, h.clk, h.mock, h.radio, Options{
		Store:      h.store,
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, err)
	h.sup = sup
	sup.Boot(h.ctx)
	return h
}

// run steps the main loop every 50 ms for d.
func (h *harness) run(d time.Duration) {
	end := h.clk.Now() + d.Milliseconds()
	for {
		h.sup.Step(h.ctx)
		if h.clk.Now() >= end {
			return
		}
		h.clk.Advance(50 * time.Millisecond)
	}
}

func TestSupervisor_BootRegisterRun(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, phase.Boot, h.sup.Phase())

	h.run(100 * time.Millisecond)
	require.Equal(t, phase.Run, h.sup.Phase())
	require.Len(t, h.api.regs(), 1)
	reg := h.api.regs()[0]
	assert.Equal(t, "esp32_garden_001", reg.DeviceID)
	assert.Equal(t, "zone-1", reg.ZoneID)
	assert.Equal(t, h.sup.BootID(), reg.BootID)
	assert.Equal(t, DeviceType, reg.DeviceType)
	assert.Len(t, h.sup.BootID(), 36)

	h.run(30 * time.Second)
	sent := h.api.sent()
	require.Len(t, sent, 1)
	body := sent[0]
	assert.Equal(t, "RUN", body.Status)
	assert.Equal(t, h.sup.BootID(), body.BootID)
	require.Len(t, body.Readings, 2, "reading held during BOOT plus the live one")
	assert.Equal(t, uint64(1), body.Readings[0].Seq)
	assert.Equal(t, uint64(2), body.Readings[1].Seq)
	assert.Equal(t, 50, *body.Readings[1].Moisture)

	snap := h.sup.Snapshot()
	assert.Equal(t, link.BackendOK, snap.Link)
	assert.Equal(t, 0, snap.Buffered)
	assert.Equal(t, uint64(2), snap.AckUpToSeq)
	assert.Contains(t, snap.String(), "phase=RUN link=BACKEND_OK")
	assert.False(t, h.sup.Scheduler().Enabled(scheduler.WiFiReconnect))
}

func TestSupervisor_WaitsForWiFi(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.radio.FailNext(2)
	})
	h.run(time.Second)
	assert.Equal(t, phase.Boot, h.sup.Phase())
	assert.True(t, h.sup.Scheduler().Enabled(scheduler.WiFiReconnect))

	h.run(2 * time.Minute)
	assert.Equal(t, phase.Run, h.sup.Phase())
	assert.Equal(t, 3, h.radio.Attempts())
}

func TestSupervisor_RegisterRejected(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   phase.Phase
	}{
		{"unauthorized", http.StatusUnauthorized, phase.Panic},
		{"forbidden", http.StatusForbidden, phase.Panic},
		{"server error retries", http.StatusInternalServerError, phase.Register},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(h *harness) {
				h.api.registerStatus = tt.status
			})
			h.run(time.Second)
			assert.Equal(t, tt.want, h.sup.Phase())
		})
	}
}

func TestSupervisor_RegisterRetry(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.api.registerStatus = http.StatusServiceUnavailable
	})
	h.run(time.Second)
	require.Equal(t, phase.Register, h.sup.Phase())
	assert.Equal(t, "http_503", h.sup.Snapshot().LastError)
	assert.Contains(t, h.sup.Snapshot().String(), "last_err=http_503")

	h.api.set(func(f *fakeBackend) { f.registerStatus = 0 })
	h.run(10 * time.Second)
	assert.Equal(t, phase.Register, h.sup.Phase(), "waits for the reconnect interval")

	h.run(25 * time.Second)
	assert.Equal(t, phase.Run, h.sup.Phase())
	assert.Len(t, h.api.regs(), 2)
}

func TestSupervisor_AuthFailureDegrades(t *testing.T) {
	h := newHarness(t, nil)
	h.run(100 * time.Millisecond)
	require.Equal(t, phase.Run, h.sup.Phase())

	h.api.set(func(f *fakeBackend) { f.telemetryStatus = http.StatusUnauthorized })
	h.run(30 * time.Second)
	require.Equal(t, phase.Degraded, h.sup.Phase())
	assert.Equal(t, "auth", h.sup.Reason())

	seen := map[bool]bool{}
	for i := 0; i < 8; i++ {
		h.run(50 * time.Millisecond)
		led := h.mock.Output(board.StatusLED)
		assert.Equal(t, actuator.LEDLevel(phase.Degraded, h.clk.Now()), led)
		seen[led] = true
	}
	assert.Len(t, seen, 2, "LED blinks")

	h.api.set(func(f *fakeBackend) { f.telemetryStatus = 0 })
	h.run(30 * time.Second)
	assert.Equal(t, phase.Run, h.sup.Phase())
	assert.True(t, h.mock.Output(board.StatusLED))
}

func TestSupervisor_OutageDegradesAndRecovers(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.cfg.Buffer.MaxSize = 2
	})
	h.run(100 * time.Millisecond)
	require.Equal(t, phase.Run, h.sup.Phase())

	h.api.set(func(f *fakeBackend) { f.telemetryStatus = http.StatusServiceUnavailable })
	h.run(30 * time.Second)
	require.Equal(t, phase.Degraded, h.sup.Phase())
	assert.Equal(t, 2, h.sup.Snapshot().Buffered)

	h.api.set(func(f *fakeBackend) { f.telemetryStatus = 0 })
	time.Sleep(5 * time.Millisecond)
	h.run(30 * time.Second)
	assert.Equal(t, phase.Run, h.sup.Phase())

	sent := h.api.sent()
	require.NotEmpty(t, sent)
	last := sent[len(sent)-1]
	assert.Len(t, last.Readings, 3)
	assert.Equal(t, 0, h.sup.Snapshot().Buffered)
}

// TestSupervisor_UploadsOnFirstTransmitAfterOutage runs the real loop with the
// default timing scaled down 100 times, breaker included.
func TestSupervisor_UploadsOnFirstTransmitAfterOutage(t *testing.T) {
	api := &fakeBackend{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	cfg := config.Default()
	cfg.Backend.URL = srv.URL
	cfg.Backend.AllowInsecure = true
	cfg.Backend.AnonKey = "anon"
	cfg.WiFi.SSID = "garden"
	cfg.Device.ZoneID = "zone-1"
	cfg.Backend.ProbeInterval /= 100
	cfg.Timing.SendInterval /= 100
	cfg.Timing.CommandCheckInterval /= 100
	cfg.Timing.HeartbeatInterval /= 100
	cfg.Timing.WiFiReconnectInterval /= 100
	cfg.Timing.LoopTick = 5 * time.Millisecond
	send := cfg.Timing.SendInterval

	mock := board.NewMock()
	require.NoError(t, mock.Connect())
	sup, err := New(cfg, clock.NewSystem(), mock, link.NewMockRadio(), Options{RetryDelay: 5 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool { return len(api.sent()) > 0 }, 5*time.Second, time.Millisecond)
	require.Equal(t, phase.Run, sup.Phase())

	api.set(func(f *fakeBackend) { f.telemetryStatus = http.StatusServiceUnavailable })
	time.Sleep(5 * send)
	before := len(api.sent())

	restored := time.Now()
	api.set(func(f *fakeBackend) { f.telemetryStatus = 0 })
	require.Eventually(t, func() bool { return len(api.sent()) > before }, 5*time.Second, time.Millisecond)
	elapsed := time.Since(restored)

	assert.Less(t, elapsed, send*5/4, "first TRANSMIT after the outage uploads")
	last := api.sent()[before]
	assert.GreaterOrEqual(t, len(last.Readings), 4, "buffered readings go with the live one")
}

func TestSupervisor_SensorFailurePanics(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.mock.FailAll(true)
	})
	h.run(100 * time.Millisecond)
	require.Equal(t, phase.Run, h.sup.Phase())

	h.run(100 * time.Second)
	h.api.set(func(f *fakeBackend) {
		f.commands = []string{`{"command_id":"c1","kind":"IRRIGATE","parameters":{"duration_ms":60000}}`}
	})
	h.run(10 * time.Second)
	require.True(t, h.mock.Output(board.Pump), "pump running before PANIC")

	h.run(10 * time.Second)
	require.Equal(t, phase.Panic, h.sup.Phase())
	assert.Equal(t, "sensor", h.sup.Reason())
	assert.False(t, h.mock.Output(board.Pump))
	assert.Equal(t, link.WiFiDown, h.sup.Link().Status())
	_, due := h.sup.Scheduler().NextDue()
	assert.False(t, due, "all tasks disabled")

	calls := len(h.api.sent())
	h.run(2 * time.Minute)
	assert.Equal(t, calls, len(h.api.sent()))
	assert.False(t, h.mock.Output(board.Pump))
}

func TestSupervisor_SelfTestFailurePanics(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.mock.Stick(board.Buzzer, false)
	})
	assert.Equal(t, phase.Panic, h.sup.Phase())
	assert.Equal(t, "self_test", h.sup.Reason())

	seen := map[bool]bool{}
	for i := 0; i < 20; i++ {
		h.run(200 * time.Millisecond)
		seen[h.mock.Output(board.StatusLED)] = true
	}
	assert.Len(t, seen, 2, "LED signals SOS")
	assert.Empty(t, h.api.regs())
}

func TestSupervisor_SetIntervalReschedules(t *testing.T) {
	h := newHarness(t, nil)
	h.run(100 * time.Millisecond)
	h.api.set(func(f *fakeBackend) {
		f.commands = []string{`{"command_id":"i1","kind":"SET_INTERVAL","parameters":{"send_interval_ms":60000}}`}
	})
	h.run(15 * time.Second)

	require.Len(t, h.api.ackList(), 1)
	assert.Equal(t, backend.Executed, h.api.ackList()[0].Outcome)
	assert.Equal(t, time.Minute, h.sup.Scheduler().Period(scheduler.Sample))
	assert.Equal(t, time.Minute, h.sup.Scheduler().Period(scheduler.Transmit))
	assert.Equal(t, 60*time.Second, h.sup.Snapshot().Intervals.Send)
}

func TestSupervisor_GetStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.run(100 * time.Millisecond)
	h.api.set(func(f *fakeBackend) {
		f.commands = []string{`{"command_id":"s1","kind":"GET_STATUS"}`}
	})
	h.run(15 * time.Second)

	require.Len(t, h.api.ackList(), 1)
	assert.Equal(t, backend.Executed, h.api.ackList()[0].Outcome)
	assert.Contains(t, h.api.ackList()[0].Detail, "phase=RUN")
	assert.Contains(t, h.api.ackList()[0].Detail, "pump=off")
}

func TestSupervisor_Heartbeat(t *testing.T) {
	h := newHarness(t, nil)
	h.run(61 * time.Second)

	require.NotEmpty(t, h.api.beats())
	hb := h.api.beats()[len(h.api.beats())-1]
	assert.Equal(t, "esp32_garden_001", hb.DeviceID)
	assert.Equal(t, "RUN", hb.Status)
	assert.Equal(t, h.sup.BootID(), hb.BootID)
	assert.Equal(t, int64(60_000), hb.UptimeMS)
}

func TestSupervisor_PersistsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	store := nvstate.NewStore(path)
	require.NoError(t, store.Save(nvstate.State{LastSeq: 41, RecentCommandIDs: []string{"old"}}))

	h := newHarness(t, func(h *harness) {
		h.store = store
		h.api.commands = []string{`{"command_id":"old","kind":"BEEP"}`}
	})
	h.run(30 * time.Second)

	require.Len(t, h.api.ackList(), 1)
	assert.Equal(t, backend.Ack{CommandID: "old", Outcome: backend.Rejected, Detail: "duplicate"}, h.api.ackList()[0])

	sent := h.api.sent()
	require.NotEmpty(t, sent)
	assert.Equal(t, uint64(42), sent[0].Readings[0].Seq)

	h.run(30 * time.Second)
	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(44), st.LastSeq)
	assert.Equal(t, []string{"old"}, st.RecentCommandIDs)
}
