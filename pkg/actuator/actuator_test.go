package actuator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/gardenagent/pkg/board"
	"github.com/itohio/gardenagent/pkg/phase"
)

func newController(t *testing.T) (*Controller, *board.Mock) {
	t.Helper()
	mock := board.NewMock()
	require.NoError(t, mock.Connect())
	c := New(mock, Options{
		DefaultDuration: 5 * time.Second,
		HardCeiling:     60 * time.Second,
		CoolDown:        25 * time.Second,
		Threshold:       30,
		Hysteresis:      5,
		AutoWater:       true,
		SelfTestTimeout: 50 * time.Millisecond,
	}, nil, nil)
	c.SetPhase(0, phase.Run)
	return c, mock
}

// run ticks the controller every 50 ms from start to end inclusive.
func run(t *testing.T, c *Controller, start, end int64) {
	t.Helper()
	for now := start; now <= end; now += 50 {
		require.NoError(t, c.Tick(now))
	}
}

func TestController_InitialTickDrivesOutputsLow(t *testing.T) {
	mock := board.NewMock()
	require.NoError(t, mock.Connect())
	c := New(mock, Options{}, nil, nil)

	require.NoError(t, c.Tick(0))
	assert.False(t, mock.Output(board.Pump))
	assert.Contains(t, mock.Writes(), board.OutputWrite{Output: board.Pump, High: false})
}

func TestController_IrrigateDeadline(t *testing.T) {
	tests := []struct {
		name    string
		request time.Duration
		want    time.Duration
	}{
		{"as requested", 3 * time.Second, 3 * time.Second},
		{"default", 0, 5 * time.Second},
		{"ceiling", 120 * time.Second, 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mock := newController(t)
			got, err := c.Irrigate(1000, tt.request, Remote)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, mock.Output(board.Pump))
			assert.Equal(t, PumpActive, c.State())

			deadline := 1000 + tt.want.Milliseconds()
			run(t, c, 1000, deadline-50)
			assert.True(t, mock.Output(board.Pump), "still on before the deadline")

			require.NoError(t, c.Tick(deadline))
			assert.False(t, mock.Output(board.Pump))
			assert.Equal(t, Idle, c.State())
		})
	}
}

func TestController_Rejections(t *testing.T) {
	c, _ := newController(t)

	_, err := c.Irrigate(0, time.Second, Remote)
	require.NoError(t, err)
	_, err = c.Irrigate(100, time.Second, Remote)
	assert.ErrorIs(t, err, ErrBusy)

	require.True(t, c.Stop(500))
	assert.False(t, c.Stop(600))

	_, err = c.Irrigate(10_000, time.Second, Remote)
	assert.ErrorIs(t, err, ErrCoolDown)
	_, err = c.Irrigate(25_500, time.Second, Remote)
	assert.NoError(t, err)
}

func TestController_Interlock(t *testing.T) {
	for _, p := range []phase.Phase{phase.Boot, phase.Register, phase.Degraded, phase.Panic} {
		t.Run(p.String(), func(t *testing.T) {
			c, mock := newController(t)
			c.SetPhase(0, p)
			_, err := c.Irrigate(0, time.Second, Remote)
			assert.ErrorIs(t, err, ErrInterlock)
			assert.False(t, mock.Output(board.Pump))
		})
	}
}

func TestController_SafePhaseStopsPump(t *testing.T) {
	for _, p := range []phase.Phase{phase.Degraded, phase.Panic} {
		t.Run(p.String(), func(t *testing.T) {
			c, mock := newController(t)
			_, err := c.Irrigate(0, 30*time.Second, Remote)
			require.NoError(t, err)

			c.SetPhase(1000, p)
			assert.False(t, mock.Output(board.Pump), "pump off without waiting for a tick")
			assert.False(t, c.PumpOn())
			run(t, c, 1000, 5000)
			assert.False(t, mock.Output(board.Pump))
		})
	}
}

func TestController_AutoWater(t *testing.T) {
	c, mock := newController(t)

	assert.False(t, c.Observe(0, nil))
	assert.False(t, c.Observe(0, intp(30)), "at threshold")
	require.True(t, c.Observe(0, intp(20)))
	assert.Equal(t, Auto, c.Source())
	assert.True(t, mock.Output(board.Pump))

	assert.False(t, c.Observe(1000, intp(34)), "below hysteresis band")
	assert.Equal(t, PumpActive, c.State())
	c.Observe(2000, intp(35))
	assert.Equal(t, Idle, c.State())
	assert.False(t, mock.Output(board.Pump))

	assert.False(t, c.Observe(3000, intp(10)), "cool-down")
	assert.False(t, c.Observe(26_999, intp(10)))
	assert.True(t, c.Observe(27_000, intp(10)))
	assert.Equal(t, 2, c.Activations())
}

func TestController_AutoWaterIgnoresRemoteRuns(t *testing.T) {
	c, _ := newController(t)
	_, err := c.Irrigate(0, 10*time.Second, Remote)
	require.NoError(t, err)

	c.Observe(1000, intp(90))
	assert.Equal(t, PumpActive, c.State(), "hysteresis only ends auto runs")
}

func TestController_AutoWaterDisabled(t *testing.T) {
	c, _ := newController(t)
	c.opts.AutoWater = false
	assert.False(t, c.Observe(0, intp(0)))
}

func TestController_ReadbackFault(t *testing.T) {
	c, mock := newController(t)
	mock.Stick(board.Pump, false)

	_, err := c.Irrigate(0, 10*time.Second, Remote)
	require.NoError(t, err)
	require.NoError(t, c.Tick(500), "within grace")

	err = c.Tick(1000)
	require.ErrorIs(t, err, ErrFault)
	assert.Equal(t, Idle, c.State())
	assert.False(t, c.PumpOn())

	require.NoError(t, c.Tick(3000), "reported once")
}

func TestController_LEDPatterns(t *testing.T) {
	tests := []struct {
		phase phase.Phase
		at    []int64
		want  []bool
	}{
		{phase.Run, []int64{0, 250, 600}, []bool{true, true, true}},
		{phase.Register, []int64{0, 499, 500, 999, 1000}, []bool{true, true, false, false, true}},
		{phase.Degraded, []int64{0, 99, 100, 199, 200}, []bool{true, true, false, false, true}},
		{phase.Panic, []int64{0, 200, 400, 1000, 1400, 1600, 2000, 2200}, []bool{true, false, true, false, false, true, true, false}},
	}

	for _, tt := range tests {
		t.Run(tt.phase.String(), func(t *testing.T) {
			for i, at := range tt.at {
				assert.Equal(t, tt.want[i], LEDLevel(tt.phase, at), "t=%d", at)
			}
		})
	}
}

func TestController_LEDFollowsPhase(t *testing.T) {
	c, mock := newController(t)
	require.NoError(t, c.Tick(0))
	assert.True(t, mock.Output(board.StatusLED))

	c.SetPhase(100, phase.Degraded)
	require.NoError(t, c.Tick(150))
	assert.False(t, mock.Output(board.StatusLED))
	require.NoError(t, c.Tick(200))
	assert.True(t, mock.Output(board.StatusLED))
}

func TestController_Identify(t *testing.T) {
	c, mock := newController(t)
	c.Identify(0, 2*time.Second)
	require.NoError(t, c.Tick(300))
	assert.False(t, mock.Output(board.StatusLED))
	require.NoError(t, c.Tick(2000))
	assert.True(t, mock.Output(board.StatusLED), "back to solid")
}

func TestController_Buzzer(t *testing.T) {
	c, mock := newController(t)

	c.Chirp(0)
	assert.True(t, mock.Output(board.Buzzer))
	require.NoError(t, c.Tick(100))
	assert.False(t, mock.Output(board.Buzzer))

	c.Beep(1000, 2)
	levels := []bool{}
	for _, at := range []int64{1000, 1150, 1300, 1450, 1600} {
		require.NoError(t, c.Tick(at))
		levels = append(levels, mock.Output(board.Buzzer))
	}
	assert.Equal(t, []bool{true, false, true, false, false}, levels)

	c.SetPhase(2000, phase.Panic)
	require.NoError(t, c.Tick(2000))
	assert.True(t, mock.Output(board.Buzzer), "SOS in PANIC")
	assert.Equal(t, Alert, c.State())
}

func TestController_SelfTest(t *testing.T) {
	c, mock := newController(t)
	require.NoError(t, c.SelfTest(context.Background()))
	for o := board.Output(0); o < board.NumOutputs; o++ {
		assert.False(t, mock.Output(o))
	}

	mock.Stick(board.Buzzer, false)
	err := c.SelfTest(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFault)
	assert.Contains(t, err.Error(), "buzzer")

	mock.Unstick(board.Buzzer)
	mock.FailWrites(errors.New("bus error"))
	assert.Error(t, c.SelfTest(context.Background()))
}

func TestSOSShape(t *testing.T) {
	marks := 0
	prev := false
	for _, on := range sos {
		if on && !prev {
			marks++
		}
		prev = on
	}
	assert.Equal(t, 9, marks)
	assert.Len(t, sos, 34)
}

func intp(v int) *int { return &v }
