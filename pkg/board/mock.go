package board

import (
	"fmt"
	"sync"
	"time"
)

// Mock simulates the front end for testing and development. Every Drain call
// yields exactly one frame built from the programmed channel values.
type Mock struct {
	mu        sync.RWMutex
	connected bool
	started   time.Time

	values  [NumChannels]uint16
	fail    [NumChannels]bool
	outputs [NumOutputs]bool
	stuck   [NumOutputs]*bool
	setErr  error
	writes  []OutputWrite

	pumpOn      time.Time
	pumpCeiling time.Duration

	// Simulation state
	simulate bool
}

// OutputWrite records one Set call on the mock.
type OutputWrite struct {
	Output Output
	High   bool
}

// NewMock creates a mocked board with mid-scale soil, 25 °C, 60 % humidity and full light.
func NewMock() *Mock {
	return &Mock{
		values: [NumChannels]uint16{
			Moisture:    2048,
			Temperature: 931,
			Humidity:    600,
			Light:       4095,
		},
		pumpCeiling: MaxPumpOn,
	}
}

// NewSimulatedMock creates a mock whose soil dries slowly and wets while the pump runs.
func NewSimulatedMock() *Mock {
	m := NewMock()
	m.values[Moisture] = 1400
	m.simulate = true
	return m
}

// Connect simulates connecting to the device.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}
	m.connected = true
	m.started = time.Now()
	return nil
}

// Close stops the mocked device.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected returns whether the device is currently connected.
func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// SetRaw programs the raw value of a channel.
func (m *Mock) SetRaw(ch Channel, v uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[ch] = v
}

// Raw returns the programmed raw value of a channel.
func (m *Mock) Raw(ch Channel) uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[ch]
}

// Fail makes a channel report a conversion failure.
func (m *Mock) Fail(ch Channel, fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[ch] = fail
}

// FailAll makes every channel report a conversion failure.
func (m *Mock) FailAll(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.fail {
		m.fail[ch] = fail
	}
}

// Stick forces the readback of an output to a fixed level regardless of Set.
func (m *Mock) Stick(o Output, level bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stuck[o] = &level
}

// Unstick restores normal readback of an output.
func (m *Mock) Unstick(o Output) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stuck[o] = nil
}

// FailWrites makes every Set return err. Nil restores normal behaviour.
func (m *Mock) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setErr = err
}

// Writes returns the recorded Set calls.
func (m *Mock) Writes() []OutputWrite {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]OutputWrite(nil), m.writes...)
}

// Output returns the commanded level of an output.
func (m *Mock) Output(o Output) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchdog()
	return m.outputs[o]
}

// Drain yields one frame built from the programmed values.
func (m *Mock) Drain(fn func(Frame)) int {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return 0
	}
	m.watchdog()
	if m.simulate {
		m.step()
	}
	frame := Frame{Uptime: time.Since(m.started)}
	for ch := Channel(0); ch < NumChannels; ch++ {
		if m.fail[ch] {
			continue
		}
		frame.Values[ch] = m.values[ch]
		frame.Valid[ch] = true
	}
	for o := Output(0); o < NumOutputs; o++ {
		frame.Outputs[o] = m.level(o)
	}
	m.mu.Unlock()

	fn(frame)
	return 1
}

// Set sets an output level (simulated).
func (m *Mock) Set(o Output, high bool) error {
	if o < 0 || o >= NumOutputs {
		return fmt.Errorf("unknown output %d", o)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if m.setErr != nil {
		return m.setErr
	}
	if o == Pump && high && !m.outputs[Pump] {
		m.pumpOn = time.Now()
	}
	m.outputs[o] = high
	m.writes = append(m.writes, OutputWrite{Output: o, High: high})
	return nil
}

// SetPumpCeiling changes how long the simulated MCU keeps the pump on without
// a fresh activation.
func (m *Mock) SetPumpCeiling(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pumpCeiling = d
}

// watchdog drops the pump after the MCU ceiling, like the firmware does.
func (m *Mock) watchdog() {
	if m.outputs[Pump] && time.Since(m.pumpOn) >= m.pumpCeiling {
		m.outputs[Pump] = false
	}
}

// Level returns the read-back level of an output.
func (m *Mock) Level(o Output) (bool, error) {
	if o < 0 || o >= NumOutputs {
		return false, fmt.Errorf("unknown output %d", o)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return false, ErrNotConnected
	}
	m.watchdog()
	return m.level(o), nil
}

func (m *Mock) level(o Output) bool {
	if s := m.stuck[o]; s != nil {
		return *s
	}
	return m.outputs[o]
}

// step advances the soil model by one frame. Raw moisture rises with wetness.
func (m *Mock) step() {
	v := int(m.values[Moisture])
	if m.outputs[Pump] {
		v += 40
	} else {
		v -= 2
	}
	m.values[Moisture] = uint16(min(max(v, 0), 4095))
}
