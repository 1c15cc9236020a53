package board

import (
	"errors"
	"fmt"
	"time"
)

// Channel identifies an input channel of the front end.
type Channel int

const (
	Moisture Channel = iota
	Temperature
	Humidity // Tenths of a percent, from a digital DHT-class sensor
	Light
	NumChannels
)

func (c Channel) String() string {
	switch c {
	case Moisture:
		return "moisture"
	case Temperature:
		return "temperature"
	case Humidity:
		return "humidity"
	case Light:
		return "light"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// Output identifies a digital output of the front end.
type Output int

const (
	Pump Output = iota
	StatusLED
	Buzzer
	NumOutputs
)

func (o Output) String() string {
	switch o {
	case Pump:
		return "pump"
	case StatusLED:
		return "led"
	case Buzzer:
		return "buzzer"
	default:
		return fmt.Sprintf("output(%d)", int(o))
	}
}

// MaxPumpOn is the pump ceiling the front end enforces on its own, so the
// pump stops even when the host dies mid-activation.
const MaxPumpOn = 60 * time.Second

// Frame is one sampling window: every channel converted back to back.
type Frame struct {
	Uptime  time.Duration // Front-end uptime at conversion
	Values  [NumChannels]uint16
	Valid   [NumChannels]bool
	Outputs [NumOutputs]bool // Output levels read back by the front end
}

// Errors reported by board backends.
var (
	ErrNotConnected = errors.New("board not connected")
	ErrNoReadback   = errors.New("no output readback yet")
)

// Device is the connection lifecycle shared by all backends.
type Device interface {
	Connect() error
	Close() error
	IsConnected() bool
}

// Sampler delivers raw frames.
type Sampler interface {
	// Drain passes every frame received since the previous call, oldest first.
	Drain(fn func(Frame)) int
}

// Driver drives outputs and reads their levels back.
type Driver interface {
	Set(o Output, high bool) error
	Level(o Output) (bool, error)
}

// Board is a complete front end (real or mocked).
type Board interface {
	Device
	Sampler
	Driver
}

// OutputDevice is a backend that only drives outputs.
type OutputDevice interface {
	Device
	Driver
}

// Ensure backends implement their interfaces.
var (
	_ Board        = (*Serial)(nil)
	_ Board        = (*Mock)(nil)
	_ Board        = (*Split)(nil)
	_ OutputDevice = (*GPIO)(nil)
)

// Split takes frames from one board and drives outputs through another device.
type Split struct {
	Inputs  Board
	Outputs OutputDevice
}

// Connect connects the output device first so outputs are safe before sampling starts.
func (s *Split) Connect() error {
	if err := s.Outputs.Connect(); err != nil {
		return err
	}
	if err := s.Inputs.Connect(); err != nil {
		s.Outputs.Close()
		return err
	}
	return nil
}

// Close closes both devices.
func (s *Split) Close() error {
	return errors.Join(s.Inputs.Close(), s.Outputs.Close())
}

// IsConnected reports whether both devices are connected.
func (s *Split) IsConnected() bool {
	return s.Inputs.IsConnected() && s.Outputs.IsConnected()
}

// Drain delegates to the input board.
func (s *Split) Drain(fn func(Frame)) int {
	return s.Inputs.Drain(fn)
}

// Set delegates to the output device.
func (s *Split) Set(o Output, high bool) error {
	return s.Outputs.Set(o, high)
}

// Level delegates to the output device.
func (s *Split) Level(o Output) (bool, error) {
	return s.Outputs.Level(o)
}
