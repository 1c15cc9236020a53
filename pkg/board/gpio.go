package board

import (
	"fmt"
	"sync"

	rpio "github.com/stianeikeland/go-rpio/v4"
)

// GPIO drives the outputs directly from a Raspberry Pi gateway.
type GPIO struct {
	mu        sync.Mutex
	pins      [NumOutputs]rpio.Pin
	connected bool
}

// NewGPIO creates a GPIO output device for the given BCM pin numbers.
func NewGPIO(pump, led, buzzer int) *GPIO {
	return &GPIO{
		pins: [NumOutputs]rpio.Pin{
			Pump:      rpio.Pin(pump),
			StatusLED: rpio.Pin(led),
			Buzzer:    rpio.Pin(buzzer),
		},
	}
}

// Connect maps GPIO memory and drives every output low.
func (g *GPIO) Connect() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.connected {
		return fmt.Errorf("already connected")
	}
	if err := rpio.Open(); err != nil {
		return fmt.Errorf("failed to open gpio: %w", err)
	}
	for _, p := range g.pins {
		p.Output()
		p.Low()
	}
	g.connected = true
	return nil
}

// Close drives every output low and unmaps GPIO memory.
func (g *GPIO) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.connected {
		return nil
	}
	for _, p := range g.pins {
		p.Low()
	}
	g.connected = false
	return rpio.Close()
}

// IsConnected returns whether GPIO memory is mapped.
func (g *GPIO) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// Set drives one output.
func (g *GPIO) Set(o Output, high bool) error {
	if o < 0 || o >= NumOutputs {
		return fmt.Errorf("unknown output %d", o)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.connected {
		return ErrNotConnected
	}
	if high {
		g.pins[o].High()
	} else {
		g.pins[o].Low()
	}
	return nil
}

// Level reads the pin level back from the GPIO input register.
func (g *GPIO) Level(o Output) (bool, error) {
	if o < 0 || o >= NumOutputs {
		return false, fmt.Errorf("unknown output %d", o)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.connected {
		return false, ErrNotConnected
	}
	return g.pins[o].Read() == rpio.High, nil
}
