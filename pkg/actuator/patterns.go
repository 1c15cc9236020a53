package actuator

import "github.com/itohio/gardenagent/pkg/phase"

// Blink periods in milliseconds (one on plus one off half-period).
const (
	slowBlink     = 1000 // 1 Hz
	fastBlink     = 200  // 5 Hz
	identifyBlink = 500
	sosUnit       = 200
)

// sos is the SOS signal in time units: dot = 1, dash = 3, gaps of 1, 3 and 7.
var sos = buildSOS()

func buildSOS() []bool {
	var units []bool
	add := func(on bool, n int) {
		for i := 0; i < n; i++ {
			units = append(units, on)
		}
	}
	letter := func(mark int) {
		for i := 0; i < 3; i++ {
			add(true, mark)
			if i < 2 {
				add(false, 1)
			}
		}
	}
	letter(1)
	add(false, 3)
	letter(3)
	add(false, 3)
	letter(1)
	add(false, 7)
	return units
}

// SOS returns the SOS level at now.
func SOS(now int64) bool {
	return sos[(now/sosUnit)%int64(len(sos))]
}

func blink(now, period int64) bool {
	return now%period < period/2
}

// LEDLevel returns the status LED level for phase p at now.
func LEDLevel(p phase.Phase, now int64) bool {
	switch p {
	case phase.Run:
		return true
	case phase.Boot, phase.Register:
		return blink(now, slowBlink)
	case phase.Degraded:
		return blink(now, fastBlink)
	case phase.Panic:
		return SOS(now)
	default:
		return false
	}
}

// beeps is a finite buzzer sequence of count pulses.
type beeps struct {
	start   int64
	count   int
	on, off int64
}

func (b beeps) level(now int64) (high bool, done bool) {
	if b.count == 0 || now < b.start {
		return false, b.count == 0
	}
	t := now - b.start
	period := b.on + b.off
	if t/period >= int64(b.count) {
		return false, true
	}
	return t%period < b.on, false
}
