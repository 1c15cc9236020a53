package phase

// Phase is the top-level lifecycle state of the agent.
type Phase int

const (
	Boot Phase = iota
	Register
	Run
	Degraded
	Panic
)

// All lists every phase in lifecycle order.
var All = []Phase{Boot, Register, Run, Degraded, Panic}

func (p Phase) String() string {
	switch p {
	case Boot:
		return "BOOT"
	case Register:
		return "REGISTER"
	case Run:
		return "RUN"
	case Degraded:
		return "DEGRADED"
	case Panic:
		return "PANIC"
	default:
		return "UNKNOWN"
	}
}

// Safe reports whether actuators must be held off in p.
func (p Phase) Safe() bool {
	return p == Degraded || p == Panic
}
