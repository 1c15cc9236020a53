package config

import (
	"errors"
	"fmt"
	"time"
)

// Safe ranges for runtime interval overrides.
const (
	MinSendInterval      = 5 * time.Second
	MaxSendInterval      = 600 * time.Second
	MinCommandInterval   = 5 * time.Second
	MinHeartbeatInterval = 5 * time.Second

	// MaxProbeInterval keeps an open breaker from outliving the next TRANSMIT
	// tick at the shortest send interval.
	MaxProbeInterval = MinSendInterval / 2

	// MaxIrrigation is the absolute upper bound of a single pump activation.
	MaxIrrigation = 60 * time.Second
)

// ErrIntervalRange is returned when an interval falls outside its safe range.
var ErrIntervalRange = errors.New("interval out of range")

// Intervals is the small mutable record written by SET_INTERVAL commands.
// It is only touched from the main loop.
type Intervals struct {
	Send         time.Duration
	CommandCheck time.Duration
	Heartbeat    time.Duration
}

// Validate checks all intervals against their safe ranges.
func (i *Intervals) Validate() error {
	if i.Send < MinSendInterval || i.Send > MaxSendInterval {
		return fmt.Errorf("%w: send %s not in [%s, %s]", ErrIntervalRange, i.Send, MinSendInterval, MaxSendInterval)
	}
	if i.CommandCheck < MinCommandInterval {
		return fmt.Errorf("%w: command check %s below %s", ErrIntervalRange, i.CommandCheck, MinCommandInterval)
	}
	if i.Heartbeat < MinHeartbeatInterval {
		return fmt.Errorf("%w: heartbeat %s below %s", ErrIntervalRange, i.Heartbeat, MinHeartbeatInterval)
	}
	return nil
}

// Apply overrides the non-zero values of next. Nothing changes unless the
// merged record is valid.
func (i *Intervals) Apply(next Intervals) error {
	merged := *i
	if next.Send != 0 {
		merged.Send = next.Send
	}
	if next.CommandCheck != 0 {
		merged.CommandCheck = next.CommandCheck
	}
	if next.Heartbeat != 0 {
		merged.Heartbeat = next.Heartbeat
	}
	if err := merged.Validate(); err != nil {
		return err
	}
	*i = merged
	return nil
}
