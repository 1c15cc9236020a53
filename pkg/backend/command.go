package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is a command kind.
type Kind string

const (
	Irrigate     Kind = "IRRIGATE"
	StopIrrigate Kind = "STOP_IRRIGATE"
	SetInterval  Kind = "SET_INTERVAL"
	Beep         Kind = "BEEP"
	LED          Kind = "LED"
	NOP          Kind = "NOP"
	GetStatus    Kind = "GET_STATUS"
)

// Known reports whether k is a supported kind.
func (k Kind) Known() bool {
	switch k {
	case Irrigate, StopIrrigate, SetInterval, Beep, LED, NOP, GetStatus:
		return true
	}
	return false
}

// Outcome is the result reported in a command ACK.
type Outcome string

const (
	Accepted Outcome = "ACCEPTED" // Reserved for long-running commands
	Rejected Outcome = "REJECTED"
	Executed Outcome = "EXECUTED"
	Failed   Outcome = "FAILED"
)

// MaxParams is the largest parameter map a command may carry.
const MaxParams = 8

// ErrParam is returned for a parameter with the wrong type.
var ErrParam = errors.New("bad parameter")

// Params holds raw command parameters.
type Params map[string]json.RawMessage

// Number returns a numeric parameter. Numeric strings are accepted. ok is
// false when the key is absent or null.
func (p Params) Number(key string) (v float64, ok bool, err error) {
	raw, found := p[key]
	if !found || string(raw) == "null" {
		return 0, false, nil
	}
	if err := json.Unmarshal(raw, &v); err == nil {
		return v, true, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false, fmt.Errorf("%w: %s is not a number", ErrParam, key)
	}
	v, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s is not a number", ErrParam, key)
	}
	return v, true, nil
}

// Duration returns a millisecond parameter as a duration.
func (p Params) Duration(key string) (time.Duration, bool, error) {
	v, ok, err := p.Number(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	return time.Duration(v * float64(time.Millisecond)), true, nil
}

// Command is a backend-originated instruction.
type Command struct {
	ID        string
	Kind      Kind
	Params    Params
	ExpiresAt time.Time // Zero when the command never expires
	Err       error     // Set when the command could not be decoded
}

// Expired reports whether the command expired before now.
func (c *Command) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// UnmarshalJSON decodes a command, accepting the legacy "id" and
// "command_type" field names.
func (c *Command) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID         string `json:"command_id"`
		LegacyID   string `json:"id"`
		Kind       string `json:"kind"`
		LegacyKind string `json:"command_type"`
		Parameters Params `json:"parameters"`
		ExpiresAt  string `json:"expires_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode command: %w", err)
	}

	*c = Command{
		ID:     raw.ID,
		Kind:   Kind(strings.ToUpper(strings.TrimSpace(raw.Kind))),
		Params: raw.Parameters,
	}
	if c.ID == "" {
		c.ID = raw.LegacyID
	}
	if c.Kind == "" {
		c.Kind = Kind(strings.ToUpper(strings.TrimSpace(raw.LegacyKind)))
	}
	if raw.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, raw.ExpiresAt)
		if err != nil {
			return fmt.Errorf("failed to decode command %s: expires_at: %w", c.ID, err)
		}
		c.ExpiresAt = t
	}
	return nil
}

// peekID extracts the command id from a command that failed to decode.
func peekID(raw json.RawMessage) string {
	var ids struct {
		ID       any `json:"command_id"`
		LegacyID any `json:"id"`
	}
	json.Unmarshal(raw, &ids)
	for _, v := range []any{ids.ID, ids.LegacyID} {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}
