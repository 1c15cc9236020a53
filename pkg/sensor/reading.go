package sensor

import (
	"fmt"
	"strings"
)

// Reading is a calibrated snapshot of all channels. A nil field is MISSING and
// serializes as JSON null.
type Reading struct {
	Timestamp int64    `json:"ts"` // Milliseconds since boot; restamped on upload
	Moisture  *int     `json:"moisture"`
	Light     *int     `json:"light"`
	TempC     *float64 `json:"temp_c"`
	Humidity  *float64 `json:"humidity"`
	Seq       uint64   `json:"seq"`
}

// Empty reports whether every field is missing.
func (r Reading) Empty() bool {
	return r.Moisture == nil && r.Light == nil && r.TempC == nil && r.Humidity == nil
}

// Missing returns the number of missing fields.
func (r Reading) Missing() int {
	n := 0
	if r.Moisture == nil {
		n++
	}
	if r.Light == nil {
		n++
	}
	if r.TempC == nil {
		n++
	}
	if r.Humidity == nil {
		n++
	}
	return n
}

func (r Reading) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "seq=%d ts=%d", r.Seq, r.Timestamp)
	writeInt(&sb, "moisture", r.Moisture)
	writeInt(&sb, "light", r.Light)
	writeFloat(&sb, "temp_c", r.TempC)
	writeFloat(&sb, "humidity", r.Humidity)
	return sb.String()
}

func writeInt(sb *strings.Builder, key string, v *int) {
	if v == nil {
		fmt.Fprintf(sb, " %s=-", key)
		return
	}
	fmt.Fprintf(sb, " %s=%d", key, *v)
}

func writeFloat(sb *strings.Builder, key string, v *float64) {
	if v == nil {
		fmt.Fprintf(sb, " %s=-", key)
		return
	}
	fmt.Fprintf(sb, " %s=%.1f", key, *v)
}

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
