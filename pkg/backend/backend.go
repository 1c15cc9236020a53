package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/itohio/gardenagent/pkg/link"
	"github.com/itohio/gardenagent/pkg/sensor"
)

// Backend endpoints.
const (
	PathRegister         = "/functions/v1/device-register"
	PathTelemetry        = "/functions/v1/telemetry"
	PathCommands         = "/functions/v1/commands"
	PathCommandAck       = "/functions/v1/command-ack"
	PathDeviceManagement = "/functions/v1/device-management"
)

// Caller performs backend calls. *link.Link implements it.
type Caller interface {
	Get(ctx context.Context, path string) (*link.Response, error)
	Post(ctx context.Context, path string, body any) (*link.Response, error)
	Put(ctx context.Context, path string, body any) (*link.Response, error)
}

var _ Caller = (*link.Link)(nil)

// Client is the typed backend API.
type Client struct {
	call Caller
}

// New creates a client on top of c.
func New(c Caller) *Client {
	return &Client{call: c}
}

// Registration is the device-register request body.
type Registration struct {
	DeviceID        string `json:"device_id"`
	ZoneID          string `json:"zone_id"`
	DeviceName      string `json:"device_name"`
	FirmwareVersion string `json:"firmware_version"`
	DeviceType      string `json:"device_type,omitempty"`
	IPAddress       string `json:"ip_address,omitempty"`
	MACAddress      string `json:"mac_address,omitempty"`
	BootID          string `json:"boot_id,omitempty"`
}

// Register announces the device. It returns whether the backend accepted it.
func (c *Client) Register(ctx context.Context, reg Registration) (bool, error) {
	res, err := c.call.Post(ctx, PathRegister, reg)
	if err != nil {
		return false, err
	}
	var out struct {
		Accepted bool `json:"accepted"`
	}
	if err := res.Decode(&out); err != nil {
		return false, err
	}
	return out.Accepted, nil
}

// Telemetry is the telemetry request body.
type Telemetry struct {
	DeviceID       string           `json:"device_id"`
	ZoneID         string           `json:"zone_id"`
	BootID         string           `json:"boot_id,omitempty"`
	TimeBase       string           `json:"time_base"`
	Status         string           `json:"status"`
	LastError      string           `json:"last_error,omitempty"`
	SignalStrength int              `json:"signal_strength"`
	DroppedCount   uint64           `json:"dropped_count"`
	Readings       []sensor.Reading `json:"readings"`
}

// Marshal encodes the telemetry body.
func (t *Telemetry) Marshal() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode telemetry: %w", err)
	}
	return data, nil
}

// TelemetryAck is the telemetry response. AckUpToSeq is nil when the backend
// omitted it.
type TelemetryAck struct {
	AckUpToSeq *uint64 `json:"ack_up_to_seq"`
}

// Telemetry posts an encoded telemetry body.
func (c *Client) Telemetry(ctx context.Context, payload []byte) (TelemetryAck, error) {
	var ack TelemetryAck
	res, err := c.call.Post(ctx, PathTelemetry, payload)
	if err != nil {
		return ack, err
	}
	err = res.Decode(&ack)
	return ack, err
}

// Commands fetches pending commands. A 404 means there are none.
func (c *Client) Commands(ctx context.Context, deviceID string) ([]Command, error) {
	res, err := c.call.Get(ctx, PathCommands+"?device_id="+url.QueryEscape(deviceID))
	if err != nil {
		if link.StatusOf(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}

	var out struct {
		Commands []json.RawMessage `json:"commands"`
	}
	if err := res.Decode(&out); err != nil {
		return nil, err
	}

	cmds := make([]Command, 0, len(out.Commands))
	for _, raw := range out.Commands {
		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			cmd = Command{ID: peekID(raw), Err: err}
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// Ack is the command-ack request body.
type Ack struct {
	CommandID string  `json:"command_id"`
	Outcome   Outcome `json:"outcome"`
	Detail    string  `json:"detail,omitempty"`
}

// Ack reports a command outcome.
func (c *Client) Ack(ctx context.Context, ack Ack) error {
	_, err := c.call.Post(ctx, PathCommandAck, ack)
	return err
}

// Heartbeat is the device-management status update.
type Heartbeat struct {
	DeviceID       string `json:"device_id"`
	Status         string `json:"status"`
	UptimeMS       int64  `json:"uptime_ms"`
	BufferSize     int    `json:"buffer_size"`
	SignalStrength int    `json:"signal_strength"`
	BootID         string `json:"boot_id,omitempty"`
}

// Heartbeat sends a status update.
func (c *Client) Heartbeat(ctx context.Context, hb Heartbeat) error {
	_, err := c.call.Put(ctx, PathDeviceManagement, hb)
	return err
}
