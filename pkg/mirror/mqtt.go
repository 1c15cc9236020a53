package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/itohio/gardenagent/pkg/config"
	"github.com/itohio/gardenagent/pkg/sensor"
)

const publishTimeout = 500 * time.Millisecond

// MQTT publishes readings to a local broker with QoS 0.
type MQTT struct {
	client mqtt.Client
	topic  string
	device string
	log    *slog.Logger
}

// Ensure MQTT implements Sink.
var _ Sink = (*MQTT)(nil)

// NewMQTT connects to the broker, retrying with exponential backoff.
func NewMQTT(ctx context.Context, cfg config.MQTTConfig, deviceID string, log *slog.Logger) (*MQTT, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second

	err := backoff.Retry(func() error {
		token := client.Connect()
		if !token.WaitTimeout(5*time.Second) {
			return fmt.Errorf("connect to %s timed out", cfg.Broker)
		}
		if err := token.Error(); err != nil {
			log.Warn("mqtt_connect", "broker", cfg.Broker, "err", err)
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not connect to MQTT broker %s: %w", cfg.Broker, err)
	}

	log.Info("mqtt_connected", "broker", cfg.Broker)
	return &MQTT{client: client, topic: cfg.Topic, device: deviceID, log: log}, nil
}

// Publish sends r as JSON to the device topic.
func (m *MQTT) Publish(r sensor.Reading, at time.Time) error {
	payload, err := message(m.device, r, at)
	if err != nil {
		return err
	}
	token := m.client.Publish(Topic(m.topic, m.device), 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish reading: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	if m.client.IsConnected() {
		m.client.Disconnect(250)
	}
}

// Topic expands a topic pattern with the device id. Patterns without a %s
// verb are used verbatim.
func Topic(pattern, deviceID string) string {
	if strings.Contains(pattern, "%s") {
		return fmt.Sprintf(pattern, deviceID)
	}
	return pattern
}

func message(deviceID string, r sensor.Reading, at time.Time) ([]byte, error) {
	msg := struct {
		DeviceID string `json:"device_id"`
		Time     string `json:"time"`
		sensor.Reading
	}{
		DeviceID: deviceID,
		Time:     at.UTC().Format(time.RFC3339Nano),
		Reading:  r,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reading: %w", err)
	}
	return data, nil
}
