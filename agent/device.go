package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/itohio/gardenagent/pkg/board"
	"github.com/itohio/gardenagent/pkg/config"
	"github.com/itohio/gardenagent/pkg/link"
	"github.com/itohio/gardenagent/pkg/mirror"
)

// openBoard connects the analog front end, or a simulated one in mock mode.
// With serial.outputs set to "gpio" the outputs are driven from local pins.
func openBoard(cfg *config.Config, useMock bool, log *slog.Logger) (board.Board, error) {
	var brd board.Board
	if useMock {
		brd = board.NewSimulatedMock()
	} else {
		brd = board.New(cfg.Serial.Port, cfg.Serial.BaudRate, board.DefaultBufferSize, log)
		if cfg.Serial.Outputs == "gpio" {
			brd = &board.Split{
				Inputs:  brd,
				Outputs: board.NewGPIO(cfg.Pins.Pump, cfg.Pins.StatusLED, cfg.Pins.Buzzer),
			}
		}
	}

	if err := brd.Connect(); err != nil {
		if useMock {
			return nil, fmt.Errorf("failed to connect to mocked device: %w", err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Serial.Port, err)
	}

	if useMock {
		log.Info("board", "device", "mock")
	} else {
		log.Info("board", "port", cfg.Serial.Port, "baud", cfg.Serial.BaudRate, "outputs", cfg.Serial.Outputs)
	}
	return brd, nil
}

// openRadio picks the WiFi backend. An empty SSID means a wired gateway.
func openRadio(cfg *config.Config, useMock bool) link.Radio {
	switch {
	case useMock:
		return link.NewMockRadio()
	case cfg.WiFi.SSID == "":
		return link.Static{}
	default:
		return &link.NMCLI{TTL: 5 * time.Second}
	}
}

// openMirrors connects the configured local sinks. A sink that cannot be
// reached is skipped. It returns nil when no sink is configured.
func openMirrors(ctx context.Context, cfg *config.Config, log *slog.Logger) mirror.Sink {
	var sinks mirror.Multi

	if cfg.Mirror.MQTT.Broker != "" {
		mq, err := mirror.NewMQTT(ctx, cfg.Mirror.MQTT, cfg.Device.ID, log)
		if err != nil {
			log.Warn("mirror_mqtt", "err", err)
		} else {
			sinks = append(sinks, mq)
		}
	}

	if cfg.Mirror.Influx.URL != "" {
		sinks = append(sinks, mirror.NewInflux(cfg.Mirror.Influx, cfg.Device.ID, cfg.Device.ZoneID, log))
	}

	if len(sinks) == 0 {
		return nil
	}
	return sinks
}

// listPorts prints the serial ports the front end may be attached to.
func listPorts(w io.Writer) error {
	ports, err := board.Ports()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(w, "No serial ports found")
		return nil
	}
	for _, port := range ports {
		displayName := port.Name
		if port.Description != "" && port.Description != port.Name {
			displayName = fmt.Sprintf("%s (%s)", port.Name, port.Description)
		}
		fmt.Fprintln(w, displayName)
	}
	return nil
}
