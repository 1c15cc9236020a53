package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itohio/gardenagent/pkg/clock"
	"github.com/itohio/gardenagent/pkg/config"
	"github.com/itohio/gardenagent/pkg/diag"
	"github.com/itohio/gardenagent/pkg/metrics"
	"github.com/itohio/gardenagent/pkg/nvstate"
	"github.com/itohio/gardenagent/pkg/supervisor"
)

func main() {
	var (
		portFlag   = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyUSB0)")
		configFlag = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag   = flag.Bool("mock", false, "Use a simulated front end and radio instead of hardware")
		debugFlag  = flag.Bool("debug", false, "Enable debug diagnostics (overrides config)")
		portsFlag  = flag.Bool("ports", false, "List available serial ports and exit")
		initFlag   = flag.Bool("init", false, "Write a configuration template to -config and exit")
	)
	flag.Parse()

	if *portsFlag {
		if err := listPorts(os.Stdout); err != nil {
			log.Fatalf("Failed to list ports: %v", err)
		}
		return
	}

	if *initFlag {
		if err := config.Default().Save(*configFlag); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Configuration template written to %s\n", *configFlag)
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Override serial port if provided via command line
	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}
	if *debugFlag {
		cfg.Diag.Debug = true
	}

	// Diagnostics go to stderr and, when configured, to the serial console.
	var running phaseSource

	var out io.Writer = os.Stderr
	if cfg.Diag.Port != "" {
		console, err := diag.OpenSerial(cfg.Diag.Port, cfg.Diag.BaudRate)
		if err != nil {
			log.Fatalf("Failed to open diagnostic console: %v", err)
		}
		defer console.Close()
		out = io.MultiWriter(os.Stderr, console)
	}
	logger := diag.New(out, running.String, cfg.Diag.Debug)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		if !*mockFlag {
			logger.Error("config_invalid", "err", err)
			os.Exit(1)
		}
		logger.Warn("config_invalid", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect the front end; outputs are safe before sampling starts
	brd, err := openBoard(cfg, *mockFlag, logger)
	if err != nil {
		logger.Error("board_connect", "err", err)
		os.Exit(1)
	}
	defer brd.Close()

	// Metrics endpoint is optional
	var m *metrics.Metrics
	if cfg.Metrics.Addr != "" {
		m = metrics.New()
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Addr, logger); err != nil {
				logger.Error("metrics_serve", "err", err)
			}
		}()
	}

	// Local mirrors receive every reading independently of the backend
	sink := openMirrors(ctx, cfg, logger)
	if sink != nil {
		defer sink.Close()
	}

	sup, err := supervisor.New(cfg, clock.NewSystem(), brd, openRadio(cfg, *mockFlag), supervisor.Options{
		Sink:       sink,
		Metrics:    m,
		Store:      nvstate.NewStore(cfg.State.Path),
		RetryDelay: 500 * time.Millisecond,
		Log:        logger,
	})
	if err != nil {
		logger.Error("supervisor", "err", err)
		os.Exit(1)
	}
	running.Set(sup)

	if err := sup.Run(ctx); err != nil {
		logger.Error("run", "err", err)
		os.Exit(1)
	}
}
