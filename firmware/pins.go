//go:build tinygo

package main

import "machine"

const (
	// Sampling configuration
	SAMPLE_INTERVAL_MS = 10   // ADC read interval in milliseconds
	NUM_SAMPLES        = 20   // Number of ADC samples averaged per frame
	DHT_INTERVAL_MS    = 2000 // DHT22 needs at least 2 s between reads

	// Pump ceiling enforced on the MCU even if the host goes silent
	PUMP_MAX_ON_MS = 60000

	// ADC configuration
	ADC_REFERENCE_MV = 3300 // Reference voltage in millivolts (3.3V)
	ADC_RESOLUTION   = 12   // ADC resolution in bits (12-bit = 0-4095)

	// Analog inputs (ADC1 only, ADC2 is unusable while WiFi is on)
	PIN_MOISTURE    = machine.GPIO34
	PIN_TEMPERATURE = machine.GPIO35 // TMP36
	PIN_LIGHT       = machine.GPIO39

	// DHT22 data line. GPIO34-39 are input-only without pull-ups, so the
	// bidirectional single-wire bus needs a full GPIO.
	PIN_HUMIDITY = machine.GPIO16

	// Outputs
	PIN_PUMP   = machine.GPIO5
	PIN_LED    = machine.GPIO2
	PIN_BUZZER = machine.GPIO4

	// Serial configuration
	// Format "uptime_ms,moisture,temperature,humidity_x10,light,PLB\n"
	// Example: "4294967295,4095,4095,1000,4095,111\n" = 36 bytes max per line
	// 5 frames/sec * 36 bytes/line = 180 bytes/sec, far below 115200 baud
	UART_BAUD_RATE = 115200
)
