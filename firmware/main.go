//go:build tinygo

//go:generate tinygo flash -target=esp32-coreboard-v2

package main

import (
	"machine"
	"time"
)

var (
	adcMoisture    machine.ADC
	adcTemperature machine.ADC
	adcLight       machine.ADC
	uart           = machine.UART0

	// Output states: pump, led, buzzer
	outputs    [3]bool
	outputPins = [3]machine.Pin{PIN_PUMP, PIN_LED, PIN_BUZZER}

	// ADC averaging - running sums share one sample count
	moistureSum    uint32
	temperatureSum uint32
	lightSum       uint32
	sampleCount    int

	// Latest DHT22 humidity in tenths of a percent, -1 when the last read failed
	humidityX10 int32 = -1

	// Timing
	boot        time.Time
	lastADCRead time.Time
	lastDHTRead time.Time
	pumpOnSince time.Time

	// Serial buffer for reading lines
	serialBuffer [16]byte
	serialPos    int
)

func main() {
	// Configure outputs low before anything else
	for _, pin := range outputPins {
		pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
		pin.Low()
	}

	// Configure ADC pins and set up ADCs with highest resolution
	machine.InitADC()
	adcMoisture = machine.ADC{Pin: PIN_MOISTURE}
	adcTemperature = machine.ADC{Pin: PIN_TEMPERATURE}
	adcLight = machine.ADC{Pin: PIN_LIGHT}

	adcConfig := machine.ADCConfig{
		Reference:  ADC_REFERENCE_MV,
		Resolution: ADC_RESOLUTION,
	}
	adcMoisture.Configure(adcConfig)
	adcTemperature.Configure(adcConfig)
	adcLight.Configure(adcConfig)

	// Configure UART for frames and output commands
	uart.Configure(machine.UARTConfig{
		BaudRate: UART_BAUD_RATE,
	})

	boot = time.Now()
	lastADCRead = boot
	lastDHTRead = boot

	// Main loop
	for {
		now := time.Now()

		// Check for serial input (non-blocking)
		processSerial()
		enforcePumpCeiling(now)

		if now.Sub(lastDHTRead) >= DHT_INTERVAL_MS*time.Millisecond {
			humidityX10 = readDHT()
			lastDHTRead = now
		}

		if now.Sub(lastADCRead) >= SAMPLE_INTERVAL_MS*time.Millisecond {
			moistureSum += uint32(adcMoisture.Get() >> 4)
			temperatureSum += uint32(adcTemperature.Get() >> 4)
			lightSum += uint32(adcLight.Get() >> 4)
			sampleCount++
			lastADCRead = now
		}

		if sampleCount >= NUM_SAMPLES {
			outputFrame()
			moistureSum = 0
			temperatureSum = 0
			lightSum = 0
			sampleCount = 0
		}

		time.Sleep(500 * time.Microsecond)
	}
}

// outputFrame writes one frame: all channels come from the same window.
func outputFrame() {
	n := uint32(sampleCount)

	print(time.Since(boot).Milliseconds())
	print(",")
	print(moistureSum / n)
	print(",")
	print(temperatureSum / n)
	print(",")
	if humidityX10 < 0 {
		print("-")
	} else {
		print(humidityX10)
	}
	print(",")
	print(lightSum / n)
	print(",")
	// Read back the real pin levels
	for _, pin := range outputPins {
		if pin.Get() {
			print("1")
		} else {
			print("0")
		}
	}
	print("\n")
}

func processSerial() {
	for uart.Buffered() > 0 {
		data, err := uart.ReadByte()
		if err != nil {
			break
		}

		if data == '\n' || data == '\r' {
			if serialPos == 3 {
				updateOutputs()
			}
			serialPos = 0
			continue
		}

		if data == ' ' || data == '\t' {
			continue
		}

		// Only accept '0' or '1', and only up to 3 characters
		if data == '0' || data == '1' {
			if serialPos < 3 {
				serialBuffer[serialPos] = data
				serialPos++
			}
		} else {
			serialPos = 0
		}
	}
}

func updateOutputs() {
	for i := range outputs {
		next := serialBuffer[i] == '1'
		if i == 0 && next && !outputs[0] {
			pumpOnSince = time.Now()
		}
		outputs[i] = next
		outputPins[i].Set(next)
	}
}

// enforcePumpCeiling drops the pump once it has been on for PUMP_MAX_ON_MS.
// A new '1' from the host only restarts the timer after the pump went low.
func enforcePumpCeiling(now time.Time) {
	if outputs[0] && now.Sub(pumpOnSince) >= PUMP_MAX_ON_MS*time.Millisecond {
		outputs[0] = false
		PIN_PUMP.Low()
	}
}
