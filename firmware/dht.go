//go:build tinygo

package main

import (
	"machine"
	"time"
)

// readDHT reads relative humidity from a DHT22 in tenths of a percent.
// It returns -1 on a timeout or checksum error.
func readDHT() int32 {
	pin := PIN_HUMIDITY

	// Start signal: hold the line low for at least 1 ms
	pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pin.Low()
	time.Sleep(2 * time.Millisecond)
	pin.High()
	pin.Configure(machine.PinConfig{Mode: machine.PinInputPullup})

	// Sensor response: low 80 us, high 80 us
	if pulse(pin, true, 100) < 0 || pulse(pin, false, 100) < 0 || pulse(pin, true, 100) < 0 {
		return -1
	}

	var data [5]byte
	for i := 0; i < 40; i++ {
		if pulse(pin, false, 80) < 0 {
			return -1
		}
		// 26-28 us high is a zero, 70 us is a one
		high := pulse(pin, true, 100)
		if high < 0 {
			return -1
		}
		data[i/8] <<= 1
		if high > 40 {
			data[i/8] |= 1
		}
	}

	if data[0]+data[1]+data[2]+data[3] != data[4] {
		return -1
	}
	rh := int32(data[0])<<8 | int32(data[1])
	if rh > 1000 {
		return -1
	}
	return rh
}

// pulse waits while the pin stays at level and returns the duration in
// microseconds, or -1 after timeout microseconds.
func pulse(pin machine.Pin, level bool, timeout int64) int64 {
	start := time.Now()
	for pin.Get() == level {
		if d := time.Since(start).Microseconds(); d > timeout {
			return -1
		}
	}
	return time.Since(start).Microseconds()
}
