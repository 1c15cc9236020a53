package sensor

import "math"

// Plausible physical ranges. Values outside are treated as a failed conversion.
const (
	MinTempC = -40.0 // TMP36 range
	MaxTempC = 125.0

	MinHumidity = 0.0
	MaxHumidity = 100.0
)

// Percent maps raw linearly from [lo, hi] to an integer percentage clamped to [0, 100].
func Percent(raw, lo, hi int) int {
	if hi <= lo {
		return 0
	}
	pct := math.Round(100 * float64(raw-lo) / float64(hi-lo))
	return int(min(max(pct, 0), 100))
}

// TMP36 converts a raw ADC value to degrees Celsius: 10 mV/°C with a 500 mV offset.
func TMP36(raw uint16, vref float64, adcMax int) float64 {
	return (adcToVoltage(raw, vref, adcMax) - 0.5) * 100
}

// adcToVoltage converts an ADC reading to voltage.
func adcToVoltage(adc uint16, vref float64, adcMax int) float64 {
	return (float64(adc) / float64(adcMax)) * vref
}

// round1 rounds to one decimal place.
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
