package sensor

import (
	"errors"
	"log/slog"
	"math"

	"github.com/itohio/gardenagent/pkg/board"
	"github.com/itohio/gardenagent/pkg/clock"
	"github.com/itohio/gardenagent/pkg/config"
)

// ErrNoData is returned when every channel of a reading is missing.
var ErrNoData = errors.New("all sensor channels missing")

// Reader turns board frames into calibrated Readings.
type Reader struct {
	src    board.Sampler
	cal    config.CalibrationConfig
	clk    clock.Clock
	log    *slog.Logger
	window int

	frames   []board.Frame
	failures int
}

// NewReader creates a reader. Frames received since the previous Read are
// averaged, up to cal.AverageFrames of the most recent ones.
func NewReader(src board.Sampler, cal config.CalibrationConfig, clk clock.Clock, log *slog.Logger) *Reader {
	if log == nil {
		log = slog.Default()
	}
	window := max(cal.AverageFrames, 1)
	return &Reader{
		src:    src,
		cal:    cal,
		clk:    clk,
		log:    log,
		window: window,
		frames: make([]board.Frame, 0, window),
	}
}

// Read produces a Reading from the frames received since the previous call.
// A Reading with every field missing is returned together with ErrNoData.
func (r *Reader) Read() (Reading, error) {
	r.frames = r.frames[:0]
	r.src.Drain(func(f board.Frame) {
		if len(r.frames) == r.window {
			copy(r.frames, r.frames[1:])
			r.frames = r.frames[:r.window-1]
		}
		r.frames = append(r.frames, f)
	})

	reading := r.convert(average(r.frames))
	reading.Timestamp = r.clk.Now()

	if reading.Empty() {
		r.failures++
		r.log.Warn("sensor_all_missing", "consecutive", r.failures, "frames", len(r.frames))
		return reading, ErrNoData
	}
	if n := reading.Missing(); n > 0 {
		r.log.Info("sensor_partial", "missing", n)
	}
	r.failures = 0

	return reading, nil
}

// Failures returns the number of consecutive reads with every channel missing.
func (r *Reader) Failures() int {
	return r.failures
}

// convert applies calibration and plausibility checks to one averaged frame.
func (r *Reader) convert(f board.Frame) Reading {
	var reading Reading
	adcMax := uint16(r.cal.ADCMax)

	if f.Valid[board.Moisture] && f.Values[board.Moisture] <= adcMax {
		reading.Moisture = Int(Percent(int(f.Values[board.Moisture]), r.cal.MoistureMin, r.cal.MoistureMax))
	}
	if f.Valid[board.Light] && f.Values[board.Light] <= adcMax {
		reading.Light = Int(Percent(int(f.Values[board.Light]), r.cal.LightMin, r.cal.LightMax))
	}
	if f.Valid[board.Temperature] && f.Values[board.Temperature] <= adcMax {
		c := TMP36(f.Values[board.Temperature], r.cal.VRef, r.cal.ADCMax) + r.cal.TemperatureOffset
		if c >= MinTempC && c <= MaxTempC {
			reading.TempC = Float(round1(c))
		}
	}
	if f.Valid[board.Humidity] && f.Values[board.Humidity] <= 1000 {
		h := float64(f.Values[board.Humidity])/10 + r.cal.HumidityOffset
		if h >= MinHumidity && h <= MaxHumidity {
			reading.Humidity = Float(round1(h))
		}
	}

	return reading
}

// average combines frames channel by channel over the frames where each channel is valid.
func average(frames []board.Frame) board.Frame {
	var out board.Frame
	if len(frames) == 0 {
		return out
	}
	if len(frames) == 1 {
		return frames[0]
	}

	for ch := board.Channel(0); ch < board.NumChannels; ch++ {
		var sum, n uint32
		for _, f := range frames {
			if f.Valid[ch] {
				sum += uint32(f.Values[ch])
				n++
			}
		}
		if n > 0 {
			out.Values[ch] = uint16(math.Round(float64(sum) / float64(n)))
			out.Valid[ch] = true
		}
	}

	last := frames[len(frames)-1]
	out.Uptime = last.Uptime
	out.Outputs = last.Outputs
	return out
}
