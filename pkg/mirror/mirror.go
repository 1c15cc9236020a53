package mirror

import (
	"errors"
	"time"

	"github.com/itohio/gardenagent/pkg/sensor"
)

// Sink receives a copy of every staged reading. Publish must not block the
// main loop for longer than a few hundred milliseconds.
type Sink interface {
	Publish(r sensor.Reading, at time.Time) error
	Close()
}

// Multi fans a reading out to several sinks.
type Multi []Sink

// Ensure Multi implements Sink.
var _ Sink = Multi(nil)

// Publish sends r to every sink and joins their errors.
func (m Multi) Publish(r sensor.Reading, at time.Time) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(r, at); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m Multi) Close() {
	for _, s := range m {
		s.Close()
	}
}

// fields returns the present measurements of r.
func fields(r sensor.Reading) map[string]interface{} {
	f := make(map[string]interface{}, 5)
	if r.Moisture != nil {
		f["moisture"] = *r.Moisture
	}
	if r.Light != nil {
		f["light"] = *r.Light
	}
	if r.TempC != nil {
		f["temp_c"] = *r.TempC
	}
	if r.Humidity != nil {
		f["humidity"] = *r.Humidity
	}
	return f
}
