package mirror

import (
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/itohio/gardenagent/pkg/config"
	"github.com/itohio/gardenagent/pkg/sensor"
)

const measurement = "garden_reading"

// Influx writes readings to an InfluxDB bucket. Writes are batched by the
// client and never block the caller.
type Influx struct {
	client influxdb2.Client
	write  api.WriteAPI
	device string
	zone   string
}

// Ensure Influx implements Sink.
var _ Sink = (*Influx)(nil)

// NewInflux creates an InfluxDB sink. Write errors are logged.
func NewInflux(cfg config.InfluxConfig, deviceID, zoneID string, log *slog.Logger) *Influx {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	w := client.WriteAPI(cfg.Org, cfg.Bucket)

	i := &Influx{client: client, write: w, device: deviceID, zone: zoneID}
	go func() {
		for err := range w.Errors() {
			log.Warn("influx_write", "err", err)
		}
	}()
	return i
}

// Publish queues r as a point. Readings with every field missing are skipped.
func (i *Influx) Publish(r sensor.Reading, at time.Time) error {
	if p := point(i.device, i.zone, r, at); p != nil {
		i.write.WritePoint(p)
	}
	return nil
}

// Close flushes pending points and closes the client.
func (i *Influx) Close() {
	i.write.Flush()
	i.client.Close()
}

func point(deviceID, zoneID string, r sensor.Reading, at time.Time) *write.Point {
	f := fields(r)
	if len(f) == 0 {
		return nil
	}
	f["seq"] = int64(r.Seq)
	tags := map[string]string{"device": deviceID}
	if zoneID != "" {
		tags["zone"] = zoneID
	}
	return influxdb2.NewPoint(measurement, tags, f, at)
}
