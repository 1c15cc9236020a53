package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the agent instrumentation. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	reg *prometheus.Registry

	readings     *prometheus.CounterVec
	channel      *prometheus.GaugeVec
	uploads      *prometheus.CounterVec
	uploaded     prometheus.Counter
	bufferSize   prometheus.Gauge
	bufferDrops  prometheus.Counter
	linkStatus   prometheus.Gauge
	commands     *prometheus.CounterVec
	pumpActive   prometheus.Gauge
	activations  *prometheus.CounterVec
	phase        *prometheus.GaugeVec
	ackUpToSeq   prometheus.Gauge
	loopDuration prometheus.Histogram
}

// New creates the metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		readings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "garden_readings_total",
			Help: "Sensor readings by result (ok, partial, missing).",
		}, []string{"result"}),
		channel: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "garden_channel_value",
			Help: "Latest calibrated value per channel.",
		}, []string{"channel"}),
		uploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "garden_uploads_total",
			Help: "Telemetry upload attempts by result.",
		}, []string{"result"}),
		uploaded: f.NewCounter(prometheus.CounterOpts{
			Name: "garden_readings_uploaded_total",
			Help: "Readings delivered to the backend.",
		}),
		bufferSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "garden_buffer_size",
			Help: "Readings waiting in the offline buffer.",
		}),
		bufferDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "garden_buffer_dropped_total",
			Help: "Readings dropped by buffer overflow.",
		}),
		linkStatus: f.NewGauge(prometheus.GaugeOpts{
			Name: "garden_link_status",
			Help: "Link status (0 wifi down, 1 backend unknown, 2 backend ok, 3 backend degraded).",
		}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "garden_commands_total",
			Help: "Commands processed by kind and outcome.",
		}, []string{"kind", "outcome"}),
		pumpActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "garden_pump_active",
			Help: "1 while the pump is running.",
		}),
		activations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "garden_pump_activations_total",
			Help: "Pump activations by source.",
		}, []string{"source"}),
		phase: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "garden_phase",
			Help: "1 for the current supervisor phase.",
		}, []string{"phase"}),
		ackUpToSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "garden_ack_up_to_seq",
			Help: "Highest sequence number acknowledged by the backend.",
		}),
		loopDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "garden_task_duration_seconds",
			Help:    "Duration of one scheduler pass.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}),
	}
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Reading(result string) {
	if m == nil {
		return
	}
	m.readings.WithLabelValues(result).Inc()
}

func (m *Metrics) Channel(name string, v float64) {
	if m == nil {
		return
	}
	m.channel.WithLabelValues(name).Set(v)
}

func (m *Metrics) Upload(result string, readings int) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result).Inc()
	m.uploaded.Add(float64(readings))
}

func (m *Metrics) Buffer(size int, dropped int) {
	if m == nil {
		return
	}
	m.bufferSize.Set(float64(size))
	m.bufferDrops.Add(float64(dropped))
}

func (m *Metrics) LinkStatus(status int) {
	if m == nil {
		return
	}
	m.linkStatus.Set(float64(status))
}

func (m *Metrics) Command(kind, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Pump(active bool) {
	if m == nil {
		return
	}
	if active {
		m.pumpActive.Set(1)
	} else {
		m.pumpActive.Set(0)
	}
}

func (m *Metrics) Activation(source string) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues(source).Inc()
}

// Phase marks current as the active phase among all.
func (m *Metrics) Phase(current string, all ...string) {
	if m == nil {
		return
	}
	for _, p := range all {
		m.phase.WithLabelValues(p).Set(0)
	}
	m.phase.WithLabelValues(current).Set(1)
}

func (m *Metrics) AckUpToSeq(seq uint64) {
	if m == nil {
		return
	}
	m.ackUpToSeq.Set(float64(seq))
}

func (m *Metrics) Pass(d time.Duration) {
	if m == nil {
		return
	}
	m.loopDuration.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics_listen", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
