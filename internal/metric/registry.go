// Package metric exposes broker and viewer metrics in Prometheus format.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the viewer's own process-local metrics.
type Metrics struct {
	FramesReceived prometheus.Counter
	FramesEncoded  prometheus.Counter
	FramesStale    prometheus.Counter
	EncodeDuration prometheus.Histogram
	Viewers        prometheus.Gauge
	MotionDetected prometheus.Counter
	SnapshotsSaved prometheus.Counter
	SnapshotErrors prometheus.Counter
	BroadcastDrops prometheus.Counter
}

// NewMetrics creates the viewer metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "viewer", Name: "frames_received_total",
			Help: "Frames received from the broker",
		}),
		FramesEncoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "viewer", Name: "frames_encoded_total",
			Help: "Frames encoded to JPEG",
		}),
		FramesStale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "viewer", Name: "frames_overwritten_total",
			Help: "Frames discarded because the producer overwrote them while they were processed",
		}),
		EncodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "viewer", Name: "encode_duration_seconds",
			Help:    "JPEG encoding duration in seconds",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		Viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "viewer", Name: "clients",
			Help: "Connected websocket clients",
		}),
		MotionDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "viewer", Name: "motion_detected_total",
			Help: "Sampled frames with motion above the threshold",
		}),
		SnapshotsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "snapshots", Name: "saved_total",
			Help: "Snapshots written to disk",
		}),
		SnapshotErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "snapshots", Name: "errors_total",
			Help: "Snapshots that could not be written or indexed",
		}),
		BroadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "viewer", Name: "broadcast_dropped_total",
			Help: "Frames not sent to a websocket client whose queue was full",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FramesReceived, m.FramesEncoded, m.FramesStale, m.EncodeDuration,
		m.Viewers, m.MotionDetected, m.SnapshotsSaved, m.SnapshotErrors, m.BroadcastDrops,
	}
}

// Registry owns the Prometheus registry of a process.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
}

// NewRegistry creates a registry with the viewer metrics and Go runtime and
// process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	m := NewMetrics()
	reg.MustRegister(m.collectors()...)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{prometheusRegistry: reg, Metrics: m}
}

// RegisterBroker adds a collector over source's topic statistics.
func (r *Registry) RegisterBroker(source StatsSource) error {
	return r.prometheusRegistry.Register(NewBrokerCollector(source))
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
