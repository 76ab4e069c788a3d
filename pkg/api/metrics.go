package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the daemon's Prometheus instruments on a private
// registry so tests can build servers without collector collisions.
type Metrics struct {
	registry *prometheus.Registry

	EventsCaptured   *prometheus.CounterVec
	EventSaveFailed  prometheus.Counter
	RecordingsByEnd  *prometheus.CounterVec
	ActiveRecordings prometheus.GaugeFunc
}

// NewMetrics builds the instrument set. activeRecordings is sampled on
// every scrape.
func NewMetrics(activeRecordings func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		EventsCaptured: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ring_capture_events_total",
			Help: "Events captured and saved to at least one storage, by kind.",
		}, []string{"kind"}),
		EventSaveFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ring_capture_event_save_failures_total",
			Help: "Events that no storage backend accepted.",
		}),
		RecordingsByEnd: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ring_capture_recordings_total",
			Help: "Recording attempts by outcome (started, completed, failed).",
		}, []string{"outcome"}),
	}

	if activeRecordings == nil {
		activeRecordings = func() float64 { return 0 }
	}
	m.ActiveRecordings = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ring_capture_active_recordings",
		Help: "Devices with a recording in progress right now.",
	}, activeRecordings)

	return m
}
