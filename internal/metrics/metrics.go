// Package metrics exports engine counters for Prometheus scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's collectors. A nil *Metrics is valid and records
// nothing, so components can run without a registry in tests.
type Metrics struct {
	remindersFired prometheus.Counter
	fireLag        prometheus.Histogram
	deliveries     *prometheus.CounterVec
	syncRuns       *prometheus.CounterVec
	breakerEvents  *prometheus.CounterVec
}

// New registers the engine collectors with reg (the default registerer when
// nil) and returns the recording handle.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		remindersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chime",
			Name:      "reminders_fired_total",
			Help:      "Reminders handed to notification dispatch.",
		}),
		fireLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chime",
			Name:      "fire_lag_seconds",
			Help:      "Delay between a reminder's due instant and its fire.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 15, 60, 300, 900},
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chime",
			Name:      "deliveries_total",
			Help:      "Notification deliveries by platform and result.",
		}, []string{"platform", "result"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chime",
			Name:      "sync_runs_total",
			Help:      "Calendar sync passes by direction and result.",
		}, []string{"direction", "result"}),
		breakerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chime",
			Name:      "breaker_transitions_total",
			Help:      "Delivery circuit breaker transitions by provider and new state.",
		}, []string{"provider", "state"}),
	}

	reg.MustRegister(m.remindersFired, m.fireLag, m.deliveries, m.syncRuns, m.breakerEvents)
	return m
}

// ReminderFired records one fire and how far behind its due instant it ran.
func (m *Metrics) ReminderFired(lag time.Duration) {
	if m == nil {
		return
	}
	m.remindersFired.Inc()
	m.fireLag.Observe(lag.Seconds())
}

// DeliveryFinished records one delivery attempt outcome.
func (m *Metrics) DeliveryFinished(platform, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(platform, result).Inc()
}

// SyncFinished records one push or pull pass.
func (m *Metrics) SyncFinished(direction string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.syncRuns.WithLabelValues(direction, result).Inc()
}

// BreakerTransition records a circuit breaker entering a new state.
func (m *Metrics) BreakerTransition(provider, state string) {
	if m == nil {
		return
	}
	m.breakerEvents.WithLabelValues(provider, state).Inc()
}

// Handler serves the scrape endpoint for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
