package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records reconciliation pass and entry-action counters.
type Metrics struct {
	registry *prometheus.Registry

	passes       *prometheus.CounterVec
	passDuration prometheus.Histogram
	entryActions *prometheus.CounterVec
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		passes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entryctl",
			Name:      "passes_total",
			Help:      "Reconciliation passes by result.",
		}, []string{"result"}),
		passDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "entryctl",
			Name:      "pass_duration_seconds",
			Help:      "Duration of reconciliation passes.",
			Buckets:   prometheus.DefBuckets,
		}),
		entryActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entryctl",
			Name:      "entry_actions_total",
			Help:      "Entry lifecycle actions by action and status.",
		}, []string{"action", "status"}),
	}
}

// ObservePass records one finished pass.
func (m *Metrics) ObservePass(converged bool, duration time.Duration) {
	result := "converged"
	if !converged {
		result = "degraded"
	}
	m.passes.WithLabelValues(result).Inc()
	m.passDuration.Observe(duration.Seconds())
}

// ObserveEntry records one entry action outcome.
func (m *Metrics) ObserveEntry(action, status string) {
	m.entryActions.WithLabelValues(action, status).Inc()
}

// Handler exposes the metrics in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
