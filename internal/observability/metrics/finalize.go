package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker/v2"
)

// FinalizeMetrics implements ports.FinalizeObserver on a dedicated registry
// so the API and the worker can both expose it.
type FinalizeMetrics struct {
	registry *prometheus.Registry
	service  string

	finalizeTotal        *prometheus.CounterVec
	finalizeDuration     *prometheus.HistogramVec
	finalizeInFlight     prometheus.Gauge
	finalizeChunks       *prometheus.HistogramVec
	notificationFailures *prometheus.CounterVec
	breakerState         *prometheus.GaugeVec
	staleReset           *prometheus.CounterVec
}

func NewFinalizeMetrics(service string) *FinalizeMetrics {
	registry := prometheus.NewRegistry()

	finalizeTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "finalize",
			Name:      "total",
			Help:      "Finalize attempts by outcome.",
		},
		[]string{"service", "outcome"},
	)
	finalizeDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "finalize",
			Name:      "duration_seconds",
			Help:      "Finalize duration in seconds by outcome.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"service", "outcome"},
	)
	finalizeInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "finalize",
			Name:      "in_flight",
			Help:      "Number of finalize runs holding the processing flag.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	finalizeChunks := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "finalize",
			Name:      "chunks",
			Help:      "Chunks merged per finalize attempt.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200},
		},
		[]string{"service"},
	)
	notificationFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "failures_total",
			Help:      "Notifications that could not be delivered.",
		},
		[]string{"service", "kind"},
	)
	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per operation (0 closed, 1 half-open, 2 open).",
		},
		[]string{"service", "operation"},
	)
	staleReset := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "finalize",
			Name:      "stale_reset_total",
			Help:      "Processing flags cleared after a crashed finalize.",
		},
		[]string{"service"},
	)

	registry.MustRegister(
		finalizeTotal,
		finalizeDuration,
		finalizeInFlight,
		finalizeChunks,
		notificationFailures,
		breakerState,
		staleReset,
	)

	return &FinalizeMetrics{
		registry:             registry,
		service:              service,
		finalizeTotal:        finalizeTotal,
		finalizeDuration:     finalizeDuration,
		finalizeInFlight:     finalizeInFlight,
		finalizeChunks:       finalizeChunks,
		notificationFailures: notificationFailures,
		breakerState:         breakerState,
		staleReset:           staleReset,
	}
}

func (m *FinalizeMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *FinalizeMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *FinalizeMetrics) StartFinalize() {
	m.finalizeInFlight.Inc()
}

func (m *FinalizeMetrics) FinishFinalize(outcome string, chunks int, duration time.Duration) {
	m.finalizeInFlight.Dec()
	if outcome == "" {
		outcome = "unknown"
	}
	m.finalizeTotal.WithLabelValues(m.service, outcome).Inc()
	m.finalizeDuration.WithLabelValues(m.service, outcome).Observe(duration.Seconds())
	if chunks > 0 {
		m.finalizeChunks.WithLabelValues(m.service).Observe(float64(chunks))
	}
}

func (m *FinalizeMetrics) NotificationFailed(kind string) {
	m.notificationFailures.WithLabelValues(m.service, kind).Inc()
}

// ObserveBreakerState matches resilience.Config.OnStateChange.
func (m *FinalizeMetrics) ObserveBreakerState(operation string, to gobreaker.State) {
	m.breakerState.WithLabelValues(m.service, operation).Set(float64(to))
}

func (m *FinalizeMetrics) RecordStaleReset(n int64) {
	if n <= 0 {
		return
	}
	m.staleReset.WithLabelValues(m.service).Add(float64(n))
}
