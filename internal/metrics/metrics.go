// Package metrics exposes the pipeline's Prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	parseAttempts  *prometheus.CounterVec
	parseWinners   *prometheus.CounterVec
	records        *prometheus.CounterVec
	batches        *prometheus.CounterVec
	batchLatency   *prometheus.HistogramVec
	activeSessions prometheus.Gauge
	eventsDropped  *prometheus.CounterVec
	transitions    *prometheus.CounterVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		parseAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "import",
			Name:      "parse_attempts_total",
			Help:      "Parsing strategy attempts by outcome.",
		}, []string{"strategy", "result"}),
		parseWinners: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "import",
			Name:      "parse_selected_total",
			Help:      "Strategy results kept by the selector.",
		}, []string{"strategy"}),
		records: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "import",
			Name:      "records_total",
			Help:      "Records processed by entity type and outcome.",
		}, []string{"entity", "result"}),
		batches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "import",
			Name:      "batches_total",
			Help:      "Batches finished by outcome.",
		}, []string{"result"}),
		batchLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "import",
			Name:      "batch_duration_seconds",
			Help:      "Wall time spent processing one batch.",
			Buckets: []float64{
				0.01, 0.05, 0.1,
				0.5, 1, 2, 5,
				10, 30, 60,
			},
		}, []string{"result"}),
		activeSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "import",
			Name:      "active_sessions",
			Help:      "Sessions currently executing in the batch processor.",
		}),
		eventsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "import",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a queue or subscriber was full.",
		}, []string{"type"}),
		transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "import",
			Name:      "workflow_transitions_total",
			Help:      "Workflow transitions attempted by target state and outcome.",
		}, []string{"to", "result"}),
	}
})

func get() *metrics {
	return metricsSingleton()
}

// ParseAttempt records one strategy execution. result is success, rejected, or error.
func ParseAttempt(strategy, result string) {
	get().parseAttempts.WithLabelValues(strategy, result).Inc()
}

// ParseSelected records the strategy whose result the selector kept.
func ParseSelected(strategy string) {
	get().parseWinners.WithLabelValues(strategy).Inc()
}

// Record counts one processed record. result is success, failed, or skipped.
func Record(entity, result string) {
	get().records.WithLabelValues(entity, result).Inc()
}

// Batch records a finished batch and its duration.
func Batch(result string, d time.Duration) {
	m := get()
	m.batches.WithLabelValues(result).Inc()
	m.batchLatency.WithLabelValues(result).Observe(d.Seconds())
}

// SessionStarted marks a session as executing.
func SessionStarted() { get().activeSessions.Inc() }

// SessionFinished reverses SessionStarted.
func SessionFinished() { get().activeSessions.Dec() }

// EventDropped counts an event that was not delivered.
func EventDropped(eventType string) {
	get().eventsDropped.WithLabelValues(eventType).Inc()
}

// Transition counts a workflow transition. result is ok, rejected, or failed.
func Transition(to, result string) {
	get().transitions.WithLabelValues(to, result).Inc()
}
