package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkerMetrics instruments the session ledger worker.
type WorkerMetrics struct {
	registry *prometheus.Registry

	appendTotal    *prometheus.CounterVec
	appendDuration *prometheus.HistogramVec
	appendInFlight prometheus.Gauge
	ledgerLag      *prometheus.HistogramVec
	rejectedTotal  *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	appendTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "session_append_total",
			Help:      "Sessions appended to the ledger by status.",
		},
		[]string{"service", "status"},
	)
	appendDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "session_append_duration_seconds",
			Help:      "Ledger append duration in seconds by status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "status"},
	)
	appendInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "session_append_in_flight",
			Help:      "Number of in-flight ledger appends.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	ledgerLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "lag_seconds",
			Help:      "Delay between session seal and ledger append start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)
	rejectedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "rejected_total",
			Help:      "Sessions the worker could not schedule.",
		},
		[]string{"service"},
	)

	registry.MustRegister(appendTotal, appendDuration, appendInFlight, ledgerLag, rejectedTotal)

	return &WorkerMetrics{
		registry:       registry,
		appendTotal:    appendTotal,
		appendDuration: appendDuration,
		appendInFlight: appendInFlight,
		ledgerLag:      ledgerLag,
		rejectedTotal:  rejectedTotal,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartAppend() {
	m.appendInFlight.Inc()
}

func (m *WorkerMetrics) FinishAppend(service string, duration time.Duration, err error) {
	m.appendInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}

	m.appendTotal.WithLabelValues(service, status).Inc()
	m.appendDuration.WithLabelValues(service, status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveLedgerLag(service string, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.ledgerLag.WithLabelValues(service).Observe(lag.Seconds())
}

func (m *WorkerMetrics) RecordRejected(service string) {
	m.rejectedTotal.WithLabelValues(service).Inc()
}
