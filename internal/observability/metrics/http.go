package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
)

const namespace = "kedb"

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	queryTotal        *prometheus.CounterVec
	queryDuration     *prometheus.HistogramVec
	queryEvidence     *prometheus.HistogramVec
	channelLatency    *prometheus.HistogramVec
	channelFailures   *prometheus.CounterVec
	queryWarnings     *prometheus.CounterVec
	llmTokensTotal    *prometheus.CounterVec
	llmCostTotal      *prometheus.CounterVec
	sessionWriteTotal *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	queryTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "total",
			Help:      "Completed queries by terminal status.",
		},
		[]string{"service", "endpoint", "status"},
	)
	queryDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "End-to-end query duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 20, 30},
		},
		[]string{"service", "endpoint"},
	)
	queryEvidence := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "evidence_items",
			Help:      "Evidence items returned per query.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 20},
		},
		[]string{"service", "endpoint"},
	)
	channelLatency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "channel_duration_seconds",
			Help:      "Retrieval channel latency in seconds.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"service", "channel"},
	)
	channelFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "channel_failures_total",
			Help:      "Failed retrieval channel calls.",
		},
		[]string{"service", "channel"},
	)
	queryWarnings := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "warnings_total",
			Help:      "Warnings attached to query responses by code.",
		},
		[]string{"service", "code"},
	)
	llmTokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Token usage by direction.",
		},
		[]string{"service", "endpoint", "direction", "model"},
	)
	llmCostTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "cost_usd_total",
			Help:      "Estimated language model cost in USD.",
		},
		[]string{"service", "model"},
	)
	sessionWriteTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "session_writes_total",
			Help:      "Session sink writes by result.",
		},
		[]string{"service", "result"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		queryTotal,
		queryDuration,
		queryEvidence,
		channelLatency,
		channelFailures,
		queryWarnings,
		llmTokensTotal,
		llmCostTotal,
		sessionWriteTotal,
	)

	return &HTTPServerMetrics{
		registry:          registry,
		requestTotal:      requestTotal,
		requestDuration:   requestDuration,
		requestInFlight:   requestInFlight,
		queryTotal:        queryTotal,
		queryDuration:     queryDuration,
		queryEvidence:     queryEvidence,
		channelLatency:    channelLatency,
		channelFailures:   channelFailures,
		queryWarnings:     queryWarnings,
		llmTokensTotal:    llmTokensTotal,
		llmCostTotal:      llmCostTotal,
		sessionWriteTotal: sessionWriteTotal,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/sessions/"):
		return "/v1/sessions/{session_id}"
	default:
		return path
	}
}

// RecordQuery observes one completed query response.
func (m *HTTPServerMetrics) RecordQuery(service, endpoint string, resp domain.Response) {
	status := string(resp.Status)
	if status == "" {
		status = "unknown"
	}
	m.queryTotal.WithLabelValues(service, endpoint, status).Inc()
	m.queryDuration.WithLabelValues(service, endpoint).Observe(resp.Usage.LatencyMS / 1000.0)
	m.queryEvidence.WithLabelValues(service, endpoint).Observe(float64(len(resp.Evidence)))

	for _, ch := range resp.Usage.Channels {
		m.channelLatency.WithLabelValues(service, string(ch.Channel)).Observe(ch.LatencyMS / 1000.0)
		if ch.Failed {
			m.channelFailures.WithLabelValues(service, string(ch.Channel)).Inc()
		}
	}
	for _, w := range resp.Warnings {
		m.queryWarnings.WithLabelValues(service, w.Code).Inc()
	}

	m.RecordTokenUsage(service, endpoint, resp.Usage.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	if resp.Usage.CostUSD > 0 {
		m.llmCostTotal.WithLabelValues(service, modelLabel(resp.Usage.Model)).Add(resp.Usage.CostUSD)
	}
}

func (m *HTTPServerMetrics) RecordTokenUsage(service, endpoint, model string, promptTokens, completionTokens int) {
	model = modelLabel(model)
	if promptTokens > 0 {
		m.llmTokensTotal.WithLabelValues(service, endpoint, "in", model).Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.llmTokensTotal.WithLabelValues(service, endpoint, "out", model).Add(float64(completionTokens))
	}
}

// RecordSessionWrite observes one usage tracker sink write.
func (m *HTTPServerMetrics) RecordSessionWrite(service string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.sessionWriteTotal.WithLabelValues(service, result).Inc()
}

func modelLabel(model string) string {
	if model == "" {
		return "unknown"
	}
	return model
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
