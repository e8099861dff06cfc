// Package metrics exposes Prometheus instrumentation for the HTTP surface
// and the comprobante pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	itemsTotal    *prometheus.CounterVec
	batchSize     prometheus.Histogram
	stageDuration *prometheus.HistogramVec
	sunatTotal    *prometheus.CounterVec
}

func New(service string) *Metrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comprobantes",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "comprobantes",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "comprobantes",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	itemsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comprobantes",
			Subsystem: "pipeline",
			Name:      "items_total",
			Help:      "Total produced items by outcome.",
		},
		[]string{"service", "outcome"},
	)
	batchSize := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "comprobantes",
			Subsystem: "pipeline",
			Name:      "batch_size_files",
			Help:      "Distribution of files per submitted batch.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "comprobantes",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Per-stage processing duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"service", "stage"},
	)
	sunatTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comprobantes",
			Subsystem: "sunat",
			Name:      "validations_total",
			Help:      "Total SUNAT validation results by verdict.",
		},
		[]string{"service", "verdict"},
	)

	registry.MustRegister(requestTotal, requestDuration, requestInFlight, itemsTotal, batchSize, stageDuration, sunatTotal)

	return &Metrics{
		registry:        registry,
		requestTotal:    requestTotal,
		requestDuration: requestDuration,
		requestInFlight: requestInFlight,
		itemsTotal:      itemsTotal,
		batchSize:       batchSize,
		stageDuration:   stageDuration,
		sunatTotal:      sunatTotal,
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Middleware(service string, next http.Handler) http.Handler {
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

// normalizePath keeps label cardinality bounded for parameterized routes.
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/lotes/"):
		return "/lotes/{lote_id}/export"
	default:
		return path
	}
}

// RecordBatch counts one submitted batch and its item outcomes.
func (m *Metrics) RecordBatch(service string, files int, okItems, failedItems int) {
	m.batchSize.Observe(float64(files))
	if okItems > 0 {
		m.itemsTotal.WithLabelValues(service, "ok").Add(float64(okItems))
	}
	if failedItems > 0 {
		m.itemsTotal.WithLabelValues(service, "failed").Add(float64(failedItems))
	}
}

// ObserveStage records one stage duration (normalize, extract, raster, sunat).
func (m *Metrics) ObserveStage(service, stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(service, stage).Observe(d.Seconds())
}

// RecordSunatVerdict counts one validation response.
func (m *Metrics) RecordSunatVerdict(service string, ok bool) {
	verdict := "rejected"
	if ok {
		verdict = "accepted"
	}
	m.sunatTotal.WithLabelValues(service, verdict).Inc()
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
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
