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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
)

const namespace = "medflow_ocr"

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	syncProcessTotal *prometheus.CounterVec
	scanFilesTotal   *prometheus.HistogramVec
	publishTotal     *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := newProcessRegistry()

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
	syncProcessTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ocr",
			Name:      "sync_process_total",
			Help:      "Synchronous single-file OCR requests by file type and outcome.",
		},
		[]string{"service", "file_type", "status"},
	)
	scanFilesTotal := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "scan_files",
			Help:      "Supported files found per folder scan.",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		},
		[]string{"service", "device_type"},
	)
	publishTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "results_total",
			Help:      "Results forwarded to the backend by outcome.",
		},
		[]string{"service", "outcome"},
	)
	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		syncProcessTotal,
		scanFilesTotal,
		publishTotal,
	)

	return &HTTPServerMetrics{
		registry:         registry,
		requestTotal:     requestTotal,
		requestDuration:  requestDuration,
		requestInFlight:  requestInFlight,
		syncProcessTotal: syncProcessTotal,
		scanFilesTotal:   scanFilesTotal,
		publishTotal:     publishTotal,
	}
}

// newProcessRegistry carries the Go runtime and process collectors so each
// binary exposes them exactly once.
func newProcessRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// Registry lets in-process workers expose their collectors on the api's
// /metrics endpoint.
func (m *HTTPServerMetrics) Registry() *prometheus.Registry {
	return m.registry
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
	const statusPrefix = "/api/ocr/status/"
	if !strings.HasPrefix(path, statusPrefix) {
		return path
	}
	rest := strings.TrimPrefix(path, statusPrefix)
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return statusPrefix + "{task_id}" + rest[idx:]
	}
	return statusPrefix + "{task_id}"
}

func (m *HTTPServerMetrics) RecordSyncProcess(service string, result domain.OCRResult) {
	status := "success"
	if result.Error != "" {
		status = "error"
	}
	fileType := string(result.FileType)
	if fileType == "" {
		fileType = "unknown"
	}
	m.syncProcessTotal.WithLabelValues(service, fileType, status).Inc()
}

func (m *HTTPServerMetrics) RecordScan(service string, deviceType domain.DeviceType, files int) {
	m.scanFilesTotal.WithLabelValues(service, string(deviceType)).Observe(float64(files))
}

func (m *HTTPServerMetrics) RecordPublish(service string, summary domain.PublishSummary) {
	if summary.Sent > 0 {
		m.publishTotal.WithLabelValues(service, "sent").Add(float64(summary.Sent))
	}
	if summary.Failed > 0 {
		m.publishTotal.WithLabelValues(service, "failed").Add(float64(summary.Failed))
	}
	if summary.Skipped > 0 {
		m.publishTotal.WithLabelValues(service, "skipped").Add(float64(summary.Skipped))
	}
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
