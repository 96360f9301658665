package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
)

// WorkerMetrics implements usecase.BatchObserver.
type WorkerMetrics struct {
	service  string
	registry *prometheus.Registry

	fileTotal    *prometheus.CounterVec
	fileDuration *prometheus.HistogramVec
	fileInFlight prometheus.Gauge
	tasksTotal   *prometheus.CounterVec
	queueLag     *prometheus.HistogramVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	return NewWorkerMetricsOn(service, newProcessRegistry())
}

// NewWorkerMetricsOn registers the worker collectors on an existing registry.
func NewWorkerMetricsOn(service string, registry *prometheus.Registry) *WorkerMetrics {
	fileTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "files_processed_total",
			Help:      "Total processed files by status.",
		},
		[]string{"service", "status"},
	)
	fileDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "file_duration_seconds",
			Help:      "Per-file processing duration in seconds by status.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"service", "status"},
	)
	fileInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "files_in_flight",
			Help:      "Number of files currently being processed.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	tasksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "tasks_total",
			Help:      "Finished tasks by kind and terminal status.",
		},
		[]string{"service", "kind", "status"},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between task submission and processing start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)

	registry.MustRegister(fileTotal, fileDuration, fileInFlight, tasksTotal, queueLag)

	return &WorkerMetrics{
		service:      service,
		registry:     registry,
		fileTotal:    fileTotal,
		fileDuration: fileDuration,
		fileInFlight: fileInFlight,
		tasksTotal:   tasksTotal,
		queueLag:     queueLag,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartFile() {
	m.fileInFlight.Inc()
}

func (m *WorkerMetrics) FinishFile(duration time.Duration, failed bool) {
	m.fileInFlight.Dec()

	status := "success"
	if failed {
		status = "error"
	}
	m.fileTotal.WithLabelValues(m.service, status).Inc()
	m.fileDuration.WithLabelValues(m.service, status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) FinishTask(kind domain.TaskKind, status domain.TaskStatus) {
	m.tasksTotal.WithLabelValues(m.service, string(kind), string(status)).Inc()
}

func (m *WorkerMetrics) ObserveQueueLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(m.service).Observe(lag.Seconds())
}
