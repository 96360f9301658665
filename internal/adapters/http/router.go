package httpadapter

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xtm888/medflow-ocr/internal/config"
	"github.com/xtm888/medflow-ocr/internal/core/ports"
	"github.com/xtm888/medflow-ocr/internal/observability/metrics"
)

const metricsService = "api"

// HealthReporter exposes dependency state for /health.
type HealthReporter interface {
	QueueConnected() bool
	OCRReady() bool
	Degraded() bool
}

type Router struct {
	cfg       config.Config
	scanner   ports.FolderScanner
	processor ports.DocumentProcessor
	batches   ports.BatchService
	publisher ports.ResultPublisher

	metrics *metrics.HTTPServerMetrics
	health  HealthReporter
	mcp     http.Handler
}

type RouterOption func(*Router)

func WithMetrics(m *metrics.HTTPServerMetrics) RouterOption {
	return func(rt *Router) { rt.metrics = m }
}

func WithHealth(h HealthReporter) RouterOption {
	return func(rt *Router) { rt.health = h }
}

// WithMCP mounts the MCP streamable-HTTP handler at /mcp.
func WithMCP(h http.Handler) RouterOption {
	return func(rt *Router) { rt.mcp = h }
}

func NewRouter(
	cfg config.Config,
	scanner ports.FolderScanner,
	processor ports.DocumentProcessor,
	batches ports.BatchService,
	publisher ports.ResultPublisher,
	opts ...RouterOption,
) *Router {
	rt := &Router{
		cfg:       cfg,
		scanner:   scanner,
		processor: processor,
		batches:   batches,
		publisher: publisher,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(accessLogMiddleware)
	r.Use(middleware.Recoverer)
	if len(rt.cfg.CORSAllowedOrigins) > 0 {
		r.Use(corsMiddleware(rt.cfg.CORSAllowedOrigins))
	}

	r.Get("/", rt.root)
	r.Get("/healthz", rt.healthz)
	r.Get("/health", rt.healthReport)
	if rt.metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return rateLimitMiddleware(next, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
		})
		r.Use(func(next http.Handler) http.Handler {
			return backpressureMiddleware(next, rt.cfg.APIMaxInFlight, rt.cfg.APIBackpressureWait)
		})

		r.Get("/api/shares", rt.listShares)
		r.Route("/api/ocr", func(r chi.Router) {
			r.Post("/process", rt.processFile)
			r.Post("/process/async", rt.processFileAsync)
			r.Post("/batch", rt.submitBatch)
			r.Get("/scan", rt.scanFolder)
			r.Get("/patients-preview", rt.previewPatients)
			r.Route("/status/{taskID}", func(r chi.Router) {
				r.Get("/", rt.taskStatus)
				r.Post("/cancel", rt.cancelTask)
				r.Post("/publish", rt.publishTask)
				r.Get("/export", rt.exportTask)
			})
		})
		if rt.mcp != nil {
			r.Handle("/mcp", rt.mcp)
		}
	})

	var handler http.Handler = r
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(metricsService, handler)
	}
	return handler
}

func (rt *Router) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": rt.cfg.ServiceName,
		"version": rt.cfg.Version,
		"status":  "running",
	})
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type healthResponse struct {
	Status          string          `json:"status"`
	Version         string          `json:"version"`
	QueueConnected  bool            `json:"queue_connected"`
	OCRReady        bool            `json:"ocr_ready"`
	BackendDegraded bool            `json:"backend_degraded"`
	NetworkShares   map[string]bool `json:"network_shares"`
	CheckedAt       time.Time       `json:"checked_at"`
}

func (rt *Router) healthReport(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "healthy",
		Version:       rt.cfg.Version,
		NetworkShares: map[string]bool{},
		CheckedAt:     time.Now().UTC(),
	}
	if rt.health != nil {
		resp.QueueConnected = rt.health.QueueConnected()
		resp.OCRReady = rt.health.OCRReady()
		resp.BackendDegraded = rt.health.Degraded()
	}
	for _, share := range rt.scanner.CheckShares(r.Context()) {
		resp.NetworkShares[share.Name] = share.Available
	}
	if !resp.QueueConnected || !resp.OCRReady || resp.BackendDegraded {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("http_handler_failed", "request_id", requestIDFromContext(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
