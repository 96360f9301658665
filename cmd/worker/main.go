package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtm888/medflow-ocr/internal/bootstrap"
	"github.com/xtm888/medflow-ocr/internal/config"
	"github.com/xtm888/medflow-ocr/internal/observability/logging"
	"github.com/xtm888/medflow-ocr/internal/observability/metrics"
)

func main() {
	config.LoadDotEnv()
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLogger("medflow-ocr-worker", cfg.LogLevel))

	if cfg.QueueBackend != "nats" {
		slog.Error("worker_requires_nats", "queue_backend", cfg.QueueBackend)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerMetrics := metrics.NewWorkerMetrics("worker")
	app, err := bootstrap.New(ctx, cfg, workerMetrics)
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("worker_metrics_server_failed", "error", err)
		}
	}()
	go app.RunJanitor(ctx)

	slog.Info("worker_started", "subject", cfg.NATSSubject, "metrics_port", cfg.WorkerMetricsPort)
	if err := app.RunWorkers(ctx); err != nil {
		slog.Error("worker_subscribe_failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}
