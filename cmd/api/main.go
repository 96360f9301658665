package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	httpadapter "github.com/xtm888/medflow-ocr/internal/adapters/http"
	mcpadapter "github.com/xtm888/medflow-ocr/internal/adapters/mcp"
	"github.com/xtm888/medflow-ocr/internal/bootstrap"
	"github.com/xtm888/medflow-ocr/internal/config"
	"github.com/xtm888/medflow-ocr/internal/core/usecase"
	"github.com/xtm888/medflow-ocr/internal/observability/logging"
	"github.com/xtm888/medflow-ocr/internal/observability/metrics"
)

func main() {
	config.LoadDotEnv()
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLogger("medflow-ocr-api", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpMetrics := metrics.NewHTTPServerMetrics("api")
	var observer usecase.BatchObserver
	if cfg.QueueBackend != "nats" {
		observer = metrics.NewWorkerMetricsOn("api", httpMetrics.Registry())
	}

	app, err := bootstrap.New(ctx, cfg, observer)
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if app.InProcessWorkers() {
		go func() {
			if err := app.RunWorkers(ctx); err != nil {
				slog.Error("workers_stopped", "error", err)
			}
		}()
	}
	go app.RunJanitor(ctx)

	opts := []httpadapter.RouterOption{
		httpadapter.WithMetrics(httpMetrics),
		httpadapter.WithHealth(app),
	}
	if cfg.MCPEnabled {
		tools := mcpadapter.NewTools(app.Discovery, app.BatchUC, cfg.BatchMaxFiles, cfg.BatchMaxPatients)
		opts = append(opts, httpadapter.WithMCP(tools.Handler(cfg.Version)))
	}
	router := httpadapter.NewRouter(cfg, app.Discovery, app.ProcessUC, app.BatchUC, app.PublishUC, opts...).Handler()

	server := &http.Server{
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.APIRequestTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	listener, err := net.Listen("tcp", ":"+cfg.APIPort)
	if err != nil {
		slog.Error("api_listen_failed", "port", cfg.APIPort, "error", err)
		os.Exit(1)
	}
	if cfg.APIMaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.APIMaxConnections)
	}

	go func() {
		slog.Info("api_listening", "port", cfg.APIPort, "version", cfg.Version, "queue_backend", cfg.QueueBackend, "mcp", cfg.MCPEnabled)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("api_shutdown_failed", "error", err)
	}
}
