package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/xtm888/medflow-ocr/internal/bootstrap"
	"github.com/xtm888/medflow-ocr/internal/config"
	"github.com/xtm888/medflow-ocr/internal/observability/logging"
)

func main() {
	config.LoadDotEnv()
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLoggerTo(os.Stderr, "medflow-ocrctl", cfg.LogLevel))

	root := newRootCmd(cfg, func() (services, error) {
		if err := cfg.Validate(); err != nil {
			return services{}, fmt.Errorf("invalid config: %w", err)
		}
		proc := bootstrap.NewProcessing(cfg)
		return services{scanner: proc.Discovery, processor: proc.ProcessUC}, nil
	})
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
