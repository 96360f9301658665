package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/xtm888/medflow-ocr/internal/config"
	"github.com/xtm888/medflow-ocr/internal/core/domain"
	"github.com/xtm888/medflow-ocr/internal/core/ports"
	"github.com/xtm888/medflow-ocr/internal/core/usecase"
	"github.com/xtm888/medflow-ocr/internal/infrastructure/dicom"
	"github.com/xtm888/medflow-ocr/internal/infrastructure/medflow"
	"github.com/xtm888/medflow-ocr/internal/infrastructure/ocr/tesseract"
	"github.com/xtm888/medflow-ocr/internal/infrastructure/pdf"
	"github.com/xtm888/medflow-ocr/internal/infrastructure/queue/inprocess"
	"github.com/xtm888/medflow-ocr/internal/infrastructure/queue/nats"
	"github.com/xtm888/medflow-ocr/internal/infrastructure/repository/memory"
	"github.com/xtm888/medflow-ocr/internal/infrastructure/repository/postgres"
	"github.com/xtm888/medflow-ocr/internal/infrastructure/repository/sqlite"
	"github.com/xtm888/medflow-ocr/internal/infrastructure/resilience"
	"github.com/xtm888/medflow-ocr/internal/infrastructure/thumbnail"
)

type expiringStore interface {
	ports.ProgressStore
	PurgeExpired(ctx context.Context) (int64, error)
}

// Processing is the synchronous part of the service: discovery, OCR and
// matching. The cli uses it without any queue or store.
type Processing struct {
	Config     config.Config
	Executor   *resilience.Executor
	Recognizer ports.TextRecognizer
	Thumbnails *thumbnail.Generator
	Backend    *medflow.Client

	Discovery *usecase.DiscoveryUseCase
	MatchUC   *usecase.MatchUseCase
	ProcessUC *usecase.ProcessFileUseCase
}

func NewProcessing(cfg config.Config) *Processing {
	executor := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    cfg.ResilienceRetryAttempts,
		RetryInitialBackoff: cfg.ResilienceRetryBackoff,
		OperationAttempts: map[string]int{
			resilience.OpSearchPatients: cfg.ResilienceRegistryAttempts,
		},
		BreakerEnabled:     cfg.ResilienceBreakerEnabled,
		BreakerOpenTimeout: cfg.ResilienceBreakerOpen,
	})
	backend := medflow.New(cfg.MedflowBackendURL, medflow.Options{
		Timeout:            cfg.BackendTimeout,
		ResilienceExecutor: executor,
	})

	if cfg.OCRUseGPU {
		slog.Warn("ocr_gpu_unsupported", "engine", "tesseract")
	}
	recognizer := tesseract.New(tesseract.Options{Languages: cfg.OCRLanguage})
	pdfReader := pdf.NewReader()
	thumbs := thumbnail.NewGenerator(cfg.ThumbnailCacheDir, thumbnail.Sizes{
		Small:  cfg.ThumbnailSizeSmall,
		Medium: cfg.ThumbnailSizeMedium,
		Large:  cfg.ThumbnailSizeLarge,
	}, pdfReader)

	var registry ports.PatientRegistry
	if cfg.RegistryLookupEnable {
		registry = medflow.NewRegistry(backend)
	}
	matchUC := usecase.NewMatchUseCase(registry, cfg.MatchAutoLinkThreshold, cfg.MatchSuggestThreshold)
	extensions := domain.DefaultExtensions()

	return &Processing{
		Config:     cfg,
		Executor:   executor,
		Recognizer: recognizer,
		Thumbnails: thumbs,
		Backend:    backend,
		Discovery:  usecase.NewDiscoveryUseCase(extensions, cfg.Shares),
		MatchUC:    matchUC,
		ProcessUC: usecase.NewProcessFileUseCase(recognizer, pdfReader, dicom.NewReader(), thumbs, matchUC, usecase.ProcessOptions{
			Extensions:          extensions,
			ConfidenceThreshold: cfg.OCRConfidenceThreshold,
			MaxPDFPages:         cfg.PDFMaxOCRPages,
		}),
	}
}

type App struct {
	*Processing

	Queue     ports.TaskQueue
	Store     ports.ProgressStore
	BatchUC   *usecase.BatchUseCase
	PublishUC *usecase.PublishUseCase

	store   expiringStore
	closeFn func()
}

// New wires the queue and progress store selected by configuration. The
// observer receives orchestration metrics and may be nil.
func New(ctx context.Context, cfg config.Config, observer usecase.BatchObserver) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	processing := NewProcessing(cfg)

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	queue, closeQueue, err := openQueue(cfg, processing.Executor)
	if err != nil {
		closeStore()
		return nil, err
	}

	publishUC := usecase.NewPublishUseCase(medflow.NewResultSink(processing.Backend), store, cfg.MatchAutoLinkThreshold)
	batchUC := usecase.NewBatchUseCase(processing.Discovery, processing.ProcessUC, store, queue, publishUC, observer, usecase.BatchOptions{
		DefaultFilesPerPatient: cfg.BatchMaxFilesPerPatient,
		SubmitScanLimit:        cfg.BatchMaxFiles,
		SoftTimeLimit:          cfg.TaskSoftTimeLimit,
		HardTimeLimit:          cfg.TaskHardTimeLimit,
		PublishOnComplete:      cfg.PublishOnComplete,
		AutoLinkThreshold:      cfg.MatchAutoLinkThreshold,
	})

	slog.Info("app_wired", "queue_backend", cfg.QueueBackend, "task_store", cfg.TaskStore, "ocr_lang", cfg.OCRLanguage)
	return &App{
		Processing: processing,
		Queue:      queue,
		Store:      store,
		BatchUC:    batchUC,
		PublishUC:  publishUC,
		store:      store,
		closeFn: func() {
			closeQueue()
			closeStore()
		},
	}, nil
}

func openStore(ctx context.Context, cfg config.Config) (expiringStore, func(), error) {
	switch cfg.TaskStore {
	case "postgres":
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return postgres.NewProgressRepository(db, cfg.TaskResultTTL), closeDB(db), nil
	case "sqlite":
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return sqlite.NewStore(db, cfg.TaskResultTTL), closeDB(db), nil
	default:
		return memory.NewProgressStore(cfg.TaskResultTTL), func() {}, nil
	}
}

func openQueue(cfg config.Config, executor *resilience.Executor) (ports.TaskQueue, func(), error) {
	if cfg.QueueBackend == "nats" {
		queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{Concurrency: cfg.WorkerConcurrency, ResilienceExecutor: executor})
		if err != nil {
			return nil, nil, fmt.Errorf("init task queue: %w", err)
		}
		return queue, queue.Close, nil
	}
	queue := inprocess.New(inprocess.WithWorkers(cfg.WorkerConcurrency), inprocess.WithQueueSize(cfg.WorkerQueueSize))
	return queue, func() {}, nil
}

func closeDB(db *sql.DB) func() {
	return func() { _ = db.Close() }
}

// InProcessWorkers reports whether the api process must also run the
// workers.
func (a *App) InProcessWorkers() bool {
	return a.Config.QueueBackend != "nats"
}

// RunWorkers consumes jobs until ctx is done.
func (a *App) RunWorkers(ctx context.Context) error {
	slog.Info("workers_subscribed", "queue_backend", a.Config.QueueBackend, "concurrency", a.Config.WorkerConcurrency)
	return a.Queue.Subscribe(ctx, a.BatchUC.Run)
}

// RunJanitor purges expired task snapshots every interval until ctx is done.
func (a *App) RunJanitor(ctx context.Context) {
	interval := a.Config.TaskJanitorTick
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := a.store.PurgeExpired(ctx)
			if err != nil {
				slog.Warn("task_purge_failed", "error", err)
				continue
			}
			if purged > 0 {
				slog.Info("task_purged", "count", purged)
			}
		}
	}
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

func (a *App) QueueConnected() bool { return a.Queue.Healthy() }

func (a *App) OCRReady() bool { return a.Recognizer.Ready() }

// Degraded reports an open circuit breaker on any backend operation.
func (a *App) Degraded() bool { return a.Executor.Degraded() }
