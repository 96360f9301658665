package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
	"github.com/xtm888/medflow-ocr/internal/core/ports"
)

var (
	errCancelRequested = errors.New("cancellation requested")
	errHardTimeLimit   = errors.New("hard time limit exceeded")
	errSoftTimeLimit   = errors.New("soft time limit exceeded")
)

// BatchObserver receives orchestration metrics. metrics.WorkerMetrics
// implements it.
type BatchObserver interface {
	StartFile()
	FinishFile(duration time.Duration, failed bool)
	FinishTask(kind domain.TaskKind, status domain.TaskStatus)
	ObserveQueueLag(lag time.Duration)
}

type resultsPublisher interface {
	Publish(ctx context.Context, results []domain.OCRResult, autoLinkThreshold float64) domain.PublishSummary
}

type BatchOptions struct {
	DefaultFilesPerPatient int
	// SubmitScanLimit bounds the validation scan done at submit time.
	SubmitScanLimit   int
	SoftTimeLimit     time.Duration
	HardTimeLimit     time.Duration
	PublishOnComplete bool
	AutoLinkThreshold float64
}

type BatchUseCase struct {
	scanner   ports.FolderScanner
	processor ports.DocumentProcessor
	store     ports.ProgressStore
	queue     ports.TaskQueue
	publisher resultsPublisher
	observer  BatchObserver
	opts      BatchOptions

	now   func() time.Time
	newID func() string

	mu sync.Mutex
	// cancel flags of runs owned by this process, read between files
	running map[string]*atomic.Bool
}

func NewBatchUseCase(
	scanner ports.FolderScanner,
	processor ports.DocumentProcessor,
	store ports.ProgressStore,
	queue ports.TaskQueue,
	publisher resultsPublisher,
	observer BatchObserver,
	opts BatchOptions,
) *BatchUseCase {
	if opts.DefaultFilesPerPatient <= 0 {
		opts.DefaultFilesPerPatient = 10
	}
	if opts.SubmitScanLimit <= 0 {
		opts.SubmitScanLimit = domain.DefaultBatchMaxFiles
	}
	if opts.AutoLinkThreshold <= 0 {
		opts.AutoLinkThreshold = 0.85
	}
	if observer == nil {
		observer = noopObserver{}
	}
	return &BatchUseCase{
		scanner:   scanner,
		processor: processor,
		store:     store,
		queue:     queue,
		publisher: publisher,
		observer:  observer,
		opts:      opts,
		now:       time.Now,
		newID:     uuid.NewString,
		running:   make(map[string]*atomic.Bool),
	}
}

// Submit validates the folder, records a pending task and enqueues it.
func (uc *BatchUseCase) Submit(ctx context.Context, req domain.BatchRequest) (domain.TaskTicket, error) {
	if err := req.Normalize(uc.opts.DefaultFilesPerPatient); err != nil {
		return domain.TaskTicket{}, err
	}

	scan, err := uc.scanner.ScanFolder(ctx, req.FolderPath, domain.ScanOptions{
		MaxFiles:   uc.opts.SubmitScanLimit,
		Extensions: req.FileExtensions,
		Recursive:  req.IsRecursive(),
	})
	if err != nil {
		return domain.TaskTicket{}, fmt.Errorf("scan folder: %w", err)
	}
	if scan.TotalFiles == 0 {
		return domain.TaskTicket{}, domain.WrapError(domain.ErrNoFiles, "submit batch", fmt.Errorf("folder %s", req.FolderPath))
	}

	job := domain.Job{Kind: domain.TaskKindBatch, Batch: &req}
	if err := uc.enqueue(ctx, &job); err != nil {
		return domain.TaskTicket{}, err
	}
	return domain.TaskTicket{
		TaskID:  job.TaskID,
		Status:  domain.TaskPending,
		Message: fmt.Sprintf("Batch processing started. Found %d files, targeting %d patients.", scan.TotalFiles, req.MaxPatients),
	}, nil
}

// SubmitFile enqueues a single-file task.
func (uc *BatchUseCase) SubmitFile(ctx context.Context, req domain.FileRequest) (domain.TaskTicket, error) {
	if err := req.Normalize(); err != nil {
		return domain.TaskTicket{}, err
	}
	job := domain.Job{Kind: domain.TaskKindFile, File: &req}
	if err := uc.enqueue(ctx, &job); err != nil {
		return domain.TaskTicket{}, err
	}
	return domain.TaskTicket{
		TaskID:  job.TaskID,
		Status:  domain.TaskPending,
		Message: "OCR task queued",
	}, nil
}

func (uc *BatchUseCase) enqueue(ctx context.Context, job *domain.Job) error {
	job.TaskID = uc.newID()
	job.EnqueuedAt = uc.now().UTC()

	pending := domain.PendingProgress(job.TaskID)
	pending.Kind = job.Kind
	pending.UpdatedAt = job.EnqueuedAt
	if err := uc.store.Save(ctx, pending); err != nil {
		return fmt.Errorf("save pending task: %w", err)
	}

	if err := uc.queue.Publish(ctx, *job); err != nil {
		failed := pending
		failed.Status = domain.TaskFailure
		failed.Error = "enqueue failed: " + err.Error()
		failed.UpdatedAt = uc.now().UTC()
		if saveErr := uc.store.Save(context.WithoutCancel(ctx), failed); saveErr != nil {
			slog.Error("task_state_save_failed", "task_id", job.TaskID, "error", saveErr)
		}
		return fmt.Errorf("publish task: %w", err)
	}
	slog.Info("task_enqueued", "task_id", job.TaskID, "kind", job.Kind)
	return nil
}

// Status returns the latest snapshot; unknown tasks report pending.
func (uc *BatchUseCase) Status(ctx context.Context, taskID string) (domain.BatchProgress, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return domain.BatchProgress{}, domain.WrapError(domain.ErrInvalidInput, "task status", errors.New("task id is required"))
	}
	progress, err := uc.store.Get(ctx, taskID)
	if err != nil {
		if domain.IsKind(err, domain.ErrNotFound) {
			return domain.PendingProgress(taskID), nil
		}
		return domain.BatchProgress{}, fmt.Errorf("load task state: %w", err)
	}
	return progress, nil
}

// Cancel is best effort: the flag is checked between files and never
// interrupts the file in flight.
func (uc *BatchUseCase) Cancel(ctx context.Context, taskID string) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "cancel task", errors.New("task id is required"))
	}
	if err := uc.store.RequestCancel(ctx, taskID); err != nil {
		slog.Warn("task_cancel_flag_failed", "task_id", taskID, "error", err)
	}

	uc.mu.Lock()
	flag, ok := uc.running[taskID]
	uc.mu.Unlock()
	if ok {
		flag.Store(true)
	}
	slog.Info("task_cancel_requested", "task_id", taskID, "local", ok)
	return nil
}

// Run executes one job to a terminal state. Per-file failures are absorbed
// into the results; only discovery failures, internal faults and time
// limits end the task in failure.
func (uc *BatchUseCase) Run(ctx context.Context, job domain.Job) (err error) {
	if strings.TrimSpace(job.TaskID) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "run task", errors.New("task id is required"))
	}
	if !job.EnqueuedAt.IsZero() {
		uc.observer.ObserveQueueLag(uc.now().Sub(job.EnqueuedAt))
	}

	// runCtx ends only on shutdown or the hard limit.
	runCtx := ctx
	if uc.opts.HardTimeLimit > 0 {
		var cancelHard context.CancelFunc
		runCtx, cancelHard = context.WithTimeoutCause(ctx, uc.opts.HardTimeLimit, errHardTimeLimit)
		defer cancelHard()
	}
	cancelled := uc.track(job.TaskID)
	defer uc.untrack(job.TaskID)

	started := uc.now().UTC()
	progress := domain.BatchProgress{
		TaskID:    job.TaskID,
		Kind:      job.Kind,
		Status:    domain.TaskStarted,
		StartedAt: &started,
	}
	var softDeadline time.Time
	if uc.opts.SoftTimeLimit > 0 {
		softDeadline = started.Add(uc.opts.SoftTimeLimit)
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("task_panic", "task_id", job.TaskID, "panic", r)
			err = uc.finish(ctx, job, &progress, domain.TaskFailure, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if uc.cancelRequested(ctx, job.TaskID) {
		return uc.finish(ctx, job, &progress, domain.TaskCancelled, "")
	}
	uc.save(ctx, progress)

	files, err := uc.selectFiles(runCtx, job)
	if err != nil {
		if stopErr := uc.stopCause(runCtx); stopErr != nil {
			return uc.stop(ctx, job, &progress, stopErr)
		}
		return uc.finish(ctx, job, &progress, domain.TaskFailure, err.Error())
	}
	progress.TotalFiles = len(files)
	uc.save(ctx, progress)

	for i, file := range files {
		if stopErr := uc.checkStop(ctx, runCtx, job.TaskID, cancelled, softDeadline); stopErr != nil {
			return uc.stop(ctx, job, &progress, stopErr)
		}

		// Published before the file runs: counts cover completed files only.
		progress.ProcessedFiles = i
		progress.CurrentFile = filepath.Base(file.FilePath)
		uc.save(ctx, progress)

		result, abandoned := uc.processOne(runCtx, file)
		if abandoned {
			return uc.stop(ctx, job, &progress, uc.stopCause(runCtx))
		}
		uc.record(&progress, result)
	}

	return uc.finish(ctx, job, &progress, domain.TaskSuccess, "")
}

func (uc *BatchUseCase) selectFiles(ctx context.Context, job domain.Job) ([]domain.FileRequest, error) {
	switch job.Kind {
	case domain.TaskKindFile:
		if job.File == nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "select files", errors.New("file job without file request"))
		}
		return []domain.FileRequest{*job.File}, nil
	case domain.TaskKindBatch:
		if job.Batch == nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "select files", errors.New("batch job without batch request"))
		}
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "select files", fmt.Errorf("unknown job kind %q", job.Kind))
	}

	req := *job.Batch
	if err := req.Normalize(uc.opts.DefaultFilesPerPatient); err != nil {
		return nil, err
	}
	groups, err := uc.scanner.FilesForImport(ctx, req.FolderPath, domain.ImportOptions{
		DeviceType:         req.DeviceType,
		MaxPatients:        req.MaxPatients,
		MaxFilesPerPatient: req.MaxFilesPerPatient,
		Extensions:         req.FileExtensions,
		Recursive:          req.IsRecursive(),
	})
	if err != nil {
		return nil, fmt.Errorf("discover files: %w", err)
	}

	extract := true
	files := make([]domain.FileRequest, 0, req.MaxFiles)
	for _, group := range groups {
		for _, file := range group.Files {
			if len(files) >= req.MaxFiles {
				return files, nil
			}
			files = append(files, domain.FileRequest{
				FilePath:         file.Path,
				DeviceType:       req.DeviceType,
				ExtractThumbnail: &extract,
			})
		}
	}
	return files, nil
}

// processOne runs one file; a panic becomes an error result. It reports
// abandoned when the run context ends (hard limit or shutdown) before the
// file completes.
func (uc *BatchUseCase) processOne(ctx context.Context, req domain.FileRequest) (domain.OCRResult, bool) {
	uc.observer.StartFile()
	start := uc.now()
	done := make(chan domain.OCRResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("file_processing_panic", "file", req.FilePath, "panic", r)
				failed := domain.OCRResult{
					FilePath:    req.FilePath,
					FileName:    filepath.Base(req.FilePath),
					DeviceType:  domain.ParseDeviceType(string(req.DeviceType)),
					ProcessedAt: uc.now().UTC(),
				}
				failed.Fail(fmt.Errorf("processing panic: %v", r))
				done <- failed
			}
		}()
		done <- uc.processor.Process(ctx, req)
	}()

	select {
	case result := <-done:
		uc.observer.FinishFile(uc.now().Sub(start), result.Failed())
		return result, false
	case <-ctx.Done():
		uc.observer.FinishFile(uc.now().Sub(start), true)
		return domain.OCRResult{}, true
	}
}

func (uc *BatchUseCase) record(progress *domain.BatchProgress, result domain.OCRResult) {
	if result.Failed() {
		progress.Errors++
		slog.Warn("file_processing_failed", "task_id", progress.TaskID, "file", result.FilePath, "error", result.Error)
	} else {
		progress.AddPatient(result.ExtractedInfo.IdentityKey())
		if result.MatchConfidence == domain.MatchHigh || result.MatchConfidence == domain.MatchMedium {
			progress.MatchedPatients++
		}
	}
	progress.Results = append(progress.Results, result)
}

func (uc *BatchUseCase) checkStop(ctx, runCtx context.Context, taskID string, cancelled *atomic.Bool, softDeadline time.Time) error {
	if cause := uc.stopCause(runCtx); cause != nil {
		return cause
	}
	if cancelled.Load() || uc.cancelRequested(ctx, taskID) {
		return errCancelRequested
	}
	if !softDeadline.IsZero() && !uc.now().Before(softDeadline) {
		return errSoftTimeLimit
	}
	return nil
}

func (uc *BatchUseCase) stopCause(runCtx context.Context) error {
	if runCtx.Err() == nil {
		return nil
	}
	return context.Cause(runCtx)
}

func (uc *BatchUseCase) stop(ctx context.Context, job domain.Job, progress *domain.BatchProgress, cause error) error {
	switch {
	case errors.Is(cause, errCancelRequested):
		return uc.finish(ctx, job, progress, domain.TaskCancelled, "")
	case errors.Is(cause, errSoftTimeLimit), errors.Is(cause, errHardTimeLimit):
		return uc.finish(ctx, job, progress, domain.TaskFailure, cause.Error())
	case cause == nil:
		return uc.finish(ctx, job, progress, domain.TaskFailure, "task interrupted")
	default:
		return uc.finish(ctx, job, progress, domain.TaskFailure, "task interrupted: "+cause.Error())
	}
}

func (uc *BatchUseCase) finish(ctx context.Context, job domain.Job, progress *domain.BatchProgress, status domain.TaskStatus, errMessage string) error {
	completed := uc.now().UTC()
	progress.Status = status
	progress.CompletedAt = &completed
	progress.CurrentFile = ""
	progress.Error = errMessage
	progress.ProcessedFiles = len(progress.Results)

	uc.observer.FinishTask(job.Kind, status)
	slog.Info("task_finished",
		"task_id", job.TaskID,
		"kind", job.Kind,
		"status", status,
		"total_files", progress.TotalFiles,
		"processed_files", progress.ProcessedFiles,
		"errors", progress.Errors,
		"unique_patients", progress.UniquePatients,
		"error", errMessage,
	)

	terminal := progress.Snapshot()
	terminal.UpdatedAt = completed
	if err := uc.store.Save(context.WithoutCancel(ctx), terminal); err != nil {
		return fmt.Errorf("save terminal task state: %w", err)
	}

	if status == domain.TaskSuccess && uc.opts.PublishOnComplete && uc.publisher != nil {
		summary := uc.publisher.Publish(context.WithoutCancel(ctx), terminal.Results, uc.opts.AutoLinkThreshold)
		slog.Info("task_results_published",
			"task_id", job.TaskID,
			"sent", summary.Sent,
			"failed", summary.Failed,
			"skipped", summary.Skipped,
			"total", summary.Total,
		)
	}
	return nil
}

// save publishes a live snapshot without the result list.
func (uc *BatchUseCase) save(ctx context.Context, progress domain.BatchProgress) {
	live := progress.Snapshot()
	live.Results = nil
	live.UpdatedAt = uc.now().UTC()
	if err := uc.store.Save(context.WithoutCancel(ctx), live); err != nil {
		slog.Warn("task_state_save_failed", "task_id", progress.TaskID, "error", err)
	}
}

func (uc *BatchUseCase) cancelRequested(ctx context.Context, taskID string) bool {
	requested, err := uc.store.CancelRequested(context.WithoutCancel(ctx), taskID)
	if err != nil {
		slog.Warn("task_cancel_flag_read_failed", "task_id", taskID, "error", err)
		return false
	}
	return requested
}

func (uc *BatchUseCase) track(taskID string) *atomic.Bool {
	flag := new(atomic.Bool)
	uc.mu.Lock()
	defer uc.mu.Unlock()
	uc.running[taskID] = flag
	return flag
}

func (uc *BatchUseCase) untrack(taskID string) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	delete(uc.running, taskID)
}

type noopObserver struct{}

func (noopObserver) StartFile()                                    {}
func (noopObserver) FinishFile(time.Duration, bool)                {}
func (noopObserver) FinishTask(domain.TaskKind, domain.TaskStatus) {}
func (noopObserver) ObserveQueueLag(time.Duration)                 {}
