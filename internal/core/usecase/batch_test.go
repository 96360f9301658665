package usecase

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
)

type progressStoreFake struct {
	mu      sync.Mutex
	states  map[string]domain.BatchProgress
	history []domain.BatchProgress
	cancel  map[string]bool
}

func newProgressStoreFake() *progressStoreFake {
	return &progressStoreFake{
		states: make(map[string]domain.BatchProgress),
		cancel: make(map[string]bool),
	}
}

func (f *progressStoreFake) Save(_ context.Context, progress domain.BatchProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[progress.TaskID] = progress.Snapshot()
	f.history = append(f.history, progress.Snapshot())
	return nil
}

func (f *progressStoreFake) Get(_ context.Context, taskID string) (domain.BatchProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	progress, ok := f.states[taskID]
	if !ok {
		return domain.BatchProgress{}, domain.WrapError(domain.ErrNotFound, "get task", fmt.Errorf("task %s", taskID))
	}
	return progress.Snapshot(), nil
}

func (f *progressStoreFake) RequestCancel(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancel[taskID] = true
	return nil
}

func (f *progressStoreFake) CancelRequested(_ context.Context, taskID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancel[taskID], nil
}

func (f *progressStoreFake) last(taskID string) domain.BatchProgress {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[taskID]
}

type taskQueueFake struct {
	mu   sync.Mutex
	jobs []domain.Job
	err  error
}

func (f *taskQueueFake) Publish(_ context.Context, job domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *taskQueueFake) Subscribe(ctx context.Context, _ func(context.Context, domain.Job) error) error {
	<-ctx.Done()
	return nil
}

func (f *taskQueueFake) Healthy() bool { return true }

// processorFake identifies every file as a distinct patient named after the
// file stem. hook runs before the result is returned and may replace it.
type processorFake struct {
	mu    sync.Mutex
	calls int
	hook  func(ctx context.Context, call int, result *domain.OCRResult)
}

func (f *processorFake) Process(ctx context.Context, req domain.FileRequest) domain.OCRResult {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	name := filepath.Base(req.FilePath)
	result := domain.OCRResult{
		FilePath:   req.FilePath,
		FileName:   name,
		DeviceType: req.DeviceType,
		ExtractedInfo: &domain.ExtractedPatientInfo{
			LastName: strings.TrimSuffix(name, filepath.Ext(name)),
			Source:   domain.SourceFilename,
		},
		MatchConfidence: domain.MatchHigh,
		MatchScore:      0.9,
	}
	if f.hook != nil {
		f.hook(ctx, call, &result)
	}
	return result
}

func (f *processorFake) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type publisherFake struct {
	mu      sync.Mutex
	batches [][]domain.OCRResult
}

func (f *publisherFake) Publish(_ context.Context, results []domain.OCRResult, _ float64) domain.PublishSummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, results)
	return domain.PublishSummary{Sent: len(results), Total: len(results)}
}

type clockFake struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clockFake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clockFake) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type batchFixture struct {
	uc        *BatchUseCase
	store     *progressStoreFake
	queue     *taskQueueFake
	processor *processorFake
	publisher *publisherFake
	root      string
}

func newBatchFixture(t *testing.T, files int, opts BatchOptions) *batchFixture {
	t.Helper()
	root := t.TempDir()
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < files; i++ {
		writeFileAt(t, filepath.Join(root, "dupont_jean", fmt.Sprintf("scan%d.jpg", i+1)), base.Add(-time.Duration(i)*time.Minute))
	}

	f := &batchFixture{
		store:     newProgressStoreFake(),
		queue:     &taskQueueFake{},
		processor: &processorFake{},
		publisher: &publisherFake{},
		root:      root,
	}
	f.uc = NewBatchUseCase(newDiscovery(), f.processor, f.store, f.queue, f.publisher, nil, opts)
	ids := 0
	f.uc.newID = func() string {
		ids++
		return fmt.Sprintf("task-%d", ids)
	}
	return f
}

func (f *batchFixture) submit(t *testing.T) domain.Job {
	t.Helper()
	ticket, err := f.uc.Submit(context.Background(), domain.BatchRequest{FolderPath: f.root, DeviceType: "generic"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(f.queue.jobs) != 1 || f.queue.jobs[0].TaskID != ticket.TaskID {
		t.Fatalf("expected one queued job for %s, got %+v", ticket.TaskID, f.queue.jobs)
	}
	return f.queue.jobs[0]
}

func TestSubmitQueuesPendingTask(t *testing.T) {
	f := newBatchFixture(t, 3, BatchOptions{})
	ticket, err := f.uc.Submit(context.Background(), domain.BatchRequest{FolderPath: f.root, MaxPatients: 5})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if ticket.TaskID != "task-1" || ticket.Status != domain.TaskPending {
		t.Fatalf("unexpected ticket: %+v", ticket)
	}
	if ticket.Message != "Batch processing started. Found 3 files, targeting 5 patients." {
		t.Fatalf("unexpected message: %q", ticket.Message)
	}
	if got := f.store.last("task-1"); got.Status != domain.TaskPending || got.Kind != domain.TaskKindBatch {
		t.Fatalf("expected pending record, got %+v", got)
	}
	job := f.queue.jobs[0]
	if job.Batch == nil || job.Batch.MaxFiles != domain.DefaultBatchMaxFiles || job.EnqueuedAt.IsZero() {
		t.Fatalf("expected normalized batch job, got %+v", job)
	}
}

func TestSubmitEmptyFolderReturnsNoFiles(t *testing.T) {
	f := newBatchFixture(t, 0, BatchOptions{})
	ticket, err := f.uc.Submit(context.Background(), domain.BatchRequest{FolderPath: f.root})
	if !domain.IsKind(err, domain.ErrNoFiles) {
		t.Fatalf("expected no files error, got %v", err)
	}
	if ticket.TaskID != "" || len(f.queue.jobs) != 0 || len(f.store.history) != 0 {
		t.Fatalf("no task must be created, got ticket %+v", ticket)
	}
}

func TestSubmitRejectsInvalidLimits(t *testing.T) {
	f := newBatchFixture(t, 1, BatchOptions{})
	_, err := f.uc.Submit(context.Background(), domain.BatchRequest{FolderPath: f.root, MaxFiles: 5000})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestSubmitQueueFailureMarksTaskFailed(t *testing.T) {
	f := newBatchFixture(t, 1, BatchOptions{})
	f.queue.err = errors.New("nats unavailable")
	if _, err := f.uc.Submit(context.Background(), domain.BatchRequest{FolderPath: f.root}); err == nil {
		t.Fatalf("expected enqueue error")
	}
	got := f.store.last("task-1")
	if got.Status != domain.TaskFailure || !strings.Contains(got.Error, "nats unavailable") {
		t.Fatalf("expected failure record, got %+v", got)
	}
}

func TestStatusUnknownTaskIsPending(t *testing.T) {
	f := newBatchFixture(t, 0, BatchOptions{})
	progress, err := f.uc.Status(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if progress.Status != domain.TaskPending || progress.TaskID != "does-not-exist" {
		t.Fatalf("expected pending, got %+v", progress)
	}
	if _, err := f.uc.Status(context.Background(), " "); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank id, got %v", err)
	}
}

func TestRunAbsorbsPerFileFailures(t *testing.T) {
	f := newBatchFixture(t, 5, BatchOptions{})
	f.processor.hook = func(_ context.Context, call int, result *domain.OCRResult) {
		if call == 3 {
			panic("tesseract segfault")
		}
	}
	job := f.submit(t)

	if err := f.uc.Run(context.Background(), job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := f.store.last(job.TaskID)
	if got.Status != domain.TaskSuccess {
		t.Fatalf("expected success, got %s (%s)", got.Status, got.Error)
	}
	if got.TotalFiles != 5 || got.ProcessedFiles != 5 || got.Errors != 1 || len(got.Results) != 5 {
		t.Fatalf("unexpected counters: total=%d processed=%d errors=%d results=%d",
			got.TotalFiles, got.ProcessedFiles, got.Errors, len(got.Results))
	}
	if got.UniquePatients != 4 || got.MatchedPatients != 4 {
		t.Fatalf("expected 4 patients matched, got unique=%d matched=%d", got.UniquePatients, got.MatchedPatients)
	}
	failed := got.Results[2]
	if failed.Error == "" || failed.ExtractedInfo != nil || failed.MatchConfidence != domain.MatchNone {
		t.Fatalf("expected clean error result for file 3, got %+v", failed)
	}
	if got.CompletedAt == nil || got.CurrentFile != "" {
		t.Fatalf("expected completed snapshot, got %+v", got)
	}
}

func TestRunSnapshotsAreMonotonic(t *testing.T) {
	f := newBatchFixture(t, 4, BatchOptions{})
	f.processor.hook = func(_ context.Context, call int, result *domain.OCRResult) {
		if call%2 == 0 {
			result.Fail(errors.New("unreadable"))
		}
	}
	job := f.submit(t)
	if err := f.uc.Run(context.Background(), job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var prev domain.BatchProgress
	for _, snap := range f.store.history {
		if snap.TaskID != job.TaskID {
			continue
		}
		if snap.ProcessedFiles < prev.ProcessedFiles || snap.Errors < prev.Errors || snap.UniquePatients < prev.UniquePatients {
			t.Fatalf("snapshot went backwards: %+v after %+v", snap, prev)
		}
		if !snap.Status.Terminal() && snap.Results != nil {
			t.Fatalf("live snapshots must not carry results")
		}
		prev = snap
	}
	if prev.Status != domain.TaskSuccess || prev.Errors != 2 {
		t.Fatalf("unexpected final snapshot: %+v", prev)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	f := newBatchFixture(t, 3, BatchOptions{})
	job := f.submit(t)
	if err := f.uc.Cancel(context.Background(), job.TaskID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	if err := f.uc.Run(context.Background(), job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := f.store.last(job.TaskID)
	if got.Status != domain.TaskCancelled || f.processor.callCount() != 0 {
		t.Fatalf("expected cancelled without processing, got %+v", got)
	}
}

func TestRunCancelledBetweenFiles(t *testing.T) {
	f := newBatchFixture(t, 5, BatchOptions{})
	var taskID string
	interrupted := false
	f.processor.hook = func(ctx context.Context, call int, result *domain.OCRResult) {
		if call != 2 {
			return
		}
		_ = f.uc.Cancel(context.Background(), taskID)
		select {
		case <-ctx.Done():
			interrupted = true
		case <-time.After(50 * time.Millisecond):
		}
	}
	job := f.submit(t)
	taskID = job.TaskID

	if err := f.uc.Run(context.Background(), job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if interrupted {
		t.Fatalf("cancel must not interrupt the file in flight")
	}
	got := f.store.last(job.TaskID)
	if got.Status != domain.TaskCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if len(got.Results) != 2 || got.ProcessedFiles != 2 {
		t.Fatalf("expected in-flight file to complete, processed=%d results=%d", got.ProcessedFiles, len(got.Results))
	}
	if f.processor.callCount() != 2 {
		t.Fatalf("expected no files started after cancel, got %d calls", f.processor.callCount())
	}
}

func TestRunSoftTimeLimitStopsBetweenFiles(t *testing.T) {
	f := newBatchFixture(t, 5, BatchOptions{SoftTimeLimit: 3 * time.Minute})
	clock := &clockFake{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	f.uc.now = clock.Now
	f.processor.hook = func(context.Context, int, *domain.OCRResult) {
		clock.Advance(2 * time.Minute)
	}
	job := f.submit(t)

	if err := f.uc.Run(context.Background(), job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := f.store.last(job.TaskID)
	if got.Status != domain.TaskFailure || got.Error != errSoftTimeLimit.Error() {
		t.Fatalf("expected soft limit failure, got %s (%s)", got.Status, got.Error)
	}
	if len(got.Results) != 2 || got.ProcessedFiles != 2 {
		t.Fatalf("expected 2 completed files, got %d", len(got.Results))
	}
}

func TestRunHardTimeLimitAbandonsFile(t *testing.T) {
	f := newBatchFixture(t, 3, BatchOptions{HardTimeLimit: 50 * time.Millisecond})
	f.processor.hook = func(ctx context.Context, _ int, _ *domain.OCRResult) {
		<-ctx.Done()
	}
	job := f.submit(t)

	if err := f.uc.Run(context.Background(), job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := f.store.last(job.TaskID)
	if got.Status != domain.TaskFailure || got.Error != errHardTimeLimit.Error() {
		t.Fatalf("expected hard limit failure, got %s (%s)", got.Status, got.Error)
	}
	if got.ProcessedFiles == 3 {
		t.Fatalf("expected the task to stop early")
	}
}

func TestRunSingleFileJob(t *testing.T) {
	f := newBatchFixture(t, 1, BatchOptions{})
	path := filepath.Join(f.root, "dupont_jean", "scan1.jpg")
	ticket, err := f.uc.SubmitFile(context.Background(), domain.FileRequest{FilePath: path})
	if err != nil {
		t.Fatalf("SubmitFile() error = %v", err)
	}
	if ticket.Message != "OCR task queued" {
		t.Fatalf("unexpected message %q", ticket.Message)
	}

	if err := f.uc.Run(context.Background(), f.queue.jobs[0]); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := f.store.last(ticket.TaskID)
	if got.Status != domain.TaskSuccess || got.Kind != domain.TaskKindFile || len(got.Results) != 1 {
		t.Fatalf("unexpected file task state: %+v", got)
	}
	if got.Results[0].FilePath != path {
		t.Fatalf("unexpected result path %q", got.Results[0].FilePath)
	}
}

func TestRunDiscoveryFailureFailsTask(t *testing.T) {
	f := newBatchFixture(t, 0, BatchOptions{})
	job := domain.Job{
		TaskID: "task-x",
		Kind:   domain.TaskKindBatch,
		Batch:  &domain.BatchRequest{FolderPath: filepath.Join(f.root, "gone")},
	}
	if err := f.uc.Run(context.Background(), job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := f.store.last("task-x")
	if got.Status != domain.TaskFailure || got.Error == "" {
		t.Fatalf("expected failure with message, got %+v", got)
	}
}

func TestRunPublishesOnCompleteWhenConfigured(t *testing.T) {
	f := newBatchFixture(t, 2, BatchOptions{PublishOnComplete: true})
	job := f.submit(t)
	if err := f.uc.Run(context.Background(), job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(f.publisher.batches) != 1 || len(f.publisher.batches[0]) != 2 {
		t.Fatalf("expected one publish of 2 results, got %+v", f.publisher.batches)
	}
}
