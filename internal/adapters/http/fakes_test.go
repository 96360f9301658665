package httpadapter

import (
	"context"
	"net/http"

	"github.com/xtm888/medflow-ocr/internal/config"
	"github.com/xtm888/medflow-ocr/internal/core/domain"
)

type scannerFake struct {
	scan    domain.FolderScanResult
	preview domain.PatientsPreview
	err     error
	shares  []domain.ShareStatus
	seen    domain.ScanOptions
}

func (f *scannerFake) ScanFolder(_ context.Context, path string, opts domain.ScanOptions) (domain.FolderScanResult, error) {
	f.seen = opts
	if f.err != nil {
		return domain.FolderScanResult{}, f.err
	}
	out := f.scan
	out.FolderPath = path
	return out, nil
}

func (f *scannerFake) FilesForImport(context.Context, string, domain.ImportOptions) ([]domain.PatientGroup, error) {
	return nil, f.err
}

func (f *scannerFake) PreviewPatients(_ context.Context, path string, device domain.DeviceType, maxPatients int) (domain.PatientsPreview, error) {
	if f.err != nil {
		return domain.PatientsPreview{}, f.err
	}
	out := f.preview
	out.FolderPath = path
	out.DeviceType = device
	return out, nil
}

func (f *scannerFake) CheckShares(context.Context) []domain.ShareStatus {
	return f.shares
}

type processorFake struct {
	result domain.OCRResult
	seen   domain.FileRequest
}

func (f *processorFake) Process(_ context.Context, req domain.FileRequest) domain.OCRResult {
	f.seen = req
	out := f.result
	out.FilePath = req.FilePath
	return out
}

type batchFake struct {
	ticket    domain.TaskTicket
	submitErr error
	progress  domain.BatchProgress
	statusErr error
	cancelled []string
}

func (f *batchFake) Submit(context.Context, domain.BatchRequest) (domain.TaskTicket, error) {
	return f.ticket, f.submitErr
}

func (f *batchFake) SubmitFile(context.Context, domain.FileRequest) (domain.TaskTicket, error) {
	return f.ticket, f.submitErr
}

func (f *batchFake) Status(_ context.Context, taskID string) (domain.BatchProgress, error) {
	if f.statusErr != nil {
		return domain.BatchProgress{}, f.statusErr
	}
	out := f.progress
	out.TaskID = taskID
	return out, nil
}

func (f *batchFake) Cancel(_ context.Context, taskID string) error {
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

type publisherFake struct {
	summary   domain.PublishSummary
	err       error
	threshold float64
}

func (f *publisherFake) Publish(context.Context, []domain.OCRResult, float64) domain.PublishSummary {
	return f.summary
}

func (f *publisherFake) PublishTask(_ context.Context, _ string, threshold float64) (domain.PublishSummary, error) {
	f.threshold = threshold
	return f.summary, f.err
}

type healthFake struct {
	queue    bool
	ocr      bool
	degraded bool
}

func (f healthFake) QueueConnected() bool { return f.queue }
func (f healthFake) OCRReady() bool       { return f.ocr }
func (f healthFake) Degraded() bool       { return f.degraded }

type testDeps struct {
	scanner   *scannerFake
	processor *processorFake
	batches   *batchFake
	publisher *publisherFake
}

func newTestDeps() *testDeps {
	return &testDeps{
		scanner:   &scannerFake{},
		processor: &processorFake{},
		batches:   &batchFake{},
		publisher: &publisherFake{},
	}
}

func (d *testDeps) handler(cfg config.Config, opts ...RouterOption) http.Handler {
	return NewRouter(cfg, d.scanner, d.processor, d.batches, d.publisher, opts...).Handler()
}

func newTestHandler(cfg config.Config) http.Handler {
	return newTestDeps().handler(cfg)
}
