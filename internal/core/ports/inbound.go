package ports

import (
	"context"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
)

// FolderScanner is the inbound contract for discovery and share checks.
type FolderScanner interface {
	ScanFolder(ctx context.Context, path string, opts domain.ScanOptions) (domain.FolderScanResult, error)
	FilesForImport(ctx context.Context, path string, opts domain.ImportOptions) ([]domain.PatientGroup, error)
	PreviewPatients(ctx context.Context, path string, device domain.DeviceType, maxPatients int) (domain.PatientsPreview, error)
	CheckShares(ctx context.Context) []domain.ShareStatus
}

// DocumentProcessor turns one file into an OCRResult. Failures are reported
// inside the result, never as an error.
type DocumentProcessor interface {
	Process(ctx context.Context, req domain.FileRequest) domain.OCRResult
}

// BatchService is the inbound contract for asynchronous task orchestration.
type BatchService interface {
	Submit(ctx context.Context, req domain.BatchRequest) (domain.TaskTicket, error)
	SubmitFile(ctx context.Context, req domain.FileRequest) (domain.TaskTicket, error)
	Status(ctx context.Context, taskID string) (domain.BatchProgress, error)
	Cancel(ctx context.Context, taskID string) error
}

// ResultPublisher forwards finished results to the clinical backend.
type ResultPublisher interface {
	Publish(ctx context.Context, results []domain.OCRResult, autoLinkThreshold float64) domain.PublishSummary
	PublishTask(ctx context.Context, taskID string, autoLinkThreshold float64) (domain.PublishSummary, error)
}
