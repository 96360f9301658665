package ports

import (
	"context"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
)

// TextRecognizer runs OCR over an encoded image.
type TextRecognizer interface {
	Recognize(ctx context.Context, image []byte) (domain.Recognition, error)
	Ready() bool
}

// PDFReader extracts embedded text, or the page images of scanned PDFs.
type PDFReader interface {
	ExtractText(ctx context.Context, path string) (string, error)
	ExtractPageImages(ctx context.Context, path string, maxPages int) ([][]byte, error)
}

// DICOMReader parses DICOM headers without pixel data.
type DICOMReader interface {
	ReadHeader(ctx context.Context, path string) (domain.DICOMHeader, error)
}

// ThumbnailGenerator writes a preview image and returns its path.
type ThumbnailGenerator interface {
	Generate(ctx context.Context, path string) (string, error)
}

// PatientRegistry looks up registry candidates for extracted identity fields.
type PatientRegistry interface {
	FindCandidates(ctx context.Context, info domain.ExtractedPatientInfo) ([]domain.RegistryPatient, error)
}

// ProgressStore keeps task snapshots keyed by task id.
type ProgressStore interface {
	Save(ctx context.Context, progress domain.BatchProgress) error
	// Get returns domain.ErrNotFound for unknown tasks.
	Get(ctx context.Context, taskID string) (domain.BatchProgress, error)
	RequestCancel(ctx context.Context, taskID string) error
	CancelRequested(ctx context.Context, taskID string) (bool, error)
}

// TaskQueue publishes/consumes submitted jobs.
type TaskQueue interface {
	Publish(ctx context.Context, job domain.Job) error
	Subscribe(ctx context.Context, handler func(context.Context, domain.Job) error) error
	Healthy() bool
}

// ResultSink receives one finished result.
type ResultSink interface {
	SendResult(ctx context.Context, result domain.OCRResult, autoLinkThreshold float64) error
}
