package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
	"github.com/xtm888/medflow-ocr/internal/core/ports"
)

type patientScorer interface {
	Score(ctx context.Context, info *domain.ExtractedPatientInfo) domain.MatchOutcome
}

type ProcessOptions struct {
	Extensions          domain.ExtensionSet
	ConfidenceThreshold float64
	MaxPDFPages         int
}

type ProcessFileUseCase struct {
	recognizer ports.TextRecognizer
	pdf        ports.PDFReader
	dicom      ports.DICOMReader
	thumbnails ports.ThumbnailGenerator
	matcher    patientScorer
	opts       ProcessOptions
	now        func() time.Time
}

func NewProcessFileUseCase(
	recognizer ports.TextRecognizer,
	pdf ports.PDFReader,
	dicom ports.DICOMReader,
	thumbnails ports.ThumbnailGenerator,
	matcher patientScorer,
	opts ProcessOptions,
) *ProcessFileUseCase {
	if opts.MaxPDFPages <= 0 {
		opts.MaxPDFPages = 3
	}
	return &ProcessFileUseCase{
		recognizer: recognizer,
		pdf:        pdf,
		dicom:      dicom,
		thumbnails: thumbnails,
		matcher:    matcher,
		opts:       opts,
		now:        time.Now,
	}
}

// Process never returns an error: failures are recorded on the result.
func (uc *ProcessFileUseCase) Process(ctx context.Context, req domain.FileRequest) domain.OCRResult {
	start := uc.now()
	device := domain.ParseDeviceType(string(req.DeviceType))
	result := domain.OCRResult{
		FilePath:        req.FilePath,
		FileName:        filepath.Base(req.FilePath),
		DeviceType:      device,
		MatchConfidence: domain.MatchNone,
	}

	if err := uc.run(ctx, req, device, &result); err != nil {
		result.Fail(err)
	}

	finished := uc.now()
	result.ProcessedAt = finished.UTC()
	result.ProcessingTimeMs = finished.Sub(start).Milliseconds()
	return result
}

func (uc *ProcessFileUseCase) run(ctx context.Context, req domain.FileRequest, device domain.DeviceType, result *domain.OCRResult) error {
	info, err := os.Stat(req.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.WrapError(domain.ErrNotFound, "process file", fmt.Errorf("file not found: %s", req.FilePath))
		}
		return fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return domain.WrapError(domain.ErrInvalidInput, "process file", fmt.Errorf("%s is a directory", req.FilePath))
	}
	result.FileSize = info.Size()

	fileType, ok := uc.opts.Extensions.Classify(filepath.Ext(req.FilePath))
	if !ok {
		return domain.WrapError(domain.ErrUnsupportedFormat, "process file", fmt.Errorf("extension %q", filepath.Ext(req.FilePath)))
	}
	result.FileType = fileType

	var (
		text       string
		confidence float64
		dicomInfo  *domain.ExtractedPatientInfo
	)
	switch fileType {
	case domain.FileTypeDICOM:
		header, err := uc.readDICOM(ctx, req.FilePath)
		if err != nil {
			return err
		}
		text = SummarizeDICOM(header)
		confidence = 1.0
		dicomInfo = InfoFromDICOM(header)
	case domain.FileTypePDF:
		text, confidence, err = uc.readPDF(ctx, req.FilePath)
		if err != nil {
			return err
		}
	default:
		text, confidence, err = uc.readImage(ctx, req.FilePath)
		if err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("process file: %w", err)
	}

	result.OCRText = text
	result.OCRConfidence = confidence
	result.LowConfidence = confidence < uc.opts.ConfidenceThreshold
	result.ExtractedInfo = MergePatientInfo(
		dicomInfo,
		ParseFilename(device, result.FileName),
		ParseText(text),
	)

	if req.WantsThumbnail() && fileType != domain.FileTypeDICOM && uc.thumbnails != nil {
		thumb, err := uc.thumbnails.Generate(ctx, req.FilePath)
		if err != nil {
			slog.Warn("thumbnail_generation_failed", "file", req.FilePath, "error", err)
		} else {
			result.ThumbnailPath = thumb
		}
	}

	if uc.matcher != nil {
		result.ApplyMatch(uc.matcher.Score(ctx, result.ExtractedInfo))
	} else if result.ExtractedInfo.HasIdentity() {
		result.MatchConfidence = domain.MatchLow
	}
	return nil
}

func (uc *ProcessFileUseCase) readDICOM(ctx context.Context, path string) (domain.DICOMHeader, error) {
	if uc.dicom == nil {
		return domain.DICOMHeader{}, fmt.Errorf("dicom reader is not configured")
	}
	header, err := uc.dicom.ReadHeader(ctx, path)
	if err != nil {
		return domain.DICOMHeader{}, fmt.Errorf("read dicom header: %w", err)
	}
	return header, nil
}

// readPDF prefers embedded text and falls back to OCR over the page images
// of scanned documents.
func (uc *ProcessFileUseCase) readPDF(ctx context.Context, path string) (string, float64, error) {
	if uc.pdf == nil {
		return "", 0, fmt.Errorf("pdf reader is not configured")
	}
	text, err := uc.pdf.ExtractText(ctx, path)
	if err != nil {
		slog.Debug("pdf_text_extraction_failed", "file", path, "error", err)
	}
	if strings.TrimSpace(text) != "" {
		return strings.TrimSpace(text), 1.0, nil
	}

	pages, err := uc.pdf.ExtractPageImages(ctx, path, uc.opts.MaxPDFPages)
	if err != nil {
		return "", 0, fmt.Errorf("extract pdf page images: %w", err)
	}
	if len(pages) == 0 {
		return "", 0, nil
	}

	texts := make([]string, 0, len(pages))
	var sum float64
	for i, page := range pages {
		rec, err := uc.recognize(ctx, page)
		if err != nil {
			return "", 0, fmt.Errorf("ocr pdf page %d: %w", i+1, err)
		}
		if rec.Text != "" {
			texts = append(texts, rec.Text)
		}
		sum += rec.Confidence
	}
	return strings.Join(texts, "\n"), sum / float64(len(pages)), nil
}

func (uc *ProcessFileUseCase) readImage(ctx context.Context, path string) (string, float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, fmt.Errorf("read image: %w", err)
	}
	rec, err := uc.recognize(ctx, data)
	if err != nil {
		return "", 0, fmt.Errorf("ocr image: %w", err)
	}
	return rec.Text, rec.Confidence, nil
}

func (uc *ProcessFileUseCase) recognize(ctx context.Context, image []byte) (domain.Recognition, error) {
	if uc.recognizer == nil {
		return domain.Recognition{}, fmt.Errorf("ocr engine is not configured")
	}
	rec, err := uc.recognizer.Recognize(ctx, image)
	if err != nil {
		return domain.Recognition{}, err
	}
	rec.Text = strings.TrimSpace(rec.Text)
	return rec, nil
}
