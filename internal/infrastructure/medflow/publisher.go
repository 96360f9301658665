package medflow

import (
	"context"
	"errors"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
)

var errNotConfigured = errors.New("medflow backend url is not configured")

type resultPayload struct {
	FilePath             string                       `json:"file_path"`
	FileName             string                       `json:"file_name"`
	FileType             domain.FileType              `json:"file_type"`
	DeviceType           domain.DeviceType            `json:"device_type"`
	OCRText              string                       `json:"ocr_text,omitempty"`
	OCRConfidence        float64                      `json:"ocr_confidence"`
	ExtractedInfo        *domain.ExtractedPatientInfo `json:"extracted_info,omitempty"`
	ThumbnailPath        string                       `json:"thumbnail_path,omitempty"`
	MatchConfidence      domain.MatchConfidence       `json:"match_confidence"`
	MatchScore           float64                      `json:"match_score"`
	SuggestedPatientID   string                       `json:"suggested_patient_id,omitempty"`
	SuggestedPatientName string                       `json:"suggested_patient_name,omitempty"`
	AutoLinkThreshold    float64                      `json:"auto_link_threshold"`
}

// ResultSink posts finished results to /api/ocr/results.
type ResultSink struct {
	client *Client
}

func NewResultSink(client *Client) *ResultSink {
	return &ResultSink{client: client}
}

func (s *ResultSink) SendResult(ctx context.Context, result domain.OCRResult, autoLinkThreshold float64) error {
	if !s.client.Configured() {
		return errNotConfigured
	}
	payload := resultPayload{
		FilePath:             result.FilePath,
		FileName:             result.FileName,
		FileType:             result.FileType,
		DeviceType:           result.DeviceType,
		OCRText:              result.OCRText,
		OCRConfidence:        result.OCRConfidence,
		ExtractedInfo:        result.ExtractedInfo,
		ThumbnailPath:        result.ThumbnailPath,
		MatchConfidence:      result.MatchConfidence,
		MatchScore:           result.MatchScore,
		SuggestedPatientID:   result.SuggestedPatientID,
		SuggestedPatientName: result.SuggestedPatientName,
		AutoLinkThreshold:    autoLinkThreshold,
	}
	return s.client.postJSON(ctx, "/api/ocr/results", payload, "send_result")
}
