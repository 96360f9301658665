package domain

import (
	"strings"
	"time"
)

type InfoSource string

const (
	SourceFilename InfoSource = "filename"
	SourceOCR      InfoSource = "ocr"
	SourceDICOM    InfoSource = "dicom"
)

// ExtractedPatientInfo holds identity fields recovered from one file. Dates
// are ISO formatted (YYYY-MM-DD).
type ExtractedPatientInfo struct {
	FirstName   string     `json:"first_name,omitempty"`
	LastName    string     `json:"last_name,omitempty"`
	PatientID   string     `json:"patient_id,omitempty"`
	DateOfBirth string     `json:"date_of_birth,omitempty"`
	Gender      string     `json:"gender,omitempty"`
	Laterality  string     `json:"laterality,omitempty"`
	ExamDate    string     `json:"exam_date,omitempty"`
	ExamType    string     `json:"exam_type,omitempty"`
	RawText     string     `json:"raw_text,omitempty"`
	Source      InfoSource `json:"source"`
}

// HasIdentity reports whether the info can identify a patient at all.
func (i *ExtractedPatientInfo) HasIdentity() bool {
	if i == nil {
		return false
	}
	return i.PatientID != "" || i.LastName != "" || i.FirstName != ""
}

// IdentityKey is the normalized per-patient key used for unique counts:
// the patient id when known, otherwise "last_first".
func (i *ExtractedPatientInfo) IdentityKey() string {
	if i == nil {
		return ""
	}
	if id := strings.TrimSpace(i.PatientID); id != "" {
		return strings.ToLower(id)
	}
	if i.LastName == "" && i.FirstName == "" {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(i.LastName) + "_" + strings.TrimSpace(i.FirstName))
}

// FullName is "First Last" with empty parts dropped.
func (i *ExtractedPatientInfo) FullName() string {
	if i == nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimSpace(i.FirstName) + " " + strings.TrimSpace(i.LastName))
}

type MatchConfidence string

const (
	MatchHigh   MatchConfidence = "high"
	MatchMedium MatchConfidence = "medium"
	MatchLow    MatchConfidence = "low"
	MatchNone   MatchConfidence = "none"
)

// ClassifyScore buckets a score; both bounds are inclusive.
func ClassifyScore(score, autoLinkThreshold, suggestThreshold float64) MatchConfidence {
	switch {
	case score >= autoLinkThreshold:
		return MatchHigh
	case score >= suggestThreshold:
		return MatchMedium
	default:
		return MatchLow
	}
}

type MatchOutcome struct {
	Confidence           MatchConfidence `json:"match_confidence"`
	Score                float64         `json:"match_score"`
	SuggestedPatientID   string          `json:"suggested_patient_id,omitempty"`
	SuggestedPatientName string          `json:"suggested_patient_name,omitempty"`
}

func NoMatch() MatchOutcome {
	return MatchOutcome{Confidence: MatchNone}
}

// IsMatched is true for results the backend may link or suggest.
func (m MatchOutcome) IsMatched() bool {
	return m.Confidence == MatchHigh || m.Confidence == MatchMedium
}

type OCRResult struct {
	FilePath             string                `json:"file_path"`
	FileName             string                `json:"file_name"`
	FileType             FileType              `json:"file_type,omitempty"`
	FileSize             int64                 `json:"file_size"`
	DeviceType           DeviceType            `json:"device_type"`
	OCRText              string                `json:"ocr_text,omitempty"`
	OCRConfidence        float64               `json:"ocr_confidence"`
	LowConfidence        bool                  `json:"low_confidence"`
	ExtractedInfo        *ExtractedPatientInfo `json:"extracted_info,omitempty"`
	MatchConfidence      MatchConfidence       `json:"match_confidence"`
	MatchScore           float64               `json:"match_score"`
	SuggestedPatientID   string                `json:"suggested_patient_id,omitempty"`
	SuggestedPatientName string                `json:"suggested_patient_name,omitempty"`
	ThumbnailPath        string                `json:"thumbnail_path,omitempty"`
	ProcessedAt          time.Time             `json:"processed_at"`
	ProcessingTimeMs     int64                 `json:"processing_time_ms"`
	Error                string                `json:"error,omitempty"`
}

// Fail turns the result into an error result. Every OCR and matching field
// is reset so an error result never carries partial data.
func (r *OCRResult) Fail(err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	r.OCRText = ""
	r.OCRConfidence = 0
	r.LowConfidence = false
	r.ExtractedInfo = nil
	r.MatchConfidence = MatchNone
	r.MatchScore = 0
	r.SuggestedPatientID = ""
	r.SuggestedPatientName = ""
	r.ThumbnailPath = ""
	r.Error = msg
}

func (r *OCRResult) Failed() bool {
	return r.Error != ""
}

func (r *OCRResult) ApplyMatch(m MatchOutcome) {
	r.MatchConfidence = m.Confidence
	r.MatchScore = m.Score
	r.SuggestedPatientID = m.SuggestedPatientID
	r.SuggestedPatientName = m.SuggestedPatientName
}

// Recognition is the output of the OCR engine for one image. Confidence is
// the mean word confidence in [0,1].
type Recognition struct {
	Text       string
	Confidence float64
}

// DICOMHeader carries the identity-relevant tags of a DICOM file.
type DICOMHeader struct {
	FirstName   string
	LastName    string
	PatientID   string
	BirthDate   string
	Sex         string
	StudyDate   string
	Modality    string
	Laterality  string
	Description string
}

// RegistryPatient is a candidate returned by the patient registry.
type RegistryPatient struct {
	ID          string `json:"id"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
}

func (p RegistryPatient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}
