package usecase

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
)

const rawTextLimit = 500

var (
	textNamePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:Patient|Nom|Name)[:\s]+([A-ZÉÈÊËÀÂÄÔÖÛÜÇ][a-zéèêëàâäôöûüç]+)\s+([A-ZÉÈÊËÀÂÄÔÖÛÜÇ][a-zéèêëàâäôöûüç]+)`),
		regexp.MustCompile(`([A-Z][A-Z]+)\s+([A-Z][a-z]+)`),
	}
	textIDPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:ID|N°|Numéro)[:\s]*([A-Z0-9]{5,15})`),
		regexp.MustCompile(`(?i)(?:Patient\s*ID)[:\s]*([A-Z0-9]+)`),
	}
	textDatePatterns = []struct {
		re     *regexp.Regexp
		layout string
	}{
		{regexp.MustCompile(`\d{2}/\d{2}/\d{4}`), "02/01/2006"},
		{regexp.MustCompile(`\d{4}-\d{2}-\d{2}`), "2006-01-02"},
		{regexp.MustCompile(`\d{2}\.\d{2}\.\d{4}`), "02.01.2006"},
	}
	textLateralityPattern     = regexp.MustCompile(`(?i)\b(O\.[DSU]\.|OD|OS|OU)(?:\W|$)`)
	filenameLateralityPattern = regexp.MustCompile(`(?i)[_\-\s](OD|OS|OU)[_\-\s.]`)
	genericFilenameSeparators = regexp.MustCompile(`[_\-\s]+`)
)

// ParseText extracts identity fields from OCR text. It returns nil when no
// name or id can be found.
func ParseText(text string) *domain.ExtractedPatientInfo {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	info := &domain.ExtractedPatientInfo{Source: domain.SourceOCR, RawText: truncateRunes(text, rawTextLimit)}

	for _, re := range textNamePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			info.LastName = m[1]
			info.FirstName = m[2]
			break
		}
	}
	for _, re := range textIDPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			info.PatientID = m[1]
			break
		}
	}
	for _, p := range textDatePatterns {
		raw := p.re.FindString(text)
		if raw == "" {
			continue
		}
		if parsed, err := time.Parse(p.layout, raw); err == nil {
			info.DateOfBirth = parsed.Format(time.DateOnly)
			break
		}
	}
	if m := textLateralityPattern.FindStringSubmatch(text); m != nil {
		info.Laterality = strings.ToUpper(strings.ReplaceAll(m[1], ".", ""))
	}

	if !info.HasIdentity() {
		return nil
	}
	return info
}

// ParseFilename applies the device-specific filename conventions.
func ParseFilename(device domain.DeviceType, filename string) *domain.ExtractedPatientInfo {
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	info := &domain.ExtractedPatientInfo{Source: domain.SourceFilename}

	switch device {
	case domain.DeviceZeiss:
		// LastName_FirstName_PatientID_DOB_..._Eye
		parts := strings.Split(stem, "_")
		if len(parts) >= 4 {
			info.LastName = parts[0]
			info.FirstName = parts[1]
			info.PatientID = parts[2]
			info.DateOfBirth = parseCompactDate(parts[3])
			for _, part := range parts {
				if lat := strings.ToUpper(part); lat == "OD" || lat == "OS" || lat == "OU" {
					info.Laterality = lat
					break
				}
			}
		}
	case domain.DeviceSolix:
		parts := strings.Split(strings.ReplaceAll(stem, "-", "_"), "_")
		if len(parts) >= 2 && !isDigits(parts[0]) {
			info.LastName = parts[0]
			if !isDigits(parts[1]) {
				info.FirstName = parts[1]
			}
		}
	case domain.DeviceTomey:
		parts := strings.Split(stem, "_")
		if len(parts) >= 2 {
			info.LastName = parts[0]
			info.FirstName = parts[1]
		}
	default:
		parts := genericFilenameSeparators.Split(stem, -1)
		if len(parts) >= 2 && isLetters(parts[0]) {
			info.LastName = parts[0]
			if isLetters(parts[1]) {
				info.FirstName = parts[1]
			}
		}
	}

	if m := filenameLateralityPattern.FindStringSubmatch(filename); m != nil {
		info.Laterality = strings.ToUpper(m[1])
	}

	if !info.HasIdentity() {
		return nil
	}
	return info
}

// InfoFromDICOM maps header tags to identity fields.
func InfoFromDICOM(h domain.DICOMHeader) *domain.ExtractedPatientInfo {
	info := &domain.ExtractedPatientInfo{
		FirstName:   h.FirstName,
		LastName:    h.LastName,
		PatientID:   h.PatientID,
		DateOfBirth: parseCompactDate(h.BirthDate),
		Gender:      h.Sex,
		Laterality:  h.Laterality,
		ExamDate:    parseCompactDate(h.StudyDate),
		ExamType:    h.Modality,
		Source:      domain.SourceDICOM,
	}
	if !info.HasIdentity() {
		return nil
	}
	return info
}

// SummarizeDICOM renders the header as the text reported for DICOM files.
func SummarizeDICOM(h domain.DICOMHeader) string {
	var lines []string
	add := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			lines = append(lines, fmt.Sprintf("%s: %s", label, value))
		}
	}
	name := strings.TrimSpace(h.LastName + " " + h.FirstName)
	add("Patient", name)
	add("ID", h.PatientID)
	add("Birth Date", h.BirthDate)
	add("Sex", h.Sex)
	add("Study Date", h.StudyDate)
	add("Modality", h.Modality)
	add("Laterality", h.Laterality)
	add("Description", h.Description)
	return strings.Join(lines, "\n")
}

// MergePatientInfo picks the first source that yields identity, in the
// given order, and back-fills its empty fields from the others.
func MergePatientInfo(sources ...*domain.ExtractedPatientInfo) *domain.ExtractedPatientInfo {
	var merged *domain.ExtractedPatientInfo
	for _, src := range sources {
		if !src.HasIdentity() {
			continue
		}
		if merged == nil {
			copied := *src
			merged = &copied
			continue
		}
		fill(&merged.FirstName, src.FirstName)
		fill(&merged.LastName, src.LastName)
		fill(&merged.PatientID, src.PatientID)
		fill(&merged.DateOfBirth, src.DateOfBirth)
		fill(&merged.Gender, src.Gender)
		fill(&merged.Laterality, src.Laterality)
		fill(&merged.ExamDate, src.ExamDate)
		fill(&merged.ExamType, src.ExamType)
		fill(&merged.RawText, src.RawText)
	}
	return merged
}

func fill(dst *string, value string) {
	if *dst == "" {
		*dst = value
	}
}

func parseCompactDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) < 8 {
		return ""
	}
	parsed, err := time.Parse("20060102", raw[:8])
	if err != nil {
		return ""
	}
	return parsed.Format(time.DateOnly)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func isLetters(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
