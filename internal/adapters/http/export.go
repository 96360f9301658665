package httpadapter

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xuri/excelize/v2"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
)

const exportSheet = "Results"

var exportHeaders = []string{
	"File",
	"Path",
	"Type",
	"Device",
	"Last Name",
	"First Name",
	"Patient ID",
	"Date of Birth",
	"Laterality",
	"Info Source",
	"OCR Confidence",
	"Low Confidence",
	"Match",
	"Match Score",
	"Suggested Patient",
	"Processed At",
	"Error",
}

func (rt *Router) exportTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	progress, err := rt.batches.Status(r.Context(), taskID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !progress.Status.Terminal() {
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "export task", fmt.Errorf("task %s is %s", taskID, progress.Status)))
		return
	}

	payload, err := buildResultsWorkbook(progress)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="ocr_%s.xlsx"`, taskID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func buildResultsWorkbook(progress domain.BatchProgress) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return nil, fmt.Errorf("xlsx sheet: %w", err)
	}
	for i, h := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(exportSheet, cell, h)
	}

	for i, result := range progress.Results {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(exportSheet, cell, v)
		}

		write(1, result.FileName)
		write(2, result.FilePath)
		write(3, string(result.FileType))
		write(4, string(result.DeviceType))
		if info := result.ExtractedInfo; info != nil {
			write(5, info.LastName)
			write(6, info.FirstName)
			write(7, info.PatientID)
			write(8, info.DateOfBirth)
			write(9, info.Laterality)
			write(10, string(info.Source))
		}
		write(11, result.OCRConfidence)
		write(12, result.LowConfidence)
		write(13, string(result.MatchConfidence))
		write(14, result.MatchScore)
		write(15, result.SuggestedPatientName)
		if !result.ProcessedAt.IsZero() {
			write(16, result.ProcessedAt.UTC().Format(time.RFC3339))
		}
		write(17, result.Error)
	}

	_ = f.SetColWidth(exportSheet, "A", "A", 28)
	_ = f.SetColWidth(exportSheet, "B", "B", 60)
	_ = f.SetColWidth(exportSheet, "E", "G", 18)
	_ = f.SetColWidth(exportSheet, "O", "O", 24)
	_ = f.SetColWidth(exportSheet, "Q", "Q", 40)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
