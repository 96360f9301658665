package httpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
)

const maxRequestBody = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := decoder.Decode(dst); err != nil {
		return domain.WrapError(domain.ErrInvalidInput, "decode request", fmt.Errorf("invalid json: %w", err))
	}
	return nil
}

func (rt *Router) listShares(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"shares": rt.scanner.CheckShares(r.Context())})
}

func (rt *Router) processFile(w http.ResponseWriter, r *http.Request) {
	var req domain.FileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.Normalize(); err != nil {
		writeError(w, r, err)
		return
	}

	ctx := r.Context()
	if rt.cfg.APIRequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.cfg.APIRequestTimeout)
		defer cancel()
	}
	result := rt.processor.Process(ctx, req)
	if rt.metrics != nil {
		rt.metrics.RecordSyncProcess(metricsService, result)
	}
	if result.Failed() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": result.Error})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) processFileAsync(w http.ResponseWriter, r *http.Request) {
	var req domain.FileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ticket, err := rt.batches.SubmitFile(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ticket)
}

func (rt *Router) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req domain.BatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ticket, err := rt.batches.Submit(r.Context(), req)
	if err != nil {
		if domain.IsKind(err, domain.ErrNoFiles) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "No supported files found in " + strings.TrimSpace(req.FolderPath),
			})
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ticket)
}

func (rt *Router) taskStatus(w http.ResponseWriter, r *http.Request) {
	progress, err := rt.batches.Status(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (rt *Router) cancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := rt.batches.Cancel(r.Context(), taskID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Task %s cancellation requested", taskID),
	})
}

func (rt *Router) publishTask(w http.ResponseWriter, r *http.Request) {
	threshold, err := queryFloat(r, "auto_link_threshold")
	if err != nil {
		writeError(w, r, err)
		return
	}
	summary, err := rt.publisher.PublishTask(r.Context(), chi.URLParam(r, "taskID"), threshold)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordPublish(metricsService, summary)
	}
	writeJSON(w, http.StatusOK, summary)
}

func (rt *Router) scanFolder(w http.ResponseWriter, r *http.Request) {
	folder := strings.TrimSpace(r.URL.Query().Get("folder_path"))
	if folder == "" {
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "scan folder", fmt.Errorf("folder_path is required")))
		return
	}
	maxFiles, err := queryInt(r, "max_files", rt.cfg.BatchMaxFiles)
	if err != nil {
		writeError(w, r, err)
		return
	}
	recursive, err := queryBool(r, "recursive", true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var extensions []string
	if raw := r.URL.Query().Get("file_extensions"); raw != "" {
		extensions = strings.Split(raw, ",")
	}

	result, err := rt.scanner.ScanFolder(r.Context(), folder, domain.ScanOptions{
		MaxFiles:   maxFiles,
		Extensions: extensions,
		Recursive:  recursive,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordScan(metricsService, domain.ParseDeviceType(r.URL.Query().Get("device_type")), result.TotalFiles)
	}
	if result.TotalFiles == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "No supported files found in " + folder})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) previewPatients(w http.ResponseWriter, r *http.Request) {
	folder := strings.TrimSpace(r.URL.Query().Get("folder_path"))
	if folder == "" {
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "preview patients", fmt.Errorf("folder_path is required")))
		return
	}
	maxPatients, err := queryInt(r, "max_patients", rt.cfg.BatchMaxPatients)
	if err != nil {
		writeError(w, r, err)
		return
	}
	device := domain.ParseDeviceType(r.URL.Query().Get("device_type"))

	preview, err := rt.scanner.PreviewPatients(r.Context(), folder, device, maxPatients)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, domain.WrapError(domain.ErrInvalidInput, "parse query", fmt.Errorf("%s must be a positive integer", key))
	}
	return n, nil
}

func queryBool(r *http.Request, key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, domain.WrapError(domain.ErrInvalidInput, "parse query", fmt.Errorf("%s must be a boolean", key))
	}
	return v, nil
}

// queryFloat returns 0 when the parameter is absent.
func queryFloat(r *http.Request, key string) (float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 1 {
		return 0, domain.WrapError(domain.ErrInvalidInput, "parse query", fmt.Errorf("%s must be between 0 and 1", key))
	}
	return v, nil
}
