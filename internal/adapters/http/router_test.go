package httpadapter

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/xtm888/medflow-ocr/internal/config"
	"github.com/xtm888/medflow-ocr/internal/core/domain"
	"github.com/xtm888/medflow-ocr/internal/observability/metrics"
)

func serve(t *testing.T, handler http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestRootReportsServiceAndVersion(t *testing.T) {
	handler := newTestHandler(config.Config{ServiceName: "MedFlow OCR Service", Version: "1.0.0"})
	res := serve(t, handler, http.MethodGet, "/", nil)
	body := decodeBody(t, res)
	if res.Code != http.StatusOK || body["service"] != "MedFlow OCR Service" || body["version"] != "1.0.0" {
		t.Fatalf("unexpected root response %d: %v", res.Code, body)
	}
}

func TestHealthReportsDegradedDependencies(t *testing.T) {
	deps := newTestDeps()
	deps.scanner.shares = []domain.ShareStatus{{Name: "zeiss", Path: "/mnt/zeiss", Available: true}}

	healthy := deps.handler(config.Config{Version: "1.0.0"}, WithHealth(healthFake{queue: true, ocr: true}))
	body := decodeBody(t, serve(t, healthy, http.MethodGet, "/health", nil))
	if body["status"] != "healthy" {
		t.Fatalf("expected healthy, got %v", body)
	}
	shares, _ := body["network_shares"].(map[string]any)
	if shares["zeiss"] != true {
		t.Fatalf("expected share availability, got %v", body["network_shares"])
	}

	degraded := deps.handler(config.Config{}, WithHealth(healthFake{queue: false, ocr: true}))
	body = decodeBody(t, serve(t, degraded, http.MethodGet, "/health", nil))
	if body["status"] != "degraded" || body["queue_connected"] != false {
		t.Fatalf("expected degraded without queue, got %v", body)
	}
}

func TestProcessFileReturnsResult(t *testing.T) {
	deps := newTestDeps()
	deps.processor.result = domain.OCRResult{FileName: "scan.jpg", OCRText: "Nom: Dupont", MatchConfidence: domain.MatchLow}
	m := metrics.NewHTTPServerMetrics("api")
	handler := deps.handler(config.Config{}, WithMetrics(m))

	res := serve(t, handler, http.MethodPost, "/api/ocr/process", map[string]any{"file_path": "/data/scan.jpg"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	body := decodeBody(t, res)
	if body["file_path"] != "/data/scan.jpg" || body["ocr_text"] != "Nom: Dupont" {
		t.Fatalf("unexpected result: %v", body)
	}
	if !deps.processor.seen.WantsThumbnail() || deps.processor.seen.DeviceType != domain.DeviceGeneric {
		t.Fatalf("expected normalized request, got %+v", deps.processor.seen)
	}
}

func TestProcessFileErrorResultIs400(t *testing.T) {
	deps := newTestDeps()
	deps.processor.result = domain.OCRResult{Error: "file not found"}
	res := serve(t, deps.handler(config.Config{}), http.MethodPost, "/api/ocr/process", map[string]any{"file_path": "/missing.jpg"})
	if res.Code != http.StatusBadRequest || decodeBody(t, res)["error"] != "file not found" {
		t.Fatalf("expected 400 with error message, got %d", res.Code)
	}
}

func TestProcessFileRejectsBadJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/ocr/process", strings.NewReader("{"))
	res := httptest.NewRecorder()
	newTestHandler(config.Config{}).ServeHTTP(res, req)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestSubmitBatchAccepted(t *testing.T) {
	deps := newTestDeps()
	deps.batches.ticket = domain.TaskTicket{TaskID: "t-1", Status: domain.TaskPending, Message: "Batch processing started. Found 3 files, targeting 20 patients."}
	res := serve(t, deps.handler(config.Config{}), http.MethodPost, "/api/ocr/batch", map[string]any{"folder_path": "/mnt/zeiss"})
	if res.Code != http.StatusAccepted || decodeBody(t, res)["task_id"] != "t-1" {
		t.Fatalf("expected 202 with ticket, got %d", res.Code)
	}
}

func TestSubmitBatchWithoutFilesIs400(t *testing.T) {
	deps := newTestDeps()
	deps.batches.submitErr = domain.WrapError(domain.ErrNoFiles, "submit batch", errors.New("folder /empty"))
	res := serve(t, deps.handler(config.Config{}), http.MethodPost, "/api/ocr/batch", map[string]any{"folder_path": "/empty"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
	if msg := decodeBody(t, res)["error"]; msg != "No supported files found in /empty" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestSubmitErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.WrapError(domain.ErrInvalidInput, "batch request", errors.New("max_files")), http.StatusBadRequest},
		{domain.WrapError(domain.ErrTemporary, "queue publish", errors.New("queue full")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		deps := newTestDeps()
		deps.batches.submitErr = tc.err
		res := serve(t, deps.handler(config.Config{}), http.MethodPost, "/api/ocr/process/async", map[string]any{"file_path": "/a.jpg"})
		if res.Code != tc.want {
			t.Fatalf("error %v: expected %d, got %d", tc.err, tc.want, res.Code)
		}
	}
}

func TestTaskStatusAndCancel(t *testing.T) {
	deps := newTestDeps()
	deps.batches.progress = domain.BatchProgress{Status: domain.TaskStarted, TotalFiles: 4, ProcessedFiles: 1}
	handler := deps.handler(config.Config{})

	body := decodeBody(t, serve(t, handler, http.MethodGet, "/api/ocr/status/abc", nil))
	if body["task_id"] != "abc" || body["status"] != "started" || body["total_files"] != float64(4) {
		t.Fatalf("unexpected status: %v", body)
	}

	res := serve(t, handler, http.MethodPost, "/api/ocr/status/abc/cancel", nil)
	if res.Code != http.StatusOK || decodeBody(t, res)["message"] != "Task abc cancellation requested" {
		t.Fatalf("unexpected cancel response %d", res.Code)
	}
	if len(deps.batches.cancelled) != 1 || deps.batches.cancelled[0] != "abc" {
		t.Fatalf("expected cancel forwarded, got %v", deps.batches.cancelled)
	}
}

func TestPublishTaskPassesThreshold(t *testing.T) {
	deps := newTestDeps()
	deps.publisher.summary = domain.PublishSummary{Sent: 2, Failed: 1, Total: 3}
	handler := deps.handler(config.Config{})

	res := serve(t, handler, http.MethodPost, "/api/ocr/status/abc/publish?auto_link_threshold=0.9", nil)
	if res.Code != http.StatusOK || decodeBody(t, res)["sent"] != float64(2) || deps.publisher.threshold != 0.9 {
		t.Fatalf("unexpected publish response %d threshold=%v", res.Code, deps.publisher.threshold)
	}
	if res := serve(t, handler, http.MethodPost, "/api/ocr/status/abc/publish?auto_link_threshold=7", nil); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range threshold, got %d", res.Code)
	}

	deps.publisher.err = domain.WrapError(domain.ErrNotFound, "get task snapshot", errors.New("task abc"))
	if res := serve(t, handler, http.MethodPost, "/api/ocr/status/abc/publish", nil); res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", res.Code)
	}
}

func TestScanFolderZeroFilesIs404(t *testing.T) {
	deps := newTestDeps()
	handler := deps.handler(config.Config{BatchMaxFiles: 100})

	res := serve(t, handler, http.MethodGet, "/api/ocr/scan?folder_path=/empty", nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
	if res := serve(t, handler, http.MethodGet, "/api/ocr/scan", nil); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without folder_path, got %d", res.Code)
	}

	deps.scanner.scan = domain.FolderScanResult{TotalFiles: 2, FilesByType: map[string]int{".jpg": 2}}
	res = serve(t, handler, http.MethodGet, "/api/ocr/scan?folder_path=/data&max_files=5&recursive=false&file_extensions=.jpg,.png", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	seen := deps.scanner.seen
	if seen.MaxFiles != 5 || seen.Recursive || len(seen.Extensions) != 2 {
		t.Fatalf("unexpected scan options: %+v", seen)
	}
}

func TestPreviewPatients(t *testing.T) {
	deps := newTestDeps()
	deps.scanner.preview = domain.PatientsPreview{PatientCount: 1, Patients: []domain.PatientPreview{{PatientKey: "dupont_jean", FileCount: 4}}}
	res := serve(t, deps.handler(config.Config{BatchMaxPatients: 20}), http.MethodGet, "/api/ocr/patients-preview?folder_path=/data&device_type=ZEISS", nil)
	body := decodeBody(t, res)
	if res.Code != http.StatusOK || body["device_type"] != "zeiss" || body["patient_count"] != float64(1) {
		t.Fatalf("unexpected preview %d: %v", res.Code, body)
	}

	deps.scanner.err = domain.WrapError(domain.ErrNotFound, "files for import", errors.New("folder /nope does not exist"))
	if res := serve(t, deps.handler(config.Config{}), http.MethodGet, "/api/ocr/patients-preview?folder_path=/nope", nil); res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing folder, got %d", res.Code)
	}
}

func TestExportTaskWritesWorkbook(t *testing.T) {
	deps := newTestDeps()
	deps.batches.progress = domain.BatchProgress{
		Status: domain.TaskSuccess,
		Results: []domain.OCRResult{
			{FileName: "a.jpg", FilePath: "/a.jpg", ExtractedInfo: &domain.ExtractedPatientInfo{LastName: "Dupont", FirstName: "Jean", Source: domain.SourceFilename}, MatchConfidence: domain.MatchHigh, MatchScore: 0.93},
			{FileName: "b.jpg", FilePath: "/b.jpg", Error: "file not found"},
		},
	}
	res := serve(t, deps.handler(config.Config{}), http.MethodGet, "/api/ocr/status/t-9/export", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if !strings.Contains(res.Header().Get("Content-Disposition"), "ocr_t-9.xlsx") {
		t.Fatalf("unexpected disposition %q", res.Header().Get("Content-Disposition"))
	}

	f, err := excelize.OpenReader(bytes.NewReader(res.Body.Bytes()))
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(exportSheet)
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	if len(rows) != 3 || rows[0][0] != "File" || rows[1][4] != "Dupont" || rows[2][len(rows[2])-1] != "file not found" {
		t.Fatalf("unexpected rows: %v", rows)
	}
}

func TestExportRunningTaskIs400(t *testing.T) {
	deps := newTestDeps()
	deps.batches.progress = domain.BatchProgress{Status: domain.TaskStarted}
	if res := serve(t, deps.handler(config.Config{}), http.MethodGet, "/api/ocr/status/t-1/export", nil); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestMCPHandlerIsMounted(t *testing.T) {
	called := false
	mcp := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusAccepted)
	})
	res := serve(t, newTestDeps().handler(config.Config{}, WithMCP(mcp)), http.MethodPost, "/mcp", map[string]any{})
	if !called || res.Code != http.StatusAccepted {
		t.Fatalf("expected mcp handler to serve /mcp, got %d", res.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.NewHTTPServerMetrics("api")
	handler := newTestDeps().handler(config.Config{}, WithMetrics(m))
	serve(t, handler, http.MethodGet, "/healthz", nil)
	res := serve(t, handler, http.MethodGet, "/metrics", nil)
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "medflow_ocr_http_requests_total") {
		t.Fatalf("expected prometheus output, got %d", res.Code)
	}
}
