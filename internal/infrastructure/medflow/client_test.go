package medflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
	"github.com/xtm888/medflow-ocr/internal/infrastructure/resilience"
)

func TestSendResultPostsPayload(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/ocr/results" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewResultSink(New(server.URL+"/", Options{}))
	err := sink.SendResult(context.Background(), domain.OCRResult{
		FilePath:        "/mnt/zeiss/a.jpg",
		FileName:        "a.jpg",
		FileType:        domain.FileTypeImage,
		DeviceType:      domain.DeviceZeiss,
		ExtractedInfo:   &domain.ExtractedPatientInfo{LastName: "Dupont", Source: domain.SourceFilename},
		MatchConfidence: domain.MatchHigh,
		MatchScore:      0.92,
	}, 0.85)
	if err != nil {
		t.Fatalf("SendResult() error = %v", err)
	}
	if captured["file_path"] != "/mnt/zeiss/a.jpg" || captured["auto_link_threshold"] != 0.85 || captured["match_confidence"] != "high" {
		t.Fatalf("unexpected payload: %v", captured)
	}
	info, _ := captured["extracted_info"].(map[string]any)
	if info["last_name"] != "Dupont" {
		t.Fatalf("expected extracted info in payload, got %v", captured["extracted_info"])
	}
}

func TestSendResultRetriesServerErrorsThenReportsTemporary(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "backend overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	executor := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
	})
	sink := NewResultSink(New(server.URL, Options{ResilienceExecutor: executor}))
	err := sink.SendResult(context.Background(), domain.OCRResult{FilePath: "/a.jpg"}, 0.85)
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if !strings.Contains(err.Error(), "backend overloaded") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestSendResultDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	executor := resilience.NewExecutor(resilience.Config{RetryMaxAttempts: 3, RetryInitialBackoff: time.Millisecond})
	err := NewResultSink(New(server.URL, Options{ResilienceExecutor: executor})).
		SendResult(context.Background(), domain.OCRResult{FilePath: "/a.jpg"}, 0.85)
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestSendResultWithoutBackendFails(t *testing.T) {
	if err := NewResultSink(New("", Options{})).SendResult(context.Background(), domain.OCRResult{}, 0.85); err == nil {
		t.Fatalf("expected error without backend url")
	}
}

func TestRegistrySendsOnlyPresentFields(t *testing.T) {
	var query map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/patients/search" {
			http.NotFound(w, r)
			return
		}
		query = r.URL.Query()
		_, _ = w.Write([]byte(`{"patients":[{"id":"P-1","first_name":"Jean","last_name":"Dupont","date_of_birth":"1980-01-15"}]}`))
	}))
	defer server.Close()

	registry := NewRegistry(New(server.URL, Options{}))
	candidates, err := registry.FindCandidates(context.Background(), domain.ExtractedPatientInfo{LastName: "Dupont", FirstName: " "})
	if err != nil {
		t.Fatalf("FindCandidates() error = %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != "P-1" || candidates[0].DateOfBirth != "1980-01-15" {
		t.Fatalf("unexpected candidates: %+v", candidates)
	}
	if len(query) != 1 || query["last_name"][0] != "Dupont" {
		t.Fatalf("unexpected query: %v", query)
	}
}

func TestRegistryWithoutBackendHasNoCandidates(t *testing.T) {
	candidates, err := NewRegistry(New("", Options{})).FindCandidates(context.Background(), domain.ExtractedPatientInfo{LastName: "Dupont"})
	if err != nil || candidates != nil {
		t.Fatalf("expected no candidates, got %v, %v", candidates, err)
	}
}

func TestSendResultReportsRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	executor := resilience.NewExecutor(resilience.Config{RetryMaxAttempts: 1})
	err := NewResultSink(New(server.URL, Options{ResilienceExecutor: executor})).
		SendResult(context.Background(), domain.OCRResult{FilePath: "/a.jpg"}, 0.85)
	var statusErr *resilience.StatusError
	if !errors.As(err, &statusErr) || statusErr.RetryAfter != 7*time.Second {
		t.Fatalf("expected Retry-After on the status error, got %v", err)
	}
}

func TestRegistryLookupIsNotRetriedByDefault(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "backend overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	executor := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Millisecond,
	})
	_, err := NewRegistry(New(server.URL, Options{ResilienceExecutor: executor})).
		FindCandidates(context.Background(), domain.ExtractedPatientInfo{LastName: "Dupont"})
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single lookup, got %d", calls.Load())
	}
}
