package medflow

import (
	"context"
	"net/url"
	"strings"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
)

const maxCandidates = 20

// Registry searches patients through /api/patients/search. Only the
// identity fields that were extracted are sent.
type Registry struct {
	client *Client
}

func NewRegistry(client *Client) *Registry {
	return &Registry{client: client}
}

func (r *Registry) FindCandidates(ctx context.Context, info domain.ExtractedPatientInfo) ([]domain.RegistryPatient, error) {
	if !r.client.Configured() {
		return nil, nil
	}

	query := url.Values{}
	setIfPresent(query, "patient_id", info.PatientID)
	setIfPresent(query, "last_name", info.LastName)
	setIfPresent(query, "first_name", info.FirstName)
	setIfPresent(query, "date_of_birth", info.DateOfBirth)
	if len(query) == 0 {
		return nil, nil
	}

	var response struct {
		Patients []domain.RegistryPatient `json:"patients"`
	}
	if err := r.client.getJSON(ctx, "/api/patients/search", query, &response, "search_patients"); err != nil {
		return nil, err
	}
	if len(response.Patients) > maxCandidates {
		response.Patients = response.Patients[:maxCandidates]
	}
	return response.Patients, nil
}

func setIfPresent(query url.Values, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		query.Set(key, value)
	}
}
