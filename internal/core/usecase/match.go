package usecase

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
	"github.com/xtm888/medflow-ocr/internal/core/ports"
)

const (
	weightPatientID = 0.50
	weightLastName  = 0.25
	weightFirstName = 0.15
	weightBirthDate = 0.10

	// Scores backed only by names are damped so they never reach auto-link.
	uncorroboratedFactor = 0.8
)

type MatchUseCase struct {
	registry          ports.PatientRegistry
	autoLinkThreshold float64
	suggestThreshold  float64
}

func NewMatchUseCase(registry ports.PatientRegistry, autoLinkThreshold, suggestThreshold float64) *MatchUseCase {
	if autoLinkThreshold <= 0 {
		autoLinkThreshold = 0.85
	}
	if suggestThreshold <= 0 {
		suggestThreshold = 0.60
	}
	return &MatchUseCase{
		registry:          registry,
		autoLinkThreshold: autoLinkThreshold,
		suggestThreshold:  suggestThreshold,
	}
}

func (uc *MatchUseCase) AutoLinkThreshold() float64 {
	return uc.autoLinkThreshold
}

// Score classifies extracted identity fields against registry candidates.
// Info with identity always rates at least low; registry failures score 0.
func (uc *MatchUseCase) Score(ctx context.Context, info *domain.ExtractedPatientInfo) domain.MatchOutcome {
	if !info.HasIdentity() {
		return domain.NoMatch()
	}
	if uc.registry == nil {
		return domain.MatchOutcome{Confidence: domain.MatchLow}
	}

	candidates, err := uc.registry.FindCandidates(ctx, *info)
	if err != nil {
		slog.Warn("patient_registry_lookup_failed", "error", err, "source", info.Source)
		return domain.MatchOutcome{Confidence: domain.MatchLow}
	}

	best := -1.0
	var bestCandidate domain.RegistryPatient
	for _, candidate := range candidates {
		score := ScoreCandidate(*info, candidate)
		if score > best {
			best = score
			bestCandidate = candidate
		}
	}
	if best < 0 {
		return domain.MatchOutcome{Confidence: domain.MatchLow}
	}

	outcome := domain.MatchOutcome{
		Confidence: domain.ClassifyScore(best, uc.autoLinkThreshold, uc.suggestThreshold),
		Score:      best,
	}
	if outcome.IsMatched() {
		outcome.SuggestedPatientID = bestCandidate.ID
		outcome.SuggestedPatientName = bestCandidate.FullName()
	}
	return outcome
}

// ScoreCandidate returns a similarity in [0,1] over the fields present in
// the extracted info.
func ScoreCandidate(info domain.ExtractedPatientInfo, candidate domain.RegistryPatient) float64 {
	var total, weights float64
	corroborated := false

	if info.PatientID != "" {
		weights += weightPatientID
		if strings.EqualFold(strings.TrimSpace(info.PatientID), strings.TrimSpace(candidate.ID)) {
			total += weightPatientID
			corroborated = true
		}
	}
	if info.LastName != "" {
		weights += weightLastName
		total += weightLastName * nameSimilarity(info.LastName, candidate.LastName)
	}
	if info.FirstName != "" {
		weights += weightFirstName
		total += weightFirstName * nameSimilarity(info.FirstName, candidate.FirstName)
	}
	if info.DateOfBirth != "" {
		weights += weightBirthDate
		if info.DateOfBirth == candidate.DateOfBirth {
			total += weightBirthDate
			corroborated = true
		}
	}
	if weights == 0 {
		return 0
	}

	score := total / weights
	if !corroborated {
		score *= uncorroboratedFactor
	}
	return clamp01(score)
}

func nameSimilarity(a, b string) float64 {
	a, b = foldName(a), foldName(b)
	if a == "" || b == "" {
		return 0
	}
	return levenshtein.Similarity(a, b, nil)
}

// foldName lower-cases and strips diacritics so "Hélène" matches "HELENE".
func foldName(name string) string {
	folder := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(folder, strings.TrimSpace(name))
	if err != nil {
		folded = name
	}
	return strings.ToLower(folded)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
