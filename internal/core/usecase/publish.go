package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
	"github.com/xtm888/medflow-ocr/internal/core/ports"
)

type PublishUseCase struct {
	sink              ports.ResultSink
	store             ports.ProgressStore
	autoLinkThreshold float64
}

func NewPublishUseCase(sink ports.ResultSink, store ports.ProgressStore, autoLinkThreshold float64) *PublishUseCase {
	if autoLinkThreshold <= 0 {
		autoLinkThreshold = 0.85
	}
	return &PublishUseCase{
		sink:              sink,
		store:             store,
		autoLinkThreshold: autoLinkThreshold,
	}
}

// Publish sends every non-error result independently. Error results are
// counted as skipped; total always equals len(results).
func (uc *PublishUseCase) Publish(ctx context.Context, results []domain.OCRResult, autoLinkThreshold float64) domain.PublishSummary {
	if autoLinkThreshold <= 0 {
		autoLinkThreshold = uc.autoLinkThreshold
	}
	summary := domain.PublishSummary{Total: len(results)}
	for _, result := range results {
		if result.Failed() {
			summary.Skipped++
			continue
		}
		if err := uc.sink.SendResult(ctx, result, autoLinkThreshold); err != nil {
			summary.Failed++
			slog.Warn("result_publish_failed", "file", result.FilePath, "error", err)
			continue
		}
		summary.Sent++
	}
	return summary
}

// PublishTask publishes the results of a finished task.
func (uc *PublishUseCase) PublishTask(ctx context.Context, taskID string, autoLinkThreshold float64) (domain.PublishSummary, error) {
	if uc.store == nil {
		return domain.PublishSummary{}, fmt.Errorf("progress store is not configured")
	}
	progress, err := uc.store.Get(ctx, taskID)
	if err != nil {
		return domain.PublishSummary{}, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if !progress.Status.Terminal() {
		return domain.PublishSummary{}, domain.WrapError(
			domain.ErrInvalidInput,
			"publish task",
			fmt.Errorf("task %s is %s", taskID, progress.Status),
		)
	}
	return uc.Publish(ctx, progress.Results, autoLinkThreshold), nil
}
