package usecase

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/pneumoscan/internal/repository"
)

// HistoryEntry is one past analysis plus how many earlier analyses were run
// on a byte-identical image.
type HistoryEntry struct {
	*repository.AnalysisRecord
	PriorAnalyses int64 `json:"prior_analyses"`
}

// History returns the most recent analysis records, newest first, annotated
// with duplicate-image counts.
func (uc *AnalysisUseCase) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	records, err := uc.repo.RecentRecords(ctx, limit)
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(records))
	for _, record := range records {
		prior, err := uc.repo.CountByImageHash(ctx, record.ImageSHA1, record.RequestID)
		if err != nil {
			uc.logger.Warn("failed to count duplicate analyses",
				zap.String("request_id", record.RequestID), zap.Error(err))
			prior = 0
		}
		entries = append(entries, HistoryEntry{AnalysisRecord: record, PriorAnalyses: prior})
	}
	return entries, nil
}
