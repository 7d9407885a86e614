package usecase

import "context"

// MetricsSummary represents aggregated screening insights.
type MetricsSummary struct {
	TotalAnalyses      int64   `json:"total_analyses"`
	SuccessfulAnalyses int64   `json:"successful_analyses"`
	SuccessRate        float64 `json:"success_rate"`
	PneumoniaRate      float64 `json:"pneumonia_rate"`
	AverageConfidence  float64 `json:"average_confidence"`
}

// GetMetricsSummary aggregates analysis metrics from persisted records.
func (uc *AnalysisUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalAnalyses:      aggregation.TotalCount,
		SuccessfulAnalyses: aggregation.SuccessCount,
		AverageConfidence:  aggregation.AverageConfidence,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}
	if aggregation.SuccessCount > 0 {
		summary.PneumoniaRate = float64(aggregation.PneumoniaCount) / float64(aggregation.SuccessCount)
	}

	return summary, nil
}
