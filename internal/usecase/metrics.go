package usecase

import "context"

// MetricsSummary represents aggregated annotation insights.
type MetricsSummary struct {
	TotalJobs         int64   `json:"total_jobs"`
	CompletedJobs     int64   `json:"completed_jobs"`
	TotalRows         int64   `json:"total_rows"`
	FlaggedRows       int64   `json:"flagged_rows"`
	FailedRows        int64   `json:"failed_rows"`
	FlagRate          float64 `json:"flag_rate"`
	AverageDurationMs float64 `json:"average_duration_ms"`
}

// GetMetricsSummary aggregates annotation metrics from persisted jobs.
func (uc *CheckUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalJobs:         aggregation.TotalJobs,
		CompletedJobs:     aggregation.CompletedJobs,
		TotalRows:         aggregation.TotalRows,
		FlaggedRows:       aggregation.FlaggedRows,
		FailedRows:        aggregation.FailedRows,
		AverageDurationMs: aggregation.AverageDurationMs,
	}

	if aggregation.TotalRows > 0 {
		summary.FlagRate = float64(aggregation.FlaggedRows) / float64(aggregation.TotalRows)
	}

	return summary, nil
}
