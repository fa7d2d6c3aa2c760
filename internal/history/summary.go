package history

import "context"

// Summary aggregates stored runs.
type Summary struct {
	TotalRuns         int64            `json:"total_runs"`
	CompletedRuns     int64            `json:"completed_runs"`
	FailedRuns        int64            `json:"failed_runs"`
	CompletionRate    float64          `json:"completion_rate"`
	AverageHydration  float64          `json:"average_hydration"`
	AverageUVDamage   float64          `json:"average_uv_damage"`
	AverageDurationMs float64          `json:"average_duration_ms"`
	SkinTypes         map[string]int64 `json:"skin_types"`
}

// Summary aggregates history from the database.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	agg, err := s.repo.Aggregate(ctx)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		TotalRuns:         agg.TotalCount,
		CompletedRuns:     agg.CompletedCount,
		FailedRuns:        agg.TotalCount - agg.CompletedCount,
		AverageHydration:  agg.AverageHydration,
		AverageUVDamage:   agg.AverageUVDamage,
		AverageDurationMs: agg.AverageDurationMs,
		SkinTypes:         agg.SkinTypes,
	}
	if agg.TotalCount > 0 {
		summary.CompletionRate = float64(agg.CompletedCount) / float64(agg.TotalCount)
	}
	return summary, nil
}
