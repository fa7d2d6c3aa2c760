package skincare

import "context"

// Analyzer exposes the two remote stages used by the pipeline.
type Analyzer interface {
	Analyze(ctx context.Context, img *CapturedImage) (*AnalysisResult, error)
	Recommend(ctx context.Context, result AnalysisResult) (*RecommendationSet, error)
}

type runIDKey struct{}

// WithRunID tags ctx with the pipeline run it belongs to.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run id set by WithRunID, if any.
func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
