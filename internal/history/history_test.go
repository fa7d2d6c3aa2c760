package history

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/skin-check/internal/auth"
	"github.com/example/skin-check/internal/pipeline"
	"github.com/example/skin-check/internal/repository"
	"github.com/example/skin-check/internal/skincare"
)

type stubRepository struct {
	saved     []*repository.AnalysisRecord
	saveErr   error
	findRec   *repository.AnalysisRecord
	findErr   error
	findCalls int
	agg       *repository.Aggregation
}

func (s *stubRepository) SaveRecord(ctx context.Context, rec *repository.AnalysisRecord) error {
	s.saved = append(s.saved, rec)
	return s.saveErr
}

func (s *stubRepository) FindByRunID(ctx context.Context, runID string) (*repository.AnalysisRecord, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findRec != nil {
		return s.findRec, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *stubRepository) ListRecent(ctx context.Context, limit int) ([]*repository.AnalysisRecord, error) {
	if len(s.saved) > limit {
		return s.saved[:limit], nil
	}
	return s.saved, nil
}

func (s *stubRepository) Aggregate(ctx context.Context) (*repository.Aggregation, error) {
	return s.agg, nil
}

type stubCache struct {
	putErrs    []error
	lookupErrs []error
	lookups    [][]byte
	putIDs     []string
	putValues  [][]byte
	lookupIDs  []string
}

func (s *stubCache) Put(ctx context.Context, runID string, record []byte) error {
	s.putIDs = append(s.putIDs, runID)
	if len(s.putErrs) > 0 {
		err := s.putErrs[0]
		s.putErrs = s.putErrs[1:]
		return err
	}
	s.putValues = append(s.putValues, record)
	return nil
}

func (s *stubCache) Lookup(ctx context.Context, runID string) ([]byte, error) {
	s.lookupIDs = append(s.lookupIDs, runID)
	var value []byte
	if len(s.lookups) > 0 {
		value = s.lookups[0]
		s.lookups = s.lookups[1:]
	}
	var err error
	if len(s.lookupErrs) > 0 {
		err = s.lookupErrs[0]
		s.lookupErrs = s.lookupErrs[1:]
	}
	return value, err
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func newTestService(repo Repository, cache RecordCache) *Service {
	svc := NewService(repo, cache, zap.NewNop())
	svc.initialBackoff = time.Millisecond
	svc.maxBackoff = 2 * time.Millisecond
	return svc
}

func successReport() pipeline.RunReport {
	start := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	return pipeline.RunReport{
		RunID: "run-1",
		Image: skincare.NewCapturedImage([]byte("jpeg"), "image/jpeg", skincare.SourceCamera),
		Analysis: &skincare.AnalysisResult{
			SkinType: skincare.SkinTypeOily, Concerns: []string{"acne"}, HydrationLevel: 45, UVDamage: 80,
		},
		Recommendations: &skincare.RecommendationSet{Products: []skincare.Product{json.RawMessage(`{"name":"Toner"}`)}},
		StartedAt:       start,
		FinishedAt:      start.Add(1500 * time.Millisecond),
	}
}

func TestRunFinishedPersistsAndCaches(t *testing.T) {
	repo := &stubRepository{}
	cache := &stubCache{}
	svc := newTestService(repo, cache)

	ctx := auth.WithOperator(context.Background(), "operator-7")
	svc.RunFinished(ctx, successReport())

	if len(repo.saved) != 1 {
		t.Fatalf("expected 1 saved record, got %d", len(repo.saved))
	}
	rec := repo.saved[0]
	if rec.Operator != "operator-7" || rec.Status != StatusCompleted || rec.SkinType != "Oily" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.HydrationLevel == nil || *rec.HydrationLevel != 45 || rec.DurationMs != 1500 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.ImageSource != "camera" || rec.Products != `[{"name":"Toner"}]` {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(cache.putIDs) != 1 || cache.putIDs[0] != "run-1" {
		t.Fatalf("unexpected cached runs %v", cache.putIDs)
	}
	var cachedView Record
	if err := json.Unmarshal(cache.putValues[0], &cachedView); err != nil || cachedView.Operator != "operator-7" {
		t.Fatalf("unexpected cached view %s (%v)", cache.putValues[0], err)
	}
}

func TestRunFinishedRetriesRedisSet(t *testing.T) {
	repo := &stubRepository{}
	cache := &stubCache{putErrs: []error{transientRedisError{}}}
	svc := newTestService(repo, cache)

	svc.RunFinished(context.Background(), successReport())

	if len(cache.putIDs) != 2 {
		t.Fatalf("expected retry of cache put, got %d calls", len(cache.putIDs))
	}
	if cache.putIDs[0] != cache.putIDs[1] {
		t.Fatalf("expected retry to target same run, got %s and %s", cache.putIDs[0], cache.putIDs[1])
	}
	if len(cache.putValues) != 1 {
		t.Fatalf("expected value cached once, got %d", len(cache.putValues))
	}
}

func TestRunFinishedRecordsPartialFailure(t *testing.T) {
	repo := &stubRepository{}
	svc := newTestService(repo, &stubCache{})

	report := successReport()
	report.Recommendations = nil
	report.Failure = skincare.KindRecommendationError
	report.Err = errors.New("product recommendation failed: status 502")
	svc.RunFinished(context.Background(), report)

	rec := repo.saved[0]
	if rec.Status != StatusFailed || rec.FailureKind != "RecommendationError" {
		t.Fatalf("unexpected status %s/%s", rec.Status, rec.FailureKind)
	}
	if rec.SkinType != "Oily" {
		t.Fatal("analysis from stage 1 must be kept on the record")
	}
	if rec.Products != "" {
		t.Fatalf("no products expected, got %s", rec.Products)
	}
}

func TestRunFinishedSkipsCacheWhenSaveFails(t *testing.T) {
	cache := &stubCache{}
	svc := newTestService(&stubRepository{saveErr: errors.New("db down")}, cache)

	svc.RunFinished(context.Background(), successReport())

	if len(cache.putIDs) != 0 {
		t.Fatalf("expected no cache writes, got %v", cache.putIDs)
	}
}

func TestGetFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	cache := &stubCache{lookupErrs: []error{errCacheMiss}}
	hydration := 30
	repo := &stubRepository{findRec: &repository.AnalysisRecord{
		RunID: "run-2", Status: StatusCompleted, SkinType: "Dry", Concerns: `["Dullness"]`, HydrationLevel: &hydration,
	}}
	svc := newTestService(repo, cache)

	rec, err := svc.Get(context.Background(), "run-2")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if rec.Analysis == nil || rec.Analysis.SkinType != skincare.SkinTypeDry || rec.Analysis.HydrationLevel != 30 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(rec.Analysis.Concerns) != 1 || rec.Analysis.Concerns[0] != "Dullness" {
		t.Fatalf("unexpected concerns %v", rec.Analysis.Concerns)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
	if len(cache.lookupIDs) != 1 {
		t.Fatalf("a cache miss must not be retried, got %d lookups", len(cache.lookupIDs))
	}
}

func TestGetServesFromCache(t *testing.T) {
	cached, _ := json.Marshal(Record{RunID: "run-3", Status: StatusFailed, FailureKind: "AnalysisError"})
	cache := &stubCache{lookups: [][]byte{cached}}
	repo := &stubRepository{}
	svc := newTestService(repo, cache)

	rec, err := svc.Get(context.Background(), "run-3")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if rec.FailureKind != "AnalysisError" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if repo.findCalls != 0 {
		t.Fatalf("repository must not be queried on cache hit, got %d", repo.findCalls)
	}
}

func TestSummaryComputesCompletionRate(t *testing.T) {
	repo := &stubRepository{agg: &repository.Aggregation{
		TotalCount: 4, CompletedCount: 3, AverageHydration: 50, SkinTypes: map[string]int64{"Oily": 2},
	}}
	svc := newTestService(repo, &stubCache{})

	summary, err := svc.Summary(context.Background())
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary.FailedRuns != 1 || summary.CompletionRate != 0.75 || summary.SkinTypes["Oily"] != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestGetReportsNotFound(t *testing.T) {
	repo := &stubRepository{}
	cache := &stubCache{lookupErrs: []error{errCacheMiss}}
	svc := NewService(repo, cache, zap.NewNop())

	_, err := svc.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetFallsBackWhenCacheUnavailable(t *testing.T) {
	hydration := 50
	repo := &stubRepository{findRec: &repository.AnalysisRecord{
		RunID: "run-4", Status: StatusCompleted, SkinType: "Normal", HydrationLevel: &hydration,
	}}
	cache := &stubCache{lookupErrs: []error{errors.New("connection refused")}}
	svc := newTestService(repo, cache)

	rec, err := svc.Get(context.Background(), "run-4")
	if err != nil {
		t.Fatalf("expected repository fallback, got %v", err)
	}
	if rec.RunID != "run-4" || repo.findCalls != 1 {
		t.Fatalf("unexpected record %+v after %d finds", rec, repo.findCalls)
	}
}

func TestRecordKeyNamespacesRunID(t *testing.T) {
	if got := recordKey("run-9"); got != "analysis:run-9" {
		t.Fatalf("unexpected key %q", got)
	}
}
