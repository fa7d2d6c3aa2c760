// Package history records finished analysis runs in postgres and keeps the
// latest results hot in redis.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/skin-check/internal/auth"
	"github.com/example/skin-check/internal/logging"
	"github.com/example/skin-check/internal/pipeline"
	"github.com/example/skin-check/internal/repository"
	"github.com/example/skin-check/internal/skincare"
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("analysis run not found")

// Repository defines the persistence operations the service needs.
type Repository interface {
	SaveRecord(ctx context.Context, rec *repository.AnalysisRecord) error
	FindByRunID(ctx context.Context, runID string) (*repository.AnalysisRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*repository.AnalysisRecord, error)
	Aggregate(ctx context.Context) (*repository.Aggregation, error)
}

// Service stores run reports and serves them back.
type Service struct {
	repo           Repository
	cache          RecordCache
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Record is the API view of a stored run.
type Record struct {
	RunID           string                      `json:"run_id"`
	Operator        string                      `json:"operator,omitempty"`
	ImageSource     string                      `json:"image_source"`
	MimeType        string                      `json:"mime_type"`
	ImageSHA1       string                      `json:"image_sha1"`
	Status          string                      `json:"status"`
	FailureKind     string                      `json:"failure_kind,omitempty"`
	Analysis        *skincare.AnalysisResult    `json:"analysis,omitempty"`
	Recommendations *skincare.RecommendationSet `json:"recommendations,omitempty"`
	Details         string                      `json:"details,omitempty"`
	DurationMs      int64                       `json:"duration_ms"`
	CreatedAt       time.Time                   `json:"created_at"`
}

// NewService constructs a history service.
func NewService(repo Repository, cache RecordCache, logger *zap.Logger) *Service {
	return &Service{
		repo:           repo,
		cache:          cache,
		logger:         logger.Named("history"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// RunFinished persists and caches report. Failures are logged, never returned:
// history must not affect the pipeline outcome.
func (s *Service) RunFinished(ctx context.Context, report pipeline.RunReport) {
	opLogger := logging.WithOperation(s.logger, "history.run_finished", report.RunID)

	rec, err := newRecord(ctx, report)
	if err != nil {
		opLogger.Error("failed to build history record", zap.Error(err))
		return
	}
	if err := s.repo.SaveRecord(ctx, rec); err != nil {
		opLogger.Error("failed to persist history record", logging.ErrorFields(err)...)
		return
	}

	view, err := toView(rec)
	if err != nil {
		opLogger.Error("failed to decode history record", zap.Error(err))
		return
	}
	serialized, err := json.Marshal(view)
	if err != nil {
		opLogger.Error("failed to serialize history record", zap.Error(err))
		return
	}
	if err := s.withRedisRetry(ctx, report.RunID, "cache.put.record", func() error {
		return s.cache.Put(ctx, report.RunID, serialized)
	}); err != nil {
		opLogger.Warn("failed to cache history record", logging.ErrorFields(err)...)
	}
}

// Get returns one run, from cache when possible.
func (s *Service) Get(ctx context.Context, runID string) (*Record, error) {
	if cached, err := s.lookupCached(ctx, runID); err == nil {
		var rec Record
		err := json.Unmarshal(cached, &rec)
		if err == nil {
			return &rec, nil
		}
		logging.WithOperation(s.logger, "history.get", runID).Warn("failed to decode cached record", zap.Error(err))
	} else if !errors.Is(err, errCacheMiss) {
		logging.WithOperation(s.logger, "history.get", runID).Warn("failed to read cache", zap.Error(err))
	}

	rec, err := s.repo.FindByRunID(ctx, runID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return toView(rec)
}

// Recent lists the newest runs.
func (s *Service) Recent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	recs, err := s.repo.ListRecent(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(recs))
	for _, rec := range recs {
		view, err := toView(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, view)
	}
	return out, nil
}

func newRecord(ctx context.Context, report pipeline.RunReport) (*repository.AnalysisRecord, error) {
	operator, _ := auth.OperatorFromContext(ctx)
	rec := &repository.AnalysisRecord{
		RunID:       report.RunID,
		Operator:    operator,
		Status:      StatusCompleted,
		FailureKind: string(report.Failure),
		DurationMs:  report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
		CreatedAt:   report.FinishedAt,
	}
	if report.Image != nil {
		rec.ImageSource = string(report.Image.Source())
		rec.MimeType = report.Image.MimeType()
		rec.ImageSHA1 = report.Image.SHA1()
	}
	if report.Failure != skincare.KindNone {
		rec.Status = StatusFailed
	}
	if report.Err != nil {
		rec.Details = report.Err.Error()
	}

	if a := report.Analysis; a != nil {
		concerns, err := json.Marshal(a.Concerns)
		if err != nil {
			return nil, fmt.Errorf("encode concerns: %w", err)
		}
		hydration, uv := a.HydrationLevel, a.UVDamage
		rec.SkinType = string(a.SkinType)
		rec.Concerns = string(concerns)
		rec.HydrationLevel = &hydration
		rec.UVDamage = &uv
	}
	if r := report.Recommendations; r != nil {
		products, err := json.Marshal(r.Products)
		if err != nil {
			return nil, fmt.Errorf("encode products: %w", err)
		}
		rec.Products = string(products)
	}
	return rec, nil
}

func toView(rec *repository.AnalysisRecord) (*Record, error) {
	view := &Record{
		RunID:       rec.RunID,
		Operator:    rec.Operator,
		ImageSource: rec.ImageSource,
		MimeType:    rec.MimeType,
		ImageSHA1:   rec.ImageSHA1,
		Status:      rec.Status,
		FailureKind: rec.FailureKind,
		Details:     rec.Details,
		DurationMs:  rec.DurationMs,
		CreatedAt:   rec.CreatedAt,
	}
	if rec.SkinType != "" {
		a := &skincare.AnalysisResult{SkinType: skincare.SkinType(rec.SkinType), Concerns: []string{}}
		if rec.Concerns != "" {
			if err := json.Unmarshal([]byte(rec.Concerns), &a.Concerns); err != nil {
				return nil, fmt.Errorf("decode concerns: %w", err)
			}
		}
		if rec.HydrationLevel != nil {
			a.HydrationLevel = *rec.HydrationLevel
		}
		if rec.UVDamage != nil {
			a.UVDamage = *rec.UVDamage
		}
		view.Analysis = a
	}
	if rec.Products != "" {
		set := &skincare.RecommendationSet{}
		if err := json.Unmarshal([]byte(rec.Products), &set.Products); err != nil {
			return nil, fmt.Errorf("decode products: %w", err)
		}
		view.Recommendations = set
	}
	return view, nil
}

func (s *Service) withRedisRetry(ctx context.Context, runID, operation string, fn func() error) error {
	if s.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, runID, err)
	}

	backoff := s.initialBackoff
	opLogger := logging.WithOperation(s.logger, operation, runID)
	var err error
	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, runID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= s.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, errCacheMiss) {
			return logging.NewOperationError(operation, runID, err)
		}
		if !isTransientError(err) || attempt == s.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, runID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, runID, err)
}

func (s *Service) lookupCached(ctx context.Context, runID string) ([]byte, error) {
	var result []byte
	err := s.withRedisRetry(ctx, runID, "cache.lookup.record", func() error {
		value, err := s.cache.Lookup(ctx, runID)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
