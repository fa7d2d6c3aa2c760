package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/skin-check/internal/logging"
)

// AnalysisRecord is one finished pipeline run.
type AnalysisRecord struct {
	ID             uint      `gorm:"primaryKey"`
	RunID          string    `gorm:"column:run_id;uniqueIndex;size:64"`
	Operator       string    `gorm:"column:operator;size:64;index"`
	ImageSource    string    `gorm:"column:image_source;size:16"`
	MimeType       string    `gorm:"column:mime_type;size:64"`
	ImageSHA1      string    `gorm:"column:image_sha1;size:40;index"`
	Status         string    `gorm:"column:status;size:16"`
	FailureKind    string    `gorm:"column:failure_kind;size:32"`
	SkinType       string    `gorm:"column:skin_type;size:16"`
	Concerns       string    `gorm:"column:concerns;type:text"`
	HydrationLevel *int      `gorm:"column:hydration_level"`
	UVDamage       *int      `gorm:"column:uv_damage"`
	Products       string    `gorm:"column:products;type:text"`
	Details        string    `gorm:"column:details;type:text"`
	DurationMs     int64     `gorm:"column:duration_ms"`
	CreatedAt      time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (AnalysisRecord) TableName() string {
	return "analysis_records"
}

// AnalysisRepository persists run history.
type AnalysisRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewAnalysisRepository creates a new repository instance.
func NewAnalysisRepository(db *gorm.DB, logger *zap.Logger) *AnalysisRepository {
	return &AnalysisRepository{
		db:             db,
		logger:         logger.Named("analysis_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *AnalysisRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&AnalysisRecord{})
}

// SaveRecord inserts rec, retrying transient database errors.
func (r *AnalysisRepository) SaveRecord(ctx context.Context, rec *AnalysisRecord) error {
	return r.executeWithRetry(ctx, "repository.save_record", rec.RunID, func() error {
		return r.db.WithContext(ctx).Create(rec).Error
	})
}

// FindByRunID loads the record of one run.
func (r *AnalysisRepository) FindByRunID(ctx context.Context, runID string) (*AnalysisRecord, error) {
	var rec AnalysisRecord
	err := r.executeWithRetry(ctx, "repository.find_by_run_id", runID, func() error {
		return r.db.WithContext(ctx).First(&rec, "run_id = ?", runID).Error
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecent returns up to limit records, newest first.
func (r *AnalysisRepository) ListRecent(ctx context.Context, limit int) ([]*AnalysisRecord, error) {
	var recs []*AnalysisRecord
	err := r.executeWithRetry(ctx, "repository.list_recent", "", func() error {
		return r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&recs).Error
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *AnalysisRepository) executeWithRetry(ctx context.Context, operation, runID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, runID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, runID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, gorm.ErrRecordNotFound) || !isTransientError(err) || attempt == attempts-1 {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, runID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, runID, err)
}

func isTransientError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}

// Aggregation holds database-side totals over all records.
type Aggregation struct {
	TotalCount        int64
	CompletedCount    int64
	AverageHydration  float64
	AverageUVDamage   float64
	AverageDurationMs float64
	SkinTypes         map[string]int64
}

type skinTypeCount struct {
	SkinType string
	Count    int64
}

// Aggregate computes run totals and per-skin-type counts.
func (r *AnalysisRepository) Aggregate(ctx context.Context) (*Aggregation, error) {
	var row struct {
		TotalCount        int64
		CompletedCount    int64
		AverageHydration  float64
		AverageUVDamage   float64
		AverageDurationMs float64
	}
	var counts []skinTypeCount

	err := r.executeWithRetry(ctx, "repository.aggregate", "", func() error {
		if err := r.db.WithContext(ctx).Model(&AnalysisRecord{}).Select(
			"COUNT(*) AS total_count, " +
				"COUNT(*) FILTER (WHERE status = 'completed') AS completed_count, " +
				"COALESCE(AVG(hydration_level), 0) AS average_hydration, " +
				"COALESCE(AVG(uv_damage), 0) AS average_uv_damage, " +
				"COALESCE(AVG(duration_ms), 0) AS average_duration_ms",
		).Scan(&row).Error; err != nil {
			return err
		}
		counts = counts[:0]
		return r.db.WithContext(ctx).Model(&AnalysisRecord{}).
			Select("skin_type, COUNT(*) AS count").
			Where("skin_type <> ''").
			Group("skin_type").
			Scan(&counts).Error
	})
	if err != nil {
		return nil, err
	}

	agg := &Aggregation{
		TotalCount:        row.TotalCount,
		CompletedCount:    row.CompletedCount,
		AverageHydration:  row.AverageHydration,
		AverageUVDamage:   row.AverageUVDamage,
		AverageDurationMs: row.AverageDurationMs,
		SkinTypes:         make(map[string]int64, len(counts)),
	}
	for _, c := range counts {
		agg.SkinTypes[c.SkinType] = c.Count
	}
	return agg, nil
}
