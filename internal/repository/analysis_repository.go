package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/pneumoscan/internal/logging"
)

// AnalysisRecord is one applied settlement of the screening flow. Failed
// settlements are recorded too, with Success false and the error text.
type AnalysisRecord struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	RequestID    string    `gorm:"column:request_id;uniqueIndex;size:64" json:"request_id"`
	ImageSHA1    string    `gorm:"column:image_sha1;index;size:40" json:"image_sha1"`
	Filename     string    `gorm:"column:filename;size:255" json:"filename"`
	Label        string    `gorm:"column:label;size:32" json:"label,omitempty"`
	Confidence   *float64  `gorm:"column:confidence" json:"confidence,omitempty"`
	Success      bool      `gorm:"column:success" json:"success"`
	ErrorMessage string    `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default table name.
func (AnalysisRecord) TableName() string {
	return "analysis_records"
}

// MetricsAggregation holds the raw aggregates computed in the database.
type MetricsAggregation struct {
	TotalCount        int64
	SuccessCount      int64
	PneumoniaCount    int64
	AverageConfidence float64
}

// AnalysisRepository provides persistence APIs for analysis records.
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

// SaveRecord persists one analysis record.
func (r *AnalysisRepository) SaveRecord(ctx context.Context, record *AnalysisRecord) error {
	return r.executeWithRetry(ctx, "repository.save_record", record.RequestID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// RecentRecords returns the latest records, newest first.
func (r *AnalysisRepository) RecentRecords(ctx context.Context, limit int) ([]*AnalysisRecord, error) {
	var records []*AnalysisRecord
	err := r.executeWithRetry(ctx, "repository.recent_records", "", func() error {
		return r.db.WithContext(ctx).
			Order("created_at DESC").
			Limit(limit).
			Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// CountByImageHash reports how many times an identical image has already been
// analyzed, excluding the given request.
func (r *AnalysisRepository) CountByImageHash(ctx context.Context, sha1Hex, excludeRequestID string) (int64, error) {
	var count int64
	err := r.executeWithRetry(ctx, "repository.count_by_image_hash", excludeRequestID, func() error {
		return r.db.WithContext(ctx).
			Model(&AnalysisRecord{}).
			Where("image_sha1 = ? AND request_id <> ?", sha1Hex, excludeRequestID).
			Count(&count).Error
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// AggregateMetrics computes summary aggregates over all records.
func (r *AnalysisRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&AnalysisRecord{}).
			Select(
				"COUNT(*) AS total_count, " +
					"COUNT(*) FILTER (WHERE success) AS success_count, " +
					"COUNT(*) FILTER (WHERE label = 'Pneumonia') AS pneumonia_count, " +
					"COALESCE(AVG(confidence) FILTER (WHERE success), 0) AS average_confidence").
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *AnalysisRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
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

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
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
