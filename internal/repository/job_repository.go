package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/selfie-check/internal/logging"
	"github.com/example/selfie-check/internal/retry"
)

// Job statuses.
const (
	StatusCompleted = "completed"
	StatusRejected  = "rejected"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when no job matches the lookup.
var ErrNotFound = errors.New("job not found")

// JobLog represents one persisted annotation run.
type JobLog struct {
	ID          uint      `gorm:"primaryKey"`
	JobID       string    `gorm:"column:job_id;uniqueIndex;size:64"`
	Owner       string    `gorm:"column:owner;index;size:128"`
	InputName   string    `gorm:"column:input_name;size:255"`
	OutputName  string    `gorm:"column:output_name;size:255"`
	OutputPath  string    `gorm:"column:output_path;size:1024"`
	Status      string    `gorm:"column:status;size:16"`
	ImageColumn int       `gorm:"column:image_column"`
	TotalRows   int       `gorm:"column:total_rows"`
	FlaggedRows int       `gorm:"column:flagged_rows"`
	FailedRows  int       `gorm:"column:failed_rows"`
	Error       string    `gorm:"column:error;type:text"`
	DurationMs  int64     `gorm:"column:duration_ms"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (JobLog) TableName() string {
	return "job_logs"
}

// MetricsAggregation holds totals across all persisted jobs.
type MetricsAggregation struct {
	TotalJobs         int64
	CompletedJobs     int64
	TotalRows         int64
	FlaggedRows       int64
	FailedRows        int64
	AverageDurationMs float64
}

// JobRepository provides persistence APIs for job logs.
type JobRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewJobRepository creates a new repository instance.
func NewJobRepository(db *gorm.DB, logger *zap.Logger) *JobRepository {
	return &JobRepository{
		db:             db,
		logger:         logger.Named("job_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *JobRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&JobLog{})
}

// SaveLog persists a job log entry.
func (r *JobRepository) SaveLog(ctx context.Context, log *JobLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.JobID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByJobIDAndOwner retrieves a job log matching the id and owner.
func (r *JobRepository) FindByJobIDAndOwner(ctx context.Context, jobID, owner string) (*JobLog, error) {
	var log JobLog
	err := r.executeWithRetry(ctx, "repository.find_job", jobID, func() error {
		err := r.db.WithContext(ctx).First(&log, "job_id = ? AND owner = ?", jobID, owner).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics sums job counters across all stored logs.
func (r *JobRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&JobLog{}).
			Select(`COUNT(*) AS total_jobs,
				COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS completed_jobs,
				COALESCE(SUM(total_rows), 0) AS total_rows,
				COALESCE(SUM(flagged_rows), 0) AS flagged_rows,
				COALESCE(SUM(failed_rows), 0) AS failed_rows,
				COALESCE(AVG(duration_ms), 0) AS average_duration_ms`, StatusCompleted).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *JobRepository) executeWithRetry(ctx context.Context, operation, jobID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, jobID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, jobID, ctx.Err())
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
		if errors.Is(err, ErrNotFound) {
			return logging.NewOperationError(operation, jobID, err)
		}

		if !retry.IsTransient(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, jobID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, jobID, err)
}
