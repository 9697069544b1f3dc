package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/selfie-check/internal/annotator"
	"github.com/example/selfie-check/internal/logging"
	"github.com/example/selfie-check/internal/repository"
	"github.com/example/selfie-check/internal/retry"
	"github.com/example/selfie-check/internal/sheet"
)

// StatusProcessing marks a job that has been accepted but not finished.
const StatusProcessing = "processing"

// ErrJobNotReady is returned when the output of an unfinished or failed job is requested.
var ErrJobNotReady = errors.New("job has no output")

// JobRepository defines the persistence operations needed by the use case.
type JobRepository interface {
	SaveLog(ctx context.Context, log *repository.JobLog) error
	FindByJobIDAndOwner(ctx context.Context, jobID, owner string) (*repository.JobLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Annotator runs the row sweep over a loaded document.
type Annotator interface {
	Annotate(ctx context.Context, doc annotator.Document) (*annotator.Report, error)
}

// Options controls where outputs go and how long job state stays cached.
type Options struct {
	OutputDir    string
	OutputSuffix string
	CacheTTL     time.Duration
}

// CheckUseCase encapsulates the upload, annotate, save and record flow.
type CheckUseCase struct {
	repo           JobRepository
	cache          Cache
	annotator      Annotator
	opts           Options
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	persistTimeout time.Duration
	now            func() time.Time
}

type cachedJob struct {
	JobID       string    `json:"job_id"`
	Owner       string    `json:"owner"`
	InputName   string    `json:"input_name"`
	OutputName  string    `json:"output_name,omitempty"`
	OutputPath  string    `json:"output_path,omitempty"`
	Status      string    `json:"status"`
	ImageColumn int       `json:"image_column,omitempty"`
	TotalRows   int       `json:"total_rows"`
	FlaggedRows int       `json:"flagged_rows"`
	FailedRows  int       `json:"failed_rows"`
	Error       string    `json:"error,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewCheckUseCase constructs a new use case instance.
func NewCheckUseCase(repo JobRepository, cache Cache, ann Annotator, opts Options, logger *zap.Logger) *CheckUseCase {
	if opts.OutputDir == "" {
		opts.OutputDir = "output"
	}
	if opts.OutputSuffix == "" {
		opts.OutputSuffix = "_checked"
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}
	return &CheckUseCase{
		repo:           repo,
		cache:          cache,
		annotator:      ann,
		opts:           opts,
		logger:         logger.Named("check_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		persistTimeout: 5 * time.Second,
		now:            time.Now,
	}
}

// RunCheck loads the uploaded spreadsheet, annotates it and writes the result
// under OutputDir/<job id>/. The returned log describes the job even when err
// is non-nil, unless the failure happened before the job was recorded.
func (uc *CheckUseCase) RunCheck(ctx context.Context, owner, fileName string, data []byte) (*repository.JobLog, error) {
	jobID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.run_check", jobID)
	started := uc.now()

	log := &repository.JobLog{
		JobID:     jobID,
		Owner:     owner,
		InputName: filepath.Base(fileName),
		Status:    StatusProcessing,
		CreatedAt: started.UTC(),
	}
	uc.cacheJob(ctx, log, opLogger)

	runErr := uc.annotate(ctx, log, data, opLogger)
	log.DurationMs = uc.now().Sub(started).Milliseconds()

	// The outcome is recorded even when ctx was cancelled or timed out mid-run.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.persistTimeout)
	defer cancel()

	if err := uc.repo.SaveLog(persistCtx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", jobID, err)
		opLogger.Error("failed to persist job log", zap.Error(wrapped))
		if runErr == nil {
			return nil, wrapped
		}
	}
	uc.cacheJob(persistCtx, log, opLogger)

	if runErr != nil {
		return log, runErr
	}
	opLogger.Info("check completed",
		zap.String("output", log.OutputName),
		zap.Int("rows", log.TotalRows),
		zap.Int("flagged", log.FlaggedRows),
	)
	return log, nil
}

func (uc *CheckUseCase) annotate(ctx context.Context, log *repository.JobLog, data []byte, opLogger *zap.Logger) error {
	doc, err := sheet.Load(bytes.NewReader(data), log.InputName)
	if err != nil {
		return uc.fail(log, repository.StatusFailed, "usecase.load", err, opLogger)
	}
	defer doc.Close()

	report, err := uc.annotator.Annotate(ctx, doc)
	if err != nil {
		status := repository.StatusFailed
		if errors.Is(err, annotator.ErrImageColumnNotFound) {
			status = repository.StatusRejected
		}
		return uc.fail(log, status, "usecase.annotate", err, opLogger)
	}

	log.ImageColumn = report.ImageColumn
	log.TotalRows = report.Total
	log.FlaggedRows = report.Flagged
	log.FailedRows = report.Failed

	outputName := sheet.OutputName(log.InputName, uc.opts.OutputSuffix)
	outputPath := filepath.Join(uc.opts.OutputDir, log.JobID, outputName)
	if err := doc.SaveAs(outputPath); err != nil {
		return uc.fail(log, repository.StatusFailed, "usecase.save_output", err, opLogger)
	}

	log.OutputName = outputName
	log.OutputPath = outputPath
	log.Status = repository.StatusCompleted
	return nil
}

func (uc *CheckUseCase) fail(log *repository.JobLog, status, operation string, err error, opLogger *zap.Logger) error {
	wrapped := logging.NewOperationError(operation, log.JobID, err)
	log.Status = status
	log.Error = err.Error()
	if status == repository.StatusRejected {
		opLogger.Warn("check rejected", zap.Error(wrapped))
	} else {
		opLogger.Error("check failed", zap.Error(wrapped))
	}
	return wrapped
}

// GetJob retrieves a cached job or loads it from persistence. Jobs owned by
// someone else are reported as repository.ErrNotFound.
func (uc *CheckUseCase) GetJob(ctx context.Context, owner, jobID string) (*repository.JobLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_job", jobID)
	if cached, err := uc.withRedisGet(ctx, jobID, "cache.get.job", jobKey(jobID)); err == nil {
		var payload cachedJob
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached job", zap.Error(err))
		} else if payload.Owner != owner {
			return nil, logging.NewOperationError("usecase.get_job", jobID, repository.ErrNotFound)
		} else {
			return payload.toLog(), nil
		}
	} else if !errors.Is(err, ErrCacheMiss) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByJobIDAndOwner(ctx, jobID, owner)
}

// OutputFile returns the path and download name of a completed job's workbook.
func (uc *CheckUseCase) OutputFile(ctx context.Context, owner, jobID string) (string, string, error) {
	log, err := uc.GetJob(ctx, owner, jobID)
	if err != nil {
		return "", "", err
	}
	if log.Status != repository.StatusCompleted || log.OutputPath == "" {
		return "", "", logging.NewOperationError("usecase.output_file", jobID, fmt.Errorf("%w (status %s)", ErrJobNotReady, log.Status))
	}
	return log.OutputPath, log.OutputName, nil
}

func (uc *CheckUseCase) cacheJob(ctx context.Context, log *repository.JobLog, opLogger *zap.Logger) {
	serialized, err := json.Marshal(newCachedJob(log))
	if err != nil {
		opLogger.Error("failed to serialize job", zap.Error(err))
		return
	}
	operation := "cache.set." + log.Status
	if err := uc.withRedisRetry(ctx, log.JobID, operation, func() error {
		return uc.cache.Set(ctx, jobKey(log.JobID), string(serialized), uc.opts.CacheTTL)
	}); err != nil {
		opLogger.Warn("failed to cache job state", zap.Error(err))
	}
}

func (uc *CheckUseCase) withRedisRetry(ctx context.Context, jobID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, jobID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, jobID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, jobID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
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

		if errors.Is(err, ErrCacheMiss) || !retry.IsTransient(err) || attempt == uc.retryAttempts-1 {
			return logging.NewOperationError(operation, jobID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, jobID, err)
}

func (uc *CheckUseCase) withRedisGet(ctx context.Context, jobID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, jobID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func jobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

func newCachedJob(log *repository.JobLog) cachedJob {
	return cachedJob{
		JobID:       log.JobID,
		Owner:       log.Owner,
		InputName:   log.InputName,
		OutputName:  log.OutputName,
		OutputPath:  log.OutputPath,
		Status:      log.Status,
		ImageColumn: log.ImageColumn,
		TotalRows:   log.TotalRows,
		FlaggedRows: log.FlaggedRows,
		FailedRows:  log.FailedRows,
		Error:       log.Error,
		DurationMs:  log.DurationMs,
		CreatedAt:   log.CreatedAt,
	}
}

func (c cachedJob) toLog() *repository.JobLog {
	return &repository.JobLog{
		JobID:       c.JobID,
		Owner:       c.Owner,
		InputName:   c.InputName,
		OutputName:  c.OutputName,
		OutputPath:  c.OutputPath,
		Status:      c.Status,
		ImageColumn: c.ImageColumn,
		TotalRows:   c.TotalRows,
		FlaggedRows: c.FlaggedRows,
		FailedRows:  c.FailedRows,
		Error:       c.Error,
		DurationMs:  c.DurationMs,
		CreatedAt:   c.CreatedAt,
	}
}
