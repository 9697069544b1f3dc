package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/selfie-check/internal/annotator"
	"github.com/example/selfie-check/internal/repository"
	"github.com/example/selfie-check/internal/sheet"
)

type stubRepository struct {
	respectCtx bool
	savedLogs  []*repository.JobLog
	saveErr   error
	findLog   *repository.JobLog
	findErr   error
	findCalls int
	agg       *repository.MetricsAggregation
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.JobLog) error {
	if s.respectCtx && ctx.Err() != nil {
		return ctx.Err()
	}
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByJobIDAndOwner(ctx context.Context, jobID, owner string) (*repository.JobLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return s.agg, nil
}

type stubCache struct {
	mu         sync.Mutex
	respectCtx bool
	values  map[string]string
	setErrs []error
	getErrs []error
	setKeys []string
}

func newStubCache() *stubCache {
	return &stubCache{values: map[string]string{}}
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.respectCtx && ctx.Err() != nil {
		return ctx.Err()
	}
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return err
		}
	}
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		if err != nil {
			return "", err
		}
	}
	value, ok := s.values[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return value, nil
}

type scoreTable map[string]float32

func (s scoreTable) Classify(ctx context.Context, rawURL string) (float32, error) {
	score, ok := s[rawURL]
	if !ok {
		return 0, errors.New("unreachable host")
	}
	return score, nil
}

type blockingClassifier struct{}

func (blockingClassifier) Classify(ctx context.Context, rawURL string) (float32, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func newTestUseCase(t *testing.T, repo *stubRepository, cache *stubCache) *CheckUseCase {
	t.Helper()
	ann := annotator.New(scoreTable{"https://example.com/a.jpg": 0.9}, annotator.Config{Workers: 2}, zap.NewNop())
	uc := NewCheckUseCase(repo, cache, ann, Options{OutputDir: t.TempDir()}, zap.NewNop())
	uc.initialBackoff = time.Millisecond
	uc.maxBackoff = 2 * time.Millisecond
	return uc
}

const peopleCSV = "Name,Image\nAlice,https://example.com/a.jpg\nBob,not-a-url\nCarl,https://example.com/gone.jpg\n"

func TestRunCheckWritesOutputAndCachesResult(t *testing.T) {
	repo := &stubRepository{}
	cache := newStubCache()
	uc := newTestUseCase(t, repo, cache)

	log, err := uc.RunCheck(context.Background(), "alice", "people.csv", []byte(peopleCSV))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log.Status != repository.StatusCompleted {
		t.Fatalf("unexpected status %s", log.Status)
	}
	if log.OutputName != "people_checked.xlsx" {
		t.Fatalf("unexpected output name %s", log.OutputName)
	}
	if log.TotalRows != 3 || log.FlaggedRows != 2 || log.FailedRows != 1 || log.ImageColumn != 2 {
		t.Fatalf("unexpected counters: %+v", log)
	}
	if filepath.Base(filepath.Dir(log.OutputPath)) != log.JobID {
		t.Fatalf("output not placed under the job directory: %s", log.OutputPath)
	}

	doc, err := sheet.LoadFile(log.OutputPath)
	if err != nil {
		t.Fatalf("output does not load: %v", err)
	}
	defer doc.Close()
	if color, _ := doc.FillColor(1, 0); color != "" {
		t.Fatalf("selfie row must stay unfilled, got %q", color)
	}
	if color, _ := doc.FillColor(2, 0); color != annotator.NonSelfieFill {
		t.Fatalf("non-selfie row must be filled, got %q", color)
	}

	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected one saved log, got %d", len(repo.savedLogs))
	}
	if len(cache.setKeys) != 2 {
		t.Fatalf("expected processing and result cache writes, got %d", len(cache.setKeys))
	}

	var cached cachedJob
	if err := json.Unmarshal([]byte(cache.values[jobKey(log.JobID)]), &cached); err != nil {
		t.Fatalf("cached job is not json: %v", err)
	}
	if cached.Status != repository.StatusCompleted || cached.Owner != "alice" {
		t.Fatalf("unexpected cached job: %+v", cached)
	}

	got, err := uc.GetJob(context.Background(), "alice", log.JobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.OutputPath != log.OutputPath || repo.findCalls != 0 {
		t.Fatalf("expected cached job, got %+v (repo calls %d)", got, repo.findCalls)
	}

	if _, err := uc.GetJob(context.Background(), "mallory", log.JobID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another owner, got %v", err)
	}

	path, name, err := uc.OutputFile(context.Background(), "alice", log.JobID)
	if err != nil || path != log.OutputPath || name != log.OutputName {
		t.Fatalf("unexpected output file %q %q %v", path, name, err)
	}
}

func TestRunCheckRejectsMissingImageColumn(t *testing.T) {
	repo := &stubRepository{}
	uc := newTestUseCase(t, repo, newStubCache())

	log, err := uc.RunCheck(context.Background(), "alice", "people.csv", []byte("Name,Photo\nAlice,https://example.com/a.jpg\n"))
	if !errors.Is(err, annotator.ErrImageColumnNotFound) {
		t.Fatalf("expected ErrImageColumnNotFound, got %v", err)
	}
	if log == nil || log.Status != repository.StatusRejected || log.OutputPath != "" {
		t.Fatalf("unexpected log: %+v", log)
	}
	if _, statErr := os.Stat(filepath.Join(uc.opts.OutputDir, log.JobID)); !os.IsNotExist(statErr) {
		t.Fatalf("no output must be produced, stat returned %v", statErr)
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].Error == "" {
		t.Fatalf("expected rejected job to be recorded with its error, got %+v", repo.savedLogs)
	}

	if _, _, err := uc.OutputFile(context.Background(), "alice", log.JobID); !errors.Is(err, ErrJobNotReady) {
		t.Fatalf("expected ErrJobNotReady, got %v", err)
	}
}

func TestRunCheckReportsLoadError(t *testing.T) {
	repo := &stubRepository{}
	uc := newTestUseCase(t, repo, newStubCache())

	log, err := uc.RunCheck(context.Background(), "alice", "broken.xlsx", []byte("not a zip"))
	var loadErr *sheet.LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected *sheet.LoadError, got %v", err)
	}
	if log.Status != repository.StatusFailed {
		t.Fatalf("unexpected status %s", log.Status)
	}
}

func TestRunCheckRetriesAndToleratesCacheFailures(t *testing.T) {
	cache := newStubCache()
	cache.setErrs = []error{transientRedisError{}, nil, errors.New("redis down")}
	repo := &stubRepository{}
	uc := newTestUseCase(t, repo, cache)

	log, err := uc.RunCheck(context.Background(), "alice", "people.csv", []byte(peopleCSV))
	if err != nil {
		t.Fatalf("cache failures must not fail the job: %v", err)
	}
	if log.Status != repository.StatusCompleted {
		t.Fatalf("unexpected status %s", log.Status)
	}
	if len(cache.setKeys) != 3 {
		t.Fatalf("expected retry plus result write, got %d cache sets", len(cache.setKeys))
	}
	if cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", cache.setKeys[0], cache.setKeys[1])
	}
}

func TestGetJobFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	expected := &repository.JobLog{JobID: "job", Owner: "alice", Status: repository.StatusCompleted}
	repo := &stubRepository{findLog: expected}
	uc := newTestUseCase(t, repo, newStubCache())

	log, err := uc.GetJob(context.Background(), "alice", "job")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log != expected {
		t.Fatalf("expected %+v, got %+v", expected, log)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	repo := &stubRepository{agg: &repository.MetricsAggregation{
		TotalJobs:         4,
		CompletedJobs:     3,
		TotalRows:         20,
		FlaggedRows:       5,
		AverageDurationMs: 12.5,
	}}
	uc := newTestUseCase(t, repo, newStubCache())

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("GetMetricsSummary failed: %v", err)
	}
	if summary.FlagRate != 0.25 || summary.CompletedJobs != 3 || summary.AverageDurationMs != 12.5 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestRunCheckRecordsJobWhenContextExpires(t *testing.T) {
	repo := &stubRepository{respectCtx: true}
	cache := newStubCache()
	cache.respectCtx = true
	ann := annotator.New(blockingClassifier{}, annotator.Config{Workers: 2}, zap.NewNop())
	uc := NewCheckUseCase(repo, cache, ann, Options{OutputDir: t.TempDir()}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	log, err := uc.RunCheck(ctx, "alice", "people.csv", []byte(peopleCSV))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if log == nil || log.Status != repository.StatusFailed {
		t.Fatalf("unexpected log: %+v", log)
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].Status != repository.StatusFailed {
		t.Fatalf("expected the failed job to be persisted, got %+v", repo.savedLogs)
	}

	got, err := uc.GetJob(context.Background(), "alice", log.JobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != repository.StatusFailed {
		t.Fatalf("cached status must reflect the failure, got %s", got.Status)
	}
}
