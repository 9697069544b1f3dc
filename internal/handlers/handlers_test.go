package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/selfie-check/internal/annotator"
	"github.com/example/selfie-check/internal/auth"
	"github.com/example/selfie-check/internal/repository"
	"github.com/example/selfie-check/internal/sheet"
	"github.com/example/selfie-check/internal/usecase"
)

const testJWTSecret = "test-secret"

type stubService struct {
	runCalls  int
	runOwner  string
	runName   string
	runData   []byte
	runLog    *repository.JobLog
	runErr    error
	jobs      map[string]*repository.JobLog
	outputErr error
	summary   *usecase.MetricsSummary
}

func (s *stubService) RunCheck(ctx context.Context, owner, fileName string, data []byte) (*repository.JobLog, error) {
	s.runCalls++
	s.runOwner = owner
	s.runName = fileName
	s.runData = data
	return s.runLog, s.runErr
}

func (s *stubService) GetJob(ctx context.Context, owner, jobID string) (*repository.JobLog, error) {
	job, ok := s.jobs[jobID]
	if !ok || job.Owner != owner {
		return nil, repository.ErrNotFound
	}
	return job, nil
}

func (s *stubService) OutputFile(ctx context.Context, owner, jobID string) (string, string, error) {
	if s.outputErr != nil {
		return "", "", s.outputErr
	}
	job, err := s.GetJob(ctx, owner, jobID)
	if err != nil {
		return "", "", err
	}
	return job.OutputPath, job.OutputName, nil
}

func (s *stubService) GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error) {
	return s.summary, nil
}

func newTestRouter(svc CheckService) *gin.Engine {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	NewHandler(svc, MaxUploadSize, time.Minute, zap.NewNop()).RegisterRoutes(router, auth.JWTMiddleware(testJWTSecret, ""))
	return router
}

func TestCheckRejectsLargeUpload(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)

	body, contentType := buildMultipartBody(t, "people.xlsx", bytes.Repeat([]byte("a"), MaxUploadSize+1))
	resp := doRequest(router, http.MethodPost, "/check", body, contentType, buildTestToken(t, "user-123"))

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	if svc.runCalls != 0 {
		t.Fatalf("oversized upload must not be processed")
	}
}

func TestCheckRejectsUnsupportedExtension(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)

	for _, name := range []string{"upload", "notes.txt", "legacy.xls"} {
		body, contentType := buildMultipartBody(t, name, []byte("hello"))
		resp := doRequest(router, http.MethodPost, "/check", body, contentType, buildTestToken(t, "user-123"))

		if resp.Code != http.StatusUnsupportedMediaType {
			t.Fatalf("%s: expected status %d, got %d", name, http.StatusUnsupportedMediaType, resp.Code)
		}
	}
	if svc.runCalls != 0 {
		t.Fatalf("unsupported uploads must not be processed")
	}
}

func TestCheckRequiresToken(t *testing.T) {
	router := newTestRouter(&stubService{})

	body, contentType := buildMultipartBody(t, "people.csv", []byte("Name,Image\n"))
	resp := doRequest(router, http.MethodPost, "/check", body, contentType, "")

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}
}

func TestCheckMapsErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		key    string
	}{
		{name: "missing image column", err: fmt.Errorf("annotate: %w", annotator.ErrImageColumnNotFound), status: http.StatusUnprocessableEntity, key: "warning"},
		{name: "unreadable workbook", err: &sheet.LoadError{Name: "people.xlsx", Err: sheet.ErrEmptyWorkbook}, status: http.StatusBadRequest, key: "error"},
		{name: "unexpected failure", err: fmt.Errorf("disk full"), status: http.StatusInternalServerError, key: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{runLog: &repository.JobLog{JobID: "job-1"}, runErr: tt.err}
			router := newTestRouter(svc)

			body, contentType := buildMultipartBody(t, "people.xlsx", []byte("payload"))
			resp := doRequest(router, http.MethodPost, "/check", body, contentType, buildTestToken(t, "user-123"))

			if resp.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, resp.Code)
			}
			var payload map[string]interface{}
			if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
				t.Fatalf("invalid json: %v", err)
			}
			if _, ok := payload[tt.key]; !ok {
				t.Fatalf("expected %q in response, got %v", tt.key, payload)
			}
			if payload["job_id"] != "job-1" {
				t.Fatalf("expected job id in response, got %v", payload)
			}
		})
	}
}

func TestCheckReturnsSummary(t *testing.T) {
	svc := &stubService{runLog: &repository.JobLog{
		JobID:       "job-1",
		OutputName:  "people_checked.xlsx",
		Status:      repository.StatusCompleted,
		ImageColumn: 2,
		TotalRows:   3,
		FlaggedRows: 2,
		FailedRows:  1,
	}}
	router := newTestRouter(svc)

	body, contentType := buildMultipartBody(t, "people.csv", []byte("Name,Image\n"))
	resp := doRequest(router, http.MethodPost, "/check", body, contentType, buildTestToken(t, "user-123"))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	if svc.runOwner != "user-123" || svc.runName != "people.csv" || string(svc.runData) != "Name,Image\n" {
		t.Fatalf("unexpected service call: owner=%q name=%q data=%q", svc.runOwner, svc.runName, svc.runData)
	}

	var payload struct {
		JobID       string `json:"job_id"`
		OutputName  string `json:"output_name"`
		TotalRows   int    `json:"total_rows"`
		FlaggedRows int    `json:"flagged_rows"`
		FailedRows  int    `json:"failed_rows"`
		DownloadURL string `json:"download_url"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if payload.OutputName != "people_checked.xlsx" || payload.FlaggedRows != 2 || payload.FailedRows != 1 || payload.TotalRows != 3 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.DownloadURL != "/jobs/job-1/download" {
		t.Fatalf("unexpected download url %q", payload.DownloadURL)
	}
}

func TestJobLookupAndDownload(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "people_checked.xlsx")
	if err := os.WriteFile(outputPath, []byte("workbook"), 0o644); err != nil {
		t.Fatalf("write output: %v", err)
	}
	svc := &stubService{jobs: map[string]*repository.JobLog{
		"job-1": {JobID: "job-1", Owner: "user-123", Status: repository.StatusCompleted, OutputName: "people_checked.xlsx", OutputPath: outputPath},
	}}
	router := newTestRouter(svc)
	token := buildTestToken(t, "user-123")

	resp := doRequest(router, http.MethodGet, "/jobs/job-1", nil, "", token)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}

	resp = doRequest(router, http.MethodGet, "/jobs/job-1/download", nil, "", token)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if got := resp.Header().Get("Content-Disposition"); got == "" || !bytes.Contains([]byte(got), []byte("people_checked.xlsx")) {
		t.Fatalf("unexpected Content-Disposition %q", got)
	}
	if resp.Body.String() != "workbook" {
		t.Fatalf("unexpected body %q", resp.Body.String())
	}

	resp = doRequest(router, http.MethodGet, "/jobs/job-1", nil, "", buildTestToken(t, "someone-else"))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d for another owner, got %d", http.StatusNotFound, resp.Code)
	}
}

func TestDownloadOfRejectedJobConflicts(t *testing.T) {
	svc := &stubService{outputErr: fmt.Errorf("output: %w", usecase.ErrJobNotReady)}
	router := newTestRouter(svc)

	resp := doRequest(router, http.MethodGet, "/jobs/job-1/download", nil, "", buildTestToken(t, "user-123"))
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, resp.Code)
	}
}

func TestMetricsSummary(t *testing.T) {
	svc := &stubService{summary: &usecase.MetricsSummary{TotalJobs: 2, FlagRate: 0.5}}
	router := newTestRouter(svc)

	resp := doRequest(router, http.MethodGet, "/metrics/summary", nil, "", buildTestToken(t, "user-123"))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
}

func doRequest(router *gin.Engine, method, target string, body *bytes.Buffer, contentType, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, body)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func buildMultipartBody(t *testing.T, fileName string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, fileName))
	header.Set("Content-Type", "application/octet-stream")

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
