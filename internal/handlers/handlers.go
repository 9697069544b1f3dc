package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/selfie-check/internal/annotator"
	"github.com/example/selfie-check/internal/auth"
	"github.com/example/selfie-check/internal/repository"
	"github.com/example/selfie-check/internal/sheet"
	"github.com/example/selfie-check/internal/usecase"
)

// MaxUploadSize is the default upload limit in bytes.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and headers around the file.
const multipartOverhead = 1 << 20

var allowedExtensions = map[string]bool{
	".xlsx": true,
	".csv":  true,
}

// CheckService is the orchestration surface the HTTP layer needs.
type CheckService interface {
	RunCheck(ctx context.Context, owner, fileName string, data []byte) (*repository.JobLog, error)
	GetJob(ctx context.Context, owner, jobID string) (*repository.JobLog, error)
	OutputFile(ctx context.Context, owner, jobID string) (string, string, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Handler serves the selfie check API.
type Handler struct {
	svc        CheckService
	maxUpload  int64
	jobTimeout time.Duration
	logger     *zap.Logger
}

// NewHandler creates the API handler. Non-positive limits fall back to defaults.
func NewHandler(svc CheckService, maxUpload int64, jobTimeout time.Duration, logger *zap.Logger) *Handler {
	if maxUpload <= 0 {
		maxUpload = MaxUploadSize
	}
	return &Handler{svc: svc, maxUpload: maxUpload, jobTimeout: jobTimeout, logger: logger.Named("handlers")}
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func (h *Handler) RegisterRoutes(router *gin.Engine, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/", authMiddleware)
	protected.POST("/check", h.check)
	protected.GET("/jobs/:id", h.getJob)
	protected.GET("/jobs/:id/download", h.download)
	protected.GET("/metrics/summary", h.metrics)
}

func (h *Handler) check(c *gin.Context) {
	owner, ok := auth.Owner(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+multipartOverhead)
	file, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "spreadsheet file is required"})
		return
	}
	if file.Size > h.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	if !allowedExtensions[strings.ToLower(filepath.Ext(file.Filename))] {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only .xlsx and .csv files are supported"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open file"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read file"})
		return
	}

	ctx := c.Request.Context()
	if h.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.jobTimeout)
		defer cancel()
	}

	job, err := h.svc.RunCheck(ctx, owner, file.Filename, data)
	if err != nil {
		var loadErr *sheet.LoadError
		switch {
		case errors.Is(err, annotator.ErrImageColumnNotFound):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"warning": annotator.ErrImageColumnNotFound.Error(), "job_id": jobID(job)})
		case errors.As(err, &loadErr):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "job_id": jobID(job)})
		default:
			h.logger.Error("check failed", zap.Error(err), zap.String("owner", owner))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "an error occurred: " + err.Error(), "job_id": jobID(job)})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":       job.JobID,
		"message":      "selfie check completed, download '" + job.OutputName + "' for results",
		"output_name":  job.OutputName,
		"image_column": job.ImageColumn,
		"total_rows":   job.TotalRows,
		"flagged_rows": job.FlaggedRows,
		"failed_rows":  job.FailedRows,
		"download_url": "/jobs/" + job.JobID + "/download",
	})
}

func (h *Handler) getJob(c *gin.Context) {
	owner, _ := auth.Owner(c.Request.Context())
	job, err := h.svc.GetJob(c.Request.Context(), owner, c.Param("id"))
	if err != nil {
		h.jobError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":       job.JobID,
		"status":       job.Status,
		"input_name":   job.InputName,
		"output_name":  job.OutputName,
		"image_column": job.ImageColumn,
		"total_rows":   job.TotalRows,
		"flagged_rows": job.FlaggedRows,
		"failed_rows":  job.FailedRows,
		"error":        job.Error,
		"duration_ms":  job.DurationMs,
		"created_at":   job.CreatedAt,
	})
}

func (h *Handler) download(c *gin.Context) {
	owner, _ := auth.Owner(c.Request.Context())
	path, name, err := h.svc.OutputFile(c.Request.Context(), owner, c.Param("id"))
	if err != nil {
		h.jobError(c, err)
		return
	}
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.FileAttachment(path, name)
}

func (h *Handler) metrics(c *gin.Context) {
	summary, err := h.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.logger.Error("metrics summary failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "metrics unavailable"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) jobError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, usecase.ErrJobNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": "job has no output to download"})
	default:
		h.logger.Error("job lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "job lookup failed"})
	}
}

func jobID(job *repository.JobLog) string {
	if job == nil {
		return ""
	}
	return job.JobID
}
