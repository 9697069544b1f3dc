// Package annotator classifies every image row of a spreadsheet and fills the
// rows that are not selfies.
package annotator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/selfie-check/internal/classifier"
	"github.com/example/selfie-check/internal/urlcheck"
)

const (
	// ImageColumnToken is searched for in the header row.
	ImageColumnToken = "Image"
	// NonSelfieFill is the background applied to flagged rows.
	NonSelfieFill = "FF0000"
	// DefaultWorkers bounds concurrent fetch and classify calls.
	DefaultWorkers = 4
)

// ErrImageColumnNotFound is returned when no header cell contains ImageColumnToken.
var ErrImageColumnNotFound = errors.New("the 'Image' column was not found in the file")

// Document is the spreadsheet view the annotator needs.
type Document interface {
	Header() []string
	Len() int
	Cell(row, col int) string
	FillRow(row int, color string) error
}

// Classifier scores the image behind a URL.
type Classifier interface {
	Classify(ctx context.Context, rawURL string) (float32, error)
}

// Outcome is the per-row classification result.
type Outcome int

const (
	OutcomeSelfie Outcome = iota + 1
	OutcomeNotSelfie
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSelfie:
		return "selfie"
	case OutcomeNotSelfie:
		return "not_selfie"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// RowResult records what happened to one data row.
type RowResult struct {
	Row     int
	URL     string
	Outcome Outcome
	Score   float32
	Err     error
}

// IsSelfie reports whether the row is left unfilled.
func (r RowResult) IsSelfie() bool {
	return r.Outcome == OutcomeSelfie
}

// Report summarises an annotation run. ImageColumn is 1-based.
type Report struct {
	ImageColumn int
	Rows        []RowResult
	Total       int
	Selfies     int
	Flagged     int
	Failed      int
}

// Config tunes an Annotator.
type Config struct {
	Workers int
	Fill    string
}

// Annotator runs the row sweep.
type Annotator struct {
	classifier Classifier
	workers    int
	fill       string
	logger     *zap.Logger
}

// New builds an Annotator around a loaded classifier.
func New(c Classifier, cfg Config, logger *zap.Logger) *Annotator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Fill == "" {
		cfg.Fill = NonSelfieFill
	}
	return &Annotator{
		classifier: c,
		workers:    cfg.Workers,
		fill:       cfg.Fill,
		logger:     logger.Named("annotator"),
	}
}

// FindImageColumn returns the 0-based index of the leftmost header cell that
// contains ImageColumnToken.
func FindImageColumn(header []string) (int, bool) {
	for i, name := range header {
		if strings.Contains(name, ImageColumnToken) {
			return i, true
		}
	}
	return -1, false
}

// Annotate classifies every data row of doc and fills each row that is not a
// selfie. Row failures are filled like non-selfies and never abort the run;
// only a missing image column or a cancelled ctx does, and then no row is
// modified.
func (a *Annotator) Annotate(ctx context.Context, doc Document) (*Report, error) {
	col, ok := FindImageColumn(doc.Header())
	if !ok {
		return nil, ErrImageColumnNotFound
	}

	results := make([]RowResult, doc.Len()-1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for row := 1; row < doc.Len(); row++ {
		if ctx.Err() != nil {
			break
		}
		row, value := row, doc.Cell(row, col)
		g.Go(func() error {
			results[row-1] = a.classifyRow(gctx, row, value)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &Report{ImageColumn: col + 1, Rows: results, Total: len(results)}
	for _, r := range results {
		switch r.Outcome {
		case OutcomeSelfie:
			report.Selfies++
			continue
		case OutcomeError:
			report.Failed++
		}
		report.Flagged++
		if err := doc.FillRow(r.Row, a.fill); err != nil {
			return nil, fmt.Errorf("fill row %d: %w", r.Row+1, err)
		}
	}

	a.logger.Info("annotation finished",
		zap.Int("image_column", report.ImageColumn),
		zap.Int("rows", report.Total),
		zap.Int("flagged", report.Flagged),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (a *Annotator) classifyRow(ctx context.Context, row int, value string) RowResult {
	result := RowResult{Row: row, URL: strings.TrimSpace(value)}
	if !urlcheck.IsValid(value) {
		result.Outcome = OutcomeNotSelfie
		return result
	}

	score, err := a.classifier.Classify(ctx, result.URL)
	if err != nil {
		a.logger.Warn("row classification failed",
			zap.Int("row", row+1),
			zap.String("url", result.URL),
			zap.Error(err),
		)
		result.Outcome = OutcomeError
		result.Err = err
		return result
	}

	result.Score = score
	if classifier.IsSelfie(score) {
		result.Outcome = OutcomeSelfie
	} else {
		result.Outcome = OutcomeNotSelfie
	}
	return result
}
