package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Fetcher downloads the bytes behind an image URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Adapter composes fetching, preprocessing and scoring for a single URL.
type Adapter struct {
	fetcher Fetcher
	scorer  Scorer
	order   ChannelOrder
}

// NewAdapter wires a fetcher and a loaded scorer.
func NewAdapter(fetcher Fetcher, scorer Scorer, order ChannelOrder) *Adapter {
	if order == "" {
		order = RGB
	}
	return &Adapter{fetcher: fetcher, scorer: scorer, order: order}
}

// Classify fetches rawURL and returns the scorer's confidence.
// Fetch errors are returned unchanged, decode failures as *DecodeError and
// scorer failures as *ScoreError.
func (a *Adapter) Classify(ctx context.Context, rawURL string) (float32, error) {
	data, err := a.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return 0, err
	}

	tensor, err := Preprocess(data, a.order)
	if err != nil {
		return 0, err
	}

	score, err := a.scorer.Score(ctx, tensor)
	if err != nil {
		var scoreErr *ScoreError
		if errors.As(err, &scoreErr) {
			return 0, err
		}
		return 0, &ScoreError{Err: err}
	}
	if math.IsNaN(float64(score)) || score < 0 || score > 1 {
		return 0, &ScoreError{Err: fmt.Errorf("score %v outside [0, 1]", score)}
	}
	return score, nil
}
