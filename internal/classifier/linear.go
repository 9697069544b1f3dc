package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// LinearModel is a logistic regression over the flattened input tensor.
// It is read-only after loading.
type LinearModel struct {
	Order   ChannelOrder
	weights []float32
	bias    float32
}

type linearModelFile struct {
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	Channels     int       `json:"channels"`
	ChannelOrder string    `json:"channel_order"`
	Weights      []float32 `json:"weights"`
	Bias         float32   `json:"bias"`
}

// LoadLinearModel reads a model file from path.
func LoadLinearModel(path string) (*LinearModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", path, err)
	}
	var file linearModelFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse model %s: %w", path, err)
	}
	if file.Width != InputWidth || file.Height != InputHeight || file.Channels != InputChannels {
		return nil, fmt.Errorf("model %s expects %dx%dx%d input, want %dx%dx%d",
			path, file.Width, file.Height, file.Channels, InputWidth, InputHeight, InputChannels)
	}
	order, err := ParseChannelOrder(file.ChannelOrder)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	return NewLinearModel(file.Weights, file.Bias, order)
}

// NewLinearModel builds a model from in-memory weights.
func NewLinearModel(weights []float32, bias float32, order ChannelOrder) (*LinearModel, error) {
	if want := InputWidth * InputHeight * InputChannels; len(weights) != want {
		return nil, fmt.Errorf("model has %d weights, want %d", len(weights), want)
	}
	w := make([]float32, len(weights))
	copy(w, weights)
	return &LinearModel{Order: order, weights: w, bias: bias}, nil
}

// Score implements Scorer.
func (m *LinearModel) Score(ctx context.Context, t Tensor) (float32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(t.Data) != len(m.weights) {
		return 0, fmt.Errorf("tensor has %d values, model expects %d", len(t.Data), len(m.weights))
	}
	sum := float64(m.bias)
	for i, v := range t.Data {
		sum += float64(v) * float64(m.weights[i])
	}
	return float32(1 / (1 + math.Exp(-sum))), nil
}
