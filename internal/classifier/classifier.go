// Package classifier turns fetched image bytes into a selfie decision.
//
// Images are decoded, stretched to InputWidth x InputHeight and normalized to
// [0, 1] before being handed to a Scorer. A score strictly greater than
// Threshold means "selfie".
package classifier

import (
	"context"
	"fmt"
)

const (
	// InputWidth is the width every image is resized to.
	InputWidth = 150
	// InputHeight is the height every image is resized to.
	InputHeight = 150
	// InputChannels is the number of color channels fed to the scorer.
	InputChannels = 3

	// Threshold is the fixed decision boundary for selfie scores.
	Threshold float32 = 0.5
)

// ChannelOrder selects how color channels are laid out in a Tensor.
type ChannelOrder string

const (
	// RGB keeps red, green, blue order.
	RGB ChannelOrder = "rgb"
	// BGR matches models trained on OpenCV decoded images.
	BGR ChannelOrder = "bgr"
)

// ParseChannelOrder maps a config value to a ChannelOrder. Empty means RGB.
func ParseChannelOrder(s string) (ChannelOrder, error) {
	switch ChannelOrder(s) {
	case "", RGB:
		return RGB, nil
	case BGR:
		return BGR, nil
	default:
		return "", fmt.Errorf("unknown channel order %q", s)
	}
}

// Tensor is a normalized HWC image.
type Tensor struct {
	Width    int
	Height   int
	Channels int
	Data     []float32
}

// Scorer produces a selfie confidence in [0, 1] for a preprocessed image.
// Implementations must be safe for concurrent use.
type Scorer interface {
	Score(ctx context.Context, t Tensor) (float32, error)
}

// IsSelfie applies the fixed decision threshold.
func IsSelfie(score float32) bool {
	return score > Threshold
}

// DecodeError is returned when fetched bytes are not a decodable image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ScoreError is returned when the scorer fails or yields an unusable score.
type ScoreError struct {
	Err error
}

func (e *ScoreError) Error() string {
	return fmt.Sprintf("score image: %v", e.Err)
}

func (e *ScoreError) Unwrap() error {
	return e.Err
}
