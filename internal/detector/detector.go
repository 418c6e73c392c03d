// Package detector finds palms in preprocessed frames.
package detector

import (
	"context"

	"github.com/ayusman/handtrack/internal/capture"
	"github.com/ayusman/handtrack/internal/palm"
)

// Detector defines the interface for palm detection implementations.
type Detector interface {
	// Detect runs the model on a preprocessed frame. It returns an empty
	// slice when no palm clears the confidence threshold.
	Detect(ctx context.Context, input *capture.Tensor) ([]palm.Detection, error)

	// Close releases any resources held by the detector.
	Close() error
}

// Config holds configuration options for palm detection.
type Config struct {
	// MaxHands is the maximum number of palms to report (default: 1).
	// Values above 1 enable overlap suppression.
	MaxHands int

	// MinConfidence is the inclusive score threshold (0.0-1.0).
	MinConfidence float32

	// ScoreClip bounds raw logits before the sigmoid.
	ScoreClip float32

	// CoordinateScale is the pixel scale of the regressed offsets.
	CoordinateScale float32

	// IoUThreshold is the overlap above which a weaker palm is dropped.
	IoUThreshold float32

	// LegacyAnchorAxes reproduces the swapped feature map axes of older
	// ports. It only matters for non-square inputs.
	LegacyAnchorAxes bool
}

// DefaultConfig returns a Config with the palm model's values.
func DefaultConfig() Config {
	return Config{
		MaxHands:        1,
		MinConfidence:   0.7,
		ScoreClip:       100,
		CoordinateScale: 256,
		IoUThreshold:    0.3,
	}
}

func (c Config) decodeConfig(numKeypoints int) palm.DecodeConfig {
	return palm.DecodeConfig{
		ScoreClipThreshold: c.ScoreClip,
		MinScoreThreshold:  c.MinConfidence,
		CoordinateScale:    c.CoordinateScale,
		NumKeypoints:       numKeypoints,
	}
}
