package palm

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when network output does not line up with the anchor grid.
var ErrShapeMismatch = errors.New("shape mismatch")

// Regressor row layout: box center and size first, then keypoints.
const (
	boxCoordOffset      = 0
	keypointCoordOffset = 4
	valuesPerKeypoint   = 2
)

// CoordsPerAnchor returns the regressor row width for the given keypoint count.
func CoordsPerAnchor(numKeypoints int) int {
	return keypointCoordOffset + valuesPerKeypoint*numKeypoints
}

// Regressors is a view over a [1, numAnchors, 4+2K] regressor tensor.
type Regressors struct {
	data         []float32
	numAnchors   int
	numKeypoints int
}

// NewRegressors wraps raw regressor output. The data is not copied.
func NewRegressors(data []float32, numAnchors, numKeypoints int) (Regressors, error) {
	if numAnchors < 0 || numKeypoints < 0 {
		return Regressors{}, fmt.Errorf("regressors: negative dimension: %w", ErrShapeMismatch)
	}
	want := numAnchors * CoordsPerAnchor(numKeypoints)
	if len(data) != want {
		return Regressors{}, fmt.Errorf("regressors: got %d values, want %d: %w", len(data), want, ErrShapeMismatch)
	}
	return Regressors{data: data, numAnchors: numAnchors, numKeypoints: numKeypoints}, nil
}

// Len returns the number of rows.
func (r Regressors) Len() int {
	return r.numAnchors
}

// NumKeypoints returns the number of keypoints per row.
func (r Regressors) NumKeypoints() int {
	return r.numKeypoints
}

// Row returns the regressor row for anchor i.
func (r Regressors) Row(i int) RegressorRow {
	width := CoordsPerAnchor(r.numKeypoints)
	start := i * width
	return RegressorRow{values: r.data[start : start+width : start+width]}
}

// RegressorRow holds one anchor's raw offsets in network units.
type RegressorRow struct {
	values []float32
}

// Center returns the raw box center offset.
func (r RegressorRow) Center() (x, y float32) {
	return r.values[boxCoordOffset], r.values[boxCoordOffset+1]
}

// Size returns the raw box width and height.
func (r RegressorRow) Size() (w, h float32) {
	return r.values[boxCoordOffset+2], r.values[boxCoordOffset+3]
}

// Keypoint returns the raw offset of keypoint k.
func (r RegressorRow) Keypoint(k int) (x, y float32) {
	off := keypointCoordOffset + k*valuesPerKeypoint
	return r.values[off], r.values[off+1]
}

// Scores is a view over a [1, numAnchors, 1] classificator tensor.
type Scores struct {
	logits []float32
}

// NewScores wraps raw classificator output. The data is not copied.
func NewScores(data []float32, numAnchors int) (Scores, error) {
	if len(data) != numAnchors {
		return Scores{}, fmt.Errorf("scores: got %d values, want %d: %w", len(data), numAnchors, ErrShapeMismatch)
	}
	return Scores{logits: data}, nil
}

// Len returns the number of scores.
func (s Scores) Len() int {
	return len(s.logits)
}

// Logit returns the raw score for anchor i.
func (s Scores) Logit(i int) float32 {
	return s.logits[i]
}

// CheckLayout verifies that the grid, regressors and scores describe the same
// anchors. A failure is a configuration error and should stop start-up.
func CheckLayout(grid Grid, regressors Regressors, scores Scores) error {
	if regressors.Len() != grid.Len() {
		return fmt.Errorf("regressor rows %d != anchors %d: %w", regressors.Len(), grid.Len(), ErrShapeMismatch)
	}
	if scores.Len() != grid.Len() {
		return fmt.Errorf("score rows %d != anchors %d: %w", scores.Len(), grid.Len(), ErrShapeMismatch)
	}
	return nil
}
