package detector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ayusman/handtrack/internal/capture"
	"github.com/ayusman/handtrack/internal/engine"
	"github.com/ayusman/handtrack/internal/palm"
)

// ErrNoInput is returned when Detect is called without a tensor.
var ErrNoInput = errors.New("no input tensor")

// PalmDetector decodes palm model output against an anchor grid built
// once for the model's input size.
type PalmDetector struct {
	config       Config
	engine       engine.Engine
	layout       engine.Layout
	grid         palm.Grid
	decode       palm.DecodeConfig
	numKeypoints int
	mu           sync.Mutex
	closed       bool
}

// NewPalmDetector wraps eng. It fails with palm.ErrShapeMismatch when the
// model's outputs do not line up with the generated anchors. The detector
// takes ownership of eng, and eng is closed when construction fails.
func NewPalmDetector(eng engine.Engine, config Config) (*PalmDetector, error) {
	layout := eng.Layout()

	if layout.NumCoords < 4 || (layout.NumCoords-4)%2 != 0 {
		eng.Close()
		return nil, fmt.Errorf("model has %d values per anchor: %w", layout.NumCoords, palm.ErrShapeMismatch)
	}

	grid := palm.Generate(layout.InputWidth, layout.InputHeight, palm.PalmStrides, palm.PalmAnchorsPerCell,
		palm.GridOptions{LegacyAxisOrder: config.LegacyAnchorAxes})
	if grid.Len() != layout.NumAnchors {
		eng.Close()
		return nil, fmt.Errorf("model has %d anchors, %dx%d input gives %d: %w",
			layout.NumAnchors, layout.InputWidth, layout.InputHeight, grid.Len(), palm.ErrShapeMismatch)
	}

	numKeypoints := (layout.NumCoords - 4) / 2

	return &PalmDetector{
		config:       config,
		engine:       eng,
		layout:       layout,
		grid:         grid,
		decode:       config.decodeConfig(numKeypoints),
		numKeypoints: numKeypoints,
	}, nil
}

// Detect runs one inference. Calls are serialised.
func (d *PalmDetector) Detect(ctx context.Context, input *capture.Tensor) ([]palm.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, engine.ErrClosed
	}
	if input == nil {
		return nil, ErrNoInput
	}
	if input.Width != d.layout.InputWidth || input.Height != d.layout.InputHeight {
		return nil, fmt.Errorf("input is %dx%d, model wants %dx%d: %w",
			input.Width, input.Height, d.layout.InputWidth, d.layout.InputHeight, palm.ErrShapeMismatch)
	}

	out, err := d.engine.Invoke(ctx, input.Data)
	if err != nil {
		return nil, fmt.Errorf("run palm model: %w", err)
	}

	regressors, err := palm.NewRegressors(out.Regressors, out.NumAnchors, d.numKeypoints)
	if err != nil {
		return nil, fmt.Errorf("read regressors: %w", err)
	}
	scores, err := palm.NewScores(out.Scores, out.NumAnchors)
	if err != nil {
		return nil, fmt.Errorf("read scores: %w", err)
	}
	if err := palm.CheckLayout(d.grid, regressors, scores); err != nil {
		return nil, err
	}

	if d.config.MaxHands <= 1 {
		det, ok := palm.Decode(regressors, scores, d.grid, d.decode)
		if !ok {
			return []palm.Detection{}, nil
		}
		return []palm.Detection{det}, nil
	}

	dets := palm.DecodeAll(regressors, scores, d.grid, d.decode, d.config.MaxHands, d.config.IoUThreshold)
	if dets == nil {
		dets = []palm.Detection{}
	}
	return dets, nil
}

// Layout returns the model layout the detector was built for.
func (d *PalmDetector) Layout() engine.Layout {
	return d.layout
}

// Close releases the engine. It is safe to call more than once.
func (d *PalmDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.engine.Close()
}
