package detector

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/ayusman/handtrack/internal/capture"
	"github.com/ayusman/handtrack/internal/engine"
	"github.com/ayusman/handtrack/internal/palm"
)

const epsilon = 1e-5

func near(a, b float32) bool {
	return math.Abs(float64(a-b)) < epsilon
}

func newMockPalmDetector(t *testing.T, config Config) (*PalmDetector, *engine.MockEngine) {
	t.Helper()

	eng := engine.NewMockEngine(palm.PalmNumAnchors, palm.CoordsPerAnchor(palm.PalmNumKeypoints))
	d, err := NewPalmDetector(eng, config)
	if err != nil {
		t.Fatalf("NewPalmDetector() error = %v", err)
	}
	return d, eng
}

// setPalm places a palm of size w x h (normalised) at offset (dx, dy) from
// the center of anchor.
func setPalm(eng *engine.MockEngine, anchor int, logit, dx, dy, w, h float32) {
	eng.SetScore(anchor, logit)
	eng.SetRegressor(anchor, 0, dx*256)
	eng.SetRegressor(anchor, 1, dy*256)
	eng.SetRegressor(anchor, 2, w*256)
	eng.SetRegressor(anchor, 3, h*256)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MaxHands != 1 {
		t.Errorf("MaxHands = %d, want 1", cfg.MaxHands)
	}
	if cfg.MinConfidence != 0.7 {
		t.Errorf("MinConfidence = %v, want 0.7", cfg.MinConfidence)
	}
	if cfg.ScoreClip != 100 || cfg.CoordinateScale != 256 {
		t.Errorf("ScoreClip/CoordinateScale = %v/%v, want 100/256", cfg.ScoreClip, cfg.CoordinateScale)
	}
	if cfg.LegacyAnchorAxes {
		t.Error("LegacyAnchorAxes should be off by default")
	}
}

func TestNewPalmDetector_ShapeMismatch(t *testing.T) {
	tests := []struct {
		name       string
		numAnchors int
		numCoords  int
	}{
		{name: "too few anchors", numAnchors: 896, numCoords: 18},
		{name: "too many anchors", numAnchors: 2945, numCoords: 18},
		{name: "odd keypoint block", numAnchors: 2944, numCoords: 17},
		{name: "no box", numAnchors: 2944, numCoords: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := engine.NewMockEngine(tt.numAnchors, tt.numCoords)
			d, err := NewPalmDetector(eng, DefaultConfig())
			if !errors.Is(err, palm.ErrShapeMismatch) {
				t.Errorf("expected ErrShapeMismatch, got %v", err)
			}
			if d != nil {
				t.Error("expected no detector on error")
			}
			if !eng.Closed() {
				t.Error("a rejected engine should be closed")
			}
		})
	}
}

func TestPalmDetector_NoPalm(t *testing.T) {
	d, _ := newMockPalmDetector(t, DefaultConfig())
	defer d.Close()

	dets, err := d.Detect(context.Background(), capture.NewTensor(256, 256))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if dets == nil || len(dets) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", dets)
	}
}

func TestPalmDetector_SinglePalm(t *testing.T) {
	d, eng := newMockPalmDetector(t, DefaultConfig())
	defer d.Close()

	// anchor 0 is centred at (1/64, 1/64)
	setPalm(eng, 0, 5, 0.25, 0.5, 0.2, 0.2)
	eng.SetRegressor(0, 4, 0)
	eng.SetRegressor(0, 5, 0)
	// a weaker palm elsewhere
	setPalm(eng, 2000, 2, 0, 0, 0.1, 0.1)

	input := capture.NewTensor(256, 256)
	input.Set(3, 4, 1, 0.25)

	dets, err := d.Detect(context.Background(), input)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(dets))
	}

	det := dets[0]
	if det.Anchor != 0 {
		t.Errorf("Anchor = %d, want 0", det.Anchor)
	}
	if !near(det.Score, palm.Sigmoid(5)) {
		t.Errorf("Score = %f, want %f", det.Score, palm.Sigmoid(5))
	}

	cx, cy := float32(0.015625+0.25), float32(0.015625+0.5)
	want := palm.Box{MinX: cx - 0.1, MinY: cy - 0.1, Width: 0.2, Height: 0.2}
	if !near(det.Box.MinX, want.MinX) || !near(det.Box.MinY, want.MinY) ||
		!near(det.Box.Width, want.Width) || !near(det.Box.Height, want.Height) {
		t.Errorf("Box = %+v, want %+v", det.Box, want)
	}

	if len(det.Keypoints) != NumKeypoints {
		t.Fatalf("got %d keypoints, want %d", len(det.Keypoints), NumKeypoints)
	}
	if !near(det.Keypoints[Wrist].X, 0.015625) || !near(det.Keypoints[Wrist].Y, 0.015625) {
		t.Errorf("wrist = %+v, want the anchor center", det.Keypoints[Wrist])
	}

	// the tensor reached the engine untouched
	got := eng.LastInput()
	if got[(3*256+4)*3+1] != 0.25 {
		t.Error("input tensor was not passed to the engine")
	}
}

func TestPalmDetector_BelowThreshold(t *testing.T) {
	d, eng := newMockPalmDetector(t, DefaultConfig())
	defer d.Close()

	// sigmoid(0.8) is about 0.69
	setPalm(eng, 10, 0.8, 0, 0, 0.2, 0.2)

	dets, err := d.Detect(context.Background(), capture.NewTensor(256, 256))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(dets) != 0 {
		t.Errorf("expected no detections below threshold, got %d", len(dets))
	}
}

func TestPalmDetector_MultipleHands(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHands = 2
	d, eng := newMockPalmDetector(t, cfg)
	defer d.Close()

	// two palms on opposite sides of the frame: anchors in row 8, columns 4 and 28
	left := (8*32 + 4) * 2
	right := (8*32 + 28) * 2
	setPalm(eng, left, 6, 0, 0, 0.2, 0.2)
	setPalm(eng, right, 4, 0, 0, 0.2, 0.2)
	// a duplicate of the left palm on the neighbouring aspect slot
	setPalm(eng, left+1, 5, 0, 0, 0.2, 0.2)

	dets, err := d.Detect(context.Background(), capture.NewTensor(256, 256))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(dets) != 2 {
		t.Fatalf("expected 2 detections, got %d", len(dets))
	}
	if dets[0].Anchor != left || dets[1].Anchor != right {
		t.Errorf("anchors = %d, %d; want %d, %d", dets[0].Anchor, dets[1].Anchor, left, right)
	}
}

func TestPalmDetector_InputErrors(t *testing.T) {
	d, _ := newMockPalmDetector(t, DefaultConfig())
	defer d.Close()

	if _, err := d.Detect(context.Background(), nil); !errors.Is(err, ErrNoInput) {
		t.Errorf("expected ErrNoInput, got %v", err)
	}
	if _, err := d.Detect(context.Background(), capture.NewTensor(128, 128)); !errors.Is(err, palm.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestPalmDetector_EngineError(t *testing.T) {
	d, eng := newMockPalmDetector(t, DefaultConfig())
	defer d.Close()

	boom := errors.New("boom")
	eng.SetError(boom)

	if _, err := d.Detect(context.Background(), capture.NewTensor(256, 256)); !errors.Is(err, boom) {
		t.Errorf("expected wrapped engine error, got %v", err)
	}
}

func TestPalmDetector_Close(t *testing.T) {
	d, eng := newMockPalmDetector(t, DefaultConfig())

	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !eng.Closed() {
		t.Error("Close should close the engine")
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := d.Detect(context.Background(), capture.NewTensor(256, 256)); !errors.Is(err, engine.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestMockDetector(t *testing.T) {
	t.Run("returns no detections by default", func(t *testing.T) {
		mock := NewMockDetector()

		dets, err := mock.Detect(context.Background(), nil)

		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if len(dets) != 0 {
			t.Errorf("expected no detections, got %v", dets)
		}
	})

	t.Run("returns configured detections", func(t *testing.T) {
		mock := NewMockDetector()
		mock.SetDetections([]palm.Detection{OpenPalmDetection()})

		dets, err := mock.Detect(context.Background(), nil)

		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if len(dets) != 1 {
			t.Errorf("expected 1 detection, got %d", len(dets))
		}
		if mock.Calls() != 1 {
			t.Errorf("Calls() = %d, want 1", mock.Calls())
		}
	})

	t.Run("returns configured error", func(t *testing.T) {
		mock := NewMockDetector()

		expectedErr := errors.New("detection failed")
		mock.SetError(expectedErr)

		dets, err := mock.Detect(context.Background(), nil)

		if err != expectedErr {
			t.Errorf("expected error %v, got %v", expectedErr, err)
		}
		if dets != nil {
			t.Errorf("expected nil detections when error is set, got %v", dets)
		}
	})

	t.Run("implements Detector interface", func(t *testing.T) {
		var _ Detector = (*MockDetector)(nil)
		var _ Detector = (*PalmDetector)(nil)
	})
}

func TestOpenPalmDetection(t *testing.T) {
	det := OpenPalmDetection()

	if det.Score < 0.9 {
		t.Errorf("expected score >= 0.9, got %f", det.Score)
	}
	if len(det.Keypoints) != NumKeypoints {
		t.Fatalf("expected %d keypoints, got %d", NumKeypoints, len(det.Keypoints))
	}

	c := det.Box.Center()
	for i, p := range det.Keypoints {
		if math.Abs(float64(p.X-c.X)) > float64(det.Box.Width) || math.Abs(float64(p.Y-c.Y)) > float64(det.Box.Height) {
			t.Errorf("keypoint %s (%d) is far outside the box: %+v", KeypointName(i), i, p)
		}
	}
}
