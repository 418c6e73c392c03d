package palm

import (
	"errors"
	"math"
	"testing"
)

const epsilon = 1e-6

func approx(a, b float32) bool {
	return math.Abs(float64(a-b)) < epsilon
}

// rows builds a regressor buffer from per-anchor rows padded to the row width.
func rows(numKeypoints int, values ...[]float32) []float32 {
	width := CoordsPerAnchor(numKeypoints)
	data := make([]float32, 0, len(values)*width)
	for _, v := range values {
		row := make([]float32, width)
		copy(row, v)
		data = append(data, row...)
	}
	return data
}

func mustRegressors(t *testing.T, data []float32, numAnchors, numKeypoints int) Regressors {
	t.Helper()
	r, err := NewRegressors(data, numAnchors, numKeypoints)
	if err != nil {
		t.Fatalf("NewRegressors() error = %v", err)
	}
	return r
}

func mustScores(t *testing.T, logits ...float32) Scores {
	t.Helper()
	s, err := NewScores(logits, len(logits))
	if err != nil {
		t.Fatalf("NewScores() error = %v", err)
	}
	return s
}

func toyGrid() Grid {
	return NewGrid([]Anchor{
		{CenterX: 0.25, CenterY: 0.25, ScaleX: 1, ScaleY: 1},
		{CenterX: 0.75, CenterY: 0.75, ScaleX: 1, ScaleY: 1},
	})
}

func TestDecode_EndToEnd(t *testing.T) {
	cfg := DefaultDecodeConfig()
	regs := mustRegressors(t, rows(cfg.NumKeypoints,
		[]float32{0, 0, 25.6, 25.6},
		[]float32{10, 10, 50, 50},
	), 2, cfg.NumKeypoints)
	scores := mustScores(t, 5.0, -5.0)

	det, ok := Decode(regs, scores, toyGrid(), cfg)
	if !ok {
		t.Fatal("expected a detection")
	}

	if det.Anchor != 0 {
		t.Errorf("expected anchor 0, got %d", det.Anchor)
	}

	want := Box{MinX: 0.2, MinY: 0.2, Width: 0.1, Height: 0.1}
	if !approx(det.Box.MinX, want.MinX) || !approx(det.Box.MinY, want.MinY) ||
		!approx(det.Box.Width, want.Width) || !approx(det.Box.Height, want.Height) {
		t.Errorf("box = %+v, want %+v", det.Box, want)
	}

	center := det.Box.Center()
	if !approx(center.X, 0.25) || !approx(center.Y, 0.25) {
		t.Errorf("center = %+v, want (0.25, 0.25)", center)
	}

	if len(det.Keypoints) != cfg.NumKeypoints {
		t.Fatalf("expected %d keypoints, got %d", cfg.NumKeypoints, len(det.Keypoints))
	}
	for i, kp := range det.Keypoints {
		if !approx(kp.X, 0.25) || !approx(kp.Y, 0.25) {
			t.Errorf("keypoint %d = %+v, want anchor center", i, kp)
		}
	}

	if !approx(det.Score, Sigmoid(5.0)) {
		t.Errorf("score = %f, want %f", det.Score, Sigmoid(5.0))
	}
}

func TestDecode_NoDetection(t *testing.T) {
	cfg := DefaultDecodeConfig()
	regs := mustRegressors(t, rows(cfg.NumKeypoints,
		[]float32{1, 2, 3, 4},
		[]float32{5, 6, 7, 8},
	), 2, cfg.NumKeypoints)
	scores := mustScores(t, -5.0, 0.5)

	det, ok := Decode(regs, scores, toyGrid(), cfg)
	if ok {
		t.Errorf("expected no detection, got %+v", det)
	}
	if det.Keypoints != nil {
		t.Errorf("expected no keypoints, got %v", det.Keypoints)
	}
}

func TestDecode_ThresholdIsInclusive(t *testing.T) {
	cfg := DefaultDecodeConfig()
	cfg.MinScoreThreshold = Sigmoid(0)

	regs := mustRegressors(t, rows(cfg.NumKeypoints,
		[]float32{0, 0, 10, 10},
		[]float32{0, 0, 10, 10},
	), 2, cfg.NumKeypoints)
	scores := mustScores(t, -1, 0)

	det, ok := Decode(regs, scores, toyGrid(), cfg)
	if !ok {
		t.Fatal("score equal to the threshold should be accepted")
	}
	if det.Anchor != 1 {
		t.Errorf("expected anchor 1, got %d", det.Anchor)
	}
}

func TestDecode_TieGoesToFirstAnchor(t *testing.T) {
	cfg := DefaultDecodeConfig()
	regs := mustRegressors(t, rows(cfg.NumKeypoints,
		[]float32{0, 0, 25.6, 25.6},
		[]float32{0, 0, 51.2, 51.2},
	), 2, cfg.NumKeypoints)
	scores := mustScores(t, 3, 3)

	det, ok := Decode(regs, scores, toyGrid(), cfg)
	if !ok {
		t.Fatal("expected a detection")
	}
	if det.Anchor != 0 {
		t.Errorf("expected earliest anchor 0 to win the tie, got %d", det.Anchor)
	}
	if !approx(det.Box.Width, 0.1) {
		t.Errorf("expected box from anchor 0, got %+v", det.Box)
	}
}

func TestDecode_HigherScoreWins(t *testing.T) {
	cfg := DefaultDecodeConfig()
	regs := mustRegressors(t, rows(cfg.NumKeypoints,
		[]float32{0, 0, 25.6, 25.6},
		[]float32{0, 0, 51.2, 51.2},
	), 2, cfg.NumKeypoints)
	scores := mustScores(t, 2, 4)

	det, ok := Decode(regs, scores, toyGrid(), cfg)
	if !ok {
		t.Fatal("expected a detection")
	}
	if det.Anchor != 1 {
		t.Errorf("expected anchor 1, got %d", det.Anchor)
	}
	if !approx(det.Box.MinX, 0.65) || !approx(det.Box.Width, 0.2) {
		t.Errorf("unexpected box %+v", det.Box)
	}
}

func TestDecode_ClipsLogits(t *testing.T) {
	cfg := DefaultDecodeConfig()
	cfg.ScoreClipThreshold = 1
	cfg.MinScoreThreshold = 0.7

	regs := mustRegressors(t, rows(cfg.NumKeypoints,
		[]float32{0, 0, 1, 1},
		[]float32{0, 0, 1, 1},
	), 2, cfg.NumKeypoints)
	// sigmoid(1) is about 0.731, so both clip to the same score and the first wins
	scores := mustScores(t, 50, 500)

	det, ok := Decode(regs, scores, toyGrid(), cfg)
	if !ok {
		t.Fatal("expected a detection")
	}
	if det.Anchor != 0 {
		t.Errorf("expected anchor 0 after clipping, got %d", det.Anchor)
	}
	if !approx(det.Score, Sigmoid(1)) {
		t.Errorf("score = %f, want %f", det.Score, Sigmoid(1))
	}
}

func TestDecode_Keypoints(t *testing.T) {
	cfg := DefaultDecodeConfig()

	row := []float32{0, 0, 25.6, 25.6}
	for k := 0; k < cfg.NumKeypoints; k++ {
		row = append(row, float32(k)*2.56, -float32(k)*2.56)
	}

	regs := mustRegressors(t, rows(cfg.NumKeypoints, row, nil), 2, cfg.NumKeypoints)
	scores := mustScores(t, 5, -5)

	det, ok := Decode(regs, scores, toyGrid(), cfg)
	if !ok {
		t.Fatal("expected a detection")
	}

	for k, kp := range det.Keypoints {
		wantX := 0.25 + float32(k)*0.01
		wantY := 0.25 - float32(k)*0.01
		if !approx(kp.X, wantX) || !approx(kp.Y, wantY) {
			t.Errorf("keypoint %d = %+v, want (%f, %f)", k, kp, wantX, wantY)
		}
	}
}

func TestDecode_AnchorScale(t *testing.T) {
	cfg := DefaultDecodeConfig()
	grid := NewGrid([]Anchor{{CenterX: 0.5, CenterY: 0.5, ScaleX: 2, ScaleY: 0.5}})
	regs := mustRegressors(t, rows(cfg.NumKeypoints, []float32{25.6, 25.6, 25.6, 25.6}), 1, cfg.NumKeypoints)
	scores := mustScores(t, 5)

	det, ok := Decode(regs, scores, grid, cfg)
	if !ok {
		t.Fatal("expected a detection")
	}

	if !approx(det.Box.Width, 0.2) || !approx(det.Box.Height, 0.05) {
		t.Errorf("extent = (%f, %f), want (0.2, 0.05)", det.Box.Width, det.Box.Height)
	}
	c := det.Box.Center()
	if !approx(c.X, 0.7) || !approx(c.Y, 0.55) {
		t.Errorf("center = %+v, want (0.7, 0.55)", c)
	}
}

func TestDecode_CoordinateScaleHalvesOffsets(t *testing.T) {
	cfg := DefaultDecodeConfig()
	regs := mustRegressors(t, rows(cfg.NumKeypoints,
		[]float32{12.8, -6.4, 51.2, 25.6},
		nil,
	), 2, cfg.NumKeypoints)
	scores := mustScores(t, 5, -5)
	grid := toyGrid()

	base, ok := Decode(regs, scores, grid, cfg)
	if !ok {
		t.Fatal("expected a detection")
	}

	doubled := cfg
	doubled.CoordinateScale = cfg.CoordinateScale * 2
	half, ok := Decode(regs, scores, grid, doubled)
	if !ok {
		t.Fatal("expected a detection with doubled scale")
	}

	if !approx(half.Box.Width, base.Box.Width/2) || !approx(half.Box.Height, base.Box.Height/2) {
		t.Errorf("extent not halved: base %+v, doubled scale %+v", base.Box, half.Box)
	}

	anchor := grid.At(0)
	baseOff := base.Box.Center()
	halfOff := half.Box.Center()
	if !approx(halfOff.X-anchor.CenterX, (baseOff.X-anchor.CenterX)/2) ||
		!approx(halfOff.Y-anchor.CenterY, (baseOff.Y-anchor.CenterY)/2) {
		t.Errorf("center offset not halved: base %+v, doubled scale %+v", baseOff, halfOff)
	}
}

func TestDecode_Deterministic(t *testing.T) {
	cfg := DefaultDecodeConfig()
	grid := PalmGrid()

	data := make([]float32, grid.Len()*CoordsPerAnchor(cfg.NumKeypoints))
	for i := range data {
		data[i] = float32(i%37) - 18
	}
	logits := make([]float32, grid.Len())
	for i := range logits {
		logits[i] = float32(i%11) - 5
	}

	regs := mustRegressors(t, data, grid.Len(), cfg.NumKeypoints)
	scores := mustScores(t, logits...)

	first, ok1 := Decode(regs, scores, grid, cfg)
	second, ok2 := Decode(regs, scores, grid, cfg)

	if ok1 != ok2 || first.Anchor != second.Anchor || first.Box != second.Box {
		t.Errorf("decode is not deterministic: %+v vs %+v", first, second)
	}
	// logit 5 first appears at index 10
	if first.Anchor != 10 {
		t.Errorf("expected first max-logit anchor 10, got %d", first.Anchor)
	}
}

func TestDecodeAll(t *testing.T) {
	cfg := DefaultDecodeConfig()
	grid := NewGrid([]Anchor{
		{CenterX: 0.25, CenterY: 0.25, ScaleX: 1, ScaleY: 1},
		{CenterX: 0.26, CenterY: 0.25, ScaleX: 1, ScaleY: 1},
		{CenterX: 0.75, CenterY: 0.75, ScaleX: 1, ScaleY: 1},
		{CenterX: 0.50, CenterY: 0.50, ScaleX: 1, ScaleY: 1},
	})
	box := []float32{0, 0, 25.6, 25.6}
	regs := mustRegressors(t, rows(cfg.NumKeypoints, box, box, box, box), 4, cfg.NumKeypoints)
	scores := mustScores(t, 3, 4, 2, -4)

	t.Run("suppresses overlapping boxes", func(t *testing.T) {
		dets := DecodeAll(regs, scores, grid, cfg, 0, 0.3)

		if len(dets) != 2 {
			t.Fatalf("expected 2 detections, got %d", len(dets))
		}
		if dets[0].Anchor != 1 {
			t.Errorf("expected best anchor 1 first, got %d", dets[0].Anchor)
		}
		if dets[1].Anchor != 2 {
			t.Errorf("expected anchor 2 second, got %d", dets[1].Anchor)
		}
	})

	t.Run("respects max detections", func(t *testing.T) {
		dets := DecodeAll(regs, scores, grid, cfg, 1, 0.3)

		if len(dets) != 1 {
			t.Fatalf("expected 1 detection, got %d", len(dets))
		}

		single, ok := Decode(regs, scores, grid, cfg)
		if !ok {
			t.Fatal("expected Decode to find a detection")
		}
		if dets[0].Anchor != single.Anchor || dets[0].Box != single.Box {
			t.Errorf("DecodeAll(max=1) = %+v, Decode = %+v", dets[0], single)
		}
	})

	t.Run("empty when nothing clears threshold", func(t *testing.T) {
		low := mustScores(t, -3, -3, -3, -3)
		if dets := DecodeAll(regs, low, grid, cfg, 0, 0.3); len(dets) != 0 {
			t.Errorf("expected no detections, got %d", len(dets))
		}
	})

	t.Run("ties keep index order", func(t *testing.T) {
		tied := mustScores(t, 3, 3, 3, 3)
		dets := DecodeAll(regs, tied, grid, cfg, 0, 1.0)

		if len(dets) != 4 {
			t.Fatalf("expected 4 detections, got %d", len(dets))
		}
		for i, d := range dets {
			if d.Anchor != i {
				t.Errorf("position %d holds anchor %d", i, d.Anchor)
			}
		}
	})
}

func TestBox_IoU(t *testing.T) {
	tests := []struct {
		name string
		a, b Box
		want float32
	}{
		{
			name: "identical",
			a:    Box{MinX: 0, MinY: 0, Width: 1, Height: 1},
			b:    Box{MinX: 0, MinY: 0, Width: 1, Height: 1},
			want: 1,
		},
		{
			name: "disjoint",
			a:    Box{MinX: 0, MinY: 0, Width: 1, Height: 1},
			b:    Box{MinX: 2, MinY: 2, Width: 1, Height: 1},
			want: 0,
		},
		{
			name: "half overlap",
			a:    Box{MinX: 0, MinY: 0, Width: 2, Height: 1},
			b:    Box{MinX: 1, MinY: 0, Width: 2, Height: 1},
			want: 1.0 / 3.0,
		},
		{
			name: "degenerate",
			a:    Box{MinX: 0, MinY: 0, Width: 0, Height: 0},
			b:    Box{MinX: 0, MinY: 0, Width: 1, Height: 1},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.IoU(tt.b); !approx(got, tt.want) {
				t.Errorf("IoU() = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestCheckLayout(t *testing.T) {
	grid := toyGrid()
	cfg := DefaultDecodeConfig()

	regs := mustRegressors(t, rows(cfg.NumKeypoints, nil, nil), 2, cfg.NumKeypoints)
	scores := mustScores(t, 0, 0)
	if err := CheckLayout(grid, regs, scores); err != nil {
		t.Errorf("CheckLayout() error = %v", err)
	}

	short := mustRegressors(t, rows(cfg.NumKeypoints, nil), 1, cfg.NumKeypoints)
	if err := CheckLayout(grid, short, scores); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for short regressors, got %v", err)
	}

	if err := CheckLayout(grid, regs, mustScores(t, 0, 0, 0)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for long scores, got %v", err)
	}
}
