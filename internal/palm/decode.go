package palm

import (
	"math"
	"sort"
)

// DecodeConfig holds the decoding constants of the palm detection model.
type DecodeConfig struct {
	// ScoreClipThreshold clamps raw logits to [-t, t] before the sigmoid.
	ScoreClipThreshold float32
	// MinScoreThreshold is the inclusive post-sigmoid acceptance floor.
	MinScoreThreshold float32
	// CoordinateScale divides raw offsets on every axis before the anchor is applied.
	CoordinateScale float32
	// NumKeypoints is the number of keypoints decoded per detection.
	NumKeypoints int
}

// DefaultDecodeConfig returns the decoding constants of the palm detection model.
func DefaultDecodeConfig() DecodeConfig {
	return DecodeConfig{
		ScoreClipThreshold: 100.0,
		MinScoreThreshold:  0.7,
		CoordinateScale:    256.0,
		NumKeypoints:       PalmNumKeypoints,
	}
}

// Point is a normalized 2D image coordinate.
type Point struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// Box is an axis-aligned box in normalized image coordinates.
type Box struct {
	MinX   float32 `json:"min_x"`
	MinY   float32 `json:"min_y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

// MaxX returns the right edge of the box.
func (b Box) MaxX() float32 { return b.MinX + b.Width }

// MaxY returns the bottom edge of the box.
func (b Box) MaxY() float32 { return b.MinY + b.Height }

// Center returns the center of the box.
func (b Box) Center() Point {
	return Point{X: b.MinX + b.Width/2, Y: b.MinY + b.Height/2}
}

// Scale maps the box from normalized to pixel coordinates.
func (b Box) Scale(width, height float32) Box {
	return Box{
		MinX:   b.MinX * width,
		MinY:   b.MinY * height,
		Width:  b.Width * width,
		Height: b.Height * height,
	}
}

// Area returns the box area, zero for degenerate boxes.
func (b Box) Area() float32 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// IoU returns the intersection over union of two boxes.
func (b Box) IoU(o Box) float32 {
	x1 := max(b.MinX, o.MinX)
	y1 := max(b.MinY, o.MinY)
	x2 := min(b.MaxX(), o.MaxX())
	y2 := min(b.MaxY(), o.MaxY())

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	inter := (x2 - x1) * (y2 - y1)
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection is one decoded palm.
type Detection struct {
	Box       Box     `json:"box"`
	Keypoints []Point `json:"keypoints"`
	Score     float32 `json:"score"`
	Anchor    int     `json:"anchor"`
}

// Decode returns the highest scoring anchor at or above cfg.MinScoreThreshold,
// decoded into a box and keypoints. Ties go to the lowest anchor index.
// ok is false when no anchor clears the threshold.
//
// regressors, scores and grid must have the same length; see CheckLayout.
func Decode(regressors Regressors, scores Scores, grid Grid, cfg DecodeConfig) (det Detection, ok bool) {
	best := float32(math.Inf(-1))

	for i := 0; i < grid.Len(); i++ {
		s := score(scores.Logit(i), cfg.ScoreClipThreshold)
		if s < cfg.MinScoreThreshold {
			continue
		}
		// ties keep the earlier anchor
		if s <= best {
			continue
		}
		best = s
		det = decodeAnchor(regressors.Row(i), grid.At(i), i, s, cfg)
		ok = true
	}

	return det, ok
}

// DecodeAll returns up to maxDetections palms ordered by score, suppressing
// any candidate whose box overlaps an already kept one by more than
// iouThreshold. maxDetections <= 0 means no limit. With maxDetections == 1
// the result matches Decode.
func DecodeAll(regressors Regressors, scores Scores, grid Grid, cfg DecodeConfig, maxDetections int, iouThreshold float32) []Detection {
	type candidate struct {
		index int
		score float32
	}

	var candidates []candidate
	for i := 0; i < grid.Len(); i++ {
		s := score(scores.Logit(i), cfg.ScoreClipThreshold)
		if s < cfg.MinScoreThreshold {
			continue
		}
		candidates = append(candidates, candidate{index: i, score: s})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	var kept []Detection
	for _, c := range candidates {
		if maxDetections > 0 && len(kept) >= maxDetections {
			break
		}

		det := decodeAnchor(regressors.Row(c.index), grid.At(c.index), c.index, c.score, cfg)

		suppressed := false
		for _, k := range kept {
			if det.Box.IoU(k.Box) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, det)
		}
	}

	return kept
}

func decodeAnchor(row RegressorRow, a Anchor, index int, score float32, cfg DecodeConfig) Detection {
	scale := cfg.CoordinateScale

	cx, cy := row.Center()
	w, h := row.Size()

	cx = cx/scale*a.ScaleX + a.CenterX
	cy = cy/scale*a.ScaleY + a.CenterY
	w = w / scale * a.ScaleX
	h = h / scale * a.ScaleY

	det := Detection{
		Box: Box{
			MinX:   cx - w/2,
			MinY:   cy - h/2,
			Width:  w,
			Height: h,
		},
		Keypoints: make([]Point, cfg.NumKeypoints),
		Score:     score,
		Anchor:    index,
	}

	for k := 0; k < cfg.NumKeypoints; k++ {
		kx, ky := row.Keypoint(k)
		det.Keypoints[k] = Point{
			X: kx/scale*a.ScaleX + a.CenterX,
			Y: ky/scale*a.ScaleY + a.CenterY,
		}
	}

	return det
}

// score clamps a logit to [-clip, clip] and applies the logistic function.
func score(logit, clip float32) float32 {
	if logit < -clip {
		logit = -clip
	} else if logit > clip {
		logit = clip
	}
	return Sigmoid(logit)
}

// Sigmoid returns 1 / (1 + e^-x).
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(-float64(x))))
}
