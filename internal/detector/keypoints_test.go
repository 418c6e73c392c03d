package detector

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/ayusman/handtrack/internal/palm"
)

func TestKeypointName(t *testing.T) {
	tests := []struct {
		k    int
		want string
	}{
		{Wrist, "wrist"},
		{MiddleMCP, "middle_mcp"},
		{ThumbMCP, "thumb_mcp"},
		{-1, ""},
		{NumKeypoints, ""},
	}

	for _, tt := range tests {
		if got := KeypointName(tt.k); got != tt.want {
			t.Errorf("KeypointName(%d) = %q, want %q", tt.k, got, tt.want)
		}
	}
}

func TestRotation(t *testing.T) {
	withMiddle := func(x, y float32) palm.Detection {
		det := palm.Detection{Keypoints: make([]palm.Point, NumKeypoints)}
		det.Keypoints[Wrist] = palm.Point{X: 0.5, Y: 0.5}
		det.Keypoints[MiddleMCP] = palm.Point{X: x, Y: y}
		return det
	}

	tests := []struct {
		name string
		det  palm.Detection
		want float64
	}{
		{name: "upright", det: withMiddle(0.5, 0.3), want: 0},
		{name: "pointing right", det: withMiddle(0.7, 0.5), want: math.Pi / 2},
		{name: "pointing left", det: withMiddle(0.3, 0.5), want: -math.Pi / 2},
		{name: "upside down", det: withMiddle(0.5, 0.7), want: -math.Pi},
		{name: "open palm preset", det: OpenPalmDetection(), want: 0},
		{name: "no keypoints", det: palm.Detection{}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Rotation(tt.det)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("Rotation() = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Run("wrist at origin and unit scale", func(t *testing.T) {
		norm := Normalize(OpenPalmDetection())

		if len(norm) != NumKeypoints {
			t.Fatalf("got %d points, want %d", len(norm), NumKeypoints)
		}
		if norm[Wrist].X != 0 || norm[Wrist].Y != 0 {
			t.Errorf("wrist = %+v, want origin", norm[Wrist])
		}

		d := math.Hypot(float64(norm[MiddleMCP].X), float64(norm[MiddleMCP].Y))
		if math.Abs(d-1) > 1e-5 {
			t.Errorf("wrist to middle MCP distance = %f, want 1", d)
		}
	})

	t.Run("no keypoints returns nil", func(t *testing.T) {
		if Normalize(palm.Detection{}) != nil {
			t.Error("expected nil for a detection without keypoints")
		}
	})

	t.Run("zero scale only translates", func(t *testing.T) {
		det := palm.Detection{Keypoints: make([]palm.Point, NumKeypoints)}
		for i := range det.Keypoints {
			det.Keypoints[i] = palm.Point{X: 0.4, Y: 0.6}
		}
		det.Keypoints[ThumbMCP] = palm.Point{X: 0.5, Y: 0.6}

		norm := Normalize(det)
		if math.Abs(float64(norm[ThumbMCP].X-0.1)) > 1e-6 {
			t.Errorf("thumb MCP X = %f, want 0.1", norm[ThumbMCP].X)
		}
	})
}

func TestDescribe(t *testing.T) {
	t.Run("open palm", func(t *testing.T) {
		det := OpenPalmDetection()
		tilted := det
		tilted.Keypoints = append([]palm.Point(nil), det.Keypoints...)
		tilted.Keypoints[MiddleMCP] = palm.Point{X: 0.74, Y: 0.68}

		poses := Describe([]palm.Detection{det, tilted})
		if len(poses) != 2 {
			t.Fatalf("got %d poses, want 2", len(poses))
		}

		p := poses[0]
		if p.Anchor != det.Anchor || p.Score != det.Score {
			t.Errorf("pose lost the detection: %+v", p.Detection)
		}
		if math.Abs(p.Rotation) > 1e-6 {
			t.Errorf("Rotation = %f, want upright", p.Rotation)
		}
		if len(p.Landmarks) != NumKeypoints {
			t.Fatalf("got %d landmarks, want %d", len(p.Landmarks), NumKeypoints)
		}
		if p.Landmarks["wrist"] != det.Keypoints[Wrist] || p.Landmarks["thumb_mcp"] != det.Keypoints[ThumbMCP] {
			t.Errorf("landmarks = %v", p.Landmarks)
		}
		if len(p.Normalized) != NumKeypoints || p.Normalized[Wrist] != (palm.Point{}) {
			t.Errorf("normalized = %v, want wrist at the origin", p.Normalized)
		}

		if math.Abs(poses[1].Rotation-math.Pi/2) > 1e-6 {
			t.Errorf("tilted Rotation = %f, want %f", poses[1].Rotation, math.Pi/2)
		}
	})

	t.Run("extra keypoints are unnamed", func(t *testing.T) {
		det := palm.Detection{Keypoints: make([]palm.Point, NumKeypoints+2)}
		if got := len(Describe([]palm.Detection{det})[0].Landmarks); got != NumKeypoints {
			t.Errorf("got %d landmarks, want %d", got, NumKeypoints)
		}
	})

	t.Run("no detections", func(t *testing.T) {
		poses := Describe(nil)
		if poses == nil || len(poses) != 0 {
			t.Errorf("Describe(nil) = %#v, want an empty slice", poses)
		}
	})
}

func TestPose_JSON(t *testing.T) {
	data, err := json.Marshal(Describe([]palm.Detection{OpenPalmDetection()})[0])
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, key := range []string{"box", "keypoints", "score", "anchor", "rotation", "landmarks", "normalized"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("missing %q in %s", key, data)
		}
	}
}
