package detector

import (
	"math"

	"github.com/ayusman/handtrack/internal/palm"
)

// Palm keypoint indices in model output order.
const (
	Wrist        = 0
	IndexMCP     = 1
	MiddleMCP    = 2
	RingMCP      = 3
	PinkyMCP     = 4
	ThumbCMC     = 5
	ThumbMCP     = 6
	NumKeypoints = 7
)

var keypointNames = [NumKeypoints]string{
	"wrist",
	"index_mcp",
	"middle_mcp",
	"ring_mcp",
	"pinky_mcp",
	"thumb_cmc",
	"thumb_mcp",
}

// KeypointName returns the name of palm keypoint k, or "" when out of range.
func KeypointName(k int) string {
	if k < 0 || k >= NumKeypoints {
		return ""
	}
	return keypointNames[k]
}

// Rotation returns the in-plane palm angle in radians, zero when the middle
// finger points straight up from the wrist. The result is in [-pi, pi).
func Rotation(det palm.Detection) float64 {
	if len(det.Keypoints) <= MiddleMCP {
		return 0
	}
	w := det.Keypoints[Wrist]
	m := det.Keypoints[MiddleMCP]

	angle := math.Pi/2 - math.Atan2(-float64(m.Y-w.Y), float64(m.X-w.X))
	return normalizeRadians(angle)
}

func normalizeRadians(a float64) float64 {
	return a - 2*math.Pi*math.Floor((a+math.Pi)/(2*math.Pi))
}

// Normalize returns the keypoints translated so the wrist is at the origin
// and scaled so the wrist to middle MCP distance is 1. Returns nil for a
// detection without keypoints.
func Normalize(det palm.Detection) []palm.Point {
	if len(det.Keypoints) <= MiddleMCP {
		return nil
	}

	origin := det.Keypoints[Wrist]
	ref := det.Keypoints[MiddleMCP]
	scale := float32(math.Hypot(float64(ref.X-origin.X), float64(ref.Y-origin.Y)))
	if scale == 0 {
		scale = 1
	}

	out := make([]palm.Point, len(det.Keypoints))
	for i, p := range det.Keypoints {
		out[i] = palm.Point{
			X: (p.X - origin.X) / scale,
			Y: (p.Y - origin.Y) / scale,
		}
	}
	return out
}

// Pose is a detection together with the values derived from its keypoints.
type Pose struct {
	palm.Detection
	Rotation   float64               `json:"rotation"`
	Landmarks  map[string]palm.Point `json:"landmarks,omitempty"`
	Normalized []palm.Point          `json:"normalized,omitempty"`
}

// Describe derives the pose of each detection. The result is never nil.
func Describe(dets []palm.Detection) []Pose {
	poses := make([]Pose, len(dets))
	for i, det := range dets {
		pose := Pose{
			Detection:  det,
			Rotation:   Rotation(det),
			Normalized: Normalize(det),
		}
		for k, kp := range det.Keypoints {
			name := KeypointName(k)
			if name == "" {
				continue
			}
			if pose.Landmarks == nil {
				pose.Landmarks = make(map[string]palm.Point, NumKeypoints)
			}
			pose.Landmarks[name] = kp
		}
		poses[i] = pose
	}
	return poses
}
