// Package fixtures builds frames and model outputs for tests.
package fixtures

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/ayusman/handtrack/internal/engine"
	"github.com/ayusman/handtrack/internal/palm"
)

// FrameWidth and FrameHeight are the size of generated frames.
const (
	FrameWidth  = 640
	FrameHeight = 480
)

// SolidFrame returns a FrameWidth x FrameHeight BGR frame of one gray level.
// The caller must close it.
func SolidFrame(level float64) *gocv.Mat {
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(level, level, level, 0), FrameHeight, FrameWidth, gocv.MatTypeCV8UC3)
	return &m
}

// Frames returns one solid frame per level.
func Frames(levels ...float64) []*gocv.Mat {
	frames := make([]*gocv.Mat, len(levels))
	for i, l := range levels {
		frames[i] = SolidFrame(l)
	}
	return frames
}

// CloseFrames closes every frame.
func CloseFrames(frames []*gocv.Mat) {
	for _, f := range frames {
		f.Close()
	}
}

// DecodeFrame decodes an encoded image, such as one part of an MJPEG stream.
func DecodeFrame(data []byte) (*gocv.Mat, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if mat.Empty() {
		mat.Close()
		return nil, fmt.Errorf("decode frame: empty image")
	}
	return &mat, nil
}

// PalmEngine returns a mock engine shaped like the palm model.
func PalmEngine() *engine.MockEngine {
	return engine.NewMockEngine(palm.PalmNumAnchors, palm.CoordsPerAnchor(palm.PalmNumKeypoints))
}

// PlacePalm makes eng report a palm at anchor with the given raw logit.
// The box is size x size (normalised) centred on the anchor, with the wrist
// below the centre and the finger bases above it.
func PlacePalm(eng *engine.MockEngine, anchor int, logit, size float32) {
	const scale = palm.PalmInputSize

	eng.SetScore(anchor, logit)
	eng.SetRegressor(anchor, 0, 0)
	eng.SetRegressor(anchor, 1, 0)
	eng.SetRegressor(anchor, 2, size*scale)
	eng.SetRegressor(anchor, 3, size*scale)

	offsets := [palm.PalmNumKeypoints][2]float32{
		{0, 0.4},      // wrist
		{0.15, -0.3},  // index
		{0, -0.35},    // middle
		{-0.15, -0.3}, // ring
		{-0.28, -0.2}, // pinky
		{0.3, 0.25},   // thumb CMC
		{0.4, 0.05},   // thumb MCP
	}
	for k, o := range offsets {
		eng.SetRegressor(anchor, 4+2*k, o[0]*size*scale)
		eng.SetRegressor(anchor, 5+2*k, o[1]*size*scale)
	}
}
