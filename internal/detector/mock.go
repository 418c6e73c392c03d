package detector

import (
	"context"
	"sync"

	"github.com/ayusman/handtrack/internal/capture"
	"github.com/ayusman/handtrack/internal/palm"
)

// MockDetector is a test implementation of the Detector interface.
// It allows tests to control the detection results.
type MockDetector struct {
	mu         sync.Mutex
	detections []palm.Detection
	err        error
	calls      int
	closed     bool
}

// NewMockDetector creates a new MockDetector instance.
func NewMockDetector() *MockDetector {
	return &MockDetector{}
}

// SetDetections sets the palms that will be returned by Detect.
func (m *MockDetector) SetDetections(dets []palm.Detection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detections = dets
}

// SetError sets the error that will be returned by Detect.
func (m *MockDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns how many times Detect ran.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Closed reports whether Close was called.
func (m *MockDetector) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Detect returns the pre-configured detections or error.
func (m *MockDetector) Detect(ctx context.Context, input *capture.Tensor) ([]palm.Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.detections, nil
}

// Close marks the mock closed.
func (m *MockDetector) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// OpenPalmDetection returns an upright right palm in the middle of the frame.
func OpenPalmDetection() palm.Detection {
	det := palm.Detection{
		Box:    palm.Box{MinX: 0.35, MinY: 0.4, Width: 0.3, Height: 0.3},
		Score:  0.95,
		Anchor: 1234,
	}

	det.Keypoints = make([]palm.Point, NumKeypoints)
	det.Keypoints[Wrist] = palm.Point{X: 0.5, Y: 0.68}
	det.Keypoints[IndexMCP] = palm.Point{X: 0.56, Y: 0.46}
	det.Keypoints[MiddleMCP] = palm.Point{X: 0.5, Y: 0.44}
	det.Keypoints[RingMCP] = palm.Point{X: 0.44, Y: 0.46}
	det.Keypoints[PinkyMCP] = palm.Point{X: 0.39, Y: 0.5}
	det.Keypoints[ThumbCMC] = palm.Point{X: 0.6, Y: 0.62}
	det.Keypoints[ThumbMCP] = palm.Point{X: 0.64, Y: 0.55}

	return det
}
