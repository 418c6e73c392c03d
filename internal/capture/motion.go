package capture

import (
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// Motion gate defaults
const (
	// MotionBlurSize is the Gaussian kernel applied before differencing.
	MotionBlurSize = 21
	// MotionPixelDelta is the grey-level change that marks a pixel as moved.
	MotionPixelDelta = 25
	// DefaultMotionThreshold is the share of moved pixels, in percent, that
	// counts as motion.
	DefaultMotionThreshold = 1.0
)

// MotionGate compares consecutive frames so the pipeline can idle while the
// scene is still.
type MotionGate struct {
	threshold float64
	prev      gocv.Mat
	primed    bool
	mu        sync.Mutex
}

// NewMotionGate creates a gate that opens when more than threshold percent
// of pixels change. Non-positive thresholds use DefaultMotionThreshold.
func NewMotionGate(threshold float64) *MotionGate {
	if threshold <= 0 {
		threshold = DefaultMotionThreshold
	}
	return &MotionGate{
		threshold: threshold,
		prev:      gocv.NewMat(),
	}
}

// Moved reports whether frame differs from the previous one, along with the
// percentage of changed pixels. The first frame only primes the gate.
func (g *MotionGate) Moved(frame *gocv.Mat) (bool, float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if frame == nil || frame.Empty() {
		return false, 0
	}

	gray := gocv.NewMat()
	defer gray.Close()

	if frame.Channels() > 1 {
		gocv.CvtColor(*frame, &gray, gocv.ColorBGRToGray)
	} else {
		frame.CopyTo(&gray)
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Pt(MotionBlurSize, MotionBlurSize), 0, 0, gocv.BorderDefault)

	// a resolution change restarts the comparison
	if !g.primed || blurred.Rows() != g.prev.Rows() || blurred.Cols() != g.prev.Cols() {
		blurred.CopyTo(&g.prev)
		g.primed = true
		return false, 0
	}

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(blurred, g.prev, &diff)

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.Threshold(diff, &mask, MotionPixelDelta, 255, gocv.ThresholdBinary)

	changed := float64(gocv.CountNonZero(mask)) / float64(mask.Rows()*mask.Cols()) * 100

	blurred.CopyTo(&g.prev)

	return changed > g.threshold, changed
}

// Threshold returns the current threshold in percent.
func (g *MotionGate) Threshold() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.threshold
}

// SetThreshold changes the threshold. Values less than or equal to 0 are ignored.
func (g *MotionGate) SetThreshold(threshold float64) {
	if threshold <= 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.threshold = threshold
}

// Reset drops the reference frame.
func (g *MotionGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.primed = false
}

// Close releases the reference frame.
func (g *MotionGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.prev.Close()
	g.prev = gocv.NewMat()
	g.primed = false
}
