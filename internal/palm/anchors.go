// Package palm decodes palm detector network output into a bounding box and keypoints.
package palm

import "math"

// Palm detector model constants.
const (
	// PalmInputSize is the square input resolution of the palm detection model.
	PalmInputSize = 256
	// PalmAnchorsPerCell is the number of aspect-ratio priors per feature map cell.
	PalmAnchorsPerCell = 2
	// PalmNumAnchors is the anchor count for a 256x256 input with PalmStrides.
	PalmNumAnchors = 2944
	// PalmNumKeypoints is the number of keypoints regressed per anchor.
	PalmNumKeypoints = 7

	anchorOffsetX = 0.5
	anchorOffsetY = 0.5
)

// PalmStrides are the per-layer strides of the palm detection model. The
// last three layers share stride 32 and each adds its own grid.
var PalmStrides = []int{8, 16, 32, 32, 32}

// Anchor is a prior box in normalized image coordinates.
type Anchor struct {
	CenterX float32
	CenterY float32
	ScaleX  float32
	ScaleY  float32
}

// Grid is an ordered, read-only sequence of anchors. The index of an anchor
// matches the row of the network output it interprets.
type Grid struct {
	anchors []Anchor
}

// Len returns the number of anchors in the grid.
func (g Grid) Len() int {
	return len(g.anchors)
}

// At returns the anchor at index i.
func (g Grid) At(i int) Anchor {
	return g.anchors[i]
}

// Anchors returns a copy of the anchors in generation order.
func (g Grid) Anchors() []Anchor {
	out := make([]Anchor, len(g.anchors))
	copy(out, g.anchors)
	return out
}

// NewGrid builds a grid from explicit anchors. The slice is copied.
func NewGrid(anchors []Anchor) Grid {
	g := Grid{anchors: make([]Anchor, len(anchors))}
	copy(g.anchors, anchors)
	return g
}

// GridOptions tweaks anchor generation.
type GridOptions struct {
	// LegacyAxisOrder derives the feature map width from the input height
	// and the feature map height from the input width. Only observable on
	// non-square inputs.
	LegacyAxisOrder bool
}

// Generate builds the anchor grid for a network input of the given size.
// Anchors are emitted layer-major, then row-major (y then x), then one per
// aspect-ratio slot. All anchors have unit scale.
func Generate(inputWidth, inputHeight int, layerStrides []int, anchorsPerCell int, opts ...GridOptions) Grid {
	var opt GridOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	anchors := make([]Anchor, 0, countAnchors(inputWidth, inputHeight, layerStrides, anchorsPerCell))

	for _, s := range layerStrides {
		if s <= 0 {
			continue
		}
		stride := float64(s)
		fmWidth := int(math.Ceil(float64(inputWidth) / stride))
		fmHeight := int(math.Ceil(float64(inputHeight) / stride))
		if opt.LegacyAxisOrder {
			fmWidth, fmHeight = fmHeight, fmWidth
		}

		for y := 0; y < fmHeight; y++ {
			for x := 0; x < fmWidth; x++ {
				a := Anchor{
					CenterX: float32((float64(x) + anchorOffsetX) / float64(fmWidth)),
					CenterY: float32((float64(y) + anchorOffsetY) / float64(fmHeight)),
					ScaleX:  1.0,
					ScaleY:  1.0,
				}
				for k := 0; k < anchorsPerCell; k++ {
					anchors = append(anchors, a)
				}
			}
		}
	}

	return Grid{anchors: anchors}
}

// PalmGrid returns the anchor grid for the palm detection model.
func PalmGrid(opts ...GridOptions) Grid {
	return Generate(PalmInputSize, PalmInputSize, PalmStrides, PalmAnchorsPerCell, opts...)
}

func countAnchors(inputWidth, inputHeight int, layerStrides []int, anchorsPerCell int) int {
	n := 0
	for _, s := range layerStrides {
		if s <= 0 {
			continue
		}
		w := (inputWidth + s - 1) / s
		h := (inputHeight + s - 1) / s
		n += w * h * anchorsPerCell
	}
	if n < 0 {
		return 0
	}
	return n
}
