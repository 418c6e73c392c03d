package capture

import (
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"
)

// ErrEmptyFrame is returned when preprocessing an empty frame.
var ErrEmptyFrame = errors.New("empty frame")

// Tensor is a dense [1, H, W, 3] RGB image in [0, 1], row-major with the
// origin at the top-left.
type Tensor struct {
	Data   []float32
	Width  int
	Height int

	// Crop is the region of the source frame the tensor was taken from.
	Crop image.Rectangle
	// Mirrored is set when the tensor is a horizontal flip of Crop.
	Mirrored bool
}

// NewTensor allocates a zeroed tensor.
func NewTensor(width, height int) *Tensor {
	return &Tensor{
		Data:   make([]float32, width*height*3),
		Width:  width,
		Height: height,
		Crop:   image.Rect(0, 0, width, height),
	}
}

// At returns channel c of the pixel at row y, column x.
func (t *Tensor) At(y, x, c int) float32 {
	return t.Data[(y*t.Width+x)*3+c]
}

// Set writes channel c of the pixel at row y, column x.
func (t *Tensor) Set(y, x, c int, v float32) {
	t.Data[(y*t.Width+x)*3+c] = v
}

// ToFrame maps a normalised tensor coordinate back to source frame pixels.
func (t *Tensor) ToFrame(x, y float32) image.Point {
	return CropToFrame(t.Crop, t.Mirrored, x, y)
}

// CropToFrame maps a normalised coordinate inside crop to frame pixels,
// undoing a horizontal flip when mirrored is set.
func CropToFrame(crop image.Rectangle, mirrored bool, x, y float32) image.Point {
	if mirrored {
		x = 1 - x
	}
	return image.Point{
		X: crop.Min.X + int(x*float32(crop.Dx())),
		Y: crop.Min.Y + int(y*float32(crop.Dy())),
	}
}

// Preprocessor turns frames into model input.
type Preprocessor struct {
	Width  int
	Height int
	// Mirror flips the input horizontally, as a selfie view.
	Mirror bool
}

// NewPreprocessor returns a Preprocessor for a width x height model input.
func NewPreprocessor(width, height int, mirror bool) *Preprocessor {
	return &Preprocessor{Width: width, Height: height, Mirror: mirror}
}

// FromMat crops the centre of a BGR frame to the input aspect ratio, resizes
// it, converts to RGB and scales to [0, 1].
func (p *Preprocessor) FromMat(frame *gocv.Mat) (*Tensor, error) {
	if frame == nil || frame.Empty() {
		return nil, ErrEmptyFrame
	}
	if frame.Channels() != 3 {
		return nil, fmt.Errorf("frame has %d channels, want 3", frame.Channels())
	}

	crop := FillRect(frame.Cols(), frame.Rows(), p.Width, p.Height)

	region := frame.Region(crop)
	defer region.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(region, &resized, image.Pt(p.Width, p.Height), 0, 0, gocv.InterpolationLinear)

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(resized, &rgb, gocv.ColorBGRToRGB)

	if p.Mirror {
		flipped := gocv.NewMat()
		defer flipped.Close()
		gocv.Flip(rgb, &flipped, 1)
		flipped.CopyTo(&rgb)
	}

	pix := rgb.ToBytes()
	t := NewTensor(p.Width, p.Height)
	if len(pix) != len(t.Data) {
		return nil, fmt.Errorf("resized frame has %d bytes, want %d", len(pix), len(t.Data))
	}
	for i, v := range pix {
		t.Data[i] = float32(v) / 255
	}
	t.Crop = crop
	t.Mirrored = p.Mirror

	return t, nil
}

// FromImage does what FromMat does for a decoded image, such as an upload.
func (p *Preprocessor) FromImage(img image.Image) (*Tensor, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrEmptyFrame
	}

	b := img.Bounds()
	crop := FillRect(b.Dx(), b.Dy(), p.Width, p.Height)

	dst := imaging.Fill(img, p.Width, p.Height, imaging.Center, imaging.Linear)
	if p.Mirror {
		dst = imaging.FlipH(dst)
	}

	t := NewTensor(p.Width, p.Height)
	for y := 0; y < p.Height; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+p.Width*4]
		for x := 0; x < p.Width; x++ {
			px := row[x*4 : x*4+3]
			t.Set(y, x, 0, float32(px[0])/255)
			t.Set(y, x, 1, float32(px[1])/255)
			t.Set(y, x, 2, float32(px[2])/255)
		}
	}
	t.Crop = crop
	t.Mirrored = p.Mirror

	return t, nil
}

// FillRect returns the largest centred rectangle of a srcW x srcH frame
// with the aspect ratio of dstW x dstH.
func FillRect(srcW, srcH, dstW, dstH int) image.Rectangle {
	if dstW <= 0 || dstH <= 0 {
		return image.Rect(0, 0, srcW, srcH)
	}
	if srcW*dstH > srcH*dstW {
		w := srcH * dstW / dstH
		x0 := (srcW - w) / 2
		return image.Rect(x0, 0, x0+w, srcH)
	}
	h := srcW * dstH / dstW
	y0 := (srcH - h) / 2
	return image.Rect(0, y0, srcW, y0+h)
}
