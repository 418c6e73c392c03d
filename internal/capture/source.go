// Package capture reads video frames and turns them into model input tensors.
package capture

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"gocv.io/x/gocv"
)

// Default capture settings
const (
	DefaultFPS    = 5
	DefaultWidth  = 640
	DefaultHeight = 480
)

var (
	// ErrSourceNotOpen is returned when reading from a source that is not open.
	ErrSourceNotOpen = errors.New("source is not open")
	// ErrEndOfStream is returned by non-looping sources after the last frame.
	ErrEndOfStream = errors.New("end of stream")
)

// Source is a stream of BGR frames, from a camera or a video file.
type Source interface {
	Open() error
	Close() error
	ReadFrame() (*gocv.Mat, error)
	SetFPS(fps int)
	FPS() int
	IsOpen() bool
}

// videoSource reads frames through an OpenCV VideoCapture.
type videoSource struct {
	device   int
	path     string
	isDevice bool
	loop     bool
	capture  *gocv.VideoCapture
	mu       sync.Mutex
	running  bool
	fps      int
}

// NewSource returns a Source for name. A name that parses as an integer is a
// camera device id; anything else is a video file path that loops at the end.
func NewSource(name string) Source {
	if id, err := strconv.Atoi(name); err == nil {
		return NewCamera(id)
	}
	return NewVideoFile(name, true)
}

// NewCamera creates a Source for a camera device.
func NewCamera(deviceID int) Source {
	return &videoSource{
		device:   deviceID,
		isDevice: true,
		fps:      DefaultFPS,
	}
}

// NewVideoFile creates a Source that plays a video file, rewinding at the
// end when loop is set.
func NewVideoFile(path string, loop bool) Source {
	return &videoSource{
		path: path,
		loop: loop,
		fps:  DefaultFPS,
	}
}

// Open opens the device or file. Cameras are asked for 640x480.
func (s *videoSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	var (
		capture *gocv.VideoCapture
		err     error
	)
	if s.isDevice {
		capture, err = gocv.OpenVideoCapture(s.device)
	} else {
		capture, err = gocv.VideoCaptureFile(s.path)
	}
	if err != nil {
		return fmt.Errorf("open source %s: %w", s.name(), err)
	}

	if s.isDevice {
		capture.Set(gocv.VideoCaptureFrameWidth, DefaultWidth)
		capture.Set(gocv.VideoCaptureFrameHeight, DefaultHeight)
		capture.Set(gocv.VideoCaptureFPS, float64(s.fps))
	}

	s.capture = capture
	s.running = true

	return nil
}

// Close releases the capture.
func (s *videoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.capture == nil {
		s.running = false
		return nil
	}

	err := s.capture.Close()
	s.capture = nil
	s.running = false

	return err
}

// ReadFrame reads the next frame. The caller must close the returned Mat.
func (s *videoSource) ReadFrame() (*gocv.Mat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.capture == nil {
		return nil, ErrSourceNotOpen
	}

	mat := gocv.NewMat()
	if ok := s.capture.Read(&mat); !ok || mat.Empty() {
		if s.isDevice || !s.loop {
			mat.Close()
			if s.isDevice {
				return nil, errors.New("failed to read frame from camera")
			}
			return nil, ErrEndOfStream
		}

		// rewind and try once more
		s.capture.Set(gocv.VideoCapturePosFrames, 0)
		if ok := s.capture.Read(&mat); !ok || mat.Empty() {
			mat.Close()
			return nil, fmt.Errorf("read %s after rewind: %w", s.path, ErrEndOfStream)
		}
	}

	return &mat, nil
}

// SetFPS sets the capture rate. Values less than or equal to 0 are ignored.
func (s *videoSource) SetFPS(fps int) {
	if fps <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.fps = fps

	if s.capture != nil && s.isDevice {
		s.capture.Set(gocv.VideoCaptureFPS, float64(fps))
	}
}

func (s *videoSource) FPS() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.fps
}

func (s *videoSource) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

func (s *videoSource) name() string {
	if s.isDevice {
		return "camera " + strconv.Itoa(s.device)
	}
	return s.path
}
