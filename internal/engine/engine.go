// Package engine runs the palm detection model on a native inference runtime.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Backend identifies an inference runtime.
type Backend string

const (
	// BackendTFLite runs .tflite models through the TensorFlow Lite C API.
	BackendTFLite Backend = "tflite"
	// BackendONNX runs .onnx models through ONNX Runtime.
	BackendONNX Backend = "onnx"
)

var (
	// ErrClosed is returned when invoking an engine after Close.
	ErrClosed = errors.New("engine is closed")
	// ErrUnknownBackend is returned for an unsupported backend or model extension.
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrModel is returned when the runtime rejects the model or its tensors.
	ErrModel = errors.New("invalid model")
)

// Layout describes the tensors of a loaded model.
type Layout struct {
	InputWidth  int
	InputHeight int
	NumAnchors  int
	NumCoords   int
}

// InputSize returns the number of values in the [1, H, W, 3] input tensor.
func (l Layout) InputSize() int {
	return l.InputWidth * l.InputHeight * 3
}

// Outputs holds one inference pass. The slices are owned by the caller.
type Outputs struct {
	Regressors []float32
	Scores     []float32
	NumAnchors int
	NumCoords  int
}

// Engine is a loaded model ready for inference.
type Engine interface {
	// Invoke runs the model on a [1, H, W, 3] RGB input in [0, 1].
	Invoke(ctx context.Context, input []float32) (Outputs, error)

	// Layout returns the model's tensor layout.
	Layout() Layout

	// Close releases the native resources. It is safe to call more than once.
	Close() error
}

// Config holds runtime options.
type Config struct {
	// Backend selects the runtime. Empty means infer from the model file extension.
	Backend Backend

	// NumThreads is the interpreter thread count; 0 keeps the runtime default.
	NumThreads int

	// SharedLibraryPath points at the onnxruntime shared library (ONNX only).
	SharedLibraryPath string

	// Tensor names and shapes for ONNX models, which are bound up front.
	InputName      string
	RegressorsName string
	ScoresName     string
	InputWidth     int
	InputHeight    int
	NumAnchors     int
	NumCoords      int

	// ChannelsFirst feeds ONNX models a [1, 3, H, W] input.
	ChannelsFirst bool
}

// DefaultConfig returns a Config for the palm detection model.
func DefaultConfig() Config {
	return Config{
		NumThreads:     0,
		InputName:      "input",
		RegressorsName: "regressors",
		ScoresName:     "classificators",
		InputWidth:     256,
		InputHeight:    256,
		NumAnchors:     2944,
		NumCoords:      18,
	}
}

// BackendFor returns the backend matching a model file extension.
func BackendFor(path string) (Backend, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tflite":
		return BackendTFLite, nil
	case ".onnx":
		return BackendONNX, nil
	default:
		return "", fmt.Errorf("model %s: %w", filepath.Base(path), ErrUnknownBackend)
	}
}

// Load creates an engine from an in-memory model.
func Load(modelBytes []byte, cfg Config) (Engine, error) {
	if len(modelBytes) == 0 {
		return nil, fmt.Errorf("empty model data: %w", ErrModel)
	}

	switch cfg.Backend {
	case BackendTFLite:
		e, err := newTFLiteEngine(modelBytes, cfg)
		if err != nil {
			return nil, err
		}
		return e, nil
	case BackendONNX:
		e, err := newONNXEngine(modelBytes, cfg)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("backend %q: %w", cfg.Backend, ErrUnknownBackend)
	}
}

// LoadFile reads a model from disk and creates an engine for it.
func LoadFile(path string, cfg Config) (Engine, error) {
	if cfg.Backend == "" {
		backend, err := BackendFor(path)
		if err != nil {
			return nil, err
		}
		cfg.Backend = backend
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}

	return Load(data, cfg)
}

func checkInput(l Layout, input []float32) error {
	if len(input) != l.InputSize() {
		return fmt.Errorf("input has %d values, want %d: %w", len(input), l.InputSize(), ErrModel)
	}
	return nil
}
