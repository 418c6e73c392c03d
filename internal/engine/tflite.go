package engine

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/mattn/go-tflite"
)

// tfliteEngine owns a TensorFlow Lite model, its options and interpreter.
type tfliteEngine struct {
	mu       sync.Mutex
	model    *tflite.Model
	options  *tflite.InterpreterOptions
	interp   *tflite.Interpreter
	input    *tflite.Tensor
	regIdx   int
	scoreIdx int
	layout   Layout
	closed   bool
}

func newTFLiteEngine(modelBytes []byte, cfg Config) (_ *tfliteEngine, err error) {
	e := &tfliteEngine{}
	defer func() {
		if err != nil {
			e.release()
		}
	}()

	e.model = tflite.NewModel(modelBytes)
	if e.model == nil {
		return nil, fmt.Errorf("load tflite model: %w", ErrModel)
	}

	e.options = tflite.NewInterpreterOptions()
	if cfg.NumThreads > 0 {
		e.options.SetNumThread(cfg.NumThreads)
	}
	e.options.SetErrorReporter(func(msg string, _ interface{}) {
		log.Printf("tflite: %s", msg)
	}, nil)

	e.interp = tflite.NewInterpreter(e.model, e.options)
	if e.interp == nil {
		return nil, fmt.Errorf("create tflite interpreter: %w", ErrModel)
	}

	if status := e.interp.AllocateTensors(); status != tflite.OK {
		return nil, fmt.Errorf("allocate tensors: status %v: %w", status, ErrModel)
	}

	if err := e.bindTensors(); err != nil {
		return nil, err
	}

	return e, nil
}

// bindTensors validates the input tensor and finds the two outputs. The
// classificator output is the one with a single value per anchor.
func (e *tfliteEngine) bindTensors() error {
	if n := e.interp.GetInputTensorCount(); n != 1 {
		return fmt.Errorf("expected 1 input tensor, got %d: %w", n, ErrModel)
	}

	e.input = e.interp.GetInputTensor(0)
	if e.input.Type() != tflite.Float32 {
		return fmt.Errorf("input tensor %s is not float32: %w", e.input.Name(), ErrModel)
	}
	if e.input.NumDims() != 4 || e.input.Dim(3) != 3 {
		return fmt.Errorf("input tensor %s is not [1, H, W, 3]: %w", e.input.Name(), ErrModel)
	}
	e.layout.InputHeight = e.input.Dim(1)
	e.layout.InputWidth = e.input.Dim(2)

	if n := e.interp.GetOutputTensorCount(); n != 2 {
		return fmt.Errorf("expected 2 output tensors, got %d: %w", n, ErrModel)
	}

	e.regIdx, e.scoreIdx = -1, -1
	for i := 0; i < 2; i++ {
		t := e.interp.GetOutputTensor(i)
		if t.Type() != tflite.Float32 || t.NumDims() != 3 {
			return fmt.Errorf("output tensor %s is not a float32 [1, N, C] tensor: %w", t.Name(), ErrModel)
		}
		anchors, width := t.Dim(1), t.Dim(2)
		if width == 1 {
			e.scoreIdx = i
		} else {
			e.regIdx = i
			e.layout.NumCoords = width
		}
		if e.layout.NumAnchors != 0 && e.layout.NumAnchors != anchors {
			return fmt.Errorf("output anchor counts disagree (%d vs %d): %w", e.layout.NumAnchors, anchors, ErrModel)
		}
		e.layout.NumAnchors = anchors
	}

	if e.regIdx < 0 || e.scoreIdx < 0 {
		return fmt.Errorf("could not tell regressors from classificators: %w", ErrModel)
	}

	return nil
}

func (e *tfliteEngine) Invoke(ctx context.Context, input []float32) (Outputs, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return Outputs{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Outputs{}, err
	}
	if err := checkInput(e.layout, input); err != nil {
		return Outputs{}, err
	}

	copy(e.input.Float32s(), input)

	if status := e.interp.Invoke(); status != tflite.OK {
		return Outputs{}, fmt.Errorf("invoke: status %v", status)
	}

	out := Outputs{
		Regressors: cloneFloats(e.interp.GetOutputTensor(e.regIdx).Float32s()),
		Scores:     cloneFloats(e.interp.GetOutputTensor(e.scoreIdx).Float32s()),
		NumAnchors: e.layout.NumAnchors,
		NumCoords:  e.layout.NumCoords,
	}
	return out, nil
}

func (e *tfliteEngine) Layout() Layout {
	return e.layout
}

func (e *tfliteEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.release()
	return nil
}

// release frees whatever has been acquired so far, interpreter first.
func (e *tfliteEngine) release() {
	if e.interp != nil {
		e.interp.Delete()
		e.interp = nil
	}
	if e.options != nil {
		e.options.Delete()
		e.options = nil
	}
	if e.model != nil {
		e.model.Delete()
		e.model = nil
	}
	e.input = nil
}

// cloneFloats copies runtime-owned memory into a Go slice.
func cloneFloats(src []float32) []float32 {
	dst := make([]float32, len(src))
	copy(dst, src)
	return dst
}
