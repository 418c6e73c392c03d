package engine

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	envMu          sync.Mutex
	envInitialized bool
)

// initEnvironment loads the onnxruntime shared library once per process.
func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envInitialized {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	envInitialized = true
	return nil
}

// Shutdown tears down the onnxruntime environment if it was started. Call it
// once after every ONNX engine is closed.
func Shutdown() error {
	envMu.Lock()
	defer envMu.Unlock()

	if !envInitialized {
		return nil
	}
	envInitialized = false
	return ort.DestroyEnvironment()
}

type onnxEngine struct {
	mu            sync.Mutex
	session       *ort.AdvancedSession
	input         *ort.Tensor[float32]
	regressors    *ort.Tensor[float32]
	scores        *ort.Tensor[float32]
	layout        Layout
	channelsFirst bool
	closed        bool
}

func newONNXEngine(modelBytes []byte, cfg Config) (_ *onnxEngine, err error) {
	if cfg.InputWidth <= 0 || cfg.InputHeight <= 0 || cfg.NumAnchors <= 0 || cfg.NumCoords <= 0 {
		return nil, fmt.Errorf("onnx engine needs input and output shapes: %w", ErrModel)
	}

	if err := initEnvironment(cfg.SharedLibraryPath); err != nil {
		return nil, err
	}

	e := &onnxEngine{
		layout: Layout{
			InputWidth:  cfg.InputWidth,
			InputHeight: cfg.InputHeight,
			NumAnchors:  cfg.NumAnchors,
			NumCoords:   cfg.NumCoords,
		},
		channelsFirst: cfg.ChannelsFirst,
	}
	defer func() {
		if err != nil {
			e.release()
		}
	}()

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()

	if cfg.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}

	inputShape := ort.NewShape(1, int64(cfg.InputHeight), int64(cfg.InputWidth), 3)
	if cfg.ChannelsFirst {
		inputShape = ort.NewShape(1, 3, int64(cfg.InputHeight), int64(cfg.InputWidth))
	}

	e.input, err = ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	e.regressors, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.NumAnchors), int64(cfg.NumCoords)))
	if err != nil {
		return nil, fmt.Errorf("create regressors tensor: %w", err)
	}
	e.scores, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.NumAnchors), 1))
	if err != nil {
		return nil, fmt.Errorf("create scores tensor: %w", err)
	}

	e.session, err = ort.NewAdvancedSessionWithONNXData(
		modelBytes,
		[]string{cfg.InputName},
		[]string{cfg.RegressorsName, cfg.ScoresName},
		[]ort.ArbitraryTensor{e.input},
		[]ort.ArbitraryTensor{e.regressors, e.scores},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %v: %w", err, ErrModel)
	}

	return e, nil
}

func (e *onnxEngine) Invoke(ctx context.Context, input []float32) (Outputs, error) {
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

	if e.channelsFirst {
		toChannelsFirst(e.input.GetData(), input, e.layout.InputWidth, e.layout.InputHeight)
	} else {
		copy(e.input.GetData(), input)
	}

	if err := e.session.Run(); err != nil {
		return Outputs{}, fmt.Errorf("run session: %w", err)
	}

	return Outputs{
		Regressors: cloneFloats(e.regressors.GetData()),
		Scores:     cloneFloats(e.scores.GetData()),
		NumAnchors: e.layout.NumAnchors,
		NumCoords:  e.layout.NumCoords,
	}, nil
}

func (e *onnxEngine) Layout() Layout {
	return e.layout
}

func (e *onnxEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.release()
	return nil
}

// release destroys the session before the tensors bound to it.
func (e *onnxEngine) release() {
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	if e.input != nil {
		e.input.Destroy()
		e.input = nil
	}
	if e.regressors != nil {
		e.regressors.Destroy()
		e.regressors = nil
	}
	if e.scores != nil {
		e.scores.Destroy()
		e.scores = nil
	}
}

// toChannelsFirst rearranges an HWC buffer into CHW.
func toChannelsFirst(dst, src []float32, width, height int) {
	plane := width * height
	for i := 0; i < plane; i++ {
		dst[i] = src[i*3]
		dst[plane+i] = src[i*3+1]
		dst[2*plane+i] = src[i*3+2]
	}
}
