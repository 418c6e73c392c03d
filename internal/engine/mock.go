package engine

import (
	"context"
	"sync"
)

// MockEngine is an Engine that returns preset outputs, for tests.
type MockEngine struct {
	mu         sync.Mutex
	layout     Layout
	regressors []float32
	scores     []float32
	err        error
	calls      int
	closed     bool
	lastInput  []float32
}

// NewMockEngine creates a mock with a 256x256 input and zeroed outputs.
// Scores default to a large negative logit so nothing is detected.
func NewMockEngine(numAnchors, numCoords int) *MockEngine {
	scores := make([]float32, numAnchors)
	for i := range scores {
		scores[i] = -100
	}
	return &MockEngine{
		layout: Layout{
			InputWidth:  256,
			InputHeight: 256,
			NumAnchors:  numAnchors,
			NumCoords:   numCoords,
		},
		regressors: make([]float32, numAnchors*numCoords),
		scores:     scores,
	}
}

// SetOutputs replaces the tensors returned by Invoke.
func (m *MockEngine) SetOutputs(regressors, scores []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regressors = cloneFloats(regressors)
	m.scores = cloneFloats(scores)
}

// SetScore sets the logit of a single anchor.
func (m *MockEngine) SetScore(anchor int, logit float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[anchor] = logit
}

// SetRegressor sets one regressor value of an anchor.
func (m *MockEngine) SetRegressor(anchor, coord int, value float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regressors[anchor*m.layout.NumCoords+coord] = value
}

// SetError makes subsequent Invoke calls fail.
func (m *MockEngine) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns how many times Invoke ran.
func (m *MockEngine) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastInput returns a copy of the most recent input.
func (m *MockEngine) LastInput() []float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneFloats(m.lastInput)
}

// Closed reports whether Close was called.
func (m *MockEngine) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockEngine) Invoke(ctx context.Context, input []float32) (Outputs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Outputs{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Outputs{}, err
	}
	m.calls++
	if m.err != nil {
		return Outputs{}, m.err
	}
	if err := checkInput(m.layout, input); err != nil {
		return Outputs{}, err
	}
	m.lastInput = cloneFloats(input)

	return Outputs{
		Regressors: cloneFloats(m.regressors),
		Scores:     cloneFloats(m.scores),
		NumAnchors: m.layout.NumAnchors,
		NumCoords:  m.layout.NumCoords,
	}, nil
}

func (m *MockEngine) Layout() Layout {
	return m.layout
}

func (m *MockEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
