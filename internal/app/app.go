// Package app runs the palm detection pipeline: capture, preprocess,
// detect, publish and record.
package app

import (
	"context"
	"errors"
	"image"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/handtrack/internal/capture"
	"github.com/ayusman/handtrack/internal/detector"
	"github.com/ayusman/handtrack/internal/palm"
	"github.com/ayusman/handtrack/internal/store"
)

// Pipeline timing defaults.
const (
	// IdleFPS is the frame rate while the scene is still.
	IdleFPS = 5
	// ActiveFPS is the frame rate while detecting.
	ActiveFPS = 15
	// IdleTimeout is how long the scene must stay still before idling.
	IdleTimeout = 2 * time.Second
	// subscriberBuffer is the channel size of each subscriber.
	subscriberBuffer = 4
)

// enabledSetting is the settings key holding the detection toggle.
const enabledSetting = "detection_enabled"

// Config holds configuration options for the application.
type Config struct {
	Source       capture.Source
	Detector     detector.Detector
	Preprocessor *capture.Preprocessor

	// Store records sessions and detections when set.
	Store *store.Store
	// Session describes the model and source of recorded sessions.
	Session store.Session

	IdleFPS   int
	ActiveFPS int

	// MotionGate idles the pipeline while consecutive frames do not change.
	MotionGate      bool
	MotionThreshold float64

	Debug bool
}

// FrameInfo ties a result to the frame it came from.
type FrameInfo struct {
	Width    int             `json:"width"`
	Height   int             `json:"height"`
	Crop     image.Rectangle `json:"crop"`
	Mirrored bool            `json:"mirrored"`
}

// ToFrame maps a normalised detection coordinate to frame pixels.
func (f FrameInfo) ToFrame(p palm.Point) image.Point {
	return capture.CropToFrame(f.Crop, f.Mirrored, p.X, p.Y)
}

// BoxToFrame maps a detection box to a frame rectangle.
func (f FrameInfo) BoxToFrame(b palm.Box) image.Rectangle {
	lo := f.ToFrame(palm.Point{X: b.MinX, Y: b.MinY})
	hi := f.ToFrame(palm.Point{X: b.MaxX(), Y: b.MaxY()})
	return image.Rectangle{Min: lo, Max: hi}.Canon()
}

// Result is the outcome of one detection cycle.
type Result struct {
	Seq        int64            `json:"seq"`
	Timestamp  time.Time        `json:"timestamp"`
	Detections []palm.Detection `json:"detections"`
	Latency    time.Duration    `json:"latency_ns"`
	Frame      FrameInfo        `json:"frame"`
}

// Best returns the highest scoring detection of the result.
func (r Result) Best() (palm.Detection, bool) {
	if len(r.Detections) == 0 {
		return palm.Detection{}, false
	}
	best := r.Detections[0]
	for _, d := range r.Detections[1:] {
		if d.Score > best.Score {
			best = d
		}
	}
	return best, true
}

// Stats are pipeline counters.
type Stats struct {
	Running   bool   `json:"running"`
	Enabled   bool   `json:"enabled"`
	Active    bool   `json:"active"`
	Processed int64  `json:"processed"`
	Dropped   int64  `json:"dropped"`
	Detected  int64  `json:"detected"`
	Errors    int64  `json:"errors"`
	SessionID string `json:"session_id,omitempty"`
}

// App orchestrates palm detection over a frame source.
type App struct {
	config   Config
	source   capture.Source
	detector detector.Detector
	pre      *capture.Preprocessor
	motion   *capture.MotionGate

	mu        sync.RWMutex
	enabled   bool
	stopCh    chan struct{}
	done      chan struct{}
	cancel    context.CancelFunc
	sessionID string
	latest    Result
	hasLatest bool

	frameMu   sync.Mutex
	lastFrame gocv.Mat

	subMu       sync.Mutex
	subscribers map[int]chan Result
	nextSub     int

	// lastMotion is only touched by the pipeline loop.
	lastMotion time.Time

	active    atomic.Bool
	inFlight  atomic.Bool
	wg        sync.WaitGroup
	seq       atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
	detected  atomic.Int64
	errCount  atomic.Int64
}

// New creates a new App. Detection starts enabled unless the store says otherwise.
func New(config Config) *App {
	if config.IdleFPS <= 0 {
		config.IdleFPS = IdleFPS
	}
	if config.ActiveFPS <= 0 {
		config.ActiveFPS = ActiveFPS
	}
	if config.Preprocessor == nil {
		config.Preprocessor = capture.NewPreprocessor(palm.PalmInputSize, palm.PalmInputSize, true)
	}

	a := &App{
		config:      config,
		source:      config.Source,
		detector:    config.Detector,
		pre:         config.Preprocessor,
		enabled:     true,
		lastFrame:   gocv.NewMat(),
		subscribers: make(map[int]chan Result),
	}

	if config.MotionGate {
		a.motion = capture.NewMotionGate(config.MotionThreshold)
	}

	if config.Store != nil {
		enabled, err := config.Store.Settings().GetBool(enabledSetting, true)
		if err != nil {
			log.Printf("Failed to load detection toggle: %v", err)
		} else {
			a.enabled = enabled
		}
	}

	return a
}

// SetEnabled enables or disables detection and remembers the choice.
func (a *App) SetEnabled(enabled bool) {
	a.mu.Lock()
	a.enabled = enabled
	a.mu.Unlock()

	if a.config.Store != nil {
		if err := a.config.Store.Settings().SetBool(enabledSetting, enabled); err != nil {
			log.Printf("Failed to save detection toggle: %v", err)
		}
	}
}

// IsEnabled returns whether detection is currently enabled.
func (a *App) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// IsRunning returns whether the pipeline loop is running.
func (a *App) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stopCh != nil
}

// Start opens the source, starts a recording session and runs the pipeline.
func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopCh != nil {
		return nil
	}
	if a.source == nil || a.detector == nil {
		return errors.New("app needs a source and a detector")
	}

	if err := a.source.Open(); err != nil {
		return err
	}

	a.active.Store(a.motion == nil)
	a.lastMotion = time.Now()
	fps := a.targetFPS()
	a.source.SetFPS(fps)

	if a.config.Store != nil {
		sess := a.config.Session
		sess.ID = ""
		sess.StartedAt = time.Time{}
		if err := a.config.Store.Sessions().Create(&sess); err != nil {
			log.Printf("Failed to start recording session: %v", err)
		} else {
			a.sessionID = sess.ID
			log.Printf("Recording session %s", sess.ID)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.stopCh = make(chan struct{})
	a.done = make(chan struct{})
	go func(stopCh <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		a.runPipeline(ctx, stopCh, fps)
	}(a.stopCh, a.done)

	log.Println("Detection pipeline started")
	return nil
}

// Stop halts the pipeline, waits for the cycle in flight and closes the source.
// The detector stays open; Close releases it.
func (a *App) Stop() {
	a.mu.Lock()
	if a.stopCh == nil {
		a.mu.Unlock()
		return
	}
	close(a.stopCh)
	a.stopCh = nil
	a.cancel()
	done := a.done
	sessionID := a.sessionID
	a.mu.Unlock()

	<-done
	a.wg.Wait()

	// the last cycle may still record into the session until here
	a.mu.Lock()
	if a.sessionID == sessionID {
		a.sessionID = ""
	}
	a.mu.Unlock()

	if err := a.source.Close(); err != nil {
		log.Printf("Error closing source: %v", err)
	}

	if a.motion != nil {
		a.motion.Reset()
	}

	if sessionID != "" {
		if err := a.config.Store.Sessions().End(sessionID); err != nil {
			log.Printf("Failed to end session %s: %v", sessionID, err)
		}
	}

	log.Println("Detection pipeline stopped")
}

// Close stops the pipeline and releases the detector and buffers.
func (a *App) Close() error {
	a.Stop()

	a.subMu.Lock()
	for id, ch := range a.subscribers {
		close(ch)
		delete(a.subscribers, id)
	}
	a.subMu.Unlock()

	if a.motion != nil {
		a.motion.Close()
	}

	a.frameMu.Lock()
	a.lastFrame.Close()
	a.lastFrame = gocv.NewMat()
	a.frameMu.Unlock()

	if a.detector == nil {
		return nil
	}
	return a.detector.Close()
}

// Latest returns the most recent result. ok is false before the first cycle.
func (a *App) Latest() (Result, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest, a.hasLatest
}

// Snapshot returns a copy of the last captured frame together with the
// latest result. The caller must close the Mat.
func (a *App) Snapshot() (gocv.Mat, Result, bool) {
	a.frameMu.Lock()
	defer a.frameMu.Unlock()

	if a.lastFrame.Empty() {
		return gocv.NewMat(), Result{}, false
	}
	res, _ := a.Latest()
	return a.lastFrame.Clone(), res, true
}

// Subscribe returns a channel receiving every result and a function that
// cancels the subscription. Slow subscribers miss results.
func (a *App) Subscribe() (<-chan Result, func()) {
	a.subMu.Lock()
	defer a.subMu.Unlock()

	id := a.nextSub
	a.nextSub++
	ch := make(chan Result, subscriberBuffer)
	a.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.subMu.Lock()
			defer a.subMu.Unlock()
			if c, ok := a.subscribers[id]; ok {
				close(c)
				delete(a.subscribers, id)
			}
		})
	}
}

// Stats returns the pipeline counters.
func (a *App) Stats() Stats {
	a.mu.RLock()
	running := a.stopCh != nil
	enabled := a.enabled
	sessionID := a.sessionID
	a.mu.RUnlock()

	return Stats{
		Running:   running,
		Enabled:   enabled,
		Active:    a.isActive(),
		Processed: a.processed.Load(),
		Dropped:   a.dropped.Load(),
		Detected:  a.detected.Load(),
		Errors:    a.errCount.Load(),
		SessionID: sessionID,
	}
}

// SessionID returns the ID of the session being recorded, if any.
func (a *App) SessionID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sessionID
}

// Detector returns the palm detector.
func (a *App) Detector() detector.Detector {
	return a.detector
}

// Preprocessor returns the frame preprocessor.
func (a *App) Preprocessor() *capture.Preprocessor {
	return a.pre
}

// Source returns the frame source.
func (a *App) Source() capture.Source {
	return a.source
}
