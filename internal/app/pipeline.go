package app

import (
	"context"
	"errors"
	"log"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/handtrack/internal/capture"
	"github.com/ayusman/handtrack/internal/palm"
	"github.com/ayusman/handtrack/internal/store"
)

// runPipeline is the main detection loop.
//
// Each tick reads a frame and, while active, hands it to a single detection
// cycle. A tick that arrives while a cycle is still running drops its frame
// instead of queueing it. With the motion gate on the loop idles at IdleFPS
// until frames change, runs at ActiveFPS while they do, and falls back to
// idle after IdleTimeout without motion.
func (a *App) runPipeline(ctx context.Context, stopCh <-chan struct{}, fps int) {
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			a.tick(ctx)

			if want := a.targetFPS(); want != fps {
				fps = want
				a.source.SetFPS(fps)
				ticker.Reset(time.Second / time.Duration(fps))
				if a.active.Load() {
					log.Println("Switched to active mode")
				} else {
					log.Println("Switched to idle mode")
				}
			}
		}
	}
}

// tick runs one step of the loop.
func (a *App) tick(ctx context.Context) {
	if ctx.Err() != nil || !a.IsEnabled() {
		return
	}

	frame, err := a.source.ReadFrame()
	if err != nil {
		if !errors.Is(err, capture.ErrEndOfStream) {
			log.Printf("Error reading frame: %v", err)
		}
		return
	}
	a.keepFrame(frame)

	if !a.updateMotion(frame) {
		frame.Close()
		return
	}

	if !a.inFlight.CompareAndSwap(false, true) {
		a.dropped.Add(1)
		frame.Close()
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.inFlight.Store(false)
		defer frame.Close()

		if _, err := a.process(ctx, frame); err != nil && ctx.Err() == nil {
			a.errCount.Add(1)
			log.Printf("Error detecting palms: %v", err)
		}
	}()
}

// updateMotion feeds the motion gate and reports whether the pipeline is active.
func (a *App) updateMotion(frame *gocv.Mat) bool {
	if a.motion == nil {
		a.active.Store(true)
		return true
	}

	moved, changed := a.motion.Moved(frame)
	if moved {
		a.lastMotion = time.Now()
		a.active.Store(true)
		if a.config.Debug {
			log.Printf("Motion: %.2f%% of pixels changed", changed)
		}
		return true
	}

	if a.active.Load() && time.Since(a.lastMotion) > IdleTimeout {
		a.active.Store(false)
	}
	return a.active.Load()
}

// process runs detection on one frame, publishes the result and records any
// palms found.
func (a *App) process(ctx context.Context, frame *gocv.Mat) (Result, error) {
	start := time.Now()

	input, err := a.pre.FromMat(frame)
	if err != nil {
		return Result{}, err
	}

	dets, err := a.detector.Detect(ctx, input)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Seq:        a.seq.Add(1),
		Timestamp:  start,
		Detections: dets,
		Latency:    time.Since(start),
		Frame: FrameInfo{
			Width:    frame.Cols(),
			Height:   frame.Rows(),
			Crop:     input.Crop,
			Mirrored: input.Mirrored,
		},
	}

	if a.config.Debug {
		log.Printf("Frame %d: %d palm(s) in %v", res.Seq, len(dets), res.Latency)
	}

	a.publish(res)
	a.record(res)

	return res, nil
}

// publish stores res as the latest result and fans it out to subscribers.
func (a *App) publish(res Result) {
	a.processed.Add(1)
	if len(res.Detections) > 0 {
		a.detected.Add(1)
	}

	a.mu.Lock()
	a.latest = res
	a.hasLatest = true
	a.mu.Unlock()

	a.subMu.Lock()
	defer a.subMu.Unlock()
	for _, ch := range a.subscribers {
		select {
		case ch <- res:
		default:
		}
	}
}

// record writes the detections of res to the current session.
func (a *App) record(res Result) {
	if a.config.Store == nil || len(res.Detections) == 0 {
		return
	}

	sessionID := a.SessionID()
	if sessionID == "" {
		return
	}

	rows := make([]*store.Detection, 0, len(res.Detections))
	for _, d := range res.Detections {
		rows = append(rows, toStored(res.Seq, d))
	}

	if err := a.config.Store.Detections().Create(sessionID, rows); err != nil {
		log.Printf("Failed to record detections: %v", err)
	}
}

func toStored(seq int64, d palm.Detection) *store.Detection {
	kps := make([]store.Point, len(d.Keypoints))
	for i, p := range d.Keypoints {
		kps[i] = store.Point{X: float64(p.X), Y: float64(p.Y)}
	}
	return &store.Detection{
		FrameSeq:  seq,
		Score:     float64(d.Score),
		MinX:      float64(d.Box.MinX),
		MinY:      float64(d.Box.MinY),
		Width:     float64(d.Box.Width),
		Height:    float64(d.Box.Height),
		Keypoints: kps,
		Anchor:    d.Anchor,
	}
}

// keepFrame replaces the frame served by Snapshot.
func (a *App) keepFrame(frame *gocv.Mat) {
	a.frameMu.Lock()
	defer a.frameMu.Unlock()
	frame.CopyTo(&a.lastFrame)
}

func (a *App) isActive() bool {
	return a.active.Load()
}

func (a *App) targetFPS() int {
	if a.active.Load() {
		return a.config.ActiveFPS
	}
	return a.config.IdleFPS
}
