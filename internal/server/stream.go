package server

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"net/http"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/handtrack/internal/app"
	"github.com/ayusman/handtrack/internal/detector"
)

// Overlay colours.
var (
	boxColor      = color.RGBA{R: 0, G: 255, B: 0, A: 0}
	keypointColor = color.RGBA{R: 255, G: 64, B: 64, A: 0}
)

// StreamHandler serves the pipeline's frames as MJPEG with detections drawn on.
type StreamHandler struct {
	app      *app.App
	interval time.Duration
}

// NewStreamHandler creates a new StreamHandler over the app's latest frames.
func NewStreamHandler(a *app.App) *StreamHandler {
	return &StreamHandler{app: a, interval: 66 * time.Millisecond} // ~15 FPS
}

// ServeHTTP streams MJPEG frames to connected clients.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for {
		select {
		case <-r.Context().Done():
			return
		default:
		}

		frame, res, ok := h.app.Snapshot()
		if !ok {
			frame.Close()
			time.Sleep(100 * time.Millisecond)
			continue
		}

		// skip overlays computed on a frame of another size
		if res.Frame.Width == frame.Cols() && res.Frame.Height == frame.Rows() {
			drawDetections(&frame, res)
		}

		buf, err := gocv.IMEncode(".jpg", frame)
		frame.Close()
		if err != nil {
			continue
		}

		fmt.Fprintf(w, "--frame\r\n")
		fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
		fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", buf.Len())
		_, werr := w.Write(buf.GetBytes())
		fmt.Fprintf(w, "\r\n")
		buf.Close()
		if werr != nil {
			return
		}

		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		time.Sleep(h.interval)
	}
}

// drawDetections draws each palm's box, keypoints, wrist to middle finger
// axis and score onto frame.
func drawDetections(frame *gocv.Mat, res app.Result) {
	for _, pose := range detector.Describe(res.Detections) {
		rect := res.Frame.BoxToFrame(pose.Box)
		gocv.Rectangle(frame, rect, boxColor, 2)

		for _, kp := range pose.Keypoints {
			gocv.Circle(frame, res.Frame.ToFrame(kp), 4, keypointColor, -1)
		}

		wrist, okW := pose.Landmarks[detector.KeypointName(detector.Wrist)]
		middle, okM := pose.Landmarks[detector.KeypointName(detector.MiddleMCP)]
		if okW && okM {
			gocv.Line(frame, res.Frame.ToFrame(wrist), res.Frame.ToFrame(middle), keypointColor, 1)
		}

		label := fmt.Sprintf("%.2f %+.0f deg", pose.Score, pose.Rotation*180/math.Pi)
		gocv.PutText(frame, label, image.Pt(rect.Min.X, rect.Min.Y-6), gocv.FontHersheySimplex, 0.5, boxColor, 1)
	}
}
