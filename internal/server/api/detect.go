package api

import (
	"bytes"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/ayusman/handtrack/internal/capture"
	"github.com/ayusman/handtrack/internal/detector"
)

// MaxUploadSize is the largest image accepted by the detect endpoint.
const MaxUploadSize = 10 << 20

// DetectHandler runs palm detection on uploaded images.
type DetectHandler struct {
	detector      detector.Detector
	width, height int
}

// NewDetectHandler creates a DetectHandler feeding d with width x height input.
func NewDetectHandler(d detector.Detector, width, height int) *DetectHandler {
	return &DetectHandler{detector: d, width: width, height: height}
}

type detectResponse struct {
	Detections []detector.Pose `json:"detections"`
	Width      int             `json:"width"`
	Height     int             `json:"height"`
	Crop       image.Rectangle `json:"crop"`
	Mirrored   bool            `json:"mirrored"`
	LatencyMS  float64         `json:"latency_ms"`
}

// ServeHTTP handles POST /api/detect. The image is either the "file" field
// of a multipart form or the raw request body. ?mirror=true flips the input
// as the camera pipeline does.
func (h *DetectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mirror := false
	if v := r.URL.Query().Get("mirror"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "mirror must be a boolean")
			return
		}
		mirror = b
	}

	data, err := readUpload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to decode image")
		return
	}

	start := time.Now()

	pre := capture.NewPreprocessor(h.width, h.height, mirror)
	input, err := pre.FromImage(img)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	dets, err := h.detector.Detect(r.Context(), input)
	if err != nil {
		log.Printf("Detect on %s upload failed: %v", format, err)
		writeError(w, http.StatusInternalServerError, "detection failed")
		return
	}

	bounds := img.Bounds()
	writeJSON(w, http.StatusOK, detectResponse{
		Detections: detector.Describe(dets),
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		Crop:       input.Crop,
		Mirrored:   input.Mirrored,
		LatencyMS:  float64(time.Since(start).Microseconds()) / 1000,
	})
}

func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
			return nil, err
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return io.ReadAll(file)
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty request body")
	}
	return data, nil
}
