package api

import (
	"encoding/json"
	"net/http"

	"github.com/ayusman/handtrack/internal/app"
)

// StatusHandler reports and controls the detection pipeline.
type StatusHandler struct {
	app *app.App
}

// NewStatusHandler creates a new StatusHandler for a.
func NewStatusHandler(a *app.App) *StatusHandler {
	return &StatusHandler{app: a}
}

type statusResponse struct {
	app.Stats
	Latest *app.Result `json:"latest,omitempty"`
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *StatusHandler) status() statusResponse {
	resp := statusResponse{Stats: h.app.Stats()}
	if res, ok := h.app.Latest(); ok {
		resp.Latest = &res
	}
	return resp
}

// Get handles GET /api/status.
func (h *StatusHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

// SetEnabled handles PUT /api/enabled with a body of {"enabled": bool}.
func (h *StatusHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	h.app.SetEnabled(*req.Enabled)
	writeJSON(w, http.StatusOK, h.status())
}
