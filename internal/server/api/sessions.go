package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ayusman/handtrack/internal/store"
)

// DefaultDetectionLimit caps detection listings without an explicit limit.
const DefaultDetectionLimit = 500

// SessionHandler handles HTTP requests for recorded sessions.
type SessionHandler struct {
	store *store.Store
}

// NewSessionHandler creates a new SessionHandler with the given store.
func NewSessionHandler(s *store.Store) *SessionHandler {
	return &SessionHandler{store: s}
}

type sessionResponse struct {
	ID          string `json:"id"`
	Model       string `json:"model"`
	Backend     string `json:"backend"`
	Source      string `json:"source"`
	InputWidth  int    `json:"input_width"`
	InputHeight int    `json:"input_height"`
	NumAnchors  int    `json:"num_anchors"`
	StartedAt   string `json:"started_at"`
	EndedAt     string `json:"ended_at,omitempty"`
	Detections  *int   `json:"detections,omitempty"`
}

type listSessionsResponse struct {
	Sessions []sessionResponse `json:"sessions"`
}

type listDetectionsResponse struct {
	SessionID  string             `json:"session_id"`
	Detections []*store.Detection `json:"detections"`
}

func toSessionResponse(sess *store.Session) sessionResponse {
	resp := sessionResponse{
		ID:          sess.ID,
		Model:       sess.Model,
		Backend:     sess.Backend,
		Source:      sess.Source,
		InputWidth:  sess.InputWidth,
		InputHeight: sess.InputHeight,
		NumAnchors:  sess.NumAnchors,
		StartedAt:   sess.StartedAt.Format(time.RFC3339),
	}
	if sess.EndedAt != nil {
		resp.EndedAt = sess.EndedAt.Format(time.RFC3339)
	}
	return resp
}

// List handles GET /api/sessions and returns all sessions, newest first.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.Sessions().List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	resp := listSessionsResponse{Sessions: make([]sessionResponse, 0, len(sessions))}
	for _, sess := range sessions {
		resp.Sessions = append(resp.Sessions, toSessionResponse(sess))
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/sessions/{id}.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sess, err := h.store.Sessions().GetByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	count, err := h.store.Detections().CountBySession(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count detections")
		return
	}

	resp := toSessionResponse(sess)
	resp.Detections = &count
	writeJSON(w, http.StatusOK, resp)
}

// Delete handles DELETE /api/sessions/{id}. Detections go with the session.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.store.Sessions().Delete(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Detections handles GET /api/sessions/{id}/detections?limit=N.
func (h *SessionHandler) Detections(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	limit := DefaultDetectionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	if _, err := h.store.Sessions().GetByID(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	dets, err := h.store.Detections().ListBySession(id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list detections")
		return
	}
	if dets == nil {
		dets = []*store.Detection{}
	}

	writeJSON(w, http.StatusOK, listDetectionsResponse{SessionID: id, Detections: dets})
}
