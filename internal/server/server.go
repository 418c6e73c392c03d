// Package server provides the HTTP server for the palm tracking service.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ayusman/handtrack/internal/app"
	"github.com/ayusman/handtrack/internal/detector"
	"github.com/ayusman/handtrack/internal/palm"
	"github.com/ayusman/handtrack/internal/server/api"
	"github.com/ayusman/handtrack/internal/store"
)

// Config holds the server configuration.
type Config struct {
	StaticDir string
	Store     *store.Store
	App       *app.App
	// Detector serves uploads. It defaults to the App's detector.
	Detector detector.Detector
}

// Server represents the HTTP server for the palm tracking service.
type Server struct {
	config Config
	router *mux.Router
	start  time.Time
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	if config.Detector == nil && config.App != nil {
		config.Detector = config.App.Detector()
	}

	s := &Server{
		config: config,
		router: mux.NewRouter(),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	r := s.router.PathPrefix("/api").Subrouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	if s.config.Store != nil {
		sessions := api.NewSessionHandler(s.config.Store)
		r.HandleFunc("/sessions", sessions.List).Methods(http.MethodGet)
		r.HandleFunc("/sessions/{id}", sessions.Get).Methods(http.MethodGet)
		r.HandleFunc("/sessions/{id}", sessions.Delete).Methods(http.MethodDelete)
		r.HandleFunc("/sessions/{id}/detections", sessions.Detections).Methods(http.MethodGet)
	}

	if s.config.Detector != nil {
		width, height := palm.PalmInputSize, palm.PalmInputSize
		if s.config.App != nil {
			width, height = s.config.App.Preprocessor().Width, s.config.App.Preprocessor().Height
		}
		r.Handle("/detect", api.NewDetectHandler(s.config.Detector, width, height)).Methods(http.MethodPost)
	}

	if s.config.App != nil {
		status := api.NewStatusHandler(s.config.App)
		r.HandleFunc("/status", status.Get).Methods(http.MethodGet)
		r.HandleFunc("/enabled", status.SetEnabled).Methods(http.MethodPut)

		r.Handle("/stream", NewStreamHandler(s.config.App)).Methods(http.MethodGet)
		r.Handle("/ws", NewDetectionsHandler(s.config.App)).Methods(http.MethodGet)
	}

	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.router.PathPrefix("/").Handler(fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.start)

	response := map[string]interface{}{
		"status": "ok",
		"uptime": uptime.String(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
