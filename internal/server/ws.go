package server

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayusman/handtrack/internal/app"
	"github.com/ayusman/handtrack/internal/detector"
)

const writeWait = 2 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// DetectionsHandler pushes every pipeline result to WebSocket clients.
type DetectionsHandler struct {
	app     *app.App
	clients map[*websocket.Conn]bool
	mu      sync.RWMutex
}

// NewDetectionsHandler creates a new DetectionsHandler for a.
func NewDetectionsHandler(a *app.App) *DetectionsHandler {
	return &DetectionsHandler{
		app:     a,
		clients: make(map[*websocket.Conn]bool),
	}
}

// Clients returns the number of connected clients.
func (h *DetectionsHandler) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *DetectionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
	}()

	results, cancel := h.app.Subscribe()
	defer cancel()

	// the read loop notices the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if res, ok := h.app.Latest(); ok {
		if err := writeResult(conn, res); err != nil {
			return
		}
	}

	for {
		select {
		case <-closed:
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			if err := writeResult(conn, res); err != nil {
				return
			}
		}
	}
}

// resultMessage is a pipeline result with each palm's pose filled in.
type resultMessage struct {
	app.Result
	Detections []detector.Pose `json:"detections"`
}

func writeResult(conn *websocket.Conn, res app.Result) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(resultMessage{Result: res, Detections: detector.Describe(res.Detections)})
}
