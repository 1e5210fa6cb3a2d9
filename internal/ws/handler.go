package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"visionrelay/internal/pipeline"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SnapshotFunc returns the current result and status for a new viewer
type SnapshotFunc func() (result *pipeline.VisionResult, schedulerID, status string)

// Handler handles WebSocket connections for live vision results
type Handler struct {
	hub      *VisionHub
	snapshot SnapshotFunc
}

// NewHandler creates a new WebSocket handler. snapshot may be nil.
func NewHandler(hub *VisionHub, snapshot SnapshotFunc) *Handler {
	return &Handler{hub: hub, snapshot: snapshot}
}

// ServeHTTP handles WebSocket upgrade requests on /ws/vision
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error: %v", err)
		return
	}

	log.Printf("[WS] New viewer from %s", r.RemoteAddr)

	c := h.hub.register(conn)
	h.sendSnapshot(c)

	go h.readPump(c)
}

// sendSnapshot brings a new viewer up to date before live pushes arrive
func (h *Handler) sendSnapshot(c *client) {
	if h.snapshot == nil {
		return
	}
	result, schedulerID, status := h.snapshot()

	if result != nil {
		if data, err := json.Marshal(NewResultMessage(result)); err == nil {
			c.write(websocket.TextMessage, data)
		}
	}
	if data, err := json.Marshal(NewStatusMessage(schedulerID, status)); err == nil {
		c.write(websocket.TextMessage, data)
	}
}

// readPump reads messages from the WebSocket connection
// This keeps the connection alive and handles client disconnection
func (h *Handler) readPump(c *client) {
	defer func() {
		h.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(30 * time.Second)
	done := make(chan struct{})
	defer func() {
		ticker.Stop()
		close(done)
	}()

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Read error: %v", err)
			}
			return
		}
	}
}
