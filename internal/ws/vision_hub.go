package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"visionrelay/internal/pipeline"
)

const writeWait = 10 * time.Second

// client serializes writes; gorilla connections allow one writer at a time
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// VisionHub manages WebSocket viewers of the live vision results
type VisionHub struct {
	clients map[*client]bool
	mu      sync.RWMutex
}

// NewVisionHub creates a new vision hub
func NewVisionHub() *VisionHub {
	return &VisionHub{
		clients: make(map[*client]bool),
	}
}

// register adds a viewer connection
func (h *VisionHub) register(conn *websocket.Conn) *client {
	c := &client{conn: conn}

	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()

	log.Printf("[WS] Viewer registered (total: %d)", total)
	return c
}

// unregister removes a viewer connection
func (h *VisionHub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		log.Printf("[WS] Viewer unregistered")
	}
}

// ClientCount returns the number of connected viewers
func (h *VisionHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to every viewer; failing viewers are dropped
func (h *VisionHub) Broadcast(message []byte) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(websocket.TextMessage, message); err != nil {
			log.Printf("[WS] Error sending to viewer: %v", err)
			h.unregister(c)
			c.conn.Close()
		}
	}
}

func (h *VisionHub) broadcastJSON(v any) error {
	if h.ClientCount() == 0 {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	h.Broadcast(data)
	return nil
}

// Name implements pipeline.ResultSink
func (h *VisionHub) Name() string {
	return "ws"
}

// PublishResult pushes a new VisionResult to viewers
func (h *VisionHub) PublishResult(result *pipeline.VisionResult) error {
	return h.broadcastJSON(NewResultMessage(result))
}

// PublishStatus pushes a status change to viewers
func (h *VisionHub) PublishStatus(schedulerID, status string) error {
	return h.broadcastJSON(NewStatusMessage(schedulerID, status))
}

// PublishOCR pushes manually recognized text to viewers
func (h *VisionHub) PublishOCR(schedulerID, text string) error {
	return h.broadcastJSON(NewOCRMessage(schedulerID, text))
}

// Close disconnects all viewers
func (h *VisionHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		c.mu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		c.conn.Close()
		delete(h.clients, c)
	}
}

var (
	_ pipeline.ResultSink = (*VisionHub)(nil)
	_ pipeline.StatusSink = (*VisionHub)(nil)
)
