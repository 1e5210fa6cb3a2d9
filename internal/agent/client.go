// Package agent keeps the websocket session to the conversational agent.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"visionrelay/internal/pipeline"
)

// ErrNotConnected is returned by Send while no session is open
var ErrNotConnected = errors.New("agent session not connected")

// MessageTypeContextualUpdate marks a scene description pushed to the agent
const MessageTypeContextualUpdate = "contextual_update"

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Config configures the agent session
type Config struct {
	URL            string
	APIKey         string
	SendTimeout    time.Duration
	ReconnectDelay time.Duration
}

// Message is one frame sent to the agent
type Message struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// session is one open websocket connection
type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
	done chan struct{}
	once sync.Once
}

func (s *session) write(messageType int, data []byte, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(messageType, data)
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Client sends scene updates to the agent over websocket
type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	mu      sync.RWMutex
	current *session

	sent   uint64
	failed uint64
}

// NewClient creates an unconnected client
func NewClient(cfg Config) *Client {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Connect opens a session. Any previous session is closed first.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.URL == "" {
		return fmt.Errorf("agent url not configured")
	}

	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("failed to connect to agent: %w", err)
	}

	s := &session{conn: conn, done: make(chan struct{})}

	c.mu.Lock()
	prev := c.current
	c.current = s
	c.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	go c.readPump(s)
	go c.pingLoop(s)

	log.Printf("[Agent] Connected to %s", c.cfg.URL)
	return nil
}

// Run keeps a session open until ctx is cancelled, reconnecting after failures
func (c *Client) Run(ctx context.Context) {
	for {
		if err := c.Connect(ctx); err != nil {
			log.Printf("[Agent] %v (retrying in %s)", err, c.cfg.ReconnectDelay)
		} else {
			c.mu.RLock()
			s := c.current
			c.mu.RUnlock()
			select {
			case <-ctx.Done():
				c.Close()
				return
			case <-s.done:
				log.Printf("[Agent] Session closed (reconnecting in %s)", c.cfg.ReconnectDelay)
			}
		}

		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// IsConnected reports whether a session is open
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return false
	}
	select {
	case <-c.current.done:
		return false
	default:
		return true
	}
}

// Send pushes a contextual update to the agent
func (c *Client) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	s := c.current
	c.mu.RUnlock()
	if s == nil || !c.IsConnected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(Message{Type: MessageTypeContextualUpdate, Text: text})
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}

	deadline := time.Now().Add(c.cfg.SendTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := s.write(websocket.TextMessage, data, deadline); err != nil {
		c.mu.Lock()
		c.failed++
		c.mu.Unlock()
		s.close()
		return fmt.Errorf("failed to send update: %w", err)
	}

	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
	return nil
}

// UpdateHandler adapts Send to the scheduler's update callback
func (c *Client) UpdateHandler() pipeline.UpdateHandler {
	return func(ctx context.Context, description string) error {
		return c.Send(ctx, description)
	}
}

// Counts returns the number of sent and failed updates
func (c *Client) Counts() (sent, failed uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sent, c.failed
}

// Close ends the current session
func (c *Client) Close() error {
	c.mu.Lock()
	s := c.current
	c.current = nil
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	s.mu.Lock()
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.mu.Unlock()
	s.close()
	return nil
}

func (c *Client) readPump(s *session) {
	defer s.close()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	s.conn.SetPingHandler(func(appData string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Agent] Read error: %v", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err == nil && msg.Type == "error" {
			log.Printf("[Agent] Agent reported error: %s", data)
		}
	}
}

func (c *Client) pingLoop(s *session) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				s.close()
				return
			}
		}
	}
}
