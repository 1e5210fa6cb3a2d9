package stream

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
)

// MJPEGStream broadcasts rendered overlay frames to HTTP clients.
// It implements overlay.FrameSink.
type MJPEGStream struct {
	name         string
	clients      map[chan []byte]bool
	clientsMu    sync.RWMutex
	currentFrame []byte
	frameMu      sync.RWMutex
	frameSeq     atomic.Uint64
	closed       bool
}

// NewMJPEGStream creates a stream with no clients
func NewMJPEGStream(name string) *MJPEGStream {
	return &MJPEGStream{
		name:    name,
		clients: make(map[chan []byte]bool),
	}
}

// Publish makes frame current and sends it to every client
func (s *MJPEGStream) Publish(frame []byte) {
	if len(frame) == 0 {
		return
	}

	s.frameMu.Lock()
	s.currentFrame = frame
	s.frameMu.Unlock()
	seq := s.frameSeq.Add(1)

	s.clientsMu.RLock()
	for ch := range s.clients {
		select {
		case ch <- frame:
		default:
			// Client is slow, skip frame
		}
	}
	s.clientsMu.RUnlock()

	if seq%500 == 0 {
		log.Printf("[MJPEGStream] %s frame seq: %d", s.name, seq)
	}
}

// Clear drops the current frame; clients keep their connection
func (s *MJPEGStream) Clear() {
	s.frameMu.Lock()
	s.currentFrame = nil
	s.frameMu.Unlock()
}

// CurrentFrame returns the latest rendered frame, or nil
func (s *MJPEGStream) CurrentFrame() []byte {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	return s.currentFrame
}

// FrameSeq returns the number of frames published so far
func (s *MJPEGStream) FrameSeq() uint64 {
	return s.frameSeq.Load()
}

// ClientCount returns the number of connected clients
func (s *MJPEGStream) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Close disconnects all clients
func (s *MJPEGStream) Close() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	s.closed = true
	for ch := range s.clients {
		close(ch)
		delete(s.clients, ch)
	}
}

func (s *MJPEGStream) subscribe() (chan []byte, bool) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if s.closed {
		return nil, false
	}
	ch := make(chan []byte, 5)
	s.clients[ch] = true
	return ch, true
}

func (s *MJPEGStream) unsubscribe(ch chan []byte) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, ch)
}

// ServeHTTP serves the MJPEG stream to a client
func (s *MJPEGStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	clientCh, ok := s.subscribe()
	if !ok {
		http.Error(w, "Stream closed", http.StatusServiceUnavailable)
		return
	}
	defer s.unsubscribe(clientCh)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	log.Printf("[MJPEGStream] Client connected to %s", s.name)

	if frame := s.CurrentFrame(); frame != nil {
		writePart(w, frame)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			log.Printf("[MJPEGStream] Client disconnected from %s", s.name)
			return
		case frame, ok := <-clientCh:
			if !ok {
				return
			}
			writePart(w, frame)
			flusher.Flush()
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) {
	fmt.Fprintf(w, "--frame\r\n")
	fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
	fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frame))
	w.Write(frame)
	fmt.Fprintf(w, "\r\n")
}

// FrameFunc returns a fallback frame for snapshots, or nil
type FrameFunc func() []byte

// SnapshotHandler serves single frame snapshots
type SnapshotHandler struct {
	stream   *MJPEGStream
	fallback FrameFunc
}

// NewSnapshotHandler creates a snapshot handler. fallback is used when no
// rendered frame is available (for example, before the first result).
func NewSnapshotHandler(stream *MJPEGStream, fallback FrameFunc) *SnapshotHandler {
	return &SnapshotHandler{stream: stream, fallback: fallback}
}

// ServeHTTP serves a single JPEG snapshot
func (h *SnapshotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frame := h.stream.CurrentFrame()
	if frame == nil && h.fallback != nil {
		frame = h.fallback()
	}
	if frame == nil {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(frame)))
	w.Write(frame)
}
