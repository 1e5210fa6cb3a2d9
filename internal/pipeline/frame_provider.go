package pipeline

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"log"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// staleAfter marks a source inactive when no frame arrived within this window
const staleAfter = 5 * time.Second

// LiveSourceConfig describes the video device
type LiveSourceConfig struct {
	Device        string // V4L2 path, rtsp:// or http(s):// URL
	FPS           int
	Width         int // capture size hint for V4L2
	Height        int
	DisplayWidth  int // 0 means "display at native size"
	DisplayHeight int
}

// CaptureStats contains frame capture counters
type CaptureStats struct {
	Device         string `json:"device"`
	FramesCaptured uint64 `json:"frames_captured"`
	FramesInvalid  uint64 `json:"frames_invalid"`
	LastFrameTime  int64  `json:"last_frame_time"`
}

// LiveSource captures JPEG frames with FFmpeg (or HTTP polling) and keeps
// only the latest one. It implements FrameSource.
type LiveSource struct {
	cfg     LiveSourceConfig
	running atomic.Bool
	stopCh  chan struct{}
	cmd     *exec.Cmd

	latest   atomic.Pointer[FrameData]
	frameSeq atomic.Uint64

	stats   CaptureStats
	statsMu sync.RWMutex
	mu      sync.Mutex
}

// NewLiveSource creates an idle live source
func NewLiveSource(cfg LiveSourceConfig) *LiveSource {
	if cfg.FPS <= 0 {
		cfg.FPS = 5
	}
	return &LiveSource{
		cfg:   cfg,
		stats: CaptureStats{Device: cfg.Device},
	}
}

// Start launches the capture loop
func (s *LiveSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Device == "" {
		return fmt.Errorf("no video device configured")
	}
	if s.stopCh != nil {
		return fmt.Errorf("source %s already started", s.cfg.Device)
	}

	s.stopCh = make(chan struct{})
	go s.run(s.stopCh)

	log.Printf("[LiveSource] Started capture (device: %s, fps: %d)", s.cfg.Device, s.cfg.FPS)
	return nil
}

// Stop ends the capture loop; the source becomes inactive
func (s *LiveSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil

	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.latest.Store(nil)

	log.Printf("[LiveSource] Stopped capture for %s", s.cfg.Device)
}

// IsActive returns true while fresh frames are arriving
func (s *LiveSource) IsActive() bool {
	frame := s.latest.Load()
	if frame == nil {
		return false
	}
	return time.Since(frame.Timestamp) < staleAfter
}

// NativeSize returns the decoded resolution of the latest frame
func (s *LiveSource) NativeSize() (int, int) {
	frame := s.latest.Load()
	if frame == nil {
		return 0, 0
	}
	return frame.Width, frame.Height
}

// DisplaySize returns the configured display size, or the native size
func (s *LiveSource) DisplaySize() (int, int) {
	if s.cfg.DisplayWidth > 0 && s.cfg.DisplayHeight > 0 {
		return s.cfg.DisplayWidth, s.cfg.DisplayHeight
	}
	return s.NativeSize()
}

// LatestFrame returns the most recent frame, or nil
func (s *LiveSource) LatestFrame() *FrameData {
	return s.latest.Load()
}

// Stats returns a copy of the capture statistics
func (s *LiveSource) Stats() CaptureStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}

func (s *LiveSource) run(stopCh chan struct{}) {
	s.running.Store(true)
	defer s.running.Store(false)

	if s.isHTTPImageEndpoint() {
		s.captureHTTPImages(stopCh)
		return
	}
	s.captureFFmpeg(stopCh)
}

func (s *LiveSource) isHTTPImageEndpoint() bool {
	d := s.cfg.Device
	return (strings.HasPrefix(d, "http://") || strings.HasPrefix(d, "https://")) &&
		(strings.Contains(d, ".jpg") || strings.Contains(d, ".jpeg") || strings.Contains(d, "image"))
}

func (s *LiveSource) captureHTTPImages(stopCh chan struct{}) {
	client := &http.Client{Timeout: 10 * time.Second}
	interval := time.Second / time.Duration(s.cfg.FPS)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			resp, err := client.Get(s.cfg.Device)
			if err != nil {
				log.Printf("[LiveSource] Error fetching frame from %s: %v", s.cfg.Device, err)
				continue
			}

			data, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				log.Printf("[LiveSource] Error reading frame: %v", err)
				continue
			}

			s.ingest(data)
		}
	}
}

func (s *LiveSource) ffmpegArgs() []string {
	d := s.cfg.Device
	fps := fmt.Sprintf("%d", s.cfg.FPS)

	switch {
	case strings.HasPrefix(d, "rtsp://"):
		return []string{"-rtsp_transport", "tcp", "-i", d, "-f", "image2pipe", "-vcodec", "mjpeg", "-r", fps, "-q:v", "5", "-"}
	case strings.HasPrefix(d, "http://"), strings.HasPrefix(d, "https://"):
		return []string{"-i", d, "-f", "image2pipe", "-vcodec", "mjpeg", "-r", fps, "-q:v", "5", "-"}
	default:
		args := []string{"-f", "v4l2"}
		if s.cfg.Width > 0 && s.cfg.Height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height))
		}
		return append(args, "-framerate", fps, "-i", d, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-")
	}
}

func (s *LiveSource) captureFFmpeg(stopCh chan struct{}) {
	cmd := exec.Command("ffmpeg", s.ffmpegArgs()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Printf("[LiveSource] Error creating stdout pipe: %v", err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		log.Printf("[LiveSource] Error creating stderr pipe: %v", err)
		return
	}

	if err := cmd.Start(); err != nil {
		log.Printf("[LiveSource] Error starting ffmpeg: %v", err)
		return
	}
	defer cmd.Wait()

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
		}
	}()

	buffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		n, err := stdout.Read(chunk)
		if err != nil {
			if err != io.EOF {
				log.Printf("[LiveSource] Error reading frame: %v", err)
			}
			return
		}

		buffer = append(buffer, chunk[:n]...)
		for {
			frame := extractJPEGFrame(&buffer)
			if frame == nil {
				break
			}
			s.ingest(frame)
		}
	}
}

// ingest decodes the frame header and makes it the latest frame.
// Frames that do not decode are dropped.
func (s *LiveSource) ingest(data []byte) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || cfg.Width == 0 || cfg.Height == 0 {
		s.statsMu.Lock()
		s.stats.FramesInvalid++
		s.statsMu.Unlock()
		return
	}

	now := time.Now()
	frame := &FrameData{
		Data:      data,
		Seq:       s.frameSeq.Add(1),
		Timestamp: now,
		Width:     cfg.Width,
		Height:    cfg.Height,
	}
	s.latest.Store(frame)

	s.statsMu.Lock()
	s.stats.FramesCaptured++
	s.stats.LastFrameTime = now.Unix()
	s.statsMu.Unlock()

	if frame.Seq%500 == 0 {
		log.Printf("[LiveSource] %s: frame %d (%dx%d)", s.cfg.Device, frame.Seq, cfg.Width, cfg.Height)
	}
}

// extractJPEGFrame extracts a complete JPEG frame from buffer
func extractJPEGFrame(buffer *[]byte) []byte {
	if len(*buffer) < 4 {
		return nil
	}

	// Find JPEG start marker (FFD8)
	startIdx := bytes.Index(*buffer, []byte{0xFF, 0xD8})
	if startIdx == -1 {
		return nil
	}

	// Find JPEG end marker (FFD9)
	rel := bytes.Index((*buffer)[startIdx+2:], []byte{0xFF, 0xD9})
	if rel == -1 {
		return nil
	}
	endIdx := startIdx + 2 + rel + 2

	frame := make([]byte, endIdx-startIdx)
	copy(frame, (*buffer)[startIdx:endIdx])
	*buffer = (*buffer)[endIdx:]

	return frame
}

var _ FrameSource = (*LiveSource)(nil)
