package overlay

import (
	"context"
	"log"
	"sync"
	"time"

	"visionrelay/internal/pipeline"
)

// ResultSource exposes the scheduler's current result and the text of the
// last manual recognition
type ResultSource interface {
	Current() *pipeline.VisionResult
	Config() pipeline.AnalysisConfig
	LastOCRText() string
}

// FrameSink receives rendered frames
type FrameSink interface {
	Publish(frame []byte)
	Clear()
}

// LoopConfig configures the per-frame render loop
type LoopConfig struct {
	FPS     int
	Quality int
}

// LoopStats contains render counters
type LoopStats struct {
	FramesRendered uint64 `json:"frames_rendered"`
	FramesSkipped  uint64 `json:"frames_skipped"`
	RenderErrors   uint64 `json:"render_errors"`
	Cleared        uint64 `json:"cleared"`
}

// Loop renders the current result over every new source frame.
// It clears the sink whenever the source is inactive or no result exists.
type Loop struct {
	cfg       LoopConfig
	renderer  *Renderer
	getSource pipeline.SourceFunc
	results   ResultSource
	sink      FrameSink

	lastSeq    uint64
	lastResult *pipeline.VisionResult
	lastOCR    string
	cleared    bool

	stats   LoopStats
	statsMu sync.RWMutex
}

// NewLoop creates a render loop
func NewLoop(cfg LoopConfig, getSource pipeline.SourceFunc, results ResultSource, sink FrameSink) *Loop {
	if cfg.FPS <= 0 {
		cfg.FPS = 10
	}
	return &Loop{
		cfg:       cfg,
		renderer:  NewRenderer(),
		getSource: getSource,
		results:   results,
		sink:      sink,
	}
}

// Run renders until ctx is cancelled
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(l.cfg.FPS))
	defer ticker.Stop()

	log.Printf("[Overlay] Render loop started (fps: %d)", l.cfg.FPS)
	defer log.Printf("[Overlay] Render loop stopped")

	for {
		select {
		case <-ctx.Done():
			l.clear()
			return
		case <-ticker.C:
			l.RenderOnce()
		}
	}
}

// RenderOnce performs one render step
func (l *Loop) RenderOnce() {
	var src pipeline.FrameSource
	if l.getSource != nil {
		src = l.getSource()
	}
	result := l.results.Current()

	if src == nil || !src.IsActive() || result == nil {
		l.clear()
		return
	}

	frame := src.LatestFrame()
	if frame == nil || len(frame.Data) == 0 {
		l.clear()
		return
	}
	lastOCR := l.results.LastOCRText()
	if !l.cleared && frame.Seq == l.lastSeq && result == l.lastResult && lastOCR == l.lastOCR {
		l.recordSkip()
		return
	}

	nativeW, nativeH := src.NativeSize()
	displayW, displayH := src.DisplaySize()
	cfg := l.results.Config()

	data, err := l.renderer.RenderJPEG(frame.Data, result, Options{
		DisplayWidth:  displayW,
		DisplayHeight: displayH,
		NativeWidth:   nativeW,
		NativeHeight:  nativeH,
		MinScore:      cfg.DetectionThreshold,
		OCRLimit:      cfg.OverlayOCRLimit,
		Quality:       l.cfg.Quality,

		FallbackOCRText: lastOCR,
	})
	if err != nil {
		l.statsMu.Lock()
		l.stats.RenderErrors++
		l.statsMu.Unlock()
		log.Printf("[Overlay] Failed to render frame %d: %v", frame.Seq, err)
		return
	}

	l.lastSeq = frame.Seq
	l.lastResult = result
	l.lastOCR = lastOCR
	l.cleared = false
	l.sink.Publish(data)

	l.statsMu.Lock()
	l.stats.FramesRendered++
	l.statsMu.Unlock()
}

// Stats returns a copy of the render counters
func (l *Loop) Stats() LoopStats {
	l.statsMu.RLock()
	defer l.statsMu.RUnlock()
	return l.stats
}

func (l *Loop) clear() {
	if l.cleared {
		return
	}
	l.cleared = true
	l.lastSeq = 0
	l.lastResult = nil
	l.lastOCR = ""
	l.sink.Clear()

	l.statsMu.Lock()
	l.stats.Cleared++
	l.statsMu.Unlock()
}

func (l *Loop) recordSkip() {
	l.statsMu.Lock()
	l.stats.FramesSkipped++
	l.statsMu.Unlock()
}
