package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scheduler runs the analysis loop for one video source and one backend.
// All backoff counters, in-flight flags and the current result live here,
// so several pipelines can run side by side.
type Scheduler struct {
	id         string
	backend    Backend
	sampler    FrameSampler
	recognizer TextRecognizer
	strategy   CadenceStrategy
	eventBus   *EventBus

	mu         sync.Mutex
	config     *AnalysisConfig
	composer   Composer
	state      SchedulerState
	current    *VisionResult
	lastOCR    string
	status     string
	generation uint64
	running    bool
	interval   time.Duration
	cancel     context.CancelFunc
	done       chan struct{}

	stats   SchedulerStats
	statsMu sync.RWMutex
}

// SchedulerConfig wires a Scheduler's collaborators
type SchedulerConfig struct {
	Backend    Backend
	Sampler    FrameSampler
	Recognizer TextRecognizer // optional
	Strategy   CadenceStrategy
	EventBus   *EventBus // optional
	Analysis   *AnalysisConfig
}

// NewScheduler creates an idle scheduler
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.Sampler == nil {
		return nil, fmt.Errorf("frame sampler is required")
	}
	if cfg.Strategy == nil {
		return nil, fmt.Errorf("cadence strategy is required")
	}

	analysis := cfg.Analysis
	if analysis == nil {
		analysis = DefaultAnalysisConfig(cfg.Backend.Kind())
	}
	eventBus := cfg.EventBus
	if eventBus == nil {
		eventBus = NewEventBus()
	}

	id := uuid.NewString()
	return &Scheduler{
		id:         id,
		backend:    cfg.Backend,
		sampler:    cfg.Sampler,
		recognizer: cfg.Recognizer,
		strategy:   cfg.Strategy,
		eventBus:   eventBus,
		config:     analysis,
		composer:   NewComposer(analysis),
		stats: SchedulerStats{
			SchedulerID: id,
			Backend:     cfg.Backend.Kind(),
		},
	}, nil
}

// ID returns the scheduler instance identifier
func (s *Scheduler) ID() string {
	return s.id
}

// Backend returns the configured backend
func (s *Scheduler) Backend() Backend {
	return s.backend
}

// Start begins the analysis loop with an immediate tick.
// interval <= 0 uses the configured interval. Returns false if already running.
func (s *Scheduler) Start(getSource SourceFunc, onUpdate UpdateHandler, interval time.Duration) bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.generation++
	gen := s.generation
	s.running = true
	s.interval = interval
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.statsMu.Lock()
	s.stats.Running = true
	s.statsMu.Unlock()

	go s.run(ctx, gen, getSource, onUpdate, done)

	log.Printf("[Scheduler] Started %s (backend: %s, generation: %d)", s.id, s.backend.Name(), gen)
	return true
}

// Stop cancels the pending tick, aborts an in-flight remote call and
// invalidates any cycle that has not resolved yet. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.generation++
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	s.statsMu.Lock()
	s.stats.Running = false
	s.statsMu.Unlock()

	log.Printf("[Scheduler] Stopped %s", s.id)
}

// Close stops the loop and waits briefly for the loop goroutine to exit
func (s *Scheduler) Close() error {
	s.Stop()

	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			log.Printf("[Scheduler] %s: loop still busy after stop, leaving it to finish", s.id)
		}
	}
	return s.backend.Close()
}

// IsRunning returns true between Start and Stop
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// State returns a copy of the scheduler state
func (s *Scheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the current VisionResult (nil before the first result).
// Callers must treat it as read-only.
func (s *Scheduler) Current() *VisionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// LastOCRText returns the text from the most recent manual recognition
func (s *Scheduler) LastOCRText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOCR
}

// Status returns the user-visible status string ("" when healthy)
func (s *Scheduler) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Config returns a copy of the active analysis config
func (s *Scheduler) Config() AnalysisConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.config
}

// UpdateConfig replaces the analysis config; it applies from the next tick
func (s *Scheduler) UpdateConfig(cfg *AnalysisConfig) {
	if cfg == nil {
		return
	}
	s.mu.Lock()
	c := *cfg
	s.config = &c
	s.composer = NewComposer(&c)
	s.mu.Unlock()

	log.Printf("[Scheduler] Updated config for %s (interval: %s)", s.id, cfg.Interval)
}

// Stats returns a copy of the scheduler statistics
func (s *Scheduler) Stats() SchedulerStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}

// SubscribeResults registers a handler for new results
func (s *Scheduler) SubscribeResults(handler ResultHandler) func() {
	return s.eventBus.Subscribe(handler)
}

// RecognizeText runs the text recognizer once on the current frame.
// It is guarded by its own flag and never blocks the analysis lock.
func (s *Scheduler) RecognizeText(ctx context.Context, src FrameSource) (string, error) {
	if s.recognizer == nil {
		return "", ErrNoRecognizer
	}
	if src == nil || !src.IsActive() {
		return "", ErrSourceUnavailable
	}
	if !s.acquireOCR() {
		return "", ErrOCRBusy
	}
	defer s.releaseOCR()

	frame, err := s.sampler.Capture(src)
	if err != nil || frame == nil {
		return "", ErrSourceUnavailable
	}

	text := s.runRecognizer(ctx, frame)

	s.mu.Lock()
	s.lastOCR = text
	s.mu.Unlock()
	return text, nil
}

// run is the self-rescheduling loop; one tick at a time, first tick immediate
func (s *Scheduler) run(ctx context.Context, gen uint64, getSource SourceFunc, onUpdate UpdateHandler, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		waiting := s.tick(ctx, gen, getSource, onUpdate)

		if ctx.Err() != nil {
			return
		}
		timer.Reset(s.delayAfter(waiting))
	}
}

// delayAfter picks the next timer delay. A tick that found no source or an
// unready backend waits the base interval, since no call was attempted.
func (s *Scheduler) delayAfter(waiting bool) time.Duration {
	if waiting {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.intervalLocked()
	}
	return s.nextDelay()
}

// nextDelay gives backoff precedence over the nominal interval
func (s *Scheduler) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy.NextDelay(&s.state, s.intervalLocked())
}

func (s *Scheduler) intervalLocked() time.Duration {
	if s.interval > 0 {
		return s.interval
	}
	return s.config.Interval
}

// tick runs one sample -> analyze -> compose -> notify cycle.
// Every backend failure is recovered here. It reports whether the cycle was
// deferred because the source or the backend was unavailable.
func (s *Scheduler) tick(ctx context.Context, gen uint64, getSource SourceFunc, onUpdate UpdateHandler) bool {
	var src FrameSource
	if getSource != nil {
		src = getSource()
	}
	if src == nil || !src.IsActive() {
		s.recordSkip()
		s.setStatus("Waiting for video source")
		return true
	}
	if !s.backend.IsReady() {
		s.recordSkip()
		s.setStatus("Vision backend not ready")
		return true
	}

	if !s.acquire() {
		// A cycle from before a restart is still resolving
		s.recordSkip()
		return false
	}
	defer s.release()

	frame, err := s.sampler.Capture(src)
	if err != nil {
		log.Printf("[Scheduler] %s: frame capture failed: %v", s.id, err)
		s.recordSkip()
		return false
	}
	if frame == nil {
		s.recordSkip()
		return false
	}

	s.mu.Lock()
	cfg := *s.config
	composer := s.composer
	s.mu.Unlock()

	callCtx := ctx
	if cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cfg.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := s.backend.Analyze(callCtx, frame)
	latency := time.Since(start)
	s.recordCycle(latency)

	if !s.isCurrent(gen) {
		s.recordStale(gen)
		return false
	}

	if err != nil {
		s.handleError(err)
		return false
	}
	if result == nil {
		return false
	}

	s.onSuccess()

	if s.backend.Kind() == BackendLocal {
		if cfg.OCRInCycle {
			result.OCRText = s.recognize(ctx, frame)
		}
		result.Description = composer.Compose(result.Detections, result.Classifications, result.OCRText)
	}

	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now()
	}
	result.Backend = s.backend.Kind()
	result.FrameSeq = frame.Seq
	result.FrameWidth = frame.NativeWidth
	result.FrameHeight = frame.NativeHeight
	result.LatencyMs = float64(latency.Microseconds()) / 1000

	s.mu.Lock()
	if s.generation != gen || !s.running {
		s.mu.Unlock()
		s.recordStale(gen)
		return false
	}
	s.current = result
	changed := HasChanged(result.Description, s.state.LastDescription)
	if changed {
		s.state.LastDescription = result.Description
	}
	s.mu.Unlock()

	s.statsMu.Lock()
	s.stats.ResultsDelivered++
	s.stats.LastResultTime = result.Timestamp.Unix()
	s.statsMu.Unlock()

	s.eventBus.Publish(result)

	if !changed || onUpdate == nil || !s.isCurrent(gen) || ctx.Err() != nil {
		return false
	}

	if err := onUpdate(ctx, result.Description); err != nil {
		log.Printf("[Scheduler] %s: failed to forward description: %v", s.id, err)
		return false
	}

	s.statsMu.Lock()
	s.stats.UpdatesForwarded++
	s.statsMu.Unlock()
	return false
}

func (s *Scheduler) handleError(err error) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		s.mu.Lock()
		delay := s.strategy.OnRateLimited(&s.state, s.config.BaseBackoff, s.config.MaxBackoff)
		s.mu.Unlock()

		waitSec := int(math.Round(delay.Seconds()))
		log.Printf("[Scheduler] %s: rate limited, backing off %ds", s.id, waitSec)
		s.setStatus(fmt.Sprintf("Rate limited — retrying in %ds", waitSec))

		s.statsMu.Lock()
		s.stats.RateLimited++
		s.statsMu.Unlock()
		return
	}

	log.Printf("[Scheduler] %s: analysis failed: %v", s.id, err)

	var be *BackendError
	if errors.As(err, &be) {
		s.setStatus(be.Error())
		return
	}
	if msg := err.Error(); msg != "" {
		s.setStatus(msg)
		return
	}
	s.setStatus("Analysis failed")
}

func (s *Scheduler) onSuccess() {
	s.mu.Lock()
	s.strategy.OnSuccess(&s.state)
	s.mu.Unlock()
	s.setStatus("")
}

// recognize runs OCR inside a cycle; a manual run in progress means no text this cycle
func (s *Scheduler) recognize(ctx context.Context, frame *Frame) string {
	if s.recognizer == nil {
		return ""
	}
	if !s.acquireOCR() {
		return ""
	}
	defer s.releaseOCR()
	return s.runRecognizer(ctx, frame)
}

func (s *Scheduler) runRecognizer(ctx context.Context, frame *Frame) string {
	text, err := s.recognizer.Recognize(ctx, frame)
	if err != nil {
		log.Printf("[Scheduler] %s: text recognition failed: %v", s.id, err)
		return ""
	}
	return strings.TrimSpace(text)
}

func (s *Scheduler) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsAnalyzing {
		return false
	}
	s.state.IsAnalyzing = true
	return true
}

func (s *Scheduler) release() {
	s.mu.Lock()
	s.state.IsAnalyzing = false
	s.mu.Unlock()
}

func (s *Scheduler) acquireOCR() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsOCRRunning {
		return false
	}
	s.state.IsOCRRunning = true
	return true
}

func (s *Scheduler) releaseOCR() {
	s.mu.Lock()
	s.state.IsOCRRunning = false
	s.mu.Unlock()
}

func (s *Scheduler) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && s.generation == gen
}

func (s *Scheduler) setStatus(status string) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()

	s.eventBus.PublishStatus(s.id, status)
}

func (s *Scheduler) recordSkip() {
	s.statsMu.Lock()
	s.stats.CyclesSkipped++
	s.statsMu.Unlock()
}

func (s *Scheduler) recordStale(gen uint64) {
	log.Printf("[Scheduler] %s: discarding result from generation %d", s.id, gen)
	s.statsMu.Lock()
	s.stats.StaleDiscarded++
	s.statsMu.Unlock()
}

func (s *Scheduler) recordCycle(latency time.Duration) {
	ms := float64(latency.Microseconds()) / 1000

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.CyclesRun++
	if s.stats.CyclesRun == 1 {
		s.stats.AvgAnalysisMs = ms
	} else {
		s.stats.AvgAnalysisMs = (s.stats.AvgAnalysisMs + ms) / 2
	}
}
