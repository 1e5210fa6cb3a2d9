package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	active bool
}

func (f *fakeSource) IsActive() bool          { return f.active }
func (f *fakeSource) NativeSize() (int, int)  { return 1280, 720 }
func (f *fakeSource) DisplaySize() (int, int) { return 640, 360 }
func (f *fakeSource) LatestFrame() *FrameData { return &FrameData{Data: []byte{0xFF, 0xD8}, Seq: 7} }

func sourceOf(src FrameSource) SourceFunc      { return func() FrameSource { return src } }
func activeSource() SourceFunc                 { return sourceOf(&fakeSource{active: true}) }
func noopUpdate(context.Context, string) error { return nil }

type fakeSampler struct {
	frame *Frame
	err   error
}

func newFakeSampler() *fakeSampler {
	return &fakeSampler{frame: &Frame{Data: []byte{1}, Seq: 7, NativeWidth: 1280, NativeHeight: 720}}
}

func (f *fakeSampler) Capture(FrameSource) (*Frame, error) { return f.frame, f.err }

type backendReply struct {
	result *VisionResult
	err    error
}

type fakeBackend struct {
	kind    BackendKind
	ready   bool
	replies []backendReply
	release chan struct{}
	calls   atomic.Int32
	mu      sync.Mutex
}

func (f *fakeBackend) Name() string      { return string(f.kind) }
func (f *fakeBackend) Kind() BackendKind { return f.kind }
func (f *fakeBackend) IsReady() bool     { return f.ready }
func (f *fakeBackend) Close() error      { return nil }

func (f *fakeBackend) Analyze(ctx context.Context, frame *Frame) (*VisionResult, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		return nil, nil
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	if reply.result != nil {
		r := *reply.result
		return &r, reply.err
	}
	return nil, reply.err
}

func (f *fakeBackend) queue(replies ...backendReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = replies
}

type fakeRecognizer struct {
	text string
}

func (f *fakeRecognizer) Name() string    { return "ocr" }
func (f *fakeRecognizer) IsHealthy() bool { return true }
func (f *fakeRecognizer) Close() error    { return nil }
func (f *fakeRecognizer) Recognize(context.Context, *Frame) (string, error) {
	return f.text, nil
}

// backoffStrategy mirrors the production cadence strategy
type backoffStrategy struct {
	base, ceiling time.Duration
}

func (b backoffStrategy) Name() string { return "test" }

func (b backoffStrategy) NextDelay(state *SchedulerState, interval time.Duration) time.Duration {
	if state.BackoffMs > 0 {
		return time.Duration(state.BackoffMs) * time.Millisecond
	}
	return interval
}

func (b backoffStrategy) OnRateLimited(state *SchedulerState, base, ceiling time.Duration) time.Duration {
	if base <= 0 {
		base, ceiling = b.base, b.ceiling
	}
	state.ConsecutiveErrors++
	delay := BackoffDelay(base, ceiling, state.ConsecutiveErrors)
	state.BackoffMs = int(delay.Milliseconds())
	return delay
}

func (b backoffStrategy) OnSuccess(state *SchedulerState) {
	state.ConsecutiveErrors = 0
	state.BackoffMs = 0
}

func newTestScheduler(t *testing.T, backend *fakeBackend, recognizer TextRecognizer) *Scheduler {
	t.Helper()
	s, err := NewScheduler(SchedulerConfig{
		Backend:    backend,
		Sampler:    newFakeSampler(),
		Recognizer: recognizer,
		Strategy:   backoffStrategy{base: 15 * time.Second, ceiling: 120 * time.Second},
		Analysis:   DefaultAnalysisConfig(backend.kind),
	})
	require.NoError(t, err)
	return s
}

// markRunning puts the scheduler in the running state without the timer loop
func markRunning(s *Scheduler) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	s.generation++
	return s.generation
}

type updateRecorder struct {
	mu    sync.Mutex
	items []string
	err   error
}

func (r *updateRecorder) handle(_ context.Context, description string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, description)
	return r.err
}

func (r *updateRecorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.items...)
}

func TestNewSchedulerRequiresCollaborators(t *testing.T) {
	_, err := NewScheduler(SchedulerConfig{})
	assert.Error(t, err)

	_, err = NewScheduler(SchedulerConfig{Backend: &fakeBackend{kind: BackendRemote}})
	assert.Error(t, err)
}

func TestSchedulerForwardsOnlyChangedDescriptions(t *testing.T) {
	backend := &fakeBackend{kind: BackendRemote, ready: true}
	backend.queue(
		backendReply{result: &VisionResult{Description: "A person at a desk."}},
		backendReply{result: &VisionResult{Description: "A person at a desk."}},
		backendReply{result: &VisionResult{Description: "An empty room."}},
	)
	s := newTestScheduler(t, backend, nil)
	gen := markRunning(s)
	rec := &updateRecorder{}

	for i := 0; i < 3; i++ {
		s.tick(context.Background(), gen, activeSource(), rec.handle)
	}

	assert.Equal(t, []string{"A person at a desk.", "An empty room."}, rec.got())
	assert.Equal(t, "An empty room.", s.State().LastDescription)

	current := s.Current()
	require.NotNil(t, current)
	assert.Equal(t, BackendRemote, current.Backend)
	assert.Equal(t, uint64(7), current.FrameSeq)
	assert.Equal(t, 1280, current.FrameWidth)
	assert.NotEmpty(t, current.ID)

	stats := s.Stats()
	assert.Equal(t, uint64(3), stats.ResultsDelivered)
	assert.Equal(t, uint64(2), stats.UpdatesForwarded)
}

func TestSchedulerComposesLocalResults(t *testing.T) {
	backend := &fakeBackend{kind: BackendLocal, ready: true}
	backend.queue(
		backendReply{result: &VisionResult{
			Detections:      []Detection{{Label: "person", Score: 0.81}, {Label: "cup", Score: 0.62}},
			Classifications: []Classification{{Label: "coffee mug", Probability: 0.35}},
		}},
		backendReply{result: &VisionResult{}},
	)
	s := newTestScheduler(t, backend, nil)
	gen := markRunning(s)
	rec := &updateRecorder{}

	s.tick(context.Background(), gen, activeSource(), rec.handle)
	s.tick(context.Background(), gen, activeSource(), rec.handle)

	// The fallback description is never forwarded
	assert.Equal(t, []string{"I can see a person, a cup. The scene appears to contain: coffee mug."}, rec.got())
	assert.Equal(t, FallbackDescription, s.Current().Description)
}

func TestSchedulerRateLimitBackoff(t *testing.T) {
	backend := &fakeBackend{kind: BackendRemote, ready: true}
	backend.queue(backendReply{err: &RateLimitError{StatusCode: 429}})
	s := newTestScheduler(t, backend, nil)
	gen := markRunning(s)

	want := []int{15000, 30000, 60000, 120000, 120000}
	for i, ms := range want {
		s.tick(context.Background(), gen, activeSource(), noopUpdate)
		state := s.State()
		assert.Equal(t, ms, state.BackoffMs, "attempt %d", i+1)
		assert.Equal(t, i+1, state.ConsecutiveErrors)
		assert.Equal(t, time.Duration(ms)*time.Millisecond, s.nextDelay())
	}
	assert.Equal(t, "Rate limited — retrying in 120s", s.Status())
	assert.Equal(t, uint64(5), s.Stats().RateLimited)

	backend.queue(backendReply{result: &VisionResult{Description: "Back online."}})
	s.tick(context.Background(), gen, activeSource(), noopUpdate)

	state := s.State()
	assert.Equal(t, 0, state.BackoffMs)
	assert.Equal(t, 0, state.ConsecutiveErrors)
	assert.Equal(t, "", s.Status())
	assert.Equal(t, 10*time.Second, s.nextDelay())
}

func TestSchedulerFirstRateLimitStatus(t *testing.T) {
	backend := &fakeBackend{kind: BackendRemote, ready: true}
	backend.queue(backendReply{err: &RateLimitError{StatusCode: 429}})
	s := newTestScheduler(t, backend, nil)
	gen := markRunning(s)

	var statuses []string
	s.eventBus.SubscribeStatus(StatusHandlerFunc(func(_ string, status string) {
		statuses = append(statuses, status)
	}))

	s.tick(context.Background(), gen, activeSource(), noopUpdate)
	assert.Equal(t, []string{"Rate limited — retrying in 15s"}, statuses)
}

func TestSchedulerEmptyRemoteDescriptionKeepsBackoff(t *testing.T) {
	backend := &fakeBackend{kind: BackendRemote, ready: true}
	backend.queue(backendReply{err: &RateLimitError{StatusCode: 429}})
	s := newTestScheduler(t, backend, nil)
	gen := markRunning(s)

	s.tick(context.Background(), gen, activeSource(), noopUpdate)
	require.Equal(t, 15000, s.State().BackoffMs)

	backend.queue(backendReply{})
	s.tick(context.Background(), gen, activeSource(), noopUpdate)

	assert.Equal(t, 15000, s.State().BackoffMs)
	assert.Nil(t, s.Current())
}

func TestSchedulerOtherErrorsLeaveBackoffUntouched(t *testing.T) {
	backend := &fakeBackend{kind: BackendRemote, ready: true}
	backend.queue(backendReply{err: &BackendError{StatusCode: 500}})
	s := newTestScheduler(t, backend, nil)
	gen := markRunning(s)

	s.tick(context.Background(), gen, activeSource(), noopUpdate)

	assert.Equal(t, "API error: 500", s.Status())
	assert.Equal(t, 0, s.State().BackoffMs)
	assert.Equal(t, 10*time.Second, s.nextDelay())
	assert.False(t, s.State().IsAnalyzing)
}

func TestSchedulerSkipsWhenSourceInactive(t *testing.T) {
	backend := &fakeBackend{kind: BackendRemote, ready: true}
	s := newTestScheduler(t, backend, nil)
	gen := markRunning(s)

	s.tick(context.Background(), gen, sourceOf(&fakeSource{active: false}), noopUpdate)
	s.tick(context.Background(), gen, func() FrameSource { return nil }, noopUpdate)

	assert.Equal(t, int32(0), backend.calls.Load())
	assert.Equal(t, uint64(2), s.Stats().CyclesSkipped)
	assert.Equal(t, "Waiting for video source", s.Status())
}

func TestSchedulerWaitingTickUsesBaseInterval(t *testing.T) {
	backend := &fakeBackend{kind: BackendRemote, ready: true}
	backend.queue(backendReply{err: &RateLimitError{StatusCode: 429}})
	s := newTestScheduler(t, backend, nil)
	gen := markRunning(s)

	assert.False(t, s.tick(context.Background(), gen, activeSource(), noopUpdate))
	require.Equal(t, 15000, s.State().BackoffMs)

	waiting := s.tick(context.Background(), gen, sourceOf(&fakeSource{active: false}), noopUpdate)
	assert.True(t, waiting)
	assert.Equal(t, 10*time.Second, s.delayAfter(waiting))
	assert.Equal(t, 15*time.Second, s.delayAfter(false))

	backend.ready = false
	waiting = s.tick(context.Background(), gen, activeSource(), noopUpdate)
	assert.True(t, waiting)
	assert.Equal(t, "Vision backend not ready", s.Status())
	assert.Equal(t, 10*time.Second, s.delayAfter(waiting))
}

func TestSchedulerCancelledTickDoesNotForward(t *testing.T) {
	backend := &fakeBackend{kind: BackendRemote, ready: true}
	backend.queue(backendReply{result: &VisionResult{Description: "A quiet street."}})
	s := newTestScheduler(t, backend, nil)
	gen := markRunning(s)
	rec := &updateRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.tick(ctx, gen, activeSource(), rec.handle)

	assert.Empty(t, rec.got())
	assert.Equal(t, uint64(0), s.Stats().UpdatesForwarded)
}

func TestSchedulerSkipsWhenBackendNotReady(t *testing.T) {
	backend := &fakeBackend{kind: BackendRemote, ready: false}
	s := newTestScheduler(t, backend, nil)
	gen := markRunning(s)

	s.tick(context.Background(), gen, activeSource(), noopUpdate)

	assert.Equal(t, int32(0), backend.calls.Load())
	assert.Equal(t, "Vision backend not ready", s.Status())
}

func TestSchedulerSkipsNilFrame(t *testing.T) {
	backend := &fakeBackend{kind: BackendRemote, ready: true}
	s := newTestScheduler(t, backend, nil)
	s.sampler = &fakeSampler{}
	gen := markRunning(s)

	s.tick(context.Background(), gen, activeSource(), noopUpdate)

	assert.Equal(t, int32(0), backend.calls.Load())
	assert.False(t, s.State().IsAnalyzing)
}

func TestSchedulerNeverOverlapsCycles(t *testing.T) {
	backend := &fakeBackend{kind: BackendRemote, ready: true, release: make(chan struct{})}
	backend.queue(backendReply{result: &VisionResult{Description: "Busy scene."}})
	s := newTestScheduler(t, backend, nil)
	gen := markRunning(s)

	done := make(chan struct{})
	go func() {
		s.tick(context.Background(), gen, activeSource(), noopUpdate)
		close(done)
	}()

	require.Eventually(t, func() bool { return s.State().IsAnalyzing }, time.Second, 5*time.Millisecond)

	// Second tick while the first is unresolved does nothing
	s.tick(context.Background(), gen, activeSource(), noopUpdate)
	assert.Equal(t, int32(1), backend.calls.Load())

	close(backend.release)
	<-done
	assert.False(t, s.State().IsAnalyzing)
	assert.Equal(t, "Busy scene.", s.Current().Description)
}

func TestSchedulerStopDiscardsInFlightResult(t *testing.T) {
	backend := &fakeBackend{kind: BackendRemote, ready: true, release: make(chan struct{})}
	backend.queue(backendReply{result: &VisionResult{Description: "Late answer."}})
	s := newTestScheduler(t, backend, nil)
	gen := markRunning(s)
	rec := &updateRecorder{}

	var published atomic.Int32
	s.SubscribeResults(ResultHandlerFunc(func(*VisionResult) { published.Add(1) }))

	done := make(chan struct{})
	go func() {
		s.tick(context.Background(), gen, activeSource(), rec.handle)
		close(done)
	}()
	require.Eventually(t, func() bool { return backend.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	s.Stop()
	close(backend.release)
	<-done

	assert.Nil(t, s.Current())
	assert.Empty(t, rec.got())
	assert.Equal(t, int32(0), published.Load())
	assert.Equal(t, "", s.State().LastDescription)
	assert.Equal(t, uint64(1), s.Stats().StaleDiscarded)
}

func TestSchedulerRestartIsBlockedByUnresolvedCycle(t *testing.T) {
	backend := &fakeBackend{kind: BackendRemote, ready: true, release: make(chan struct{})}
	backend.queue(backendReply{result: &VisionResult{Description: "Old."}})
	s := newTestScheduler(t, backend, nil)
	oldGen := markRunning(s)

	done := make(chan struct{})
	go func() {
		s.tick(context.Background(), oldGen, activeSource(), noopUpdate)
		close(done)
	}()
	require.Eventually(t, func() bool { return backend.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	s.Stop()
	newGen := markRunning(s)

	s.tick(context.Background(), newGen, activeSource(), noopUpdate)
	assert.Equal(t, int32(1), backend.calls.Load())

	close(backend.release)
	<-done
	assert.Nil(t, s.Current())
}

func TestSchedulerSwallowsUpdateErrors(t *testing.T) {
	backend := &fakeBackend{kind: BackendRemote, ready: true}
	backend.queue(backendReply{result: &VisionResult{Description: "A cat on a sofa."}})
	s := newTestScheduler(t, backend, nil)
	gen := markRunning(s)
	rec := &updateRecorder{err: errors.New("agent offline")}

	s.tick(context.Background(), gen, activeSource(), rec.handle)

	assert.Equal(t, []string{"A cat on a sofa."}, rec.got())
	assert.Equal(t, "A cat on a sofa.", s.Current().Description)
	assert.Equal(t, "", s.Status())
	assert.Equal(t, uint64(0), s.Stats().UpdatesForwarded)
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	backend := &fakeBackend{kind: BackendRemote, ready: true}
	s := newTestScheduler(t, backend, nil)
	src := sourceOf(&fakeSource{active: false})

	assert.True(t, s.Start(src, noopUpdate, time.Hour))
	assert.False(t, s.Start(src, noopUpdate, time.Hour))
	assert.True(t, s.IsRunning())

	require.Eventually(t, func() bool { return s.Stats().CyclesSkipped >= 1 }, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
	assert.NoError(t, s.Close())
}

func TestSchedulerInCycleOCR(t *testing.T) {
	backend := &fakeBackend{kind: BackendLocal, ready: true}
	backend.queue(backendReply{result: &VisionResult{
		Detections: []Detection{{Label: "sign", Score: 0.9}},
	}})
	s := newTestScheduler(t, backend, &fakeRecognizer{text: "  EXIT \n"})
	cfg := s.Config()
	cfg.OCRInCycle = true
	s.UpdateConfig(&cfg)
	gen := markRunning(s)

	s.tick(context.Background(), gen, activeSource(), noopUpdate)

	current := s.Current()
	require.NotNil(t, current)
	assert.Equal(t, "EXIT", current.OCRText)
	assert.Equal(t, `I can see a sign. Detected text: "EXIT".`, current.Description)
	assert.False(t, s.State().IsOCRRunning)
}

func TestSchedulerInCycleOCRSkippedWhileManualRunning(t *testing.T) {
	backend := &fakeBackend{kind: BackendLocal, ready: true}
	backend.queue(backendReply{result: &VisionResult{
		Detections: []Detection{{Label: "sign", Score: 0.9}},
	}})
	s := newTestScheduler(t, backend, &fakeRecognizer{text: "EXIT"})
	cfg := s.Config()
	cfg.OCRInCycle = true
	s.UpdateConfig(&cfg)
	gen := markRunning(s)

	require.True(t, s.acquireOCR())
	s.tick(context.Background(), gen, activeSource(), noopUpdate)
	s.releaseOCR()

	assert.Equal(t, "I can see a sign.", s.Current().Description)
}

func TestSchedulerRecognizeText(t *testing.T) {
	backend := &fakeBackend{kind: BackendLocal, ready: true}

	t.Run("no recognizer", func(t *testing.T) {
		s := newTestScheduler(t, backend, nil)
		_, err := s.RecognizeText(context.Background(), &fakeSource{active: true})
		assert.ErrorIs(t, err, ErrNoRecognizer)
	})

	t.Run("inactive source", func(t *testing.T) {
		s := newTestScheduler(t, backend, &fakeRecognizer{text: "EXIT"})
		_, err := s.RecognizeText(context.Background(), &fakeSource{active: false})
		assert.ErrorIs(t, err, ErrSourceUnavailable)
	})

	t.Run("busy", func(t *testing.T) {
		s := newTestScheduler(t, backend, &fakeRecognizer{text: "EXIT"})
		require.True(t, s.acquireOCR())
		_, err := s.RecognizeText(context.Background(), &fakeSource{active: true})
		assert.ErrorIs(t, err, ErrOCRBusy)
	})

	t.Run("success", func(t *testing.T) {
		s := newTestScheduler(t, backend, &fakeRecognizer{text: " OPEN 24H "})
		text, err := s.RecognizeText(context.Background(), &fakeSource{active: true})
		require.NoError(t, err)
		assert.Equal(t, "OPEN 24H", text)
		assert.Equal(t, "OPEN 24H", s.LastOCRText())
		assert.False(t, s.State().IsOCRRunning)
	})
}

func TestSchedulerUpdateConfigChangesInterval(t *testing.T) {
	backend := &fakeBackend{kind: BackendRemote, ready: true}
	s := newTestScheduler(t, backend, nil)

	cfg := s.Config()
	cfg.Interval = 3 * time.Second
	s.UpdateConfig(&cfg)

	assert.Equal(t, 3*time.Second, s.nextDelay())
}

func TestSchedulerUpdateConfigChangesBackoffBounds(t *testing.T) {
	backend := &fakeBackend{kind: BackendRemote, ready: true}
	backend.queue(backendReply{err: &RateLimitError{StatusCode: 429}})
	s := newTestScheduler(t, backend, nil)
	gen := markRunning(s)

	cfg := s.Config()
	cfg.BaseBackoff = time.Second
	cfg.MaxBackoff = 4 * time.Second
	s.UpdateConfig(&cfg)

	for i, ms := range []int{1000, 2000, 4000, 4000} {
		s.tick(context.Background(), gen, activeSource(), noopUpdate)
		assert.Equal(t, ms, s.State().BackoffMs, "attempt %d", i+1)
	}
	assert.Equal(t, 4*time.Second, s.nextDelay())
}

func TestBackoffDelay(t *testing.T) {
	base, ceiling := 15*time.Second, 120*time.Second

	assert.Equal(t, time.Duration(0), BackoffDelay(base, ceiling, 0))
	assert.Equal(t, 15*time.Second, BackoffDelay(base, ceiling, 1))
	assert.Equal(t, 30*time.Second, BackoffDelay(base, ceiling, 2))
	assert.Equal(t, 60*time.Second, BackoffDelay(base, ceiling, 3))
	assert.Equal(t, 120*time.Second, BackoffDelay(base, ceiling, 4))
	assert.Equal(t, 120*time.Second, BackoffDelay(base, ceiling, 40))
}
