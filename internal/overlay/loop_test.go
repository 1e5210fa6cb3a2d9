package overlay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"visionrelay/internal/pipeline"
)

type stubSource struct {
	active bool
	frame  *pipeline.FrameData
}

func (s *stubSource) IsActive() bool {
	return s.active
}

func (s *stubSource) NativeSize() (int, int) {
	if s.frame == nil {
		return 0, 0
	}
	return s.frame.Width, s.frame.Height
}

func (s *stubSource) DisplaySize() (int, int) {
	return 32, 24
}

func (s *stubSource) LatestFrame() *pipeline.FrameData {
	return s.frame
}

type stubResults struct {
	current *pipeline.VisionResult
	lastOCR string
}

func (s *stubResults) Current() *pipeline.VisionResult {
	return s.current
}

func (s *stubResults) Config() pipeline.AnalysisConfig {
	return *pipeline.DefaultAnalysisConfig(pipeline.BackendLocal)
}

func (s *stubResults) LastOCRText() string {
	return s.lastOCR
}

type recordingSink struct {
	frames [][]byte
	clears int
}

func (s *recordingSink) Publish(frame []byte) {
	s.frames = append(s.frames, frame)
}

func (s *recordingSink) Clear() {
	s.clears++
}

func newTestLoop(src *stubSource, results *stubResults, sink *recordingSink) *Loop {
	return NewLoop(LoopConfig{FPS: 30}, func() pipeline.FrameSource { return src }, results, sink)
}

func TestLoopClearsWithoutResult(t *testing.T) {
	src := &stubSource{active: true, frame: &pipeline.FrameData{Seq: 1, Width: 64, Height: 48}}
	sink := &recordingSink{}
	loop := newTestLoop(src, &stubResults{}, sink)

	loop.RenderOnce()
	loop.RenderOnce()

	assert.Empty(t, sink.frames)
	assert.Equal(t, 1, sink.clears)
}

func TestLoopClearsWhenSourceInactive(t *testing.T) {
	src := &stubSource{active: false}
	sink := &recordingSink{}
	loop := newTestLoop(src, &stubResults{current: &pipeline.VisionResult{}}, sink)

	loop.RenderOnce()
	assert.Empty(t, sink.frames)
	assert.Equal(t, 1, sink.clears)
}

func TestLoopRendersNewFramesOnly(t *testing.T) {
	data := encodeJPEG(t, 64, 48)
	src := &stubSource{active: true, frame: &pipeline.FrameData{Data: data, Seq: 1, Width: 64, Height: 48, Timestamp: time.Now()}}
	results := &stubResults{current: &pipeline.VisionResult{
		Detections: []pipeline.Detection{{Label: "cup", Score: 0.9, BBox: pipeline.BBox{X: 8, Y: 8, Width: 20, Height: 20}}},
	}}
	sink := &recordingSink{}
	loop := newTestLoop(src, results, sink)

	loop.RenderOnce()
	loop.RenderOnce()
	assert.Len(t, sink.frames, 1)
	assert.Equal(t, uint64(1), loop.Stats().FramesSkipped)

	src.frame = &pipeline.FrameData{Data: data, Seq: 2, Width: 64, Height: 48}
	loop.RenderOnce()
	assert.Len(t, sink.frames, 2)

	results.current = nil
	loop.RenderOnce()
	assert.Equal(t, 1, sink.clears)

	results.current = &pipeline.VisionResult{}
	loop.RenderOnce()
	assert.Len(t, sink.frames, 3)
	assert.Equal(t, uint64(3), loop.Stats().FramesRendered)
}

func TestLoopRerendersOnManualOCR(t *testing.T) {
	data := encodeJPEG(t, 64, 48)
	src := &stubSource{active: true, frame: &pipeline.FrameData{Data: data, Seq: 1, Width: 64, Height: 48}}
	results := &stubResults{current: &pipeline.VisionResult{}}
	sink := &recordingSink{}
	loop := newTestLoop(src, results, sink)

	loop.RenderOnce()
	assert.Len(t, sink.frames, 1)

	results.lastOCR = "EXIT"
	loop.RenderOnce()
	assert.Len(t, sink.frames, 2)
	assert.NotEqual(t, sink.frames[0], sink.frames[1])

	loop.RenderOnce()
	assert.Len(t, sink.frames, 2)
	assert.Equal(t, uint64(1), loop.Stats().FramesSkipped)
}

func TestLoopCountsRenderErrors(t *testing.T) {
	src := &stubSource{active: true, frame: &pipeline.FrameData{Data: []byte("junk"), Seq: 1, Width: 64, Height: 48}}
	sink := &recordingSink{}
	loop := newTestLoop(src, &stubResults{current: &pipeline.VisionResult{}}, sink)

	loop.RenderOnce()
	assert.Empty(t, sink.frames)
	assert.Equal(t, uint64(1), loop.Stats().RenderErrors)
}
