package vision

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visionrelay/internal/pipeline"
	"visionrelay/internal/pipeline/detectors"
)

type fakeDetector struct {
	healthy bool
	dets    []pipeline.Detection
	err     error
	delay   time.Duration
	running *atomic.Int32
	peak    *atomic.Int32
}

func (f *fakeDetector) Name() string {
	return detectors.DetectorName
}

func (f *fakeDetector) IsHealthy() bool {
	return f.healthy
}

func (f *fakeDetector) Close() error {
	return nil
}

func (f *fakeDetector) Detect(context.Context, *pipeline.Frame) ([]pipeline.Detection, error) {
	if f.running != nil {
		n := f.running.Add(1)
		if n > f.peak.Load() {
			f.peak.Store(n)
		}
		defer f.running.Add(-1)
	}
	time.Sleep(f.delay)
	return f.dets, f.err
}

type fakeClassifier struct {
	healthy bool
	cls     []pipeline.Classification
	err     error
	delay   time.Duration
	running *atomic.Int32
	peak    *atomic.Int32
}

func (f *fakeClassifier) Name() string {
	return detectors.ClassifierName
}

func (f *fakeClassifier) IsHealthy() bool {
	return f.healthy
}

func (f *fakeClassifier) Close() error {
	return nil
}

func (f *fakeClassifier) Classify(context.Context, *pipeline.Frame) ([]pipeline.Classification, error) {
	if f.running != nil {
		n := f.running.Add(1)
		if n > f.peak.Load() {
			f.peak.Store(n)
		}
		defer f.running.Add(-1)
	}
	time.Sleep(f.delay)
	return f.cls, f.err
}

func newLocal(t *testing.T, models ...pipeline.Model) *LocalBackend {
	t.Helper()
	reg := detectors.NewRegistry()
	for _, m := range models {
		require.NoError(t, reg.Register(m))
	}
	b, err := NewLocalBackend(LocalConfig{
		Registry:       reg,
		DetectorName:   detectors.DetectorName,
		ClassifierName: detectors.ClassifierName,
	})
	require.NoError(t, err)
	return b
}

func TestLocalBackendJoinsAndRanks(t *testing.T) {
	b := newLocal(t,
		&fakeDetector{healthy: true, dets: []pipeline.Detection{{Label: "person", Score: 0.8}}},
		&fakeClassifier{healthy: true, cls: []pipeline.Classification{{Label: "desk", Probability: 0.2}, {Label: "office", Probability: 0.7}}},
	)

	result, err := b.Analyze(context.Background(), testFrame())
	require.NoError(t, err)
	require.Len(t, result.Detections, 1)
	require.Len(t, result.Classifications, 2)
	assert.Equal(t, "office", result.Classifications[0].Label)
	assert.Empty(t, result.Description)
}

func TestLocalBackendRunsModelsConcurrently(t *testing.T) {
	var running, peak atomic.Int32
	b := newLocal(t,
		&fakeDetector{healthy: true, delay: 50 * time.Millisecond, running: &running, peak: &peak},
		&fakeClassifier{healthy: true, delay: 50 * time.Millisecond, running: &running, peak: &peak},
	)

	_, err := b.Analyze(context.Background(), testFrame())
	require.NoError(t, err)
	assert.Equal(t, int32(2), peak.Load())
}

func TestLocalBackendIsolatesModelFailures(t *testing.T) {
	b := newLocal(t,
		&fakeDetector{healthy: true, err: &pipeline.ModelError{Model: "detector", Err: errors.New("oom")}},
		&fakeClassifier{healthy: true, cls: []pipeline.Classification{{Label: "kitchen", Probability: 0.9}}},
	)

	result, err := b.Analyze(context.Background(), testFrame())
	require.NoError(t, err)
	assert.Empty(t, result.Detections)
	assert.Equal(t, "kitchen", result.Classifications[0].Label)
}

func TestLocalBackendBothModelsFail(t *testing.T) {
	b := newLocal(t,
		&fakeDetector{healthy: true, err: errors.New("detector down")},
		&fakeClassifier{healthy: true, err: errors.New("classifier down")},
	)

	result, err := b.Analyze(context.Background(), testFrame())
	assert.Nil(t, result)
	var be *pipeline.BackendError
	require.True(t, errors.As(err, &be))
	assert.ErrorContains(t, err, "detector down")
}

func TestLocalBackendBothRateLimited(t *testing.T) {
	b := newLocal(t,
		&fakeDetector{healthy: true, err: &pipeline.RateLimitError{StatusCode: 429}},
		&fakeClassifier{healthy: true, err: errors.New("classifier down")},
	)

	_, err := b.Analyze(context.Background(), testFrame())
	assert.True(t, pipeline.IsRateLimited(err))
}

func TestLocalBackendReadiness(t *testing.T) {
	b := newLocal(t, &fakeDetector{healthy: false}, &fakeClassifier{healthy: true})
	assert.True(t, b.IsReady())

	b = newLocal(t, &fakeDetector{healthy: false})
	assert.False(t, b.IsReady())

	_, err := NewLocalBackend(LocalConfig{Registry: detectors.NewRegistry()})
	assert.Error(t, err)
}
