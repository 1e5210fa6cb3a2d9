// Package vision provides the two Detection Backend variants.
package vision

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"visionrelay/internal/pipeline"
)

// LocalConfig names the registry entries the local backend uses
type LocalConfig struct {
	Registry       pipeline.ModelRegistry
	DetectorName   string
	ClassifierName string
}

// LocalBackend runs an object detector and a scene classifier concurrently.
// A failing model never cancels or invalidates its sibling.
type LocalBackend struct {
	registry   pipeline.ModelRegistry
	detector   pipeline.ObjectDetector
	classifier pipeline.SceneClassifier
}

// NewLocalBackend creates a local backend from registered models.
// Either model may be missing, but not both.
func NewLocalBackend(cfg LocalConfig) (*LocalBackend, error) {
	if cfg.Registry == nil {
		return nil, errors.New("model registry is required")
	}

	b := &LocalBackend{registry: cfg.Registry}
	if d, ok := cfg.Registry.Detector(cfg.DetectorName); ok {
		b.detector = d
	}
	if c, ok := cfg.Registry.Classifier(cfg.ClassifierName); ok {
		b.classifier = c
	}
	if b.detector == nil && b.classifier == nil {
		return nil, errors.New("local backend needs a detector or a classifier")
	}
	return b, nil
}

func (b *LocalBackend) Name() string {
	return "local"
}

func (b *LocalBackend) Kind() pipeline.BackendKind {
	return pipeline.BackendLocal
}

// IsReady returns true while at least one model is healthy
func (b *LocalBackend) IsReady() bool {
	return (b.detector != nil && b.detector.IsHealthy()) ||
		(b.classifier != nil && b.classifier.IsHealthy())
}

func (b *LocalBackend) Close() error {
	return b.registry.Close()
}

// Analyze joins both models. Description is left empty for the composer.
func (b *LocalBackend) Analyze(ctx context.Context, frame *pipeline.Frame) (*pipeline.VisionResult, error) {
	if frame == nil || len(frame.Data) == 0 {
		return nil, nil
	}

	var (
		g               errgroup.Group
		detections      []pipeline.Detection
		classifications []pipeline.Classification
		detectErr       error
		classifyErr     error
	)

	start := time.Now()

	if b.detector != nil {
		g.Go(func() error {
			detections, detectErr = b.detector.Detect(ctx, frame)
			if detectErr != nil {
				log.Printf("[LocalBackend] Detector failed on frame %d: %v", frame.Seq, detectErr)
			}
			return nil
		})
	}
	if b.classifier != nil {
		g.Go(func() error {
			classifications, classifyErr = b.classifier.Classify(ctx, frame)
			if classifyErr != nil {
				log.Printf("[LocalBackend] Classifier failed on frame %d: %v", frame.Seq, classifyErr)
			}
			return nil
		})
	}
	g.Wait()

	detectorFailed := b.detector == nil || detectErr != nil
	classifierFailed := b.classifier == nil || classifyErr != nil
	if detectorFailed && classifierFailed {
		err := errors.Join(detectErr, classifyErr)
		if pipeline.IsRateLimited(err) {
			var rl *pipeline.RateLimitError
			errors.As(err, &rl)
			return nil, rl
		}
		return nil, &pipeline.BackendError{Err: err}
	}

	if detections == nil {
		detections = []pipeline.Detection{}
	}
	if classifications == nil {
		classifications = []pipeline.Classification{}
	}
	pipeline.RankClassifications(classifications)

	return &pipeline.VisionResult{
		Detections:      detections,
		Classifications: classifications,
		LatencyMs:       float64(time.Since(start).Microseconds()) / 1000,
		Timestamp:       time.Now(),
	}, nil
}

var _ pipeline.Backend = (*LocalBackend)(nil)
