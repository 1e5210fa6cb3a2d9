package detectors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"visionrelay/internal/detection"
	"visionrelay/internal/pipeline"
)

// Registry names of the local models
const (
	DetectorName   = "detector"
	ClassifierName = "classifier"
	RecognizerName = "ocr"
)

// modelAdapter holds what the three adapters share
type modelAdapter struct {
	name   string
	client detection.Client
}

func (a *modelAdapter) Name() string {
	return a.name
}

func (a *modelAdapter) IsHealthy() bool {
	if a.client == nil {
		return false
	}
	return a.client.IsHealthy()
}

func (a *modelAdapter) Close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}

// wrapError maps transport errors to the pipeline taxonomy
func (a *modelAdapter) wrapError(err error) error {
	var se *detection.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests {
		return &pipeline.RateLimitError{StatusCode: se.StatusCode, Body: se.Body}
	}
	return &pipeline.ModelError{Model: a.name, Err: err}
}

// DetectorAdapter wraps a model client as a pipeline.ObjectDetector
type DetectorAdapter struct {
	modelAdapter
	mu            sync.RWMutex
	confThreshold float64
}

// NewDetectorAdapter creates a new detector adapter
func NewDetectorAdapter(client detection.Client, confThreshold float64) *DetectorAdapter {
	if confThreshold <= 0 {
		confThreshold = 0.5
	}
	return &DetectorAdapter{
		modelAdapter:  modelAdapter{name: DetectorName, client: client},
		confThreshold: confThreshold,
	}
}

// SetConfThreshold updates the confidence threshold sent to the model
func (a *DetectorAdapter) SetConfThreshold(threshold float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.confThreshold = threshold
}

// ConfThreshold returns the confidence threshold sent to the model
func (a *DetectorAdapter) ConfThreshold() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.confThreshold
}

// ApplyAnalysis follows runtime detection_threshold changes
func (a *DetectorAdapter) ApplyAnalysis(cfg *pipeline.AnalysisConfig) {
	if cfg == nil {
		return
	}
	a.SetConfThreshold(cfg.DetectionThreshold)
}

func (a *DetectorAdapter) Detect(ctx context.Context, frame *pipeline.Frame) ([]pipeline.Detection, error) {
	if a.client == nil {
		return nil, fmt.Errorf("detector not configured")
	}

	result, err := a.client.Detect(ctx, frame.Data, a.ConfThreshold())
	if err != nil {
		return nil, a.wrapError(err)
	}
	return convertDetections(frame, result.Detections), nil
}

// convertDetections maps [x, y, w, h] boxes from encoded to native pixel space
func convertDetections(frame *pipeline.Frame, raw []detection.Detection) []pipeline.Detection {
	sx, sy := 1.0, 1.0
	if frame.EncodedWidth > 0 && frame.EncodedHeight > 0 && frame.NativeWidth > 0 && frame.NativeHeight > 0 {
		sx = float64(frame.NativeWidth) / float64(frame.EncodedWidth)
		sy = float64(frame.NativeHeight) / float64(frame.EncodedHeight)
	}

	detections := make([]pipeline.Detection, 0, len(raw))
	for _, d := range raw {
		var bbox pipeline.BBox
		if len(d.BBox) >= 4 {
			bbox = pipeline.BBox{
				X:      d.BBox[0] * sx,
				Y:      d.BBox[1] * sy,
				Width:  d.BBox[2] * sx,
				Height: d.BBox[3] * sy,
			}
		}
		detections = append(detections, pipeline.Detection{
			Label: d.Label,
			Score: d.Score,
			BBox:  bbox,
		})
	}
	return detections
}

// ClassifierAdapter wraps a model client as a pipeline.SceneClassifier
type ClassifierAdapter struct {
	modelAdapter
	topK int
}

// NewClassifierAdapter creates a new classifier adapter
func NewClassifierAdapter(client detection.Client, topK int) *ClassifierAdapter {
	if topK <= 0 {
		topK = 5
	}
	return &ClassifierAdapter{
		modelAdapter: modelAdapter{name: ClassifierName, client: client},
		topK:         topK,
	}
}

func (a *ClassifierAdapter) Classify(ctx context.Context, frame *pipeline.Frame) ([]pipeline.Classification, error) {
	if a.client == nil {
		return nil, fmt.Errorf("classifier not configured")
	}

	result, err := a.client.Classify(ctx, frame.Data, a.topK)
	if err != nil {
		return nil, a.wrapError(err)
	}

	classifications := make([]pipeline.Classification, 0, len(result.Classifications))
	for _, c := range result.Classifications {
		classifications = append(classifications, pipeline.Classification{
			Label:       c.Label,
			Probability: c.Probability,
		})
	}
	return classifications, nil
}

// RecognizerAdapter wraps a model client as a pipeline.TextRecognizer
type RecognizerAdapter struct {
	modelAdapter
	language string
}

// NewRecognizerAdapter creates a new text recognizer adapter
func NewRecognizerAdapter(client detection.Client, language string) *RecognizerAdapter {
	if language == "" {
		language = "eng"
	}
	return &RecognizerAdapter{
		modelAdapter: modelAdapter{name: RecognizerName, client: client},
		language:     language,
	}
}

func (a *RecognizerAdapter) Recognize(ctx context.Context, frame *pipeline.Frame) (string, error) {
	if a.client == nil {
		return "", fmt.Errorf("text recognizer not configured")
	}

	result, err := a.client.Recognize(ctx, frame.Data, a.language)
	if err != nil {
		return "", a.wrapError(err)
	}
	return result.Text, nil
}

var (
	_ pipeline.ObjectDetector  = (*DetectorAdapter)(nil)
	_ pipeline.SceneClassifier = (*ClassifierAdapter)(nil)
	_ pipeline.TextRecognizer  = (*RecognizerAdapter)(nil)
)
