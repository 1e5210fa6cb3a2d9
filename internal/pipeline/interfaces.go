package pipeline

import (
	"context"
	"time"
)

// Backend is the capability every Detection Backend variant provides.
// Selection between variants happens once at startup.
type Backend interface {
	// Name returns the backend identifier (e.g., "remote", "local")
	Name() string

	// Kind returns the backend variant
	Kind() BackendKind

	// IsReady returns true if the backend can accept a call
	IsReady() bool

	// Analyze runs one analysis on a frame.
	// A nil result with a nil error means "nothing to report this cycle".
	Analyze(ctx context.Context, frame *Frame) (*VisionResult, error)

	// Close releases backend resources
	Close() error
}

// Model is the common surface of a local model collaborator
type Model interface {
	// Name returns the model identifier (e.g., "detector", "classifier", "ocr")
	Name() string

	// IsHealthy returns true if the model is operational
	IsHealthy() bool

	// Close releases model resources
	Close() error
}

// ObjectDetector localizes objects in a frame
type ObjectDetector interface {
	Model
	Detect(ctx context.Context, frame *Frame) ([]Detection, error)
}

// SceneClassifier estimates whole-frame categories
type SceneClassifier interface {
	Model
	Classify(ctx context.Context, frame *Frame) ([]Classification, error)
}

// TextRecognizer extracts text from a frame
type TextRecognizer interface {
	Model
	Recognize(ctx context.Context, frame *Frame) (string, error)
}

// FrameSource is the live video collaborator
type FrameSource interface {
	// IsActive returns true while the source is delivering frames
	IsActive() bool

	// NativeSize returns the decoded source resolution (0, 0 while not decoding)
	NativeSize() (width, height int)

	// DisplaySize returns the resolution the video is shown at
	DisplaySize() (width, height int)

	// LatestFrame returns the most recent raw frame, or nil
	LatestFrame() *FrameData
}

// FrameSampler turns the live source into a frame for a backend.
// A nil frame with a nil error means "skip this cycle".
type FrameSampler interface {
	Capture(src FrameSource) (*Frame, error)
}

// CadenceStrategy decides when the next tick runs and how backoff evolves
type CadenceStrategy interface {
	// Name returns the strategy identifier
	Name() string

	// NextDelay returns the delay before the next tick
	NextDelay(state *SchedulerState, interval time.Duration) time.Duration

	// OnRateLimited escalates backoff state within [base, ceiling] and
	// returns the new delay. Non-positive bounds fall back to the
	// strategy's own.
	OnRateLimited(state *SchedulerState, base, ceiling time.Duration) time.Duration

	// OnSuccess resets backoff state
	OnSuccess(state *SchedulerState)
}

// UpdateHandler forwards a changed scene description downstream
type UpdateHandler func(ctx context.Context, description string) error

// SourceFunc returns the current video source, or nil if none is available
type SourceFunc func() FrameSource

// ResultHandler receives every new VisionResult
type ResultHandler interface {
	// OnVisionResult is called when a cycle stores a new current result
	OnVisionResult(result *VisionResult)
}

// StatusHandler receives user-visible status changes
type StatusHandler interface {
	// OnStatus is called with the new status string ("" when cleared)
	OnStatus(schedulerID string, status string)
}

// AnalysisListener follows runtime changes to the analysis config
type AnalysisListener interface {
	ApplyAnalysis(cfg *AnalysisConfig)
}

// ModelRegistry manages available local models
type ModelRegistry interface {
	// Register adds a model to the registry
	Register(model Model) error

	// Get returns a model by name
	Get(name string) (Model, bool)

	// Detector returns a registered object detector by name
	Detector(name string) (ObjectDetector, bool)

	// Classifier returns a registered scene classifier by name
	Classifier(name string) (SceneClassifier, bool)

	// Recognizer returns a registered text recognizer by name
	Recognizer(name string) (TextRecognizer, bool)

	// GetHealthy returns only healthy models
	GetHealthy() []Model

	// Close releases all model resources
	Close() error
}
