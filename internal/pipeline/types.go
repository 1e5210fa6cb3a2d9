package pipeline

import (
	"time"
)

// BackendKind identifies which Detection Backend variant is configured
type BackendKind string

const (
	// BackendRemote - one network call yields a whole-scene text description
	BackendRemote BackendKind = "remote"
	// BackendLocal - object detector + scene classifier, composed locally
	BackendLocal BackendKind = "local"
)

// FallbackDescription is produced when a cycle yields nothing worth describing
const FallbackDescription = "No significant objects detected in view."

// FrameData represents a raw frame as delivered by the live video source
type FrameData struct {
	Data      []byte    // JPEG frame data at native resolution
	Seq       uint64    // Frame sequence number
	Timestamp time.Time // Capture timestamp
	Width     int       // Native width (0 if not yet decoded)
	Height    int       // Native height (0 if not yet decoded)
}

// Frame is a sampled frame ready for a Detection Backend
type Frame struct {
	Data          []byte    // JPEG bytes (downsampled for remote, native for local)
	Seq           uint64    // Source sequence number
	Timestamp     time.Time // Capture timestamp of the source frame
	NativeWidth   int       // Source resolution; bounding boxes are expressed in this space
	NativeHeight  int
	EncodedWidth  int // Resolution of Data
	EncodedHeight int
}

// BBox is a bounding box in the source video's native pixel space
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection is a localized object observation
type Detection struct {
	Label string  `json:"label"`
	Score float64 `json:"score"` // [0-1]
	BBox  BBox    `json:"bbox"`
}

// Classification is a whole-frame category estimate
type Classification struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"` // [0-1]
}

// VisionResult is the outcome of one analysis cycle.
// Exactly one is current per scheduler; a new one fully replaces the previous.
type VisionResult struct {
	ID              string           `json:"id"`
	Backend         BackendKind      `json:"backend"`
	Detections      []Detection      `json:"detections"`
	Classifications []Classification `json:"classifications"`
	Description     string           `json:"description"`
	OCRText         string           `json:"ocr_text,omitempty"`
	FrameSeq        uint64           `json:"frame_seq"`
	FrameWidth      int              `json:"frame_width"`
	FrameHeight     int              `json:"frame_height"`
	LatencyMs       float64          `json:"latency_ms"`
	Timestamp       time.Time        `json:"timestamp"`
}

// SchedulerState is owned by exactly one Scheduler instance
type SchedulerState struct {
	IsAnalyzing       bool   `json:"is_analyzing"`
	IsOCRRunning      bool   `json:"is_ocr_running"`
	BackoffMs         int    `json:"backoff_ms"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	LastDescription   string `json:"last_description"`
}

// AnalysisConfig holds the tunables of one pipeline instance
type AnalysisConfig struct {
	Interval                time.Duration `json:"interval"`
	DetectionThreshold      float64       `json:"detection_threshold"`
	ClassificationThreshold float64       `json:"classification_threshold"`
	ComposerOCRLimit        int           `json:"composer_ocr_limit"`
	OverlayOCRLimit         int           `json:"overlay_ocr_limit"`
	BaseBackoff             time.Duration `json:"base_backoff"`
	MaxBackoff              time.Duration `json:"max_backoff"`
	RequestTimeout          time.Duration `json:"request_timeout"`
	OCRInCycle              bool          `json:"ocr_in_cycle"`
}

// AnalysisOverrides contains runtime overrides of AnalysisConfig.
// Nil values mean "inherit from defaults".
type AnalysisOverrides struct {
	IntervalMs              *int     `json:"interval_ms,omitempty"`
	DetectionThreshold      *float64 `json:"detection_threshold,omitempty"`
	ClassificationThreshold *float64 `json:"classification_threshold,omitempty"`
	ComposerOCRLimit        *int     `json:"composer_ocr_limit,omitempty"`
	OverlayOCRLimit         *int     `json:"overlay_ocr_limit,omitempty"`
	BaseBackoffMs           *int     `json:"base_backoff_ms,omitempty"`
	MaxBackoffMs            *int     `json:"max_backoff_ms,omitempty"`
	OCRInCycle              *bool    `json:"ocr_in_cycle,omitempty"`
}

// DefaultInterval returns the nominal cadence for a backend kind
func DefaultInterval(kind BackendKind) time.Duration {
	if kind == BackendLocal {
		return 2 * time.Second
	}
	return 10 * time.Second
}

// DefaultAnalysisConfig returns sensible defaults for a backend kind
func DefaultAnalysisConfig(kind BackendKind) *AnalysisConfig {
	return &AnalysisConfig{
		Interval:                DefaultInterval(kind),
		DetectionThreshold:      0.5,
		ClassificationThreshold: 0.3,
		ComposerOCRLimit:        200,
		OverlayOCRLimit:         100,
		BaseBackoff:             15 * time.Second,
		MaxBackoff:              120 * time.Second,
		RequestTimeout:          30 * time.Second,
		OCRInCycle:              false,
	}
}

// MergeWithDefaults applies overrides on top of the given defaults
func (o *AnalysisOverrides) MergeWithDefaults(defaults *AnalysisConfig) *AnalysisConfig {
	if defaults == nil {
		defaults = DefaultAnalysisConfig(BackendRemote)
	}

	effective := *defaults
	if o == nil {
		return &effective
	}

	if o.IntervalMs != nil && *o.IntervalMs > 0 {
		effective.Interval = time.Duration(*o.IntervalMs) * time.Millisecond
	}
	if o.DetectionThreshold != nil {
		effective.DetectionThreshold = *o.DetectionThreshold
	}
	if o.ClassificationThreshold != nil {
		effective.ClassificationThreshold = *o.ClassificationThreshold
	}
	if o.ComposerOCRLimit != nil {
		effective.ComposerOCRLimit = *o.ComposerOCRLimit
	}
	if o.OverlayOCRLimit != nil {
		effective.OverlayOCRLimit = *o.OverlayOCRLimit
	}
	if o.BaseBackoffMs != nil && *o.BaseBackoffMs > 0 {
		effective.BaseBackoff = time.Duration(*o.BaseBackoffMs) * time.Millisecond
	}
	if o.MaxBackoffMs != nil && *o.MaxBackoffMs > 0 {
		effective.MaxBackoff = time.Duration(*o.MaxBackoffMs) * time.Millisecond
	}
	if o.OCRInCycle != nil {
		effective.OCRInCycle = *o.OCRInCycle
	}

	return &effective
}

// SchedulerStats contains scheduler performance counters
type SchedulerStats struct {
	SchedulerID      string      `json:"scheduler_id"`
	Backend          BackendKind `json:"backend"`
	Running          bool        `json:"running"`
	CyclesRun        uint64      `json:"cycles_run"`
	CyclesSkipped    uint64      `json:"cycles_skipped"`
	ResultsDelivered uint64      `json:"results_delivered"`
	UpdatesForwarded uint64      `json:"updates_forwarded"`
	StaleDiscarded   uint64      `json:"stale_discarded"`
	RateLimited      uint64      `json:"rate_limited"`
	AvgAnalysisMs    float64     `json:"avg_analysis_ms"`
	LastResultTime   int64       `json:"last_result_time"`
}
