package services

import (
	"context"
	"log"
	"sync"

	goa "goa.design/goa/v3/pkg"

	"visionrelay/internal/pipeline"
)

// OverridesStore persists runtime analysis overrides
type OverridesStore interface {
	SaveAnalysisOverrides(o *pipeline.AnalysisOverrides) error
	LoadAnalysisOverrides() (*pipeline.AnalysisOverrides, error)
}

// AnalysisSettings is the wire form of the effective analysis config
type AnalysisSettings struct {
	IntervalMs              int     `json:"interval_ms"`
	DetectionThreshold      float64 `json:"detection_threshold"`
	ClassificationThreshold float64 `json:"classification_threshold"`
	ComposerOCRLimit        int     `json:"composer_ocr_limit"`
	OverlayOCRLimit         int     `json:"overlay_ocr_limit"`
	BaseBackoffMs           int     `json:"base_backoff_ms"`
	MaxBackoffMs            int     `json:"max_backoff_ms"`
	OCRInCycle              bool    `json:"ocr_in_cycle"`
}

func toSettings(c *pipeline.AnalysisConfig) *AnalysisSettings {
	return &AnalysisSettings{
		IntervalMs:              int(c.Interval.Milliseconds()),
		DetectionThreshold:      c.DetectionThreshold,
		ClassificationThreshold: c.ClassificationThreshold,
		ComposerOCRLimit:        c.ComposerOCRLimit,
		OverlayOCRLimit:         c.OverlayOCRLimit,
		BaseBackoffMs:           int(c.BaseBackoff.Milliseconds()),
		MaxBackoffMs:            int(c.MaxBackoff.Milliseconds()),
		OCRInCycle:              c.OCRInCycle,
	}
}

// SettingsImplementation reads and updates the analysis settings
type SettingsImplementation struct {
	scheduler *pipeline.Scheduler
	defaults  *pipeline.AnalysisConfig
	store     OverridesStore
	listeners []pipeline.AnalysisListener

	mu        sync.Mutex
	overrides *pipeline.AnalysisOverrides
}

// NewSettingsService creates the settings service and applies any stored
// overrides to the scheduler and listeners. store may be nil.
func NewSettingsService(scheduler *pipeline.Scheduler, defaults *pipeline.AnalysisConfig, store OverridesStore, listeners ...pipeline.AnalysisListener) *SettingsImplementation {
	s := &SettingsImplementation{
		scheduler: scheduler,
		defaults:  defaults,
		store:     store,
		listeners: listeners,
		overrides: &pipeline.AnalysisOverrides{},
	}

	if store != nil {
		stored, err := store.LoadAnalysisOverrides()
		if err != nil {
			log.Printf("[SettingsService] Failed to load stored settings: %v", err)
		} else if stored != nil {
			s.overrides = stored
			s.apply(stored.MergeWithDefaults(defaults))
			log.Printf("[SettingsService] Applied stored analysis settings")
		}
	}
	return s
}

// Get returns the effective analysis settings
func (s *SettingsImplementation) Get(ctx context.Context) (*AnalysisSettings, error) {
	cfg := s.scheduler.Config()
	return toSettings(&cfg), nil
}

// Update merges the given overrides into the stored ones and applies them
// from the scheduler's next tick
func (s *SettingsImplementation) Update(ctx context.Context, p *pipeline.AnalysisOverrides) (*AnalysisSettings, error) {
	if p == nil {
		return nil, goa.PermanentError(ErrNameBadRequest, "missing settings")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.overrides
	mergeOverrides(&next, p)

	effective := next.MergeWithDefaults(s.defaults)
	if err := validateAnalysis(effective); err != nil {
		return nil, err
	}

	if s.store != nil {
		if err := s.store.SaveAnalysisOverrides(&next); err != nil {
			return nil, err
		}
	}
	s.overrides = &next
	s.apply(effective)

	return toSettings(effective), nil
}

func (s *SettingsImplementation) apply(cfg *pipeline.AnalysisConfig) {
	s.scheduler.UpdateConfig(cfg)
	for _, l := range s.listeners {
		l.ApplyAnalysis(cfg)
	}
}

// mergeOverrides copies every non-nil field of src into dst
func mergeOverrides(dst, src *pipeline.AnalysisOverrides) {
	if src.IntervalMs != nil {
		dst.IntervalMs = src.IntervalMs
	}
	if src.DetectionThreshold != nil {
		dst.DetectionThreshold = src.DetectionThreshold
	}
	if src.ClassificationThreshold != nil {
		dst.ClassificationThreshold = src.ClassificationThreshold
	}
	if src.ComposerOCRLimit != nil {
		dst.ComposerOCRLimit = src.ComposerOCRLimit
	}
	if src.OverlayOCRLimit != nil {
		dst.OverlayOCRLimit = src.OverlayOCRLimit
	}
	if src.BaseBackoffMs != nil {
		dst.BaseBackoffMs = src.BaseBackoffMs
	}
	if src.MaxBackoffMs != nil {
		dst.MaxBackoffMs = src.MaxBackoffMs
	}
	if src.OCRInCycle != nil {
		dst.OCRInCycle = src.OCRInCycle
	}
}

func validateAnalysis(c *pipeline.AnalysisConfig) error {
	switch {
	case c.Interval.Milliseconds() < 100:
		return goa.PermanentError(ErrNameBadRequest, "interval_ms must be >= 100")
	case c.DetectionThreshold < 0 || c.DetectionThreshold > 1:
		return goa.PermanentError(ErrNameBadRequest, "detection_threshold must be in [0, 1]")
	case c.ClassificationThreshold < 0 || c.ClassificationThreshold > 1:
		return goa.PermanentError(ErrNameBadRequest, "classification_threshold must be in [0, 1]")
	case c.ComposerOCRLimit < 0 || c.OverlayOCRLimit < 0:
		return goa.PermanentError(ErrNameBadRequest, "ocr limits must be >= 0")
	case c.BaseBackoff <= 0 || c.MaxBackoff < c.BaseBackoff:
		return goa.PermanentError(ErrNameBadRequest, "backoff requires 0 < base_backoff_ms <= max_backoff_ms")
	}
	return nil
}
