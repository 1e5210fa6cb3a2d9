package services

import (
	"context"
	"errors"
	"log"
	"time"

	goa "goa.design/goa/v3/pkg"

	"visionrelay/internal/pipeline"
)

// LatestStore provides the persisted result snapshot
type LatestStore interface {
	LatestResult() (*pipeline.VisionResult, error)
}

// OCRSink receives the text of every manual recognition
type OCRSink interface {
	PublishOCR(schedulerID, text string) error
}

// StartPayload is the body of POST /api/v1/vision/start
type StartPayload struct {
	IntervalMs *int `json:"interval_ms,omitempty"`
}

// VisionStatus is the scheduler view returned by the control API
type VisionStatus struct {
	SchedulerID string                  `json:"scheduler_id"`
	Backend     pipeline.BackendKind    `json:"backend"`
	BackendName string                  `json:"backend_name"`
	Ready       bool                    `json:"ready"`
	Running     bool                    `json:"running"`
	Status      string                  `json:"status"`
	State       pipeline.SchedulerState `json:"state"`
	Stats       pipeline.SchedulerStats `json:"stats"`
	SourceLive  bool                    `json:"source_live"`
}

// OCRResult is the body returned by the manual OCR trigger
type OCRResult struct {
	Text string `json:"text"`
}

// VisionImplementation controls the analysis scheduler
type VisionImplementation struct {
	scheduler *pipeline.Scheduler
	getSource pipeline.SourceFunc
	onUpdate  pipeline.UpdateHandler
	latest    LatestStore
	ocrSinks  []OCRSink
}

// NewVisionService creates the vision control service. latest may be nil.
func NewVisionService(scheduler *pipeline.Scheduler, getSource pipeline.SourceFunc, onUpdate pipeline.UpdateHandler, latest LatestStore, ocrSinks ...OCRSink) *VisionImplementation {
	return &VisionImplementation{
		scheduler: scheduler,
		getSource: getSource,
		onUpdate:  onUpdate,
		latest:    latest,
		ocrSinks:  ocrSinks,
	}
}

// Start begins analysis; an optional interval overrides the configured one
func (v *VisionImplementation) Start(ctx context.Context, p *StartPayload) (*VisionStatus, error) {
	var interval time.Duration
	if p != nil && p.IntervalMs != nil {
		if *p.IntervalMs < 100 {
			return nil, goa.PermanentError(ErrNameBadRequest, "interval_ms must be >= 100")
		}
		interval = time.Duration(*p.IntervalMs) * time.Millisecond
	}

	if !v.scheduler.Backend().IsReady() {
		return nil, goa.TemporaryError(ErrNameUnavailable, "%s", pipeline.ErrBackendNotReady.Error())
	}
	if !v.scheduler.Start(v.getSource, v.onUpdate, interval) {
		return nil, goa.PermanentError(ErrNameConflict, "%s", pipeline.ErrAlreadyRunning.Error())
	}
	return v.Status(ctx)
}

// Stop halts analysis; stopping an idle scheduler is not an error
func (v *VisionImplementation) Stop(ctx context.Context) (*VisionStatus, error) {
	v.scheduler.Stop()
	return v.Status(ctx)
}

// Status reports the scheduler state
func (v *VisionImplementation) Status(ctx context.Context) (*VisionStatus, error) {
	backend := v.scheduler.Backend()

	var live bool
	if src := v.source(); src != nil {
		live = src.IsActive()
	}

	return &VisionStatus{
		SchedulerID: v.scheduler.ID(),
		Backend:     backend.Kind(),
		BackendName: backend.Name(),
		Ready:       backend.IsReady(),
		Running:     v.scheduler.IsRunning(),
		Status:      v.scheduler.Status(),
		State:       v.scheduler.State(),
		Stats:       v.scheduler.Stats(),
		SourceLive:  live,
	}, nil
}

// Latest returns the current result, falling back to the persisted snapshot
func (v *VisionImplementation) Latest(ctx context.Context) (*pipeline.VisionResult, error) {
	if result := v.scheduler.Current(); result != nil {
		return result, nil
	}
	if v.latest != nil {
		result, err := v.latest.LatestResult()
		if err != nil {
			log.Printf("[VisionService] Failed to load persisted result: %v", err)
		} else if result != nil {
			return result, nil
		}
	}
	return nil, goa.PermanentError(ErrNameNotFound, "no vision result yet")
}

// RecognizeText runs OCR once on the current frame
func (v *VisionImplementation) RecognizeText(ctx context.Context) (*OCRResult, error) {
	text, err := v.scheduler.RecognizeText(ctx, v.source())
	switch {
	case err == nil:
		for _, sink := range v.ocrSinks {
			if perr := sink.PublishOCR(v.scheduler.ID(), text); perr != nil {
				log.Printf("[VisionService] Failed to publish OCR text: %v", perr)
			}
		}
		return &OCRResult{Text: text}, nil
	case errors.Is(err, pipeline.ErrOCRBusy):
		return nil, goa.PermanentError(ErrNameConflict, "%s", err.Error())
	case errors.Is(err, pipeline.ErrNoRecognizer), errors.Is(err, pipeline.ErrSourceUnavailable):
		return nil, goa.TemporaryError(ErrNameUnavailable, "%s", err.Error())
	default:
		return nil, err
	}
}

func (v *VisionImplementation) source() pipeline.FrameSource {
	if v.getSource == nil {
		return nil
	}
	return v.getSource()
}
