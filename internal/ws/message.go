package ws

import (
	"time"

	"visionrelay/internal/pipeline"
)

// Message types pushed to viewers
const (
	TypeResult = "result"
	TypeStatus = "status"
	TypeOCR    = "ocr"
)

// ResultMessage carries a new current VisionResult
type ResultMessage struct {
	Type      string                 `json:"type"` // "result"
	Timestamp time.Time              `json:"timestamp"`
	Result    *pipeline.VisionResult `json:"result"`
}

// StatusMessage carries a scheduler status change ("" when cleared)
type StatusMessage struct {
	Type        string    `json:"type"` // "status"
	SchedulerID string    `json:"scheduler_id"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

// OCRMessage carries the text of a manual recognition
type OCRMessage struct {
	Type        string    `json:"type"` // "ocr"
	SchedulerID string    `json:"scheduler_id"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewResultMessage creates a result message
func NewResultMessage(result *pipeline.VisionResult) *ResultMessage {
	return &ResultMessage{
		Type:      TypeResult,
		Timestamp: time.Now(),
		Result:    result,
	}
}

// NewStatusMessage creates a status message
func NewStatusMessage(schedulerID, status string) *StatusMessage {
	return &StatusMessage{
		Type:        TypeStatus,
		SchedulerID: schedulerID,
		Status:      status,
		Timestamp:   time.Now(),
	}
}

// NewOCRMessage creates an OCR message
func NewOCRMessage(schedulerID, text string) *OCRMessage {
	return &OCRMessage{
		Type:        TypeOCR,
		SchedulerID: schedulerID,
		Text:        text,
		Timestamp:   time.Now(),
	}
}
