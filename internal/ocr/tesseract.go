//go:build tesseract

package ocr

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/otiai10/gosseract/v2"

	"visionrelay/internal/pipeline"
)

// Tesseract recognizes text with an embedded gosseract client.
// The client is not safe for concurrent use, so calls are serialized.
type Tesseract struct {
	cfg    Config
	client *gosseract.Client
	mu     sync.Mutex
	closed bool
}

// NewTesseract creates a recognizer for the configured language
func NewTesseract(cfg Config) (*Tesseract, error) {
	client := gosseract.NewClient()
	if err := client.SetLanguage(cfg.language()); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set OCR language: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}

	log.Printf("[OCR] Tesseract %s ready (language: %s)", gosseract.Version(), cfg.language())
	return &Tesseract{cfg: cfg, client: client}, nil
}

func (t *Tesseract) Name() string {
	return Name
}

func (t *Tesseract) IsHealthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Recognize extracts text from the frame's JPEG data
func (t *Tesseract) Recognize(ctx context.Context, frame *pipeline.Frame) (string, error) {
	if frame == nil || len(frame.Data) == 0 {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return "", fmt.Errorf("recognizer closed")
	}
	if err := t.client.SetImageFromBytes(frame.Data); err != nil {
		return "", fmt.Errorf("failed to load frame %d: %w", frame.Seq, err)
	}
	text, err := t.client.Text()
	if err != nil {
		return "", fmt.Errorf("failed to extract text: %w", err)
	}
	return Normalize(text), nil
}

func (t *Tesseract) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.client.Close()
}

// New returns the Tesseract recognizer
func New(cfg Config) (pipeline.TextRecognizer, error) {
	return NewTesseract(cfg)
}

var _ pipeline.TextRecognizer = (*Tesseract)(nil)
