//go:build !tesseract

package ocr

import (
	"visionrelay/internal/pipeline"
)

// New reports that no in-process engine is available in this build
func New(cfg Config) (pipeline.TextRecognizer, error) {
	return nil, ErrUnavailable
}
