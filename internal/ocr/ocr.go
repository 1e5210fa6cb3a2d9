// Package ocr provides the in-process text recognizer.
// The Tesseract engine is only linked with the `tesseract` build tag.
package ocr

import (
	"errors"
	"strings"
)

// Name is the model name the recognizer registers under
const Name = "ocr"

// ErrUnavailable is returned when the binary was built without Tesseract
var ErrUnavailable = errors.New("tesseract support not compiled in (build with -tags tesseract)")

// Config configures the Tesseract engine
type Config struct {
	Language string
}

func (c Config) language() string {
	if c.Language == "" {
		return "eng"
	}
	return c.Language
}

// Normalize collapses whitespace runs in recognized text
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
