package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// Composer turns one cycle's observations into a scene description.
// It holds only thresholds; Compose has no memory of prior calls.
type Composer struct {
	DetectionThreshold      float64
	ClassificationThreshold float64
	OCRLimit                int
}

// NewComposer creates a composer from an analysis config
func NewComposer(cfg *AnalysisConfig) Composer {
	if cfg == nil {
		cfg = DefaultAnalysisConfig(BackendLocal)
	}
	return Composer{
		DetectionThreshold:      cfg.DetectionThreshold,
		ClassificationThreshold: cfg.ClassificationThreshold,
		OCRLimit:                cfg.ComposerOCRLimit,
	}
}

// Compose uses the default thresholds (0.5 detection, 0.3 classification, 200 OCR chars)
func Compose(detections []Detection, classifications []Classification, ocrText string) string {
	return NewComposer(nil).Compose(detections, classifications, ocrText)
}

// Compose builds the description
func (c Composer) Compose(detections []Detection, classifications []Classification, ocrText string) string {
	parts := make([]string, 0, 3)

	if objects := c.describeObjects(detections); objects != "" {
		parts = append(parts, "I can see "+objects)
	}

	if top, ok := TopClassification(classifications); ok && top.Probability > c.ClassificationThreshold {
		token := strings.TrimSpace(strings.SplitN(top.Label, ",", 2)[0])
		if token != "" {
			parts = append(parts, "The scene appears to contain: "+token)
		}
	}

	text := strings.TrimSpace(ocrText)
	if utf8.RuneCountInString(text) > 2 {
		parts = append(parts, `Detected text: "`+Truncate(text, c.OCRLimit)+`"`)
	}

	if len(parts) == 0 {
		return FallbackDescription
	}
	return strings.Join(parts, ". ") + "."
}

// describeObjects groups confident detections by label in first-seen order
func (c Composer) describeObjects(detections []Detection) string {
	counts := make(map[string]int)
	order := make([]string, 0)

	for _, d := range detections {
		if d.Score < c.DetectionThreshold || d.Label == "" {
			continue
		}
		if counts[d.Label] == 0 {
			order = append(order, d.Label)
		}
		counts[d.Label]++
	}

	groups := make([]string, 0, len(order))
	for _, label := range order {
		if n := counts[label]; n > 1 {
			groups = append(groups, fmt.Sprintf("%d %ss", n, label))
		} else {
			groups = append(groups, "a "+label)
		}
	}
	return strings.Join(groups, ", ")
}

// TopClassification returns the highest-probability entry
func TopClassification(classifications []Classification) (Classification, bool) {
	if len(classifications) == 0 {
		return Classification{}, false
	}
	top := classifications[0]
	for _, c := range classifications[1:] {
		if c.Probability > top.Probability {
			top = c
		}
	}
	return top, true
}

// RankClassifications sorts by probability, highest first
func RankClassifications(classifications []Classification) {
	sort.SliceStable(classifications, func(i, j int) bool {
		return classifications[i].Probability > classifications[j].Probability
	})
}

// Truncate returns at most limit runes of s. limit <= 0 disables truncation.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

// HasChanged reports whether a description is worth forwarding downstream.
// An empty last description (first observation) always counts as changed.
func HasChanged(newDescription, lastDescription string) bool {
	if newDescription == FallbackDescription {
		return false
	}
	return newDescription != lastDescription
}
