package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComposeEmptyInputsYieldFallback(t *testing.T) {
	assert.Equal(t, FallbackDescription, Compose(nil, nil, ""))
	assert.Equal(t, FallbackDescription, Compose([]Detection{}, []Classification{}, "  "))
}

func TestComposeScenario(t *testing.T) {
	detections := []Detection{
		{Label: "person", Score: 0.81},
		{Label: "cup", Score: 0.62},
	}
	classifications := []Classification{
		{Label: "coffee mug", Probability: 0.35},
	}

	got := Compose(detections, classifications, "")
	assert.Equal(t, "I can see a person, a cup. The scene appears to contain: coffee mug.", got)
}

func TestComposePluralizes(t *testing.T) {
	detections := []Detection{
		{Label: "chair", Score: 0.9},
		{Label: "person", Score: 0.7},
		{Label: "chair", Score: 0.6},
		{Label: "chair", Score: 0.55},
	}

	got := Compose(detections, nil, "")
	assert.Equal(t, "I can see 3 chairs, a person.", got)
}

func TestComposeIgnoresLowScores(t *testing.T) {
	detections := []Detection{
		{Label: "dog", Score: 0.49},
		{Label: "cat", Score: 0.5},
	}

	got := Compose(detections, nil, "")
	assert.Equal(t, "I can see a cat.", got)
}

func TestComposeClassificationGate(t *testing.T) {
	t.Run("at threshold is excluded", func(t *testing.T) {
		got := Compose(nil, []Classification{{Label: "library", Probability: 0.3}}, "")
		assert.Equal(t, FallbackDescription, got)
	})

	t.Run("uses highest probability and first token", func(t *testing.T) {
		classifications := []Classification{
			{Label: "desk", Probability: 0.4},
			{Label: " espresso maker , coffee machine", Probability: 0.8},
		}
		got := Compose(nil, classifications, "")
		assert.Equal(t, "The scene appears to contain: espresso maker.", got)
	})
}

func TestComposeOCRText(t *testing.T) {
	t.Run("short text is ignored", func(t *testing.T) {
		assert.Equal(t, FallbackDescription, Compose(nil, nil, "ok"))
	})

	t.Run("text is quoted", func(t *testing.T) {
		got := Compose([]Detection{{Label: "sign", Score: 0.9}}, nil, "EXIT")
		assert.Equal(t, `I can see a sign. Detected text: "EXIT".`, got)
	})

	t.Run("text is truncated to composer limit", func(t *testing.T) {
		long := strings.Repeat("a", 250)
		got := Compose(nil, nil, long)
		assert.Equal(t, `Detected text: "`+strings.Repeat("a", 200)+`".`, got)
	})

	t.Run("custom limit", func(t *testing.T) {
		c := Composer{DetectionThreshold: 0.5, ClassificationThreshold: 0.3, OCRLimit: 5}
		assert.Equal(t, `Detected text: "hello".`, c.Compose(nil, nil, "hello world"))
	})
}

func TestComposeIsDeterministic(t *testing.T) {
	detections := []Detection{{Label: "car", Score: 0.9}, {Label: "bus", Score: 0.8}, {Label: "car", Score: 0.7}}
	first := Compose(detections, nil, "")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Compose(detections, nil, ""))
	}
}

func TestHasChanged(t *testing.T) {
	d := "I can see a person."

	assert.False(t, HasChanged(d, d))
	assert.True(t, HasChanged(d, ""))
	assert.True(t, HasChanged(d, "I can see a cup."))
	assert.False(t, HasChanged(FallbackDescription, ""))
	assert.False(t, HasChanged(FallbackDescription, d))
}

func TestTruncateCountsRunes(t *testing.T) {
	assert.Equal(t, "héll", Truncate("héllo", 4))
	assert.Equal(t, "héllo", Truncate("héllo", 0))
	assert.Equal(t, "héllo", Truncate("héllo", 10))
}

func TestRankClassifications(t *testing.T) {
	c := []Classification{{Label: "a", Probability: 0.1}, {Label: "b", Probability: 0.9}, {Label: "c", Probability: 0.5}}
	RankClassifications(c)
	assert.Equal(t, []string{"b", "c", "a"}, []string{c[0].Label, c[1].Label, c[2].Label})
}
