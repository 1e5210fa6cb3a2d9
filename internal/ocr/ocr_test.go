package ocr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "EXIT only", Normalize("  EXIT\n\n only \t"))
	assert.Empty(t, Normalize(" \n "))
}

func TestConfigDefaultsLanguage(t *testing.T) {
	assert.Equal(t, "eng", Config{}.language())
	assert.Equal(t, "deu", Config{Language: "deu"}.language())
}
