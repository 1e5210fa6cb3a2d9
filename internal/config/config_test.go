package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visionrelay/internal/pipeline"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "visionrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, pipeline.BackendRemote, cfg.BackendKind())
	assert.Equal(t, 300, cfg.Remote.MaxTokens)
	assert.Equal(t, 0.3, cfg.Remote.Temperature)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())

	a := cfg.AnalysisDefaults()
	assert.Equal(t, 10*time.Second, a.Interval)
	assert.Equal(t, 15*time.Second, a.BaseBackoff)
	assert.Equal(t, 120*time.Second, a.MaxBackoff)
	assert.Equal(t, 200, a.ComposerOCRLimit)
	assert.Equal(t, 100, a.OverlayOCRLimit)
	assert.False(t, a.OCRInCycle)
}

func TestLoadLocalFile(t *testing.T) {
	path := writeConfig(t, `
backend:
  kind: local
local:
  detector:
    transport: grpc
    endpoint: localhost:50051
  classifier:
    transport: worker
    command: python3
    args: ["classify.py"]
ocr:
  enabled: true
  in_cycle: true
  engine: tesseract
analysis:
  base_backoff: 5s
  max_backoff: 40s
  overlay_ocr_limit: 60
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, pipeline.BackendLocal, cfg.BackendKind())
	assert.Equal(t, "localhost:50051", cfg.Local.Detector.ClientConfig().Endpoint)
	assert.Equal(t, []string{"classify.py"}, cfg.Local.Classifier.Args)

	a := cfg.AnalysisDefaults()
	assert.Equal(t, 2*time.Second, a.Interval)
	assert.Equal(t, 5*time.Second, a.BaseBackoff)
	assert.Equal(t, 40*time.Second, a.MaxBackoff)
	assert.Equal(t, 60, a.OverlayOCRLimit)
	assert.True(t, a.OCRInCycle)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VISION_API_KEY", "gsk-test")
	t.Setenv("VIDEO_DEVICE", "/dev/video2")
	t.Setenv("MQTT_BROKER", "broker:1883")
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("AUTH_PASSWORD", "hunter2")
	t.Setenv("JWT_EXPIRY", "1h")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "gsk-test", cfg.Remote.APIKey)
	assert.Equal(t, "/dev/video2", cfg.Source.Device)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "broker:1883", cfg.MQTT.Broker)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, time.Hour, cfg.Auth.JWTExpiry)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"unknown backend", func(c *Config) { c.Backend.Kind = "cloud" }, "backend.kind"},
		{"local without models", func(c *Config) { c.Backend.Kind = "local" }, "local.detector or local.classifier"},
		{"worker without command", func(c *Config) {
			c.Backend.Kind = "local"
			c.Local.Detector = ModelEndpoint{Transport: "worker", Endpoint: "x"}
		}, "command is required"},
		{"backoff order", func(c *Config) { c.Analysis.MaxBackoff = time.Second }, "backoff"},
		{"threshold range", func(c *Config) { c.Analysis.DetectionThreshold = 1.5 }, "detection_threshold"},
		{"half display size", func(c *Config) { c.Source.DisplayWidth = 640 }, "display_width"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker"},
		{"auth without password", func(c *Config) { c.Auth.Enabled = true }, "auth.password"},
		{"ocr engine", func(c *Config) {
			c.OCR.Enabled = true
			c.OCR.Engine = "cloud"
		}, "ocr.engine"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	assert.NoError(t, Validate(Default()))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
