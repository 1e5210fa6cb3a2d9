package config

import (
	"fmt"

	"visionrelay/internal/detection"
	"visionrelay/internal/pipeline"
)

// Validate checks if the configuration is valid
func Validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535")
	}
	if cfg.Source.FPS <= 0 {
		return fmt.Errorf("source.fps must be > 0")
	}
	if (cfg.Source.DisplayWidth == 0) != (cfg.Source.DisplayHeight == 0) {
		return fmt.Errorf("source.display_width and source.display_height must be set together")
	}

	switch cfg.BackendKind() {
	case pipeline.BackendRemote:
		if cfg.Remote.BaseURL == "" {
			return fmt.Errorf("remote.base_url is required")
		}
		if cfg.Remote.Model == "" {
			return fmt.Errorf("remote.model is required")
		}
	case pipeline.BackendLocal:
		if !cfg.Local.Detector.IsSet() && !cfg.Local.Classifier.IsSet() {
			return fmt.Errorf("local backend requires local.detector or local.classifier")
		}
		for name, ep := range map[string]ModelEndpoint{"detector": cfg.Local.Detector, "classifier": cfg.Local.Classifier} {
			if err := validateEndpoint(ep); err != nil {
				return fmt.Errorf("local.%s: %w", name, err)
			}
		}
	default:
		return fmt.Errorf("backend.kind must be remote or local, got %q", cfg.Backend.Kind)
	}

	if cfg.OCR.Enabled {
		switch cfg.OCR.Engine {
		case "model":
			if err := validateEndpoint(cfg.OCR.ModelEndpoint()); err != nil {
				return fmt.Errorf("ocr: %w", err)
			}
			if !cfg.OCR.ModelEndpoint().IsSet() {
				return fmt.Errorf("ocr.endpoint or ocr.command is required for the model engine")
			}
		case "tesseract":
		default:
			return fmt.Errorf("ocr.engine must be model or tesseract, got %q", cfg.OCR.Engine)
		}
	}

	a := cfg.Analysis
	if a.Interval < 0 {
		return fmt.Errorf("analysis.interval must be >= 0")
	}
	if a.DetectionThreshold < 0 || a.DetectionThreshold > 1 {
		return fmt.Errorf("analysis.detection_threshold must be in [0, 1]")
	}
	if a.ClassificationThreshold < 0 || a.ClassificationThreshold > 1 {
		return fmt.Errorf("analysis.classification_threshold must be in [0, 1]")
	}
	if a.BaseBackoff <= 0 || a.MaxBackoff < a.BaseBackoff {
		return fmt.Errorf("analysis backoff requires 0 < base_backoff <= max_backoff")
	}

	if cfg.Sampler.MaxWidth <= 0 {
		return fmt.Errorf("sampler.max_width must be > 0")
	}
	if cfg.Sampler.Quality < 1 || cfg.Sampler.Quality > 100 {
		return fmt.Errorf("sampler.quality must be in 1-100")
	}
	if cfg.Overlay.Enabled && cfg.Overlay.FPS <= 0 {
		return fmt.Errorf("overlay.fps must be > 0")
	}

	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if cfg.MQTT.Encoding != "json" && cfg.MQTT.Encoding != "msgpack" {
			return fmt.Errorf("mqtt.encoding must be json or msgpack")
		}
	}

	if cfg.Auth.Enabled && cfg.Auth.Password == "" {
		return fmt.Errorf("auth.password is required when auth is enabled")
	}
	return nil
}

func validateEndpoint(ep ModelEndpoint) error {
	if !ep.IsSet() {
		return nil
	}
	switch ep.Transport {
	case "", detection.TransportHTTP, detection.TransportGRPC:
		if ep.Endpoint == "" {
			return fmt.Errorf("endpoint is required for %s transport", ep.Transport)
		}
	case detection.TransportWorker:
		if ep.Command == "" {
			return fmt.Errorf("command is required for worker transport")
		}
	default:
		return fmt.Errorf("unknown transport %q", ep.Transport)
	}
	return nil
}
