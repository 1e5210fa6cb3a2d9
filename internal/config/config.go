// Package config loads the visionrelay configuration from YAML and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"visionrelay/internal/detection"
	"visionrelay/internal/pipeline"
)

// Config represents the complete visionrelay configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Source   SourceConfig   `yaml:"source"`
	Backend  BackendConfig  `yaml:"backend"`
	Remote   RemoteConfig   `yaml:"remote"`
	Local    LocalConfig    `yaml:"local"`
	OCR      OCRConfig      `yaml:"ocr"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Sampler  SamplerConfig  `yaml:"sampler"`
	Overlay  OverlayConfig  `yaml:"overlay"`
	Agent    AgentConfig    `yaml:"agent"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Debug bool   `yaml:"debug"`
}

// SourceConfig describes the live video device
type SourceConfig struct {
	Device        string `yaml:"device"`
	FPS           int    `yaml:"fps"`
	Width         int    `yaml:"width"`
	Height        int    `yaml:"height"`
	DisplayWidth  int    `yaml:"display_width"` // 0 means native size
	DisplayHeight int    `yaml:"display_height"`
}

// BackendConfig selects the detection backend variant
type BackendConfig struct {
	Kind string `yaml:"kind"` // remote, local
}

// RemoteConfig contains the OpenAI-compatible vision endpoint settings
type RemoteConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	Prompt      string        `yaml:"prompt"`
}

// ModelEndpoint locates one local model collaborator
type ModelEndpoint struct {
	Transport string   `yaml:"transport"` // http, grpc, worker
	Endpoint  string   `yaml:"endpoint"`
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
}

// IsSet reports whether the endpoint is configured
func (m ModelEndpoint) IsSet() bool {
	return m.Endpoint != "" || m.Command != ""
}

// ClientConfig converts the endpoint to a detection client config
func (m ModelEndpoint) ClientConfig() detection.ClientConfig {
	return detection.ClientConfig{
		Transport: m.Transport,
		Endpoint:  m.Endpoint,
		Command:   m.Command,
		Args:      m.Args,
	}
}

// LocalConfig contains the local model collaborators
type LocalConfig struct {
	Detector   ModelEndpoint `yaml:"detector"`
	Classifier ModelEndpoint `yaml:"classifier"`
	TopK       int           `yaml:"top_k"`
}

// OCRConfig contains text recognizer settings
type OCRConfig struct {
	Enabled   bool     `yaml:"enabled"`
	InCycle   bool     `yaml:"in_cycle"`
	Engine    string   `yaml:"engine"` // model, tesseract
	Language  string   `yaml:"language"`
	Transport string   `yaml:"transport"`
	Endpoint  string   `yaml:"endpoint"`
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
}

// ModelEndpoint returns the OCR model collaborator location
func (o OCRConfig) ModelEndpoint() ModelEndpoint {
	return ModelEndpoint{Transport: o.Transport, Endpoint: o.Endpoint, Command: o.Command, Args: o.Args}
}

// AnalysisConfig contains scheduler defaults
type AnalysisConfig struct {
	Interval                time.Duration `yaml:"interval"` // 0 means per-backend default
	DetectionThreshold      float64       `yaml:"detection_threshold"`
	ClassificationThreshold float64       `yaml:"classification_threshold"`
	ComposerOCRLimit        int           `yaml:"composer_ocr_limit"`
	OverlayOCRLimit         int           `yaml:"overlay_ocr_limit"`
	BaseBackoff             time.Duration `yaml:"base_backoff"`
	MaxBackoff              time.Duration `yaml:"max_backoff"`
	RequestTimeout          time.Duration `yaml:"request_timeout"`
}

// SamplerConfig contains frame sampler settings
type SamplerConfig struct {
	MaxWidth int `yaml:"max_width"`
	Quality  int `yaml:"quality"`
}

// OverlayConfig contains overlay renderer settings
type OverlayConfig struct {
	Enabled bool `yaml:"enabled"`
	FPS     int  `yaml:"fps"`
	Quality int  `yaml:"quality"`
}

// AgentConfig contains the conversational agent session settings
type AgentConfig struct {
	URL         string        `yaml:"url"`
	APIKey      string        `yaml:"api_key"`
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Encoding    string `yaml:"encoding"` // json, msgpack
}

// DatabaseConfig contains the SQLite location
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains control API authentication settings
type AuthConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8080},
		Source:  SourceConfig{FPS: 5},
		Backend: BackendConfig{Kind: string(pipeline.BackendRemote)},
		Remote: RemoteConfig{
			BaseURL:     "https://api.groq.com/openai/v1",
			Model:       "meta-llama/llama-4-scout-17b-16e-instruct",
			MaxTokens:   300,
			Temperature: 0.3,
			Timeout:     30 * time.Second,
		},
		Local: LocalConfig{
			Detector:   ModelEndpoint{Transport: detection.TransportHTTP},
			Classifier: ModelEndpoint{Transport: detection.TransportHTTP},
			TopK:       5,
		},
		OCR: OCRConfig{Engine: "model", Language: "eng", Transport: detection.TransportHTTP},
		Analysis: AnalysisConfig{
			DetectionThreshold:      0.5,
			ClassificationThreshold: 0.3,
			ComposerOCRLimit:        200,
			OverlayOCRLimit:         100,
			BaseBackoff:             15 * time.Second,
			MaxBackoff:              120 * time.Second,
			RequestTimeout:          30 * time.Second,
		},
		Sampler:  SamplerConfig{MaxWidth: 640, Quality: 70},
		Overlay:  OverlayConfig{Enabled: true, FPS: 10, Quality: 80},
		Agent:    AgentConfig{SendTimeout: 5 * time.Second},
		MQTT:     MQTTConfig{ClientID: "visionrelay", TopicPrefix: "visionrelay", Encoding: "json"},
		Database: DatabaseConfig{Path: "visionrelay.db"},
		Auth:     AuthConfig{Username: "admin", JWTExpiry: 24 * time.Hour},
	}
}

// Load reads the YAML file (if path is non-empty), applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// BackendKind returns the configured backend variant
func (c *Config) BackendKind() pipeline.BackendKind {
	return pipeline.BackendKind(c.Backend.Kind)
}

// AnalysisDefaults returns the scheduler defaults for the configured backend
func (c *Config) AnalysisDefaults() *pipeline.AnalysisConfig {
	kind := c.BackendKind()
	a := pipeline.DefaultAnalysisConfig(kind)

	if c.Analysis.Interval > 0 {
		a.Interval = c.Analysis.Interval
	}
	a.DetectionThreshold = c.Analysis.DetectionThreshold
	a.ClassificationThreshold = c.Analysis.ClassificationThreshold
	a.ComposerOCRLimit = c.Analysis.ComposerOCRLimit
	a.OverlayOCRLimit = c.Analysis.OverlayOCRLimit
	a.BaseBackoff = c.Analysis.BaseBackoff
	a.MaxBackoff = c.Analysis.MaxBackoff
	if c.Analysis.RequestTimeout > 0 {
		a.RequestTimeout = c.Analysis.RequestTimeout
	}
	a.OCRInCycle = c.OCR.Enabled && c.OCR.InCycle
	return a
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func applyEnv(cfg *Config) {
	cfg.Remote.APIKey = getEnv("VISION_API_KEY", cfg.Remote.APIKey)
	cfg.Remote.BaseURL = getEnv("VISION_BASE_URL", cfg.Remote.BaseURL)
	cfg.Remote.Model = getEnv("VISION_MODEL", cfg.Remote.Model)
	cfg.Backend.Kind = getEnv("VISION_BACKEND", cfg.Backend.Kind)
	cfg.Source.Device = getEnv("VIDEO_DEVICE", cfg.Source.Device)
	cfg.Agent.URL = getEnv("AGENT_URL", cfg.Agent.URL)
	cfg.Agent.APIKey = getEnv("AGENT_API_KEY", cfg.Agent.APIKey)
	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		cfg.MQTT.Broker = broker
		cfg.MQTT.Enabled = true
	}
	cfg.Database.Path = getEnv("DATABASE_PATH", cfg.Database.Path)

	if v := os.Getenv("AUTH_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Auth.Enabled = enabled
		}
	}
	cfg.Auth.Username = getEnv("AUTH_USERNAME", cfg.Auth.Username)
	cfg.Auth.Password = getEnv("AUTH_PASSWORD", cfg.Auth.Password)
	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)
	if exp := os.Getenv("JWT_EXPIRY"); exp != "" {
		if d, err := time.ParseDuration(exp); err == nil {
			cfg.Auth.JWTExpiry = d
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
