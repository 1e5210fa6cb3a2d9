package detection

import (
	"context"
	"fmt"
)

// Model operations understood by every transport
const (
	OpDetect    = "detect"
	OpClassify  = "classify"
	OpRecognize = "recognize"
	OpHealth    = "health"
)

// Detection represents a detected object as returned by a model service
type Detection struct {
	Label string    `json:"label" msgpack:"label"`
	Score float64   `json:"score" msgpack:"score"`
	BBox  []float64 `json:"bbox" msgpack:"bbox"` // [x, y, width, height] in submitted image pixels
}

// Classification is one category estimate for the whole image
type Classification struct {
	Label       string  `json:"label" msgpack:"label"`
	Probability float64 `json:"probability" msgpack:"probability"`
}

// DetectResult represents the full detection response
type DetectResult struct {
	Detections      []Detection `json:"detections" msgpack:"detections"`
	InferenceTimeMs float64     `json:"inference_time_ms" msgpack:"inference_time_ms"`
	Device          string      `json:"device" msgpack:"device"`
}

// ClassifyResult represents the full classification response
type ClassifyResult struct {
	Classifications []Classification `json:"classifications" msgpack:"classifications"`
	InferenceTimeMs float64          `json:"inference_time_ms" msgpack:"inference_time_ms"`
	Device          string           `json:"device" msgpack:"device"`
}

// RecognizeResult represents the text recognition response
type RecognizeResult struct {
	Text            string  `json:"text" msgpack:"text"`
	InferenceTimeMs float64 `json:"inference_time_ms" msgpack:"inference_time_ms"`
}

// Client is the transport-neutral surface of a model service.
// A service may implement only some operations.
type Client interface {
	Endpoint() string
	IsHealthy() bool
	Detect(ctx context.Context, imageData []byte, confThreshold float64) (*DetectResult, error)
	Classify(ctx context.Context, imageData []byte, topK int) (*ClassifyResult, error)
	Recognize(ctx context.Context, imageData []byte, language string) (*RecognizeResult, error)
	Close() error
}

// StatusError is a non-success reply from a model service
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed (status %d): %s", e.Op, e.StatusCode, e.Body)
}

// Transport names used in configuration
const (
	TransportHTTP   = "http"
	TransportGRPC   = "grpc"
	TransportWorker = "worker"
)

// ClientConfig selects and configures a transport
type ClientConfig struct {
	Transport string
	Endpoint  string   // http base URL or grpc host:port
	Command   string   // worker executable
	Args      []string // worker arguments
}

// NewClient creates a model client for the configured transport
func NewClient(cfg ClientConfig) (Client, error) {
	switch cfg.Transport {
	case "", TransportHTTP:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("http model client requires an endpoint")
		}
		return NewHTTPClient(cfg.Endpoint), nil
	case TransportGRPC:
		return NewGRPCClient(GRPCClientConfig{Endpoint: cfg.Endpoint})
	case TransportWorker:
		return StartWorker(WorkerConfig{Command: cfg.Command, Args: cfg.Args})
	default:
		return nil, fmt.Errorf("unknown model transport: %s", cfg.Transport)
	}
}
