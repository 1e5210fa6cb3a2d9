package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"visionrelay/internal/pipeline"
)

// DefaultPrompt asks the vision model for a short live-scene summary
const DefaultPrompt = "You are watching a live camera feed. In fewer than three sentences, describe what is in view right now: " +
	"the main objects and where they are, any readable text, any people and what they are doing, and anything distinctive. " +
	"Describe the scene directly and never refer to it as an image or photo."

// descriptionPath is where OpenAI-compatible chat completions put the reply
const descriptionPath = "choices.0.message.content"

// RemoteConfig configures the OpenAI-compatible vision endpoint
type RemoteConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Prompt      string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// RemoteBackend summarizes a frame with one chat/completions call
type RemoteBackend struct {
	cfg    RemoteConfig
	client *http.Client
}

// NewRemoteBackend creates a remote backend
func NewRemoteBackend(cfg RemoteConfig) *RemoteBackend {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.groq.com/openai/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "meta-llama/llama-4-scout-17b-16e-instruct"
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &RemoteBackend{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (b *RemoteBackend) Name() string {
	return "remote:" + b.cfg.Model
}

func (b *RemoteBackend) Kind() pipeline.BackendKind {
	return pipeline.BackendRemote
}

// IsReady returns true once an API key is configured
func (b *RemoteBackend) IsReady() bool {
	return b.cfg.APIKey != ""
}

func (b *RemoteBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

// Analyze sends the frame and returns the description.
// An empty description yields nil, nil.
func (b *RemoteBackend) Analyze(ctx context.Context, frame *pipeline.Frame) (*pipeline.VisionResult, error) {
	if frame == nil || len(frame.Data) == 0 {
		return nil, nil
	}

	payload := chatRequest{
		Model: b.cfg.Model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: b.cfg.Prompt},
				{Type: "image_url", ImageURL: &imageURL{URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(frame.Data)}},
			},
		}},
		MaxTokens:   b.cfg.MaxTokens,
		Temperature: b.cfg.Temperature,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &pipeline.BackendError{Err: fmt.Errorf("vision request failed: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &pipeline.BackendError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &pipeline.RateLimitError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("[RemoteBackend] API error %d: %s", resp.StatusCode, truncateBody(respBody))
		return nil, &pipeline.BackendError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	description := strings.TrimSpace(gjson.GetBytes(respBody, descriptionPath).String())
	if description == "" {
		log.Printf("[RemoteBackend] Empty description in response (frame %d)", frame.Seq)
		return nil, nil
	}

	return &pipeline.VisionResult{
		Description: description,
		LatencyMs:   float64(time.Since(start).Microseconds()) / 1000,
		Timestamp:   time.Now(),
	}, nil
}

func truncateBody(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

var _ pipeline.Backend = (*RemoteBackend)(nil)
