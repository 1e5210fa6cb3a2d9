package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"time"
)

// HTTPClient talks to a model service over multipart HTTP
type HTTPClient struct {
	endpoint    string
	client      *http.Client
	enabled     bool
	healthCheck time.Time
	mu          sync.Mutex
}

// NewHTTPClient creates a new HTTP model client
func NewHTTPClient(endpoint string) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		enabled: true,
	}
}

// Endpoint returns the service base URL
func (hc *HTTPClient) Endpoint() string {
	return hc.endpoint
}

// IsHealthy checks if the model service is available
func (hc *HTTPClient) IsHealthy() bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	// Cache health check for 30 seconds
	if time.Since(hc.healthCheck) < 30*time.Second && hc.enabled {
		return true
	}

	resp, err := hc.client.Get(hc.endpoint + "/health")
	if err != nil {
		log.Printf("[ModelHTTP] Health check for %s failed: %v", hc.endpoint, err)
		hc.enabled = false
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		hc.healthCheck = time.Now()
		hc.enabled = true
		return true
	}

	log.Printf("[ModelHTTP] Health check for %s returned status %d", hc.endpoint, resp.StatusCode)
	hc.enabled = false
	return false
}

// Detect performs object detection
func (hc *HTTPClient) Detect(ctx context.Context, imageData []byte, confThreshold float64) (*DetectResult, error) {
	var result DetectResult
	fields := map[string]string{"conf_threshold": strconv.FormatFloat(confThreshold, 'f', 2, 64)}
	if err := hc.postImage(ctx, OpDetect, "/detect", imageData, fields, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Classify performs whole-image classification
func (hc *HTTPClient) Classify(ctx context.Context, imageData []byte, topK int) (*ClassifyResult, error) {
	var result ClassifyResult
	fields := map[string]string{"top_k": strconv.Itoa(topK)}
	if err := hc.postImage(ctx, OpClassify, "/classify", imageData, fields, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Recognize extracts text from the image
func (hc *HTTPClient) Recognize(ctx context.Context, imageData []byte, language string) (*RecognizeResult, error) {
	var result RecognizeResult
	fields := map[string]string{"lang": language}
	if err := hc.postImage(ctx, OpRecognize, "/ocr", imageData, fields, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Close is a no-op; the client holds no connection state
func (hc *HTTPClient) Close() error {
	return nil
}

func (hc *HTTPClient) postImage(ctx context.Context, op, path string, imageData []byte, fields map[string]string, out interface{}) error {
	// Create multipart form data
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	// Add image file with proper Content-Type header
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	fw, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := fw.Write(imageData); err != nil {
		return err
	}

	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hc.endpoint+path, &b)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := hc.client.Do(req)
	if err != nil {
		hc.mu.Lock()
		hc.enabled = false
		hc.mu.Unlock()
		return fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
