package vision

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"visionrelay/internal/pipeline"
)

func newRemote(t *testing.T, handler http.HandlerFunc) *RemoteBackend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRemoteBackend(RemoteConfig{BaseURL: srv.URL + "/", APIKey: "test-key", Model: "vision-model", Temperature: 0.3})
}

func testFrame() *pipeline.Frame {
	return &pipeline.Frame{Data: []byte("jpeg"), Seq: 1}
}

func TestRemoteBackendRequestContract(t *testing.T) {
	var body []byte
	b := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  A person is typing at a desk.  "}}]}`))
	})

	result, err := b.Analyze(context.Background(), testFrame())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "A person is typing at a desk.", result.Description)
	assert.Empty(t, result.Detections)

	req := gjson.ParseBytes(body)
	assert.Equal(t, "vision-model", req.Get("model").String())
	assert.Equal(t, int64(300), req.Get("max_tokens").Int())
	assert.Equal(t, 0.3, req.Get("temperature").Float())
	assert.Equal(t, "user", req.Get("messages.0.role").String())
	assert.Equal(t, "text", req.Get("messages.0.content.0.type").String())
	assert.Equal(t, DefaultPrompt, req.Get("messages.0.content.0.text").String())
	assert.Equal(t, "image_url", req.Get("messages.0.content.1.type").String())
	assert.Equal(t, "data:image/jpeg;base64,anBlZw==", req.Get("messages.0.content.1.image_url.url").String())
}

func TestRemoteBackendRateLimited(t *testing.T) {
	b := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate_limit_exceeded"}`, http.StatusTooManyRequests)
	})

	result, err := b.Analyze(context.Background(), testFrame())
	assert.Nil(t, result)

	var rl *pipeline.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, http.StatusTooManyRequests, rl.StatusCode)
}

func TestRemoteBackendOtherErrors(t *testing.T) {
	b := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := b.Analyze(context.Background(), testFrame())
	var be *pipeline.BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "API error: 500", be.Error())
	assert.False(t, pipeline.IsRateLimited(err))
}

func TestRemoteBackendEmptyDescription(t *testing.T) {
	b := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"   "}}]}`))
	})

	result, err := b.Analyze(context.Background(), testFrame())
	assert.NoError(t, err)
	assert.Nil(t, result)
}

func TestRemoteBackendHonoursCancellation(t *testing.T) {
	b := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := b.Analyze(ctx, testFrame())
	assert.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRemoteBackendReadiness(t *testing.T) {
	assert.False(t, NewRemoteBackend(RemoteConfig{}).IsReady())
	assert.True(t, NewRemoteBackend(RemoteConfig{APIKey: "k"}).IsReady())
	assert.Equal(t, pipeline.BackendRemote, NewRemoteBackend(RemoteConfig{}).Kind())
}
