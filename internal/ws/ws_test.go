package ws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"visionrelay/internal/pipeline"
)

func dialViewer(t *testing.T, h *Handler) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/vision"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) gjson.Result {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return gjson.ParseBytes(data)
}

func TestHubPushesResultsAndStatus(t *testing.T) {
	hub := NewVisionHub()
	conn := dialViewer(t, NewHandler(hub, nil))
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.PublishResult(&pipeline.VisionResult{ID: "r1", Description: "A cat on a sofa."}))
	msg := readJSON(t, conn)
	assert.Equal(t, TypeResult, msg.Get("type").String())
	assert.Equal(t, "r1", msg.Get("result.id").String())
	assert.Equal(t, "A cat on a sofa.", msg.Get("result.description").String())

	require.NoError(t, hub.PublishStatus("sched-1", "Rate limited — retrying in 15s"))
	msg = readJSON(t, conn)
	assert.Equal(t, TypeStatus, msg.Get("type").String())
	assert.Equal(t, "sched-1", msg.Get("scheduler_id").String())
	assert.Equal(t, "Rate limited — retrying in 15s", msg.Get("status").String())

	require.NoError(t, hub.PublishOCR("sched-1", "EMERGENCY EXIT"))
	msg = readJSON(t, conn)
	assert.Equal(t, TypeOCR, msg.Get("type").String())
	assert.Equal(t, "EMERGENCY EXIT", msg.Get("text").String())
}

func TestHandlerSendsSnapshotOnConnect(t *testing.T) {
	hub := NewVisionHub()
	snapshot := func() (*pipeline.VisionResult, string, string) {
		return &pipeline.VisionResult{ID: "latest"}, "sched-1", "API error: 500"
	}
	conn := dialViewer(t, NewHandler(hub, snapshot))

	assert.Equal(t, "latest", readJSON(t, conn).Get("result.id").String())
	assert.Equal(t, "API error: 500", readJSON(t, conn).Get("status").String())
}

func TestHubDropsClosedViewers(t *testing.T) {
	hub := NewVisionHub()
	conn := dialViewer(t, NewHandler(hub, nil))
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, hub.PublishResult(&pipeline.VisionResult{ID: "nobody"}))
}
