package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeeeepa/codegenapp/internal/notify"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/events", hub.HandleEvents)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub()
	t.Cleanup(hub.Close)
	conn := dialHub(t, hub)

	hub.Broadcast("run.updated", map[string]string{"id": "r-1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var event Event
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, "run.updated", event.Type)

	data, ok := event.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "r-1", data["id"])
}

func TestHubSendNotification(t *testing.T) {
	hub := NewHub()
	t.Cleanup(hub.Close)
	conn := dialHub(t, hub)

	err := hub.Send(context.Background(), notify.Notification{
		Title:    "run failed",
		Message:  "step build: boom",
		Severity: notify.SeverityError,
		RunID:    "r-1",
	})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var event Event
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, "notification", event.Type)

	data, ok := event.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "error", data["severity"])
	assert.Equal(t, "run failed", data["title"])
}

func TestHubDropsGoneClient(t *testing.T) {
	hub := NewHub()
	t.Cleanup(hub.Close)
	conn := dialHub(t, hub)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubClose(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)

	hub.Close()
	assert.Equal(t, 0, hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHubBroadcastWithoutClients(t *testing.T) {
	hub := NewHub()
	t.Cleanup(hub.Close)

	// Nothing to deliver to; must not panic.
	hub.Broadcast("run.updated", nil)
	assert.Equal(t, 0, hub.ClientCount())
}
