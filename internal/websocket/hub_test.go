package websocket

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/anonymizer/internal/session"
)

func startHub(t *testing.T, cfg HubConfig) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(cfg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, user, pass string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if user != "" {
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":"+pass)))
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return websocket.DefaultDialer.Dial(url, header)
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e Event
	require.NoError(t, conn.ReadJSON(&e))
	return e
}

func TestHubRequiresCredentials(t *testing.T) {
	_, srv := startHub(t, HubConfig{Username: "admin", Password: "secret"})

	_, resp, err := dial(t, srv, "", "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = dial(t, srv, "admin", "wrong")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := dial(t, srv, "admin", "secret")
	require.NoError(t, err)
	conn.Close()
}

func TestHubPublishesSessionEvents(t *testing.T) {
	hub, srv := startHub(t, HubConfig{BroadcastSessionStatus: true, BroadcastBatches: true})

	conn, _, err := dial(t, srv, "", "")
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Stats().ActiveConnections == 1 }, 2*time.Second, 10*time.Millisecond)

	// errors are not enabled and must be filtered out
	hub.Publish(session.Event{Type: session.EventError, SessionID: "s1", Timestamp: time.Now()})
	hub.Publish(session.Event{
		Type:      session.EventStatus,
		SessionID: "s1",
		Timestamp: time.Now(),
		Data:      session.StatusChange{From: session.StatusStopped, To: session.StatusRunning},
	})

	e := readEvent(t, conn)
	assert.Equal(t, EventTypeSessionStatus, e.Type)
	assert.Equal(t, "s1", e.SessionID)
	data, ok := e.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "running", data["to"])
}

func TestHubSubscriptionFilter(t *testing.T) {
	hub, srv := startHub(t, HubConfig{BroadcastSessionStatus: true, BroadcastBatches: true})

	conn, _, err := dial(t, srv, "", "")
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Stats().ActiveConnections == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(ClientMessage{
		Type: "subscribe",
		Data: map[string]interface{}{"events": []string{"session.batch"}, "session_ids": []string{"s2"}},
	}))
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "ping"}))
	assert.Equal(t, EventTypePong, readEvent(t, conn).Type)

	hub.Publish(session.Event{Type: session.EventStatus, SessionID: "s2", Timestamp: time.Now()})
	hub.Publish(session.Event{Type: session.EventBatch, SessionID: "s1", Timestamp: time.Now()})
	hub.Publish(session.Event{Type: session.EventBatch, SessionID: "s2", Timestamp: time.Now()})

	e := readEvent(t, conn)
	assert.Equal(t, EventTypeSessionBatch, e.Type)
	assert.Equal(t, "s2", e.SessionID)
}

func TestHubSystemStatus(t *testing.T) {
	hub, srv := startHub(t, HubConfig{BroadcastSystem: true})

	conn, _, err := dial(t, srv, "", "")
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Stats().ActiveConnections == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.BroadcastSystemStatus(SystemStatusEvent{Status: "healthy", ActiveSessions: 2})

	e := readEvent(t, conn)
	assert.Equal(t, EventTypeSystemStatus, e.Type)
	data := e.Data.(map[string]interface{})
	assert.Equal(t, "healthy", data["status"])
	assert.Equal(t, float64(1), data["connected_clients"])
}

func TestHubDisconnect(t *testing.T) {
	hub, srv := startHub(t, HubConfig{})

	conn, _, err := dial(t, srv, "", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Stats().ActiveConnections == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Stats().ActiveConnections == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), hub.Stats().TotalConnections)
}

func TestSubscriptionMatches(t *testing.T) {
	var none *SubscriptionRequest
	assert.True(t, none.matches(Event{Type: EventTypeSessionBatch}))

	sub := &SubscriptionRequest{SessionIDs: []string{"a"}}
	assert.True(t, sub.matches(Event{Type: EventTypeSessionBatch, SessionID: "a"}))
	assert.False(t, sub.matches(Event{Type: EventTypeSessionBatch, SessionID: "b"}))
	assert.True(t, sub.matches(Event{Type: EventTypeSystemStatus}))
}
