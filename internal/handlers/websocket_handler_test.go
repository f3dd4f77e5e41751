package handlers

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"request-network/internal/cache"
)

func dialHub(t *testing.T, hub *EventHub, query string) *websocket.Conn {
	t.Helper()
	r := gin.New()
	r.GET("/ws", hub.HandleConnections)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readType(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

func TestEventHubStreamsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewEventHub(zap.NewNop())
	go hub.Run(ctx)

	conn := dialHub(t, hub, "")

	// A round trip guarantees the client is registered.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", gjson.Get(readType(t, conn), "type").String())

	hub.Publish(cache.Event{Action: "completed", RequestID: "r1", UserID: "u1", Status: "completed"})
	msg := readType(t, conn)
	assert.Equal(t, "request_event", gjson.Get(msg, "type").String())
	assert.Equal(t, "r1", gjson.Get(msg, "data.request_id").String())

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "bogus"}))
	assert.Equal(t, "error", gjson.Get(readType(t, conn), "type").String())
}

func TestEventHubFiltersByUser(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewEventHub(zap.NewNop())
	go hub.Run(ctx)

	conn := dialHub(t, hub, "")
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "user_id": "u2"}))
	assert.Equal(t, "subscribed", gjson.Get(readType(t, conn), "type").String())

	hub.Publish(cache.Event{Action: "submitted", RequestID: "r1", UserID: "u1"})
	hub.Publish(cache.Event{Action: "submitted", RequestID: "r2", UserID: "u2"})

	assert.Equal(t, "r2", gjson.Get(readType(t, conn), "data.request_id").String())
}

func TestEventHubReceivesCacheEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewEventHub(zap.NewNop())
	go hub.Run(ctx)

	cm := cache.NewWithClient(nil, nil)
	defer cm.Close()
	cm.Subscribe(hub.Publish)

	conn := dialHub(t, hub, "?user_id=u1")
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	readType(t, conn)

	cm.PublishEvent(context.Background(), cache.Event{Action: "failed", RequestID: "r9", UserID: "u1", Status: "failed"})
	msg := readType(t, conn)
	assert.Equal(t, "failed", gjson.Get(msg, "data.status").String())
}
