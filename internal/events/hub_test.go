package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func runHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func dialClient(t *testing.T, hub *Hub, topics ...string) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, err := NewClient(hub, w, r, topics, zap.NewNop())
		if err != nil {
			return
		}
		client.Run()
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return hub.ConnectedCount() > 0
	}, time.Second, 10*time.Millisecond)
	return conn
}

func TestPublishReachesSubscribedTopic(t *testing.T) {
	hub := runHub(t)
	conn := dialClient(t, hub, "agents")

	hub.Publish(Event{
		Type:    EvAgentStatus,
		Topic:   "agents",
		Payload: map[string]any{"agent_id": "agent-1", "connected": true},
	})

	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EvAgentStatus, ev.Type)
	assert.Equal(t, "agents", ev.Topic)

	payload, ok := ev.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "agent-1", payload["agent_id"])
}

func TestPublishSkipsOtherTopics(t *testing.T) {
	hub := runHub(t)
	conn := dialClient(t, hub, "commands")

	hub.Publish(Event{Type: EvAgentStatus, Topic: "agents", Payload: nil})
	hub.Publish(Event{Type: EvCommandResult, Topic: "commands", Payload: map[string]any{"request_id": "r1"}})

	// Only the commands event arrives.
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EvCommandResult, ev.Type)
}

func TestPerAgentTopicIsolation(t *testing.T) {
	hub := runHub(t)
	conn := dialClient(t, hub, "agent:a1")

	hub.Publish(Event{Type: EvAgentHeartbeat, Topic: "agent:a2", Payload: nil})
	hub.Publish(Event{Type: EvAgentHeartbeat, Topic: "agent:a1", Payload: map[string]any{"agent_id": "a1"}})

	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "agent:a1", ev.Topic)
}

func TestDisconnectUnregisters(t *testing.T) {
	hub := runHub(t)
	conn := dialClient(t, hub, "agents")

	require.Equal(t, 1, hub.ConnectedCount())
	conn.Close()

	require.Eventually(t, func() bool {
		return hub.ConnectedCount() == 0
	}, time.Second, 10*time.Millisecond)

	// Publishing to an empty topic set is a no-op.
	hub.Publish(Event{Type: EvAgentStatus, Topic: "agents"})
}
