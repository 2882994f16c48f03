package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemini-legion/legion/pkg/bus"
	"github.com/gemini-legion/legion/pkg/models"
)

func setupBridge(t *testing.T) (*Bridge, *bus.Bus, *httptest.Server) {
	t.Helper()
	b := bus.New(0)
	t.Cleanup(b.Close)
	bridge := NewBridge(b, nil)
	t.Cleanup(bridge.Close)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		bridge.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(server.Close)
	return bridge, b, server
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+server.URL[len("http"):], nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestConnectionEstablishedAndPing(t *testing.T) {
	_, _, server := setupBridge(t)
	conn := connectWS(t, server)

	hello := readJSON(t, conn)
	assert.Equal(t, "connection.established", hello["type"])
	assert.NotEmpty(t, hello["connection_id"])

	writeJSON(t, conn, ClientMessage{Action: "ping"})
	assert.Equal(t, "pong", readJSON(t, conn)["type"])
}

func TestSubscribedClientReceivesEnvelope(t *testing.T) {
	_, b, server := setupBridge(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: "ch-1"})
	assert.Equal(t, "subscription.confirmed", readJSON(t, conn)["type"])

	msg := &models.Message{ID: "m-1", ChannelID: "ch-1", SenderID: "user", Content: "hi"}
	require.NoError(t, b.Publish(models.NewEvent(models.EventMessagePosted, "test", msg)))

	env := readJSON(t, conn)
	assert.Equal(t, string(models.EventMessagePosted), env["event_type"])
	assert.Equal(t, "m-1", env["message_id"])
	assert.Equal(t, "ch-1", env["channel_id"])
	assert.NotEmpty(t, env["event_id"])
	assert.NotNil(t, env["seq"])
}

func TestEnvelopesAreTopicScoped(t *testing.T) {
	_, b, server := setupBridge(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: "ch-1"})
	readJSON(t, conn)

	// other channel's traffic must not arrive
	require.NoError(t, b.Publish(models.NewEvent(models.EventMessagePosted, "test",
		&models.Message{ID: "m-other", ChannelID: "ch-2"})))
	require.NoError(t, b.Publish(models.NewEvent(models.EventMessagePosted, "test",
		&models.Message{ID: "m-mine", ChannelID: "ch-1"})))

	env := readJSON(t, conn)
	assert.Equal(t, "m-mine", env["message_id"])
}

func TestCatchupReplaysMissedEvents(t *testing.T) {
	bridge, b, server := setupBridge(t)

	// publish before anyone subscribes; wait for the ring to absorb it
	require.NoError(t, b.Publish(models.NewEvent(models.EventMessagePosted, "test",
		&models.Message{ID: "m-early", ChannelID: "ch-1"})))
	require.Eventually(t, func() bool {
		bridge.ringMu.Lock()
		defer bridge.ringMu.Unlock()
		return len(bridge.ring) == 1
	}, 2*time.Second, 5*time.Millisecond)

	conn := connectWS(t, server)
	readJSON(t, conn)

	// subscribe auto-catchup replays from seq 0
	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: "ch-1"})
	assert.Equal(t, "subscription.confirmed", readJSON(t, conn)["type"])

	env := readJSON(t, conn)
	assert.Equal(t, "m-early", env["message_id"])
}

func TestAgentEventsLandOnAgentsTopic(t *testing.T) {
	_, b, server := setupBridge(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: "agents"})
	readJSON(t, conn)

	require.NoError(t, b.Publish(models.NewEvent(models.EventAgentStatusChanged, "test",
		models.StatusPayload{AgentID: "vex", Status: models.AgentStatusThinking})))

	env := readJSON(t, conn)
	assert.Equal(t, string(models.EventAgentStatusChanged), env["event_type"])
}

func TestSubscribeRequiresChannel(t *testing.T) {
	_, _, server := setupBridge(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe"})
	assert.Equal(t, "error", readJSON(t, conn)["type"])
}
