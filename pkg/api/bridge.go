package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gemini-legion/legion/pkg/bus"
	"github.com/gemini-legion/legion/pkg/models"
	"github.com/gemini-legion/legion/pkg/observe"
)

const (
	// catchupLimit caps the events replayed for one catchup request.
	catchupLimit = 200
	// ringCap bounds the replay buffer; older envelopes are dropped.
	ringCap = 1024

	writeTimeout = 5 * time.Second

	// topicAgents carries agent lifecycle events not scoped to a channel.
	topicAgents = "agents"
)

// Envelope is the wire format pushed to WebSocket clients. Seq is a
// monotonically increasing position usable as last_event_id in catchup.
type Envelope struct {
	Seq       uint64           `json:"seq"`
	EventType models.EventType `json:"event_type"`
	Payload   any              `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	EventID   string           `json:"event_id"`
	ChannelID string           `json:"channel_id,omitempty"`
	MessageID string           `json:"message_id,omitempty"`
}

// ClientMessage is what clients send over the socket.
type ClientMessage struct {
	Action      string  `json:"action"`
	Channel     string  `json:"channel"`
	LastEventID *uint64 `json:"last_event_id"`
}

// Bridge mirrors bus events to WebSocket subscribers, keyed by channel topic.
// A bounded in-memory ring backs catchup for late subscribers.
type Bridge struct {
	metrics *observe.Metrics
	busSub  *bus.Subscription
	bus     *bus.Bus

	seq atomic.Uint64

	ringMu sync.Mutex
	ring   []ringEntry

	mu          sync.RWMutex
	connections map[string]*Connection

	topicMu sync.RWMutex
	topics  map[string]map[string]bool // topic -> connection ids
}

type ringEntry struct {
	seq   uint64
	topic string
	data  []byte
}

// Connection is one WebSocket client. subscriptions is only touched from the
// connection's own read-loop goroutine.
type Connection struct {
	ID            string
	conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewBridge attaches to the bus and starts mirroring immediately.
func NewBridge(b *bus.Bus, metrics *observe.Metrics) *Bridge {
	br := &Bridge{
		metrics:     metrics,
		bus:         b,
		connections: make(map[string]*Connection),
		topics:      make(map[string]map[string]bool),
	}
	br.busSub = b.Subscribe("ws-bridge", allBridgedEventTypes, br.onEvent)
	return br
}

// Close detaches from the bus and drops all client connections.
func (br *Bridge) Close() {
	br.bus.Unsubscribe(br.busSub)
	br.mu.Lock()
	conns := make([]*Connection, 0, len(br.connections))
	for _, c := range br.connections {
		conns = append(conns, c)
	}
	br.mu.Unlock()
	for _, c := range conns {
		c.cancel()
	}
}

var allBridgedEventTypes = []models.EventType{
	models.EventChannelCreated, models.EventChannelDeleted,
	models.EventMemberJoined, models.EventMemberLeft,
	models.EventMessagePosted,
	models.EventAgentSpawned, models.EventAgentDespawned,
	models.EventAgentStatusChanged, models.EventAgentEmotionalStateUpdated,
	models.EventAgentPersonaUpdated,
	models.EventTurnStarted, models.EventTurnCompleted, models.EventTurnFailed,
}

// onEvent converts a bus event into an envelope, records it in the ring, and
// fans it out to the topic's subscribers.
func (br *Bridge) onEvent(_ context.Context, e models.Event) error {
	topic, channelID, messageID := routeEvent(e)
	env := Envelope{
		Seq:       br.seq.Add(1),
		EventType: e.Type,
		Payload:   e.Payload,
		Timestamp: e.Timestamp,
		EventID:   e.ID,
		ChannelID: channelID,
		MessageID: messageID,
	}
	data, err := json.Marshal(env)
	if err != nil {
		slog.Warn("Failed to marshal envelope", "type", e.Type, "error", err)
		return nil
	}

	br.ringMu.Lock()
	br.ring = append(br.ring, ringEntry{seq: env.Seq, topic: topic, data: data})
	if len(br.ring) > ringCap {
		br.ring = br.ring[len(br.ring)-ringCap:]
	}
	br.ringMu.Unlock()

	br.broadcast(topic, data)
	return nil
}

// routeEvent picks the WebSocket topic for an event: channel-scoped events go
// to their channel id, everything else to the agents topic. The message id is
// surfaced so clients can dedupe against REST fetches.
func routeEvent(e models.Event) (topic, channelID, messageID string) {
	switch p := e.Payload.(type) {
	case *models.Message:
		return p.ChannelID, p.ChannelID, p.ID
	case *models.Channel:
		return p.ID, p.ID, ""
	case *models.MemberPayload:
		return p.ChannelID, p.ChannelID, ""
	case models.MemberPayload:
		return p.ChannelID, p.ChannelID, ""
	case *models.TurnStatusPayload:
		return p.ChannelID, p.ChannelID, ""
	default:
		return topicAgents, "", ""
	}
}

// broadcast fans raw bytes out to a topic's subscribers.
func (br *Bridge) broadcast(topic string, data []byte) {
	br.topicMu.RLock()
	ids := make([]string, 0, len(br.topics[topic]))
	for id := range br.topics[topic] {
		ids = append(ids, id)
	}
	br.topicMu.RUnlock()
	if len(ids) == 0 {
		return
	}

	br.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := br.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	br.mu.RUnlock()

	for _, c := range conns {
		if err := br.sendRaw(c, data); err != nil {
			slog.Warn("WebSocket send failed", "connection_id", c.ID, "error", err)
		}
	}
}

// HandleConnection owns one client socket. Blocks until the socket closes.
func (br *Bridge) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:            uuid.New().String(),
		conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	br.register(c)
	defer br.unregister(c)

	br.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.ID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", c.ID, "error", err)
			continue
		}
		br.handleClientMessage(c, &msg)
	}
}

func (br *Bridge) handleClientMessage(c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			br.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		br.subscribe(c, msg.Channel)
		br.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})
		var since uint64
		if msg.LastEventID != nil {
			since = *msg.LastEventID
		}
		br.sendCatchup(c, msg.Channel, since)

	case "unsubscribe":
		if msg.Channel == "" {
			br.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		br.unsubscribe(c, msg.Channel)

	case "catchup":
		if msg.Channel == "" || msg.LastEventID == nil {
			br.sendJSON(c, map[string]string{"type": "error", "message": "channel and last_event_id are required for catchup"})
			return
		}
		br.sendCatchup(c, msg.Channel, *msg.LastEventID)

	case "ping":
		br.sendJSON(c, map[string]string{"type": "pong"})
	}
}

func (br *Bridge) subscribe(c *Connection, topic string) {
	br.topicMu.Lock()
	if _, ok := br.topics[topic]; !ok {
		br.topics[topic] = make(map[string]bool)
	}
	br.topics[topic][c.ID] = true
	br.topicMu.Unlock()
	c.subscriptions[topic] = true
}

func (br *Bridge) unsubscribe(c *Connection, topic string) {
	br.topicMu.Lock()
	if subs, ok := br.topics[topic]; ok {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(br.topics, topic)
		}
	}
	br.topicMu.Unlock()
	delete(c.subscriptions, topic)
}

// sendCatchup replays ring entries for the topic with seq > since, oldest
// first. Overflow past the limit tells the client to reload over REST.
func (br *Bridge) sendCatchup(c *Connection, topic string, since uint64) {
	br.ringMu.Lock()
	var pending [][]byte
	for _, entry := range br.ring {
		if entry.topic == topic && entry.seq > since {
			pending = append(pending, entry.data)
		}
	}
	br.ringMu.Unlock()

	hasMore := len(pending) > catchupLimit
	if hasMore {
		pending = pending[:catchupLimit]
	}
	for _, data := range pending {
		if err := br.sendRaw(c, data); err != nil {
			slog.Warn("Failed to send catchup event", "connection_id", c.ID, "error", err)
			return
		}
	}
	if hasMore {
		br.sendJSON(c, map[string]any{
			"type":     "catchup.overflow",
			"channel":  topic,
			"has_more": true,
		})
	}
}

func (br *Bridge) register(c *Connection) {
	br.mu.Lock()
	br.connections[c.ID] = c
	br.mu.Unlock()
	if br.metrics != nil {
		br.metrics.WSConnected()
	}
}

func (br *Bridge) unregister(c *Connection) {
	for topic := range c.subscriptions {
		br.unsubscribe(c, topic)
	}
	br.mu.Lock()
	delete(br.connections, c.ID)
	br.mu.Unlock()
	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	if br.metrics != nil {
		br.metrics.WSDisconnected()
	}
}

// ActiveConnections returns the number of open sockets.
func (br *Bridge) ActiveConnections() int {
	br.mu.RLock()
	defer br.mu.RUnlock()
	return len(br.connections)
}

func (br *Bridge) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "connection_id", c.ID, "error", err)
		return
	}
	if err := br.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message", "connection_id", c.ID, "error", err)
	}
}

func (br *Bridge) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}
