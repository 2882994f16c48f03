package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gemini-legion/legion/pkg/models"
)

// notifyChannel is the single PostgreSQL NOTIFY channel all coordination
// events travel on. Routing by event type happens on the receiving bus.
const notifyChannel = "legion_events"

// notifyPayloadLimit stays under PostgreSQL's 8000-byte NOTIFY bound.
// Oversized payloads are replaced by a routing-only envelope; peers treat
// those as a signal to refetch via REST.
const notifyPayloadLimit = 7900

// wireEvent is the NOTIFY envelope. Origin lets the listener drop its own
// echoes so locally published events are not delivered twice.
type wireEvent struct {
	EventID   string           `json:"event_id"`
	Type      models.EventType `json:"type"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Source    string           `json:"source"`
	Origin    string           `json:"origin"`
	Truncated bool             `json:"truncated,omitempty"`
}

// PGTransport mirrors bus publishes across processes via pg_notify and feeds
// remote events back into the local bus from a dedicated LISTEN connection.
type PGTransport struct {
	nodeID  string
	pool    *pgxpool.Pool
	dsn     string
	bus     *Bus
	running atomic.Bool

	connMu sync.Mutex
	conn   *pgx.Conn

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewPGTransport creates a transport publishing through pool and listening on
// a dedicated connection dialed from dsn.
func NewPGTransport(nodeID, dsn string, pool *pgxpool.Pool, b *Bus) *PGTransport {
	return &PGTransport{nodeID: nodeID, dsn: dsn, pool: pool, bus: b}
}

// Broadcast implements Transport.
func (t *PGTransport) Broadcast(ctx context.Context, event models.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	we := wireEvent{
		EventID:   event.ID,
		Type:      event.Type,
		Payload:   payload,
		Timestamp: event.Timestamp,
		Source:    event.Source,
		Origin:    t.nodeID,
	}
	data, err := json.Marshal(we)
	if err != nil {
		return fmt.Errorf("marshal wire event: %w", err)
	}
	if len(data) > notifyPayloadLimit {
		we.Payload = nil
		we.Truncated = true
		if data, err = json.Marshal(we); err != nil {
			return fmt.Errorf("marshal truncated wire event: %w", err)
		}
	}
	if _, err := t.pool.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, string(data)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// Start dials the LISTEN connection and begins the receive loop.
func (t *PGTransport) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, t.dsn)
	if err != nil {
		return fmt.Errorf("connect for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{notifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("LISTEN %s: %w", notifyChannel, err)
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
	t.running.Store(true)

	loopCtx, cancel := context.WithCancel(ctx)
	t.cancelLoop = cancel
	t.loopDone = make(chan struct{})
	go func() {
		defer close(t.loopDone)
		t.receiveLoop(loopCtx)
	}()

	slog.Info("PG event transport started", "node_id", t.nodeID)
	return nil
}

// receiveLoop is the sole goroutine touching the LISTEN connection.
func (t *PGTransport) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t.connMu.Lock()
		conn := t.conn
		t.connMu.Unlock()
		if conn == nil {
			t.reconnect(ctx)
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("NOTIFY receive error", "error", err)
			t.reconnect(ctx)
			continue
		}
		t.handleNotification(notification.Payload)
	}
}

func (t *PGTransport) handleNotification(payload string) {
	var we wireEvent
	if err := json.Unmarshal([]byte(payload), &we); err != nil {
		slog.Warn("Dropping malformed NOTIFY payload", "error", err)
		return
	}
	if we.Origin == t.nodeID {
		return // our own echo
	}
	if we.Truncated {
		slog.Warn("Dropping truncated remote event; payload exceeded NOTIFY limit",
			"event_id", we.EventID, "type", we.Type)
		return
	}
	var body any
	if len(we.Payload) > 0 {
		if err := json.Unmarshal(we.Payload, &body); err != nil {
			slog.Warn("Dropping remote event with undecodable payload",
				"event_id", we.EventID, "error", err)
			return
		}
	}
	t.bus.InjectRemote(models.Event{
		ID:        we.EventID,
		Type:      we.Type,
		Payload:   body,
		Timestamp: we.Timestamp,
		Source:    we.Source,
	})
}

// reconnect re-establishes the LISTEN connection with exponential backoff and
// re-issues LISTEN before resuming.
func (t *PGTransport) reconnect(ctx context.Context) {
	t.connMu.Lock()
	if t.conn != nil {
		_ = t.conn.Close(ctx)
		t.conn = nil
	}
	t.connMu.Unlock()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, t.dsn)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{notifyChannel}.Sanitize()); err != nil {
			slog.Error("Re-LISTEN failed", "error", err)
			_ = conn.Close(ctx)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		t.connMu.Lock()
		t.conn = conn
		t.connMu.Unlock()
		slog.Info("PG event transport reconnected")
		return
	}
}

// Stop signals the receive loop to exit, waits for it, then closes the
// LISTEN connection.
func (t *PGTransport) Stop(ctx context.Context) {
	t.running.Store(false)
	if t.cancelLoop != nil {
		t.cancelLoop()
	}
	if t.loopDone != nil {
		<-t.loopDone
	}
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn != nil {
		_ = t.conn.Close(ctx)
		t.conn = nil
	}
}
