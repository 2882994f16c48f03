// Package sessions manages per-agent conversational state. Each session is
// keyed by (agent id, conversation id) and holds a sliding window of history
// plus a summary slot that absorbs evicted messages.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gemini-legion/legion/pkg/models"
	"github.com/gemini-legion/legion/pkg/store"
)

// maxPutRetries bounds the reload-and-retry loop on version conflicts.
const maxPutRetries = 3

// summaryLimit caps the summary slot; when exceeded the oldest lines fall off.
const summaryLimit = 4000

// Manager is the session store facade. Writers race through optimistic
// concurrency on the repository; Manager absorbs conflicts by reloading.
// Acquire hands out the per-key mutex so a whole turn can serialize against
// other turns on the same session.
type Manager struct {
	repo       store.SessionRepository
	maxHistory int

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewManager creates a session manager with the given history window size.
func NewManager(repo store.SessionRepository, maxHistory int) *Manager {
	if maxHistory <= 0 {
		maxHistory = 100
	}
	return &Manager{
		repo:       repo,
		maxHistory: maxHistory,
		locks:      make(map[string]*sync.Mutex),
	}
}

// Acquire locks the session key and returns the release func. Turns hold the
// lock from prompt assembly through the final history append.
func (m *Manager) Acquire(agentID, conversationID string) func() {
	key := agentID + "|" + conversationID
	m.lockMu.Lock()
	mu, ok := m.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[key] = mu
	}
	m.lockMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Get returns the session for the key, or a fresh unpersisted session when
// none exists yet. The returned session is the caller's copy.
func (m *Manager) Get(ctx context.Context, agentID, conversationID string) (*models.Session, error) {
	sess, err := m.repo.GetSession(ctx, agentID, conversationID)
	if errors.Is(err, models.ErrNotFound) {
		return &models.Session{
			AgentID:        agentID,
			ConversationID: conversationID,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s/%s: %w", agentID, conversationID, err)
	}
	return sess, nil
}

// Append adds messages to the session history, folding evicted entries into
// the summary. Conflicting writers are retried against a fresh read.
func (m *Manager) Append(ctx context.Context, agentID, conversationID string, msgs ...models.Message) error {
	return m.update(ctx, agentID, conversationID, func(sess *models.Session) {
		sess.History = append(sess.History, msgs...)
		m.trim(sess)
	})
}

// SetState writes one cue key into the session state map.
func (m *Manager) SetState(ctx context.Context, agentID, conversationID, key, value string) error {
	return m.update(ctx, agentID, conversationID, func(sess *models.Session) {
		if sess.State == nil {
			sess.State = make(map[string]string)
		}
		sess.State[key] = value
	})
}

// DeleteAgent removes every session belonging to the agent.
func (m *Manager) DeleteAgent(ctx context.Context, agentID string) error {
	return m.repo.DeleteSessions(ctx, agentID)
}

// update runs mutate against the current session and persists it, retrying on
// version conflicts with a reload in between.
func (m *Manager) update(ctx context.Context, agentID, conversationID string, mutate func(*models.Session)) error {
	var lastErr error
	for attempt := 0; attempt < maxPutRetries; attempt++ {
		sess, err := m.Get(ctx, agentID, conversationID)
		if err != nil {
			return err
		}
		mutate(sess)
		if err := m.repo.PutSession(ctx, sess, sess.Version); err != nil {
			if errors.Is(err, models.ErrConcurrencyConflict) {
				lastErr = err
				slog.Debug("Session write conflict, retrying",
					"agent_id", agentID, "conversation_id", conversationID, "attempt", attempt+1)
				continue
			}
			return fmt.Errorf("store session %s/%s: %w", agentID, conversationID, err)
		}
		return nil
	}
	return fmt.Errorf("session %s/%s: retries exhausted: %w", agentID, conversationID, lastErr)
}

// trim enforces the history window, folding evicted messages into the summary
// one line each, oldest first.
func (m *Manager) trim(sess *models.Session) {
	if len(sess.History) <= m.maxHistory {
		return
	}
	evicted := sess.History[:len(sess.History)-m.maxHistory]
	sess.History = append([]models.Message(nil), sess.History[len(sess.History)-m.maxHistory:]...)

	var b strings.Builder
	b.WriteString(sess.Summary)
	for _, msg := range evicted {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(foldLine(msg))
	}
	sess.Summary = capSummary(b.String())
}

// foldLine renders one evicted message as a compact summary line.
func foldLine(msg models.Message) string {
	content := msg.Content
	if len(content) > 120 {
		content = content[:117] + "..."
	}
	return fmt.Sprintf("[%s] %s: %s", msg.Timestamp.Format("15:04"), msg.SenderID, content)
}

// capSummary keeps the summary under summaryLimit by dropping oldest lines.
func capSummary(s string) string {
	for len(s) > summaryLimit {
		idx := strings.IndexByte(s, '\n')
		if idx < 0 {
			return s[len(s)-summaryLimit:]
		}
		s = s[idx+1:]
	}
	return s
}
