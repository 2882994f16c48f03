package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gemini-legion/legion/pkg/models"
)

// MemoryStore is the in-process backend. It is the default for development
// and the substrate for unit tests; all state is lost on shutdown.
type MemoryStore struct {
	mu       sync.RWMutex
	agents   map[string]*models.Agent
	channels map[string]*models.Channel
	messages map[string][]*models.Message // channel id -> append order
	sessions map[string]*models.Session   // agent|conversation -> session
	memories map[string]*models.MemoryEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[string]*models.Agent),
		channels: make(map[string]*models.Channel),
		messages: make(map[string][]*models.Message),
		sessions: make(map[string]*models.Session),
		memories: make(map[string]*models.MemoryEntry),
	}
}

var _ Store = (*MemoryStore)(nil)

func sessionKey(agentID, conversationID string) string {
	return agentID + "|" + conversationID
}

func cloneAgent(a *models.Agent) *models.Agent {
	out := *a
	if a.Emotional != nil {
		out.Emotional = a.Emotional.Clone()
	}
	return &out
}

func cloneChannel(ch *models.Channel) *models.Channel {
	out := *ch
	out.Members = make(map[string]struct{}, len(ch.Members))
	for m := range ch.Members {
		out.Members[m] = struct{}{}
	}
	return &out
}

func (s *MemoryStore) SaveAgent(_ context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", models.ErrNotFound, id)
	}
	return cloneAgent(agent), nil
}

func (s *MemoryStore) ListAgents(_ context.Context) ([]*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return fmt.Errorf("%w: agent %s", models.ErrNotFound, id)
	}
	delete(s.agents, id)
	return nil
}

func (s *MemoryStore) UpdateEmotionalState(_ context.Context, agentID string, state *models.EmotionalState, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: agent %s", models.ErrNotFound, agentID)
	}
	current := uint64(0)
	if agent.Emotional != nil {
		current = agent.Emotional.Version
	}
	if current != expectedVersion {
		return fmt.Errorf("%w: emotional state of %s at version %d, expected %d",
			models.ErrConcurrencyConflict, agentID, current, expectedVersion)
	}
	agent.Emotional = state.Clone()
	return nil
}

func (s *MemoryStore) UpdateAgentStatus(_ context.Context, agentID string, status models.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: agent %s", models.ErrNotFound, agentID)
	}
	agent.Status = status
	return nil
}

func (s *MemoryStore) SaveChannel(_ context.Context, ch *models.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.ID] = cloneChannel(ch)
	return nil
}

func (s *MemoryStore) GetChannel(_ context.Context, id string) (*models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: channel %s", models.ErrNotFound, id)
	}
	return cloneChannel(ch), nil
}

func (s *MemoryStore) ListChannels(_ context.Context) ([]*models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, cloneChannel(ch))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteChannel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[id]; !ok {
		return fmt.Errorf("%w: channel %s", models.ErrNotFound, id)
	}
	delete(s.channels, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := *msg
	s.messages[msg.ChannelID] = append(s.messages[msg.ChannelID], &m)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, channelID string, limit int, beforeID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.messages[channelID]

	end := len(log)
	if beforeID != "" {
		end = 0
		for i, m := range log {
			if m.ID == beforeID {
				end = i
				break
			}
		}
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}

	out := make([]*models.Message, 0, end-start)
	for _, m := range log[start:end] {
		c := *m
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) GetSession(_ context.Context, agentID, conversationID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionKey(agentID, conversationID)]
	if !ok {
		return nil, fmt.Errorf("%w: session %s/%s", models.ErrNotFound, agentID, conversationID)
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) PutSession(_ context.Context, session *models.Session, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(session.AgentID, session.ConversationID)
	current := uint64(0)
	if existing, ok := s.sessions[key]; ok {
		current = existing.Version
	}
	if current != expectedVersion {
		return fmt.Errorf("%w: session %s at version %d, expected %d",
			models.ErrConcurrencyConflict, key, current, expectedVersion)
	}
	stored := session.Clone()
	stored.Version = expectedVersion + 1
	stored.UpdatedAt = time.Now().UTC()
	s.sessions[key] = stored
	session.Version = stored.Version
	session.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *MemoryStore) DeleteSessions(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := agentID + "|"
	for key := range s.sessions {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(s.sessions, key)
		}
	}
	return nil
}

func (s *MemoryStore) SaveMemory(_ context.Context, entry *models.MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *entry
	s.memories[entry.ID] = &e
	return nil
}

func (s *MemoryStore) ListMemories(_ context.Context, agentID string, tier models.MemoryTier) ([]*models.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.MemoryEntry
	for _, e := range s.memories {
		if e.AgentID == agentID && e.Tier == tier {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteMemory(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[id]; !ok {
		return fmt.Errorf("%w: memory %s", models.ErrNotFound, id)
	}
	delete(s.memories, id)
	return nil
}

func (s *MemoryStore) DeleteMemories(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.memories {
		if e.AgentID == agentID {
			delete(s.memories, id)
		}
	}
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}
