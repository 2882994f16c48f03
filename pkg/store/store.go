// Package store defines the persistence boundary for agents, channels,
// messages, sessions, and memories, with in-memory and PostgreSQL backends.
package store

import (
	"context"

	"github.com/gemini-legion/legion/pkg/models"
)

// AgentRepository persists spawned agents and their emotional state.
type AgentRepository interface {
	SaveAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]*models.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
	// UpdateEmotionalState replaces the stored state only if its version
	// equals expectedVersion; otherwise ErrConcurrencyConflict.
	UpdateEmotionalState(ctx context.Context, agentID string, state *models.EmotionalState, expectedVersion uint64) error
	UpdateAgentStatus(ctx context.Context, agentID string, status models.AgentStatus) error
}

// ChannelRepository persists channels and their membership.
type ChannelRepository interface {
	SaveChannel(ctx context.Context, ch *models.Channel) error
	GetChannel(ctx context.Context, id string) (*models.Channel, error)
	ListChannels(ctx context.Context) ([]*models.Channel, error)
	DeleteChannel(ctx context.Context, id string) error
}

// MessageRepository is the append-only message log per channel.
type MessageRepository interface {
	AppendMessage(ctx context.Context, msg *models.Message) error
	// ListMessages returns up to limit messages for the channel, newest last.
	// A non-empty beforeID restricts to messages older than that message.
	ListMessages(ctx context.Context, channelID string, limit int, beforeID string) ([]*models.Message, error)
}

// SessionRepository persists per-(agent, conversation) sessions with
// optimistic concurrency on Session.Version.
type SessionRepository interface {
	GetSession(ctx context.Context, agentID, conversationID string) (*models.Session, error)
	// PutSession stores the session if the stored version still equals
	// expectedVersion (0 means the session must not exist yet). The stored
	// version becomes expectedVersion+1.
	PutSession(ctx context.Context, session *models.Session, expectedVersion uint64) error
	DeleteSessions(ctx context.Context, agentID string) error
}

// MemoryRepository persists memory entries across tiers.
type MemoryRepository interface {
	SaveMemory(ctx context.Context, entry *models.MemoryEntry) error
	// ListMemories returns the agent's entries in the tier, newest first.
	ListMemories(ctx context.Context, agentID string, tier models.MemoryTier) ([]*models.MemoryEntry, error)
	DeleteMemory(ctx context.Context, id string) error
	DeleteMemories(ctx context.Context, agentID string) error
}

// Store aggregates every repository behind one backend.
type Store interface {
	AgentRepository
	ChannelRepository
	MessageRepository
	SessionRepository
	MemoryRepository

	Ping(ctx context.Context) error
	Close()
}
