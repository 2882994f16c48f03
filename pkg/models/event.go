package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType is drawn from a closed enumeration. The bus rejects types outside
// this set at publish time.
type EventType string

const (
	EventChannelCreated             EventType = "ChannelCreated"
	EventChannelDeleted             EventType = "ChannelDeleted"
	EventMemberJoined               EventType = "MemberJoined"
	EventMemberLeft                 EventType = "MemberLeft"
	EventMessagePosted              EventType = "MessagePosted"
	EventAgentSpawned               EventType = "AgentSpawned"
	EventAgentDespawned             EventType = "AgentDespawned"
	EventAgentStatusChanged         EventType = "AgentStatusChanged"
	EventAgentEmotionalStateUpdated EventType = "AgentEmotionalStateUpdated"
	EventAgentPersonaUpdated        EventType = "AgentPersonaUpdated"
	EventTurnStarted                EventType = "TurnStarted"
	EventTurnCompleted              EventType = "TurnCompleted"
	EventTurnFailed                 EventType = "TurnFailed"
)

var knownEventTypes = map[EventType]struct{}{
	EventChannelCreated: {}, EventChannelDeleted: {},
	EventMemberJoined: {}, EventMemberLeft: {},
	EventMessagePosted:  {},
	EventAgentSpawned:   {}, EventAgentDespawned: {},
	EventAgentStatusChanged: {}, EventAgentEmotionalStateUpdated: {},
	EventAgentPersonaUpdated: {},
	EventTurnStarted:         {}, EventTurnCompleted: {}, EventTurnFailed: {},
}

// ValidEventType reports whether t belongs to the closed event set.
func ValidEventType(t EventType) bool {
	_, ok := knownEventTypes[t]
	return ok
}

// Event is an immutable bus record. Payload is never mutated after publish.
type Event struct {
	ID        string    `json:"event_id"`
	Type      EventType `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// NewEvent stamps a fresh event with id and UTC timestamp.
func NewEvent(t EventType, source string, payload any) Event {
	return NewEventWithID(uuid.New().String(), t, source, payload)
}

// NewEventWithID is NewEvent with a caller-chosen id, for replay and dedup.
func NewEventWithID(id string, t EventType, source string, payload any) Event {
	return Event{
		ID:        id,
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}
}

// TurnStatusPayload accompanies TurnStarted/TurnCompleted/TurnFailed.
type TurnStatusPayload struct {
	AgentID        string `json:"agent_id"`
	ChannelID      string `json:"channel_id"`
	ConversationID string `json:"conversation_id"`
	TriggerID      string `json:"trigger_message_id"`
	ReplyID        string `json:"reply_message_id,omitempty"`
	ErrorKind      string `json:"error_kind,omitempty"`
	Error          string `json:"error,omitempty"`
}

// StateUpdatePayload accompanies AgentEmotionalStateUpdated.
type StateUpdatePayload struct {
	AgentID string `json:"agent_id"`
	Version uint64 `json:"version"`
}

// MemberPayload accompanies MemberJoined/MemberLeft.
type MemberPayload struct {
	ChannelID string `json:"channel_id"`
	EntityID  string `json:"entity_id"`
}

// StatusPayload accompanies AgentStatusChanged.
type StatusPayload struct {
	AgentID string      `json:"agent_id"`
	Status  AgentStatus `json:"status"`
}
