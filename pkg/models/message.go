package models

import "time"

// SenderKind identifies who produced a message.
type SenderKind string

const (
	SenderUser   SenderKind = "user"
	SenderAgent  SenderKind = "agent"
	SenderSystem SenderKind = "system"
)

// MessageKind classifies message content.
type MessageKind string

const (
	MessageChat   MessageKind = "chat"
	MessageSystem MessageKind = "system"
	MessageTask   MessageKind = "task"
	MessageStatus MessageKind = "status"
)

// Message is one admitted channel message. The ID is assigned exactly once by
// the channel service at post time and is stable across every downstream
// emission (history, push stream, agent tool input).
type Message struct {
	ID         string         `json:"message_id"`
	ChannelID  string         `json:"channel_id"`
	SenderID   string         `json:"sender_id"`
	SenderKind SenderKind     `json:"sender_kind"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	Kind       MessageKind    `json:"kind"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
