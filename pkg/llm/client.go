// Package llm abstracts the OpenAI-compatible chat completion API used to
// drive agent turns. The runtime depends on Client; the openai adapter is the
// production implementation.
package llm

import (
	"context"
	"encoding/json"
)

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one turn of model context.
type ChatMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolCalls echoes a previous assistant message's calls when replaying
	// context for the tool-result round trip.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolSpec describes one callable tool offered to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is the model asking for one tool invocation.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Request is one completion call.
type Request struct {
	Model       string
	Temperature float32
	MaxTokens   int
	Messages    []ChatMessage
	Tools       []ToolSpec
}

// Completion is the model's answer: final text, or tool calls to satisfy
// before asking again.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
}

// DeltaFunc receives incremental text while a completion streams. It is never
// called for tool-call deltas.
type DeltaFunc func(text string)

// Client is the model boundary. When onDelta is non-nil the implementation
// streams and reports text chunks as they arrive; the returned Completion is
// always the full result either way. Errors are classified: transient
// failures unwrap to models.ErrModelTransient, permanent ones to
// models.ErrModelFatal.
type Client interface {
	Complete(ctx context.Context, req Request, onDelta DeltaFunc) (*Completion, error)
}
