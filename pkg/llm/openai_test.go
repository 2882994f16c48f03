package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemini-legion/legion/pkg/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, models.ErrModelTransient},
		{"server error", &openai.APIError{HTTPStatusCode: 503}, models.ErrModelTransient},
		{"bad request", &openai.APIError{HTTPStatusCode: 400}, models.ErrModelFatal},
		{"auth failure", &openai.APIError{HTTPStatusCode: 401}, models.ErrModelFatal},
		{"deadline", context.DeadlineExceeded, models.ErrModelTransient},
		{"unknown", errors.New("connection reset"), models.ErrModelTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tt.err), tt.want)
		})
	}
}

func TestBuildRequestMapsToolsAndMessages(t *testing.T) {
	params := json.RawMessage(`{"type":"object","properties":{"content":{"type":"string"}}}`)
	req := Request{
		Model:       "gpt-4o-mini",
		Temperature: 0.4,
		MaxTokens:   256,
		Messages: []ChatMessage{
			{Role: RoleSystem, Content: "you are scout"},
			{Role: RoleUser, Content: "hello", Name: "user-1"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "send_channel_message", Arguments: `{"content":"hi"}`}}},
			{Role: RoleTool, ToolCallID: "c1", Content: `{"ok":true}`},
		},
		Tools: []ToolSpec{{Name: "send_channel_message", Description: "post to a channel", Parameters: params}},
	}

	oreq := buildRequest(req)
	assert.Equal(t, "gpt-4o-mini", oreq.Model)
	assert.InDelta(t, 0.4, oreq.Temperature, 1e-6)
	require.Len(t, oreq.Messages, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, oreq.Messages[0].Role)
	require.Len(t, oreq.Messages[2].ToolCalls, 1)
	assert.Equal(t, "send_channel_message", oreq.Messages[2].ToolCalls[0].Function.Name)
	assert.Equal(t, "c1", oreq.Messages[3].ToolCallID)
	require.Len(t, oreq.Tools, 1)
	assert.Equal(t, "send_channel_message", oreq.Tools[0].Function.Name)
}
