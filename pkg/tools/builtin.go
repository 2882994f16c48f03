package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gemini-legion/legion/pkg/channels"
	"github.com/gemini-legion/legion/pkg/llm"
	"github.com/gemini-legion/legion/pkg/models"
)

// Builtin returns the standard tool kit wired to the channel service.
func Builtin(svc *channels.Service) []Tool {
	return []Tool{
		&sendChannelMessage{svc: svc},
		&listChannels{svc: svc},
		&channelHistory{svc: svc},
	}
}

// sendChannelMessage posts on the agent's behalf through the channel service,
// so tool-sent messages get ids, authorization, and announcements exactly
// like any other message.
type sendChannelMessage struct {
	svc *channels.Service
}

func (t *sendChannelMessage) Name() string { return "send_channel_message" }

func (t *sendChannelMessage) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        t.Name(),
		Description: "Send a message to a channel you are a member of. Omit channel_id to use the current channel.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"channel_id": {"type": "string", "description": "Target channel id; defaults to the current channel"},
				"content": {"type": "string", "description": "Message text"}
			},
			"required": ["content"]
		}`),
	}
}

func (t *sendChannelMessage) Invoke(ctx context.Context, call Call) (string, error) {
	var args struct {
		ChannelID string `json:"channel_id"`
		Content   string `json:"content"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	channelID := args.ChannelID
	if channelID == "" {
		channelID = call.ChannelID
	}
	msg, err := t.svc.Post(ctx, channelID, call.AgentID, models.SenderAgent, args.Content, models.MessageChat, nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`{"message_id":%q,"channel_id":%q}`, msg.ID, msg.ChannelID), nil
}

// listChannels lets an agent discover rooms it can speak in.
type listChannels struct {
	svc *channels.Service
}

func (t *listChannels) Name() string { return "list_channels" }

func (t *listChannels) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        t.Name(),
		Description: "List channels visible to you with their ids and types.",
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	}
}

func (t *listChannels) Invoke(ctx context.Context, call Call) (string, error) {
	all, err := t.svc.List(ctx)
	if err != nil {
		return "", err
	}
	type row struct {
		ID   string `json:"channel_id"`
		Name string `json:"name"`
		Type string `json:"type"`
	}
	var rows []row
	for _, ch := range all {
		if ch.Type != models.ChannelPublic && !ch.IsMember(call.AgentID) {
			continue
		}
		rows = append(rows, row{ID: ch.ID, Name: ch.Name, Type: string(ch.Type)})
	}
	out, err := json.Marshal(rows)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// channelHistory returns recent messages from a channel.
type channelHistory struct {
	svc *channels.Service
}

func (t *channelHistory) Name() string { return "get_channel_history" }

func (t *channelHistory) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        t.Name(),
		Description: "Fetch the most recent messages from a channel. Omit channel_id to use the current channel.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"channel_id": {"type": "string"},
				"limit": {"type": "integer", "description": "How many messages, default 20"}
			}
		}`),
	}
}

func (t *channelHistory) Invoke(ctx context.Context, call Call) (string, error) {
	var args struct {
		ChannelID string `json:"channel_id"`
		Limit     int    `json:"limit"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	channelID := args.ChannelID
	if channelID == "" {
		channelID = call.ChannelID
	}
	if args.Limit <= 0 {
		args.Limit = 20
	}

	msgs, err := t.svc.Messages(ctx, channelID, args.Limit, "")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	lines := make([]map[string]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, map[string]string{
			"message_id": m.ID,
			"sender":     m.SenderID,
			"content":    m.Content,
		})
	}
	enc := json.NewEncoder(&b)
	if err := enc.Encode(lines); err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}
