package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemini-legion/legion/pkg/bus"
	"github.com/gemini-legion/legion/pkg/channels"
	"github.com/gemini-legion/legion/pkg/llm"
	"github.com/gemini-legion/legion/pkg/models"
	"github.com/gemini-legion/legion/pkg/store"
)

func newKit(t *testing.T) (*Registry, *channels.Service, *bus.Bus) {
	t.Helper()
	b := bus.New(0)
	t.Cleanup(b.Close)
	svc := channels.NewService(store.NewMemoryStore(), b)
	return NewRegistry(Builtin(svc)...), svc, b
}

func TestRegistrySpecsFollowAllowlist(t *testing.T) {
	r, _, _ := newKit(t)

	assert.Empty(t, r.Specs(nil), "no allowlist, no tools")

	specs := r.Specs([]string{"send_channel_message", "not_a_tool"})
	require.Len(t, specs, 1)
	assert.Equal(t, "send_channel_message", specs[0].Name)

	assert.Equal(t,
		[]string{"get_channel_history", "list_channels", "send_channel_message"},
		r.Names())
}

func TestInvokeEnforcesAllowlist(t *testing.T) {
	r, _, _ := newKit(t)
	ctx := context.Background()

	_, err := r.Invoke(ctx, "list_channels", nil, Call{AgentID: "scout"})
	assert.ErrorIs(t, err, models.ErrToolFailed)

	_, err = r.Invoke(ctx, "no_such_tool", []string{"no_such_tool"}, Call{AgentID: "scout"})
	assert.ErrorIs(t, err, models.ErrToolFailed)
}

func TestSendChannelMessageLoopsThroughService(t *testing.T) {
	r, svc, _ := newKit(t)
	ctx := context.Background()

	ch, err := svc.Create(ctx, models.ChannelPublic, "general", "", []string{"scout"}, "user")
	require.NoError(t, err)

	out, err := r.Invoke(ctx, "send_channel_message", []string{"send_channel_message"}, Call{
		AgentID:   "scout",
		ChannelID: ch.ID,
		Arguments: json.RawMessage(`{"content":"reporting in"}`),
	})
	require.NoError(t, err)

	var result struct {
		MessageID string `json:"message_id"`
		ChannelID string `json:"channel_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, ch.ID, result.ChannelID)

	history, err := svc.Messages(ctx, ch.ID, 10, "")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, result.MessageID, history[0].ID)
	assert.Equal(t, "scout", history[0].SenderID)
	assert.Equal(t, models.SenderAgent, history[0].SenderKind)
}

func TestSendChannelMessageAuthorization(t *testing.T) {
	r, svc, _ := newKit(t)
	ctx := context.Background()

	private, err := svc.Create(ctx, models.ChannelPrivate, "ops", "", []string{"user"}, "user")
	require.NoError(t, err)

	_, err = r.Invoke(ctx, "send_channel_message", []string{"send_channel_message"}, Call{
		AgentID:   "scout",
		ChannelID: private.ID,
		Arguments: json.RawMessage(`{"content":"sneaking in"}`),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrToolFailed)
}

func TestListChannelsHidesPrivateRooms(t *testing.T) {
	r, svc, _ := newKit(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, models.ChannelPublic, "general", "", nil, "user")
	require.NoError(t, err)
	_, err = svc.Create(ctx, models.ChannelPrivate, "ops", "", []string{"user"}, "user")
	require.NoError(t, err)
	mine, err := svc.Create(ctx, models.ChannelPrivate, "mine", "", []string{"scout", "user"}, "user")
	require.NoError(t, err)

	out, err := r.Invoke(ctx, "list_channels", []string{"list_channels"}, Call{AgentID: "scout"})
	require.NoError(t, err)

	var rows []struct {
		ID   string `json:"channel_id"`
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	names := []string{rows[0].Name, rows[1].Name}
	assert.Contains(t, names, "general")
	assert.Contains(t, names, "mine")
	_ = mine
}

func TestGetChannelHistory(t *testing.T) {
	r, svc, _ := newKit(t)
	ctx := context.Background()

	ch, err := svc.Create(ctx, models.ChannelPublic, "general", "", nil, "user")
	require.NoError(t, err)
	_, err = svc.Post(ctx, ch.ID, "user", models.SenderUser, "first", models.MessageChat, nil)
	require.NoError(t, err)
	_, err = svc.Post(ctx, ch.ID, "user", models.SenderUser, "second", models.MessageChat, nil)
	require.NoError(t, err)

	out, err := r.Invoke(ctx, "get_channel_history", []string{"get_channel_history"}, Call{
		AgentID:   "scout",
		ChannelID: ch.ID,
		Arguments: json.RawMessage(`{"limit": 10}`),
	})
	require.NoError(t, err)

	var rows []map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "first", rows[0]["content"])
	assert.Equal(t, "second", rows[1]["content"])
}

// stallTool blocks until its context expires.
type stallTool struct{}

func (stallTool) Name() string { return "stall" }

func (stallTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{Name: "stall", Parameters: json.RawMessage(`{"type":"object","properties":{}}`)}
}

func (stallTool) Invoke(ctx context.Context, _ Call) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestInvokeTimesOutSlowTool(t *testing.T) {
	r := NewRegistry(stallTool{})
	r.timeout = 20 * time.Millisecond

	start := time.Now()
	_, err := r.Invoke(context.Background(), "stall", []string{"stall"}, Call{AgentID: "scout"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrToolFailed)
	assert.Less(t, time.Since(start), 2*time.Second, "timeout must cut the tool off")
}

func TestSpecsAreValidJSONSchema(t *testing.T) {
	r, _, _ := newKit(t)
	for _, spec := range r.Specs(r.Names()) {
		var schema map[string]any
		require.NoError(t, json.Unmarshal(spec.Parameters, &schema), "tool %s", spec.Name)
		assert.Equal(t, "object", schema["type"], "tool %s", spec.Name)
	}
}
