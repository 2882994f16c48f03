package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemini-legion/legion/pkg/bus"
	"github.com/gemini-legion/legion/pkg/channels"
	"github.com/gemini-legion/legion/pkg/llm"
	"github.com/gemini-legion/legion/pkg/memory"
	"github.com/gemini-legion/legion/pkg/models"
	"github.com/gemini-legion/legion/pkg/persona"
	"github.com/gemini-legion/legion/pkg/runtime"
	"github.com/gemini-legion/legion/pkg/sessions"
	"github.com/gemini-legion/legion/pkg/store"
	"github.com/gemini-legion/legion/pkg/tools"
)

// scriptedLLM answers every completion through a single respond func.
type scriptedLLM struct {
	mu      sync.Mutex
	calls   int
	respond func(req llm.Request) (*llm.Completion, error)
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request, _ llm.DeltaFunc) (*llm.Completion, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.respond(req)
}

type fixture struct {
	bus      *bus.Bus
	store    *store.MemoryStore
	channels *channels.Service
	personas *persona.Engine
	memories *memory.Engine
	sessions *sessions.Manager
	llm      *scriptedLLM
	orch     *Orchestrator
}

func newFixture(t *testing.T, limits Limits, autoSubscribe []string) *fixture {
	t.Helper()
	f := &fixture{
		bus:   bus.New(0),
		store: store.NewMemoryStore(),
		llm: &scriptedLLM{respond: func(llm.Request) (*llm.Completion, error) {
			return &llm.Completion{Text: "ack"}, nil
		}},
	}
	t.Cleanup(f.bus.Close)

	f.channels = channels.NewService(f.store, f.bus)
	f.personas = persona.NewEngine(f.store, f.bus, 0.2, 10)
	f.memories = memory.NewEngine(f.store, 50, 0.5, 20)
	f.sessions = sessions.NewManager(f.store, 100)
	rt := runtime.New(f.llm, f.sessions, tools.NewRegistry(), 16, time.Minute, 5)

	f.orch = New(f.bus, f.channels, f.personas, f.memories, f.sessions, rt, limits, autoSubscribe)
	f.orch.Start()
	t.Cleanup(f.orch.Stop)
	return f
}

func (f *fixture) spawn(t *testing.T, name string) *models.Agent {
	t.Helper()
	agent, err := f.personas.Spawn(context.Background(), models.Persona{
		Name:            name,
		BasePersonality: "test minion",
		Model:           "gpt-4o-mini",
	})
	require.NoError(t, err)
	return agent
}

func (f *fixture) room(t *testing.T, members ...string) *models.Channel {
	t.Helper()
	ch, err := f.channels.Create(context.Background(), models.ChannelPublic, "room", "", members, "user")
	require.NoError(t, err)
	return ch
}

// agentMessages returns messages posted by agents in the channel.
func (f *fixture) agentMessages(t *testing.T, channelID string) []*models.Message {
	t.Helper()
	msgs, err := f.channels.Messages(context.Background(), channelID, 0, "")
	require.NoError(t, err)
	var out []*models.Message
	for _, m := range msgs {
		if m.SenderKind == models.SenderAgent {
			out = append(out, m)
		}
	}
	return out
}

func TestUserMessageDrawsReply(t *testing.T) {
	f := newFixture(t, Limits{MaxConsecutiveAgentTurns: 1}, nil)
	ctx := context.Background()
	agent := f.spawn(t, "echo")
	ch := f.room(t, "user", agent.ID)

	turns := make(chan models.Event, 8)
	f.bus.Subscribe("test-turns",
		[]models.EventType{models.EventTurnStarted, models.EventTurnCompleted},
		func(_ context.Context, e models.Event) error { turns <- e; return nil })

	_, err := f.channels.Post(ctx, ch.ID, "user", models.SenderUser, "hello there", models.MessageChat, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.agentMessages(t, ch.ID)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	reply := f.agentMessages(t, ch.ID)[0]
	assert.Equal(t, agent.ID, reply.SenderID)
	assert.Equal(t, "ack", reply.Content)

	started := <-turns
	completed := <-turns
	assert.Equal(t, models.EventTurnStarted, started.Type)
	assert.Equal(t, models.EventTurnCompleted, completed.Type)
	payload := completed.Payload.(*models.TurnStatusPayload)
	assert.Equal(t, agent.ID, payload.AgentID)
	assert.Equal(t, reply.ID, payload.ReplyID)

	// trigger and reply both land in the session
	require.Eventually(t, func() bool {
		sess, err := f.sessions.Get(ctx, agent.ID, ch.ID)
		return err == nil && len(sess.History) == 2
	}, 2*time.Second, 5*time.Millisecond)

	// the turn leaves a working memory behind
	entries, err := f.memories.Recall(ctx, agent.ID, "hello", 5)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	require.Eventually(t, func() bool {
		got, err := f.personas.Get(ctx, agent.ID)
		return err == nil && got.Status == models.AgentStatusIdle
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAddressingFiltersResponders(t *testing.T) {
	f := newFixture(t, Limits{MaxConsecutiveAgentTurns: 1}, nil)
	ctx := context.Background()
	alpha := f.spawn(t, "alpha")
	beta := f.spawn(t, "beta")
	ch := f.room(t, "user", alpha.ID, beta.ID)

	_, err := f.channels.Post(ctx, ch.ID, "user", models.SenderUser, "@alpha what do you think?", models.MessageChat, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.agentMessages(t, ch.ID)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	replies := f.agentMessages(t, ch.ID)
	require.Len(t, replies, 1)
	assert.Equal(t, alpha.ID, replies[0].SenderID)
}

func TestMentionOfUnknownNameDoesNotFilter(t *testing.T) {
	f := newFixture(t, Limits{MaxConsecutiveAgentTurns: 2}, nil)
	ctx := context.Background()
	f.spawn(t, "alpha")
	f.spawn(t, "beta")
	ch := f.room(t, "user", "alpha", "beta")

	_, err := f.channels.Post(ctx, ch.ID, "user", models.SenderUser, "@nobody around?", models.MessageChat, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.agentMessages(t, ch.ID)) == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestResponderBudget(t *testing.T) {
	f := newFixture(t, Limits{MaxRespondersPerMessage: 1, MaxConsecutiveAgentTurns: 1}, nil)
	ctx := context.Background()
	alpha := f.spawn(t, "alpha")
	f.spawn(t, "beta")
	ch := f.room(t, "user", "alpha", "beta")

	_, err := f.channels.Post(ctx, ch.ID, "user", models.SenderUser, "anyone around?", models.MessageChat, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.agentMessages(t, ch.ID)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	replies := f.agentMessages(t, ch.ID)
	require.Len(t, replies, 1)
	assert.Equal(t, alpha.ID, replies[0].SenderID) // deterministic: lowest id within budget
}

func TestCycleGuardStopsAgentPingPong(t *testing.T) {
	f := newFixture(t, Limits{MaxConsecutiveAgentTurns: 2}, nil)
	ctx := context.Background()
	f.spawn(t, "alpha")
	f.spawn(t, "beta")
	ch := f.room(t, "user", "alpha", "beta")

	_, err := f.channels.Post(ctx, ch.ID, "user", models.SenderUser, "kick off", models.MessageChat, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.agentMessages(t, ch.ID)) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	// let any stragglers run, then confirm the guard held the line at 2
	time.Sleep(300 * time.Millisecond)
	assert.Len(t, f.agentMessages(t, ch.ID), 2)
}

func TestEmptyFinalTextPostsNothing(t *testing.T) {
	f := newFixture(t, Limits{MaxConsecutiveAgentTurns: 1}, nil)
	f.llm.respond = func(llm.Request) (*llm.Completion, error) {
		return &llm.Completion{Text: ""}, nil
	}
	ctx := context.Background()
	agent := f.spawn(t, "quiet")
	ch := f.room(t, "user", agent.ID)

	completed := make(chan models.Event, 1)
	f.bus.Subscribe("test-turns",
		[]models.EventType{models.EventTurnCompleted},
		func(_ context.Context, e models.Event) error { completed <- e; return nil })

	_, err := f.channels.Post(ctx, ch.ID, "user", models.SenderUser, "anything to say?", models.MessageChat, nil)
	require.NoError(t, err)

	select {
	case e := <-completed:
		payload := e.Payload.(*models.TurnStatusPayload)
		assert.Empty(t, payload.ReplyID)
	case <-time.After(2 * time.Second):
		t.Fatal("turn never completed")
	}
	assert.Empty(t, f.agentMessages(t, ch.ID))
}

func TestFatalModelErrorPublishesTurnFailed(t *testing.T) {
	f := newFixture(t, Limits{MaxConsecutiveAgentTurns: 1}, nil)
	f.llm.respond = func(llm.Request) (*llm.Completion, error) {
		return nil, fmt.Errorf("%w: content rejected", models.ErrModelFatal)
	}
	ctx := context.Background()
	agent := f.spawn(t, "doomed")
	ch := f.room(t, "user", agent.ID)

	failed := make(chan models.Event, 1)
	f.bus.Subscribe("test-turns",
		[]models.EventType{models.EventTurnFailed},
		func(_ context.Context, e models.Event) error { failed <- e; return nil })

	_, err := f.channels.Post(ctx, ch.ID, "user", models.SenderUser, "try anyway", models.MessageChat, nil)
	require.NoError(t, err)

	select {
	case e := <-failed:
		payload := e.Payload.(*models.TurnStatusPayload)
		assert.Equal(t, agent.ID, payload.AgentID)
		assert.Equal(t, models.ErrorKind(models.ErrModelFatal), payload.ErrorKind)
	case <-time.After(2 * time.Second):
		t.Fatal("TurnFailed never published")
	}

	require.Eventually(t, func() bool {
		got, err := f.personas.Get(ctx, agent.ID)
		return err == nil && got.Status == models.AgentStatusError
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.agentMessages(t, ch.ID))
}

func TestAutoSubscribeDefaults(t *testing.T) {
	f := newFixture(t, Limits{MaxConsecutiveAgentTurns: 1}, []string{"greeter", "absent"})
	ctx := context.Background()
	f.spawn(t, "greeter")

	ch, err := f.channels.Create(ctx, models.ChannelPublic, "fresh", "", []string{"user"}, "user")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := f.channels.Get(ctx, ch.ID)
		return err == nil && got.IsMember("greeter")
	}, 2*time.Second, 5*time.Millisecond)

	// unspawned defaults are skipped
	got, err := f.channels.Get(ctx, ch.ID)
	require.NoError(t, err)
	assert.False(t, got.IsMember("absent"))

	// DMs are never auto-subscribed
	dm, err := f.channels.Create(ctx, models.ChannelDM, "pair", "", []string{"user", "other"}, "user")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	got, err = f.channels.Get(ctx, dm.ID)
	require.NoError(t, err)
	assert.False(t, got.IsMember("greeter"))
}

func TestDespawnDropsEverything(t *testing.T) {
	f := newFixture(t, Limits{MaxConsecutiveAgentTurns: 1}, nil)
	ctx := context.Background()
	agent := f.spawn(t, "mortal")
	ch := f.room(t, "user", agent.ID)

	_, err := f.channels.Post(ctx, ch.ID, "user", models.SenderUser, "hi", models.MessageChat, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(f.agentMessages(t, ch.ID)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.orch.Despawn(ctx, agent.ID))

	_, err = f.personas.Get(ctx, agent.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	sess, err := f.sessions.Get(ctx, agent.ID, ch.ID)
	require.NoError(t, err)
	assert.Empty(t, sess.History) // fresh, unpersisted

	entries, err := f.memories.Recall(ctx, agent.ID, "hi", 5)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMentionParsing(t *testing.T) {
	got := parseMentions("hey @Alpha, and @beta! but not email@example.com")
	assert.Contains(t, got, "alpha")
	assert.Contains(t, got, "beta")
	assert.NotContains(t, got, "example.com")
}
