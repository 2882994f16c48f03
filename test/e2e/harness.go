// Package e2e wires the full in-memory stack and drives it through the REST
// and WebSocket surfaces the way a client would.
package e2e

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gemini-legion/legion/pkg/api"
	"github.com/gemini-legion/legion/pkg/bus"
	"github.com/gemini-legion/legion/pkg/channels"
	"github.com/gemini-legion/legion/pkg/config"
	"github.com/gemini-legion/legion/pkg/llm"
	"github.com/gemini-legion/legion/pkg/memory"
	"github.com/gemini-legion/legion/pkg/models"
	"github.com/gemini-legion/legion/pkg/observe"
	"github.com/gemini-legion/legion/pkg/orchestrator"
	"github.com/gemini-legion/legion/pkg/persona"
	"github.com/gemini-legion/legion/pkg/runtime"
	"github.com/gemini-legion/legion/pkg/sessions"
	"github.com/gemini-legion/legion/pkg/store"
	"github.com/gemini-legion/legion/pkg/tools"
)

// ScriptedLLM routes every completion through a swappable behavior.
type ScriptedLLM struct {
	mu       sync.Mutex
	calls    int
	Behavior func(ctx context.Context, req llm.Request) (*llm.Completion, error)
}

func (s *ScriptedLLM) Complete(ctx context.Context, req llm.Request, _ llm.DeltaFunc) (*llm.Completion, error) {
	s.mu.Lock()
	s.calls++
	behavior := s.Behavior
	s.mu.Unlock()
	return behavior(ctx, req)
}

// Calls returns how many completions were requested.
func (s *ScriptedLLM) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// SetBehavior swaps the completion behavior.
func (s *ScriptedLLM) SetBehavior(fn func(ctx context.Context, req llm.Request) (*llm.Completion, error)) {
	s.mu.Lock()
	s.Behavior = fn
	s.mu.Unlock()
}

// LastUserContent extracts the content of the final user message, which is
// always the trigger.
func LastUserContent(req llm.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

// Harness is the assembled stack under test.
type Harness struct {
	Cfg      *config.Config
	Bus      *bus.Bus
	Store    *store.MemoryStore
	Channels *channels.Service
	Personas *persona.Engine
	Memories *memory.Engine
	Sessions *sessions.Manager
	Runtime  *runtime.Runtime
	Orch     *orchestrator.Orchestrator
	LLM      *ScriptedLLM
	HTTP     *httptest.Server
}

// NewHarness builds the stack on the in-memory backend with the scripted
// model client. mutate adjusts defaults before wiring.
func NewHarness(t *testing.T, mutate func(cfg *config.Config)) *Harness {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	h := &Harness{
		Cfg:   cfg,
		Bus:   bus.New(cfg.Bus.SlowHandlerThreshold()),
		Store: store.NewMemoryStore(),
		LLM: &ScriptedLLM{Behavior: func(_ context.Context, req llm.Request) (*llm.Completion, error) {
			return &llm.Completion{Text: "copy: " + LastUserContent(req)}, nil
		}},
	}
	t.Cleanup(h.Bus.Close)

	h.Channels = channels.NewService(h.Store, h.Bus)
	h.Personas = persona.NewEngine(h.Store, h.Bus, cfg.Persona.MoodDeltaCap, cfg.Persona.OpinionDeltaCap)
	h.Memories = memory.NewEngine(h.Store, cfg.Memory.WorkingMemorySize,
		cfg.Memory.EpisodicSalienceThreshold, cfg.Memory.ConsolidationInterval)
	h.Sessions = sessions.NewManager(h.Store, cfg.Limits.MaxHistoryPerSession)

	registry := tools.NewRegistry(tools.Builtin(h.Channels)...)
	h.Runtime = runtime.New(h.LLM, h.Sessions, registry,
		cfg.Limits.MaxConcurrentInvocations, cfg.Limits.LLMTimeout(), cfg.Limits.MaxToolDepth)

	h.Orch = orchestrator.New(h.Bus, h.Channels, h.Personas, h.Memories, h.Sessions, h.Runtime,
		orchestrator.Limits{
			MaxRespondersPerMessage:  cfg.Limits.MaxRespondersPerMessage,
			MaxConsecutiveAgentTurns: cfg.Limits.MaxConsecutiveAgentTurns,
		}, cfg.Channels.AutoSubscribeDefaults)
	h.Orch.Start()
	t.Cleanup(h.Orch.Stop)

	metrics := observe.NewMetrics(h.Runtime.Active)
	metrics.Observe(h.Bus)
	srv := api.NewServer(cfg, h.Bus, h.Store, h.Channels, h.Personas, h.Orch, h.Runtime, metrics)
	t.Cleanup(srv.Close)
	h.HTTP = httptest.NewServer(srv.Router())
	t.Cleanup(h.HTTP.Close)
	return h
}

// Spawn creates an agent with a minimal persona.
func (h *Harness) Spawn(t *testing.T, name, personality string) *models.Agent {
	t.Helper()
	agent, err := h.Personas.Spawn(context.Background(), models.Persona{
		Name:            name,
		BasePersonality: personality,
		Model:           h.Cfg.LLM.DefaultModel,
	})
	require.NoError(t, err)
	return agent
}

// Room creates a public channel with the given members.
func (h *Harness) Room(t *testing.T, name string, members ...string) *models.Channel {
	t.Helper()
	ch, err := h.Channels.Create(context.Background(),
		models.ChannelPublic, name, "", members, "commander")
	require.NoError(t, err)
	return ch
}

// Post admits a user message.
func (h *Harness) Post(t *testing.T, channelID, sender, content string) *models.Message {
	t.Helper()
	msg, err := h.Channels.Post(context.Background(),
		channelID, sender, models.SenderUser, content, models.MessageChat, nil)
	require.NoError(t, err)
	return msg
}

// AgentMessages lists the channel's agent-sent messages in order.
func (h *Harness) AgentMessages(t *testing.T, channelID string) []*models.Message {
	t.Helper()
	msgs, err := h.Channels.Messages(context.Background(), channelID, 0, "")
	require.NoError(t, err)
	var out []*models.Message
	for _, m := range msgs {
		if m.SenderKind == models.SenderAgent {
			out = append(out, m)
		}
	}
	return out
}

// WaitAgentMessages polls until the channel holds exactly n agent messages
// and the channel has gone quiet.
func (h *Harness) WaitAgentMessages(t *testing.T, channelID string, n int) []*models.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.AgentMessages(t, channelID)) >= n
	}, 10*time.Second, 10*time.Millisecond, "expected %d agent messages", n)
	time.Sleep(150 * time.Millisecond)
	msgs := h.AgentMessages(t, channelID)
	require.Len(t, msgs, n)
	return msgs
}

// Events subscribes a collector to the given types.
func (h *Harness) Events(types ...models.EventType) chan models.Event {
	out := make(chan models.Event, 64)
	h.Bus.Subscribe("e2e-collector", types, func(_ context.Context, e models.Event) error {
		out <- e
		return nil
	})
	return out
}

// waitEvent blocks for the next event of the channel or fails the test.
func waitEvent(t *testing.T, ch chan models.Event) models.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for event")
		return models.Event{}
	}
}
