// Package runtime drives single agent turns: prompt assembly, bounded model
// calls with retry, the tool loop, and cancellation. It owns no conversation
// state; sessions are read for context and the orchestrator does the
// post-turn bookkeeping.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gemini-legion/legion/pkg/llm"
	"github.com/gemini-legion/legion/pkg/models"
	"github.com/gemini-legion/legion/pkg/sessions"
	"github.com/gemini-legion/legion/pkg/tools"
)

// State is the lifecycle state of one invocation.
type State string

const (
	StateIdle        State = "idle"
	StatePreparing   State = "preparing"
	StateCalling     State = "calling"
	StateToolPending State = "tool_pending"
	StateFinalizing  State = "finalizing"
	StateDone        State = "done"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// EventKind tags entries on the turn event stream.
type EventKind string

const (
	EventPartialText EventKind = "partial_text"
	EventToolCall    EventKind = "tool_call"
	EventToolResult  EventKind = "tool_result"
	EventFinalText   EventKind = "final_text"
	EventFailed      EventKind = "failed"
)

// TurnEvent is one entry on the stream returned by Invoke. The stream is
// PartialText*, (ToolCall ToolResult)*, then exactly one FinalText or Failed.
type TurnEvent struct {
	Kind   EventKind
	Text   string
	Tool   string
	Args   string
	Result string
	Err    error
}

// Request describes the turn to run.
type Request struct {
	Agent          *models.Agent
	Channel        *models.Channel
	ConversationID string
	Trigger        models.Message
}

// Retry policy for transient model errors.
const (
	defaultRetryBase   = 500 * time.Millisecond
	defaultMaxAttempts = 5
)

// Runtime runs turns for all agents under one global concurrency bound.
type Runtime struct {
	client   llm.Client
	sessions *sessions.Manager
	registry *tools.Registry

	sem          *semaphore.Weighted
	llmTimeout   time.Duration
	maxToolDepth int
	retryBase    time.Duration
	maxAttempts  int

	mu       sync.Mutex
	nextID   atomic.Uint64
	inflight map[string]map[uint64]*Invocation // agent id -> invocation id
	active   atomic.Int64
}

// Invocation is one tracked turn.
type Invocation struct {
	ID        uint64
	AgentID   string
	ChannelID string
	StartedAt time.Time

	cancel context.CancelFunc

	stateMu sync.Mutex
	state   State
}

// State returns the invocation's current lifecycle state.
func (inv *Invocation) State() State {
	inv.stateMu.Lock()
	defer inv.stateMu.Unlock()
	return inv.state
}

func (inv *Invocation) setState(s State) {
	inv.stateMu.Lock()
	inv.state = s
	inv.stateMu.Unlock()
}

// New creates a runtime bounded to maxConcurrent simultaneous model calls.
func New(client llm.Client, sess *sessions.Manager, registry *tools.Registry, maxConcurrent int, llmTimeout time.Duration, maxToolDepth int) *Runtime {
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	if llmTimeout <= 0 {
		llmTimeout = 60 * time.Second
	}
	if maxToolDepth <= 0 {
		maxToolDepth = 5
	}
	return &Runtime{
		client:       client,
		sessions:     sess,
		registry:     registry,
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		llmTimeout:   llmTimeout,
		maxToolDepth: maxToolDepth,
		retryBase:    defaultRetryBase,
		maxAttempts:  defaultMaxAttempts,
		inflight:     make(map[string]map[uint64]*Invocation),
	}
}

// Invoke starts one turn and returns its event stream. The stream is closed
// after the terminal event. Cancelling ctx (or CancelAgent) aborts the turn.
func (r *Runtime) Invoke(ctx context.Context, req Request) (<-chan TurnEvent, error) {
	if req.Agent == nil || req.Channel == nil {
		return nil, fmt.Errorf("%w: invoke needs agent and channel", models.ErrValidationFailed)
	}
	if req.ConversationID == "" {
		req.ConversationID = req.Channel.ConversationID()
	}

	turnCtx, cancel := context.WithCancel(ctx)
	inv := &Invocation{
		ID:        r.nextID.Add(1),
		AgentID:   req.Agent.ID,
		ChannelID: req.Channel.ID,
		StartedAt: time.Now().UTC(),
		cancel:    cancel,
		state:     StateIdle,
	}
	r.register(inv)

	events := make(chan TurnEvent, 64)
	go func() {
		defer close(events)
		defer cancel()
		defer r.unregister(inv)
		r.run(turnCtx, req, inv, events)
	}()
	return events, nil
}

// CancelAgent aborts every in-flight turn for the agent. Used at despawn.
func (r *Runtime) CancelAgent(agentID string) int {
	r.mu.Lock()
	invs := make([]*Invocation, 0, len(r.inflight[agentID]))
	for _, inv := range r.inflight[agentID] {
		invs = append(invs, inv)
	}
	r.mu.Unlock()
	for _, inv := range invs {
		inv.cancel()
	}
	if len(invs) > 0 {
		slog.Info("Cancelled in-flight turns", "agent_id", agentID, "count", len(invs))
	}
	return len(invs)
}

// Active returns the number of in-flight turns.
func (r *Runtime) Active() int64 { return r.active.Load() }

// InvocationInfo is a queryable snapshot of one in-flight turn.
type InvocationInfo struct {
	ID        uint64    `json:"id"`
	AgentID   string    `json:"agent_id"`
	ChannelID string    `json:"channel_id"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

// Snapshot lists all in-flight turns.
func (r *Runtime) Snapshot() []InvocationInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []InvocationInfo
	for _, byID := range r.inflight {
		for _, inv := range byID {
			out = append(out, InvocationInfo{
				ID: inv.ID, AgentID: inv.AgentID, ChannelID: inv.ChannelID,
				State: inv.State(), StartedAt: inv.StartedAt,
			})
		}
	}
	return out
}

func (r *Runtime) register(inv *Invocation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.inflight[inv.AgentID]
	if !ok {
		byID = make(map[uint64]*Invocation)
		r.inflight[inv.AgentID] = byID
	}
	byID[inv.ID] = inv
	r.active.Add(1)
}

func (r *Runtime) unregister(inv *Invocation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if byID, ok := r.inflight[inv.AgentID]; ok {
		delete(byID, inv.ID)
		if len(byID) == 0 {
			delete(r.inflight, inv.AgentID)
		}
	}
	r.active.Add(-1)
}

// run executes the turn state machine. Exactly one terminal event is sent.
func (r *Runtime) run(ctx context.Context, req Request, inv *Invocation, events chan<- TurnEvent) {
	agent := req.Agent
	log := slog.With("agent_id", agent.ID, "channel_id", req.Channel.ID, "invocation", inv.ID)

	fail := func(state State, err error) {
		inv.setState(state)
		log.Warn("Turn failed", "state", state, "error", err)
		events <- TurnEvent{Kind: EventFailed, Err: err}
	}

	inv.setState(StatePreparing)
	release := r.sessions.Acquire(agent.ID, req.ConversationID)
	defer release()

	sess, err := r.sessions.Get(ctx, agent.ID, req.ConversationID)
	if err != nil {
		fail(StateFailed, err)
		return
	}

	system := BuildSystemPrompt(agent.Persona, sess.State)
	msgs := append([]llm.ChatMessage{{Role: llm.RoleSystem, Content: system}},
		BuildMessages(agent.ID, sess, req.Trigger)...)
	specs := r.registry.Specs(agent.Persona.AllowedTools)

	if err := r.sem.Acquire(ctx, 1); err != nil {
		fail(StateCancelled, fmt.Errorf("%w: %v", models.ErrCancelled, err))
		return
	}
	defer r.sem.Release(1)

	for depth := 0; ; depth++ {
		inv.setState(StateCalling)
		completion, err := r.callWithRetry(ctx, llm.Request{
			Model:       agent.Persona.Model,
			Temperature: agent.Persona.Temperature,
			MaxTokens:   agent.Persona.MaxTokens,
			Messages:    msgs,
			Tools:       specs,
		}, func(text string) {
			events <- TurnEvent{Kind: EventPartialText, Text: text}
		})
		if err != nil {
			if ctx.Err() != nil {
				fail(StateCancelled, fmt.Errorf("%w: %v", models.ErrCancelled, ctx.Err()))
			} else {
				fail(StateFailed, err)
			}
			return
		}

		if len(completion.ToolCalls) == 0 {
			inv.setState(StateFinalizing)
			events <- TurnEvent{Kind: EventFinalText, Text: completion.Text}
			inv.setState(StateDone)
			return
		}

		if depth >= r.maxToolDepth {
			fail(StateFailed, fmt.Errorf("%w: tool depth %d exceeded", models.ErrToolFailed, r.maxToolDepth))
			return
		}

		inv.setState(StateToolPending)
		msgs = append(msgs, llm.ChatMessage{
			Role:      llm.RoleAssistant,
			Content:   completion.Text,
			ToolCalls: completion.ToolCalls,
		})
		for _, call := range completion.ToolCalls {
			events <- TurnEvent{Kind: EventToolCall, Tool: call.Name, Args: call.Arguments}
			result, err := r.registry.Invoke(ctx, call.Name, agent.Persona.AllowedTools, tools.Call{
				AgentID:        agent.ID,
				ChannelID:      req.Channel.ID,
				ConversationID: req.ConversationID,
				Arguments:      []byte(call.Arguments),
			})
			if err != nil {
				if ctx.Err() != nil {
					fail(StateCancelled, fmt.Errorf("%w: %v", models.ErrCancelled, ctx.Err()))
				} else {
					fail(StateFailed, err)
				}
				return
			}
			events <- TurnEvent{Kind: EventToolResult, Tool: call.Name, Result: result}
			msgs = append(msgs, llm.ChatMessage{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Content:    result,
			})
		}
	}
}

// callWithRetry runs one completion with the transient retry policy:
// exponential backoff from retryBase, at most maxAttempts tries. Fatal model
// errors and cancellation short-circuit.
func (r *Runtime) callWithRetry(ctx context.Context, req llm.Request, onDelta llm.DeltaFunc) (*llm.Completion, error) {
	backoff := r.retryBase
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, r.llmTimeout)
		completion, err := r.client.Complete(callCtx, req, onDelta)
		cancel()
		if err == nil {
			return completion, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrCancelled, ctx.Err())
		}
		if errors.Is(err, models.ErrModelFatal) {
			return nil, err
		}
		lastErr = err
		if attempt < r.maxAttempts {
			slog.Debug("Transient model error, backing off",
				"attempt", attempt, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", models.ErrCancelled, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("model retries exhausted after %d attempts: %w", r.maxAttempts, lastErr)
}
