// Package persona owns the agent roster and each agent's emotional state.
// All mutations flow through the Engine; other components hold agent ids and
// read snapshots.
package persona

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gemini-legion/legion/pkg/bus"
	"github.com/gemini-legion/legion/pkg/models"
	"github.com/gemini-legion/legion/pkg/store"
)

// maxWriteRetries bounds optimistic retry on emotional state writes.
const maxWriteRetries = 3

// Engine is the persona and emotional engine.
type Engine struct {
	repo store.AgentRepository
	bus  *bus.Bus

	// moodCap bounds any single mood/energy/stress delta per turn.
	moodCap float64
	// opinionCap bounds any single opinion component delta per turn.
	opinionCap float64

	// lockMu guards locks. Each agent's emotional writes are serialized by
	// its own mutex, held across read-modify-write-publish so
	// AgentEmotionalStateUpdated leaves the bus in version order.
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewEngine creates the engine with the configured delta caps.
func NewEngine(repo store.AgentRepository, b *bus.Bus, moodCap, opinionCap float64) *Engine {
	if moodCap <= 0 {
		moodCap = 0.2
	}
	if opinionCap <= 0 {
		opinionCap = 10
	}
	return &Engine{
		repo:       repo,
		bus:        b,
		moodCap:    moodCap,
		opinionCap: opinionCap,
		locks:      make(map[string]*sync.Mutex),
	}
}

// stateLock returns the mutex serializing emotional writes for one agent.
func (e *Engine) stateLock(agentID string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	mu, ok := e.locks[agentID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[agentID] = mu
	}
	return mu
}

// Spawn validates the persona and registers a new agent with neutral
// emotional state. The agent id is the persona name when free, which keeps
// @name addressing and ids aligned.
func (e *Engine) Spawn(ctx context.Context, p models.Persona) (*models.Agent, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	id := p.Name
	if _, err := e.repo.GetAgent(ctx, id); err == nil {
		id = p.Name + "-" + uuid.New().String()[:8]
	}

	agent := &models.Agent{
		ID:        id,
		Persona:   p,
		Status:    models.AgentStatusIdle,
		Emotional: models.NewEmotionalState(),
		SpawnedAt: time.Now().UTC(),
	}
	if err := e.repo.SaveAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", id, err)
	}

	slog.Info("Agent spawned", "agent_id", id, "model", p.Model)
	e.publish(models.NewEvent(models.EventAgentSpawned, "persona-engine", agent))
	return agent, nil
}

// Despawn removes the agent from the roster.
func (e *Engine) Despawn(ctx context.Context, agentID string) error {
	if err := e.repo.DeleteAgent(ctx, agentID); err != nil {
		return err
	}
	e.lockMu.Lock()
	delete(e.locks, agentID)
	e.lockMu.Unlock()
	slog.Info("Agent despawned", "agent_id", agentID)
	e.publish(models.NewEvent(models.EventAgentDespawned, "persona-engine",
		models.StatusPayload{AgentID: agentID}))
	return nil
}

// Get returns a snapshot of the agent.
func (e *Engine) Get(ctx context.Context, agentID string) (*models.Agent, error) {
	return e.repo.GetAgent(ctx, agentID)
}

// List returns a snapshot of the roster.
func (e *Engine) List(ctx context.Context) ([]*models.Agent, error) {
	return e.repo.ListAgents(ctx)
}

// UpdatePersona replaces the mutable presentation fields. Name, model and
// base personality are fixed for the agent's lifetime.
func (e *Engine) UpdatePersona(ctx context.Context, agentID string, quirks, catchphrases, expertise, allowedTools []string) (*models.Agent, error) {
	agent, err := e.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if quirks != nil {
		agent.Persona.Quirks = quirks
	}
	if catchphrases != nil {
		agent.Persona.Catchphrases = catchphrases
	}
	if expertise != nil {
		agent.Persona.Expertise = expertise
	}
	if allowedTools != nil {
		agent.Persona.AllowedTools = allowedTools
	}
	if err := e.repo.SaveAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("update persona of %s: %w", agentID, err)
	}
	e.publish(models.NewEvent(models.EventAgentPersonaUpdated, "persona-engine", agent))
	return agent, nil
}

// SetStatus records the agent's lifecycle status and announces the change.
func (e *Engine) SetStatus(ctx context.Context, agentID string, status models.AgentStatus) error {
	if err := e.repo.UpdateAgentStatus(ctx, agentID, status); err != nil {
		return err
	}
	e.publish(models.NewEvent(models.EventAgentStatusChanged, "persona-engine",
		models.StatusPayload{AgentID: agentID, Status: status}))
	return nil
}

// ApplyTurn folds a completed turn into the agent's emotional state. The
// appraisal (when present) supplies scaled deltas; without one a small
// success/failure heuristic applies. Every component is delta-capped and
// clamped. The per-agent lock covers the publish too; the version-conflict
// retry only guards against out-of-process writers on a shared store.
func (e *Engine) ApplyTurn(ctx context.Context, agentID, counterpartID string, appraisal *models.TurnAppraisal, failed bool) error {
	mu := e.stateLock(agentID)
	mu.Lock()
	defer mu.Unlock()
	for attempt := 0; attempt < maxWriteRetries; attempt++ {
		agent, err := e.repo.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}
		state := agent.Emotional
		if state == nil {
			state = models.NewEmotionalState()
		}
		prev := state.Version

		e.applyDeltas(state, counterpartID, appraisal, failed)
		state.Version = prev + 1
		state.LastUpdated = time.Now().UTC()
		state.Clamp()

		err = e.repo.UpdateEmotionalState(ctx, agentID, state, prev)
		if errors.Is(err, models.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("apply turn to %s: %w", agentID, err)
		}
		e.publish(models.NewEvent(models.EventAgentEmotionalStateUpdated, "persona-engine",
			models.StateUpdatePayload{AgentID: agentID, Version: state.Version}))
		return nil
	}
	return fmt.Errorf("%w: emotional state of %s", models.ErrConcurrencyConflict, agentID)
}

// Override replaces the emotional state wholesale (admin surface). The
// version still increments monotonically and components are clamped.
func (e *Engine) Override(ctx context.Context, agentID string, state models.EmotionalState) (*models.EmotionalState, error) {
	mu := e.stateLock(agentID)
	mu.Lock()
	defer mu.Unlock()
	for attempt := 0; attempt < maxWriteRetries; attempt++ {
		agent, err := e.repo.GetAgent(ctx, agentID)
		if err != nil {
			return nil, err
		}
		prev := uint64(0)
		if agent.Emotional != nil {
			prev = agent.Emotional.Version
		}
		next := state.Clone()
		next.Version = prev + 1
		next.LastUpdated = time.Now().UTC()
		next.Clamp()

		err = e.repo.UpdateEmotionalState(ctx, agentID, next, prev)
		if errors.Is(err, models.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("override emotional state of %s: %w", agentID, err)
		}
		slog.Warn("Emotional state overridden", "agent_id", agentID, "version", next.Version)
		e.publish(models.NewEvent(models.EventAgentEmotionalStateUpdated, "persona-engine",
			models.StateUpdatePayload{AgentID: agentID, Version: next.Version}))
		return next, nil
	}
	return nil, fmt.Errorf("%w: emotional state of %s", models.ErrConcurrencyConflict, agentID)
}

// applyDeltas mutates state in place with capped contributions.
func (e *Engine) applyDeltas(state *models.EmotionalState, counterpartID string, appraisal *models.TurnAppraisal, failed bool) {
	if appraisal == nil {
		appraisal = defaultAppraisal(failed)
	}

	capm := func(v float64) float64 { return models.ClampF(v, -1, 1) * e.moodCap }
	state.Mood.Valence += capm(appraisal.ValenceDelta)
	state.Mood.Arousal += capm(appraisal.ArousalDelta)
	state.Stress += capm(appraisal.StressDelta)
	// Every turn costs a little energy; failures cost more.
	if failed {
		state.Energy -= 0.05
	} else {
		state.Energy -= 0.02
	}

	if counterpartID == "" {
		return
	}
	op := state.Opinions[counterpartID]
	capo := func(v float64) float64 { return models.ClampF(v, -1, 1) * e.opinionCap }
	op.Trust += capo(appraisal.TrustDelta)
	op.Respect += capo(appraisal.RespectDelta)
	op.Affection += capo(appraisal.AffectionDelta)
	op.InteractionCount++
	op.LastInteraction = time.Now().UTC()
	if appraisal.NotableEvent != "" {
		op.NotableEvents = append(op.NotableEvents, appraisal.NotableEvent)
		if len(op.NotableEvents) > 20 {
			op.NotableEvents = op.NotableEvents[len(op.NotableEvents)-20:]
		}
	}
	state.Opinions[counterpartID] = op
}

// defaultAppraisal is the heuristic used when the model returned no appraisal.
func defaultAppraisal(failed bool) *models.TurnAppraisal {
	if failed {
		return &models.TurnAppraisal{ValenceDelta: -0.3, StressDelta: 0.5}
	}
	return &models.TurnAppraisal{ValenceDelta: 0.15, StressDelta: -0.1, TrustDelta: 0.1}
}

func (e *Engine) publish(event models.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(event); err != nil {
		slog.Warn("Failed to publish persona event", "type", event.Type, "error", err)
	}
}
