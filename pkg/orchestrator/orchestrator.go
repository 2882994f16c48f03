// Package orchestrator reacts to admitted messages: it selects which agents
// respond, runs their turns in order, posts replies, and feeds the outcome
// back into the persona and memory engines.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/gemini-legion/legion/pkg/bus"
	"github.com/gemini-legion/legion/pkg/channels"
	"github.com/gemini-legion/legion/pkg/memory"
	"github.com/gemini-legion/legion/pkg/models"
	"github.com/gemini-legion/legion/pkg/persona"
	"github.com/gemini-legion/legion/pkg/runtime"
	"github.com/gemini-legion/legion/pkg/sessions"
)

// Limits are the orchestration caps from configuration.
type Limits struct {
	MaxRespondersPerMessage  int
	MaxConsecutiveAgentTurns int
}

// Orchestrator wires the coordination plane together.
type Orchestrator struct {
	bus      *bus.Bus
	channels *channels.Service
	personas *persona.Engine
	memories *memory.Engine
	sessions *sessions.Manager
	runtime  *runtime.Runtime

	limits        Limits
	autoSubscribe []string

	// consecutive agent replies per channel since the last human or system
	// post. Incremented under the lock at reply time so concurrent turns
	// cannot overshoot the guard.
	cycleMu sync.Mutex
	cycles  map[string]int

	queueMu sync.Mutex
	queues  map[string]*dispatchQueue // agent|channel

	subs []*bus.Subscription

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates the orchestrator. Call Start to attach it to the bus.
func New(b *bus.Bus, ch *channels.Service, pe *persona.Engine, me *memory.Engine, sm *sessions.Manager, rt *runtime.Runtime, limits Limits, autoSubscribe []string) *Orchestrator {
	if limits.MaxRespondersPerMessage <= 0 {
		limits.MaxRespondersPerMessage = 8
	}
	if limits.MaxConsecutiveAgentTurns <= 0 {
		limits.MaxConsecutiveAgentTurns = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		bus:           b,
		channels:      ch,
		personas:      pe,
		memories:      me,
		sessions:      sm,
		runtime:       rt,
		limits:        limits,
		autoSubscribe: autoSubscribe,
		cycles:        make(map[string]int),
		queues:        make(map[string]*dispatchQueue),
		baseCtx:       ctx,
		cancel:        cancel,
	}
}

// Start subscribes to the bus.
func (o *Orchestrator) Start() {
	o.subs = append(o.subs,
		o.bus.Subscribe("orchestrator-messages",
			[]models.EventType{models.EventMessagePosted}, o.onMessagePosted),
		o.bus.Subscribe("orchestrator-channels",
			[]models.EventType{models.EventChannelCreated}, o.onChannelCreated),
	)
	slog.Info("Orchestrator started",
		"max_responders", o.limits.MaxRespondersPerMessage,
		"max_consecutive_agent_turns", o.limits.MaxConsecutiveAgentTurns)
}

// Stop detaches from the bus, cancels in-flight turns, and waits for the
// dispatch queues to drain their current job.
func (o *Orchestrator) Stop() {
	for _, sub := range o.subs {
		o.bus.Unsubscribe(sub)
	}
	o.cancel()
	o.queueMu.Lock()
	for _, q := range o.queues {
		q.close()
	}
	o.queues = make(map[string]*dispatchQueue)
	o.queueMu.Unlock()
	o.wg.Wait()
	slog.Info("Orchestrator stopped")
}

// Despawn tears an agent down everywhere: cancels its turns, removes it from
// the roster, and drops its sessions and memories.
func (o *Orchestrator) Despawn(ctx context.Context, agentID string) error {
	o.runtime.CancelAgent(agentID)
	if err := o.personas.Despawn(ctx, agentID); err != nil {
		return err
	}
	if err := o.sessions.DeleteAgent(ctx, agentID); err != nil {
		slog.Warn("Failed to drop sessions at despawn", "agent_id", agentID, "error", err)
	}
	if err := o.memories.Forget(ctx, agentID); err != nil {
		slog.Warn("Failed to drop memories at despawn", "agent_id", agentID, "error", err)
	}
	return nil
}

// onChannelCreated applies the auto-subscribe policy to new public channels.
func (o *Orchestrator) onChannelCreated(ctx context.Context, event models.Event) error {
	ch, ok := event.Payload.(*models.Channel)
	if !ok {
		return nil
	}
	if ch.Type != models.ChannelPublic || len(o.autoSubscribe) == 0 {
		return nil
	}
	for _, agentID := range o.autoSubscribe {
		if _, err := o.personas.Get(ctx, agentID); err != nil {
			continue // configured default not spawned
		}
		if err := o.channels.AddMember(ctx, ch.ID, agentID); err != nil {
			slog.Warn("Auto-subscribe failed",
				"channel_id", ch.ID, "agent_id", agentID, "error", err)
		}
	}
	return nil
}

// onMessagePosted runs the responder selection pipeline and enqueues turns.
func (o *Orchestrator) onMessagePosted(ctx context.Context, event models.Event) error {
	msg, ok := event.Payload.(*models.Message)
	if !ok {
		return fmt.Errorf("unexpected MessagePosted payload %T", event.Payload)
	}

	blocked := o.trackCycle(msg)
	if blocked {
		slog.Debug("Cycle guard suppressed agent responses",
			"channel_id", msg.ChannelID, "message_id", msg.ID)
		return nil
	}

	responders, err := o.selectResponders(ctx, msg)
	if err != nil {
		return err
	}
	for _, agent := range responders {
		o.enqueue(agent, msg)
	}
	return nil
}

// trackCycle resets the consecutive agent turn counter on human and system
// posts and reports whether agent responses are currently suppressed. Agent
// replies are counted at post time, in postReply.
func (o *Orchestrator) trackCycle(msg *models.Message) bool {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	if msg.SenderKind != models.SenderAgent {
		o.cycles[msg.ChannelID] = 0
	}
	return o.cycles[msg.ChannelID] >= o.limits.MaxConsecutiveAgentTurns
}

// postReply posts an agent reply unless the cycle guard has been reached.
// Check and increment happen under the lock, so two concurrent turns cannot
// both squeeze past the limit.
func (o *Orchestrator) postReply(ctx context.Context, agentID, channelID, text string) (*models.Message, error) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	if o.cycles[channelID] >= o.limits.MaxConsecutiveAgentTurns {
		slog.Debug("Cycle guard suppressed reply", "agent_id", agentID, "channel_id", channelID)
		return nil, nil
	}
	msg, err := o.channels.Post(ctx, channelID, agentID, models.SenderAgent, text, models.MessageChat, nil)
	if err != nil {
		return nil, err
	}
	o.cycles[channelID]++
	return msg, nil
}

// selectResponders implements the pipeline: channel members minus the sender,
// spawned agents only, @name addressing filter, then the responder budget.
func (o *Orchestrator) selectResponders(ctx context.Context, msg *models.Message) ([]*models.Agent, error) {
	ch, err := o.channels.Get(ctx, msg.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("responder selection for %s: %w", msg.ChannelID, err)
	}

	var candidates []*models.Agent
	for _, member := range ch.MemberList() {
		if member == msg.SenderID {
			continue
		}
		agent, err := o.personas.Get(ctx, member)
		if err != nil {
			continue // human member or stale id
		}
		candidates = append(candidates, agent)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	if filtered, addressed := o.addressedSubset(ctx, msg.Content, candidates); addressed {
		candidates = filtered
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	if len(candidates) > o.limits.MaxRespondersPerMessage {
		candidates = candidates[:o.limits.MaxRespondersPerMessage]
	}
	return candidates, nil
}

// addressedSubset restricts candidates to the @-mentioned personas. The
// filter engages only when a mention names a spawned agent, so "@alice" aimed
// at the sender herself silences everyone else while "@nobody" changes
// nothing. The second return reports whether the filter applied.
func (o *Orchestrator) addressedSubset(ctx context.Context, content string, candidates []*models.Agent) ([]*models.Agent, bool) {
	mentions := parseMentions(content)
	if len(mentions) == 0 {
		return nil, false
	}
	agents, err := o.personas.List(ctx)
	if err != nil {
		return nil, false
	}
	addressed := false
	for _, agent := range agents {
		if _, ok := mentions[strings.ToLower(agent.Persona.Name)]; ok {
			addressed = true
			break
		}
	}
	if !addressed {
		return nil, false
	}
	var out []*models.Agent
	for _, agent := range candidates {
		if _, ok := mentions[strings.ToLower(agent.Persona.Name)]; ok {
			out = append(out, agent)
		}
	}
	return out, true
}

// parseMentions extracts @name tokens, lowercased.
func parseMentions(content string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, field := range strings.Fields(content) {
		if !strings.HasPrefix(field, "@") || len(field) < 2 {
			continue
		}
		name := strings.TrimRight(field[1:], ".,!?:;")
		if name != "" {
			out[strings.ToLower(name)] = struct{}{}
		}
	}
	return out
}

// dispatchQueue serializes turns for one (agent, channel) pair.
type dispatchQueue struct {
	jobs   chan *models.Message
	closed chan struct{}
	once   sync.Once
}

func (q *dispatchQueue) close() {
	q.once.Do(func() { close(q.closed) })
}

// queueCap bounds the per-pair backlog; overflow drops with a warning rather
// than stalling bus dispatch.
const queueCap = 64

// enqueue routes the message to the pair's queue, creating it on first use.
func (o *Orchestrator) enqueue(agent *models.Agent, msg *models.Message) {
	key := agent.ID + "|" + msg.ChannelID
	o.queueMu.Lock()
	q, ok := o.queues[key]
	if !ok {
		q = &dispatchQueue{
			jobs:   make(chan *models.Message, queueCap),
			closed: make(chan struct{}),
		}
		o.queues[key] = q
		o.wg.Add(1)
		go o.worker(agent.ID, msg.ChannelID, q)
	}
	o.queueMu.Unlock()

	select {
	case q.jobs <- msg:
	default:
		slog.Warn("Turn queue full, dropping trigger",
			"agent_id", agent.ID, "channel_id", msg.ChannelID, "message_id", msg.ID)
	}
}

// worker drains one pair's queue, one turn at a time.
func (o *Orchestrator) worker(agentID, channelID string, q *dispatchQueue) {
	defer o.wg.Done()
	for {
		select {
		case <-q.closed:
			return
		case <-o.baseCtx.Done():
			return
		case msg := <-q.jobs:
			o.runTurn(agentID, channelID, msg)
		}
	}
}
