package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gemini-legion/legion/pkg/memory"
	"github.com/gemini-legion/legion/pkg/models"
	"github.com/gemini-legion/legion/pkg/persona"
	"github.com/gemini-legion/legion/pkg/runtime"
)

// runTurn executes one agent turn end to end: cue refresh, model invocation,
// reply posting, session append, then the persona and memory observation.
func (o *Orchestrator) runTurn(agentID, channelID string, trigger *models.Message) {
	ctx := o.baseCtx
	started := time.Now().UTC()
	log := slog.With("agent_id", agentID, "channel_id", channelID, "trigger_id", trigger.ID)

	agent, err := o.personas.Get(ctx, agentID)
	if err != nil {
		log.Warn("Turn skipped, agent gone", "error", err)
		return
	}
	ch, err := o.channels.Get(ctx, channelID)
	if err != nil {
		log.Warn("Turn skipped, channel gone", "error", err)
		return
	}
	convID := ch.ConversationID()

	o.refreshCues(ctx, agent, convID, trigger)

	if err := o.personas.SetStatus(ctx, agentID, models.AgentStatusThinking); err != nil {
		log.Warn("Status update failed", "error", err)
	}
	o.bus.Publish(models.NewEvent(models.EventTurnStarted, "orchestrator", &models.TurnStatusPayload{
		AgentID:        agentID,
		ChannelID:      channelID,
		ConversationID: convID,
		TriggerID:      trigger.ID,
	}))

	events, err := o.runtime.Invoke(ctx, runtime.Request{
		Agent:          agent,
		Channel:        ch,
		ConversationID: convID,
		Trigger:        *trigger,
	})
	if err != nil {
		o.finishFailed(ctx, agentID, channelID, convID, trigger, err, 0, started)
		return
	}

	var (
		finalText string
		toolCalls int
		turnErr   error
	)
	for ev := range events {
		switch ev.Kind {
		case runtime.EventToolCall:
			toolCalls++
		case runtime.EventFinalText:
			finalText = ev.Text
		case runtime.EventFailed:
			turnErr = ev.Err
		}
	}
	if turnErr != nil {
		o.finishFailed(ctx, agentID, channelID, convID, trigger, turnErr, toolCalls, started)
		return
	}

	var reply *models.Message
	if finalText != "" {
		if err := o.personas.SetStatus(ctx, agentID, models.AgentStatusResponding); err != nil {
			log.Warn("Status update failed", "error", err)
		}
		reply, err = o.postReply(ctx, agentID, channelID, finalText)
		if err != nil {
			o.finishFailed(ctx, agentID, channelID, convID, trigger, err, toolCalls, started)
			return
		}
	}

	appended := []models.Message{*trigger}
	if reply != nil {
		appended = append(appended, *reply)
	}
	if err := o.sessions.Append(ctx, agentID, convID, appended...); err != nil {
		log.Warn("Session append failed", "error", err)
	}

	postedText := ""
	if reply != nil {
		postedText = finalText
	}
	o.observe(ctx, agent, trigger, postedText, toolCalls, false)

	payload := &models.TurnStatusPayload{
		AgentID:        agentID,
		ChannelID:      channelID,
		ConversationID: convID,
		TriggerID:      trigger.ID,
	}
	if reply != nil {
		payload.ReplyID = reply.ID
	}
	o.bus.Publish(models.NewEvent(models.EventTurnCompleted, "orchestrator", payload))

	if err := o.personas.SetStatus(ctx, agentID, models.AgentStatusIdle); err != nil {
		log.Warn("Status update failed", "error", err)
	}
	log.Info("Turn completed",
		"tool_calls", toolCalls,
		"replied", reply != nil,
		"duration", time.Since(started))
}

// finishFailed records a failed turn: status, observation, and the TurnFailed
// envelope. The trigger still lands in the session so context is not lost.
func (o *Orchestrator) finishFailed(ctx context.Context, agentID, channelID, convID string, trigger *models.Message, turnErr error, toolCalls int, started time.Time) {
	if err := o.sessions.Append(ctx, agentID, convID, *trigger); err != nil {
		slog.Warn("Session append failed", "agent_id", agentID, "error", err)
	}
	if agent, err := o.personas.Get(ctx, agentID); err == nil {
		o.observe(ctx, agent, trigger, "", toolCalls, true)
	}
	o.bus.Publish(models.NewEvent(models.EventTurnFailed, "orchestrator", &models.TurnStatusPayload{
		AgentID:        agentID,
		ChannelID:      channelID,
		ConversationID: convID,
		TriggerID:      trigger.ID,
		ErrorKind:      models.ErrorKind(turnErr),
		Error:          turnErr.Error(),
	}))
	if err := o.personas.SetStatus(ctx, agentID, models.AgentStatusError); err != nil {
		slog.Warn("Status update failed", "agent_id", agentID, "error", err)
	}
	slog.Warn("Turn failed",
		"agent_id", agentID, "channel_id", channelID, "trigger_id", trigger.ID,
		"error_kind", models.ErrorKind(turnErr), "error", turnErr,
		"duration", time.Since(started))
}

// refreshCues writes the emotional and memory cues into session state so
// prompt assembly sees the agent's current disposition.
func (o *Orchestrator) refreshCues(ctx context.Context, agent *models.Agent, convID string, trigger *models.Message) {
	cue := persona.Cue(agent.Emotional)
	if op := persona.OpinionCue(agent.Emotional, trigger.SenderID); op != "" {
		cue += "; " + op
	}
	if err := o.sessions.SetState(ctx, agent.ID, convID, runtime.StateKeyEmotionalCue, cue); err != nil {
		slog.Warn("Cue write failed", "agent_id", agent.ID, "error", err)
	}

	history, err := o.memories.HistoryCue(ctx, agent.ID, trigger.Content)
	if err != nil {
		slog.Warn("Memory recall failed", "agent_id", agent.ID, "error", err)
		return
	}
	if history != "" {
		if err := o.sessions.SetState(ctx, agent.ID, convID, runtime.StateKeyHistoryCue, history); err != nil {
			slog.Warn("Cue write failed", "agent_id", agent.ID, "error", err)
		}
	}
}

// observe feeds the turn outcome into the persona and memory engines.
func (o *Orchestrator) observe(ctx context.Context, agent *models.Agent, trigger *models.Message, replyText string, toolCalls int, failed bool) {
	if err := o.personas.ApplyTurn(ctx, agent.ID, trigger.SenderID, nil, failed); err != nil {
		slog.Warn("Emotional update failed", "agent_id", agent.ID, "error", err)
	}

	content := fmt.Sprintf("%s said: %s", trigger.SenderID, snippet(trigger.Content, 200))
	if replyText != "" {
		content += fmt.Sprintf(" | I replied: %s", snippet(replyText, 200))
	} else if failed {
		content += " | my reply failed"
	}
	salience := memory.ScoreSalience(nil, toolCalls, failed)
	if _, err := o.memories.Record(ctx, agent.ID, content, salience); err != nil {
		slog.Warn("Memory record failed", "agent_id", agent.ID, "error", err)
	}
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
