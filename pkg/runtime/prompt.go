package runtime

import (
	"fmt"
	"strings"

	"github.com/gemini-legion/legion/pkg/llm"
	"github.com/gemini-legion/legion/pkg/models"
)

// Cue keys read from session state. The engines write these before a turn;
// prompt assembly only substitutes.
const (
	StateKeyEmotionalCue = "emotional_cue"
	StateKeyHistoryCue   = "history_cue"
)

// systemTemplate is the deterministic system prompt. The two placeholders are
// replaced from session state; everything else derives from the persona.
const systemTemplate = `You are %s, an autonomous minion in a shared workspace.

Personality: %s
%s
Current emotional state: {{emotional_cue}}
Relevant memories:
{{history_cue}}

Speak in character. Address others with @name when you mean a specific
participant. Keep replies conversational and grounded in the channel context.`

// BuildSystemPrompt renders the persona and session cues into the system
// message. Missing cues substitute to neutral defaults so the template never
// leaks placeholders.
func BuildSystemPrompt(p models.Persona, state map[string]string) string {
	var traits strings.Builder
	if len(p.Quirks) > 0 {
		fmt.Fprintf(&traits, "Quirks: %s\n", strings.Join(p.Quirks, "; "))
	}
	if len(p.Catchphrases) > 0 {
		fmt.Fprintf(&traits, "Catchphrases you sometimes use: %s\n", strings.Join(p.Catchphrases, "; "))
	}
	if len(p.Expertise) > 0 {
		fmt.Fprintf(&traits, "Expertise: %s\n", strings.Join(p.Expertise, ", "))
	}

	prompt := fmt.Sprintf(systemTemplate, p.Name, p.BasePersonality, traits.String())

	emotional := state[StateKeyEmotionalCue]
	if emotional == "" {
		emotional = "feeling neutral"
	}
	history := state[StateKeyHistoryCue]
	if history == "" {
		history = "(none yet)"
	}
	return strings.NewReplacer(
		"{{emotional_cue}}", emotional,
		"{{history_cue}}", history,
	).Replace(prompt)
}

// BuildMessages converts a session plus the trigger message into model
// context: optional summary note, the history window, then the trigger. The
// agent's own messages map to the assistant role; everyone else is a named
// user message.
func BuildMessages(agentID string, sess *models.Session, trigger models.Message) []llm.ChatMessage {
	var out []llm.ChatMessage
	if sess.Summary != "" {
		out = append(out, llm.ChatMessage{
			Role:    llm.RoleSystem,
			Content: "Earlier in this conversation:\n" + sess.Summary,
		})
	}
	for _, m := range sess.History {
		out = append(out, toChatMessage(agentID, m))
	}
	out = append(out, toChatMessage(agentID, trigger))
	return out
}

func toChatMessage(agentID string, m models.Message) llm.ChatMessage {
	if m.SenderID == agentID {
		return llm.ChatMessage{Role: llm.RoleAssistant, Content: m.Content}
	}
	return llm.ChatMessage{
		Role:    llm.RoleUser,
		Name:    sanitizeName(m.SenderID),
		Content: m.Content,
	}
}

// sanitizeName keeps sender ids within the API's name charset.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
