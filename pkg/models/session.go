package models

import "time"

// Session is one agent's conversational state for a single conversation.
// History is a sliding window; older entries are folded into Summary.
// Version supports optimistic concurrency: writers must present the version
// they read, and a mismatch is reported as ErrConcurrencyConflict.
type Session struct {
	AgentID        string    `json:"agent_id"`
	ConversationID string    `json:"conversation_id"`
	History        []Message `json:"history"`
	Summary        string    `json:"summary,omitempty"`
	// State carries small engine-written key/value annotations (cues) that
	// prompt assembly reads alongside the history.
	State     map[string]string `json:"state,omitempty"`
	Version   uint64            `json:"version"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Clone returns a deep copy safe for the caller to mutate.
func (s *Session) Clone() *Session {
	out := *s
	out.History = make([]Message, len(s.History))
	copy(out.History, s.History)
	if s.State != nil {
		out.State = make(map[string]string, len(s.State))
		for k, v := range s.State {
			out.State[k] = v
		}
	}
	return &out
}
