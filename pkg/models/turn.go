package models

import "time"

// TurnAppraisal is an optional LLM-derived read on how a turn went.
// Values are deltas in [-1,1]; the emotional engine scales and caps them.
type TurnAppraisal struct {
	ValenceDelta   float64 `json:"valence_delta"`
	ArousalDelta   float64 `json:"arousal_delta"`
	StressDelta    float64 `json:"stress_delta"`
	TrustDelta     float64 `json:"trust_delta"`
	RespectDelta   float64 `json:"respect_delta"`
	AffectionDelta float64 `json:"affection_delta"`
	NotableEvent   string  `json:"notable_event,omitempty"`
}

// TurnRecord captures one completed (or failed) agent turn for the persona and
// memory engines to observe after the reply has been posted.
type TurnRecord struct {
	AgentID        string         `json:"agent_id"`
	ChannelID      string         `json:"channel_id"`
	ConversationID string         `json:"conversation_id"`
	Trigger        Message        `json:"trigger"`
	ReplyText      string         `json:"reply_text"`
	Addressees     []string       `json:"addressees,omitempty"`
	ToolCalls      int            `json:"tool_calls"`
	Failed         bool           `json:"failed"`
	ErrorKind      string         `json:"error_kind,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    time.Time      `json:"completed_at"`
	Appraisal      *TurnAppraisal `json:"appraisal,omitempty"`
}
