package models

import (
	"strings"
	"time"
)

// Persona is the immutable identity of an agent for its lifetime.
// Name, model and base personality are fixed at spawn; UpdatePersona may only
// touch the mutable presentation fields (quirks, catchphrases, expertise, tools).
type Persona struct {
	Name            string   `json:"name" yaml:"name"`
	BasePersonality string   `json:"base_personality" yaml:"base_personality"`
	Quirks          []string `json:"quirks,omitempty" yaml:"quirks,omitempty"`
	Catchphrases    []string `json:"catchphrases,omitempty" yaml:"catchphrases,omitempty"`
	Expertise       []string `json:"expertise,omitempty" yaml:"expertise,omitempty"`
	AllowedTools    []string `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`
	Model           string   `json:"model" yaml:"model"`
	Temperature     float32  `json:"temperature" yaml:"temperature"`
	MaxTokens       int      `json:"max_tokens" yaml:"max_tokens"`
}

// Validate checks the persona fields required at spawn.
func (p *Persona) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return NewValidationError("name", "must not be empty")
	}
	if strings.TrimSpace(p.BasePersonality) == "" {
		return NewValidationError("base_personality", "must not be empty")
	}
	if p.Model == "" {
		return NewValidationError("model", "must not be empty")
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return NewValidationError("temperature", "must be in [0, 2]")
	}
	if p.MaxTokens < 0 {
		return NewValidationError("max_tokens", "must be >= 0")
	}
	return nil
}

// AgentStatus is the externally visible lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusIdle       AgentStatus = "idle"
	AgentStatusThinking   AgentStatus = "thinking"
	AgentStatusResponding AgentStatus = "responding"
	AgentStatusError      AgentStatus = "error"
)

// Agent is the roster record for one minion. The Persona & Emotional Engine
// exclusively owns Agent and EmotionalState; other components hold the ID.
type Agent struct {
	ID        string          `json:"agent_id"`
	Persona   Persona         `json:"persona"`
	Status    AgentStatus     `json:"status"`
	Emotional *EmotionalState `json:"emotional_state,omitempty"`
	SpawnedAt time.Time       `json:"spawned_at"`
}
