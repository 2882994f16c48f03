package config

import (
	"errors"
	"fmt"
)

// Validator checks a loaded Config for internal consistency.
type Validator struct {
	cfg  *Config
	errs []error
}

func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll runs every check and returns the collected errors joined.
func (v *Validator) ValidateAll() error {
	v.validateServer()
	v.validateStorage()
	v.validateLLM()
	v.validateLimits()
	v.validateMemory()
	v.validatePersonaEngine()
	v.validatePersonas()

	if len(v.errs) > 0 {
		return fmt.Errorf("%w: %w", ErrValidation, errors.Join(v.errs...))
	}
	return nil
}

func (v *Validator) addError(field, message string) {
	v.errs = append(v.errs, NewValidationError(field, message))
}

func (v *Validator) validateServer() {
	if v.cfg.Server.Port < 1 || v.cfg.Server.Port > 65535 {
		v.addError("server.port", fmt.Sprintf("must be in 1..65535, got %d", v.cfg.Server.Port))
	}
}

func (v *Validator) validateStorage() {
	switch v.cfg.Storage.Backend {
	case BackendMemory:
		if v.cfg.Bus.DistributedTransport {
			v.addError("bus.distributed_transport", "requires the postgres storage backend")
		}
	case BackendPostgres:
		if v.cfg.Storage.DatabaseURL == "" {
			v.addError("storage.database_url", "required when backend is postgres")
		}
	default:
		v.addError("storage.backend", fmt.Sprintf("must be %q or %q, got %q",
			BackendMemory, BackendPostgres, v.cfg.Storage.Backend))
	}
}

func (v *Validator) validateLLM() {
	if v.cfg.LLM.APIKeyEnv == "" {
		v.addError("llm.api_key_env", "must not be empty")
	}
	if v.cfg.LLM.DefaultModel == "" {
		v.addError("llm.default_model", "must not be empty")
	}
}

func (v *Validator) validateLimits() {
	l := v.cfg.Limits
	positive := map[string]int{
		"limits.max_history_per_session":     l.MaxHistoryPerSession,
		"limits.max_concurrent_invocations":  l.MaxConcurrentInvocations,
		"limits.max_responders_per_message":  l.MaxRespondersPerMessage,
		"limits.max_consecutive_agent_turns": l.MaxConsecutiveAgentTurns,
		"limits.max_tool_depth":              l.MaxToolDepth,
		"limits.llm_timeout_seconds":         l.LLMTimeoutSeconds,
	}
	for field, val := range positive {
		if val <= 0 {
			v.addError(field, fmt.Sprintf("must be positive, got %d", val))
		}
	}
}

func (v *Validator) validateMemory() {
	m := v.cfg.Memory
	if m.WorkingMemorySize <= 0 {
		v.addError("memory.working_memory_size", fmt.Sprintf("must be positive, got %d", m.WorkingMemorySize))
	}
	if m.EpisodicSalienceThreshold < 0 || m.EpisodicSalienceThreshold > 1 {
		v.addError("memory.episodic_salience_threshold",
			fmt.Sprintf("must be in [0,1], got %g", m.EpisodicSalienceThreshold))
	}
	if m.ConsolidationInterval <= 0 {
		v.addError("memory.consolidation_interval", fmt.Sprintf("must be positive, got %d", m.ConsolidationInterval))
	}
}

func (v *Validator) validatePersonaEngine() {
	p := v.cfg.Persona
	if p.MoodDeltaCap <= 0 || p.MoodDeltaCap > 1 {
		v.addError("persona.mood_delta_cap", fmt.Sprintf("must be in (0,1], got %g", p.MoodDeltaCap))
	}
	if p.OpinionDeltaCap <= 0 || p.OpinionDeltaCap > 200 {
		v.addError("persona.opinion_delta_cap", fmt.Sprintf("must be in (0,200], got %g", p.OpinionDeltaCap))
	}
}

func (v *Validator) validatePersonas() {
	for name, p := range v.cfg.Personas {
		if name == "" {
			v.addError("personas", "persona name must not be empty")
			continue
		}
		if p.BasePersonality == "" {
			v.addError("personas."+name+".base_personality", "must not be empty")
		}
		if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
			v.addError("personas."+name+".temperature", fmt.Sprintf("must be in [0,2], got %g", *p.Temperature))
		}
		if p.MaxTokens < 0 {
			v.addError("personas."+name+".max_tokens", fmt.Sprintf("must not be negative, got %d", p.MaxTokens))
		}
	}
}
