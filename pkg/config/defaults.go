package config

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// DefaultConfig returns the built-in configuration. legion.yaml values are
// merged on top; anything left unset here must be provided by the user.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
		},
		Bus: BusConfig{
			SlowHandlerSeconds: 5,
		},
		LLM: LLMConfig{
			APIKeyEnv:    "OPENAI_API_KEY",
			DefaultModel: "gpt-4o-mini",
		},
		Limits: LimitsConfig{
			MaxHistoryPerSession:     100,
			MaxConcurrentInvocations: 16,
			MaxRespondersPerMessage:  8,
			MaxConsecutiveAgentTurns: 4,
			MaxToolDepth:             5,
			LLMTimeoutSeconds:        60,
		},
		Memory: MemoryConfig{
			WorkingMemorySize:         50,
			EpisodicSalienceThreshold: 0.5,
			ConsolidationInterval:     20,
		},
		Persona: PersonaEngineConfig{
			MoodDeltaCap:    0.2,
			OpinionDeltaCap: 10,
		},
		Personas: map[string]PersonaConfig{},
	}
}
