package config

import (
	"time"

	"github.com/gemini-legion/legion/pkg/models"
)

// Config is the fully resolved runtime configuration: legion.yaml merged over
// built-in defaults, environment variables expanded, validated.
type Config struct {
	configDir string

	Server   ServerConfig             `yaml:"server"`
	Storage  StorageConfig            `yaml:"storage"`
	Bus      BusConfig                `yaml:"bus"`
	LLM      LLMConfig                `yaml:"llm"`
	Limits   LimitsConfig             `yaml:"limits"`
	Memory   MemoryConfig             `yaml:"memory"`
	Persona  PersonaEngineConfig      `yaml:"persona"`
	Channels ChannelsConfig           `yaml:"channels"`
	Personas map[string]PersonaConfig `yaml:"personas"`
}

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `yaml:"backend"`
	// DatabaseURL is the PostgreSQL DSN; required when Backend is "postgres".
	// Usually supplied as {{.DATABASE_URL}} and expanded from the environment.
	DatabaseURL string `yaml:"database_url"`
}

// BusConfig holds event bus tunables.
type BusConfig struct {
	// SlowHandlerSeconds triggers a warning when a subscriber takes longer.
	SlowHandlerSeconds int `yaml:"slow_handler_seconds"`
	// DistributedTransport enables NOTIFY/LISTEN mirroring across processes.
	// Requires the postgres storage backend.
	DistributedTransport bool `yaml:"distributed_transport"`
}

// SlowHandlerThreshold returns the slow subscriber warning cutoff as a duration.
func (b BusConfig) SlowHandlerThreshold() time.Duration {
	return time.Duration(b.SlowHandlerSeconds) * time.Second
}

// LLMConfig configures the OpenAI-compatible model endpoint.
type LLMConfig struct {
	// BaseURL of the OpenAI-compatible API; empty means the provider default.
	BaseURL string `yaml:"base_url"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`
	// DefaultModel is used by personas that do not name a model.
	DefaultModel string `yaml:"default_model"`
}

// LimitsConfig holds the operational caps that bound concurrency and fan-out.
type LimitsConfig struct {
	MaxHistoryPerSession     int `yaml:"max_history_per_session"`
	MaxConcurrentInvocations int `yaml:"max_concurrent_invocations"`
	MaxRespondersPerMessage  int `yaml:"max_responders_per_message"`
	MaxConsecutiveAgentTurns int `yaml:"max_consecutive_agent_turns"`
	MaxToolDepth             int `yaml:"max_tool_depth"`
	LLMTimeoutSeconds        int `yaml:"llm_timeout_seconds"`
}

// LLMTimeout returns the per-call model timeout as a duration.
func (l LimitsConfig) LLMTimeout() time.Duration {
	return time.Duration(l.LLMTimeoutSeconds) * time.Second
}

// MemoryConfig holds memory engine tunables.
type MemoryConfig struct {
	WorkingMemorySize         int     `yaml:"working_memory_size"`
	EpisodicSalienceThreshold float64 `yaml:"episodic_salience_threshold"`
	ConsolidationInterval     int     `yaml:"consolidation_interval"`
}

// PersonaEngineConfig holds emotional engine tunables.
type PersonaEngineConfig struct {
	MoodDeltaCap    float64 `yaml:"mood_delta_cap"`
	OpinionDeltaCap float64 `yaml:"opinion_delta_cap"`
}

// ChannelsConfig holds channel service behavior.
type ChannelsConfig struct {
	// AutoSubscribeDefaults lists agent ids added to every newly created
	// public channel.
	AutoSubscribeDefaults []string `yaml:"auto_subscribe_defaults"`
}

// PersonaConfig is a persona definition from legion.yaml, spawnable by name.
type PersonaConfig struct {
	BasePersonality string   `yaml:"base_personality"`
	Quirks          []string `yaml:"quirks"`
	Catchphrases    []string `yaml:"catchphrases"`
	Expertise       []string `yaml:"expertise"`
	AllowedTools    []string `yaml:"allowed_tools"`
	Model           string   `yaml:"model"`
	Temperature     *float32 `yaml:"temperature"`
	MaxTokens       int      `yaml:"max_tokens"`
}

// ToModel converts the YAML persona definition to the domain type, filling the
// model from cfg defaults when unset.
func (p PersonaConfig) ToModel(name string, llm LLMConfig) models.Persona {
	persona := models.Persona{
		Name:            name,
		BasePersonality: p.BasePersonality,
		Quirks:          p.Quirks,
		Catchphrases:    p.Catchphrases,
		Expertise:       p.Expertise,
		AllowedTools:    p.AllowedTools,
		Model:           p.Model,
		MaxTokens:       p.MaxTokens,
	}
	if persona.Model == "" {
		persona.Model = llm.DefaultModel
	}
	if p.Temperature != nil {
		persona.Temperature = *p.Temperature
	} else {
		persona.Temperature = 0.7
	}
	return persona
}

// ConfigDir returns the directory legion.yaml was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }

// Stats summarizes loaded configuration for startup logging.
type Stats struct {
	Personas      int
	AutoSubscribe int
	Backend       string
}

func (c *Config) Stats() Stats {
	return Stats{
		Personas:      len(c.Personas),
		AutoSubscribe: len(c.Channels.AutoSubscribeDefaults),
		Backend:       c.Storage.Backend,
	}
}
