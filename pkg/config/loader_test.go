package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFile), []byte(content), 0o644))
	return dir
}

func TestInitializeAppliesDefaults(t *testing.T) {
	dir := writeConfig(t, `
server:
  port: 9000
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 100, cfg.Limits.MaxHistoryPerSession)
	assert.Equal(t, 16, cfg.Limits.MaxConcurrentInvocations)
	assert.Equal(t, 8, cfg.Limits.MaxRespondersPerMessage)
	assert.Equal(t, 4, cfg.Limits.MaxConsecutiveAgentTurns)
	assert.Equal(t, 5, cfg.Limits.MaxToolDepth)
	assert.Equal(t, 60*time.Second, cfg.Limits.LLMTimeout())
	assert.Equal(t, 50, cfg.Memory.WorkingMemorySize)
	assert.InDelta(t, 0.5, cfg.Memory.EpisodicSalienceThreshold, 1e-9)
	assert.InDelta(t, 0.2, cfg.Persona.MoodDeltaCap, 1e-9)
	assert.InDelta(t, 10.0, cfg.Persona.OpinionDeltaCap, 1e-9)
}

func TestInitializeExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_LEGION_DB", "postgres://legion:secret@db:5432/legion")
	dir := writeConfig(t, `
storage:
  backend: postgres
  database_url: "{{.TEST_LEGION_DB}}"
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "postgres://legion:secret@db:5432/legion", cfg.Storage.DatabaseURL)
}

func TestInitializeMissingFile(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestInitializeInvalidYAML(t *testing.T) {
	dir := writeConfig(t, "server: [not a map")
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitializeParsesPersonas(t *testing.T) {
	dir := writeConfig(t, `
personas:
  commander:
    base_personality: "Strategic and decisive leader of the legion"
    quirks: ["speaks in military metaphors"]
    catchphrases: ["Onwards!"]
    expertise: ["planning"]
    allowed_tools: ["send_channel_message"]
    temperature: 0.4
    max_tokens: 512
channels:
  auto_subscribe_defaults: ["commander"]
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	require.Contains(t, cfg.Personas, "commander")
	p := cfg.Personas["commander"].ToModel("commander", cfg.LLM)
	assert.Equal(t, "commander", p.Name)
	assert.Equal(t, cfg.LLM.DefaultModel, p.Model, "unset model falls back to llm.default_model")
	assert.InDelta(t, 0.4, p.Temperature, 1e-6)
	assert.Equal(t, 512, p.MaxTokens)
	assert.Equal(t, []string{"commander"}, cfg.Channels.AutoSubscribeDefaults)
}

func TestPersonaDefaultTemperature(t *testing.T) {
	p := PersonaConfig{BasePersonality: "calm"}.ToModel("zen", LLMConfig{DefaultModel: "gpt-4o-mini"})
	assert.InDelta(t, 0.7, p.Temperature, 1e-6)
}
