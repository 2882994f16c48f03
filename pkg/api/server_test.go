package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemini-legion/legion/pkg/bus"
	"github.com/gemini-legion/legion/pkg/channels"
	"github.com/gemini-legion/legion/pkg/config"
	"github.com/gemini-legion/legion/pkg/llm"
	"github.com/gemini-legion/legion/pkg/memory"
	"github.com/gemini-legion/legion/pkg/models"
	"github.com/gemini-legion/legion/pkg/observe"
	"github.com/gemini-legion/legion/pkg/orchestrator"
	"github.com/gemini-legion/legion/pkg/persona"
	"github.com/gemini-legion/legion/pkg/runtime"
	"github.com/gemini-legion/legion/pkg/sessions"
	"github.com/gemini-legion/legion/pkg/store"
	"github.com/gemini-legion/legion/pkg/tools"
)

type silentLLM struct{}

func (silentLLM) Complete(context.Context, llm.Request, llm.DeltaFunc) (*llm.Completion, error) {
	return &llm.Completion{Text: ""}, nil
}

func newTestServer(t *testing.T) (*Server, *gin.Engine) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Personas = map[string]config.PersonaConfig{
		"scout": {BasePersonality: "curious pathfinder"},
	}

	b := bus.New(0)
	t.Cleanup(b.Close)
	st := store.NewMemoryStore()

	ch := channels.NewService(st, b)
	pe := persona.NewEngine(st, b, cfg.Persona.MoodDeltaCap, cfg.Persona.OpinionDeltaCap)
	me := memory.NewEngine(st, cfg.Memory.WorkingMemorySize, cfg.Memory.EpisodicSalienceThreshold, cfg.Memory.ConsolidationInterval)
	sm := sessions.NewManager(st, cfg.Limits.MaxHistoryPerSession)
	rt := runtime.New(silentLLM{}, sm, tools.NewRegistry(), cfg.Limits.MaxConcurrentInvocations, cfg.Limits.LLMTimeout(), cfg.Limits.MaxToolDepth)
	orch := orchestrator.New(b, ch, pe, me, sm, rt, orchestrator.Limits{
		MaxRespondersPerMessage:  cfg.Limits.MaxRespondersPerMessage,
		MaxConsecutiveAgentTurns: cfg.Limits.MaxConsecutiveAgentTurns,
	}, nil)
	orch.Start()
	t.Cleanup(orch.Stop)

	srv := NewServer(cfg, b, st, ch, pe, orch, rt, observe.NewMetrics(rt.Active))
	t.Cleanup(srv.Close)
	return srv, srv.Router()
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestChannelLifecycle(t *testing.T) {
	_, r := newTestServer(t)

	rec := doJSON(t, r, http.MethodPost, "/channels", gin.H{
		"type": "public", "name": "general", "members": []string{"user"}, "created_by": "user",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var ch models.Channel
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ch))
	require.NotEmpty(t, ch.ID)
	assert.Equal(t, []string{"user"}, ch.MemberList(), "create returns the membership")

	rec = doJSON(t, r, http.MethodGet, "/channels/"+ch.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/channels/"+ch.ID+"/members", gin.H{"entity_id": "ana"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/channels/"+ch.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var joined models.Channel
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &joined))
	assert.Equal(t, []string{"ana", "user"}, joined.MemberList())

	rec = doJSON(t, r, http.MethodGet, "/channels", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), ch.ID)

	rec = doJSON(t, r, http.MethodDelete, "/channels/"+ch.ID+"/members/ana", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, r, http.MethodDelete, "/channels/"+ch.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/channels/"+ch.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPostAndListMessages(t *testing.T) {
	_, r := newTestServer(t)

	rec := doJSON(t, r, http.MethodPost, "/channels", gin.H{
		"type": "public", "name": "general", "members": []string{"user"}, "created_by": "user",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var ch models.Channel
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ch))

	rec = doJSON(t, r, http.MethodPost, "/channels/"+ch.ID+"/messages", gin.H{
		"sender": "user", "content": "hello",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var msg models.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, models.SenderUser, msg.SenderKind)

	rec = doJSON(t, r, http.MethodGet, "/channels/"+ch.ID+"/messages?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), msg.ID)

	// empty content rejected
	rec = doJSON(t, r, http.MethodPost, "/channels/"+ch.ID+"/messages", gin.H{"sender": "user"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/channels/"+ch.ID+"/messages?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgentLifecycle(t *testing.T) {
	_, r := newTestServer(t)

	// inline persona
	rec := doJSON(t, r, http.MethodPost, "/agents", gin.H{
		"persona": gin.H{"name": "vex", "base_personality": "grumpy", "model": "gpt-4o-mini"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var agent models.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agent))
	assert.Equal(t, models.AgentStatusIdle, agent.Status)

	// configured persona by name
	rec = doJSON(t, r, http.MethodPost, "/agents", gin.H{"persona_name": "scout"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, r, http.MethodPost, "/agents", gin.H{"persona_name": "nobody"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vex")
	assert.Contains(t, rec.Body.String(), "scout")

	rec = doJSON(t, r, http.MethodGet, "/agents/"+agent.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodDelete, "/agents/"+agent.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/agents/"+agent.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdatePersonaRejectsImmutableFields(t *testing.T) {
	_, r := newTestServer(t)

	rec := doJSON(t, r, http.MethodPost, "/agents", gin.H{
		"persona": gin.H{"name": "vex", "base_personality": "grumpy", "model": "gpt-4o-mini"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var agent models.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agent))

	rec = doJSON(t, r, http.MethodPut, "/agents/"+agent.ID+"/persona", gin.H{"name": "other"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, r, http.MethodPut, "/agents/"+agent.ID+"/persona", gin.H{
		"quirks": []string{"hums while thinking"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated models.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, []string{"hums while thinking"}, updated.Persona.Quirks)
}

func TestEmotionalOverrideClampsAndBumpsVersion(t *testing.T) {
	_, r := newTestServer(t)

	rec := doJSON(t, r, http.MethodPost, "/agents", gin.H{
		"persona": gin.H{"name": "vex", "base_personality": "grumpy", "model": "gpt-4o-mini"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var agent models.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agent))

	override := models.NewEmotionalState()
	override.Mood.Valence = 7 // out of range, must clamp
	rec = doJSON(t, r, http.MethodPost, "/agents/"+agent.ID+"/emotional-state", override)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var state models.EmotionalState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, 1.0, state.Mood.Valence)
	assert.Greater(t, state.Version, agent.Emotional.Version)
}

func TestHealthz(t *testing.T) {
	_, r := newTestServer(t)
	rec := doJSON(t, r, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
	assert.Contains(t, rec.Body.String(), "runtime")
}

func TestMetricsEndpoint(t *testing.T) {
	_, r := newTestServer(t)
	require.Eventually(t, func() bool {
		rec := doJSON(t, r, http.MethodGet, "/metrics", nil)
		return rec.Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
}
