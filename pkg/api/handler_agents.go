package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gemini-legion/legion/pkg/models"
)

type spawnAgentRequest struct {
	// Either a configured persona name...
	PersonaName string `json:"persona_name"`
	// ...or an inline persona definition.
	Persona *models.Persona `json:"persona"`
}

func (s *Server) spawnAgent(c *gin.Context) {
	var req spawnAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var p models.Persona
	switch {
	case req.Persona != nil:
		p = *req.Persona
	case req.PersonaName != "":
		pc, ok := s.cfg.Personas[req.PersonaName]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no configured persona named " + req.PersonaName})
			return
		}
		p = pc.ToModel(req.PersonaName, s.cfg.LLM)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "persona or persona_name is required"})
		return
	}

	agent, err := s.personas.Spawn(c.Request.Context(), p)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) listAgents(c *gin.Context) {
	agents, err := s.personas.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) getAgent(c *gin.Context) {
	agent, err := s.personas.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) despawnAgent(c *gin.Context) {
	if err := s.orch.Despawn(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// updatePersonaRequest carries only the mutable persona fields. Immutable
// fields present in the body are rejected.
type updatePersonaRequest struct {
	Name            *string  `json:"name"`
	BasePersonality *string  `json:"base_personality"`
	Model           *string  `json:"model"`
	Quirks          []string `json:"quirks"`
	Catchphrases    []string `json:"catchphrases"`
	Expertise       []string `json:"expertise"`
	AllowedTools    []string `json:"allowed_tools"`
}

func (s *Server) updatePersona(c *gin.Context) {
	var req updatePersonaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Name != nil || req.BasePersonality != nil || req.Model != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name, base_personality and model are immutable"})
		return
	}
	agent, err := s.personas.UpdatePersona(c.Request.Context(), c.Param("id"),
		req.Quirks, req.Catchphrases, req.Expertise, req.AllowedTools)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) overrideEmotionalState(c *gin.Context) {
	var state models.EmotionalState
	if err := c.ShouldBindJSON(&state); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	updated, err := s.personas.Override(c.Request.Context(), c.Param("id"), state)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}
