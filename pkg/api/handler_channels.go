package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gemini-legion/legion/pkg/models"
)

type createChannelRequest struct {
	Type        string   `json:"type" binding:"required"`
	Name        string   `json:"name" binding:"required"`
	Description string   `json:"description"`
	Members     []string `json:"members"`
	CreatedBy   string   `json:"created_by"`
}

func (s *Server) createChannel(c *gin.Context) {
	var req createChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ch, err := s.channels.Create(c.Request.Context(),
		models.ChannelType(req.Type), req.Name, req.Description, req.Members, req.CreatedBy)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ch)
}

func (s *Server) listChannels(c *gin.Context) {
	chs, err := s.channels.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": chs})
}

func (s *Server) getChannel(c *gin.Context) {
	ch, err := s.channels.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

func (s *Server) deleteChannel(c *gin.Context) {
	if err := s.channels.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type memberRequest struct {
	EntityID string `json:"entity_id" binding:"required"`
}

func (s *Server) addMember(c *gin.Context) {
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.channels.AddMember(c.Request.Context(), c.Param("id"), req.EntityID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) removeMember(c *gin.Context) {
	if err := s.channels.RemoveMember(c.Request.Context(), c.Param("id"), c.Param("entity_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type postMessageRequest struct {
	Sender     string         `json:"sender" binding:"required"`
	SenderKind string         `json:"sender_kind"`
	Content    string         `json:"content" binding:"required"`
	Kind       string         `json:"kind"`
	Metadata   map[string]any `json:"metadata"`
}

func (s *Server) postMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	senderKind := models.SenderKind(req.SenderKind)
	if senderKind == "" {
		senderKind = models.SenderUser
	}
	kind := models.MessageKind(req.Kind)
	if kind == "" {
		kind = models.MessageChat
	}
	msg, err := s.channels.Post(c.Request.Context(),
		c.Param("id"), req.Sender, senderKind, req.Content, kind, req.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) listMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		limit = n
	}
	msgs, err := s.channels.Messages(c.Request.Context(), c.Param("id"), limit, c.Query("before"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
