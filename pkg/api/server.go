// Package api exposes the REST surface and the WebSocket event bridge.
package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gemini-legion/legion/pkg/bus"
	"github.com/gemini-legion/legion/pkg/channels"
	"github.com/gemini-legion/legion/pkg/config"
	"github.com/gemini-legion/legion/pkg/observe"
	"github.com/gemini-legion/legion/pkg/orchestrator"
	"github.com/gemini-legion/legion/pkg/persona"
	"github.com/gemini-legion/legion/pkg/runtime"
	"github.com/gemini-legion/legion/pkg/store"
)

// Server holds the service dependencies behind the HTTP handlers.
type Server struct {
	cfg      *config.Config
	bus      *bus.Bus
	store    store.Store
	channels *channels.Service
	personas *persona.Engine
	orch     *orchestrator.Orchestrator
	runtime  *runtime.Runtime
	metrics  *observe.Metrics
	bridge   *Bridge
}

// NewServer wires the handler set. The bridge is created here and starts
// mirroring bus events immediately.
func NewServer(cfg *config.Config, b *bus.Bus, st store.Store, ch *channels.Service, pe *persona.Engine, orch *orchestrator.Orchestrator, rt *runtime.Runtime, metrics *observe.Metrics) *Server {
	s := &Server{
		cfg:      cfg,
		bus:      b,
		store:    st,
		channels: ch,
		personas: pe,
		orch:     orch,
		runtime:  rt,
		metrics:  metrics,
	}
	s.bridge = NewBridge(b, metrics)
	return s
}

// Close detaches the websocket bridge from the bus.
func (s *Server) Close() {
	s.bridge.Close()
}

// Router builds the gin engine with the v2 route table.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(requestLogger(), gin.Recovery())

	r.GET("/healthz", s.healthHandler)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	r.GET("/ws", s.wsHandler)

	r.POST("/channels", s.createChannel)
	r.GET("/channels", s.listChannels)
	r.GET("/channels/:id", s.getChannel)
	r.DELETE("/channels/:id", s.deleteChannel)
	r.POST("/channels/:id/members", s.addMember)
	r.DELETE("/channels/:id/members/:entity_id", s.removeMember)
	r.POST("/channels/:id/messages", s.postMessage)
	r.GET("/channels/:id/messages", s.listMessages)

	r.POST("/agents", s.spawnAgent)
	r.GET("/agents", s.listAgents)
	r.GET("/agents/:id", s.getAgent)
	r.DELETE("/agents/:id", s.despawnAgent)
	r.PUT("/agents/:id/persona", s.updatePersona)
	r.POST("/agents/:id/emotional-state", s.overrideEmotionalState)

	return r
}

// requestLogger logs each request through slog with latency and status.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
