package api

import (
	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// wsHandler upgrades the request and hands the socket to the bridge.
func (s *Server) wsHandler(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// Origin validation is out of scope with authentication; same-host
		// deployments front this with a reverse proxy.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	// Blocks until the socket closes.
	s.bridge.HandleConnection(c.Request.Context(), conn)
}
