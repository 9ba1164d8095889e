package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleListAgentClasses implements GET /api/agent-classes, letting
// operators and UI discover which agent classes are launchable, grounded
// in the reference implementation's agent-type catalog endpoint.
func (s *Server) handleListAgentClasses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"classes": s.registry.List()})
}
