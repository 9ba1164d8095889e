package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/banterop/conductor/internal/collaborators"
	"github.com/banterop/conductor/internal/platform/apperror"
)

// editTokenGuard enforces SPEC_FULL.md §6.2's X-Edit-Token rule: a scenario
// tagged published can only be mutated by a caller presenting the matching
// token, returning HTTP 423 Locked otherwise.
func (s *Server) editTokenGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, err := s.scenarios.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, apperror.NotFound("scenario not found"))
			return
		}
		if sc.Published && c.GetHeader("X-Edit-Token") != sc.EditToken {
			fail(c, apperror.Locked("scenario is published; a matching X-Edit-Token is required to modify it"))
			return
		}
		c.Next()
	}
}

type scenarioRequest struct {
	Name      string   `json:"name"`
	Tags      []string `json:"tags,omitempty"`
	Config    []byte   `json:"config"`
	Published bool     `json:"published"`
	EditToken string   `json:"editToken,omitempty"`
}

func (s *Server) handleListScenarios(c *gin.Context) {
	scenarios, err := s.scenarios.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scenarios": scenarios})
}

func (s *Server) handleGetScenario(c *gin.Context) {
	sc, err := s.scenarios.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, apperror.NotFound("scenario not found"))
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (s *Server) handleCreateScenario(c *gin.Context) {
	var req scenarioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperror.InvalidParams(err.Error()))
		return
	}
	sc, err := s.scenarios.Insert(c.Request.Context(), collaborators.Scenario{
		Name:      req.Name,
		Tags:      req.Tags,
		Config:    req.Config,
		Published: req.Published,
		EditToken: req.EditToken,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sc)
}

func (s *Server) handleUpdateScenario(c *gin.Context) {
	var req scenarioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperror.InvalidParams(err.Error()))
		return
	}
	sc, err := s.scenarios.Update(c.Request.Context(), collaborators.Scenario{
		ID:        c.Param("id"),
		Name:      req.Name,
		Tags:      req.Tags,
		Config:    req.Config,
		Published: req.Published,
		EditToken: req.EditToken,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (s *Server) handleDeleteScenario(c *gin.Context) {
	if err := s.scenarios.Delete(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
