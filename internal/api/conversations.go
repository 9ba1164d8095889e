package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/banterop/conductor/internal/domain"
	"github.com/banterop/conductor/internal/eventstore"
)

// conversationSummary is the shape returned by GET /api/conversations,
// the header without the full event log.
type conversationSummary struct {
	ConversationID int64                       `json:"conversationId"`
	Metadata       domain.ConversationMetadata `json:"metadata"`
}

func (s *Server) handleListConversations(c *gin.Context) {
	filter := eventstore.ListFilter{
		Status:     domain.ConversationStatus(c.Query("status")),
		ScenarioID: c.Query("scenarioId"),
	}
	if hours := c.Query("hours"); hours != "" {
		if n, err := strconv.Atoi(hours); err == nil && n > 0 {
			filter.Since = time.Now().Add(-time.Duration(n) * time.Hour)
		}
	}
	if limit := c.Query("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			filter.Limit = n
		}
	}
	if offset := c.Query("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			filter.Offset = n
		}
	}

	rows, err := s.orch.ListConversations(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}

	out := make([]conversationSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, conversationSummary{ConversationID: r.ConversationID, Metadata: r.Metadata})
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}
