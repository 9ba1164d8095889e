package api

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/banterop/conductor/internal/platform/apperror"
)

type attachmentResponse struct {
	ID             string `json:"id"`
	ConversationID int64  `json:"conversationId"`
	Name           string `json:"name"`
	ContentType    string `json:"contentType"`
	DocID          string `json:"docId,omitempty"`
	Summary        string `json:"summary,omitempty"`
}

func (s *Server) handleGetAttachment(c *gin.Context) {
	meta, _, err := s.attachments.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, apperror.NotFound("attachment not found"))
		return
	}
	c.JSON(http.StatusOK, attachmentResponse{
		ID:             meta.ID,
		ConversationID: meta.ConversationID,
		Name:           meta.Name,
		ContentType:    meta.ContentType,
		DocID:          meta.DocID,
		Summary:        meta.Summary,
	})
}

func (s *Server) handleGetAttachmentContent(c *gin.Context) {
	meta, data, err := s.attachments.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, apperror.NotFound("attachment not found"))
		return
	}
	c.Header("Content-Type", meta.ContentType)
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename*=UTF-8''%s`, url.PathEscape(meta.Name)))
	c.Data(http.StatusOK, meta.ContentType, data)
}
