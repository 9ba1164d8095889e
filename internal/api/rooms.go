package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/banterop/conductor/internal/bridge"
	"github.com/banterop/conductor/internal/jsonrpc"
	"github.com/banterop/conductor/internal/platform/apperror"
)

// handleRoomA2A implements POST /api/rooms/:pairId/a2a: a JSON-RPC 2.0 body
// dispatched against the bridge's per-pair method table. Per SPEC_FULL.md
// §6.2, every outcome — including transport-level errors — is returned
// with HTTP 200 and the error carried in the JSON-RPC envelope.
func (s *Server) handleRoomA2A(c *gin.Context) {
	pairID := c.Param("pairId")

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusOK, jsonrpc.Fail(nil, jsonrpc.CodeInvalidRequest, "failed to read request body", nil))
		return
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusOK, jsonrpc.Fail(nil, jsonrpc.CodeParseError, "invalid JSON-RPC request", nil))
		return
	}
	if req.JSONRPC != jsonrpc.Version || req.Method == "" {
		c.JSON(http.StatusOK, jsonrpc.Fail(req.ID, jsonrpc.CodeInvalidRequest, "malformed JSON-RPC envelope", nil))
		return
	}

	d := jsonrpc.NewDispatcher()
	s.bridge.RegisterMethods(d, pairID)
	resp := d.Dispatch(c.Request.Context(), &req)
	c.JSON(http.StatusOK, resp)
}

// handleRoomAgentCard implements
// GET /api/rooms/:roomId/.well-known/agent-card.json.
func (s *Server) handleRoomAgentCard(c *gin.Context) {
	card, err := s.bridge.AgentCard(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

// handleRoomEpochs implements GET /api/rooms/:roomId/epochs.
func (s *Server) handleRoomEpochs(c *gin.Context) {
	desc := c.Query("order") != "asc"
	limit := 0
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	epochs, err := s.bridge.Epochs(c.Request.Context(), c.Param("pairId"), desc, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"epochs": epochs})
}

// handleRoomEpoch implements GET /api/rooms/:roomId/epochs/:epoch.
func (s *Server) handleRoomEpoch(c *gin.Context) {
	epoch, err := strconv.Atoi(c.Param("epoch"))
	if err != nil {
		fail(c, apperror.InvalidParams("epoch must be a number"))
		return
	}
	viewer := bridge.Role(c.DefaultQuery("viewer", "init"))
	if viewer != bridge.RoleInit && viewer != bridge.RoleResp {
		fail(c, apperror.InvalidParams("viewer must be init or resp"))
		return
	}
	task, err := s.bridge.EpochTask(c.Request.Context(), c.Param("pairId"), epoch, viewer)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// handleRoomReset implements POST /api/rooms/:pairId/reset.
func (s *Server) handleRoomReset(c *gin.Context) {
	var req struct {
		Type string `json:"type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperror.InvalidParams(err.Error()))
		return
	}
	if req.Type != "soft" && req.Type != "hard" {
		fail(c, apperror.InvalidParams(`type must be "soft" or "hard"`))
		return
	}
	if err := s.bridge.Reset(c.Request.Context(), c.Param("pairId"), req.Type == "hard"); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleRoomBackendRelease implements POST /api/rooms/:pairId/backend/release,
// a sendBeacon-friendly form POST.
func (s *Server) handleRoomBackendRelease(c *gin.Context) {
	leaseID := c.PostForm("leaseId")
	if leaseID == "" {
		fail(c, apperror.InvalidParams("leaseId is required"))
		return
	}
	if err := s.bridge.ReleaseLease(c.Request.Context(), c.Param("pairId"), leaseID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleRoomEventsLog implements GET /api/rooms/:pairId/events.log, a plain
// observer SSE stream of control-plane events with optional backlog replay
// via ?since=.
func (s *Server) handleRoomEventsLog(c *gin.Context) {
	var since *int64
	if raw := c.Query("since"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			since = &n
		}
	}
	if c.Query("backlogOnly") == "1" {
		snap, err := s.bridge.ConversationSnapshot(c.Request.Context(), c.Param("pairId"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": snap.Events})
		return
	}

	sub, _, err := s.bridge.Subscribe(c.Request.Context(), c.Param("pairId"), since)
	if err != nil {
		fail(c, err)
		return
	}
	defer sub.Unsubscribe()
	s.streamBusMessages(c, sub, nil)
}

// handleRoomServerEvents implements
// GET /api/rooms/:pairId/server-events?mode=observer|backend, negotiating
// the backend lease (§4.6) when mode=backend.
func (s *Server) handleRoomServerEvents(c *gin.Context) {
	pairID := c.Param("pairId")
	mode := c.DefaultQuery("mode", "observer")

	var revoked <-chan struct{}
	if mode == "backend" {
		connID := fmt.Sprintf("%s-%d", pairID, time.Now().UnixNano())
		takeover := c.Query("takeover") == "1"
		if leaseID := c.Query("leaseId"); leaseID != "" {
			if res, ok := s.bridge.RebindLease(pairID, leaseID, connID); ok {
				revoked = res.Revoked
				s.writeLeaseGranted(c, res)
			} else {
				fail(c, apperror.BackendNotHeld())
				return
			}
		} else {
			res, err := s.bridge.AcquireBackend(c.Request.Context(), pairID, connID, takeover)
			if err != nil {
				fail(c, err)
				return
			}
			revoked = res.Revoked
			s.writeLeaseGranted(c, res)
		}
	}

	sub, _, err := s.bridge.Subscribe(c.Request.Context(), pairID, nil)
	if err != nil {
		fail(c, err)
		return
	}
	defer sub.Unsubscribe()
	s.streamBusMessages(c, sub, revoked)
}

func (s *Server) writeLeaseGranted(c *gin.Context, res bridge.AcquireBackendResult) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	data, _ := json.Marshal(gin.H{"type": "backend-granted", "leaseId": res.LeaseID, "leaseGen": res.Gen})
	fmt.Fprintf(c.Writer, "event: backend-granted\ndata: %s\n\n", data)
	c.Writer.Flush()
}
