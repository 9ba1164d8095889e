package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/banterop/conductor/internal/agenthost"
	"github.com/banterop/conductor/internal/bus"
	"github.com/banterop/conductor/internal/domain"
	"github.com/banterop/conductor/internal/jsonrpc"
	"github.com/banterop/conductor/internal/platform/apperror"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 512 * 1024
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn is one live /api/ws connection: a JSON-RPC peer that can both
// answer requests and push subscribe()'d notifications, grounded on the
// reference implementation's Client (apps/backend/internal/gateway/
// websocket/client.go)'s read/write pump split, generalized from a custom
// action envelope to full JSON-RPC 2.0 request/notification framing.
type wsConn struct {
	id     string
	conn   *gorillaws.Conn
	send   chan []byte
	logger *Server

	mu     sync.Mutex
	closed bool

	subsMu sync.Mutex
	subs   map[string]bus.Subscription
}

func newWSConn(conn *gorillaws.Conn, s *Server) *wsConn {
	return &wsConn{
		id:     uuid.New().String(),
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: s,
		subs:   make(map[string]bus.Subscription),
	}
}

func (wc *wsConn) writeFrame(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.closed {
		return
	}
	select {
	case wc.send <- data:
	default:
		wc.logger.logger.Warn("ws send buffer full, dropping frame", zap.String("conn_id", wc.id))
	}
}

func (wc *wsConn) closeSend() {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.closed {
		return
	}
	wc.closed = true
	close(wc.send)
}

func (wc *wsConn) addSubscription(subID string, sub bus.Subscription) {
	wc.subsMu.Lock()
	wc.subs[subID] = sub
	wc.subsMu.Unlock()
}

func (wc *wsConn) removeSubscription(subID string) bool {
	wc.subsMu.Lock()
	defer wc.subsMu.Unlock()
	sub, ok := wc.subs[subID]
	if !ok {
		return false
	}
	sub.Unsubscribe()
	delete(wc.subs, subID)
	return true
}

func (wc *wsConn) closeAllSubscriptions() {
	wc.subsMu.Lock()
	defer wc.subsMu.Unlock()
	for id, sub := range wc.subs {
		sub.Unsubscribe()
		delete(wc.subs, id)
	}
}

// pumpSubscription forwards one subscription's messages as "event"/
// "guidance" notifications until the subscription closes.
func (wc *wsConn) pumpSubscription(ctx context.Context, subID string, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if msg.Lag {
				continue
			}
			switch {
			case msg.Event != nil:
				wc.writeFrame(jsonrpc.NewNotification("event", gin.H{"subId": subID, "event": msg.Event}))
			case msg.Guidance != nil:
				wc.writeFrame(jsonrpc.NewNotification("guidance", gin.H{"subId": subID, "guidance": msg.Guidance}))
			}
		}
	}
}

// handleWebSocket upgrades the connection and runs its read/write pumps,
// implementing SPEC_FULL.md §6.1's JSON-RPC surface.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", zap.Error(err))
		return
	}

	wc := newWSConn(conn, s)
	d := jsonrpc.NewDispatcher()
	s.registerWSMethods(d, wc)

	go wc.writePump()
	wc.readPump(c.Request.Context(), d)
}

func (wc *wsConn) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = wc.conn.Close()
	}()

	for {
		select {
		case data, ok := <-wc.send:
			_ = wc.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = wc.conn.WriteMessage(gorillaws.CloseMessage, []byte{})
				return
			}
			if err := wc.conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = wc.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := wc.conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (wc *wsConn) readPump(ctx context.Context, d *jsonrpc.Dispatcher) {
	defer func() {
		wc.closeAllSubscriptions()
		wc.closeSend()
		_ = wc.conn.Close()
	}()

	wc.conn.SetReadLimit(wsMaxMessage)
	_ = wc.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	wc.conn.SetPongHandler(func(string) error {
		return wc.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}

		var req jsonrpc.Request
		if err := json.Unmarshal(data, &req); err != nil {
			wc.writeFrame(jsonrpc.Fail(nil, jsonrpc.CodeParseError, "invalid JSON-RPC request", nil))
			continue
		}
		go func(req jsonrpc.Request) {
			resp := d.Dispatch(ctx, &req)
			wc.writeFrame(resp)
		}(req)
	}
}

// --- method table -----------------------------------------------------

func (s *Server) registerWSMethods(d *jsonrpc.Dispatcher, wc *wsConn) {
	d.Register("ping", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return gin.H{"ok": true, "ts": time.Now().UTC().Format(time.RFC3339Nano)}, nil
	})

	d.Register("createConversation", func(ctx context.Context, params json.RawMessage) (any, error) {
		var meta domain.ConversationMetadata
		if err := json.Unmarshal(params, &meta); err != nil {
			return nil, apperror.ParseError(err.Error())
		}
		id, err := s.orch.CreateConversation(ctx, meta)
		if err != nil {
			return nil, err
		}
		return gin.H{"conversationId": id, "title": meta.Title}, nil
	})

	d.Register("getConversation", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ConversationID int64 `json:"conversationId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apperror.ParseError(err.Error())
		}
		return s.orch.GetConversationWithMetadata(ctx, p.ConversationID)
	})

	d.Register("getEventsPage", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ConversationID int64 `json:"conversationId"`
			AfterSeq       int64 `json:"afterSeq"`
			Limit          int   `json:"limit"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apperror.ParseError(err.Error())
		}
		if p.Limit <= 0 {
			p.Limit = 100
		}
		events, err := s.store.GetEventsPage(ctx, p.ConversationID, p.AfterSeq, p.Limit)
		if err != nil {
			return nil, err
		}
		result := gin.H{"events": events}
		if len(events) == p.Limit {
			result["nextAfterSeq"] = events[len(events)-1].Seq
		}
		return result, nil
	})

	d.Register("subscribe", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ConversationID  int64    `json:"conversationId"`
			IncludeGuidance bool     `json:"includeGuidance"`
			Filters         []string `json:"filters"`
			SinceSeq        *int64   `json:"sinceSeq"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apperror.ParseError(err.Error())
		}
		sub, err := s.eb.Subscribe(ctx, p.ConversationID, bus.Filter{Types: p.Filters}, p.IncludeGuidance, p.SinceSeq)
		if err != nil {
			return nil, err
		}
		subID := uuid.New().String()
		wc.addSubscription(subID, sub)
		go wc.pumpSubscription(ctx, subID, sub)
		return gin.H{"subId": subID}, nil
	})

	d.Register("subscribeAll", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			IncludeGuidance bool `json:"includeGuidance"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apperror.ParseError(err.Error())
		}
		sub, err := s.eb.SubscribeAll(ctx, bus.Filter{}, p.IncludeGuidance)
		if err != nil {
			return nil, err
		}
		subID := uuid.New().String()
		wc.addSubscription(subID, sub)
		go wc.pumpSubscription(ctx, subID, sub)
		return gin.H{"subId": subID}, nil
	})

	d.Register("subscribeConversations", func(ctx context.Context, _ json.RawMessage) (any, error) {
		sub, err := s.eb.SubscribeAll(ctx, bus.Filter{Types: []string{string(domain.EventTypeSystem), string(domain.EventTypeMessage)}}, false)
		if err != nil {
			return nil, err
		}
		subID := uuid.New().String()
		wc.addSubscription(subID, sub)
		go wc.pumpConversationLifecycle(ctx, subID, sub)
		return gin.H{"subId": subID}, nil
	})

	d.Register("unsubscribe", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			SubID string `json:"subId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apperror.ParseError(err.Error())
		}
		wc.removeSubscription(p.SubID)
		return gin.H{"ok": true}, nil
	})

	d.Register("sendMessage", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ConversationID  int64           `json:"conversationId"`
			Turn            *int            `json:"turn"`
			AgentID         string          `json:"agentId"`
			MessagePayload  json.RawMessage `json:"messagePayload"`
			Finality        domain.Finality `json:"finality"`
			ClientRequestID string          `json:"clientRequestId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apperror.ParseError(err.Error())
		}
		res, err := s.orch.SendMessage(ctx, p.ConversationID, p.AgentID, p.MessagePayload, p.Finality, p.Turn, p.ClientRequestID)
		if err != nil {
			return nil, err
		}
		return gin.H{"seq": res.Seq, "turn": res.Turn, "event": res.Event}, nil
	})

	d.Register("sendTrace", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ConversationID  int64           `json:"conversationId"`
			Turn            *int            `json:"turn"`
			AgentID         string          `json:"agentId"`
			TracePayload    json.RawMessage `json:"tracePayload"`
			ClientRequestID string          `json:"clientRequestId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apperror.ParseError(err.Error())
		}
		res, err := s.orch.SendTrace(ctx, p.ConversationID, p.AgentID, p.TracePayload, p.Turn, p.ClientRequestID)
		if err != nil {
			return nil, err
		}
		return gin.H{"seq": res.Seq, "turn": res.Turn, "event": res.Event}, nil
	})

	d.Register("clearTurn", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ConversationID int64  `json:"conversationId"`
			AgentID        string `json:"agentId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apperror.ParseError(err.Error())
		}
		turn, err := s.orch.ClearTurn(ctx, p.ConversationID, p.AgentID)
		if err != nil {
			return nil, err
		}
		return gin.H{"turn": turn}, nil
	})

	d.Register("lifecycle.ensure", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ConversationID int64    `json:"conversationId"`
			AgentIDs       []string `json:"agentIds"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apperror.ParseError(err.Error())
		}
		if err := s.host.Ensure(ctx, p.ConversationID, p.AgentIDs); err != nil {
			return nil, err
		}
		return gin.H{"ensured": ensuredList(ctx, s.host, p.ConversationID)}, nil
	})

	d.Register("lifecycle.stop", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ConversationID int64    `json:"conversationId"`
			AgentIDs       []string `json:"agentIds"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apperror.ParseError(err.Error())
		}
		if err := s.host.Stop(ctx, p.ConversationID, p.AgentIDs); err != nil {
			return nil, err
		}
		return gin.H{"ok": true}, nil
	})

	d.Register("lifecycle.getEnsured", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ConversationID int64 `json:"conversationId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apperror.ParseError(err.Error())
		}
		return gin.H{"ensured": ensuredList(ctx, s.host, p.ConversationID)}, nil
	})
}

func ensuredList(ctx context.Context, host *agenthost.Host, conversationID int64) []gin.H {
	ids, err := host.List(ctx, conversationID)
	if err != nil {
		return nil
	}
	out := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		out = append(out, gin.H{"id": id})
	}
	return out
}

// pumpConversationLifecycle filters a system- and message-event stream down
// to meta_created and terminal-close markers, emitting "conversation"
// notifications per SPEC_FULL.md §6.1's subscribeConversations contract.
func (wc *wsConn) pumpConversationLifecycle(ctx context.Context, subID string, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if msg.Lag || msg.Event == nil {
				continue
			}
			var kind struct {
				Kind string `json:"kind"`
			}
			_ = json.Unmarshal(msg.Event.Payload, &kind)
			if kind.Kind != "meta_created" && msg.Event.Finality != string(domain.FinalityConversation) {
				continue
			}
			wc.writeFrame(jsonrpc.NewNotification("conversation", gin.H{
				"subId": subID, "conversationId": msg.Event.ConversationID,
			}))
		}
	}
}
