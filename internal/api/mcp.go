package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/banterop/conductor/internal/bridge/mcp"
)

// mcpPool lazily starts one mcp.Server per pair and reverse-proxies
// requests onto it, grounded on the reference implementation's
// VscodeProxyHandler (internal/gateway/websocket/vscode_proxy.go)'s
// resolve-then-proxy pattern, adapted from a per-session IDE proxy to a
// per-pair MCP tool server.
type mcpPool struct {
	s *Server

	mu      sync.Mutex
	servers map[string]*mcp.Server
	targets map[string]*url.URL
}

func newMCPPool(s *Server) *mcpPool {
	return &mcpPool{s: s, servers: make(map[string]*mcp.Server), targets: make(map[string]*url.URL)}
}

func (p *mcpPool) targetFor(ctx context.Context, pairID string) (*url.URL, error) {
	p.mu.Lock()
	if target, ok := p.targets[pairID]; ok {
		p.mu.Unlock()
		return target, nil
	}
	p.mu.Unlock()

	srv := mcp.New(mcp.Config{Port: 0, PairID: pairID}, p.s.bridge, p.s.logger)
	if err := srv.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting mcp server for pair %s: %w", pairID, err)
	}
	target, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", srv.Port()))
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.targets[pairID]; ok {
		_ = srv.Stop(ctx)
		return existing, nil
	}
	p.servers[pairID] = srv
	p.targets[pairID] = target
	return target, nil
}

// Stop shuts down every pair's MCP server, for use during graceful
// shutdown.
func (p *mcpPool) Stop(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for pairID, srv := range p.servers {
		if err := srv.Stop(ctx); err != nil {
			p.s.logger.Warn("mcp server shutdown error", zap.String("pair_id", pairID), zap.Error(err))
		}
	}
}

// handleRoomMCP proxies a single MCP transport path (one of /sse,
// /message, /mcp) onto the pair's own mcp.Server, starting it on first
// use. remotePath is the path the pair's server mux expects, independent
// of how the route is mounted under /api/rooms/:pairId.
func (s *Server) handleRoomMCP(remotePath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		target, err := s.mcp.targetFor(c.Request.Context(), c.Param("pairId"))
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{"code": "mcp_unavailable", "message": err.Error()}})
			return
		}
		proxy := &httputil.ReverseProxy{
			Director: func(req *http.Request) {
				req.URL.Scheme = target.Scheme
				req.URL.Host = target.Host
				req.URL.Path = remotePath
				req.URL.RawQuery = c.Request.URL.RawQuery
				req.Host = target.Host
			},
		}
		proxy.ServeHTTP(c.Writer, c.Request)
	}
}
