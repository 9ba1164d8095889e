// Package mcp serves the three pair-scoped MCP tools over both SSE and
// Streamable HTTP transports, grounded on the reference implementation's
// internal/mcpserver package (dual SSE + Streamable HTTP wiring over a
// single shared *server.MCPServer and http.ServeMux) adapted from a
// task-board tool surface onto the bridge's pair/epoch model.
package mcp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/banterop/conductor/internal/bridge"
	"github.com/banterop/conductor/internal/platform/logging"
)

// Config configures the MCP server's listen address. Each Server instance
// is bound to exactly one pair, matching how the bridge's other room
// routes (§6.2) are mounted per pairId.
type Config struct {
	Port   int
	PairID string
}

// Server wraps the SSE and Streamable HTTP transports with lifecycle
// management, mirroring the reference implementation's mcpserver.Server.
type Server struct {
	cfg Config
	br  *bridge.Bridge

	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server

	mu      sync.Mutex
	running bool
	logger  *logging.Logger
}

// New constructs an MCP server backed by br.
func New(cfg Config, br *bridge.Bridge, log *logging.Logger) *Server {
	return &Server{cfg: cfg, br: br, logger: log.WithComponent("bridge.mcp")}
}

// Start starts both transports on the configured port and returns once
// the HTTP listener is accepting connections.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcp server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer("banterop-bridge", "1.0.0", server.WithToolCapabilities(true))
	registerTools(mcpServer, s.br, s.cfg.PairID, s.logger)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}
	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("mcp server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Port returns the listening port, valid only after Start has returned.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Port
}

// Stop gracefully shuts down both transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down mcp http server: %w", err)
		}
	}
	if s.sseServer != nil {
		_ = s.sseServer.Shutdown(ctx)
	}
	if s.streamableHTTPServer != nil {
		_ = s.streamableHTTPServer.Shutdown(ctx)
	}
	return nil
}
