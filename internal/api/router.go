package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/banterop/conductor/internal/agenthost"
	"github.com/banterop/conductor/internal/agentregistry"
	"github.com/banterop/conductor/internal/bridge"
	"github.com/banterop/conductor/internal/bus"
	"github.com/banterop/conductor/internal/collaborators"
	"github.com/banterop/conductor/internal/eventstore"
	"github.com/banterop/conductor/internal/orchestrator"
	"github.com/banterop/conductor/internal/platform/logging"
)

// Server holds every dependency the HTTP/WS surface needs and owns the gin
// engine built over them.
type Server struct {
	store       *eventstore.Store
	orch        *orchestrator.Orchestrator
	eb          bus.EventBus
	host        *agenthost.Host
	registry    *agentregistry.Registry
	attachments collaborators.AttachmentStore
	scenarios   collaborators.ScenarioStore
	bridge      *bridge.Bridge
	logger      *logging.Logger

	mcp    *mcpPool
	engine *gin.Engine
}

// Config bundles the dependencies New needs.
type Config struct {
	Store        *eventstore.Store
	Orchestrator *orchestrator.Orchestrator
	Bus          bus.EventBus
	Host         *agenthost.Host
	Registry     *agentregistry.Registry
	Attachments  collaborators.AttachmentStore
	Scenarios    collaborators.ScenarioStore
	Bridge       *bridge.Bridge
	Logger       *logging.Logger
}

// New builds the gin engine and registers every route in SPEC_FULL.md §6.
func New(cfg Config) *Server {
	s := &Server{
		store:       cfg.Store,
		orch:        cfg.Orchestrator,
		eb:          cfg.Bus,
		host:        cfg.Host,
		registry:    cfg.Registry,
		attachments: cfg.Attachments,
		scenarios:   cfg.Scenarios,
		bridge:      cfg.Bridge,
		logger:      cfg.Logger.WithComponent("api"),
	}
	s.mcp = newMCPPool(s)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(RequestID(), Recovery(s.logger), OtelTracing("banterop-api"), RequestLogger(s.logger), CORS(), ErrorHandler(s.logger))
	s.engine = r

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/conversations", s.handleListConversations)
	api.GET("/attachments/:id", s.handleGetAttachment)
	api.GET("/attachments/:id/content", s.handleGetAttachmentContent)

	scenarios := api.Group("/scenarios")
	scenarios.GET("", s.handleListScenarios)
	scenarios.POST("", s.handleCreateScenario)
	scenarios.GET("/:id", s.handleGetScenario)
	scenarios.PUT("/:id", s.editTokenGuard(), s.handleUpdateScenario)
	scenarios.DELETE("/:id", s.editTokenGuard(), s.handleDeleteScenario)

	api.GET("/agent-classes", s.handleListAgentClasses)

	rooms := api.Group("/rooms/:pairId")
	rooms.POST("/a2a", s.handleRoomA2A)
	rooms.GET("/events.log", s.handleRoomEventsLog)
	rooms.GET("/server-events", s.handleRoomServerEvents)
	rooms.POST("/backend/release", s.handleRoomBackendRelease)
	rooms.POST("/reset", s.handleRoomReset)
	rooms.GET("/epochs", s.handleRoomEpochs)
	rooms.GET("/epochs/:epoch", s.handleRoomEpoch)
	rooms.GET("/.well-known/agent-card.json", s.handleRoomAgentCard)

	rooms.Any("/mcp", s.handleRoomMCP("/mcp"))
	rooms.GET("/sse", s.handleRoomMCP("/sse"))
	rooms.POST("/message", s.handleRoomMCP("/message"))

	api.GET("/ws", s.handleWebSocket)

	return s
}

// Handler returns the built http.Handler for use with an *http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

// Close shuts down every per-pair MCP server the bridge's /mcp routes
// started on demand.
func (s *Server) Close(ctx context.Context) {
	s.mcp.Stop(ctx)
}
