package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/banterop/conductor/internal/agenthost"
	dockerclient "github.com/banterop/conductor/internal/agenthost/docker"
	"github.com/banterop/conductor/internal/agentregistry"
	"github.com/banterop/conductor/internal/api"
	"github.com/banterop/conductor/internal/bridge"
	"github.com/banterop/conductor/internal/bus"
	"github.com/banterop/conductor/internal/bus/natsbus"
	"github.com/banterop/conductor/internal/collaborators"
	"github.com/banterop/conductor/internal/eventstore"
	"github.com/banterop/conductor/internal/llmagent"
	"github.com/banterop/conductor/internal/orchestrator"
	"github.com/banterop/conductor/internal/platform/config"
	"github.com/banterop/conductor/internal/platform/logging"
	"github.com/banterop/conductor/internal/platform/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefault(log)
	log.Info("starting conductor")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the event store
	store, err := eventstore.Open(cfg.Database.Path, cfg.Database.MaxOpenConns, log)
	if err != nil {
		log.Fatal("failed to open event store", zap.Error(err))
	}
	defer store.Close()

	// 5. Connect the subscription bus
	eb, err := newBus(cfg, store, log)
	if err != nil {
		log.Fatal("failed to initialize subscription bus", zap.Error(err))
	}
	defer eb.Close()

	// 6. Initialize the conversation orchestrator
	orch := orchestrator.New(store, eb, orchestrator.Config{
		DefaultDeadlineMs:        cfg.Orchestrator.IdleTurnMs,
		IdempotencyTTL:           cfg.Orchestrator.IdempotencyTTL,
		IdempotencySweepInterval: cfg.Orchestrator.IdempotencySweepInterval,
	}, log)
	defer orch.Close()

	// 7. Initialize the agent class registry
	registry := agentregistry.New(log)
	registry.LoadDefaults()
	log.Info("loaded agent registry", zap.Int("agent_classes", len(registry.List())))

	// 8. Initialize the optional LLM-backed agent factory
	factory, llmProvider := buildAgentFactory(cfg, log)
	if llmProvider == nil {
		log.Warn("llm.api_key not set; in-process agents will fail to start")
	}

	// 9. Initialize the Docker client for containerized agent workers
	var dockerClient *dockerclient.Client
	if cfg.Docker.Enabled {
		dockerClient, err = dockerclient.NewClient(cfg.Docker, log)
		if err != nil {
			log.Fatal("failed to initialize docker client", zap.Error(err))
		}
		defer dockerClient.Close()
		if err := dockerClient.Ping(ctx); err != nil {
			log.Fatal("failed to connect to docker daemon", zap.Error(err))
		}
		log.Info("connected to docker daemon")
	}

	// 10. Initialize the Agent Host and resume any previously running workers
	host := agenthost.New(store, eb, orch, registry, factory, dockerClient, log)
	if err := host.Start(ctx); err != nil {
		log.Fatal("failed to start agent host", zap.Error(err))
	}
	defer host.Close()
	if err := host.WatchCompletions(ctx); err != nil {
		log.Fatal("failed to start completion watcher", zap.Error(err))
	}

	// 11. Initialize external collaborators
	attachments := collaborators.NewMemoryAttachmentStore()
	scenarios := collaborators.NewMemoryScenarioStore()

	// 12. Initialize the room/pair bridge
	br := bridge.New(store.DB(), orch, eb, defaultAgentCard(cfg), log)

	// 13. Build the HTTP/WS server
	srv := api.New(api.Config{
		Store:        store,
		Orchestrator: orch,
		Bus:          eb,
		Host:         host,
		Registry:     registry,
		Attachments:  attachments,
		Scenarios:    scenarios,
		Bridge:       br,
		Logger:       log,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 14. Start the HTTP server
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server error", zap.Error(err))
		}
	}()

	// 15. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down conductor")

	// 16. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	srv.Close(shutdownCtx)

	if err := host.StopAll(shutdownCtx); err != nil {
		log.Error("agent host shutdown error", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("conductor stopped")
}

// newBus connects the subscription bus's transport: NATS when configured,
// otherwise the in-memory default.
func newBus(cfg *config.Config, store *eventstore.Store, log *logging.Logger) (bus.EventBus, error) {
	depth := cfg.Orchestrator.SubscriberQueueDepth
	if cfg.NATS.Enabled {
		b, err := natsbus.New(natsbus.Config{URL: cfg.NATS.URL}, store.AsBacklog(), depth, log)
		if err != nil {
			return nil, fmt.Errorf("connecting to nats: %w", err)
		}
		log.Info("connected to nats event bus", zap.String("url", cfg.NATS.URL))
		return b, nil
	}
	return bus.NewMemoryBus(store.AsBacklog(), depth, log), nil
}

// buildAgentFactory wires the "generic-llm-agent" class to an
// OpenAIProvider-backed llmagent.Agent. Returns a nil factory (and nil
// provider) when no LLM API key is configured; ensure() then fails for any
// agent class that has no container image.
func buildAgentFactory(cfg *config.Config, log *logging.Logger) (agenthost.AgentFactory, collaborators.LLMProvider) {
	apiKey, source := collaborators.ResolveLLMAPIKey(cfg.LLM.APIKey)
	log.Info("llm api key", zap.String("source", collaborators.DescribeLLMAPIKeySource(source)))
	if apiKey == "" {
		return nil, nil
	}
	provider, err := collaborators.NewOpenAIProvider(apiKey, cfg.LLM.BaseURL, cfg.LLM.DefaultModel)
	if err != nil {
		log.Fatal("failed to initialize llm provider", zap.Error(err))
	}
	factory := func(conversationID int64, agentID string, class *agentregistry.Class) (collaborators.Agent, error) {
		systemPrompt := fmt.Sprintf("You are agent %q in a multi-agent conversation.", agentID)
		if class != nil && class.Description != "" {
			systemPrompt = class.Description
		}
		return llmagent.New(provider, llmagent.Config{SystemPrompt: systemPrompt}, log), nil
	}
	return factory, provider
}

// defaultAgentCard builds the A2A discovery document served at
// /api/rooms/:pairId/.well-known/agent-card.json.
func defaultAgentCard(cfg *config.Config) bridge.AgentCard {
	return bridge.AgentCard{
		ProtocolVersion:    "0.2.0",
		Name:               "conductor",
		Description:        "Server-side conversation orchestrator and agent runtime bridged to A2A.",
		URL:                cfg.Server.Addr,
		Version:            "1.0.0",
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text"},
		Skills: []*bridge.Skill{
			{
				ID:          "conversation-bridge",
				Name:        "Conversation Bridge",
				Description: "Relays messages between two external A2A agents over a shared conversation.",
				InputModes:  []string{"text"},
				OutputModes: []string{"text"},
			},
		},
	}
}
