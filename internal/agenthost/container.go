package agenthost

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/banterop/conductor/internal/agentregistry"
	"github.com/banterop/conductor/internal/agenthost/docker"
	"github.com/banterop/conductor/internal/platform/logging"
)

// defaultWorkspaceRoot is the host-side base directory container mounts
// are resolved under; it is a fixed constant.
const defaultWorkspaceRoot = "/var/lib/banterop/workspaces"

// containerWorker launches one Docker container per (conversation_id,
// agent_id) for an externally-containerized agent class. It communicates
// back to the conversation over the A2A bridge or an attached stdio
// session once started; from the Host's point of view it is just a
// supervised process with a lifecycle.
type containerWorker struct {
	client         *docker.Client
	conversationID int64
	agentID        string
	class          *agentregistry.Class
	logger         *logging.Logger

	mu          sync.Mutex
	containerID string
	waitDone    chan struct{}
}

func newContainerWorker(client *docker.Client, conversationID int64, agentID string, class *agentregistry.Class, log *logging.Logger) *containerWorker {
	return &containerWorker{
		client:         client,
		conversationID: conversationID,
		agentID:        agentID,
		class:          class,
		logger:         log.WithComponent("agenthost.container").WithConversation(conversationID).WithAgent(agentID),
	}
}

func (w *containerWorker) ID() string { return w.agentID }

func (w *containerWorker) Start(ctx context.Context) error {
	image := w.class.Image
	if w.class.Tag != "" {
		image = image + ":" + w.class.Tag
	}

	mounts := docker.ResolveMounts(w.class.Mounts, defaultWorkspaceRoot, w.conversationID, w.agentID)

	cfg := docker.ContainerConfig{
		Name:  fmt.Sprintf("banterop-agent-%d-%s", w.conversationID, w.agentID),
		Image: image,
		Env: []string{
			"BANTEROP_CONVERSATION_ID=" + strconv.FormatInt(w.conversationID, 10),
			"BANTEROP_AGENT_ID=" + w.agentID,
		},
		WorkingDir: w.class.WorkingDir,
		Mounts:     mounts,
		Memory:     w.class.ResourceLimits.MemoryMB * 1024 * 1024,
		AutoRemove: false,
		Labels: map[string]string{
			"banterop.conversation_id": strconv.FormatInt(w.conversationID, 10),
			"banterop.agent_id":        w.agentID,
			"banterop.agent_class":     w.class.ID,
		},
	}

	containerID, err := w.client.CreateContainer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating container for agent %s: %w", w.agentID, err)
	}
	if err := w.client.StartContainer(ctx, containerID); err != nil {
		return fmt.Errorf("starting container for agent %s: %w", w.agentID, err)
	}

	w.mu.Lock()
	w.containerID = containerID
	w.waitDone = make(chan struct{})
	waitDone := w.waitDone
	w.mu.Unlock()

	go func() {
		defer close(waitDone)
		exitCode, err := w.client.WaitContainer(context.Background(), containerID)
		if err != nil {
			w.logger.Warn("container wait returned an error", zap.Error(err))
			return
		}
		w.logger.Info("container exited", zap.Int64("exit_code", exitCode))
	}()

	return nil
}

func (w *containerWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	containerID := w.containerID
	w.mu.Unlock()
	if containerID == "" {
		return nil
	}

	timeout := time.Duration(w.class.ResourceLimits.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := w.client.StopContainer(ctx, containerID, timeout); err != nil {
		w.logger.Warn("failed to stop container cleanly, removing forcibly", zap.Error(err))
	}
	return w.client.RemoveContainer(ctx, containerID, true)
}

var _ Worker = (*containerWorker)(nil)
