// Package docker wraps the Docker SDK to provide container lifecycle
// operations for externally-containerized agent workers (SPEC_FULL.md §3
// Agent Class, launched one container per (conversation_id, agent_id) by
// internal/agenthost's containerWorker).
package docker

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/banterop/conductor/internal/agentregistry"
	"github.com/banterop/conductor/internal/platform/apperror"
	"github.com/banterop/conductor/internal/platform/config"
	"github.com/banterop/conductor/internal/platform/logging"
)

// ContainerConfig holds configuration for creating a container.
type ContainerConfig struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []MountConfig
	NetworkMode string
	Memory      int64
	CPUQuota    int64
	Labels      map[string]string
	AutoRemove  bool
}

// MountConfig holds one resolved bind mount.
type MountConfig struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerInfo holds information about a running container.
type ContainerInfo struct {
	ID         string
	Name       string
	Image      string
	State      string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
	Health     string
}

// ResolveMounts substitutes the {workspace}/{conversation_id}/{agent_id}
// template variables an agentregistry.Class's mount templates carry.
// workspaceRoot stands in for {workspace}; it is the Agent Host's fixed
// host-side workspace base directory, not a Docker concept, so this
// substitution belongs next to
// the rest of this package's container-launch plumbing rather than inside
// the registry, which knows nothing about conversations or agents.
func ResolveMounts(templates []agentregistry.MountTemplate, workspaceRoot string, conversationID int64, agentID string) []MountConfig {
	r := strings.NewReplacer(
		"{workspace}", workspaceRoot,
		"{conversation_id}", strconv.FormatInt(conversationID, 10),
		"{agent_id}", agentID,
	)
	out := make([]MountConfig, 0, len(templates))
	for _, t := range templates {
		out = append(out, MountConfig{
			Source:   r.Replace(t.Source),
			Target:   t.Target,
			ReadOnly: t.ReadOnly,
		})
	}
	return out
}

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logging.Logger
	config config.DockerConfig
}

// NewClient creates a new Docker client.
func NewClient(cfg config.DockerConfig, log *logging.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}

	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, apperror.Fatal(fmt.Errorf("create docker client: %w", err))
	}

	log.Info("docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion),
	)

	return &Client{
		cli:    cli,
		logger: log.WithComponent("docker"),
		config: cfg,
	}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	c.logger.Debug("closing docker client")
	return c.cli.Close()
}

// PullImage pulls a Docker image.
func (c *Client) PullImage(ctx context.Context, imageName string) error {
	c.logger.Info("pulling image", zap.String("image", imageName))

	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		c.logger.Error("pull image failed", zap.String("image", imageName), zap.Error(err))
		return apperror.Fatal(fmt.Errorf("pull image %s: %w", imageName, err))
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		c.logger.Error("read image pull output failed", zap.String("image", imageName), zap.Error(err))
		return apperror.Fatal(fmt.Errorf("read image pull output for %s: %w", imageName, err))
	}

	c.logger.Info("image pulled", zap.String("image", imageName))
	return nil
}

func toDockerMounts(cfgMounts []MountConfig) []mount.Mount {
	mounts := make([]mount.Mount, 0, len(cfgMounts))
	for _, m := range cfgMounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	return mounts
}

func hostConfigFor(cfg ContainerConfig) *container.HostConfig {
	return &container.HostConfig{
		Mounts:      toDockerMounts(cfg.Mounts),
		NetworkMode: container.NetworkMode(cfg.NetworkMode),
		AutoRemove:  cfg.AutoRemove,
		Resources: container.Resources{
			Memory:   cfg.Memory,
			CPUQuota: cfg.CPUQuota,
		},
	}
}

// CreateContainer creates a new container for an agent worker.
func (c *Client) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	c.logger.Info("creating container", zap.String("name", cfg.Name), zap.String("image", cfg.Image))

	containerCfg := &container.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Cmd,
		Env:        cfg.Env,
		WorkingDir: cfg.WorkingDir,
		Labels:     cfg.Labels,
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostConfigFor(cfg), nil, nil, cfg.Name)
	if err != nil {
		c.logger.Error("create container failed", zap.String("name", cfg.Name), zap.Error(err))
		return "", apperror.Fatal(fmt.Errorf("create container %s: %w", cfg.Name, err))
	}

	c.logger.Info("container created", zap.String("id", resp.ID), zap.String("name", cfg.Name))
	return resp.ID, nil
}

// StartContainer starts a container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	c.logger.Info("starting container", zap.String("container_id", containerID))

	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		c.logger.Error("start container failed", zap.String("container_id", containerID), zap.Error(err))
		return apperror.Fatal(fmt.Errorf("start container %s: %w", containerID, err))
	}
	return nil
}

// StopContainer stops a container with a timeout.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	c.logger.Info("stopping container", zap.String("container_id", containerID), zap.Duration("timeout", timeout))

	timeoutSeconds := int(timeout.Seconds())
	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		c.logger.Error("stop container failed", zap.String("container_id", containerID), zap.Error(err))
		return apperror.Fatal(fmt.Errorf("stop container %s: %w", containerID, err))
	}
	return nil
}

// RemoveContainer removes a container.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	c.logger.Info("removing container", zap.String("container_id", containerID), zap.Bool("force", force))

	if err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force, RemoveVolumes: true}); err != nil {
		c.logger.Error("remove container failed", zap.String("container_id", containerID), zap.Error(err))
		return apperror.Fatal(fmt.Errorf("remove container %s: %w", containerID, err))
	}
	return nil
}

// KillContainer kills a container.
func (c *Client) KillContainer(ctx context.Context, containerID string, signal string) error {
	c.logger.Info("killing container", zap.String("container_id", containerID), zap.String("signal", signal))

	if err := c.cli.ContainerKill(ctx, containerID, signal); err != nil {
		c.logger.Error("kill container failed", zap.String("container_id", containerID), zap.Error(err))
		return apperror.Fatal(fmt.Errorf("kill container %s: %w", containerID, err))
	}
	return nil
}

// GetContainerInfo returns information about a container.
func (c *Client) GetContainerInfo(ctx context.Context, containerID string) (*ContainerInfo, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		c.logger.Error("inspect container failed", zap.String("container_id", containerID), zap.Error(err))
		return nil, apperror.Fatal(fmt.Errorf("inspect container %s: %w", containerID, err))
	}

	info := &ContainerInfo{
		ID:       inspect.ID,
		Name:     inspect.Name,
		Image:    inspect.Config.Image,
		State:    inspect.State.Status,
		Status:   inspect.State.Status,
		ExitCode: inspect.State.ExitCode,
	}

	if inspect.State.StartedAt != "" {
		if startedAt, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			info.StartedAt = startedAt
		}
	}
	if inspect.State.FinishedAt != "" {
		if finishedAt, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
			info.FinishedAt = finishedAt
		}
	}
	if inspect.State.Health != nil {
		info.Health = inspect.State.Health.Status
	}

	return info, nil
}

// GetContainerLogs returns logs from a container.
func (c *Client) GetContainerLogs(ctx context.Context, containerID string, follow bool, tail string) (io.ReadCloser, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: follow, Tail: tail}

	reader, err := c.cli.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		c.logger.Error("get container logs failed", zap.String("container_id", containerID), zap.Error(err))
		return nil, apperror.Fatal(fmt.Errorf("get container logs for %s: %w", containerID, err))
	}
	return reader, nil
}

// WaitContainer waits for a container to stop and returns its exit code.
func (c *Client) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	c.logger.Info("waiting for container", zap.String("container_id", containerID))

	statusCh, errCh := c.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		if err != nil {
			c.logger.Error("wait container failed", zap.String("container_id", containerID), zap.Error(err))
			return -1, apperror.Fatal(fmt.Errorf("wait container %s: %w", containerID, err))
		}
	case status := <-statusCh:
		c.logger.Info("container exited", zap.String("container_id", containerID), zap.Int64("exit_code", status.StatusCode))
		return status.StatusCode, nil
	case <-ctx.Done():
		c.logger.Warn("context cancelled while waiting for container", zap.String("container_id", containerID))
		return -1, ctx.Err()
	}

	return -1, nil
}

// ListContainers lists containers with optional label filters.
func (c *Client) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		c.logger.Error("list containers failed", zap.Error(err))
		return nil, apperror.Fatal(fmt.Errorf("list containers: %w", err))
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		infos = append(infos, ContainerInfo{ID: ctr.ID, Name: name, Image: ctr.Image, State: ctr.State, Status: ctr.Status})
	}
	return infos, nil
}

// Ping checks if Docker is available.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		c.logger.Error("docker ping failed", zap.Error(err))
		return apperror.Fatal(fmt.Errorf("docker ping: %w", err))
	}
	return nil
}

// AttachResult contains the streams for container I/O.
type AttachResult struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader
	Conn   net.Conn
}

// CreateContainerInteractive creates a container with stdin attached, used
// for agent workers that speak JSON-RPC over stdio instead of exposing a
// network port.
func (c *Client) CreateContainerInteractive(ctx context.Context, cfg ContainerConfig) (string, error) {
	c.logger.Info("creating interactive container", zap.String("name", cfg.Name), zap.String("image", cfg.Image))

	containerCfg := &container.Config{
		Image:        cfg.Image,
		Cmd:          cfg.Cmd,
		Env:          cfg.Env,
		WorkingDir:   cfg.WorkingDir,
		Labels:       cfg.Labels,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostConfigFor(cfg), nil, nil, cfg.Name)
	if err != nil {
		c.logger.Error("create interactive container failed", zap.String("name", cfg.Name), zap.Error(err))
		return "", apperror.Fatal(fmt.Errorf("create interactive container %s: %w", cfg.Name, err))
	}

	c.logger.Info("interactive container created", zap.String("id", resp.ID), zap.String("name", cfg.Name))
	return resp.ID, nil
}

// AttachContainer attaches to a container's stdin, stdout, and stderr.
func (c *Client) AttachContainer(ctx context.Context, containerID string) (*AttachResult, error) {
	opts := container.AttachOptions{Stream: true, Stdin: true, Stdout: true, Stderr: true}

	resp, err := c.cli.ContainerAttach(ctx, containerID, opts)
	if err != nil {
		c.logger.Error("attach container failed", zap.String("container_id", containerID), zap.Error(err))
		return nil, apperror.Fatal(fmt.Errorf("attach container %s: %w", containerID, err))
	}

	stdinReader, stdinWriter := io.Pipe()
	go func() { io.Copy(resp.Conn, stdinReader) }()

	c.logger.Info("attached to container", zap.String("container_id", containerID))

	return &AttachResult{Stdin: stdinWriter, Stdout: resp.Reader, Conn: resp.Conn}, nil
}

// Close closes the attach result's streams.
func (a *AttachResult) Close() error {
	if a.Stdin != nil {
		a.Stdin.Close()
	}
	if a.Conn != nil {
		a.Conn.Close()
	}
	return nil
}
