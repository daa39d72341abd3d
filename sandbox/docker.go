package sandbox

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	cptypes "github.com/codepod-dev/codepod/types"
)

const (
	probeBackoffBase = 500 * time.Millisecond
	probeBackoffMax  = 10 * time.Second
	probeLogCooldown = 15 * time.Second
)

// Runtime is the container-runtime surface the sandbox needs. *Client
// implements it against the Docker Engine API; tests substitute fakes.
type Runtime interface {
	ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, name string) (string, error)
	ContainerStart(ctx context.Context, id string) error
	ContainerWait(ctx context.Context, id string) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, id string) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, id string) error
	ContainerRemove(ctx context.Context, id string) error
	ContainerAttach(ctx context.Context, id string) (types.HijackedResponse, error)
	ContainerResize(ctx context.Context, id string, cols, rows uint) error
}

// Status is the runtime dependency state surfaced on /health.
type Status struct {
	Available           bool      `json:"available"`
	LastChecked         time.Time `json:"lastChecked"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	BackoffActive       bool      `json:"backoffActive"`
}

// Client wraps the Docker Engine client with an availability probe. The
// probe backs off exponentially on consecutive failures (capped at 10s) and
// rate-limits its error logging so a dead daemon does not flood the logs.
type Client struct {
	api    *client.Client
	logger *zap.Logger

	mu                  sync.Mutex
	available           bool
	lastChecked         time.Time
	consecutiveFailures int
	backoffUntil        time.Time
	lastLogged          time.Time
	now                 func() time.Time
}

// NewClient connects to the runtime. host may be empty to use the
// environment (DOCKER_HOST or the default socket).
func NewClient(host string, logger *zap.Logger) (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		api:    api,
		logger: logger.With(zap.String("component", "docker_client")),
		now:    time.Now,
	}, nil
}

// Probe pings the runtime unless still inside a failure backoff window.
// Returns a RuntimeUnavailable error when the runtime cannot be reached.
func (c *Client) Probe(ctx context.Context) error {
	c.mu.Lock()
	now := c.now()
	if now.Before(c.backoffUntil) {
		available := c.available
		c.mu.Unlock()
		if available {
			return nil
		}
		return cptypes.NewError(cptypes.ErrRuntimeUnavailable,
			"container runtime unavailable (probe backing off); is the Docker daemon running?")
	}
	c.mu.Unlock()

	_, err := c.api.Ping(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastChecked = c.now()

	if err != nil {
		c.consecutiveFailures++
		backoff := probeBackoffBase
		for i := 1; i < c.consecutiveFailures; i++ {
			backoff *= 2
			if backoff >= probeBackoffMax {
				backoff = probeBackoffMax
				break
			}
		}
		c.available = false
		c.backoffUntil = c.lastChecked.Add(backoff)

		if c.lastChecked.Sub(c.lastLogged) >= probeLogCooldown {
			c.lastLogged = c.lastChecked
			c.logger.Error("container runtime unreachable",
				zap.Int("consecutive_failures", c.consecutiveFailures),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
		}
		return cptypes.NewError(cptypes.ErrRuntimeUnavailable,
			"container runtime unavailable; is the Docker daemon running?").WithCause(err)
	}

	if c.consecutiveFailures > 0 {
		c.logger.Info("container runtime recovered",
			zap.Int("previous_failures", c.consecutiveFailures))
	}
	c.consecutiveFailures = 0
	c.available = true
	c.backoffUntil = time.Time{}
	return nil
}

// Status returns a snapshot of the probe state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Available:           c.available,
		LastChecked:         c.lastChecked,
		ConsecutiveFailures: c.consecutiveFailures,
		BackoffActive:       c.now().Before(c.backoffUntil),
	}
}

// Close releases the underlying API client.
func (c *Client) Close() error { return c.api.Close() }

// ---------------------------------------------------------------------------
// Runtime implementation
// ---------------------------------------------------------------------------

func (c *Client) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, name string) (string, error) {
	resp, err := c.api.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) ContainerStart(ctx context.Context, id string) error {
	return c.api.ContainerStart(ctx, id, container.StartOptions{})
}

func (c *Client) ContainerWait(ctx context.Context, id string) (<-chan container.WaitResponse, <-chan error) {
	return c.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
}

func (c *Client) ContainerLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	return c.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
}

func (c *Client) ContainerKill(ctx context.Context, id string) error {
	return c.api.ContainerKill(ctx, id, "KILL")
}

func (c *Client) ContainerRemove(ctx context.Context, id string) error {
	return c.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (c *Client) ContainerAttach(ctx context.Context, id string) (types.HijackedResponse, error) {
	return c.api.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
}

func (c *Client) ContainerResize(ctx context.Context, id string, cols, rows uint) error {
	return c.api.ContainerResize(ctx, id, container.ResizeOptions{Width: cols, Height: rows})
}
