package docker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/tlsconfig"
	"github.com/nholik/stackpilot/internal/compose"
	"github.com/rs/zerolog"
)

const defaultPingTimeout = 5 * time.Second

// Client wraps the Docker Engine API for the service drivers.
type Client struct {
	api         dockerAPI
	pingTimeout time.Duration
	logger      zerolog.Logger
}

// TLSConfig holds client certificate paths for a TLS-protected daemon.
type TLSConfig struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

func (t TLSConfig) enabled() bool {
	return t.CAFile != "" || t.CertFile != "" || t.KeyFile != ""
}

// ClientOption customizes NewClient.
type ClientOption func(*clientOptions)

type clientOptions struct {
	tls TLSConfig
}

// WithTLS enables mutual TLS towards the daemon.
func WithTLS(cfg TLSConfig) ClientOption {
	return func(o *clientOptions) {
		o.tls = cfg
	}
}

// NewClient initializes a Docker client for the given API host. An empty host
// uses the environment (DOCKER_HOST) or the default socket.
func NewClient(host string, logger zerolog.Logger, options ...ClientOption) (*Client, error) {
	var o clientOptions
	for _, opt := range options {
		opt(&o)
	}

	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if o.tls.enabled() {
		tlsClient, err := tlsconfig.Client(tlsconfig.Options{
			CAFile:             o.tls.CAFile,
			CertFile:           o.tls.CertFile,
			KeyFile:            o.tls.KeyFile,
			ExclusiveRootPools: true,
		})
		if err != nil {
			return nil, fmt.Errorf("docker tls: %w", err)
		}
		opts = append(opts, client.WithHTTPClient(&http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsClient},
		}))
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}

	return &Client{
		api:         api,
		pingTimeout: defaultPingTimeout,
		logger:      logger.With().Str("component", "docker").Logger(),
	}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.api == nil {
		return errors.New("docker client is not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()

	_, err := c.api.Ping(ctx)
	return err
}

// WaitReady pings the daemon with exponential backoff until it answers or
// maxElapsed passes.
func (c *Client) WaitReady(ctx context.Context, maxElapsed time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = maxElapsed
	policy.Reset()

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := c.Ping(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("docker daemon not reachable yet")
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

// Close releases the underlying client.
func (c *Client) Close() error {
	if c == nil || c.api == nil {
		return nil
	}
	return c.api.Close()
}

// projectContainers lists the containers of a compose project. With all set,
// stopped containers are included.
func (c *Client) projectContainers(ctx context.Context, project string, all bool) ([]dockertypes.Container, error) {
	args := filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", compose.ProjectLabel, project)))
	containers, err := c.api.ContainerList(ctx, container.ListOptions{All: all, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers of project %q: %w", project, err)
	}
	return containers, nil
}
