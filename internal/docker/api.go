package docker

import (
	"context"
	"io"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// dockerAPI defines the subset of Docker client operations the drivers use.
// Tests inject a mock implementation instead of talking to a daemon.
type dockerAPI interface {
	// Ping checks connectivity to the Docker daemon.
	Ping(ctx context.Context) (dockertypes.Ping, error)

	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerInspect(ctx context.Context, containerID string) (dockertypes.ContainerJSON, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]dockertypes.Container, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)

	// ImageBuild sends a tarred build context to the daemon. The caller drains
	// and closes the response body.
	ImageBuild(ctx context.Context, buildContext io.Reader, options dockertypes.ImageBuildOptions) (dockertypes.ImageBuildResponse, error)

	// Close releases resources associated with the client.
	Close() error
}

var _ dockerAPI = (*client.Client)(nil)
