package docker

import (
	"context"
	"fmt"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/nholik/stackpilot/internal/backend"
	"github.com/nholik/stackpilot/internal/service"
)

// ContainerDriver drives single-container services. An existing container is
// started by name; a missing one is built from the service's working path and
// created with its published ports.
type ContainerDriver struct {
	client *Client
}

var _ backend.Driver = (*ContainerDriver)(nil)

// NewContainerDriver returns a driver for single-container services.
func NewContainerDriver(c *Client) *ContainerDriver {
	return &ContainerDriver{client: c}
}

// Start starts the container named by def, creating it first when needed.
func (d *ContainerDriver) Start(ctx context.Context, def service.Definition) (service.Handle, error) {
	name := def.ContainerName()
	err := d.client.api.ContainerStart(ctx, name, container.StartOptions{})
	if client.IsErrNotFound(err) {
		if def.WorkingPath == "" {
			return service.Handle{}, fmt.Errorf("container %q does not exist", name)
		}
		if err := d.create(ctx, def); err != nil {
			return service.Handle{}, err
		}
		err = d.client.api.ContainerStart(ctx, name, container.StartOptions{})
	}
	if err != nil {
		return service.Handle{}, err
	}

	handle := service.Handle{Kind: service.KindSingleContainer, Ref: name}
	info, err := d.client.api.ContainerInspect(ctx, name)
	if err != nil {
		d.client.logger.Warn().Err(err).Str("container", name).Msg("inspect after start failed")
		return handle, nil
	}
	if info.ContainerJSONBase != nil {
		handle.Containers = []string{info.ID}
	}
	return handle, nil
}

// Stop stops the container. A container that no longer exists counts as stopped.
func (d *ContainerDriver) Stop(ctx context.Context, handle service.Handle) error {
	err := d.client.api.ContainerStop(ctx, handle.Ref, container.StopOptions{Timeout: stopGrace(ctx)})
	if err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

// Inspect reports whether the container is running.
func (d *ContainerDriver) Inspect(ctx context.Context, handle service.Handle) (bool, error) {
	info, err := d.client.api.ContainerInspect(ctx, handle.Ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return false, nil
	}
	return info.State.Running, nil
}

func (d *ContainerDriver) create(ctx context.Context, def service.Definition) error {
	name := def.ContainerName()
	logger := d.client.logger.With().Str("service", def.Name).Str("container", name).Logger()

	tag, err := d.buildImage(ctx, def)
	if err != nil {
		return err
	}
	logger.Info().Str("image", tag).Msg("image built")

	exposed, bindings := portBindings(def.Ports)
	created, err := d.client.api.ContainerCreate(ctx,
		&container.Config{
			Image:        tag,
			ExposedPorts: exposed,
			Labels:       map[string]string{serviceLabel: def.Name},
		},
		&container.HostConfig{PortBindings: bindings},
		nil, nil, name)
	if err != nil {
		return fmt.Errorf("create container %q: %w", name, err)
	}
	for _, warning := range created.Warnings {
		logger.Warn().Str("warning", warning).Msg("container created with warning")
	}
	logger.Info().Str("container_id", created.ID).Ints("ports", def.Ports).Msg("container created")
	return nil
}

// portBindings publishes every port on the same host port over tcp.
func portBindings(ports []int) (nat.PortSet, nat.PortMap) {
	if len(ports) == 0 {
		return nil, nil
	}
	exposed := make(nat.PortSet, len(ports))
	bindings := make(nat.PortMap, len(ports))
	for _, p := range ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", p))
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(p)}}
	}
	return exposed, bindings
}
