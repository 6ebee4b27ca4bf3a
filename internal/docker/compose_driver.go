package docker

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/nholik/stackpilot/internal/backend"
	"github.com/nholik/stackpilot/internal/compose"
	"github.com/nholik/stackpilot/internal/service"
)

// CommandRunner runs a command in dir and returns its combined output.
type CommandRunner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// ComposeDriver drives compose-stack services. Projects are brought up with the
// compose CLI plugin; inspection and stop go through the Engine API using the
// compose project label.
type ComposeDriver struct {
	client *Client
	run    CommandRunner
}

var _ backend.Driver = (*ComposeDriver)(nil)

// ComposeOption customizes a ComposeDriver.
type ComposeOption func(*ComposeDriver)

// WithCommandRunner overrides how the compose CLI is invoked.
func WithCommandRunner(run CommandRunner) ComposeOption {
	return func(d *ComposeDriver) {
		d.run = run
	}
}

// NewComposeDriver returns a driver for compose-stack services.
func NewComposeDriver(c *Client, opts ...ComposeOption) *ComposeDriver {
	d := &ComposeDriver{client: c, run: runCommand}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start validates the compose file and runs `docker compose up -d` for the project.
func (d *ComposeDriver) Start(ctx context.Context, def service.Definition) (service.Handle, error) {
	project, err := compose.LoadProject(ctx, def.WorkingPath, def.ComposeFile, def.Name)
	if err != nil {
		return service.Handle{}, err
	}

	output, err := d.run(ctx, project.WorkingDir, "docker", "compose", "-p", project.Name, "-f", project.File, "up", "-d")
	if err != nil {
		if text := strings.TrimSpace(string(output)); text != "" {
			return service.Handle{}, fmt.Errorf("compose up: %w: %s", err, lastLine(text))
		}
		return service.Handle{}, fmt.Errorf("compose up: %w", err)
	}

	handle := service.Handle{
		Kind:        service.KindComposeStack,
		Ref:         project.Name,
		WorkingDir:  project.WorkingDir,
		ComposeFile: project.File,
	}
	containers, err := d.client.projectContainers(ctx, project.Name, false)
	if err != nil {
		d.client.logger.Warn().Err(err).Str("project", project.Name).Msg("list containers after start failed")
		return handle, nil
	}
	for _, c := range containers {
		handle.Containers = append(handle.Containers, c.ID)
	}
	return handle, nil
}

// Stop stops every container of the project, continuing past failures.
func (d *ComposeDriver) Stop(ctx context.Context, handle service.Handle) error {
	project := projectOf(handle)
	containers, err := d.client.projectContainers(ctx, project, false)
	if err != nil {
		return err
	}

	grace := stopGrace(ctx)
	var errs []error
	for _, c := range containers {
		err := d.client.api.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: grace})
		if err != nil && !client.IsErrNotFound(err) {
			errs = append(errs, fmt.Errorf("stop %s: %w", containerName(c.Names, c.ID), err))
		}
	}
	return errors.Join(errs...)
}

// Inspect reports whether any container of the project is running.
func (d *ComposeDriver) Inspect(ctx context.Context, handle service.Handle) (bool, error) {
	containers, err := d.client.projectContainers(ctx, projectOf(handle), false)
	if err != nil {
		return false, err
	}
	return len(containers) > 0, nil
}

func projectOf(handle service.Handle) string {
	return compose.ProjectName(handle.Ref)
}

func containerName(names []string, id string) string {
	if len(names) > 0 {
		return strings.TrimPrefix(names[0], "/")
	}
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func lastLine(text string) string {
	lines := strings.Split(text, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// stopGrace derives the daemon-side stop timeout from the context deadline so
// the daemon kills the container before the caller gives up.
func stopGrace(ctx context.Context) *int {
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	seconds := int(time.Until(deadline).Seconds()) - 1
	if seconds < 0 {
		seconds = 0
	}
	return &seconds
}

func runCommand(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}
