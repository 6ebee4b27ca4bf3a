//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nholik/stackpilot/internal/backend"
	"github.com/nholik/stackpilot/internal/docker"
	"github.com/nholik/stackpilot/internal/logging"
	"github.com/nholik/stackpilot/internal/orchestrator"
	"github.com/nholik/stackpilot/internal/probe"
	"github.com/nholik/stackpilot/internal/service"
)

const composeBody = `services:
  sleeper:
    image: busybox:1.36
    command: ["sleep", "3600"]
`

// TestIntegrationComposeStackLifecycle starts and stops a compose-stack
// service against a real Docker daemon.
//
// Prerequisites:
//   - Docker daemon reachable via DOCKER_HOST or the default socket
//   - docker compose plugin installed
//
// Run with: go test -tags=integration -v ./test/integration/...
func TestIntegrationComposeStackLifecycle(t *testing.T) {
	logger := logging.New()

	client, err := docker.NewClient(os.Getenv("TEST_DOCKER_HOST"), logger)
	if err != nil {
		t.Fatalf("create docker client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		t.Skipf("docker daemon not reachable: %v", err)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "docker-compose.yml"), []byte(composeBody), 0o600); err != nil {
		t.Fatalf("write compose file: %v", err)
	}

	adapter := backend.NewDispatcher(
		backend.WithDriver(service.KindComposeStack, docker.NewComposeDriver(client)),
		backend.WithDriver(service.KindSingleContainer, docker.NewContainerDriver(client)),
		backend.WithProber(probe.New()),
	)
	orch := orchestrator.New(adapter, logger)
	defer orch.Close()

	doc := service.Document{Services: []service.Entry{{
		Name:        "stackpilot-it",
		Kind:        string(service.KindComposeStack),
		WorkingPath: dir,
		HealthCheck: &service.HealthCheckEntry{Kind: "command", Target: "true", IntervalSeconds: 1, MaxRetries: 3},
	}}}
	if err := orch.Reload(doc); err != nil {
		t.Fatalf("reload: %v", err)
	}

	t.Cleanup(func() {
		orch.StopAll(context.Background())
	})

	outcomes := orch.StartAll(context.Background())
	if outcome := outcomes["stackpilot-it"]; !outcome.OK() {
		t.Fatalf("start failed: %s", outcome.Message())
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if orch.Summary().Healthy == 1 {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if orch.Summary().Healthy != 1 {
		t.Fatalf("service did not become healthy: %+v", orch.Status())
	}

	outcomes = orch.StopAll(context.Background())
	if outcome := outcomes["stackpilot-it"]; !outcome.OK() {
		t.Fatalf("stop failed: %s", outcome.Message())
	}

	running, err := adapter.Inspect(context.Background(), backend.HandleFor(mustDefinition(t, orch, "stackpilot-it")))
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if running {
		t.Fatal("expected project to be stopped")
	}
}

func mustDefinition(t *testing.T, orch *orchestrator.Orchestrator, name string) service.Definition {
	t.Helper()
	def, ok := orch.Definition(name)
	if !ok {
		t.Fatalf("definition %q not loaded", name)
	}
	return def
}
