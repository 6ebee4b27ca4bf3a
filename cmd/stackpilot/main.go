package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nholik/stackpilot/internal/backend"
	"github.com/nholik/stackpilot/internal/config"
	"github.com/nholik/stackpilot/internal/docker"
	"github.com/nholik/stackpilot/internal/healthcheck"
	"github.com/nholik/stackpilot/internal/lifecycle"
	"github.com/nholik/stackpilot/internal/logging"
	"github.com/nholik/stackpilot/internal/metrics"
	"github.com/nholik/stackpilot/internal/orchestrator"
	"github.com/nholik/stackpilot/internal/probe"
	"github.com/nholik/stackpilot/internal/server"
	"github.com/nholik/stackpilot/internal/service"
	"github.com/nholik/stackpilot/internal/state"
	"github.com/nholik/stackpilot/internal/watch"
	"github.com/rs/zerolog"
)

const dockerReadyTimeout = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New()
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := logging.NewWithFormat(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Str("services_file", cfg.ServicesFile).Msg("stackpilot starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("stackpilot stopped with error")
	}
	logger.Info().Msg("stackpilot stopped")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	dockerClient, err := docker.NewClient(cfg.DockerHost, logger, docker.WithTLS(docker.TLSConfig{
		CAFile:   cfg.DockerTLSCA,
		CertFile: cfg.DockerTLSCert,
		KeyFile:  cfg.DockerTLSKey,
	}))
	if err != nil {
		return err
	}
	defer dockerClient.Close()

	if err := dockerClient.WaitReady(ctx, dockerReadyTimeout); err != nil {
		return err
	}

	adapter := backend.NewDispatcher(
		backend.WithDriver(service.KindComposeStack, docker.NewComposeDriver(dockerClient)),
		backend.WithDriver(service.KindSingleContainer, docker.NewContainerDriver(dockerClient)),
		backend.WithProber(probe.New()),
	)

	metricsCollector := metrics.New()
	tracker := healthcheck.NewTracker()

	opts := []orchestrator.Option{
		orchestrator.WithMaxParallel(cfg.MaxParallel),
		orchestrator.WithReadyTimeout(cfg.ReadyTimeout),
		orchestrator.WithTimeouts(lifecycle.Timeouts{
			ComposeStart:   cfg.ComposeStartTimeout,
			ContainerStart: cfg.ContainerStartTimeout,
			Stop:           cfg.StopTimeout,
		}),
		orchestrator.WithRestartDelay(cfg.RestartDelay),
		orchestrator.WithRuntimeRate(cfg.RuntimeRate),
		orchestrator.WithMetrics(metricsCollector),
		orchestrator.WithTracker(tracker),
	}
	if cfg.StatePath != "" {
		opts = append(opts, orchestrator.WithStateStore(state.NewFileStore(cfg.StatePath, logger)))
	}

	orch := orchestrator.New(adapter, logger, opts...)
	defer orch.Close()

	doc, raw, err := config.ReadServices(cfg.ServicesFile)
	if err != nil {
		return err
	}
	if err := orch.Reload(doc); err != nil {
		return err
	}

	server.Start(ctx, logger, server.Endpoints{
		Tracker: tracker,
		Status:  orch,
		Metrics: metricsCollector,
	}, cfg.HealthPort, cfg.MetricsPort)

	if err := orch.Reconcile(ctx); err != nil {
		logger.Warn().Err(err).Msg("reconcile failed, services stay unknown until first operation")
	}

	if cfg.WatchConfig {
		watcher, err := watch.New(cfg.ServicesFile, orch.Reload, logger, watch.WithInitialContent(raw))
		if err != nil {
			return err
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("services file watch stopped")
			}
		}()
	}

	if cfg.Autostart {
		orch.StartAll(ctx)
		summary := orch.Summary()
		logger.Info().
			Int("total", summary.Total).
			Int("running", summary.Running).
			Int("failed", summary.Failed).
			Msg("autostart finished")
	}

	<-ctx.Done()
	logger.Info().Msg("shutdown requested")

	if cfg.StopOnExit {
		orch.StopAll(context.WithoutCancel(ctx))
	}
	return nil
}
