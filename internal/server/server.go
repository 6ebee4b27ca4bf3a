package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nholik/stackpilot/internal/healthcheck"
	"github.com/nholik/stackpilot/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Endpoints groups what the operational HTTP surface exposes.
type Endpoints struct {
	Tracker *healthcheck.Tracker
	Status  healthcheck.StatusLister
	Metrics *metrics.Metrics
}

type listener struct {
	port    int
	label   string
	handler http.Handler
}

// Start serves the health routes on healthPort and /metrics on metricsPort.
// A port of 0 disables that listener; equal ports share one server. Servers
// shut down when ctx is canceled.
func Start(ctx context.Context, logger zerolog.Logger, endpoints Endpoints, healthPort, metricsPort int) {
	logger = logger.With().Str("component", "server").Logger()
	for _, l := range plan(endpoints, healthPort, metricsPort) {
		serve(ctx, logger, l)
	}
}

func plan(endpoints Endpoints, healthPort, metricsPort int) []listener {
	if healthPort > 0 && healthPort == metricsPort {
		mux := http.NewServeMux()
		endpoints.health(mux)
		endpoints.metrics(mux)
		return []listener{{port: healthPort, label: "health/metrics", handler: mux}}
	}

	var listeners []listener
	if healthPort > 0 {
		mux := http.NewServeMux()
		endpoints.health(mux)
		listeners = append(listeners, listener{port: healthPort, label: "health", handler: mux})
	}
	if metricsPort > 0 {
		mux := http.NewServeMux()
		endpoints.metrics(mux)
		listeners = append(listeners, listener{port: metricsPort, label: "metrics", handler: mux})
	}
	return listeners
}

func (e Endpoints) health(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", healthcheck.HealthHandler(e.Tracker))
	mux.HandleFunc("GET /readyz", healthcheck.ReadyHandler(e.Tracker))
	mux.HandleFunc("GET /services", healthcheck.ServicesHandler(e.Status))
	mux.HandleFunc("GET /services/{name}", healthcheck.ServiceHandler(e.Status))
}

func (e Endpoints) metrics(mux *http.ServeMux) {
	if e.Metrics == nil {
		return
	}
	mux.Handle("GET /metrics", e.Metrics.Handler())
}

func serve(ctx context.Context, logger zerolog.Logger, l listener) {
	logger = logger.With().Str("server", l.label).Int("port", l.port).Logger()
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", l.port),
		Handler:           l.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		logger.Info().Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http server shutdown failed")
		}
	}()
}
