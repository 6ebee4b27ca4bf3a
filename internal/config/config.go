package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envServicesFile          = "SP_SERVICES_FILE"
	envDockerHost            = "SP_DOCKER_HOST"
	envDockerTLSCA           = "SP_DOCKER_TLS_CA"
	envDockerTLSCert         = "SP_DOCKER_TLS_CERT"
	envDockerTLSKey          = "SP_DOCKER_TLS_KEY"
	envLogLevel              = "SP_LOG_LEVEL"
	envLogFormat             = "SP_LOG_FORMAT"
	envMaxParallel           = "SP_MAX_PARALLEL"
	envComposeStartTimeout   = "SP_COMPOSE_START_TIMEOUT"
	envContainerStartTimeout = "SP_CONTAINER_START_TIMEOUT"
	envStopTimeout           = "SP_STOP_TIMEOUT"
	envReadyTimeout          = "SP_READY_TIMEOUT"
	envRestartDelay          = "SP_RESTART_DELAY"
	envRuntimeRate           = "SP_RUNTIME_RATE"
	envStatePath             = "SP_STATE_PATH"
	envHealthPort            = "SP_HEALTH_PORT"
	envMetricsPort           = "SP_METRICS_PORT"
	envAutostart             = "SP_AUTOSTART"
	envWatchConfig           = "SP_WATCH_CONFIG"
	envStopOnExit            = "SP_STOP_ON_EXIT"
)

const (
	defaultLogLevel              = "info"
	defaultLogFormat             = "json"
	defaultMaxParallel           = 4
	defaultComposeStartTimeout   = 120 * time.Second
	defaultContainerStartTimeout = 60 * time.Second
	defaultStopTimeout           = 30 * time.Second
	defaultReadyTimeout          = 5 * time.Minute
	defaultRestartDelay          = 2 * time.Second
)

// Config describes runtime configuration loaded from the environment.
type Config struct {
	ServicesFile          string
	DockerHost            string
	DockerTLSCA           string
	DockerTLSCert         string
	DockerTLSKey          string
	LogLevel              string
	LogFormat             string
	MaxParallel           int
	ComposeStartTimeout   time.Duration
	ContainerStartTimeout time.Duration
	StopTimeout           time.Duration
	ReadyTimeout          time.Duration
	RestartDelay          time.Duration
	RuntimeRate           float64
	StatePath             string
	HealthPort            int
	MetricsPort           int
	Autostart             bool
	WatchConfig           bool
	StopOnExit            bool
}

// Load reads configuration from environment variables and a local .env file if present.
// Existing environment variables take precedence over values in .env.
func Load() (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Config{
		LogLevel:              defaultLogLevel,
		LogFormat:             defaultLogFormat,
		MaxParallel:           defaultMaxParallel,
		ComposeStartTimeout:   defaultComposeStartTimeout,
		ContainerStartTimeout: defaultContainerStartTimeout,
		StopTimeout:           defaultStopTimeout,
		ReadyTimeout:          defaultReadyTimeout,
		RestartDelay:          defaultRestartDelay,
		WatchConfig:           true,
	}

	if value, ok := lookupTrimmed(envServicesFile); ok {
		cfg.ServicesFile = value
	}
	if cfg.ServicesFile == "" {
		return Config{}, errors.New("SP_SERVICES_FILE is required")
	}

	if value, ok := lookupTrimmed(envDockerHost); ok {
		if err := validateDockerHost(value); err != nil {
			return Config{}, err
		}
		cfg.DockerHost = value
	}
	if value, ok := lookupTrimmed(envDockerTLSCA); ok {
		cfg.DockerTLSCA = value
	}
	if value, ok := lookupTrimmed(envDockerTLSCert); ok {
		cfg.DockerTLSCert = value
	}
	if value, ok := lookupTrimmed(envDockerTLSKey); ok {
		cfg.DockerTLSKey = value
	}
	if (cfg.DockerTLSCert == "") != (cfg.DockerTLSKey == "") {
		return Config{}, fmt.Errorf("%s and %s must be set together", envDockerTLSCert, envDockerTLSKey)
	}

	if value, ok := lookupTrimmed(envLogLevel); ok {
		cfg.LogLevel = value
	}
	if value, ok := lookupTrimmed(envLogFormat); ok {
		value = strings.ToLower(value)
		if value != "json" && value != "console" {
			return Config{}, fmt.Errorf("%s must be json or console", envLogFormat)
		}
		cfg.LogFormat = value
	}
	if value, ok := lookupTrimmed(envStatePath); ok {
		cfg.StatePath = value
	}

	var err error
	if cfg.MaxParallel, err = positiveInt(envMaxParallel, cfg.MaxParallel); err != nil {
		return Config{}, err
	}

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{envComposeStartTimeout, &cfg.ComposeStartTimeout},
		{envContainerStartTimeout, &cfg.ContainerStartTimeout},
		{envStopTimeout, &cfg.StopTimeout},
		{envReadyTimeout, &cfg.ReadyTimeout},
	}
	for _, d := range durations {
		if *d.target, err = positiveDuration(d.key, *d.target); err != nil {
			return Config{}, err
		}
	}

	if value, ok := lookupTrimmed(envRestartDelay); ok {
		delay, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envRestartDelay, err)
		}
		if delay < 0 {
			return Config{}, fmt.Errorf("%s cannot be negative", envRestartDelay)
		}
		cfg.RestartDelay = delay
	}

	if value, ok := lookupTrimmed(envRuntimeRate); ok {
		rate, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envRuntimeRate, err)
		}
		if rate < 0 {
			return Config{}, fmt.Errorf("%s cannot be negative", envRuntimeRate)
		}
		cfg.RuntimeRate = rate
	}

	if cfg.HealthPort, err = port(envHealthPort); err != nil {
		return Config{}, err
	}
	if cfg.MetricsPort, err = port(envMetricsPort); err != nil {
		return Config{}, err
	}

	flags := []struct {
		key    string
		target *bool
	}{
		{envAutostart, &cfg.Autostart},
		{envWatchConfig, &cfg.WatchConfig},
		{envStopOnExit, &cfg.StopOnExit},
	}
	for _, f := range flags {
		if *f.target, err = boolValue(f.key, *f.target); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}

func positiveInt(key string, fallback int) (int, error) {
	value, ok := lookupTrimmed(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero", key)
	}
	return n, nil
}

func positiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := lookupTrimmed(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero", key)
	}
	return d, nil
}

// port returns 0 (disabled) when the variable is unset.
func port(key string) (int, error) {
	value, ok := lookupTrimmed(key)
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n < 0 || n > 65535 {
		return 0, fmt.Errorf("%s must be between 0 and 65535", key)
	}
	return n, nil
}

func boolValue(key string, fallback bool) (bool, error) {
	value, ok := lookupTrimmed(key)
	if !ok {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

// validateDockerHost accepts the schemes the Docker client understands.
func validateDockerHost(value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", envDockerHost, err)
	}
	switch parsed.Scheme {
	case "unix", "npipe":
		if parsed.Path == "" {
			return fmt.Errorf("invalid %s: socket path is required", envDockerHost)
		}
	case "tcp", "http", "https":
		if parsed.Host == "" {
			return fmt.Errorf("invalid %s: host is required", envDockerHost)
		}
	default:
		return fmt.Errorf("invalid %s: unsupported scheme %q", envDockerHost, parsed.Scheme)
	}
	return nil
}
