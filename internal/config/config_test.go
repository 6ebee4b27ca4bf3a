package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func defaultConfig(servicesFile string) Config {
	return Config{
		ServicesFile:          servicesFile,
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
}

func TestLoad_ValidationAndDefaults(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		wantErr bool
		want    func() Config
	}{
		{
			name:    "missing services file",
			env:     map[string]string{},
			wantErr: true,
		},
		{
			name:    "blank services file",
			env:     map[string]string{envServicesFile: "   "},
			wantErr: true,
		},
		{
			name: "defaults applied",
			env:  map[string]string{envServicesFile: "/etc/stackpilot/services.yml"},
			want: func() Config { return defaultConfig("/etc/stackpilot/services.yml") },
		},
		{
			name: "overrides applied",
			env: map[string]string{
				envServicesFile:          "services.yml",
				envDockerHost:            "unix:///var/run/docker.sock",
				envLogLevel:              "debug",
				envLogFormat:             "Console",
				envMaxParallel:           "8",
				envComposeStartTimeout:   "3m",
				envContainerStartTimeout: "45s",
				envStopTimeout:           "10s",
				envReadyTimeout:          "90s",
				envRestartDelay:          "0s",
				envRuntimeRate:           "2.5",
				envStatePath:             "/var/lib/stackpilot/state.json",
				envHealthPort:            "8080",
				envMetricsPort:           "9090",
				envAutostart:             "true",
				envWatchConfig:           "false",
				envStopOnExit:            "1",
			},
			want: func() Config {
				return Config{
					ServicesFile:          "services.yml",
					DockerHost:            "unix:///var/run/docker.sock",
					LogLevel:              "debug",
					LogFormat:             "console",
					MaxParallel:           8,
					ComposeStartTimeout:   3 * time.Minute,
					ContainerStartTimeout: 45 * time.Second,
					StopTimeout:           10 * time.Second,
					ReadyTimeout:          90 * time.Second,
					RestartDelay:          0,
					RuntimeRate:           2.5,
					StatePath:             "/var/lib/stackpilot/state.json",
					HealthPort:            8080,
					MetricsPort:           9090,
					Autostart:             true,
					WatchConfig:           false,
					StopOnExit:            true,
				}
			},
		},
		{
			name:    "invalid log format",
			env:     map[string]string{envServicesFile: "s.yml", envLogFormat: "xml"},
			wantErr: true,
		},
		{
			name:    "invalid max parallel",
			env:     map[string]string{envServicesFile: "s.yml", envMaxParallel: "many"},
			wantErr: true,
		},
		{
			name:    "zero max parallel",
			env:     map[string]string{envServicesFile: "s.yml", envMaxParallel: "0"},
			wantErr: true,
		},
		{
			name:    "invalid stop timeout",
			env:     map[string]string{envServicesFile: "s.yml", envStopTimeout: "nope"},
			wantErr: true,
		},
		{
			name:    "zero compose start timeout",
			env:     map[string]string{envServicesFile: "s.yml", envComposeStartTimeout: "0s"},
			wantErr: true,
		},
		{
			name:    "negative restart delay",
			env:     map[string]string{envServicesFile: "s.yml", envRestartDelay: "-1s"},
			wantErr: true,
		},
		{
			name:    "negative runtime rate",
			env:     map[string]string{envServicesFile: "s.yml", envRuntimeRate: "-1"},
			wantErr: true,
		},
		{
			name:    "port out of range",
			env:     map[string]string{envServicesFile: "s.yml", envHealthPort: "70000"},
			wantErr: true,
		},
		{
			name:    "invalid flag",
			env:     map[string]string{envServicesFile: "s.yml", envAutostart: "maybe"},
			wantErr: true,
		},
		{
			name:    "docker host unsupported scheme",
			env:     map[string]string{envServicesFile: "s.yml", envDockerHost: "ftp://docker:2375"},
			wantErr: true,
		},
		{
			name:    "docker host missing host",
			env:     map[string]string{envServicesFile: "s.yml", envDockerHost: "tcp://"},
			wantErr: true,
		},
		{
			name:    "tls cert without key",
			env:     map[string]string{envServicesFile: "s.yml", envDockerTLSCert: "/certs/cert.pem"},
			wantErr: true,
		},
		{
			name: "docker tls",
			env: map[string]string{
				envServicesFile:  "s.yml",
				envDockerHost:    "tcp://docker:2376",
				envDockerTLSCA:   "/certs/ca.pem",
				envDockerTLSCert: "/certs/cert.pem",
				envDockerTLSKey:  "/certs/key.pem",
			},
			want: func() Config {
				cfg := defaultConfig("s.yml")
				cfg.DockerHost = "tcp://docker:2376"
				cfg.DockerTLSCA = "/certs/ca.pem"
				cfg.DockerTLSCert = "/certs/cert.pem"
				cfg.DockerTLSKey = "/certs/key.pem"
				return cfg
			},
		},
		{
			name: "docker host tcp",
			env:  map[string]string{envServicesFile: "s.yml", envDockerHost: "tcp://docker-proxy:2375"},
			want: func() Config {
				cfg := defaultConfig("s.yml")
				cfg.DockerHost = "tcp://docker-proxy:2375"
				return cfg
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			restoreDir := mustChdir(t, tmpDir)
			defer restoreDir()

			for key, value := range tc.env {
				t.Setenv(key, value)
			}

			got, err := Load()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if want := tc.want(); got != want {
				t.Fatalf("unexpected config: %+v", got)
			}
		})
	}
}

func TestLoad_DotEnvAndEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	restoreDir := mustChdir(t, tmpDir)
	defer restoreDir()

	dotenv := []byte(`
# example .env
SP_SERVICES_FILE=/from-dotenv/services.yml
SP_STATE_PATH=/from-dotenv/state.json
SP_MAX_PARALLEL=2
`)

	if err := os.WriteFile(filepath.Join(tmpDir, ".env"), dotenv, 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Unsetenv(envStatePath)
	})

	t.Setenv(envServicesFile, "/from-env/services.yml")
	t.Setenv(envMaxParallel, "6")

	got, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.ServicesFile != "/from-env/services.yml" {
		t.Fatalf("services file did not prefer env: %s", got.ServicesFile)
	}
	if got.MaxParallel != 6 {
		t.Fatalf("max parallel did not prefer env: %d", got.MaxParallel)
	}
	if got.StatePath != "/from-dotenv/state.json" {
		t.Fatalf("state path not loaded from .env: %s", got.StatePath)
	}
	if got.StopTimeout != defaultStopTimeout {
		t.Fatalf("unexpected stop timeout: %s", got.StopTimeout)
	}
}

func mustChdir(t *testing.T, dir string) func() {
	t.Helper()
	original, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	return func() {
		if err := os.Chdir(original); err != nil {
			t.Fatalf("restore dir: %v", err)
		}
	}
}
