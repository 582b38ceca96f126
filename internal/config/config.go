// Package config loads the runner's own settings from the environment,
// in the teacher's envStr/envInt/envDuration/envBool idiom.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the core's process-wide settings, per spec.md §6. These
// are read once at startup; nothing here needs runtime mutation, unlike
// the teacher's poll-interval-style settings, because the spec defines
// no API for changing them after the process starts.
type Config struct {
	// DataDir is the root under which per-agent workspaces live.
	DataDir string
	// DockerNetwork is the shared bridge network name.
	DockerNetwork string
	// BaseImagePrefix is the toolchain image the build recipe starts
	// FROM; carried over from original_source/config.py, which spec.md's
	// distillation dropped from its settings table.
	BaseImagePrefix string
	// DefaultWarmTimeout is read and validated at startup but not applied:
	// an agent whose oken.toml doesn't set warm_timeout gets
	// agent.DefaultWarmTimeout (300s) whatever this field holds.
	DefaultWarmTimeout time.Duration
	// CleanupInterval is the idle-sweep tick period.
	CleanupInterval time.Duration
	// ContainerPort is the port replicas listen on inside the container.
	ContainerPort int
	// HealthCheckTimeout bounds readiness polling attempts, in seconds.
	HealthCheckTimeout time.Duration
	// InvokeTimeout bounds a single proxied invocation.
	InvokeTimeout time.Duration
	// LogJSON selects JSON or text structured logging.
	LogJSON bool
	// MetricsEnabled toggles the /metrics Prometheus endpoint.
	MetricsEnabled bool
	// ListenAddr is the HTTP surface's listen address.
	ListenAddr string
	// DockerSock is the Docker daemon socket or TCP endpoint.
	DockerSock string
}

// Load reads all configuration from environment variables, falling back
// to spec.md §6's documented defaults.
func Load() *Config {
	return &Config{
		DataDir:            envStr("OKEN_DATA_DIR", "/tmp/oken"),
		DockerNetwork:      envStr("OKEN_DOCKER_NETWORK", "oken-agents"),
		BaseImagePrefix:    envStr("OKEN_BASE_IMAGE_PREFIX", "ghcr.io/astral-sh/uv"),
		DefaultWarmTimeout: envDuration("OKEN_DEFAULT_WARM_TIMEOUT", 300*time.Second),
		CleanupInterval:    envDuration("OKEN_CLEANUP_INTERVAL", 30*time.Second),
		ContainerPort:      envInt("OKEN_CONTAINER_PORT", 8080),
		HealthCheckTimeout: envDuration("OKEN_HEALTH_CHECK_TIMEOUT", 30*time.Second),
		InvokeTimeout:      envDuration("OKEN_INVOKE_TIMEOUT", 300*time.Second),
		LogJSON:            envBool("OKEN_LOG_JSON", true),
		MetricsEnabled:     envBool("OKEN_METRICS", false),
		ListenAddr:         envStr("OKEN_LISTEN_ADDR", ":8000"),
		DockerSock:         envStr("OKEN_DOCKER_SOCK", "/var/run/docker.sock"),
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.DefaultWarmTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OKEN_DEFAULT_WARM_TIMEOUT must be > 0, got %s", c.DefaultWarmTimeout))
	}
	if c.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("OKEN_CLEANUP_INTERVAL must be > 0, got %s", c.CleanupInterval))
	}
	if c.ContainerPort <= 0 || c.ContainerPort > 65535 {
		errs = append(errs, fmt.Errorf("OKEN_CONTAINER_PORT must be a valid port, got %d", c.ContainerPort))
	}
	if c.HealthCheckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OKEN_HEALTH_CHECK_TIMEOUT must be > 0, got %s", c.HealthCheckTimeout))
	}
	if c.InvokeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OKEN_INVOKE_TIMEOUT must be > 0, got %s", c.InvokeTimeout))
	}
	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("OKEN_DATA_DIR must not be empty"))
	}
	if len(errs) == 0 {
		return nil
	}
	joined := errs[0]
	for _, e := range errs[1:] {
		joined = fmt.Errorf("%w; %w", joined, e)
	}
	return joined
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	// Bare integers are interpreted as whole seconds, matching oken.toml's
	// warm_timeout convention; anything else is parsed as a Go duration
	// string (e.g. "90s") for operators who prefer that form.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
