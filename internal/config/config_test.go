package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	if cfg.DataDir != "/tmp/oken" {
		t.Errorf("DataDir = %q, want /tmp/oken", cfg.DataDir)
	}
	if cfg.DockerNetwork != "oken-agents" {
		t.Errorf("DockerNetwork = %q, want oken-agents", cfg.DockerNetwork)
	}
	if cfg.DefaultWarmTimeout != 300*time.Second {
		t.Errorf("DefaultWarmTimeout = %s, want 300s", cfg.DefaultWarmTimeout)
	}
	if cfg.CleanupInterval != 30*time.Second {
		t.Errorf("CleanupInterval = %s, want 30s", cfg.CleanupInterval)
	}
	if cfg.ContainerPort != 8080 {
		t.Errorf("ContainerPort = %d, want 8080", cfg.ContainerPort)
	}
	if cfg.HealthCheckTimeout != 30*time.Second {
		t.Errorf("HealthCheckTimeout = %s, want 30s", cfg.HealthCheckTimeout)
	}
	if cfg.InvokeTimeout != 300*time.Second {
		t.Errorf("InvokeTimeout = %s, want 300s", cfg.InvokeTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OKEN_DATA_DIR", "/var/lib/oken")
	t.Setenv("OKEN_DOCKER_NETWORK", "custom-net")
	t.Setenv("OKEN_DEFAULT_WARM_TIMEOUT", "90")
	t.Setenv("OKEN_CLEANUP_INTERVAL", "10s")
	t.Setenv("OKEN_CONTAINER_PORT", "9090")
	t.Setenv("OKEN_LOG_JSON", "false")

	cfg := Load()
	if cfg.DataDir != "/var/lib/oken" {
		t.Errorf("DataDir = %q, want /var/lib/oken", cfg.DataDir)
	}
	if cfg.DockerNetwork != "custom-net" {
		t.Errorf("DockerNetwork = %q, want custom-net", cfg.DockerNetwork)
	}
	if cfg.DefaultWarmTimeout != 90*time.Second {
		t.Errorf("DefaultWarmTimeout = %s, want 90s (bare integer means seconds)", cfg.DefaultWarmTimeout)
	}
	if cfg.CleanupInterval != 10*time.Second {
		t.Errorf("CleanupInterval = %s, want 10s", cfg.CleanupInterval)
	}
	if cfg.ContainerPort != 9090 {
		t.Errorf("ContainerPort = %d, want 9090", cfg.ContainerPort)
	}
	if cfg.LogJSON {
		t.Error("LogJSON should be false when OKEN_LOG_JSON=false")
	}
}

func TestValidate_RejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"zero warm timeout", Config{DataDir: "/tmp", DefaultWarmTimeout: 0, CleanupInterval: time.Second, ContainerPort: 8080, HealthCheckTimeout: time.Second, InvokeTimeout: time.Second}},
		{"zero cleanup interval", Config{DataDir: "/tmp", DefaultWarmTimeout: time.Second, CleanupInterval: 0, ContainerPort: 8080, HealthCheckTimeout: time.Second, InvokeTimeout: time.Second}},
		{"bad port", Config{DataDir: "/tmp", DefaultWarmTimeout: time.Second, CleanupInterval: time.Second, ContainerPort: 0, HealthCheckTimeout: time.Second, InvokeTimeout: time.Second}},
		{"empty data dir", Config{DataDir: "", DefaultWarmTimeout: time.Second, CleanupInterval: time.Second, ContainerPort: 8080, HealthCheckTimeout: time.Second, InvokeTimeout: time.Second}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if err := c.cfg.Validate(); err == nil {
				t.Error("expected Validate to reject this configuration")
			}
		})
	}
}
