package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Server.Port != 8001 {
		t.Errorf("default http port = %d, want 8001", config.Server.Port)
	}
	if config.Broker.Type != "redis" {
		t.Errorf("default broker = %q, want redis", config.Broker.Type)
	}
	if config.Container.Type != "docker" {
		t.Errorf("default runtime = %q, want docker", config.Container.Type)
	}
	if config.Orchestrator.HeartbeatTimeout != 60*time.Second {
		t.Errorf("heartbeat timeout = %v, want 60s", config.Orchestrator.HeartbeatTimeout)
	}
	if config.Orchestrator.HealthCheckInterval != 30*time.Second {
		t.Errorf("health check interval = %v, want 30s", config.Orchestrator.HealthCheckInterval)
	}
	if !config.Container.AllowLatestTag {
		t.Error("latest tag should be allowed by default")
	}

	if err := config.Validate(); err != nil {
		t.Fatalf("default config does not validate: %v", err)
	}
}

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: 127.0.0.1
  port: 9001
broker:
  type: memory
gaps:
  enabled: true
  auto_fill: true
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if config.Server.Host != "127.0.0.1" || config.Server.Port != 9001 {
		t.Errorf("server = %s:%d", config.Server.Host, config.Server.Port)
	}
	if config.Broker.Type != "memory" {
		t.Errorf("broker type = %q", config.Broker.Type)
	}
	if !config.Gaps.AutoFill {
		t.Error("gap auto-fill not loaded")
	}
	if config.Logging.Level != "debug" {
		t.Errorf("log level = %q", config.Logging.Level)
	}

	// Unset fields keep their defaults.
	if config.Snapshot.Type != "badger" {
		t.Errorf("snapshot type = %q, want default badger", config.Snapshot.Type)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/does/not/exist.yaml"); err == nil {
		t.Fatal("LoadConfig succeeded for missing file")
	}
}

func TestLoadConfigUnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("x = 1"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("LoadConfig accepted an unsupported format")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MAS_HTTP_PORT", "9100")
	t.Setenv("MAS_REDIS_URL", "redis://override:6379/1")
	t.Setenv("MAS_BROKER_TYPE", "redis")
	t.Setenv("MAS_HEARTBEAT_TIMEOUT", "2m")
	t.Setenv("MAS_GAP_AUTO_FILL", "true")
	t.Setenv("LOG_LEVEL", "warn")

	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if config.Server.Port != 9100 {
		t.Errorf("port = %d, want 9100", config.Server.Port)
	}
	if config.Broker.RedisURL != "redis://override:6379/1" {
		t.Errorf("broker redis url = %q", config.Broker.RedisURL)
	}
	if config.Container.RedisURL != "redis://override:6379/1" {
		t.Errorf("container redis url = %q", config.Container.RedisURL)
	}
	if config.Orchestrator.HeartbeatTimeout != 2*time.Minute {
		t.Errorf("heartbeat timeout = %v", config.Orchestrator.HeartbeatTimeout)
	}
	if !config.Gaps.AutoFill {
		t.Error("gap auto-fill override not applied")
	}
	if config.Logging.Level != "warn" {
		t.Errorf("log level = %q", config.Logging.Level)
	}
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad broker", func(c *Config) { c.Broker.Type = "kafka" }},
		{"redis broker without url", func(c *Config) { c.Broker.RedisURL = "" }},
		{"bad runtime", func(c *Config) { c.Container.Type = "podman" }},
		{"bad snapshot store", func(c *Config) { c.Snapshot.Type = "sqlite" }},
		{"badger without path", func(c *Config) { c.Snapshot.Path = "" }},
		{"negative keep count", func(c *Config) { c.Snapshot.KeepCount = -1 }},
		{"bad approval store", func(c *Config) { c.Factory.ApprovalStore = "postgres" }},
		{"zero heartbeat timeout", func(c *Config) { c.Orchestrator.HeartbeatTimeout = 0 }},
		{"zero health interval", func(c *Config) { c.Orchestrator.HealthCheckInterval = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			if err := config.Validate(); err == nil {
				t.Errorf("Validate accepted %s", tt.name)
			}
		})
	}
}
