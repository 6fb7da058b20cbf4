// Package config provides configuration management for the MAS runtime.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete configuration for the orchestrator daemon.
type Config struct {
	// HTTP server configuration
	Server ServerConfig `yaml:"server" json:"server"`

	// Orchestrator behavior
	Orchestrator OrchestratorConfig `yaml:"orchestrator" json:"orchestrator"`

	// Message broker configuration
	Broker BrokerConfig `yaml:"broker" json:"broker"`

	// Container runtime configuration
	Container ContainerConfig `yaml:"container" json:"container"`

	// Snapshot persistence configuration
	Snapshot SnapshotConfig `yaml:"snapshot" json:"snapshot"`

	// Agent memory configuration
	Memory MemoryConfig `yaml:"memory" json:"memory"`

	// Gap detection configuration
	Gaps GapsConfig `yaml:"gaps" json:"gaps"`

	// Agent factory configuration
	Factory FactoryConfig `yaml:"factory" json:"factory"`

	// Monitoring configuration
	Monitoring MonitoringConfig `yaml:"monitoring" json:"monitoring"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host               string        `yaml:"host" json:"host"`
	Port               int           `yaml:"port" json:"port"`
	ReadTimeout        time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes     int           `yaml:"max_header_bytes" json:"max_header_bytes"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	CORSEnabled        bool          `yaml:"cors_enabled" json:"cors_enabled"`
	CORSAllowedOrigins []string      `yaml:"cors_allowed_origins" json:"cors_allowed_origins"`
	RateLimitEnabled   bool          `yaml:"rate_limit_enabled" json:"rate_limit_enabled"`
	RateLimitPerSecond float64       `yaml:"rate_limit_per_second" json:"rate_limit_per_second"`
	RateLimitBurst     int           `yaml:"rate_limit_burst" json:"rate_limit_burst"`
}

// OrchestratorConfig holds orchestrator behavior settings.
type OrchestratorConfig struct {
	// Default resource limits applied to agents that omit them
	DefaultCPULimit      float64       `yaml:"default_cpu_limit" json:"default_cpu_limit"`
	DefaultMemoryLimitMB int           `yaml:"default_memory_limit" json:"default_memory_limit"`
	DefaultMaxTasks      int           `yaml:"default_max_tasks" json:"default_max_tasks"`
	DefaultTaskTimeout   time.Duration `yaml:"default_task_timeout" json:"default_task_timeout"`

	// Liveness checking
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`
}

// BrokerConfig holds message broker configuration.
type BrokerConfig struct {
	// Type selects the broker backend: "redis" or "memory"
	Type string `yaml:"type" json:"type"`

	// RedisURL is the connection URL for the redis backend
	RedisURL string `yaml:"redis_url" json:"redis_url"`

	// MaxStreamLength caps durable streams; older entries are trimmed
	MaxStreamLength int64 `yaml:"max_stream_length" json:"max_stream_length"`

	// ReadBlock is how long stream reads block waiting for entries
	ReadBlock time.Duration `yaml:"read_block" json:"read_block"`
}

// ContainerConfig holds container runtime configuration.
type ContainerConfig struct {
	// Type selects the runtime: "docker" or "kubernetes"
	Type string `yaml:"type" json:"type"`

	// Network is the container network agents attach to
	Network string `yaml:"network" json:"network"`

	// Namespace is used by the kubernetes runtime
	Namespace string `yaml:"namespace" json:"namespace"`

	// DefaultImage is used when an agent template names no image
	DefaultImage string `yaml:"default_image" json:"default_image"`

	// Collaborator endpoints injected into agent environments
	RedisURL        string `yaml:"redis_url" json:"redis_url"`
	MindexURL       string `yaml:"mindex_url" json:"mindex_url"`
	OrchestratorURL string `yaml:"orchestrator_url" json:"orchestrator_url"`

	// Image policy applied before agent containers are created
	AllowedRegistries  []string `yaml:"allowed_registries" json:"allowed_registries"`
	BlockedRegistries  []string `yaml:"blocked_registries" json:"blocked_registries"`
	AllowLatestTag     bool     `yaml:"allow_latest_tag" json:"allow_latest_tag"`
	RequireImageDigest bool     `yaml:"require_image_digest" json:"require_image_digest"`
}

// SnapshotConfig holds snapshot persistence configuration.
type SnapshotConfig struct {
	// Type selects the store backend: "badger" or "memory"
	Type string `yaml:"type" json:"type"`

	// Path is the badger database directory
	Path string `yaml:"path" json:"path"`

	// Interval between scheduled snapshots per agent
	Interval time.Duration `yaml:"interval" json:"interval"`

	// Retention policy
	KeepCount  int `yaml:"keep_count" json:"keep_count"`
	MaxAgeDays int `yaml:"max_age_days" json:"max_age_days"`
}

// MemoryConfig holds agent memory configuration.
type MemoryConfig struct {
	// RedisURL backs short-term working memory
	RedisURL string `yaml:"redis_url" json:"redis_url"`

	// ShortTermTTL expires working-memory keys
	ShortTermTTL time.Duration `yaml:"short_term_ttl" json:"short_term_ttl"`

	// ActivityLogURL is the long-term activity log collaborator
	ActivityLogURL string `yaml:"activity_log_url" json:"activity_log_url"`

	// ActivityTimeout bounds best-effort activity log posts
	ActivityTimeout time.Duration `yaml:"activity_timeout" json:"activity_timeout"`
}

// GapsConfig holds gap detection configuration.
type GapsConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	ScanInterval time.Duration `yaml:"scan_interval" json:"scan_interval"`

	// AutoFill spawns agents for auto-creatable gaps after each scan
	AutoFill bool `yaml:"auto_fill" json:"auto_fill"`
}

// FactoryConfig holds agent factory configuration.
type FactoryConfig struct {
	// ApprovalStore selects persistence for pending approvals:
	// "badger" or "memory"
	ApprovalStore string `yaml:"approval_store" json:"approval_store"`

	// ApprovalPath is the badger directory for the approval store
	ApprovalPath string `yaml:"approval_path" json:"approval_path"`
}

// MonitoringConfig holds metrics and tracing configuration.
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Host      string `yaml:"host" json:"host"`
	Port      int    `yaml:"port" json:"port"`
	Path      string `yaml:"path" json:"path"`
	Namespace string `yaml:"namespace" json:"namespace"`
	Subsystem string `yaml:"subsystem" json:"subsystem"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	Endpoint     string        `yaml:"endpoint" json:"endpoint"`
	ServiceName  string        `yaml:"service_name" json:"service_name"`
	SampleRate   float64       `yaml:"sample_rate" json:"sample_rate"`
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	Output     string `yaml:"output" json:"output"`
	FilePath   string `yaml:"file_path" json:"file_path"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`       // megabytes
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"`         // days
	Compress   bool   `yaml:"compress" json:"compress"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8001,
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       30 * time.Second,
			IdleTimeout:        60 * time.Second,
			MaxHeaderBytes:     1 << 20, // 1MB
			ShutdownTimeout:    30 * time.Second,
			CORSEnabled:        true,
			CORSAllowedOrigins: []string{"*"},
			RateLimitEnabled:   false,
			RateLimitPerSecond: 100,
			RateLimitBurst:     200,
		},
		Orchestrator: OrchestratorConfig{
			DefaultCPULimit:      1.0,
			DefaultMemoryLimitMB: 512,
			DefaultMaxTasks:      5,
			DefaultTaskTimeout:   5 * time.Minute,
			HealthCheckInterval:  30 * time.Second,
			HeartbeatTimeout:     60 * time.Second,
		},
		Broker: BrokerConfig{
			Type:            "redis",
			RedisURL:        "redis://redis:6379/0",
			MaxStreamLength: 10000,
			ReadBlock:       5 * time.Second,
		},
		Container: ContainerConfig{
			Type:            "docker",
			Network:         "mas-network",
			Namespace:       "default",
			DefaultImage:    "mycosoft/mas-agent:latest",
			RedisURL:        "redis://redis:6379/0",
			MindexURL:       "http://mindex:8000",
			OrchestratorURL: "http://orchestrator:8001",
			AllowLatestTag:  true,
		},
		Snapshot: SnapshotConfig{
			Type:       "badger",
			Path:       "./mas-snapshots",
			Interval:   time.Hour,
			KeepCount:  10,
			MaxAgeDays: 30,
		},
		Memory: MemoryConfig{
			RedisURL:        "redis://redis:6379/0",
			ShortTermTTL:    24 * time.Hour,
			ActivityLogURL:  "http://mindex:8000",
			ActivityTimeout: 5 * time.Second,
		},
		Gaps: GapsConfig{
			Enabled:      true,
			ScanInterval: 5 * time.Minute,
			AutoFill:     false,
		},
		Factory: FactoryConfig{
			ApprovalStore: "memory",
			ApprovalPath:  "./mas-approvals",
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   true,
				Host:      "0.0.0.0",
				Port:      9091,
				Path:      "/metrics",
				Namespace: "mas",
				Subsystem: "orchestrator",
			},
			Tracing: TracingConfig{
				Enabled:      false,
				ServiceName:  "mas-orchestrator",
				SampleRate:   0.1,
				BatchTimeout: 5 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadConfigFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadConfigFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// loadConfigFromFile loads configuration from a YAML or JSON file.
func loadConfigFromFile(config *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	case ".json":
		return json.Unmarshal(data, config)
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}
}

// loadConfigFromEnv overrides configuration from environment variables.
func loadConfigFromEnv(config *Config) {
	if val := os.Getenv("MAS_HTTP_HOST"); val != "" {
		config.Server.Host = val
	}
	if val := os.Getenv("MAS_HTTP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.Port = port
		}
	}

	if val := os.Getenv("MAS_REDIS_URL"); val != "" {
		config.Broker.RedisURL = val
		config.Container.RedisURL = val
		config.Memory.RedisURL = val
	}
	if val := os.Getenv("MAS_BROKER_TYPE"); val != "" {
		config.Broker.Type = val
	}

	if val := os.Getenv("MAS_CONTAINER_TYPE"); val != "" {
		config.Container.Type = val
	}
	if val := os.Getenv("MAS_NETWORK"); val != "" {
		config.Container.Network = val
	}
	if val := os.Getenv("MAS_NAMESPACE"); val != "" {
		config.Container.Namespace = val
	}
	if val := os.Getenv("MINDEX_URL"); val != "" {
		config.Container.MindexURL = val
		config.Memory.ActivityLogURL = val
	}
	if val := os.Getenv("ORCHESTRATOR_URL"); val != "" {
		config.Container.OrchestratorURL = val
	}

	if val := os.Getenv("MAS_SNAPSHOT_TYPE"); val != "" {
		config.Snapshot.Type = val
	}
	if val := os.Getenv("MAS_SNAPSHOT_PATH"); val != "" {
		config.Snapshot.Path = val
	}

	if val := os.Getenv("MAS_HEALTH_CHECK_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Orchestrator.HealthCheckInterval = d
		}
	}
	if val := os.Getenv("MAS_HEARTBEAT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Orchestrator.HeartbeatTimeout = d
		}
	}

	if val := os.Getenv("MAS_GAP_SCAN_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Gaps.ScanInterval = d
		}
	}
	if val := os.Getenv("MAS_GAP_AUTO_FILL"); val != "" {
		config.Gaps.AutoFill = strings.ToLower(val) == "true"
	}

	if val := os.Getenv("MAS_METRICS_ENABLED"); val != "" {
		config.Monitoring.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("MAS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Monitoring.Metrics.Port = port
		}
	}
	if val := os.Getenv("MAS_TRACING_ENABLED"); val != "" {
		config.Monitoring.Tracing.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("MAS_TRACING_ENDPOINT"); val != "" {
		config.Monitoring.Tracing.Endpoint = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("MAS_LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.Port)
	}

	validBrokers := []string{"redis", "memory"}
	if !contains(validBrokers, c.Broker.Type) {
		return fmt.Errorf("invalid broker type: %s, must be one of %v", c.Broker.Type, validBrokers)
	}
	if c.Broker.Type == "redis" && c.Broker.RedisURL == "" {
		return fmt.Errorf("redis URL must be specified for redis broker")
	}

	validRuntimes := []string{"docker", "kubernetes"}
	if !contains(validRuntimes, c.Container.Type) {
		return fmt.Errorf("invalid container runtime: %s, must be one of %v", c.Container.Type, validRuntimes)
	}

	validStores := []string{"badger", "memory"}
	if !contains(validStores, c.Snapshot.Type) {
		return fmt.Errorf("invalid snapshot store: %s, must be one of %v", c.Snapshot.Type, validStores)
	}
	if c.Snapshot.Type == "badger" && c.Snapshot.Path == "" {
		return fmt.Errorf("snapshot path must be specified for badger store")
	}
	if c.Snapshot.KeepCount < 0 {
		return fmt.Errorf("snapshot keep count cannot be negative")
	}

	if !contains(validStores, c.Factory.ApprovalStore) {
		return fmt.Errorf("invalid approval store: %s, must be one of %v", c.Factory.ApprovalStore, validStores)
	}

	if c.Orchestrator.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat timeout must be positive")
	}
	if c.Orchestrator.HealthCheckInterval <= 0 {
		return fmt.Errorf("health check interval must be positive")
	}

	validLogLevels := []string{"debug", "info", "warn", "warning", "error"}
	if !contains(validLogLevels, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("invalid log level: %s, must be one of %v", c.Logging.Level, validLogLevels)
	}

	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, strings.ToLower(c.Logging.Format)) {
		return fmt.Errorf("invalid log format: %s, must be one of %v", c.Logging.Format, validLogFormats)
	}

	return nil
}

// String returns the YAML representation of the configuration.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	var data []byte
	var err error

	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
