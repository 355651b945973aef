// Package config loads and validates application configuration from YAML
// files and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Engine        EngineConfig        `yaml:"engine"`
	StateMachine  StateMachineConfig  `yaml:"state_machine"`
	Operations    OperationsConfig    `yaml:"operations"`
	Bus           BusConfig           `yaml:"bus"`
	Mesh          MeshConfig          `yaml:"mesh"`
	Agents        AgentsConfig        `yaml:"agents"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EngineConfig describes workflow engine settings.
type EngineConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	DefaultTaskTimeout time.Duration `yaml:"default_task_timeout"`
}

// StateMachineConfig describes care state machine settings.
type StateMachineConfig struct {
	HistoryArchive HistoryArchiveConfig `yaml:"history_archive"`
}

// HistoryArchiveConfig describes the durable transition history archive.
type HistoryArchiveConfig struct {
	Driver          string        `yaml:"driver"` // "memory" or "postgres"
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// OperationsConfig describes pause/resume manager settings.
type OperationsConfig struct {
	CriticalTypes []string             `yaml:"critical_types"`
	Store         OperationStoreConfig `yaml:"store"`
}

// OperationStoreConfig describes operation state persistence.
type OperationStoreConfig struct {
	Driver     string        `yaml:"driver"` // "memory" or "redis"
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// BusConfig describes message bus settings.
type BusConfig struct {
	QueueSize           int           `yaml:"queue_size"`
	SubscriberLiveness  time.Duration `yaml:"subscriber_liveness"`
	EmergencyTTL        time.Duration `yaml:"emergency_ttl"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	AuditLogCap         int           `yaml:"audit_log_cap"`
}

// MeshConfig describes the service mesh layer.
type MeshConfig struct {
	SecretEnv string                   `yaml:"secret_env"`
	Services  map[string]ServiceConfig `yaml:"services"`
}

// ServiceConfig describes a routed service endpoint's resilience policy.
type ServiceConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings per service.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// RetryConfig describes retry settings per service.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// AgentsConfig describes agent-to-agent messaging settings.
type AgentsConfig struct {
	SecretEnv      string        `yaml:"secret_env"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	EnvelopeTTL    time.Duration `yaml:"envelope_ttl"`
}

// ObservabilityConfig describes logging, tracing and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	ForceSampleErrors bool    `yaml:"force_sample_errors"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			PollInterval:       100 * time.Millisecond,
			DefaultTaskTimeout: 5 * time.Minute,
		},
		StateMachine: StateMachineConfig{
			HistoryArchive: HistoryArchiveConfig{
				Driver:          "memory",
				DSNEnv:          "MEDICOORD_POSTGRES_DSN",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Operations: OperationsConfig{
			CriticalTypes: []string{
				"emergency_procedure",
				"life_support",
				"critical_monitoring",
			},
			Store: OperationStoreConfig{
				Driver:     "memory",
				AddrEnv:    "MEDICOORD_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Bus: BusConfig{
			QueueSize:           1024,
			SubscriberLiveness:  5 * time.Minute,
			EmergencyTTL:        5 * time.Minute,
			MaintenanceInterval: time.Second,
			AuditLogCap:         10000,
		},
		Mesh: MeshConfig{
			SecretEnv: "MEDICOORD_MESH_SECRET",
		},
		Agents: AgentsConfig{
			SecretEnv:      "MEDICOORD_AGENT_SECRET",
			RequestTimeout: 30 * time.Second,
			EnvelopeTTL:    5 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Engine.PollInterval <= 0 {
		errs = append(errs, "engine.poll_interval must be positive")
	}
	if c.Bus.QueueSize < 1 {
		errs = append(errs, "bus.queue_size must be at least 1")
	}
	if c.Bus.AuditLogCap < 2 {
		errs = append(errs, "bus.audit_log_cap must be at least 2")
	}
	switch c.StateMachine.HistoryArchive.Driver {
	case "memory", "postgres", "":
	default:
		errs = append(errs, fmt.Sprintf("state_machine.history_archive.driver %q is not supported", c.StateMachine.HistoryArchive.Driver))
	}
	switch c.Operations.Store.Driver {
	case "memory", "redis", "":
	default:
		errs = append(errs, fmt.Sprintf("operations.store.driver %q is not supported", c.Operations.Store.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads MEDICOORD_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MEDICOORD_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MEDICOORD_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("MEDICOORD_OPERATIONS_STORE_DRIVER"); v != "" {
		cfg.Operations.Store.Driver = v
	}
	if v := os.Getenv("MEDICOORD_HISTORY_ARCHIVE_DRIVER"); v != "" {
		cfg.StateMachine.HistoryArchive.Driver = v
	}
}
