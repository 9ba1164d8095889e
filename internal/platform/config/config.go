// Package config loads conductor configuration from defaults, an optional
// YAML file, and environment variables via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the conductor process.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Orchestrator OrchestratorConfig
	Bridge       BridgeConfig
	Logging      LoggingConfig
	Docker       DockerConfig
	NATS         NATSConfig
	LLM          LLMConfig
}

// ServerConfig configures the HTTP/WS listener.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig configures the embedded SQLite event store.
type DatabaseConfig struct {
	Path         string `mapstructure:"path"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// OrchestratorConfig configures turn timing and idempotency behavior.
type OrchestratorConfig struct {
	IdleTurnMs               int           `mapstructure:"idle_turn_ms"`
	DefaultDeadlineFloorMs   int           `mapstructure:"default_deadline_floor_ms"`
	IdempotencyTTL           time.Duration `mapstructure:"idempotency_ttl"`
	IdempotencySweepInterval time.Duration `mapstructure:"idempotency_sweep_interval"`
	SubscriberQueueDepth     int           `mapstructure:"subscriber_queue_depth"`
}

// BridgeConfig configures the A2A/MCP room bridge.
type BridgeConfig struct {
	LeaseTTL               time.Duration `mapstructure:"lease_ttl"`
	LeaseHeartbeatInterval time.Duration `mapstructure:"lease_heartbeat_interval"`
}

// NATSConfig configures the subscription bus's optional NATS transport;
// when Enabled is false the process uses the in-memory bus instead.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// LLMConfig configures the OpenAI-compatible chat completion backend used
// by in-process LLM-driven agent workers.
type LLMConfig struct {
	APIKey       string `mapstructure:"api_key"`
	BaseURL      string `mapstructure:"base_url"`
	DefaultModel string `mapstructure:"default_model"`
}

// LoggingConfig configures the process-wide logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// DockerConfig configures the Docker client used to launch externally
// containerized agent workers (C4).
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"api_version"`
	DefaultNetwork string `mapstructure:"default_network"`
}

// Load reads configuration using the default search paths.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration, optionally pointing viper at an explicit
// config file path.
func LoadWithPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BANTEROP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/banterop/")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:         v.GetString("server.addr"),
			ReadTimeout:  v.GetDuration("server.read_timeout"),
			WriteTimeout: v.GetDuration("server.write_timeout"),
		},
		Database: DatabaseConfig{
			Path:         v.GetString("database.path"),
			MaxOpenConns: v.GetInt("database.max_open_conns"),
		},
		Orchestrator: OrchestratorConfig{
			IdleTurnMs:               v.GetInt("orchestrator.idle_turn_ms"),
			DefaultDeadlineFloorMs:   v.GetInt("orchestrator.default_deadline_floor_ms"),
			IdempotencyTTL:           v.GetDuration("orchestrator.idempotency_ttl"),
			IdempotencySweepInterval: v.GetDuration("orchestrator.idempotency_sweep_interval"),
			SubscriberQueueDepth:     v.GetInt("orchestrator.subscriber_queue_depth"),
		},
		Bridge: BridgeConfig{
			LeaseTTL:               v.GetDuration("bridge.lease_ttl"),
			LeaseHeartbeatInterval: v.GetDuration("bridge.lease_heartbeat_interval"),
		},
		NATS: NATSConfig{
			Enabled: v.GetBool("nats.enabled"),
			URL:     v.GetString("nats.url"),
		},
		LLM: LLMConfig{
			APIKey:       v.GetString("llm.api_key"),
			BaseURL:      v.GetString("llm.base_url"),
			DefaultModel: v.GetString("llm.default_model"),
		},
		Logging: LoggingConfig{
			Level:      v.GetString("logging.level"),
			Format:     v.GetString("logging.format"),
			OutputPath: v.GetString("logging.output_path"),
		},
		Docker: DockerConfig{
			Enabled:        v.GetBool("docker.enabled"),
			Host:           v.GetString("docker.host"),
			APIVersion:     v.GetString("docker.api_version"),
			DefaultNetwork: v.GetString("docker.default_network"),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("database.path", "./data/banterop.db")
	v.SetDefault("database.max_open_conns", 1)

	v.SetDefault("orchestrator.idle_turn_ms", 30_000)
	v.SetDefault("orchestrator.default_deadline_floor_ms", 5_000)
	v.SetDefault("orchestrator.idempotency_ttl", 24*time.Hour)
	v.SetDefault("orchestrator.idempotency_sweep_interval", 5*time.Minute)
	v.SetDefault("orchestrator.subscriber_queue_depth", 1024)

	v.SetDefault("bridge.lease_ttl", 20*time.Second)
	v.SetDefault("bridge.lease_heartbeat_interval", 8*time.Second)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.default_model", "gpt-4o-mini")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "stdout")

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", "")
	v.SetDefault("docker.api_version", "")
	v.SetDefault("docker.default_network", "")
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Addr == "" {
		errs = append(errs, "server.addr must not be empty")
	}
	if cfg.Database.Path == "" {
		errs = append(errs, "database.path must not be empty")
	}
	if cfg.Database.MaxOpenConns < 1 {
		errs = append(errs, "database.max_open_conns must be >= 1")
	}
	if cfg.Orchestrator.IdleTurnMs <= 0 {
		errs = append(errs, "orchestrator.idle_turn_ms must be > 0")
	}
	if cfg.Orchestrator.SubscriberQueueDepth <= 0 {
		errs = append(errs, "orchestrator.subscriber_queue_depth must be > 0")
	}
	if cfg.Bridge.LeaseTTL <= 0 {
		errs = append(errs, "bridge.lease_ttl must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
