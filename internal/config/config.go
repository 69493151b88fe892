// Package config loads node configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig identifies this node and its API endpoint.
type NodeConfig struct {
	ID              string        `yaml:"id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	AdvertiseAddr   string        `yaml:"advertise_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetadataConfig selects the metadata backend.
type MetadataConfig struct {
	// Backend is "memory" or "postgres".
	Backend     string `yaml:"backend"`
	PostgresURL string `yaml:"postgres_url"`
}

// GossipConfig holds cluster membership configuration.
type GossipConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BindPort      int           `yaml:"bind_port"`
	SeedNodes     []string      `yaml:"seed_nodes"`
	ReassignDelay time.Duration `yaml:"reassign_delay"`
}

// ReplicationConfig selects the replication primitive.
type ReplicationConfig struct {
	// Mode is "raft" or "memory". Memory runs single-node only.
	Mode string `yaml:"mode"`
}

// TransactionConfig tunes the coordinator.
type TransactionConfig struct {
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	ReadRetries  int           `yaml:"read_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// GCConfig tunes version garbage collection.
type GCConfig struct {
	Interval time.Duration `yaml:"interval"`
	Workers  int           `yaml:"workers"`
}

// MetricsConfig holds Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete node configuration.
type Config struct {
	Node         NodeConfig        `yaml:"node"`
	Metadata     MetadataConfig    `yaml:"metadata"`
	Gossip       GossipConfig      `yaml:"gossip"`
	Replication  ReplicationConfig `yaml:"replication"`
	Transactions TransactionConfig `yaml:"transactions"`
	GC           GCConfig          `yaml:"gc"`
	Metrics      MetricsConfig     `yaml:"metrics"`
	Logging      LoggingConfig     `yaml:"logging"`
}

// Load reads configuration from a YAML file, applies environment
// overrides and validates the result. A missing file is not an error;
// defaults plus environment cover it.
func Load(filePath string) (*Config, error) {
	var cfg Config
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ZONEDB_NODE_ID"); v != "" {
		cfg.Node.ID = v
	}
	if v := os.Getenv("ZONEDB_HOST"); v != "" {
		cfg.Node.Host = v
	}
	if v := os.Getenv("ZONEDB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("ZONEDB_ADVERTISE_ADDR"); v != "" {
		cfg.Node.AdvertiseAddr = v
	}
	if v := os.Getenv("ZONEDB_METADATA_BACKEND"); v != "" {
		cfg.Metadata.Backend = v
	}
	if v := os.Getenv("ZONEDB_POSTGRES_URL"); v != "" {
		cfg.Metadata.PostgresURL = v
	}
	if v := os.Getenv("ZONEDB_REPLICATION_MODE"); v != "" {
		cfg.Replication.Mode = v
	}
	if v := os.Getenv("ZONEDB_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Node.Host == "" {
		cfg.Node.Host = "0.0.0.0"
	}
	if cfg.Node.Port == 0 {
		cfg.Node.Port = 7420
	}
	if cfg.Node.ReadTimeout == 0 {
		cfg.Node.ReadTimeout = 30 * time.Second
	}
	if cfg.Node.WriteTimeout == 0 {
		cfg.Node.WriteTimeout = 30 * time.Second
	}
	if cfg.Node.ShutdownTimeout == 0 {
		cfg.Node.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Node.AdvertiseAddr == "" {
		cfg.Node.AdvertiseAddr = fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)
	}

	if cfg.Metadata.Backend == "" {
		cfg.Metadata.Backend = "memory"
	}
	if cfg.Replication.Mode == "" {
		cfg.Replication.Mode = "memory"
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.ReassignDelay == 0 {
		cfg.Gossip.ReassignDelay = 5 * time.Second
	}

	if cfg.Transactions.IdleTimeout == 0 {
		cfg.Transactions.IdleTimeout = 30 * time.Second
	}
	if cfg.Transactions.ReadRetries == 0 {
		cfg.Transactions.ReadRetries = 5
	}
	if cfg.Transactions.RetryBackoff == 0 {
		cfg.Transactions.RetryBackoff = 50 * time.Millisecond
	}
	if cfg.Transactions.ReapInterval == 0 {
		cfg.Transactions.ReapInterval = time.Second
	}

	if cfg.GC.Interval == 0 {
		cfg.GC.Interval = time.Minute
	}
	if cfg.GC.Workers == 0 {
		cfg.GC.Workers = 4
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return fmt.Errorf("node.port must be between 1 and 65535")
	}
	switch c.Metadata.Backend {
	case "memory":
	case "postgres":
		if c.Metadata.PostgresURL == "" {
			return fmt.Errorf("metadata.postgres_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("metadata.backend must be memory or postgres, got %q", c.Metadata.Backend)
	}
	switch c.Replication.Mode {
	case "memory":
	case "raft":
		if !c.Gossip.Enabled {
			return fmt.Errorf("replication.mode raft requires gossip.enabled")
		}
	default:
		return fmt.Errorf("replication.mode must be memory or raft, got %q", c.Replication.Mode)
	}
	if c.GC.Workers < 1 {
		return fmt.Errorf("gc.workers must be positive")
	}
	return nil
}
