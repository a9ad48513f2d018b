// Package config handles loading and validating the coordinator's
// configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RedisConfig holds the pool of Redis servers the coordinator manages.
type RedisConfig struct {
	Servers      []string      `yaml:"servers"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// CoordinatorConfig holds the tunables from spec §6 "Configuration".
type CoordinatorConfig struct {
	ClientIDs             []string      `yaml:"client_ids"`
	MasterRetries         int           `yaml:"master_retries"`
	WatcherInterval       time.Duration `yaml:"watcher_interval"`
	ClientTimeout         time.Duration `yaml:"client_timeout"`
	ClientDeadThreshold   time.Duration `yaml:"client_dead_threshold"`
	UnknownClientCapacity int           `yaml:"unknown_client_capacity"`
	MasterFile            string        `yaml:"master_file"`
}

// BusConfig holds the transport used to publish/consume control messages.
type BusConfig struct {
	Addr string `yaml:"addr"`
}

// StatusConfig holds the status HTTP surface listen address.
type StatusConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// MetricsConfig holds the Prometheus scrape HTTP surface listen address.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the root configuration structure.
type Config struct {
	Redis       RedisConfig       `yaml:"redis"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Bus         BusConfig         `yaml:"bus"`
	Status      StatusConfig      `yaml:"status"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// Load reads, validates and defaults the coordinator configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// validate checks mandatory fields and enforces the fewer-than-2-Redis
// startup error from spec §4.5.1/§7.
func (c *Config) validate() error {
	if len(c.Redis.Servers) < 2 {
		return &ConfigurationError{Reason: fmt.Sprintf("at least 2 redis servers are required, got %d", len(c.Redis.Servers))}
	}
	for i, s := range c.Redis.Servers {
		if strings.TrimSpace(s) == "" {
			return &ConfigurationError{Reason: fmt.Sprintf("redis.servers[%d] is empty", i)}
		}
	}
	if c.Coordinator.MasterFile == "" {
		return &ConfigurationError{Reason: "coordinator.master_file is required"}
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 1 * time.Second
	}
	if c.Redis.ProbeTimeout == 0 {
		c.Redis.ProbeTimeout = 500 * time.Millisecond
	}
	if c.Coordinator.MasterRetries == 0 {
		c.Coordinator.MasterRetries = 3
	}
	if c.Coordinator.WatcherInterval == 0 {
		c.Coordinator.WatcherInterval = 5 * time.Second
	}
	if c.Coordinator.ClientTimeout == 0 {
		c.Coordinator.ClientTimeout = 10 * time.Second
	}
	if c.Coordinator.ClientDeadThreshold == 0 {
		c.Coordinator.ClientDeadThreshold = 30 * time.Second
	}
	if c.Coordinator.UnknownClientCapacity == 0 {
		c.Coordinator.UnknownClientCapacity = 100
	}
	if c.Bus.Addr == "" && len(c.Redis.Servers) > 0 {
		c.Bus.Addr = c.Redis.Servers[0]
	}
	if c.Status.ListenAddr == "" {
		c.Status.ListenAddr = ":8080"
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
}

// ConfigurationError is a fatal startup error (spec §7).
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}
