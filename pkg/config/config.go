// Package config loads and validates the agent's startup configuration from
// an optional YAML file plus AGENT_* environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the closed option set consumed at startup.
type Config struct {
	ControlPort int    `yaml:"control_port"`
	BinaryPort  int    `yaml:"binary_port"`
	EventPort   int    `yaml:"event_port"`
	Host        string `yaml:"host"`

	// AuthToken is the shared bearer secret. Empty means all clients are
	// admitted.
	AuthToken string `yaml:"auth_token"`

	MaxConnections      int `yaml:"max_connections"`
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs  int `yaml:"heartbeat_timeout_ms"`

	// Frame size limits for the textual channels. The binary channel is
	// effectively unbounded.
	ControlReadLimit int64 `yaml:"control_read_limit"`
	EventReadLimit   int64 `yaml:"event_read_limit"`

	PluginsDir string `yaml:"plugins_dir"`
	DataDir    string `yaml:"data_dir"`

	// Defaults for polling handlers; adjustable at runtime via
	// system.configure.
	WaitPollMs    int `yaml:"wait_poll_ms"`
	WaitTimeoutMs int `yaml:"wait_timeout_ms"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ControlPort:         18900,
		BinaryPort:          18901,
		EventPort:           18902,
		Host:                "0.0.0.0",
		MaxConnections:      5,
		HeartbeatIntervalMs: 5000,
		HeartbeatTimeoutMs:  15000,
		ControlReadLimit:    1 << 20,
		EventReadLimit:      1 << 20,
		PluginsDir:          "plugins",
		DataDir:             "data",
		WaitPollMs:          500,
		WaitTimeoutMs:       10000,
	}
}

// Load reads the YAML file at path (skipped when path is empty or missing),
// merges defaults, applies AGENT_* environment overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			slog.Info("No config file, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := mergo.Merge(cfg, Defaults()); err != nil {
		return nil, fmt.Errorf("merge config defaults: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments adjust settings without a
// config file. Only a fixed set of keys is honored.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENT_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("AGENT_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("AGENT_PLUGINS_DIR"); v != "" {
		cfg.PluginsDir = v
	}
	if v := os.Getenv("AGENT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	for env, target := range map[string]*int{
		"AGENT_CONTROL_PORT": &cfg.ControlPort,
		"AGENT_BINARY_PORT":  &cfg.BinaryPort,
		"AGENT_EVENT_PORT":   &cfg.EventPort,
	} {
		if v := os.Getenv(env); v != "" {
			if port, err := strconv.Atoi(v); err == nil {
				*target = port
			} else {
				slog.Warn("Ignoring non-numeric env override", "env", env, "value", v)
			}
		}
	}
}

// Validate rejects configurations the transport cannot serve.
func (c *Config) Validate() error {
	ports := map[string]int{
		"control_port": c.ControlPort,
		"binary_port":  c.BinaryPort,
		"event_port":   c.EventPort,
	}
	for name, port := range ports {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s out of range: %d", name, port)
		}
	}
	if c.ControlPort == c.BinaryPort || c.ControlPort == c.EventPort || c.BinaryPort == c.EventPort {
		return fmt.Errorf("channel ports must be distinct: control=%d binary=%d event=%d",
			c.ControlPort, c.BinaryPort, c.EventPort)
	}
	if c.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be at least 1, got %d", c.MaxConnections)
	}
	if c.HeartbeatIntervalMs < 100 {
		return fmt.Errorf("heartbeat_interval_ms too small: %d", c.HeartbeatIntervalMs)
	}
	if c.HeartbeatTimeoutMs <= c.HeartbeatIntervalMs {
		return fmt.Errorf("heartbeat_timeout_ms (%d) must exceed heartbeat_interval_ms (%d)",
			c.HeartbeatTimeoutMs, c.HeartbeatIntervalMs)
	}
	if c.WaitPollMs < 1 || c.WaitTimeoutMs < 0 {
		return fmt.Errorf("invalid wait defaults: poll=%d timeout=%d", c.WaitPollMs, c.WaitTimeoutMs)
	}
	return nil
}
