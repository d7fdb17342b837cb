// Package config provides configuration loading from YAML files.
package config

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration. It is constructed once at
// startup and never mutated afterwards.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Discord DiscordConfig `yaml:"discord"`
	Log     LogConfig     `yaml:"log"`
}

// NodeConfig describes one remote audio node.
type NodeConfig struct {
	Hostname      string       `yaml:"hostname" validate:"required"`
	Port          int          `yaml:"port" default:"2333" validate:"gte=1,lte=65535"`
	Secure        bool         `yaml:"secure"`
	Authorization string       `yaml:"authorization" validate:"required"`
	UserAgent     string       `yaml:"user_agent"`
	Resume        ResumeConfig `yaml:"resume"`
}

// ResumeConfig controls session resumption after a dropped channel.
type ResumeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key"`
	Timeout int    `yaml:"timeout" default:"60" validate:"gte=0"` // seconds, forwarded opaque to the node
}

// DiscordConfig represents the host application credentials.
type DiscordConfig struct {
	Token      string `yaml:"token" validate:"required"`
	ShardCount int    `yaml:"shard_count" default:"1" validate:"gte=1"`
}

// LogConfig represents logger configuration.
type LogConfig struct {
	Level  string `yaml:"level" default:"info"`
	Output string `yaml:"output" default:"stdout"`
	File   string `yaml:"file"`
}

// SocketEndpoint derives the websocket endpoint of the node.
func (n NodeConfig) SocketEndpoint() string {
	scheme := "ws"
	if n.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, n.Hostname, n.Port)
}

// RestEndpoint derives the HTTP endpoint of the node.
func (n NodeConfig) RestEndpoint() string {
	scheme := "http"
	if n.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, n.Hostname, n.Port)
}

// Load loads configuration from a YAML file. Environment variables take
// precedence over file values for sensitive fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	cfg.overrideFromEnv()

	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("AUDIOLINK_AUTHORIZATION"); v != "" {
		c.Node.Authorization = v
	}
	if v := os.Getenv("DISCORD_TOKEN"); v != "" {
		c.Discord.Token = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}
	return nil
}
