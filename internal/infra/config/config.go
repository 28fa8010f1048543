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

// Config represents the application configuration.
type Config struct {
	Portal   PortalConfig   `yaml:"portal"`
	Server   ServerConfig   `yaml:"server"`
	Bot      BotConfig      `yaml:"bot"`
	Storage  StorageConfig  `yaml:"storage"`
	Network  NetworkConfig  `yaml:"network"`
	Reaction ReactionConfig `yaml:"reaction"`
}

// PortalConfig represents the target portal site.
type PortalConfig struct {
	Scheme string `yaml:"scheme" default:"http" validate:"oneof=http https"`
	Domain string `yaml:"domain" validate:"required,hostname"`
}

// ServerConfig represents the status API server configuration.
// An empty addr disables the server.
type ServerConfig struct {
	Addr string `yaml:"addr" default:":8088"`
}

// BotConfig represents coordinator and connection behavior.
type BotConfig struct {
	TickIntervalMs       int `yaml:"tick_interval_ms" default:"100" validate:"gte=10,lte=5000"`
	DefaultMaxLateTimeMs int `yaml:"default_max_late_time_ms" default:"900000" validate:"gt=0"`
}

// StorageConfig represents the persistence layer configuration.
type StorageConfig struct {
	Path string `yaml:"path" default:"eosbot.db" validate:"required"`
}

// NetworkConfig represents the connectivity watcher configuration.
type NetworkConfig struct {
	ProbePeriodMs    int `yaml:"probe_period_ms" default:"3000" validate:"gt=0"`
	ProbeTimeoutMs   int `yaml:"probe_timeout_ms" default:"10000" validate:"gt=0"`
	FailureThreshold int `yaml:"failure_threshold" default:"3" validate:"gte=1"`
}

// ReactionConfig represents the default scripted-reaction configuration.
// Settings is passed through opaquely to the reaction implementation.
type ReactionConfig struct {
	Type     string         `yaml:"type" default:"phrase"`
	Settings map[string]any `yaml:"settings"`
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values.
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
	if v := os.Getenv("EOSBOT_PORTAL_DOMAIN"); v != "" {
		c.Portal.Domain = v
	}
	if v := os.Getenv("EOSBOT_PORTAL_SCHEME"); v != "" {
		c.Portal.Scheme = v
	}
	if v := os.Getenv("EOSBOT_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("EOSBOT_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
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

// BaseURL returns the portal root URL without a trailing slash.
func (c *Config) BaseURL() string {
	return fmt.Sprintf("%s://%s", c.Portal.Scheme, c.Portal.Domain)
}

// LoginURL returns the portal login endpoint.
func (c *Config) LoginURL() string {
	return c.BaseURL() + "/login/index.php"
}

// IndexURL returns the portal index page, used for session checks.
func (c *Config) IndexURL() string {
	return c.BaseURL() + "/index.php"
}

// ChatIndexLink returns the chat landing page for the given chat room id.
func (c *Config) ChatIndexLink(chatID string) string {
	return fmt.Sprintf("%s/mod/chat/gui_ajax/index.php?id=%s", c.BaseURL(), chatID)
}
