// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/wikinerd/wikinerd/internal/adapter/local"
	slackadapter "github.com/wikinerd/wikinerd/internal/adapter/slack"
	"github.com/wikinerd/wikinerd/internal/bot"
	"github.com/wikinerd/wikinerd/internal/commands"
	"github.com/wikinerd/wikinerd/internal/install"
	"github.com/wikinerd/wikinerd/internal/wiki"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig        `yaml:"server" koanf:"server"`
	OAuth    install.Config      `yaml:"oauth" koanf:"oauth"`
	Slack    slackadapter.Config `yaml:"slack" koanf:"slack"`
	Local    local.Config        `yaml:"local" koanf:"local"`
	Wiki     wiki.Config         `yaml:"wiki" koanf:"wiki"`
	Bot      bot.Config          `yaml:"bot" koanf:"bot"`
	Commands commands.Config     `yaml:"commands" koanf:"commands"`
	Log      LogConfig           `yaml:"log" koanf:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" koanf:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" koanf:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" koanf:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" koanf:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `yaml:"level" koanf:"level"`
}

// envKeys maps the recognised environment variables to config keys.
var envKeys = map[string]string{
	"PORT":          "server.port",
	"CLIENT_ID":     "oauth.client_id",
	"CLIENT_SECRET": "oauth.client_secret",
	"REDIRECT_URL":  "oauth.redirect_url",
	"SLACK_TOKEN":   "slack.token",
	"LOG_LEVEL":     "log.level",
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		OAuth:    install.DefaultConfig(),
		Slack:    slackadapter.DefaultConfig(),
		Local:    local.DefaultConfig(),
		Wiki:     wiki.DefaultConfig(),
		Bot:      bot.DefaultConfig(),
		Commands: commands.DefaultConfig(),
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the given YAML file, then overlays the
// recognised environment variables. A missing file leaves the defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to access config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// envValue maps an environment variable to its config key. Unrecognised and
// empty variables are skipped.
func envValue(name, value string) (string, interface{}) {
	if value == "" {
		return "", nil
	}
	return envKeys[strings.ToUpper(name)], value
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.Port)
	}

	if c.OAuth.AuthURL == "" || c.OAuth.TokenURL == "" {
		return fmt.Errorf("oauth auth_url and token_url are required")
	}
	if c.OAuth.RedirectURL != "" {
		if _, err := url.ParseRequestURI(c.OAuth.RedirectURL); err != nil {
			return fmt.Errorf("invalid oauth redirect_url %q: %w", c.OAuth.RedirectURL, err)
		}
	}

	if c.Wiki.APIURL == "" {
		return fmt.Errorf("wiki api_url is required")
	}
	if c.Wiki.WikiURL == "" {
		return fmt.Errorf("wiki wiki_url is required")
	}
	if c.Wiki.Timeout < 0 {
		return fmt.Errorf("wiki timeout must be non-negative")
	}

	if c.Bot.QueueSize <= 0 {
		return fmt.Errorf("bot queue_size must be positive")
	}
	if c.Bot.HandlerTimeout <= 0 {
		return fmt.Errorf("bot handler_timeout must be positive")
	}

	if c.Commands.TypingDelay < 0 {
		return fmt.Errorf("commands typing_delay must be non-negative")
	}

	return nil
}

// YAML renders the configuration as YAML with credentials redacted.
func (c *Config) YAML() ([]byte, error) {
	redacted := *c
	if redacted.OAuth.ClientSecret != "" {
		redacted.OAuth.ClientSecret = "<redacted>"
	}
	if redacted.Slack.Token != "" {
		redacted.Slack.Token = "<redacted>"
	}

	data, err := yamlv3.Marshal(&redacted)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
