package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultRelayURL is used when cloudRelayUrl is not set in config.yaml.
const DefaultRelayURL = "wss://relay.varie.dev/ws/machine"

// DefaultAssistantCommand is the binary launched inside every session PTY.
const DefaultAssistantCommand = "claude"

// Config is the daemon configuration read from ~/.varie/config.yaml.
type Config struct {
	SkipPermissions bool   `yaml:"skipPermissions"`
	AutoLaunch      bool   `yaml:"autoLaunch"`
	CloudRelay      bool   `yaml:"cloudRelay"`
	CloudRelayToken string `yaml:"cloudRelayToken"`
	CloudRelayURL   string `yaml:"cloudRelayUrl"`
	WorkspaceRoot   string `yaml:"workspaceRoot"`
	LogLevel        string `yaml:"logLevel"`
	LogFile         string `yaml:"logFile"`
}

// Load reads the config file at path. A missing file yields defaults, not an
// error: the daemon must start on a fresh machine before any config exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if tok := os.Getenv("VARIE_RELAY_TOKEN"); tok != "" {
		c.CloudRelayToken = tok
	}
}

// Validate checks field combinations that would make the daemon misbehave.
func (c *Config) Validate() error {
	if c.CloudRelay && c.CloudRelayToken == "" {
		return fmt.Errorf("cloudRelay is enabled but cloudRelayToken is empty")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logLevel must be one of debug|info|warn|error, got %q", c.LogLevel)
	}
	return nil
}

// RelayURL returns the configured relay endpoint or the default.
func (c *Config) RelayURL() string {
	if c.CloudRelayURL != "" {
		return c.CloudRelayURL
	}
	return DefaultRelayURL
}
