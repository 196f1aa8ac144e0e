// ABOUTME: Configuration loading for the muter agent
// ABOUTME: TOML file with env expansion plus legacy environment variable fallbacks

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Legacy environment variables read when the file leaves a value empty.
const (
	EnvClientID       = "CLIENT_ID"
	EnvClientSecret   = "CLIENT_SECRET"
	EnvRedirectURI    = "REDIRECT_URI"
	EnvServerHostname = "SERVER_HOSTNAME"
)

// ConfigError reports a missing or invalid agent setting. The agent must not
// start when one is returned.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// AgentConfig is the muter agent configuration.
type AgentConfig struct {
	Relay   RelayEndpoint `toml:"relay"`
	Discord DiscordConfig `toml:"discord"`
	Agent   AgentTiming   `toml:"agent"`
	Logging LoggingConfig `toml:"logging"`
}

// RelayEndpoint locates the relay.
type RelayEndpoint struct {
	Scheme string `toml:"scheme"` // ws or wss
	Host   string `toml:"host"`
}

// DiscordConfig holds the OAuth application credentials.
type DiscordConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RedirectURI  string `toml:"redirect_uri"`
}

// AgentTiming holds channel timing overrides. Zero keeps the channel defaults.
type AgentTiming struct {
	ReconnectDelay    Duration `toml:"reconnect_delay"`
	KeepaliveInterval Duration `toml:"keepalive_interval"`
	WriteTimeout      Duration `toml:"write_timeout"`
}

// Duration decodes TOML strings such as "10s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// LoadAgent reads and validates the agent config. See ReadAgent.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg, err := ReadAgent(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadAgent reads the agent config from path, then fills empty fields from
// the legacy environment variables. A missing file is not an error; the
// environment alone may be enough. The result is not validated.
func ReadAgent(path string) (*AgentConfig, error) {
	var cfg AgentConfig

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if _, err := toml.Decode(expandEnvVars(string(data)), &cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *AgentConfig) applyEnv() {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = os.Getenv(key)
		}
	}
	fill(&c.Discord.ClientID, EnvClientID)
	fill(&c.Discord.ClientSecret, EnvClientSecret)
	fill(&c.Discord.RedirectURI, EnvRedirectURI)
	fill(&c.Relay.Host, EnvServerHostname)
}

func (c *AgentConfig) applyDefaults() {
	if c.Relay.Scheme == "" {
		c.Relay.Scheme = "wss"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate returns a *ConfigError for the first missing or invalid field.
func (c *AgentConfig) Validate() error {
	if err := c.ValidateRelay(); err != nil {
		return err
	}

	required := []struct {
		field string
		env   string
		value string
	}{
		{"discord.client_id", EnvClientID, c.Discord.ClientID},
		{"discord.client_secret", EnvClientSecret, c.Discord.ClientSecret},
		{"discord.redirect_uri", EnvRedirectURI, c.Discord.RedirectURI},
	}
	for _, r := range required {
		if r.value == "" {
			return &ConfigError{Field: r.field, Reason: "is required (or set " + r.env + ")"}
		}
	}
	return nil
}

// ValidateRelay checks everything except the Discord credentials. It is
// enough for running against an in-memory voice client.
func (c *AgentConfig) ValidateRelay() error {
	if c.Relay.Host == "" {
		return &ConfigError{Field: "relay.host", Reason: "is required (or set " + EnvServerHostname + ")"}
	}

	switch c.Relay.Scheme {
	case "ws", "wss":
	default:
		return &ConfigError{Field: "relay.scheme", Reason: fmt.Sprintf("%q must be ws or wss", c.Relay.Scheme)}
	}

	if strings.Contains(c.Relay.Host, "/") {
		return &ConfigError{Field: "relay.host", Reason: "must be a host[:port] without scheme or path"}
	}

	if c.Agent.ReconnectDelay.Duration < 0 || c.Agent.KeepaliveInterval.Duration < 0 || c.Agent.WriteTimeout.Duration < 0 {
		return &ConfigError{Field: "agent", Reason: "durations must not be negative"}
	}

	if err := validateLogging(c.Logging); err != nil {
		return &ConfigError{Field: "logging", Reason: err.Error()}
	}
	return nil
}
