// ABOUTME: Tests for agent configuration loading
// ABOUTME: Covers TOML decoding, legacy env fallbacks and ConfigError reporting

package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearAgentEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvClientID, EnvClientSecret, EnvRedirectURI, EnvServerHostname} {
		t.Setenv(key, "")
	}
}

func TestLoadAgent_File(t *testing.T) {
	clearAgentEnv(t)
	t.Setenv("MUTER_TEST_DISCORD_SECRET", "from-env")

	path := writeConfig(t, "agent.toml", `
[relay]
scheme = "ws"
host = "relay.example:8080"

[discord]
client_id = "123"
client_secret = "${MUTER_TEST_DISCORD_SECRET}"
redirect_uri = "http://localhost/callback"

[agent]
reconnect_delay = "3s"
keepalive_interval = "1m"
write_timeout = "5s"

[logging]
level = "debug"
`)

	cfg, err := LoadAgent(path)
	require.NoError(t, err)

	assert.Equal(t, "ws", cfg.Relay.Scheme)
	assert.Equal(t, "relay.example:8080", cfg.Relay.Host)
	assert.Equal(t, "123", cfg.Discord.ClientID)
	assert.Equal(t, "from-env", cfg.Discord.ClientSecret)
	assert.Equal(t, 3*time.Second, cfg.Agent.ReconnectDelay.Duration)
	assert.Equal(t, time.Minute, cfg.Agent.KeepaliveInterval.Duration)
	assert.Equal(t, 5*time.Second, cfg.Agent.WriteTimeout.Duration)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadAgent_EnvOnly(t *testing.T) {
	t.Setenv(EnvClientID, "id")
	t.Setenv(EnvClientSecret, "secret")
	t.Setenv(EnvRedirectURI, "http://localhost/cb")
	t.Setenv(EnvServerHostname, "relay.example")

	cfg, err := LoadAgent(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, "wss", cfg.Relay.Scheme, "scheme defaults to wss")
	assert.Equal(t, "relay.example", cfg.Relay.Host)
	assert.Equal(t, "id", cfg.Discord.ClientID)
	assert.Zero(t, cfg.Agent.ReconnectDelay.Duration)
}

func TestLoadAgent_FileWinsOverEnv(t *testing.T) {
	clearAgentEnv(t)
	t.Setenv(EnvServerHostname, "env.example")
	t.Setenv(EnvClientID, "env-id")
	t.Setenv(EnvClientSecret, "s")
	t.Setenv(EnvRedirectURI, "r")

	path := writeConfig(t, "agent.toml", "[relay]\nhost = \"file.example\"\n")

	cfg, err := LoadAgent(path)
	require.NoError(t, err)
	assert.Equal(t, "file.example", cfg.Relay.Host)
	assert.Equal(t, "env-id", cfg.Discord.ClientID)
}

func TestLoadAgent_MissingCredential(t *testing.T) {
	clearAgentEnv(t)
	t.Setenv(EnvServerHostname, "relay.example")
	t.Setenv(EnvClientID, "id")
	t.Setenv(EnvRedirectURI, "http://localhost/cb")

	_, err := LoadAgent("")
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "discord.client_secret", cfgErr.Field)
	assert.Contains(t, err.Error(), EnvClientSecret)
}

func TestAgentConfig_ValidateRelay(t *testing.T) {
	tests := []struct {
		name  string
		cfg   AgentConfig
		field string
	}{
		{
			name:  "missing host",
			cfg:   AgentConfig{Relay: RelayEndpoint{Scheme: "wss"}},
			field: "relay.host",
		},
		{
			name:  "bad scheme",
			cfg:   AgentConfig{Relay: RelayEndpoint{Scheme: "https", Host: "h"}},
			field: "relay.scheme",
		},
		{
			name:  "host with path",
			cfg:   AgentConfig{Relay: RelayEndpoint{Scheme: "wss", Host: "h/api"}},
			field: "relay.host",
		},
		{
			name: "negative delay",
			cfg: AgentConfig{
				Relay: RelayEndpoint{Scheme: "wss", Host: "h"},
				Agent: AgentTiming{ReconnectDelay: Duration{-time.Second}},
			},
			field: "agent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.ValidateRelay()
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestReadAgent_SkipsCredentialCheck(t *testing.T) {
	clearAgentEnv(t)
	path := writeConfig(t, "agent.toml", "[relay]\nscheme = \"ws\"\nhost = \"localhost:8080\"\n")

	cfg, err := ReadAgent(path)
	require.NoError(t, err)
	require.NoError(t, cfg.ValidateRelay())
	assert.Error(t, cfg.Validate())
}

func TestReadAgent_BadTOML(t *testing.T) {
	_, err := ReadAgent(writeConfig(t, "agent.toml", "[relay\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestReadAgent_BadDuration(t *testing.T) {
	_, err := ReadAgent(writeConfig(t, "agent.toml", "[agent]\nreconnect_delay = \"later\"\n"))
	require.Error(t, err)
}
