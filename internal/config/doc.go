// Package config loads configuration for the relay and the agent.
//
// # Relay
//
// The relay reads YAML with ${VAR} expansion:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  allowed_origins: ["https://muter.example"]   # CORS and observer websockets
//
//	tailscale:
//	  enabled: false
//	  hostname: "muter"
//	  https: true
//	  funnel: false
//
//	auth:
//	  jwt_secret: "${MUTER_JWT_SECRET}"   # empty leaves the API open
//
//	relay:
//	  query_timeout: "10s"
//	  command_rate: 5     # commands per second per agent, 0 = unlimited
//	  command_burst: 10
//
//	logging:
//	  level: "info"     # debug, info, warn, error
//	  format: "text"    # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// Durations use time.ParseDuration syntax. Load applies defaults and calls
// Validate, returning the first failure.
//
// # Agent
//
// The agent reads TOML, also with ${VAR} expansion:
//
//	[relay]
//	scheme = "wss"
//	host = "relay.example.com"
//
//	[discord]
//	client_id = "..."
//	client_secret = "${DISCORD_CLIENT_SECRET}"
//	redirect_uri = "http://localhost"
//
//	[agent]
//	reconnect_delay = "10s"
//	keepalive_interval = "5m"
//
// Empty fields fall back to CLIENT_ID, CLIENT_SECRET, REDIRECT_URI and
// SERVER_HOSTNAME, so an environment-only setup needs no file at all.
// Missing required values are reported as *ConfigError.
package config
