// ABOUTME: Entry point for muter-relay, the server between agents and operators
// ABOUTME: Subcommands serve the relay, mint operator tokens and check health

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/muter/internal/auth"
	"github.com/2389/muter/internal/config"
	"github.com/2389/muter/internal/logging"
	"github.com/2389/muter/internal/relay"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                 _
 _ __ ___  _   _| |_ ___ _ __      _ __ ___| | __ _ _   _
| '_ ' _ \| | | | __/ _ \ '__|____| '__/ _ \ |/ _' | | | |
| | | | | | |_| | ||  __/ | |_____| | |  __/ | (_| | |_| |
|_| |_| |_|\__,_|\__\___|_|       |_|  \___|_|\__,_|\__, |
                                                    |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: MUTER_RELAY_CONFIG env var > XDG_CONFIG_HOME/muter/relay.yaml > ~/.config/muter/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MUTER_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "muter", "relay.yaml")
}

// loadConfig loads the config file, or the defaults when none exists.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), false, nil
	}
	return nil, false, fmt.Errorf("loading config: %w", err)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: muter-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                   Start the relay server")
		fmt.Println("  token --subject NAME    Mint an operator bearer token")
		fmt.Println("  health                  Check relay health")
		fmt.Println("  agents                  Report whether any agent is connected")
		fmt.Println("  version                 Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx, "/health")
	case "agents":
		err = runHealth(ctx, "/health/ready")
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, fromFile, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	if fromFile {
		fmt.Printf("Config:    %s\n", configPath)
	} else {
		fmt.Printf("Config:    ")
		yellow.Println("defaults (no config file)")
	}
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Queries:   %s timeout\n", cfg.Relay.QueryTimeout)

	if cfg.Auth.JWTSecret == "" {
		green.Print("    ▶ ")
		fmt.Printf("Auth:      ")
		yellow.Println("disabled")
	}
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting muter-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	srv, err := relay.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	return srv.Run(ctx)
}

// runToken mints an HS256 operator token from the configured secret.
func runToken(args []string) error {
	flags := pflag.NewFlagSet("token", pflag.ContinueOnError)
	subject := flags.StringP("subject", "s", "", "token subject, usually the operator's name")
	ttl := flags.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := flags.Parse(args); err != nil {
		return err
	}

	name := strings.TrimSpace(*subject)
	if name == "" {
		return errors.New("--subject is required")
	}
	if *ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(name, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Fprintf(os.Stderr, "  ✓ Token for %s, valid %s\n", name, *ttl)
	fmt.Println(token)
	return nil
}

// runHealth GETs path on the configured HTTP address and prints the body.
func runHealth(ctx context.Context, path string) error {
	cfg, _, err := loadConfig(getConfigPath())
	if err != nil {
		return err
	}

	url := "http://" + localAddr(cfg.Server.HTTPAddr) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	fmt.Println(strings.TrimSpace(string(body)))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// localAddr rewrites a wildcard listen address to loopback.
func localAddr(addr string) string {
	switch {
	case strings.HasPrefix(addr, "0.0.0.0:"):
		return "127.0.0.1" + strings.TrimPrefix(addr, "0.0.0.0")
	case strings.HasPrefix(addr, ":"):
		return "127.0.0.1" + addr
	default:
		return addr
	}
}
