// ABOUTME: Entry point for the muter agent running next to the Discord client
// ABOUTME: Logs in over Discord RPC, connects to the relay and serves mute commands

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/2389/muter/internal/agent"
	"github.com/2389/muter/internal/channel"
	"github.com/2389/muter/internal/config"
	"github.com/2389/muter/internal/discord"
	"github.com/2389/muter/internal/logging"
	"github.com/2389/muter/internal/voice"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _ __ ___  _   _| |_ ___ _ __
| '_ ' _ \| | | | __/ _ \ '__|
| | | | | | |_| | ||  __/ |
|_| |_| |_|\__,_|\__\___|_|
`

// options holds the parsed command line.
type options struct {
	configPath string
	fake       bool
	identity   voice.Identity
	muted      bool
	version    bool
}

// getConfigPath returns the path to the agent config file.
// Priority: MUTER_CONFIG env var > XDG_CONFIG_HOME/muter/agent.toml > ~/.config/muter/agent.toml
func getConfigPath() string {
	if envPath := os.Getenv("MUTER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "agent.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "muter", "agent.toml")
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	flags := pflag.NewFlagSet("muter", pflag.ContinueOnError)
	flags.StringVarP(&opts.configPath, "config", "c", getConfigPath(), "path to agent.toml")
	flags.BoolVar(&opts.fake, "fake", false, "use an in-memory voice client instead of Discord")
	flags.StringVar(&opts.identity.Username, "username", "fake-user", "identity reported to the relay in fake mode")
	flags.StringVar(&opts.identity.ID, "user-id", "0", "user id reported to the relay in fake mode")
	flags.StringVar(&opts.identity.Avatar, "avatar", "", "avatar id reported to the relay in fake mode")
	flags.BoolVar(&opts.muted, "muted", false, "initial mute state in fake mode")
	flags.BoolVar(&opts.version, "version", false, "print the version and exit")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if flags.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", flags.Arg(0))
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if opts.version {
		fmt.Println(version)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func loadConfig(opts *options) (*config.AgentConfig, error) {
	cfg, err := config.ReadAgent(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if opts.fake {
		err = cfg.ValidateRelay()
	} else {
		err = cfg.Validate()
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging, os.Stdout)

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	adapter, identity, closeAdapter, err := openVoice(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer closeAdapter()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", opts.configPath)
	green.Print("    ▶ ")
	fmt.Printf("Relay:     %s://%s\n", cfg.Relay.Scheme, cfg.Relay.Host)
	green.Print("    ▶ ")
	fmt.Printf("Identity:  %s (%s)", identity.Username, identity.ID)
	if opts.fake {
		yellow.Print(" [fake]")
	}
	fmt.Println()
	fmt.Println()

	ch := channel.New(channel.Config{
		URL:               channel.Endpoint(cfg.Relay.Scheme, cfg.Relay.Host, identity),
		HealthURL:         channel.HealthURL(cfg.Relay.Scheme, cfg.Relay.Host),
		ReconnectDelay:    cfg.Agent.ReconnectDelay.Duration,
		KeepaliveInterval: cfg.Agent.KeepaliveInterval.Duration,
		WriteTimeout:      cfg.Agent.WriteTimeout.Duration,
		Logger:            logger,
	})
	a := agent.New(adapter, ch, logger)

	logger.Info("starting muter agent",
		"relay_host", cfg.Relay.Host,
		"username", identity.Username,
		"fake", opts.fake,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ch.Run(gctx) })
	g.Go(func() error { return a.Run(gctx) })
	if dc, ok := adapter.(*discord.Client); ok {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-dc.Done():
				return errors.New("discord RPC connection closed")
			}
		})
	}

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("muter agent stopped")
		return nil
	}
	return err
}

// openVoice returns the voice adapter and the identity to register with.
func openVoice(ctx context.Context, cfg *config.AgentConfig, opts *options, logger *slog.Logger) (voice.Adapter, voice.Identity, func(), error) {
	if opts.fake {
		return voice.NewMemory(voice.MuteState(opts.muted)), opts.identity, func() {}, nil
	}

	client, err := discord.Dial(ctx, discord.Config{
		ClientID:     cfg.Discord.ClientID,
		ClientSecret: cfg.Discord.ClientSecret,
		RedirectURI:  cfg.Discord.RedirectURI,
		Logger:       logger,
	})
	if err != nil {
		return nil, voice.Identity{}, nil, fmt.Errorf("connecting to discord: %w", err)
	}

	identity, err := client.Login(ctx)
	if err != nil {
		_ = client.Close()
		return nil, voice.Identity{}, nil, fmt.Errorf("discord login: %w", err)
	}
	return client, identity, func() { _ = client.Close() }, nil
}
