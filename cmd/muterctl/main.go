// ABOUTME: Operator CLI for a muter relay
// ABOUTME: Lists watchers, mutes and unmutes them, and shows or follows their state

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/muter/internal/client"
	"github.com/2389/muter/internal/voice"
)

var version = "dev"

const usage = `Usage: muterctl [flags] <command> [args]

Commands:
  watchers            List connected agents
  mute <uuid>         Mute an agent
  unmute <uuid>       Unmute an agent
  status <uuid>       Show an agent's current mute state
  watch <uuid>        Follow an agent's mute state until it disconnects

Flags:
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(ctx context.Context, args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("muterctl", pflag.ContinueOnError)
	relayURL := flags.StringP("relay", "r", envOr("MUTER_RELAY_URL", "http://localhost:8080"), "relay base URL (env MUTER_RELAY_URL)")
	token := flags.StringP("token", "t", os.Getenv("MUTER_TOKEN"), "operator bearer token (env MUTER_TOKEN)")
	showVersion := flags.Bool("version", false, "print the version and exit")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Fprintln(out, version)
		return nil
	}

	rest := flags.Args()
	if len(rest) == 0 {
		flags.Usage()
		return errors.New("missing command")
	}

	var opts []client.Option
	if *token != "" {
		opts = append(opts, client.WithToken(*token))
	}
	c := client.New(*relayURL, opts...)

	command, cmdArgs := rest[0], rest[1:]
	if command == "watchers" {
		return runWatchers(ctx, c, out)
	}

	if len(cmdArgs) != 1 {
		return fmt.Errorf("%s requires exactly one agent uuid", command)
	}
	id := cmdArgs[0]

	switch command {
	case "mute":
		return runSet(ctx, c, out, id, voice.Muted)
	case "unmute":
		return runSet(ctx, c, out, id, voice.Unmuted)
	case "status":
		return runStatus(ctx, c, out, id)
	case "watch":
		return runWatch(ctx, c, out, id)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runWatchers(ctx context.Context, c *client.Client, out io.Writer) error {
	watchers, err := c.Watchers(ctx)
	if err != nil {
		return fmt.Errorf("listing watchers: %w", err)
	}
	if len(watchers) == 0 {
		fmt.Fprintln(out, "no agents connected")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UUID\tUSERNAME\tUSER ID\tAVATAR")
	for _, w := range watchers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", w.UUID, w.Username, w.UserID, w.AvatarID)
	}
	return tw.Flush()
}

func runSet(ctx context.Context, c *client.Client, out io.Writer, id string, state voice.MuteState) error {
	var err error
	if state {
		err = c.Mute(ctx, id)
	} else {
		err = c.Unmute(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("sending command: %w", err)
	}
	green := color.New(color.FgGreen)
	green.Fprint(out, "✓ ")
	fmt.Fprintf(out, "sent %s to %s\n", commandName(state), id)
	return nil
}

func runStatus(ctx context.Context, c *client.Client, out io.Writer, id string) error {
	state, err := c.Status(ctx, id)
	if err != nil {
		return fmt.Errorf("querying state: %w", err)
	}
	printState(out, state)
	return nil
}

func runWatch(ctx context.Context, c *client.Client, out io.Writer, id string) error {
	states, err := c.Watch(ctx, id)
	if err != nil {
		return fmt.Errorf("watching agent: %w", err)
	}
	for state := range states {
		printState(out, state)
	}
	if ctx.Err() == nil {
		color.New(color.FgHiBlack).Fprintln(out, "agent disconnected")
	}
	return nil
}

func commandName(state voice.MuteState) string {
	if state {
		return "mute"
	}
	return "unmute"
}

func printState(out io.Writer, state voice.MuteState) {
	if state {
		color.New(color.FgRed).Fprintln(out, state.String())
		return
	}
	color.New(color.FgGreen).Fprintln(out, state.String())
}
