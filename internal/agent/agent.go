// ABOUTME: Agent event loop bridging the relay channel and the voice adapter.
// ABOUTME: Applies commands, answers correlated queries and announces changes.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/muter/internal/channel"
	"github.com/2389/muter/internal/correlation"
	"github.com/2389/muter/internal/voice"
	"github.com/2389/muter/internal/wire"
)

// Link is the agent's view of the relay channel.
type Link interface {
	Events() <-chan channel.Event
	Send(ctx context.Context, frame []byte) error
}

type writeResult struct {
	state voice.MuteState
	err   error
}

type readResult struct {
	id    string
	state voice.MuteState
	err   error
}

type subscribeResult struct {
	updates <-chan voice.MuteState
	err     error
}

// Agent synchronizes one voice client with the relay.
type Agent struct {
	adapter voice.Adapter
	link    Link
	logger  *slog.Logger
	queries *correlation.Table[readResult]

	writes     chan writeResult
	reads      chan readResult
	subscribed chan subscribeResult

	// Loop-owned state.
	updates     <-chan voice.MuteState
	subscribing bool

	mu     sync.Mutex
	cached *voice.MuteState
}

// New creates an Agent. Call Run to start it.
func New(adapter voice.Adapter, link Link, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		adapter:    adapter,
		link:       link,
		logger:     logger.With("component", "agent"),
		queries:    correlation.New[readResult](),
		writes:     make(chan writeResult, 16),
		reads:      make(chan readResult, 16),
		subscribed: make(chan subscribeResult, 1),
	}
}

// Cached returns the last announced state. ok is false until the first
// notification arrives.
func (a *Agent) Cached() (state voice.MuteState, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cached == nil {
		return false, false
	}
	return *a.cached, true
}

// Run processes events until ctx is cancelled. It returns ctx.Err().
func (a *Agent) Run(ctx context.Context) error {
	events := a.link.Events()
	defer a.queries.CancelAll()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return errors.New("channel event stream closed")
			}
			a.handleEvent(ctx, ev)

		case state, ok := <-a.updates:
			if !ok {
				a.logger.Info("voice subscription ended; resubscribing on next open")
				a.updates = nil
				continue
			}
			a.handleNotification(ctx, state)

		case res := <-a.subscribed:
			a.subscribing = false
			if res.err != nil {
				a.logger.Warn("subscribing to voice settings failed", "error", res.err)
				continue
			}
			a.updates = res.updates
			a.logger.Info("subscribed to voice settings")

		case res := <-a.writes:
			if res.err != nil {
				a.logger.Warn("applying mute command failed", "mute", bool(res.state), "error", res.err)
				continue
			}
			a.logger.Debug("mute command applied", "mute", bool(res.state))

		case res := <-a.reads:
			a.handleReadResult(ctx, res)
		}
	}
}

func (a *Agent) handleEvent(ctx context.Context, ev channel.Event) {
	switch ev.Kind {
	case channel.EventOpened:
		a.ensureSubscribed(ctx)
	case channel.EventClosed:
		a.logger.Debug("channel closed", "error", ev.Err)
	case channel.EventMessage:
		a.handleFrame(ctx, string(ev.Data))
	}
}

// ensureSubscribed starts a subscription if none is active for this login
// session.
func (a *Agent) ensureSubscribed(ctx context.Context) {
	if a.updates != nil || a.subscribing {
		return
	}
	a.subscribing = true
	go func() {
		updates, err := a.adapter.Subscribe(ctx)
		a.subscribed <- subscribeResult{updates: updates, err: err}
	}()
}

func (a *Agent) handleFrame(ctx context.Context, frame string) {
	cmd, ok := wire.ParseCommand(frame)
	if !ok {
		a.logger.Debug("ignoring unknown frame", "frame", frame)
		return
	}

	switch cmd.Kind {
	case wire.CommandMute:
		a.applyMute(ctx, voice.Muted)
	case wire.CommandUnmute:
		a.applyMute(ctx, voice.Unmuted)
	case wire.CommandQuery:
		a.startQuery(ctx, cmd.CorrelationID)
	case wire.CommandGreeting:
		a.logger.Info("registered with relay", "relay_id", cmd.RelayID)
	}
}

func (a *Agent) applyMute(ctx context.Context, state voice.MuteState) {
	a.logger.Info("mute command received", "mute", bool(state))
	go func() {
		err := a.adapter.Write(ctx, state)
		select {
		case a.writes <- writeResult{state: state, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (a *Agent) startQuery(ctx context.Context, id string) {
	if _, err := a.queries.Register(id); err != nil {
		// The outstanding query with this id answers both.
		a.logger.Debug("coalescing duplicate query", "id", id)
		return
	}

	go func() {
		state, err := a.adapter.Read(ctx)
		select {
		case a.reads <- readResult{id: id, state: state, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (a *Agent) handleReadResult(ctx context.Context, res readResult) {
	if !a.queries.Resolve(res.id, res) {
		return
	}
	if res.err != nil {
		a.logger.Warn("reading mute state failed", "id", res.id, "error", res.err)
	}
	a.send(ctx, wire.Response(res.id, res.state, res.err))
}

func (a *Agent) handleNotification(ctx context.Context, state voice.MuteState) {
	a.mu.Lock()
	changed := a.cached == nil || *a.cached != state
	if changed {
		s := state
		a.cached = &s
	}
	a.mu.Unlock()

	if !changed {
		return
	}
	a.logger.Info("mute state changed", "state", state.String())
	a.send(ctx, wire.Announcement(state))
}

// send writes one frame, dropping it if the channel is not open.
func (a *Agent) send(ctx context.Context, frame string) {
	if err := a.link.Send(ctx, []byte(frame)); err != nil {
		if errors.Is(err, channel.ErrNotOpen) {
			a.logger.Debug("channel closed; dropping frame", "frame", frame)
			return
		}
		a.logger.Warn("sending frame failed", "frame", frame, "error", err)
	}
}
