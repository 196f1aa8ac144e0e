// ABOUTME: Reconnecting websocket channel between an agent and the relay.
// ABOUTME: Fixed-delay reconnect, out-of-band keepalive, ordered inbound events.

package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultReconnectDelay is the pause between a close and the next dial.
	DefaultReconnectDelay = 10 * time.Second

	// DefaultKeepaliveInterval is the period of the health check while Open.
	DefaultKeepaliveInterval = 5 * time.Minute

	// DefaultWriteTimeout bounds a single Send.
	DefaultWriteTimeout = 10 * time.Second

	eventBufferSize  = 64
	keepaliveTimeout = 30 * time.Second
)

// ErrNotOpen is returned by Send when no session is open.
var ErrNotOpen = errors.New("channel not open")

// ConnectError reports a failed attempt to establish a session.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// State is the lifecycle state of a Channel.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind classifies channel events.
type EventKind int

const (
	EventOpened EventKind = iota + 1
	EventClosed
	EventMessage
)

// Event is emitted on the Events stream.
type Event struct {
	Kind EventKind

	// Data holds the frame for EventMessage.
	Data []byte

	// Err holds the cause for EventClosed, if any.
	Err error
}

// Config configures a Channel.
type Config struct {
	// URL is the relay endpoint dialed for every session.
	URL string

	// HealthURL is fetched every KeepaliveInterval while Open. Empty disables
	// the keepalive.
	HealthURL string

	ReconnectDelay    time.Duration
	KeepaliveInterval time.Duration

	// WriteTimeout bounds each Send. A write that times out closes the
	// session, which then reconnects.
	WriteTimeout time.Duration

	// Dialer establishes sessions. Defaults to WebSocketDialer.
	Dialer Dialer

	// HTTPClient performs keepalive requests.
	HTTPClient *http.Client

	// After schedules the reconnect delay. Defaults to time.After.
	After func(time.Duration) <-chan time.Time

	Logger *slog.Logger
}

// Channel is a self-healing connection to the relay.
type Channel struct {
	cfg    Config
	logger *slog.Logger
	events chan Event

	mu    sync.Mutex
	state State
	conn  Conn
}

// New creates a Channel in the Idle state. Call Run to start it.
func New(cfg Config) *Channel {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &WebSocketDialer{}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: keepaliveTimeout}
	}
	if cfg.After == nil {
		cfg.After = time.After
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Channel{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "channel"),
		events: make(chan Event, eventBufferSize),
		state:  Idle,
	}
}

// Events returns the stream of opened, closed and message events.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send writes one frame to the open session.
func (c *Channel) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == Open
	c.mu.Unlock()

	if !open || conn == nil {
		return ErrNotOpen
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()

	if err := conn.Write(writeCtx, frame); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			c.logger.Warn("write timed out; dropping session", "timeout", c.cfg.WriteTimeout)
			_ = conn.Close()
		}
		return fmt.Errorf("sending frame: %w", err)
	}
	return nil
}

// Run dials, serves and re-dials until ctx is cancelled. It always returns
// ctx.Err().
func (c *Channel) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.setState(Connecting)
		c.logger.Info("connecting", "url", c.cfg.URL)

		conn, err := c.cfg.Dialer.Dial(ctx, c.cfg.URL)
		if err != nil {
			cerr := &ConnectError{URL: c.cfg.URL, Err: err}
			c.logger.Warn("connect failed", "error", cerr)
			c.setState(Closed)
			c.emit(ctx, Event{Kind: EventClosed, Err: cerr})
		} else {
			c.serve(ctx, conn)
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		c.logger.Info("reconnecting after delay", "delay", c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.cfg.After(c.cfg.ReconnectDelay):
		}
	}
}

// serve runs one session until the connection fails or ctx is cancelled.
func (c *Channel) serve(ctx context.Context, conn Conn) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.conn = conn
	c.state = Open
	c.mu.Unlock()

	c.logger.Info("connection opened", "url", c.cfg.URL)
	c.emit(ctx, Event{Kind: EventOpened})

	go c.keepalive(sessionCtx)

	var readErr error
	for {
		frame, err := conn.Read(sessionCtx)
		if err != nil {
			readErr = err
			break
		}
		c.emit(ctx, Event{Kind: EventMessage, Data: frame})
	}

	c.mu.Lock()
	c.conn = nil
	c.state = Closed
	c.mu.Unlock()

	_ = conn.Close()

	if ctx.Err() == nil {
		c.logger.Warn("connection closed", "error", readErr)
	}
	c.emit(ctx, Event{Kind: EventClosed, Err: readErr})
}

// keepalive pings HealthURL on a fixed interval until ctx is done.
func (c *Channel) keepalive(ctx context.Context) {
	if c.cfg.HealthURL == "" {
		return
	}

	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ping(ctx)
		}
	}
}

func (c *Channel) ping(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.HealthURL, nil)
	if err != nil {
		c.logger.Warn("building keepalive request", "error", err)
		return
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		c.logger.Debug("keepalive failed", "url", c.cfg.HealthURL, "error", err)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	c.logger.Debug("keepalive sent", "url", c.cfg.HealthURL, "status", resp.StatusCode)
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// emit delivers ev unless ctx is cancelled first.
func (c *Channel) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}
