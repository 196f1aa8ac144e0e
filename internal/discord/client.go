// ABOUTME: Discord RPC client implementing the voice settings adapter.
// ABOUTME: Handles handshake, OAuth login, voice settings and update subscriptions.

package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/muter/internal/correlation"
	"github.com/2389/muter/internal/voice"
)

// DefaultTokenURL is Discord's OAuth2 token endpoint.
const DefaultTokenURL = "https://discord.com/api/oauth2/token"

const (
	rpcVersion          = 1
	evtReady            = "READY"
	evtError            = "ERROR"
	evtVoiceSettings    = "VOICE_SETTINGS_UPDATE"
	cmdDispatch         = "DISPATCH"
	cmdAuthorize        = "AUTHORIZE"
	cmdAuthenticate     = "AUTHENTICATE"
	cmdGetVoiceSettings = "GET_VOICE_SETTINGS"
	cmdSetVoiceSettings = "SET_VOICE_SETTINGS"
	cmdSubscribe        = "SUBSCRIBE"

	subscriberBufferSize = 16
)

var (
	// ErrClosed is returned once the IPC connection has gone away.
	ErrClosed = errors.New("discord connection closed")

	// ErrNotAuthenticated is returned for settings calls before Login.
	ErrNotAuthenticated = errors.New("discord session not authenticated")
)

// RPCError is an ERROR response from the Discord client.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("discord rpc error %d: %s", e.Code, e.Message)
}

// Config configures a Client.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string

	// Scopes requested during AUTHORIZE. Defaults to ["rpc"].
	Scopes []string

	// TokenURL defaults to DefaultTokenURL.
	TokenURL   string
	HTTPClient *http.Client

	// Dial opens the IPC connection. Defaults to DialIPC.
	Dial func(ctx context.Context) (net.Conn, error)

	Logger *slog.Logger
}

type user struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

type command struct {
	Cmd   string `json:"cmd"`
	Args  any    `json:"args"`
	Evt   string `json:"evt,omitempty"`
	Nonce string `json:"nonce"`
}

type message struct {
	Cmd   string          `json:"cmd"`
	Evt   string          `json:"evt"`
	Nonce string          `json:"nonce"`
	Data  json.RawMessage `json:"data"`
}

type voiceSettings struct {
	Mute bool `json:"mute"`
}

// Client is a Discord RPC session. It implements voice.Adapter.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	conn    net.Conn
	writeMu sync.Mutex
	pending *correlation.Table[*message]
	ready   chan user
	done    chan struct{}
	once    sync.Once

	mu            sync.Mutex
	identity      voice.Identity
	authenticated bool
	subscribed    bool
	lastMute      *bool
	subscribers   map[chan voice.MuteState]struct{}
}

var _ voice.Adapter = (*Client)(nil)

// Dial connects to Discord, performs the handshake and waits for READY.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("discord client id is required")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"rpc"}
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Dial == nil {
		cfg.Dial = DialIPC
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	conn, err := cfg.Dial(ctx)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "discord"),
		conn:        conn,
		pending:     correlation.New[*message](),
		ready:       make(chan user, 1),
		done:        make(chan struct{}),
		subscribers: make(map[chan voice.MuteState]struct{}),
	}

	handshake, err := json.Marshal(map[string]any{"v": rpcVersion, "client_id": cfg.ClientID})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("encoding handshake: %w", err)
	}
	if err := c.write(opHandshake, handshake); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sending handshake: %w", err)
	}

	go c.readLoop()

	select {
	case u := <-c.ready:
		c.mu.Lock()
		c.identity = voice.Identity{Username: u.Username, ID: u.ID, Avatar: u.Avatar}
		c.mu.Unlock()
		c.logger.Info("discord ready", "username", u.Username, "user_id", u.ID)
		return c, nil
	case <-c.done:
		return nil, fmt.Errorf("waiting for ready: %w", ErrClosed)
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	}
}

// Login runs the OAuth flow over RPC and authenticates the session.
func (c *Client) Login(ctx context.Context) (voice.Identity, error) {
	data, err := c.call(ctx, cmdAuthorize, map[string]any{
		"client_id": c.cfg.ClientID,
		"scopes":    c.cfg.Scopes,
	}, "")
	if err != nil {
		return voice.Identity{}, fmt.Errorf("authorize: %w", err)
	}

	var authz struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &authz); err != nil || authz.Code == "" {
		return voice.Identity{}, fmt.Errorf("authorize: missing code")
	}

	token, err := c.exchangeCode(ctx, authz.Code)
	if err != nil {
		return voice.Identity{}, err
	}

	data, err = c.call(ctx, cmdAuthenticate, map[string]any{"access_token": token}, "")
	if err != nil {
		return voice.Identity{}, fmt.Errorf("authenticate: %w", err)
	}

	var authn struct {
		User user `json:"user"`
	}
	if err := json.Unmarshal(data, &authn); err != nil {
		return voice.Identity{}, fmt.Errorf("decoding authenticate response: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	if authn.User.ID != "" {
		c.identity = voice.Identity{Username: authn.User.Username, ID: authn.User.ID, Avatar: authn.User.Avatar}
	}
	c.logger.Info("discord authenticated", "username", c.identity.Username)
	return c.identity, nil
}

// exchangeCode trades an authorization code for an access token.
func (c *Client) exchangeCode(ctx context.Context, code string) (string, error) {
	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {c.cfg.RedirectURI},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("exchanging code: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("token response has no access_token")
	}
	return tok.AccessToken, nil
}

// Identity returns the account the session belongs to.
func (c *Client) Identity() voice.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Read implements voice.Adapter.
func (c *Client) Read(ctx context.Context) (voice.MuteState, error) {
	if err := c.requireAuth(); err != nil {
		return false, &voice.AdapterError{Op: "read", Err: err}
	}

	data, err := c.call(ctx, cmdGetVoiceSettings, struct{}{}, "")
	if err != nil {
		return false, &voice.AdapterError{Op: "read", Err: err}
	}

	var s voiceSettings
	if err := json.Unmarshal(data, &s); err != nil {
		return false, &voice.AdapterError{Op: "read", Err: fmt.Errorf("decoding voice settings: %w", err)}
	}
	return voice.MuteState(s.Mute), nil
}

// Write implements voice.Adapter. Only the mute field is sent.
func (c *Client) Write(ctx context.Context, state voice.MuteState) error {
	if err := c.requireAuth(); err != nil {
		return &voice.AdapterError{Op: "write", Err: err}
	}

	if _, err := c.call(ctx, cmdSetVoiceSettings, map[string]any{"mute": bool(state)}, ""); err != nil {
		return &voice.AdapterError{Op: "write", Err: err}
	}
	return nil
}

// Subscribe implements voice.Adapter.
func (c *Client) Subscribe(ctx context.Context) (<-chan voice.MuteState, error) {
	if err := c.requireAuth(); err != nil {
		return nil, &voice.AdapterError{Op: "subscribe", Err: err}
	}

	c.mu.Lock()
	needSubscribe := !c.subscribed
	c.mu.Unlock()

	if needSubscribe {
		if _, err := c.call(ctx, cmdSubscribe, struct{}{}, evtVoiceSettings); err != nil {
			return nil, &voice.AdapterError{Op: "subscribe", Err: err}
		}
	}

	ch := make(chan voice.MuteState, subscriberBufferSize)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, &voice.AdapterError{Op: "subscribe", Err: ErrClosed}
	default:
	}
	c.subscribed = true
	c.subscribers[ch] = struct{}{}
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			c.unsubscribe(ch)
		case <-c.done:
		}
	}()

	return ch, nil
}

// Done is closed when the IPC connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close ends the session.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		err = c.conn.Close()
		c.pending.CancelAll()

		c.mu.Lock()
		for ch := range c.subscribers {
			delete(c.subscribers, ch)
			close(ch)
		}
		close(c.done)
		c.mu.Unlock()
	})
	return err
}

func (c *Client) requireAuth() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authenticated {
		return ErrNotAuthenticated
	}
	return nil
}

// call sends a command and waits for the response with the same nonce.
func (c *Client) call(ctx context.Context, cmd string, args any, evt string) (json.RawMessage, error) {
	nonce := uuid.New().String()
	pending, err := c.pending.Register(nonce)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(command{Cmd: cmd, Args: args, Evt: evt, Nonce: nonce})
	if err != nil {
		c.pending.Cancel(nonce)
		return nil, fmt.Errorf("encoding %s: %w", cmd, err)
	}
	if err := c.write(opFrame, payload); err != nil {
		c.pending.Cancel(nonce)
		return nil, fmt.Errorf("sending %s: %w", cmd, err)
	}

	msg, err := pending.Wait(ctx)
	if err != nil {
		c.pending.Cancel(nonce)
		if errors.Is(err, correlation.ErrCancelled) {
			return nil, ErrClosed
		}
		return nil, err
	}

	if msg.Evt == evtError {
		rpcErr := &RPCError{}
		if err := json.Unmarshal(msg.Data, rpcErr); err != nil {
			return nil, fmt.Errorf("%s failed", cmd)
		}
		return nil, rpcErr
	}
	return msg.Data, nil
}

func (c *Client) write(op opcode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.conn, op, payload)
}

// readLoop dispatches inbound frames until the connection fails.
func (c *Client) readLoop() {
	defer c.Close()

	for {
		op, payload, err := readFrame(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("discord ipc read failed", "error", err)
			}
			return
		}

		switch op {
		case opFrame:
			c.handleFrame(payload)
		case opPing:
			if err := c.write(opPong, payload); err != nil {
				c.logger.Warn("discord pong failed", "error", err)
			}
		case opClose:
			var reason RPCError
			_ = json.Unmarshal(payload, &reason)
			c.logger.Warn("discord closed the connection", "code", reason.Code, "message", reason.Message)
			return
		default:
			c.logger.Debug("ignoring discord frame", "op", op)
		}
	}
}

func (c *Client) handleFrame(payload []byte) {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Warn("malformed discord frame", "error", err)
		return
	}

	if msg.Cmd == cmdDispatch {
		switch msg.Evt {
		case evtReady:
			var ready struct {
				User user `json:"user"`
			}
			_ = json.Unmarshal(msg.Data, &ready)
			select {
			case c.ready <- ready.User:
			default:
			}
		case evtVoiceSettings:
			var s voiceSettings
			if err := json.Unmarshal(msg.Data, &s); err != nil {
				c.logger.Warn("malformed voice settings update", "error", err)
				return
			}
			c.publish(voice.MuteState(s.Mute))
		}
		return
	}

	if msg.Nonce == "" || !c.pending.Resolve(msg.Nonce, &msg) {
		c.logger.Debug("discord response for unknown nonce", "cmd", msg.Cmd, "nonce", msg.Nonce)
	}
}

// publish forwards a mute change to subscribers. Updates that leave mute
// unchanged (volume, device, ...) are filtered out.
func (c *Client) publish(state voice.MuteState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastMute != nil && *c.lastMute == bool(state) {
		return
	}
	muted := bool(state)
	c.lastMute = &muted

	for ch := range c.subscribers {
		select {
		case ch <- state:
		default:
			c.logger.Warn("dropping voice settings update for slow subscriber")
		}
	}
}

func (c *Client) unsubscribe(ch chan voice.MuteState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subscribers[ch]; ok {
		delete(c.subscribers, ch)
		close(ch)
	}
}
