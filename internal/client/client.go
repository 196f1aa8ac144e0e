// ABOUTME: Relay API client for listing watchers, sending mute commands and querying state
// ABOUTME: Streams observer websocket announcements as mute states

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/muter/internal/relay"
	"github.com/2389/muter/internal/voice"
	"github.com/2389/muter/internal/wire"
)

// APIError is a non-2xx response from the relay.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("relay error (%d): %s", e.StatusCode, e.Message)
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger used by Watch.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client communicates with the relay HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client for the relay at baseURL (http or https).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "relay-client")
	return c
}

// Watchers lists the connected agents.
func (c *Client) Watchers(ctx context.Context) ([]relay.Watcher, error) {
	var watchers []relay.Watcher
	if err := c.do(ctx, http.MethodGet, "/api/watchers", &watchers); err != nil {
		return nil, err
	}
	return watchers, nil
}

// Mute asks the agent with the given UUID to mute.
func (c *Client) Mute(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/mute/"+url.PathEscape(id), nil)
}

// Unmute asks the agent with the given UUID to unmute.
func (c *Client) Unmute(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/unmute/"+url.PathEscape(id), nil)
}

// Status asks the agent for its current mute state.
func (c *Client) Status(ctx context.Context, id string) (voice.MuteState, error) {
	var setting relay.MuteSetting
	if err := c.do(ctx, http.MethodGet, "/api/setting/mute/"+url.PathEscape(id), &setting); err != nil {
		return false, err
	}
	return voice.MuteState(setting.Mute), nil
}

// Watch streams the agent's mute state: first its current state, then every
// announcement. The channel closes when the agent disconnects, the socket
// fails or ctx is cancelled.
func (c *Client) Watch(ctx context.Context, id string) (<-chan voice.MuteState, error) {
	wsURL, err := c.websocketURL("/api/watch/setting/mute/" + url.PathEscape(id))
	if err != nil {
		return nil, err
	}

	// The socket is long lived; the request timeout must not apply to it.
	hc := *c.http
	hc.Timeout = 0
	opts := &websocket.DialOptions{HTTPClient: &hc}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, responseError(resp)
		}
		return nil, fmt.Errorf("dialing observer websocket: %w", err)
	}

	states := make(chan voice.MuteState)
	go func() {
		defer close(states)
		defer conn.CloseNow()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				c.logger.Debug("observer websocket closed", "uuid", id, "status", websocket.CloseStatus(err), "error", err)
				return
			}
			report, ok := wire.ParseReport(string(data))
			if !ok || report.Kind != wire.ReportAnnouncement {
				continue
			}
			select {
			case states <- report.State:
			case <-ctx.Done():
				return
			}
		}
	}()
	return states, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if out != nil {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// responseError extracts the error message from a non-2xx response.
func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var errResp struct {
		Error string `json:"error"`
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") &&
		json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		apiErr.Message = errResp.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

func (c *Client) websocketURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("parsing relay URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("relay URL must use http, https, ws or wss")
	}
	return u.String(), nil
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
