// ABOUTME: Websocket transport for the channel built on coder/websocket.
// ABOUTME: Also builds the relay endpoint and health URLs from an identity.

package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/2389/muter/internal/voice"
)

// maxFrameSize bounds inbound frames. Protocol frames are a few dozen bytes.
const maxFrameSize = 4096

// Conn is one physical session.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}

// WebSocketDialer dials text-frame websockets.
type WebSocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(maxFrameSize)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, frame []byte) error {
	return w.c.Write(ctx, websocket.MessageText, frame)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

// Endpoint returns the relay websocket URL for an identity. An empty avatar
// is sent as "null", which is what accounts without an avatar report.
func Endpoint(scheme, host string, id voice.Identity) string {
	avatar := id.Avatar
	if avatar == "" {
		avatar = "null"
	}
	return fmt.Sprintf("%s://%s/api/watch/%s/%s/%s",
		scheme, host,
		url.PathEscape(id.Username),
		url.PathEscape(id.ID),
		url.PathEscape(avatar),
	)
}

// HealthURL returns the relay liveness URL matching a websocket scheme.
func HealthURL(scheme, host string) string {
	httpScheme := "http"
	if strings.EqualFold(scheme, "wss") || strings.EqualFold(scheme, "https") {
		httpScheme = "https"
	}
	return httpScheme + "://" + host + "/api/ok"
}
