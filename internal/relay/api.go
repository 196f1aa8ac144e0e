// ABOUTME: HTTP and websocket handlers for the relay API.
// ABOUTME: Agent and observer websockets, mute commands, state queries and watcher listing.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/muter/internal/auth"
	"github.com/2389/muter/internal/voice"
	"github.com/2389/muter/internal/wire"
)

const (
	agentReadLimit = 4096
	writeTimeout   = 10 * time.Second
)

// MuteSetting is the JSON body of GET /api/setting/mute/{uuid}.
type MuteSetting struct {
	Mute bool `json:"mute"`
}

// routes registers every relay endpoint on mux.
func (s *Server) routes(mux *http.ServeMux) {
	protect := func(h http.HandlerFunc) http.Handler {
		if s.verifier == nil {
			return h
		}
		return auth.HTTPAuthMiddleware(s.verifier, s.logger)(h)
	}

	mux.HandleFunc("GET /api/watch/{username}/{user_id}/{avatar_id}", s.handleAgentSocket)
	mux.Handle("GET /api/watch/setting/mute/{uuid}", protect(s.handleObserverSocket))
	mux.Handle("POST /api/mute/{uuid}", protect(s.handleMute(voice.Muted)))
	mux.Handle("POST /api/unmute/{uuid}", protect(s.handleMute(voice.Unmuted)))
	mux.Handle("GET /api/setting/mute/{uuid}", protect(s.handleGetSetting))
	mux.Handle("GET /api/watchers", protect(s.handleWatchers))
	mux.HandleFunc("GET /api/ok", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)

	if s.config.Metrics.Enabled && s.metrics != nil {
		mux.Handle("GET "+s.config.Metrics.Path, s.metrics.Handler())
	}
}

// wsSender serializes writes to an agent websocket.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsSender) Send(ctx context.Context, frame string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return w.conn.Write(ctx, websocket.MessageText, []byte(frame))
}

// handleAgentSocket serves GET /api/watch/{username}/{user_id}/{avatar_id}.
// The relay assigns a UUID, greets the agent with it and then relays frames
// until the socket closes.
func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	watcher := Watcher{
		Username: r.PathValue("username"),
		UserID:   r.PathValue("user_id"),
		AvatarID: r.PathValue("avatar_id"),
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("agent websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(agentReadLimit)

	ctx, cancel := s.connContext(r.Context())
	defer cancel()

	sender := &wsSender{conn: conn}
	session, err := s.hub.Attach(watcher, sender)
	if err != nil {
		s.logger.Error("registering agent", "error", err)
		_ = conn.Close(websocket.StatusInternalError, "registration failed")
		return
	}
	defer s.hub.Detach(session.UUID)

	if err := sender.Send(ctx, wire.Greeting(session.UUID)); err != nil {
		s.logger.Warn("greeting agent failed", "uuid", session.UUID, "error", err)
		return
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.logger.Info("agent websocket closed", "uuid", session.UUID, "status", websocket.CloseStatus(err))
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		s.hub.HandleFrame(session.UUID, string(data))
	}
}

// handleObserverSocket serves GET /api/watch/setting/mute/{uuid}. It pushes
// the current state, then every announcement, until either side goes away.
func (s *Server) handleObserverSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")

	ctx, cancel := s.connContext(r.Context())
	defer cancel()

	updates, err := s.hub.Observe(ctx, id)
	if err != nil {
		s.writeHubError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.config.Server.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("observer websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// Observers never send; CloseRead cancels ctx when they disconnect.
	ctx = conn.CloseRead(ctx)

	if state, err := s.hub.CurrentState(ctx, id); err == nil {
		if err := writeState(ctx, conn, state); err != nil {
			return
		}
	} else {
		s.logger.Warn("reading current state for observer", "uuid", id, "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-updates:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "agent disconnected")
				return
			}
			if err := writeState(ctx, conn, state); err != nil {
				return
			}
		}
	}
}

func writeState(ctx context.Context, conn *websocket.Conn, state voice.MuteState) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, []byte(wire.Announcement(state)))
}

// handleMute serves POST /api/mute/{uuid} and POST /api/unmute/{uuid}.
func (s *Server) handleMute(state voice.MuteState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("uuid")
		if err := s.hub.Mute(r.Context(), id, state); err != nil {
			s.logger.Warn("mute command failed", "uuid", id, "mute", bool(state), "subject", auth.SubjectFromContext(r.Context()), "error", err)
			s.writeHubError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// handleGetSetting serves GET /api/setting/mute/{uuid}.
func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")
	state, err := s.hub.Query(r.Context(), id)
	if err != nil {
		s.logger.Warn("mute query failed", "uuid", id, "error", err)
		s.writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MuteSetting{Mute: bool(state)})
}

// handleWatchers serves GET /api/watchers.
func (s *Server) handleWatchers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Watchers())
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is connected.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	n := len(s.hub.Watchers())
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// hubErrorStatus maps hub errors to HTTP statuses.
func hubErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrAgentNotFound):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrQueryTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrQueryFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeHubError(w http.ResponseWriter, err error) {
	status := hubErrorStatus(err)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// corsMiddleware sets CORS headers for the configured origins.
func corsMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	allowAny := false
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAny = true
		}
		originSet[o] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if _, ok := originSet[origin]; ok || allowAny {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.Header().Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
