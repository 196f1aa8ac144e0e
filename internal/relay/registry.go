// ABOUTME: Tracks connected agent sessions and the watcher records they expose.
// ABOUTME: Each session owns its outbound sender, rate limiter and query ids.

package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/muter/internal/voice"
)

// Watcher describes one connected agent, as listed by GET /api/watchers.
type Watcher struct {
	UUID     string `json:"uuid"`
	Username string `json:"username"`
	UserID   string `json:"user_id"`
	AvatarID string `json:"avatar_id"`
}

// Sender writes one text frame to an agent.
type Sender interface {
	Send(ctx context.Context, frame string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, frame string) error

func (f SenderFunc) Send(ctx context.Context, frame string) error {
	return f(ctx, frame)
}

// Session is one agent websocket as seen by the hub.
type Session struct {
	Watcher
	ConnectedAt time.Time

	sender  Sender
	limiter *rate.Limiter

	mu      sync.Mutex
	pending map[string]struct{}
	last    *voice.MuteState
}

func newSession(w Watcher, sender Sender, limiter *rate.Limiter) *Session {
	return &Session{
		Watcher:     w,
		ConnectedAt: time.Now(),
		sender:      sender,
		limiter:     limiter,
		pending:     make(map[string]struct{}),
	}
}

// LastAnnounced returns the most recent announcement from the agent.
func (s *Session) LastAnnounced() (voice.MuteState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return false, false
	}
	return *s.last, true
}

func (s *Session) setLast(state voice.MuteState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &state
}

func (s *Session) addPending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = struct{}{}
}

// takePending removes id and reports whether this session issued it.
func (s *Session) takePending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	delete(s.pending, id)
	return ok
}

func (s *Session) drainPending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.pending = make(map[string]struct{})
	return ids
}

// Registry holds the connected sessions keyed by UUID.
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Register adds a session. Returns ErrAgentExists if the UUID is taken.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.UUID]; exists {
		return ErrAgentExists
	}

	r.sessions[s.UUID] = s
	r.logger.Info("=== AGENT CONNECTED ===",
		"uuid", s.UUID,
		"username", s.Username,
		"user_id", s.UserID,
		"total_agents", len(r.sessions),
	)
	return nil
}

// Unregister removes a session and returns it, or nil if absent.
func (r *Registry) Unregister(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[id]
	if !exists {
		return nil
	}
	delete(r.sessions, id)
	r.logger.Info("=== AGENT DISCONNECTED ===",
		"uuid", id,
		"username", s.Username,
		"total_agents", len(r.sessions),
	)
	return s
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns every connected watcher, oldest connection first.
func (r *Registry) List() []Watcher {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].ConnectedAt.Equal(sessions[j].ConnectedAt) {
			return sessions[i].UUID < sessions[j].UUID
		}
		return sessions[i].ConnectedAt.Before(sessions[j].ConnectedAt)
	})

	out := make([]Watcher, len(sessions))
	for i, s := range sessions {
		out[i] = s.Watcher
	}
	return out
}

// Len returns the number of connected sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
