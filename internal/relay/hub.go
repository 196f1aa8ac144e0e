// ABOUTME: Relay hub routing commands and queries to agents and announcements to observers.
// ABOUTME: Correlates GET SETTING MUTE queries with RESP frames through a correlation table.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/2389/muter/internal/correlation"
	"github.com/2389/muter/internal/voice"
	"github.com/2389/muter/internal/wire"
)

var (
	// ErrAgentNotFound indicates no agent is connected under the UUID.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentExists indicates the UUID is already registered.
	ErrAgentExists = errors.New("agent already registered")

	// ErrQueryFailed indicates the agent answered RESP <id> ERR or went away.
	ErrQueryFailed = errors.New("agent could not read mute state")

	// ErrQueryTimeout indicates the agent did not answer in time.
	ErrQueryTimeout = errors.New("agent did not answer in time")

	// ErrRateLimited indicates the agent's command budget is exhausted.
	ErrRateLimited = errors.New("command rate limit exceeded")
)

// HubConfig configures a Hub.
type HubConfig struct {
	// QueryTimeout bounds Query. Zero means 10s.
	QueryTimeout time.Duration

	// CommandRate is commands per second per agent; zero disables limiting.
	CommandRate  float64
	CommandBurst int

	// Metrics may be nil.
	Metrics *Metrics
}

// Hub connects HTTP callers, agents and observers.
type Hub struct {
	cfg       HubConfig
	registry  *Registry
	observers *Broadcaster
	queries   *correlation.Table[wire.Report]
	metrics   *Metrics
	logger    *slog.Logger

	// afterSubscribe runs between subscribing and the registry check in
	// Observe. Tests use it to interleave a Detach.
	afterSubscribe func()
}

// NewHub creates a Hub.
func NewHub(cfg HubConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	logger = logger.With("component", "hub")
	return &Hub{
		cfg:       cfg,
		registry:  NewRegistry(logger),
		observers: NewBroadcaster(logger),
		queries:   correlation.New[wire.Report](),
		metrics:   cfg.Metrics,
		logger:    logger,
	}
}

// Attach registers a new agent session under a fresh UUID.
func (h *Hub) Attach(w Watcher, sender Sender) (*Session, error) {
	if w.UUID == "" {
		w.UUID = uuid.New().String()
	}

	var limiter *rate.Limiter
	if h.cfg.CommandRate > 0 {
		burst := h.cfg.CommandBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(h.cfg.CommandRate), burst)
	}

	s := newSession(w, sender, limiter)
	if err := h.registry.Register(s); err != nil {
		return nil, err
	}
	if h.metrics != nil {
		h.metrics.agentsConnected.Inc()
	}
	return s, nil
}

// Detach removes the session, fails its outstanding queries and closes its
// observers.
func (h *Hub) Detach(id string) {
	s := h.registry.Unregister(id)
	if s == nil {
		return
	}
	for _, qid := range s.drainPending() {
		h.queries.Cancel(qid)
	}
	h.observers.CloseAgent(id)
	if h.metrics != nil {
		h.metrics.agentsConnected.Dec()
	}
}

// HandleFrame processes one frame received from agent id.
func (h *Hub) HandleFrame(id, frame string) {
	s, ok := h.registry.Get(id)
	if !ok {
		return
	}

	report, ok := wire.ParseReport(frame)
	if !ok {
		h.logger.Debug("ignoring unknown agent frame", "uuid", id, "frame", frame)
		return
	}

	switch report.Kind {
	case wire.ReportAnnouncement:
		s.setLast(report.State)
		if h.metrics != nil {
			h.metrics.announcementsTotal.WithLabelValues(report.State.String()).Inc()
		}
		h.logger.Info("mute state announced", "uuid", id, "state", report.State.String())
		h.observers.Publish(id, report.State)

	case wire.ReportResponse:
		if !s.takePending(report.CorrelationID) {
			h.logger.Debug("response for unknown query", "uuid", id, "query_id", report.CorrelationID)
			return
		}
		h.queries.Resolve(report.CorrelationID, report)
	}
}

// Mute forwards a mute or unmute command to agent id.
func (h *Hub) Mute(ctx context.Context, id string, state voice.MuteState) error {
	command := wire.Mute(state)

	s, ok := h.registry.Get(id)
	if !ok {
		h.countCommand(command, "not_found")
		return ErrAgentNotFound
	}

	if s.limiter != nil && !s.limiter.Allow() {
		h.countCommand(command, "rate_limited")
		return ErrRateLimited
	}

	if err := s.sender.Send(ctx, command); err != nil {
		h.countCommand(command, "error")
		return fmt.Errorf("sending %s: %w", command, err)
	}

	h.countCommand(command, "ok")
	h.logger.Info("command forwarded", "uuid", id, "command", command)
	return nil
}

// Query asks agent id for its current mute state and waits for the
// correlated response.
func (h *Hub) Query(ctx context.Context, id string) (voice.MuteState, error) {
	started := time.Now()

	s, ok := h.registry.Get(id)
	if !ok {
		h.countQuery("not_found", started)
		return false, ErrAgentNotFound
	}

	qid := uuid.New().String()
	pending, err := h.queries.Register(qid)
	if err != nil {
		return false, err
	}
	s.addPending(qid)

	cleanup := func() {
		s.takePending(qid)
		h.queries.Cancel(qid)
	}

	if err := s.sender.Send(ctx, wire.Query(qid)); err != nil {
		cleanup()
		h.countQuery("error", started)
		return false, fmt.Errorf("sending query: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, h.cfg.QueryTimeout)
	defer cancel()

	report, err := pending.Wait(waitCtx)
	switch {
	case errors.Is(err, correlation.ErrCancelled):
		h.countQuery("failed", started)
		return false, fmt.Errorf("%w: agent disconnected", ErrQueryFailed)
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		cleanup()
		h.countQuery("timeout", started)
		return false, ErrQueryTimeout
	case err != nil:
		cleanup()
		h.countQuery("error", started)
		return false, err
	}

	if report.Failed {
		h.countQuery("failed", started)
		return false, ErrQueryFailed
	}

	h.countQuery("ok", started)
	return report.State, nil
}

// Observe subscribes to announcements from agent id. The channel closes
// when ctx is cancelled or the agent disconnects.
func (h *Hub) Observe(ctx context.Context, id string) (<-chan voice.MuteState, error) {
	// Subscribe before checking the registry: a Detach that lands after the
	// check closes this subscription through CloseAgent, and one that lands
	// before it is caught by the check.
	ch, subID := h.observers.Subscribe(ctx, id)
	if h.afterSubscribe != nil {
		h.afterSubscribe()
	}
	if _, ok := h.registry.Get(id); !ok {
		h.observers.Unsubscribe(id, subID)
		return nil, ErrAgentNotFound
	}

	if h.metrics != nil {
		h.metrics.observersConnected.Inc()
		go func() {
			<-ctx.Done()
			h.metrics.observersConnected.Dec()
		}()
	}
	return ch, nil
}

// CurrentState returns agent id's mute state, asking the agent and falling
// back to its last announcement if the query fails.
func (h *Hub) CurrentState(ctx context.Context, id string) (voice.MuteState, error) {
	state, err := h.Query(ctx, id)
	if err == nil {
		return state, nil
	}
	if s, ok := h.registry.Get(id); ok {
		if last, known := s.LastAnnounced(); known {
			h.logger.Debug("using last announcement", "uuid", id, "query_error", err)
			return last, nil
		}
	}
	return false, err
}

// Watchers lists the connected agents.
func (h *Hub) Watchers() []Watcher {
	return h.registry.List()
}

// Close closes every observer.
func (h *Hub) Close() {
	h.observers.Close()
}

func (h *Hub) countCommand(command, result string) {
	if h.metrics != nil {
		h.metrics.commandsTotal.WithLabelValues(command, result).Inc()
	}
}

func (h *Hub) countQuery(result string, started time.Time) {
	if h.metrics != nil {
		h.metrics.observeQuery(result, started)
	}
}
