// ABOUTME: Tests for the relay hub: command routing, query correlation and observers.
// ABOUTME: Agents are simulated with in-memory senders that script replies.

package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/muter/internal/voice"
	"github.com/2389/muter/internal/wire"
)

// recordingSender captures frames sent to a simulated agent.
type recordingSender struct {
	mu     sync.Mutex
	frames []string
	onSend func(frame string)
	err    error
}

func (r *recordingSender) Send(ctx context.Context, frame string) error {
	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return r.err
	}
	r.frames = append(r.frames, frame)
	onSend := r.onSend
	r.mu.Unlock()

	if onSend != nil {
		go onSend(frame)
	}
	return nil
}

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func queryID(frame string) string {
	fields := strings.Fields(frame)
	return fields[len(fields)-1]
}

func newTestHub(cfg HubConfig) *Hub {
	return NewHub(cfg, nil)
}

func TestHub_AttachAssignsUUID(t *testing.T) {
	h := newTestHub(HubConfig{})

	s1, err := h.Attach(Watcher{Username: "alice", UserID: "1", AvatarID: "a"}, &recordingSender{})
	require.NoError(t, err)
	s2, err := h.Attach(Watcher{Username: "bob", UserID: "2", AvatarID: "null"}, &recordingSender{})
	require.NoError(t, err)

	assert.NotEmpty(t, s1.UUID)
	assert.NotEqual(t, s1.UUID, s2.UUID)

	watchers := h.Watchers()
	require.Len(t, watchers, 2)
	assert.Equal(t, "alice", watchers[0].Username)

	h.Detach(s1.UUID)
	assert.Len(t, h.Watchers(), 1)
}

func TestHub_MuteForwardsCommand(t *testing.T) {
	h := newTestHub(HubConfig{})
	sender := &recordingSender{}
	s, err := h.Attach(Watcher{Username: "alice"}, sender)
	require.NoError(t, err)

	require.NoError(t, h.Mute(context.Background(), s.UUID, voice.Muted))
	require.NoError(t, h.Mute(context.Background(), s.UUID, voice.Unmuted))

	assert.Equal(t, []string{"mute", "unmute"}, sender.sent())
}

func TestHub_MuteUnknownAgent(t *testing.T) {
	h := newTestHub(HubConfig{})
	err := h.Mute(context.Background(), "missing", voice.Muted)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestHub_MuteSendFailure(t *testing.T) {
	h := newTestHub(HubConfig{})
	s, _ := h.Attach(Watcher{}, &recordingSender{err: errors.New("broken pipe")})

	err := h.Mute(context.Background(), s.UUID, voice.Muted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
}

func TestHub_MuteRateLimited(t *testing.T) {
	metrics := NewMetrics()
	h := newTestHub(HubConfig{CommandRate: 0.001, CommandBurst: 2, Metrics: metrics})
	s, _ := h.Attach(Watcher{}, &recordingSender{})

	require.NoError(t, h.Mute(context.Background(), s.UUID, voice.Muted))
	require.NoError(t, h.Mute(context.Background(), s.UUID, voice.Unmuted))
	err := h.Mute(context.Background(), s.UUID, voice.Muted)
	assert.ErrorIs(t, err, ErrRateLimited)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.commandsTotal.WithLabelValues("mute", "rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.commandsTotal.WithLabelValues("mute", "ok")))
}

func TestHub_RateLimitIsPerAgent(t *testing.T) {
	h := newTestHub(HubConfig{CommandRate: 0.001, CommandBurst: 1})
	a, _ := h.Attach(Watcher{}, &recordingSender{})
	b, _ := h.Attach(Watcher{}, &recordingSender{})

	require.NoError(t, h.Mute(context.Background(), a.UUID, voice.Muted))
	require.NoError(t, h.Mute(context.Background(), b.UUID, voice.Muted))
	assert.ErrorIs(t, h.Mute(context.Background(), a.UUID, voice.Muted), ErrRateLimited)
}

func TestHub_QueryCorrelated(t *testing.T) {
	h := newTestHub(HubConfig{})
	sender := &recordingSender{}
	s, _ := h.Attach(Watcher{}, sender)
	sender.onSend = func(frame string) {
		h.HandleFrame(s.UUID, "RESP "+queryID(frame)+" true")
	}

	state, err := h.Query(context.Background(), s.UUID)
	require.NoError(t, err)
	assert.Equal(t, voice.Muted, state)

	frames := sender.sent()
	require.Len(t, frames, 1)
	assert.True(t, strings.HasPrefix(frames[0], "GET SETTING MUTE "))
	assert.Equal(t, 0, h.queries.Len())
}

func TestHub_QueryErrResponse(t *testing.T) {
	h := newTestHub(HubConfig{})
	sender := &recordingSender{}
	s, _ := h.Attach(Watcher{}, sender)
	sender.onSend = func(frame string) {
		h.HandleFrame(s.UUID, wire.Response(queryID(frame), false, errors.New("unreachable")))
	}

	_, err := h.Query(context.Background(), s.UUID)
	assert.ErrorIs(t, err, ErrQueryFailed)
}

func TestHub_QueryTimeout(t *testing.T) {
	h := newTestHub(HubConfig{QueryTimeout: 20 * time.Millisecond})
	s, _ := h.Attach(Watcher{}, &recordingSender{})

	_, err := h.Query(context.Background(), s.UUID)
	assert.ErrorIs(t, err, ErrQueryTimeout)
	assert.Equal(t, 0, h.queries.Len(), "timed out query must be removed")
}

func TestHub_QueryFailsWhenAgentLeaves(t *testing.T) {
	h := newTestHub(HubConfig{})
	sender := &recordingSender{}
	s, _ := h.Attach(Watcher{}, sender)
	sender.onSend = func(string) { h.Detach(s.UUID) }

	_, err := h.Query(context.Background(), s.UUID)
	assert.ErrorIs(t, err, ErrQueryFailed)
}

func TestHub_ResponseFromOtherAgentIgnored(t *testing.T) {
	h := newTestHub(HubConfig{QueryTimeout: 50 * time.Millisecond})
	target := &recordingSender{}
	a, _ := h.Attach(Watcher{}, target)
	b, _ := h.Attach(Watcher{}, &recordingSender{})
	target.onSend = func(frame string) {
		h.HandleFrame(b.UUID, "RESP "+queryID(frame)+" true")
	}

	_, err := h.Query(context.Background(), a.UUID)
	assert.ErrorIs(t, err, ErrQueryTimeout)
}

func TestHub_AnnouncementsReachObservers(t *testing.T) {
	metrics := NewMetrics()
	h := newTestHub(HubConfig{Metrics: metrics})
	s, _ := h.Attach(Watcher{}, &recordingSender{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := h.Observe(ctx, s.UUID)
	require.NoError(t, err)

	h.HandleFrame(s.UUID, "muted")
	h.HandleFrame(s.UUID, "unmuted")
	h.HandleFrame(s.UUID, "garbage")

	assert.Equal(t, voice.Muted, <-updates)
	assert.Equal(t, voice.Unmuted, <-updates)

	last, ok := s.LastAnnounced()
	assert.True(t, ok)
	assert.Equal(t, voice.Unmuted, last)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.announcementsTotal.WithLabelValues("muted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.observersConnected))
}

func TestHub_ObserversClosedOnDetach(t *testing.T) {
	h := newTestHub(HubConfig{})
	s, _ := h.Attach(Watcher{}, &recordingSender{})

	updates, err := h.Observe(context.Background(), s.UUID)
	require.NoError(t, err)

	h.Detach(s.UUID)

	select {
	case _, ok := <-updates:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("observer channel not closed")
	}
}

func TestHub_ObserveUnknownAgent(t *testing.T) {
	h := newTestHub(HubConfig{})
	_, err := h.Observe(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestHub_CurrentStateFallsBackToAnnouncement(t *testing.T) {
	h := newTestHub(HubConfig{QueryTimeout: 20 * time.Millisecond})
	s, _ := h.Attach(Watcher{}, &recordingSender{})

	_, err := h.CurrentState(context.Background(), s.UUID)
	assert.ErrorIs(t, err, ErrQueryTimeout)

	h.HandleFrame(s.UUID, "muted")
	state, err := h.CurrentState(context.Background(), s.UUID)
	require.NoError(t, err)
	assert.Equal(t, voice.Muted, state)
}

func TestHub_AgentGaugeTracksSessions(t *testing.T) {
	metrics := NewMetrics()
	h := newTestHub(HubConfig{Metrics: metrics})

	s, _ := h.Attach(Watcher{}, &recordingSender{})
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.agentsConnected))

	h.Detach(s.UUID)
	h.Detach(s.UUID)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.agentsConnected))
}

func TestHub_ObserveRacingDetachLeavesNoObserver(t *testing.T) {
	h := newTestHub(HubConfig{})
	s, _ := h.Attach(Watcher{}, &recordingSender{})

	// The agent leaves after the subscription exists but before Observe
	// confirms the agent is still registered.
	h.afterSubscribe = func() { h.Detach(s.UUID) }

	_, err := h.Observe(context.Background(), s.UUID)
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.Equal(t, 0, h.observers.Count(s.UUID), "no subscription may outlive the agent")
}

func TestHub_ConcurrentObserveAndDetach(t *testing.T) {
	h := newTestHub(HubConfig{})

	for range 200 {
		s, err := h.Attach(Watcher{}, &recordingSender{})
		require.NoError(t, err)

		result := make(chan (<-chan voice.MuteState), 1)
		go func() {
			ch, err := h.Observe(context.Background(), s.UUID)
			if err != nil {
				result <- nil
				return
			}
			result <- ch
		}()
		go h.Detach(s.UUID)

		ch := <-result
		if ch == nil {
			continue
		}
		select {
		case _, ok := <-ch:
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("observer left open after its agent detached")
		}
	}
}
