// ABOUTME: Delivers each mute change an agent reports to the observers watching it
// ABOUTME: An agent's watchers are released as soon as the agent disconnects

package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/muter/internal/voice"
)

// observerBufferSize is how many mute changes an observer may lag behind
// before newer changes are skipped for it.
const observerBufferSize = 32

// watchers maps a subscription ID to the channel that observer reads.
type watchers map[string]chan voice.MuteState

// Broadcaster tracks who is watching which muter agent. Agents are keyed by
// the UUID the relay assigned them at registration.
type Broadcaster struct {
	mu     sync.RWMutex
	agents map[string]watchers
	logger *slog.Logger
}

// NewBroadcaster returns an empty Broadcaster. A nil logger uses slog.Default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		agents: make(map[string]watchers),
		logger: logger.With("component", "broadcaster"),
	}
}

// Subscribe starts watching agentID. The returned channel carries every
// mute change the agent reports and is closed when the watcher leaves
// (ctx done or Unsubscribe) or the agent disconnects.
func (b *Broadcaster) Subscribe(ctx context.Context, agentID string) (<-chan voice.MuteState, string) {
	subID := uuid.New().String()
	ch := make(chan voice.MuteState, observerBufferSize)

	b.mu.Lock()
	w, ok := b.agents[agentID]
	if !ok {
		w = make(watchers)
		b.agents[agentID] = w
	}
	w[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("observer watching agent", "agent_id", agentID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(agentID, subID)
	}()

	return ch, subID
}

// Publish hands a mute change to everyone watching agentID. An observer
// whose buffer is full skips this change but still gets later ones.
func (b *Broadcaster) Publish(agentID string, state voice.MuteState) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.agents[agentID] {
		select {
		case ch <- state:
		default:
			b.logger.Debug("observer lagging, skipped mute change",
				"agent_id", agentID, "sub_id", subID, "state", state)
		}
	}
}

// Count reports how many observers are watching agentID.
func (b *Broadcaster) Count(agentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.agents[agentID])
}

// Unsubscribe stops one observer. Unknown IDs, including those already
// released by CloseAgent, are ignored.
func (b *Broadcaster) Unsubscribe(agentID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := b.agents[agentID]
	ch, ok := w[subID]
	if !ok {
		return
	}

	delete(w, subID)
	close(ch)
	if len(w) == 0 {
		delete(b.agents, agentID)
	}

	b.logger.Debug("observer stopped watching", "agent_id", agentID, "sub_id", subID)
}

// CloseAgent releases everyone watching agentID. The hub calls it when the
// agent's websocket goes away.
func (b *Broadcaster) CloseAgent(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := b.agents[agentID]
	for _, ch := range w {
		close(ch)
	}
	delete(b.agents, agentID)

	if len(w) > 0 {
		b.logger.Debug("agent gone, released observers", "agent_id", agentID, "observers", len(w))
	}
}

// Close releases every observer of every agent. Used on relay shutdown.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for agentID, w := range b.agents {
		for _, ch := range w {
			close(ch)
		}
		delete(b.agents, agentID)
	}

	b.logger.Debug("broadcaster closed")
}
