// ABOUTME: In-process voice settings adapter backed by a mutex-guarded bool.
// ABOUTME: Drives tests and the agent's fake mode without a real voice client.

package voice

import (
	"context"
	"errors"
	"sync"
)

// ErrUnreachable is returned by Memory while it is marked unreachable.
var ErrUnreachable = errors.New("voice client unreachable")

const subscriberBufferSize = 64

// Memory is an Adapter holding the mute state in memory.
type Memory struct {
	mu          sync.Mutex
	state       MuteState
	unreachable bool
	writes      int
	subscribers map[chan MuteState]struct{}
}

// NewMemory creates a Memory adapter starting in the given state.
func NewMemory(initial MuteState) *Memory {
	return &Memory{
		state:       initial,
		subscribers: make(map[chan MuteState]struct{}),
	}
}

// Read implements Adapter.
func (m *Memory) Read(ctx context.Context) (MuteState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unreachable {
		return false, &AdapterError{Op: "read", Err: ErrUnreachable}
	}
	return m.state, nil
}

// Write implements Adapter. Writing the current state notifies nobody.
func (m *Memory) Write(ctx context.Context, state MuteState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unreachable {
		return &AdapterError{Op: "write", Err: ErrUnreachable}
	}
	m.writes++
	m.setLocked(state)
	return nil
}

// Subscribe implements Adapter.
func (m *Memory) Subscribe(ctx context.Context) (<-chan MuteState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unreachable {
		return nil, &AdapterError{Op: "subscribe", Err: ErrUnreachable}
	}

	ch := make(chan MuteState, subscriberBufferSize)
	m.subscribers[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		m.unsubscribe(ch)
	}()

	return ch, nil
}

// SetExternal changes the state as if the user toggled it in the voice
// client itself.
func (m *Memory) SetExternal(state MuteState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(state)
}

// SetReachable toggles whether Read, Write and Subscribe succeed.
func (m *Memory) SetReachable(reachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreachable = !reachable
}

// EndSession closes every subscription, as a voice client logout would.
func (m *Memory) EndSession() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for ch := range m.subscribers {
		delete(m.subscribers, ch)
		close(ch)
	}
}

// Writes returns how many Write calls succeeded.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Subscribers returns the number of open subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers)
}

// setLocked stores state and notifies subscribers if it changed.
// Must be called with mu held.
func (m *Memory) setLocked(state MuteState) {
	if m.state == state {
		return
	}
	m.state = state
	for ch := range m.subscribers {
		select {
		case ch <- state:
		default:
			// Slow subscriber, drop rather than block the writer.
		}
	}
}

func (m *Memory) unsubscribe(ch chan MuteState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subscribers[ch]; ok {
		delete(m.subscribers, ch)
		close(ch)
	}
}
