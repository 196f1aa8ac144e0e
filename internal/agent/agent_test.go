// ABOUTME: Tests for the agent event loop against a fake link and adapters.
// ABOUTME: Covers commands, correlated queries, announcements and reconnects.

package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/2389/muter/internal/channel"
	"github.com/2389/muter/internal/voice"
)

// fakeLink stands in for a *channel.Channel. It flips its own open state
// before emitting the matching event, as the real channel does.
type fakeLink struct {
	events chan channel.Event

	mu     sync.Mutex
	isOpen bool
	frames []string
}

func newFakeLink() *fakeLink {
	return &fakeLink{events: make(chan channel.Event, 64)}
}

func (l *fakeLink) Events() <-chan channel.Event { return l.events }

func (l *fakeLink) Send(ctx context.Context, frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.isOpen {
		return channel.ErrNotOpen
	}
	l.frames = append(l.frames, string(frame))
	return nil
}

func (l *fakeLink) open() {
	l.mu.Lock()
	l.isOpen = true
	l.mu.Unlock()
	l.events <- channel.Event{Kind: channel.EventOpened}
}

func (l *fakeLink) close() {
	l.mu.Lock()
	l.isOpen = false
	l.mu.Unlock()
	l.events <- channel.Event{Kind: channel.EventClosed}
}

func (l *fakeLink) deliver(frame string) {
	l.events <- channel.Event{Kind: channel.EventMessage, Data: []byte(frame)}
}

func (l *fakeLink) sent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.frames...)
}

func (l *fakeLink) waitFrames(t require.TestingT, n int) []string {
	require.Eventually(t, func() bool { return len(l.sent()) >= n }, time.Second, time.Millisecond)
	return l.sent()
}

// scriptedAdapter lets a test drive notifications and block reads.
type scriptedAdapter struct {
	updates chan voice.MuteState

	mu      sync.Mutex
	state   voice.MuteState
	reads   int
	release chan struct{}
}

func (s *scriptedAdapter) Read(ctx context.Context) (voice.MuteState, error) {
	s.mu.Lock()
	s.reads++
	release := s.release
	s.mu.Unlock()

	if release != nil {
		<-release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *scriptedAdapter) Write(ctx context.Context, state voice.MuteState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	return nil
}

func (s *scriptedAdapter) Subscribe(ctx context.Context) (<-chan voice.MuteState, error) {
	return s.updates, nil
}

func start(t *testing.T, adapter voice.Adapter) (*Agent, *fakeLink) {
	t.Helper()
	link := newFakeLink()
	a := New(adapter, link, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a, link
}

func waitSubscribed(t *testing.T, m *voice.Memory, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Subscribers() == n }, time.Second, time.Millisecond)
}

func assertQuiet(t *testing.T, link *fakeLink, n int) {
	t.Helper()
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, link.sent(), n)
}

func TestAgent_MuteWhileUnmuted(t *testing.T) {
	mem := voice.NewMemory(voice.Unmuted)
	a, link := start(t, mem)

	link.open()
	waitSubscribed(t, mem, 1)

	link.deliver("mute")

	frames := link.waitFrames(t, 1)
	assert.Equal(t, []string{"muted"}, frames)
	assert.Equal(t, 1, mem.Writes())

	cached, ok := a.Cached()
	assert.True(t, ok)
	assert.Equal(t, voice.Muted, cached)

	state, err := mem.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, voice.Muted, state)

	link.deliver("unmute")
	frames = link.waitFrames(t, 2)
	assert.Equal(t, []string{"muted", "unmuted"}, frames)

	state, err = mem.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, voice.Unmuted, state)
}

func TestAgent_RepeatedCommandAnnouncesOnce(t *testing.T) {
	mem := voice.NewMemory(voice.Unmuted)
	_, link := start(t, mem)

	link.open()
	waitSubscribed(t, mem, 1)

	link.deliver("mute")
	link.waitFrames(t, 1)
	link.deliver("mute")

	require.Eventually(t, func() bool { return mem.Writes() == 2 }, time.Second, time.Millisecond)
	assertQuiet(t, link, 1)
}

func TestAgent_QueryAnswered(t *testing.T) {
	mem := voice.NewMemory(voice.Muted)
	_, link := start(t, mem)

	link.open()
	link.deliver("GET SETTING MUTE 42")

	frames := link.waitFrames(t, 1)
	assert.Equal(t, []string{"RESP 42 true"}, frames)
}

func TestAgent_QueryUnreachable(t *testing.T) {
	mem := voice.NewMemory(voice.Unmuted)
	a, link := start(t, mem)

	link.open()
	waitSubscribed(t, mem, 1)
	mem.SetReachable(false)

	link.deliver("GET SETTING MUTE 42")

	frames := link.waitFrames(t, 1)
	assert.Equal(t, []string{"RESP 42 ERR"}, frames)

	_, ok := a.Cached()
	assert.False(t, ok, "cache must not change on a failed query")
}

func TestAgent_QueryIDEchoedVerbatim(t *testing.T) {
	mem := voice.NewMemory(voice.Unmuted)
	_, link := start(t, mem)

	link.open()
	link.deliver("GET SETTING MUTE 1b4e28ba-2fa1-11d2-883f-0016d3cca427")

	frames := link.waitFrames(t, 1)
	assert.Equal(t, "RESP 1b4e28ba-2fa1-11d2-883f-0016d3cca427 false", frames[0])
}

func TestAgent_DuplicateQueryCoalesced(t *testing.T) {
	adapter := &scriptedAdapter{updates: make(chan voice.MuteState), release: make(chan struct{})}
	_, link := start(t, adapter)

	link.open()
	link.deliver("GET SETTING MUTE 7")
	link.deliver("GET SETTING MUTE 7")

	require.Eventually(t, func() bool {
		adapter.mu.Lock()
		defer adapter.mu.Unlock()
		return adapter.reads == 1
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(adapter.release)

	link.waitFrames(t, 1)
	assertQuiet(t, link, 1)

	adapter.mu.Lock()
	assert.Equal(t, 1, adapter.reads)
	adapter.mu.Unlock()
}

func TestAgent_WriteFailureNotAnnounced(t *testing.T) {
	mem := voice.NewMemory(voice.Unmuted)
	_, link := start(t, mem)

	link.open()
	waitSubscribed(t, mem, 1)
	mem.SetReachable(false)

	link.deliver("mute")
	assertQuiet(t, link, 0)
	assert.Equal(t, 0, mem.Writes())
}

func TestAgent_ExternalChangeAnnounced(t *testing.T) {
	mem := voice.NewMemory(voice.Unmuted)
	_, link := start(t, mem)

	link.open()
	waitSubscribed(t, mem, 1)

	mem.SetExternal(voice.Muted)
	assert.Equal(t, []string{"muted"}, link.waitFrames(t, 1))
}

func TestAgent_NoBacklogAfterReconnect(t *testing.T) {
	mem := voice.NewMemory(voice.Unmuted)
	a, link := start(t, mem)

	link.open()
	waitSubscribed(t, mem, 1)
	mem.SetExternal(voice.Muted)
	link.waitFrames(t, 1)

	link.close()
	mem.SetExternal(voice.Unmuted)
	require.Eventually(t, func() bool {
		s, _ := a.Cached()
		return s == voice.Unmuted
	}, time.Second, time.Millisecond)
	assertQuiet(t, link, 1)

	link.open()
	assertQuiet(t, link, 1)

	mem.SetExternal(voice.Muted)
	frames := link.waitFrames(t, 2)
	assertQuiet(t, link, 2)
	assert.Equal(t, []string{"muted", "muted"}, frames)
}

func TestAgent_ResubscribesAfterSessionEnds(t *testing.T) {
	mem := voice.NewMemory(voice.Unmuted)
	_, link := start(t, mem)

	link.open()
	waitSubscribed(t, mem, 1)

	mem.EndSession()
	waitSubscribed(t, mem, 0)
	time.Sleep(20 * time.Millisecond) // let the loop observe the closed stream

	link.close()
	link.open()
	waitSubscribed(t, mem, 1)

	mem.SetExternal(voice.Muted)
	assert.Equal(t, []string{"muted"}, link.waitFrames(t, 1))
}

func TestAgent_SubscribesOncePerSession(t *testing.T) {
	mem := voice.NewMemory(voice.Unmuted)
	_, link := start(t, mem)

	link.open()
	waitSubscribed(t, mem, 1)
	link.close()
	link.open()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, mem.Subscribers())
}

func TestAgent_IgnoresGreetingAndUnknownFrames(t *testing.T) {
	mem := voice.NewMemory(voice.Unmuted)
	_, link := start(t, mem)

	link.open()
	link.deliver("Your UUID is 0b6e1c1e-1111-4a4a-9c9c-000000000000")
	link.deliver("hello there")
	link.deliver("GET SETTING")

	assertQuiet(t, link, 0)
	assert.Equal(t, 0, mem.Writes())
}

func TestAgent_AnnouncementsMatchChanges(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		seq := rapid.SliceOf(rapid.Bool()).Draw(rt, "notifications")

		adapter := &scriptedAdapter{updates: make(chan voice.MuteState)}
		link := newFakeLink()
		a := New(adapter, link, nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = a.Run(ctx)
		}()
		defer func() {
			cancel()
			<-done
		}()

		link.open()

		want := 0
		var prev *bool
		for _, b := range seq {
			if prev == nil || *prev != b {
				want++
			}
			v := b
			prev = &v
			adapter.updates <- voice.MuteState(b)
		}

		// A final differing notification acts as a barrier: the loop has
		// finished every earlier one once this send is accepted.
		sentinel := true
		if prev != nil {
			sentinel = !*prev
		}
		adapter.updates <- voice.MuteState(sentinel)
		want++

		deadline := time.Now().Add(time.Second)
		for len(link.sent()) < want && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		frames := link.sent()
		if len(frames) != want {
			rt.Fatalf("announcements = %d, want %d (%v)", len(frames), want, frames)
		}
		for _, f := range frames {
			if f != "muted" && f != "unmuted" {
				rt.Fatalf("unexpected frame %q", f)
			}
		}
	})
}

func TestAgent_QueryAlwaysOneResponse(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		id := rapid.StringMatching(`[A-Za-z0-9-]{1,36}`).Draw(rt, "id")
		reachable := rapid.Bool().Draw(rt, "reachable")

		mem := voice.NewMemory(voice.Unmuted)
		mem.SetReachable(reachable)
		link := newFakeLink()
		a := New(mem, link, nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = a.Run(ctx)
		}()
		defer func() {
			cancel()
			<-done
		}()

		link.open()
		link.deliver("GET SETTING MUTE " + id)

		deadline := time.Now().Add(time.Second)
		for len(link.sent()) < 1 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(5 * time.Millisecond)

		frames := link.sent()
		if len(frames) != 1 {
			rt.Fatalf("frames = %v, want exactly one", frames)
		}
		if !strings.HasPrefix(frames[0], "RESP "+id+" ") {
			rt.Fatalf("frame %q does not answer %q", frames[0], id)
		}
	})
}
