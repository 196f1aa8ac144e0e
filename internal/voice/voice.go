// ABOUTME: Mute state, account identity and the voice settings adapter contract.
// ABOUTME: Everything the agent needs from a voice-chat client lives behind Adapter.

package voice

import (
	"context"
	"fmt"
)

// MuteState is the microphone mute setting of the voice client.
type MuteState bool

const (
	Unmuted MuteState = false
	Muted   MuteState = true
)

// String returns the announcement spelling of the state.
func (s MuteState) String() string {
	if s {
		return "muted"
	}
	return "unmuted"
}

// Identity identifies the voice-chat account an agent represents.
// It is fixed for one login session.
type Identity struct {
	Username string
	ID       string
	Avatar   string
}

// Adapter wraps the voice client's settings API.
type Adapter interface {
	// Read returns the current mute state.
	Read(ctx context.Context) (MuteState, error)

	// Write sets the mute state. Settings other than mute are preserved by
	// omission.
	Write(ctx context.Context, state MuteState) error

	// Subscribe returns a stream of mute state notifications, delivered for
	// every change regardless of cause. The stream is closed when ctx is
	// cancelled or the login session ends; it is not restartable.
	Subscribe(ctx context.Context) (<-chan MuteState, error)
}

// AdapterError reports that the voice client could not serve a request.
type AdapterError struct {
	Op  string
	Err error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("voice adapter %s: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}
