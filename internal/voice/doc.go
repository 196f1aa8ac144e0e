// Package voice defines the contract between the agent and the voice-chat
// client that owns the microphone mute state.
//
// # Adapter
//
// An Adapter exposes three capabilities:
//
//   - Read(ctx): current mute state
//   - Write(ctx, state): set mute only, leaving device selection untouched
//   - Subscribe(ctx): a stream of state-change notifications
//
// The voice client is the single source of truth. Callers never assume a
// Write took effect until a notification (or a later Read) confirms it.
//
// # Errors
//
// Every adapter failure is reported as *AdapterError so callers can tell
// "the voice client is unreachable" apart from their own bugs:
//
//	var aerr *voice.AdapterError
//	if errors.As(err, &aerr) { ... }
//
// # Memory
//
// Memory is an in-process Adapter used by tests and by the agent's fake
// mode. SetExternal simulates a change made directly in the voice client.
package voice
