// Package agent runs next to the voice client and keeps the relay in sync
// with its microphone mute setting.
//
// # Overview
//
// An Agent composes three things:
//
//   - a voice.Adapter that reads, writes and watches the mute setting
//   - a Link (normally a *channel.Channel) to the relay
//   - a correlation.Table of outstanding state queries
//
// # Event Loop
//
// Run is the only goroutine that touches agent state. It selects over:
//
//   - channel events: opened, closed and inbound frames
//   - adapter notifications from the current subscription
//   - results of adapter calls, which run in their own goroutines
//
// A stuck voice client therefore stalls only the call that is waiting on it.
//
// # Commands
//
//	mute                    → Adapter.Write(Muted)
//	unmute                  → Adapter.Write(Unmuted)
//	GET SETTING MUTE <id>   → Adapter.Read, then RESP <id> true|false|ERR
//
// Writes are never retried and never announced directly. The announcement
// follows from the adapter's change notification, so nothing is announced
// for a change that did not take effect.
//
// # Announcements
//
// The agent caches the last announced state. A notification that differs
// from the cache produces exactly one muted/unmuted frame. While the channel
// is closed the frame is dropped but the cache still advances, so reconnects
// never replay a backlog.
package agent
