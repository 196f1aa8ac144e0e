// Package channel maintains one logical bidirectional connection from an
// agent to the relay.
//
// # Lifecycle
//
//	Idle -> Connecting -> Open -> Closed -> (delay) -> Connecting -> ...
//
// Run drives the state machine from a single goroutine. A failed dial or an
// unexpected close moves the channel to Closed, emits EventClosed, waits the
// fixed ReconnectDelay and dials again. There is no backoff growth and no
// retry limit; only cancelling the context passed to Run stops it.
//
// # Keepalive
//
// While Open, the channel issues a plain HTTP GET to HealthURL every
// KeepaliveInterval. The response is ignored. The request exists so that
// proxies and hosting platforms in front of the relay do not reap the
// connection as idle.
//
// # Sending
//
// Send is valid only while Open and returns ErrNotOpen otherwise. Nothing is
// queued; the caller decides whether a dropped frame matters.
package channel
