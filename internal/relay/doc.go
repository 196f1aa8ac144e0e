// Package relay implements the server side of muter: agents connect over a
// websocket, operators and browsers drive them over HTTP.
//
// # Routes
//
//	GET  /api/watch/{username}/{user_id}/{avatar_id}   agent websocket
//	GET  /api/watch/setting/mute/{uuid}                observer websocket
//	POST /api/mute/{uuid}                              send "mute"
//	POST /api/unmute/{uuid}                            send "unmute"
//	GET  /api/setting/mute/{uuid}                      {"mute": bool}
//	GET  /api/watchers                                 connected agents
//	GET  /api/ok, /health                              liveness
//	GET  /health/ready                                 503 until an agent connects
//	GET  /metrics                                      Prometheus, when enabled
//
// When auth.jwt_secret is set every operator route requires a bearer token.
// The agent route and the health routes stay open.
//
// # Hub
//
// The Hub owns the agent Registry, the observer Broadcaster and a
// correlation table of outstanding queries. A query sends
// "GET SETTING MUTE <uuid>" and waits for "RESP <uuid> ..." from the same
// agent, up to relay.query_timeout. Errors map to HTTP statuses:
//
//	ErrAgentNotFound  400
//	ErrRateLimited    429
//	ErrQueryFailed    502
//	ErrQueryTimeout   504
//
// # Observers
//
// An observer first receives the agent's current state (queried, or the
// last announcement if the query fails), then every muted/unmuted
// announcement. Its socket closes when the agent disconnects.
package relay
