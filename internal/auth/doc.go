// Package auth guards the relay's operator API with HS256 JWTs.
//
// # Tokens
//
// Tokens are signed with the relay's auth.jwt_secret, which must be at
// least MinSecretLength bytes. The "sub" claim names the operator and is
// only used for logging.
//
//	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
//	token, err := verifier.Generate("alice", 30*24*time.Hour)
//
// muter-relay token mints tokens from the command line.
//
// # HTTP Middleware
//
// HTTPAuthMiddleware accepts "Authorization: Bearer <token>" or, for
// websocket upgrades from a browser, an access_token query parameter.
// Failures return 401 with a JSON error body. Handlers read the subject
// with SubjectFromContext.
//
// Agent websockets are not behind the middleware: agents identify
// themselves by their voice-chat account, not by a relay token.
package auth
