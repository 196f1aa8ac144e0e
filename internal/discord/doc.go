// Package discord talks to a locally running Discord client over its RPC
// IPC socket and exposes the microphone mute setting as a voice.Adapter.
//
// # Transport
//
// Discord listens on a unix socket named discord-ipc-N (N in 0..9) inside
// $XDG_RUNTIME_DIR, $TMPDIR, $TMP, $TEMP or /tmp, optionally under the
// Flatpak or Snap sandbox directories. Every frame is an 8-byte little-endian
// header (opcode, payload length) followed by a JSON payload.
//
// # Session
//
//	client, err := discord.Dial(ctx, cfg)   // handshake, waits for READY
//	id, err := client.Login(ctx)            // AUTHORIZE, token exchange, AUTHENTICATE
//	state, err := client.Read(ctx)          // GET_VOICE_SETTINGS
//	err = client.Write(ctx, voice.Muted)    // SET_VOICE_SETTINGS {"mute": true}
//	ch, err := client.Subscribe(ctx)        // VOICE_SETTINGS_UPDATE
//
// Requests carry a random nonce and are paired with their responses through
// a correlation.Table. Write only ever sends the mute field, so device
// selection and every other voice setting are left untouched.
package discord
