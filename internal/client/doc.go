// Package client talks to a muter relay over its HTTP and websocket API.
//
// It is the library behind muterctl:
//
//	c := client.New("http://relay.example:8080", client.WithToken(token))
//	watchers, err := c.Watchers(ctx)
//	err = c.Mute(ctx, watchers[0].UUID)
//	setting, err := c.Status(ctx, watchers[0].UUID)
//
// Watch opens the observer websocket and streams mute states until the
// agent disconnects or ctx is cancelled.
package client
