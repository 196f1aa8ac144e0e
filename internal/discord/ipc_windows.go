//go:build windows

// ABOUTME: Discord IPC discovery on Windows.
// ABOUTME: The desktop client listens on named pipes \\.\pipe\discord-ipc-{0..9}.

package discord

import (
	"context"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

// socketCandidates lists every named pipe to try, in order.
func socketCandidates() []string {
	paths := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		paths = append(paths, fmt.Sprintf(`\\.\pipe\discord-ipc-%d`, i))
	}
	return paths
}

func ipcCandidates() []string {
	return socketCandidates()
}

func dialEndpoint(ctx context.Context, path string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, path)
}
