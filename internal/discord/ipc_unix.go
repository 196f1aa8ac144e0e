//go:build !windows

// ABOUTME: Discord IPC socket discovery on Linux and macOS.
// ABOUTME: Tries discord-ipc-{0..9} under the runtime dir, plus flatpak and snap paths.

package discord

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// ipcBaseDir returns the directory Discord places its sockets in.
func ipcBaseDir() string {
	for _, key := range []string{"XDG_RUNTIME_DIR", "TMPDIR", "TMP", "TEMP"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return "/tmp"
}

// socketCandidates lists every socket path to try, in order.
func socketCandidates(base string) []string {
	prefixes := []string{
		"",
		filepath.Join("app", "com.discordapp.Discord"),
		"snap.discord",
	}
	var paths []string
	for _, prefix := range prefixes {
		for i := 0; i < 10; i++ {
			paths = append(paths, filepath.Join(base, prefix, fmt.Sprintf("discord-ipc-%d", i)))
		}
	}
	return paths
}

func ipcCandidates() []string {
	return socketCandidates(ipcBaseDir())
}

func dialEndpoint(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}
