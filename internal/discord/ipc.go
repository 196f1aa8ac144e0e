// ABOUTME: Discord IPC framing and socket discovery.
// ABOUTME: Frames are an 8-byte little-endian header followed by JSON.

package discord

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

type opcode uint32

const (
	opHandshake opcode = 0
	opFrame     opcode = 1
	opClose     opcode = 2
	opPing      opcode = 3
	opPong      opcode = 4
)

// maxPayload guards against a corrupt length prefix.
const maxPayload = 1 << 20

var errPayloadTooLarge = errors.New("ipc payload too large")

func writeFrame(w io.Writer, op opcode, payload []byte) error {
	buf := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(op))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[8:], payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) (opcode, []byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	op := opcode(binary.LittleEndian.Uint32(header[0:4]))
	n := binary.LittleEndian.Uint32(header[4:8])
	if n > maxPayload {
		return 0, nil, fmt.Errorf("%w: %d bytes", errPayloadTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return op, payload, nil
}

// DialIPC connects to the first Discord IPC endpoint that accepts: a unix
// socket on Linux and macOS, a named pipe on Windows.
func DialIPC(ctx context.Context) (net.Conn, error) {
	var lastErr error
	for _, path := range ipcCandidates() {
		conn, err := dialEndpoint(ctx, path)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no discord ipc socket found: %w", lastErr)
}
