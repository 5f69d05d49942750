package util

import (
	"errors"
	"io"
	"net"
	"os"
)

// DefaultBufSize is the standard buffer size for network I/O (32 KiB).
const DefaultBufSize = 32 * 1024

// IsHarmless returns true for errors that are expected while a
// connection is being torn down: end of stream, a closed socket, or a
// read/write deadline that was set to cancel a blocked call.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	// net.OpError wrapping "use of closed network connection"
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}

// CloneChunk returns a copy of p that the caller owns.  Read loops hand
// chunks to callbacks that may retain them while the pooled read
// buffer is reused.
func CloneChunk(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}
