package transport

import (
	"errors"
	"io"
	"net"
	"strings"
)

// IsExpectedClose reports whether err is an ordinary, expected consequence of
// a peer disconnecting or the local side shutting the socket down — these are
// silenced rather than logged as failures.
func IsExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	// net.OpError wraps "use of closed network connection" and "operation was
	// canceled" without a matching sentinel on all platforms/Go versions.
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "operation was canceled") ||
		strings.Contains(msg, "forcibly closed")
}
