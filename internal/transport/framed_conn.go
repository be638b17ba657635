// Package transport drives the per-connection receive state machine
// (READ_HEADER -> READ_BODY -> DISPATCH) and provides the atomic
// whole-buffer Send used by every writer.
package transport

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/hongjun500/chatrelay/internal/logging"
	"github.com/hongjun500/chatrelay/internal/wire"
	"go.uber.org/zap"
)

// HandlerFunc processes one decoded message. Handlers run on the connection's
// receive goroutine and must not block on anything but cheap local work — a
// new READ_HEADER is only armed after the handler returns.
type HandlerFunc func(conn net.Conn, msg wire.Message)

// ErrorFunc receives non-fatal framing/deserialization errors for logging.
type ErrorFunc func(err error)

// FramedConnection owns one net.Conn, decodes frames from it, and dispatches
// decoded messages to a type-keyed handler table. There must be exactly one
// FramedConnection reading a given net.Conn at a time.
type FramedConnection struct {
	conn     net.Conn
	registry *wire.Registry
	maxFrame int64
	onError  ErrorFunc
	log      *zap.Logger

	mu       sync.RWMutex
	handlers map[wire.Kind]HandlerFunc
}

// NewFramedConnection constructs a FramedConnection. maxFrame bounds a single
// envelope's payload_len; onError, if non-nil, receives every
// non-fatal frame/deserialization error.
func NewFramedConnection(conn net.Conn, registry *wire.Registry, maxFrame int64, onError ErrorFunc) *FramedConnection {
	if onError == nil {
		onError = func(error) {}
	}
	return &FramedConnection{
		conn:     conn,
		registry: registry,
		maxFrame: maxFrame,
		onError:  onError,
		log:      logging.Named("transport"),
		handlers: make(map[wire.Kind]HandlerFunc),
	}
}

// RegisterHandler installs fn for kind, overwriting any previous handler.
func (fc *FramedConnection) RegisterHandler(kind wire.Kind, fn HandlerFunc) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.handlers[kind] = fn
}

// Conn returns the underlying transport handle.
func (fc *FramedConnection) Conn() net.Conn { return fc.conn }

// Start arms READ_HEADER and runs the receive loop until a terminal error or
// EOF. It is a precondition that no other reader is active on the connection.
// Start blocks; callers run it in its own goroutine.
func (fc *FramedConnection) Start() {
	for {
		header, err := wire.ReadHeader(fc.conn)
		if err != nil {
			if !IsExpectedClose(err) {
				fc.log.Warn("transport read error", zap.Error(err), zap.String("remote", fc.remoteString()))
			}
			return
		}

		if header.PayloadLen > uint64(fc.maxFrame) {
			fc.log.Warn("frame too large, closing connection",
				zap.Uint64("payload_len", header.PayloadLen),
				zap.Int64("max_frame", fc.maxFrame))
			_ = fc.conn.Close()
			return
		}

		var body []byte
		if header.PayloadLen > 0 {
			body = make([]byte, header.PayloadLen)
			if _, err := io.ReadFull(fc.conn, body); err != nil {
				if !IsExpectedClose(err) {
					fc.log.Warn("transport short read", zap.Error(err))
				}
				return
			}
		}

		msg, err := fc.registry.Decode(header.Kind, body)
		if err != nil {
			// Deserialization failures are non-fatal: drop the frame, surface
			// the error, and arm the next READ_HEADER.
			fc.onError(fmt.Errorf("transport: dropping frame kind=%s: %w", header.Kind, err))
			continue
		}

		fc.mu.RLock()
		h, ok := fc.handlers[header.Kind]
		fc.mu.RUnlock()
		if !ok {
			fc.log.Warn("no handler registered for kind", zap.String("kind", header.Kind.String()))
			continue
		}
		h(fc.conn, msg)
	}
}

func (fc *FramedConnection) remoteString() string {
	if fc.conn == nil || fc.conn.RemoteAddr() == nil {
		return ""
	}
	return fc.conn.RemoteAddr().String()
}

// Send serializes msg and performs an atomic whole-buffer write, retrying
// partial writes until the whole frame is delivered or a terminal error
// occurs.
func Send(conn net.Conn, msg wire.Message) error {
	return WriteAll(conn, wire.EncodeEnvelope(msg))
}

// WriteAll writes buf in full, retrying short writes.
func WriteAll(conn net.Conn, buf []byte) error {
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
