package transport

import (
	"net"
	"testing"
	"time"

	"github.com/hongjun500/chatrelay/internal/wire"
)

func TestFramedConnectionDispatch(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	received := make(chan string, 1)
	fc := NewFramedConnection(c2, wire.DefaultRegistry, 1<<20, nil)
	fc.RegisterHandler(wire.KindText, func(conn net.Conn, msg wire.Message) {
		received <- msg.(*wire.TextMessage).Text
	})
	go fc.Start()

	if err := Send(c1, &wire.TextMessage{Text: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-received:
		if got != "hello" {
			t.Fatalf("got %q, want %q", got, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestFramedConnectionDropsBadFrameAndContinues(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	var lastErr error
	received := make(chan string, 1)
	fc := NewFramedConnection(c2, wire.DefaultRegistry, 1<<20, func(err error) { lastErr = err })
	fc.RegisterHandler(wire.KindSendHistory, func(conn net.Conn, msg wire.Message) {})
	fc.RegisterHandler(wire.KindText, func(conn net.Conn, msg wire.Message) {
		received <- msg.(*wire.TextMessage).Text
	})
	go fc.Start()

	// SendHistory payload must be exactly 4 bytes; send a malformed (1-byte) one,
	// with payload_len matching the actual bytes on the wire so the stream stays aligned.
	badFrame := make([]byte, wire.HeaderSize+1)
	wire.EncodeHeader(badFrame, wire.Header{Kind: wire.KindSendHistory, PayloadLen: 1})
	if err := WriteAll(c1, badFrame); err != nil {
		t.Fatalf("write bad frame: %v", err)
	}

	// Connection must still be usable afterward.
	if err := Send(c1, &wire.TextMessage{Text: "still alive"}); err != nil {
		t.Fatalf("send after bad frame: %v", err)
	}

	select {
	case got := <-received:
		if got != "still alive" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out; bad frame likely closed the connection")
	}

	if lastErr == nil {
		t.Fatal("expected a deserialization error to be surfaced")
	}
}
