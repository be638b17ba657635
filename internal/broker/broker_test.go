package broker

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/hongjun500/chatrelay/internal/config"
	"github.com/hongjun500/chatrelay/internal/transport"
	"github.com/hongjun500/chatrelay/internal/wire"
)

func startTestBroker(t *testing.T, maxHistory int) *Broker {
	t.Helper()
	cfg := &config.Broker{
		BindIP:        "127.0.0.1",
		TextPort:      0,
		FilePort:      0,
		MaxHistory:    maxHistory,
		MaxFrameBytes: 64 << 20,
	}
	br := New(cfg)
	go br.Start()
	select {
	case <-br.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("broker did not become ready")
	}
	t.Cleanup(br.Stop)
	return br
}

func dial(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	return conn
}

func readMessage(t *testing.T, conn net.Conn, timeout time.Duration) wire.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	h, err := wire.ReadHeader(conn)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	body := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := readFull(conn, body); err != nil {
			t.Fatalf("read body: %v", err)
		}
	}
	msg, err := wire.DefaultRegistry.Decode(h.Kind, body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func expectNoMessage(t *testing.T, conn net.Conn, timeout time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	if err == nil {
		t.Fatal("expected no message, but got data")
	}
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Fatalf("expected a read timeout, got %v", err)
	}
}

func localPort(t *testing.T, conn net.Conn) int {
	t.Helper()
	addr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("not a TCP local addr: %v", conn.LocalAddr())
	}
	return addr.Port
}

func TestTextBroadcastExcludesSender(t *testing.T) {
	br := startTestBroker(t, 100)

	a := dial(t, br.TextAddr())
	defer a.Close()
	b := dial(t, br.TextAddr())
	defer b.Close()

	time.Sleep(50 * time.Millisecond) // let the broker register both connections

	if err := transport.Send(a, &wire.TextMessage{Text: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := readMessage(t, b, 2*time.Second)
	tm, ok := got.(*wire.TextMessage)
	if !ok {
		t.Fatalf("unexpected message type %T", got)
	}
	if !strings.Contains(tm.Text, "hello") || !strings.Contains(tm.Text, "[TEXT] From") {
		t.Fatalf("unexpected broadcast text: %q", tm.Text)
	}

	expectNoMessage(t, a, 300*time.Millisecond)
}

func TestFileFanoutAndTextNotification(t *testing.T) {
	br := startTestBroker(t, 100)

	aText := dial(t, br.TextAddr())
	defer aText.Close()
	aFile := dial(t, br.FileAddr())
	defer aFile.Close()
	bFile := dial(t, br.FileAddr())
	defer bFile.Close()
	cText := dial(t, br.TextAddr())
	defer cText.Close()

	time.Sleep(50 * time.Millisecond)

	if err := transport.Send(aFile, &wire.FileMessage{Name: "report.txt", Data: []byte("contents")}); err != nil {
		t.Fatalf("send file: %v", err)
	}

	got := readMessage(t, bFile, 2*time.Second)
	fm, ok := got.(*wire.FileMessage)
	if !ok {
		t.Fatalf("unexpected message type %T", got)
	}
	if fm.Name != "report.txt" || string(fm.Data) != "contents" {
		t.Fatalf("unexpected file payload: %+v", fm)
	}

	expectNoMessage(t, aFile, 300*time.Millisecond)

	for _, textConn := range []net.Conn{aText, cText} {
		got := readMessage(t, textConn, 2*time.Second)
		tm, ok := got.(*wire.TextMessage)
		if !ok || !strings.Contains(tm.Text, "[FILE] From") {
			t.Fatalf("expected a [FILE] notification, got %+v", got)
		}
	}
}

func TestHistoryBoundKeepsMostRecent(t *testing.T) {
	const histCap = 5
	br := startTestBroker(t, histCap)

	sender := dial(t, br.TextAddr())
	defer sender.Close()
	time.Sleep(30 * time.Millisecond)

	for i := 0; i < histCap+3; i++ {
		if err := transport.Send(sender, &wire.TextMessage{Text: itoa(i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	reqText := dial(t, br.TextAddr())
	defer reqText.Close()
	reqFile := dial(t, br.FileAddr())
	defer reqFile.Close()
	time.Sleep(30 * time.Millisecond)

	port := uint16(localPort(t, reqFile))
	if err := transport.Send(reqText, &wire.SendHistoryMessage{FileChannelPort: port}); err != nil {
		t.Fatalf("send history request: %v", err)
	}

	begin := readMessage(t, reqText, 2*time.Second).(*wire.TextMessage)
	if begin.Text != "--- Begin Message History ---" {
		t.Fatalf("unexpected begin marker: %q", begin.Text)
	}

	var lines []string
	for {
		msg := readMessage(t, reqText, 2*time.Second)
		tm := msg.(*wire.TextMessage)
		if tm.Text == "--- End Message History ---" {
			break
		}
		lines = append(lines, tm.Text)
	}

	if len(lines) != histCap {
		t.Fatalf("history replay had %d lines, want %d: %v", len(lines), histCap, lines)
	}
	// The most recent `histCap` broadcasts should be i=3..i=7, in order.
	for i, line := range lines {
		want := itoa(i + 3)
		if !strings.Contains(line, want) {
			t.Fatalf("line %d = %q, want to contain %q", i, line, want)
		}
	}
}

func TestHistoryReplayIncludesFileEntry(t *testing.T) {
	br := startTestBroker(t, 100)

	aFile := dial(t, br.FileAddr())
	defer aFile.Close()
	time.Sleep(30 * time.Millisecond)

	if err := transport.Send(aFile, &wire.FileMessage{Name: "notes.txt", Data: []byte("payload")}); err != nil {
		t.Fatalf("send file: %v", err)
	}

	// Wait until the broker has logged the file (and so started its live
	// fan-out) before the requester connects; otherwise the live [FILE]
	// notification can reach reqText ahead of the replay's begin marker.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(br.history.Snapshot()) != 2 {
		time.Sleep(10 * time.Millisecond)
	}

	reqText := dial(t, br.TextAddr())
	defer reqText.Close()
	reqFile := dial(t, br.FileAddr())
	defer reqFile.Close()
	time.Sleep(30 * time.Millisecond)

	port := uint16(localPort(t, reqFile))
	if err := transport.Send(reqText, &wire.SendHistoryMessage{FileChannelPort: port}); err != nil {
		t.Fatalf("send history request: %v", err)
	}

	begin := readMessage(t, reqText, 2*time.Second).(*wire.TextMessage)
	if begin.Text != "--- Begin Message History ---" {
		t.Fatalf("unexpected begin marker: %q", begin.Text)
	}
	notice := readMessage(t, reqText, 2*time.Second).(*wire.TextMessage)
	if !strings.Contains(notice.Text, "[FILE] From") {
		t.Fatalf("expected a [FILE] notification line, got %q", notice.Text)
	}
	end := readMessage(t, reqText, 2*time.Second).(*wire.TextMessage)
	if end.Text != "--- End Message History ---" {
		t.Fatalf("unexpected end marker: %q", end.Text)
	}

	replayed := readMessage(t, reqFile, 2*time.Second)
	fm, ok := replayed.(*wire.FileMessage)
	if !ok {
		t.Fatalf("unexpected message type %T on file channel", replayed)
	}
	if fm.Name != "notes.txt" || string(fm.Data) != "payload" {
		t.Fatalf("unexpected replayed file: %+v", fm)
	}
}

func TestShortFrameEvictsOnlyThatConnection(t *testing.T) {
	br := startTestBroker(t, 100)

	bad := dial(t, br.TextAddr())
	defer bad.Close()
	good := dial(t, br.TextAddr())
	defer good.Close()
	time.Sleep(30 * time.Millisecond)

	// Header declares a 5-byte payload but the connection is closed after only
	// 2 bytes arrive: an EOF before the body completes.
	header := make([]byte, wire.HeaderSize)
	wire.EncodeHeader(header, wire.Header{Kind: wire.KindText, PayloadLen: 5})
	if _, err := bad.Write(header); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := bad.Write([]byte("hi")); err != nil {
		t.Fatalf("write short body: %v", err)
	}
	bad.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && br.registry.CountText() != 1 {
		time.Sleep(10 * time.Millisecond)
	}
	if br.registry.CountText() != 1 {
		t.Fatalf("expected the truncated connection to be evicted, registry has %d text clients", br.registry.CountText())
	}

	// The surviving connection is unaffected: it can still send and receive.
	other := dial(t, br.TextAddr())
	defer other.Close()
	time.Sleep(30 * time.Millisecond)

	if err := transport.Send(other, &wire.TextMessage{Text: "still working"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := readMessage(t, good, 2*time.Second)
	tm, ok := got.(*wire.TextMessage)
	if !ok || !strings.Contains(tm.Text, "still working") {
		t.Fatalf("unaffected connection did not receive broadcast: %+v", got)
	}
}

func itoa(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{digits[n%10]}, b...)
		n /= 10
	}
	return string(b)
}
