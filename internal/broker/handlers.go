package broker

import (
	"fmt"
	"net"

	"github.com/hongjun500/chatrelay/internal/ftq"
	"github.com/hongjun500/chatrelay/internal/transport"
	"github.com/hongjun500/chatrelay/internal/wire"
	"go.uber.org/zap"
)

// handleText broadcasts incoming text to every other text client and appends
// the formatted line to history.
func (br *Broker) handleText(rec *ClientRecord) transport.HandlerFunc {
	return func(conn net.Conn, msg wire.Message) {
		tm := msg.(*wire.TextMessage)
		line := fmt.Sprintf("[TEXT] From %s:%d: %s", rec.RemoteIP, rec.RemotePort, tm.Text)
		br.history.Append(HistoryEntry{Kind: EntryText, Line: line})
		// Fan-out must not block the sender's receive loop: a slow peer's full
		// write buffer would otherwise stall this handler, and with it the next
		// READ_HEADER on rec's own connection.
		go br.broadcaster.BroadcastText(rec, &wire.TextMessage{Text: line})
	}
}

// handleSendHistory services a history replay request on the requester's
// text channel.
func (br *Broker) handleSendHistory(rec *ClientRecord) transport.HandlerFunc {
	return func(conn net.Conn, msg wire.Message) {
		sh := msg.(*wire.SendHistoryMessage)
		br.replayHistory(rec, sh.FileChannelPort)
	}
}

// handleFile re-broadcasts an incoming file to every other file client and
// notifies all text clients, appending both a text and a file history entry
// in one critical section.
func (br *Broker) handleFile(rec *ClientRecord) transport.HandlerFunc {
	return func(conn net.Conn, msg wire.Message) {
		fm := msg.(*wire.FileMessage)
		line := fmt.Sprintf("[FILE] From %s:%d: %s", rec.RemoteIP, rec.RemotePort, fm.String())

		br.history.AppendPair(
			HistoryEntry{Kind: EntryText, Line: line},
			HistoryEntry{Kind: EntryFile, File: fm},
		)

		// rec is the sender's file-channel record; it never matches a
		// text-channel Conn, so every text client (including the sender's own
		// text peer) receives the notification. Both fan-outs run off the
		// receive loop for the same reason as handleText.
		go br.broadcaster.BroadcastText(rec, &wire.TextMessage{Text: line})
		go br.broadcaster.BroadcastFileFanout(rec, fm)
	}
}

// replayHistory replays the bounded history to requester, pairing it with
// the file channel whose remote port matches filePort.
func (br *Broker) replayHistory(requester *ClientRecord, filePort uint16) {
	fileRec, found := br.registry.FindFileByIPPort(requester.RemoteIP, int(filePort))

	var q *ftq.Queue
	if found {
		q = br.ftqs.GetOrCreate(fileRec)
	}

	send := func(text string) {
		if err := transport.Send(requester.Conn, &wire.TextMessage{Text: text}); err != nil {
			br.log.Warn("history replay: text send failed", zap.Error(err))
		}
	}

	send("--- Begin Message History ---")
	for _, e := range br.history.Snapshot() {
		switch e.Kind {
		case EntryText:
			send(e.Line)
		case EntryFile:
			if q != nil {
				q.EnqueueMessage(e.File)
			} else {
				br.log.Warn("history replay: no matching file channel for requester",
					zap.String("remote", requester.RemoteIP), zap.Uint16("file_port", filePort))
			}
		}
	}
	send("--- End Message History ---")
}
