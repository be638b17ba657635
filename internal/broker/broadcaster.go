package broker

import (
	"github.com/hongjun500/chatrelay/internal/logging"
	"github.com/hongjun500/chatrelay/internal/observe"
	"github.com/hongjun500/chatrelay/internal/transport"
	"github.com/hongjun500/chatrelay/internal/wire"
	"go.uber.org/zap"
)

// Broadcaster fans a message out to every registered peer of the relevant
// channel kind except the sender. A text peer whose write fails is removed
// from the registry and its socket closed. File fan-out only enqueues on each
// peer's FTQ and does not check the peer's socket; a dead file socket is
// removed, and its FTQ dropped, when its receive loop ends.
type Broadcaster struct {
	registry *ClientRegistry
	ftqs     *ftqMap
	log      *zap.Logger
}

func newBroadcaster(registry *ClientRegistry, ftqs *ftqMap) *Broadcaster {
	return &Broadcaster{registry: registry, ftqs: ftqs, log: logging.Named("broadcaster")}
}

// BroadcastText sends msg to every text client except sender.
func (b *Broadcaster) BroadcastText(sender *ClientRecord, msg wire.Message) {
	for _, rec := range b.registry.SnapshotText() {
		if rec.Conn == sender.Conn {
			continue
		}
		b.sendOrEvict(rec, msg)
	}
	observe.IncBroadcast("text")
}

// BroadcastFileFanout enqueues msg on every other file client's FTQ, lazily
// creating the queue if needed, excluding the sender's own file channel.
func (b *Broadcaster) BroadcastFileFanout(sender *ClientRecord, msg *wire.FileMessage) {
	for _, rec := range b.registry.SnapshotFile() {
		if rec.Conn == sender.Conn {
			continue
		}
		q := b.ftqs.GetOrCreate(rec)
		q.EnqueueMessage(msg)
	}
	observe.IncBroadcast("file")
}

func (b *Broadcaster) sendOrEvict(rec *ClientRecord, msg wire.Message) {
	if err := transport.Send(rec.Conn, msg); err != nil {
		if !transport.IsExpectedClose(err) {
			b.log.Warn("broadcast write failed, evicting client",
				zap.String("remote", rec.RemoteIP), zap.Int("port", rec.RemotePort), zap.Error(err))
		}
		b.evict(rec)
	}
}

func (b *Broadcaster) evict(rec *ClientRecord) {
	b.registry.Remove(rec)
	_ = rec.Conn.Close()
	if rec.Kind == FileChannel {
		b.ftqs.Drop(rec.ID)
	}
}
