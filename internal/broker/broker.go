// Package broker implements the chat relay's server side: dual TCP
// acceptors, the client registry, the bounded history log, the broadcaster,
// and the per-file-socket FTQ map.
package broker

import (
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/hongjun500/chatrelay/internal/config"
	"github.com/hongjun500/chatrelay/internal/logging"
	"github.com/hongjun500/chatrelay/internal/observe"
	"github.com/hongjun500/chatrelay/internal/transport"
	"github.com/hongjun500/chatrelay/internal/wire"
	"go.uber.org/zap"
)

type acceptedConn struct {
	conn net.Conn
	kind ChannelKind
}

// Broker composes the acceptors, client registry, broadcaster, history log,
// and FTQ map. A Broker is single-use: call Stop() to fully release it, then
// construct a fresh one with New() to start again.
type Broker struct {
	cfg         *config.Broker
	registry    *ClientRegistry
	history     *HistoryLog
	ftqs        *ftqMap
	broadcaster *Broadcaster
	log         *zap.Logger

	textListener net.Listener
	fileListener net.Listener
	connCh       chan acceptedConn

	wg           sync.WaitGroup
	shuttingDown atomic.Bool
	stopOnce     sync.Once
	ready        chan struct{}
	readyOnce    sync.Once
}

// New constructs a Broker from cfg. Call Start to begin serving.
func New(cfg *config.Broker) *Broker {
	reg := NewClientRegistry()
	ftqs := newFTQMap()
	return &Broker{
		cfg:         cfg,
		registry:    reg,
		history:     NewHistoryLog(cfg.MaxHistory),
		ftqs:        ftqs,
		broadcaster: newBroadcaster(reg, ftqs),
		log:         logging.Named("broker"),
		connCh:      make(chan acceptedConn, 64),
		ready:       make(chan struct{}),
	}
}

// Ready is closed once both acceptors are bound, so TextAddr/FileAddr are safe to call.
func (br *Broker) Ready() <-chan struct{} { return br.ready }

// TextAddr returns the bound text-channel address. Only valid after Ready() is closed.
func (br *Broker) TextAddr() net.Addr { return br.textListener.Addr() }

// FileAddr returns the bound file-channel address. Only valid after Ready() is closed.
func (br *Broker) FileAddr() net.Addr { return br.fileListener.Addr() }

// Start binds both acceptors, launches the IO worker pool, and blocks until
// Stop has fully drained it.
func (br *Broker) Start() error {
	textAddr := fmt.Sprintf("%s:%d", br.cfg.BindIP, br.cfg.TextPort)
	fileAddr := fmt.Sprintf("%s:%d", br.cfg.BindIP, br.cfg.FilePort)

	var err error
	br.textListener, err = net.Listen("tcp", textAddr)
	if err != nil {
		return fmt.Errorf("broker: listen text channel %s: %w", textAddr, err)
	}
	br.fileListener, err = net.Listen("tcp", fileAddr)
	if err != nil {
		br.textListener.Close()
		return fmt.Errorf("broker: listen file channel %s: %w", fileAddr, err)
	}

	workers := runtime.NumCPU()
	if workers < 4 {
		workers = 4
	}
	br.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go br.ioWorker()
	}

	br.wg.Add(2)
	go br.acceptLoop(br.textListener, TextChannel)
	go br.acceptLoop(br.fileListener, FileChannel)

	br.readyOnce.Do(func() { close(br.ready) })

	br.log.Info("broker started", zap.String("text_addr", textAddr), zap.String("file_addr", fileAddr))
	br.wg.Wait()
	return nil
}

// Stop cancels both acceptors, stops every FTQ, closes every registered
// client socket, and drains the IO worker pool. Idempotent.
func (br *Broker) Stop() {
	br.stopOnce.Do(func() {
		br.shuttingDown.Store(true)
		if br.textListener != nil {
			_ = br.textListener.Close()
		}
		if br.fileListener != nil {
			_ = br.fileListener.Close()
		}
		br.ftqs.StopAll()
		for _, rec := range br.registry.SnapshotText() {
			_ = rec.Conn.Close()
		}
		for _, rec := range br.registry.SnapshotFile() {
			_ = rec.Conn.Close()
		}
		close(br.connCh)
		br.log.Info("broker stopped")
	})
}

func (br *Broker) ioWorker() {
	defer br.wg.Done()
	for ac := range br.connCh {
		br.setupClient(ac.conn, ac.kind)
	}
}

func (br *Broker) acceptLoop(l net.Listener, kind ChannelKind) {
	defer br.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if br.shuttingDown.Load() || transport.IsExpectedClose(err) {
				return
			}
			br.log.Warn("accept error", zap.String("channel", kind.String()), zap.Error(err))
			continue
		}
		select {
		case br.connCh <- acceptedConn{conn: conn, kind: kind}:
		default:
			// Pool momentarily saturated; handle inline rather than drop the
			// connection on the floor.
			br.setupClient(conn, kind)
		}
	}
}

func (br *Broker) setupClient(conn net.Conn, kind ChannelKind) {
	rec, err := newClientRecord(conn, kind)
	if err != nil {
		br.log.Warn("could not derive client identity", zap.Error(err))
		_ = conn.Close()
		return
	}
	if !br.registry.Add(rec) {
		_ = conn.Close()
		return
	}

	if kind == FileChannel {
		br.ftqs.GetOrCreate(rec)
	}

	fc := transport.NewFramedConnection(conn, wire.DefaultRegistry, br.cfg.MaxFrameBytes, func(err error) {
		br.log.Warn("frame error", zap.String("remote", rec.RemoteIP), zap.Int("port", rec.RemotePort), zap.Error(err))
	})
	rec.FC = fc

	switch kind {
	case TextChannel:
		fc.RegisterHandler(wire.KindText, br.handleText(rec))
		fc.RegisterHandler(wire.KindSendHistory, br.handleSendHistory(rec))
	case FileChannel:
		fc.RegisterHandler(wire.KindFile, br.handleFile(rec))
	}

	br.updateOnlineMetrics()
	br.log.Info("client connected",
		zap.String("channel", kind.String()), zap.String("remote", rec.RemoteIP), zap.Int("port", rec.RemotePort))

	// fc.Start() blocks for the connection's entire lifetime, so it runs on its
	// own goroutine rather than the pool worker that accepted it — otherwise a
	// handful of long-lived connections would permanently starve the pool.
	go br.runClient(rec, conn, kind, fc)
}

func (br *Broker) runClient(rec *ClientRecord, conn net.Conn, kind ChannelKind, fc *transport.FramedConnection) {
	fc.Start()

	br.registry.Remove(rec)
	_ = conn.Close()
	if kind == FileChannel {
		br.ftqs.Drop(rec.ID)
	}
	br.updateOnlineMetrics()
	br.log.Info("client disconnected",
		zap.String("channel", kind.String()), zap.String("remote", rec.RemoteIP), zap.Int("port", rec.RemotePort))
}

func (br *Broker) updateOnlineMetrics() {
	observe.SetOnlineTextClients(br.registry.CountText())
	observe.SetOnlineFileClients(br.registry.CountFile())
}
