// Package client implements the Channel Pair Manager: the client side's two
// outbound TCP connections (text, file), their FramedConnections, the FTQ
// bound to the file socket, and the application-level send API.
package client

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/hongjun500/chatrelay/internal/config"
	"github.com/hongjun500/chatrelay/internal/ftq"
	"github.com/hongjun500/chatrelay/internal/logging"
	"github.com/hongjun500/chatrelay/internal/transport"
	"github.com/hongjun500/chatrelay/internal/wire"
	"go.uber.org/zap"
)

// TextHandler is invoked with each text line the client receives.
type TextHandler func(line string)

// Manager owns both channels of one logical client.
type Manager struct {
	cfg *config.Client
	log *zap.Logger

	textConn net.Conn
	textFC   *transport.FramedConnection

	fileMu   sync.RWMutex
	fileConn net.Conn
	fileFC   *transport.FramedConnection

	queue  *ftq.Queue
	onText TextHandler
}

// Connect dials both channels, wires their FramedConnections, and starts the
// FTQ bound to the file socket.
func Connect(cfg *config.Client, onText TextHandler) (*Manager, error) {
	textConn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", cfg.BindIP, cfg.TextPort))
	if err != nil {
		return nil, fmt.Errorf("client: dial text channel: %w", err)
	}
	fileConn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", cfg.BindIP, cfg.FilePort))
	if err != nil {
		_ = textConn.Close()
		return nil, fmt.Errorf("client: dial file channel: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		log:      logging.Named("client"),
		textConn: textConn,
		fileConn: fileConn,
		onText:   onText,
	}
	m.queue = ftq.New(m.currentFileSocket)

	m.textFC = transport.NewFramedConnection(textConn, wire.DefaultRegistry, config.DefaultMaxFrameBytes, m.onFrameError)
	m.textFC.RegisterHandler(wire.KindText, m.handleIncomingText)
	go m.textFC.Start()

	m.armFileChannel(fileConn)

	return m, nil
}

func (m *Manager) onFrameError(err error) {
	m.log.Warn("frame error", zap.Error(err))
}

func (m *Manager) armFileChannel(conn net.Conn) {
	fc := transport.NewFramedConnection(conn, wire.DefaultRegistry, config.DefaultMaxFrameBytes, m.onFrameError)
	fc.RegisterHandler(wire.KindFile, m.handleIncomingFile)
	m.fileFC = fc
	go fc.Start()
}

func (m *Manager) currentFileSocket() net.Conn {
	m.fileMu.RLock()
	defer m.fileMu.RUnlock()
	return m.fileConn
}

func (m *Manager) handleIncomingText(conn net.Conn, msg wire.Message) {
	tm := msg.(*wire.TextMessage)
	if m.onText != nil {
		m.onText(tm.Text)
	}
}

func (m *Manager) handleIncomingFile(conn net.Conn, msg wire.Message) {
	fm := msg.(*wire.FileMessage)
	dest := filepath.Join(m.cfg.SaveDir, filepath.Base(fm.Name))
	if err := os.WriteFile(dest, fm.Data, 0o644); err != nil {
		m.log.Warn("failed to save received file", zap.String("name", fm.Name), zap.Error(err))
		return
	}
	m.log.Info("received file", zap.String("name", fm.Name), zap.Int("bytes", len(fm.Data)), zap.String("saved_to", dest))
}

// SendText sends a text message on the text channel.
func (m *Manager) SendText(text string) error {
	return transport.Send(m.textConn, &wire.TextMessage{Text: text})
}

// SendFile enqueues path on the FTQ, returning the new item id (0 on error).
func (m *Manager) SendFile(path string) uint64 {
	return m.queue.EnqueuePath(path)
}

// SendHistoryRequest asks the broker to replay history, pairing this
// client's text and file channels by the file channel's local port — the
// broker sees that port as the file channel's remote port.
func (m *Manager) SendHistoryRequest() error {
	port, err := m.fileLocalPort()
	if err != nil {
		return err
	}
	return transport.Send(m.textConn, &wire.SendHistoryMessage{FileChannelPort: port})
}

func (m *Manager) fileLocalPort() (uint16, error) {
	conn := m.currentFileSocket()
	addr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("client: file socket has no TCP local address")
	}
	return uint16(addr.Port), nil
}

func (m *Manager) Pause()               { m.queue.Pause() }
func (m *Manager) Resume()              { m.queue.Resume() }
func (m *Manager) Cancel(id uint64) bool { return m.queue.Cancel(id) }
func (m *Manager) Retry(id uint64) bool  { return m.queue.Retry(id) }
func (m *Manager) Remove(id uint64) bool { return m.queue.Remove(id) }
func (m *Manager) Snapshot() []ftq.Snapshot { return m.queue.Snapshot() }

// CancelAllAndReconnectFileChannel pauses the FTQ, cancels every item
// (aborting any in-flight write by closing the socket), opens a fresh file
// socket to the same endpoint, re-arms its FramedConnection, and resumes the
// FTQ — the only safe way to keep sending after a bulk cancel.
func (m *Manager) CancelAllAndReconnectFileChannel() error {
	m.queue.Pause()
	m.queue.CancelAll()

	newConn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", m.cfg.BindIP, m.cfg.FilePort))
	if err != nil {
		return fmt.Errorf("client: reconnect file channel: %w", err)
	}

	m.fileMu.Lock()
	old := m.fileConn
	m.fileConn = newConn
	m.fileMu.Unlock()
	_ = old.Close()

	m.armFileChannel(newConn)
	m.queue.Resume()
	return nil
}

// Close stops the FTQ and closes both channels.
func (m *Manager) Close() {
	m.queue.Stop()
	_ = m.textConn.Close()
	_ = m.currentFileSocket().Close()
}
