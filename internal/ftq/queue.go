// Package ftq implements the File Transfer Queue: a per-file-socket
// supervised single-worker pipeline that turns enqueue calls into reliable,
// resumable, cancellable file transfers over one socket.
package ftq

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hongjun500/chatrelay/internal/logging"
	"github.com/hongjun500/chatrelay/internal/observe"
	"github.com/hongjun500/chatrelay/internal/transport"
	"github.com/hongjun500/chatrelay/internal/wire"
	"go.uber.org/zap"
)

// State is the lifecycle stage of one queue item.
type State int

const (
	Queued State = iota
	Sending
	Done
	Failed
	Canceled
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Sending:
		return "sending"
	case Done:
		return "done"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

type sourceKind int

const (
	sourcePath sourceKind = iota
	sourceBytes
	sourceMessage
)

type item struct {
	id       uint64
	kind     sourceKind
	path     string
	name     string
	data     []byte
	prebuilt *wire.FileMessage

	state     State
	retries   uint32
	lastError string
	message   *wire.FileMessage // cached built message; cleared on retry
}

// Snapshot is a deep-copied, consistent view of one item, safe to read
// without holding the queue's lock.
type Snapshot struct {
	ID        uint64
	Name      string
	State     State
	Retries   uint32
	LastError string
}

// SocketProvider returns the current transport handle for the queue's
// socket, or nil if there is none. The handle it returns may already be
// closed; the write then fails and the item ends Failed with that write
// error. The queue must never hold a strong reference to the socket itself.
type SocketProvider func() net.Conn

// Queue is one file socket's supervised transfer pipeline. It exclusively
// owns its worker goroutine and item slice.
type Queue struct {
	socketProvider SocketProvider
	log            *zap.Logger

	mu      sync.Mutex
	items   []*item
	nextID  uint64
	running bool
	paused  bool

	wake    chan struct{}
	stopCh  chan struct{}
	stopped sync.Once
	done    chan struct{}
}

// New constructs a queue bound to socketProvider and starts its worker goroutine.
func New(socketProvider SocketProvider) *Queue {
	q := &Queue{
		socketProvider: socketProvider,
		log:            logging.Named("ftq"),
		nextID:         1,
		running:        true,
		wake:           make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}
	go q.workerLoop()
	return q
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// EnqueuePath queues path for sending. Returns 0 if path does not exist or is
// not a regular file.
func (q *Queue) EnqueuePath(path string) uint64 {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0
	}
	return q.add(&item{kind: sourcePath, path: path, name: filepath.Base(path)})
}

// EnqueueBytes queues an in-memory file. Returns 0 if bytes is empty.
func (q *Queue) EnqueueBytes(name string, data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	cp := append([]byte(nil), data...)
	return q.add(&item{kind: sourceBytes, name: name, data: cp})
}

// EnqueueMessage queues a prebuilt FileMessage. Returns 0 if msg is nil.
func (q *Queue) EnqueueMessage(msg *wire.FileMessage) uint64 {
	if msg == nil {
		return 0
	}
	return q.add(&item{kind: sourceMessage, name: msg.Name, prebuilt: msg})
}

func (q *Queue) add(it *item) uint64 {
	it.state = Queued
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	it.id = id
	q.items = append(q.items, it)
	q.mu.Unlock()
	q.signal()
	return id
}

// Remove deletes id from the queue. No effect (returns false) if the item is
// currently Sending.
func (q *Queue) Remove(id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.id == id {
			if it.state == Sending {
				return false
			}
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Retry resets a found item to Queued, bumping retries and clearing any
// cached message so it is rebuilt from source.
func (q *Queue) Retry(id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.id == id {
			it.state = Queued
			it.lastError = ""
			it.retries++
			it.message = nil
			q.signalLocked()
			return true
		}
	}
	return false
}

// signalLocked is signal() usable while q.mu is already held; the wake
// channel send itself needs no lock so this is just a naming aid.
func (q *Queue) signalLocked() { q.signal() }

// Cancel marks id Canceled. If it was Sending, the queue's socket is closed
// to abort the in-flight write.
func (q *Queue) Cancel(id uint64) bool {
	q.mu.Lock()
	var found, wasSending bool
	for _, it := range q.items {
		if it.id == id {
			found = true
			wasSending = it.state == Sending
			it.state = Canceled
			if it.lastError == "" {
				it.lastError = "canceled by user"
			}
			break
		}
	}
	q.mu.Unlock()
	if !found {
		return false
	}
	if wasSending {
		q.closeSocket()
	}
	q.signal()
	return true
}

// CancelAll marks every Queued/Failed/Sending item Canceled and closes the
// socket once to abort any in-flight write.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	for _, it := range q.items {
		if it.state == Queued || it.state == Failed || it.state == Sending {
			it.state = Canceled
			if it.lastError == "" {
				it.lastError = "canceled by user"
			}
		}
	}
	q.mu.Unlock()
	q.closeSocket()
	q.signal()
}

func (q *Queue) closeSocket() {
	if sock := q.socketProvider(); sock != nil {
		_ = sock.Close()
	}
}

// Pause stops the worker from picking up new items; an in-flight item still
// runs to completion or error.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume re-enables picking up new items.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.signal()
}

// Snapshot returns a consistent, deep-copied view of every item.
func (q *Queue) Snapshot() []Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Snapshot, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, Snapshot{
			ID:        it.id,
			Name:      it.name,
			State:     it.state,
			Retries:   it.retries,
			LastError: it.lastError,
		})
	}
	return out
}

// Stop signals shutdown and joins the worker goroutine. Idempotent.
func (q *Queue) Stop() {
	q.stopped.Do(func() {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
		close(q.stopCh)
	})
	<-q.done
}

func (q *Queue) workerLoop() {
	defer close(q.done)
	for {
		it := q.waitForQueued()
		if it == nil {
			return
		}
		q.processItem(it)
		time.Sleep(20 * time.Millisecond)
	}
}

// waitForQueued blocks until the queue is running, unpaused, and has a
// Queued item, atomically flipping that item to Sending before returning it.
// Returns nil once the queue has been stopped.
func (q *Queue) waitForQueued() *item {
	for {
		q.mu.Lock()
		if !q.running {
			q.mu.Unlock()
			return nil
		}
		if !q.paused {
			for _, it := range q.items {
				if it.state == Queued {
					it.state = Sending
					it.lastError = ""
					q.mu.Unlock()
					return it
				}
			}
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.stopCh:
		}
	}
}

func (q *Queue) processItem(it *item) {
	msg, canceled := q.cachedMessage(it)
	if canceled {
		return
	}
	if msg == nil {
		built, err := q.buildMessage(it)
		if err != nil {
			q.finalizeBuildFailure(it, err)
			return
		}
		msg = built
		q.mu.Lock()
		it.message = msg
		q.mu.Unlock()
	}

	if q.isCanceled(it) {
		return
	}

	envelope := wire.EncodeEnvelope(msg)

	sock := q.socketProvider()
	if sock == nil {
		q.finalize(it, errors.New("socket not connected"))
		return
	}

	err := transport.WriteAll(sock, envelope)
	q.finalize(it, err)
}

func (q *Queue) buildMessage(it *item) (*wire.FileMessage, error) {
	switch it.kind {
	case sourcePath:
		data, err := os.ReadFile(it.path)
		if err != nil {
			return nil, err
		}
		return &wire.FileMessage{Name: filepath.Base(it.path), Data: data}, nil
	case sourceBytes:
		return &wire.FileMessage{Name: it.name, Data: it.data}, nil
	case sourceMessage:
		return it.prebuilt, nil
	default:
		return nil, errors.New("unknown file source")
	}
}

// cachedMessage returns the item's cached message (nil if not yet built) and
// whether the item has already been canceled.
func (q *Queue) cachedMessage(it *item) (*wire.FileMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return it.message, it.state == Canceled
}

func (q *Queue) isCanceled(it *item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return it.state == Canceled
}

func (q *Queue) finalizeBuildFailure(it *item, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it.state == Canceled {
		if it.lastError == "" {
			it.lastError = "canceled by user"
		}
		return
	}
	it.state = Failed
	it.lastError = err.Error()
	observe.IncFTQItem("failed")
}

// finalize applies the outcome of an attempted send to it, respecting a
// concurrent cancel.
func (q *Queue) finalize(it *item, sendErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it.state == Canceled {
		if it.lastError == "" {
			it.lastError = "canceled by user"
		}
		observe.IncFTQItem("canceled")
		return
	}

	if sendErr != nil {
		it.state = Failed
		it.lastError = sendErr.Error()
		it.retries++
		observe.IncFTQItem("failed")
		observe.IncFTQRetry()
		q.log.Warn("file send failed", zap.Uint64("id", it.id), zap.Error(sendErr))
		return
	}

	it.state = Done
	it.lastError = ""
	observe.IncFTQItem("done")
}
