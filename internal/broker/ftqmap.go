package broker

import (
	"net"
	"sync"

	"github.com/hongjun500/chatrelay/internal/ftq"
)

// ftqMap maps a file client's stable ID to its FileTransferQueue. A single
// mutex protects the map; lookups are O(1).
type ftqMap struct {
	mu sync.Mutex
	m  map[string]*ftq.Queue
}

func newFTQMap() *ftqMap {
	return &ftqMap{m: make(map[string]*ftq.Queue)}
}

// GetOrCreate returns the existing queue for rec, or lazily creates one bound
// to rec's current socket.
func (fm *ftqMap) GetOrCreate(rec *ClientRecord) *ftq.Queue {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if q, ok := fm.m[rec.ID]; ok {
		return q
	}
	q := ftq.New(func() net.Conn { return rec.Conn })
	fm.m[rec.ID] = q
	return q
}

// Get returns the queue for clientID, if any.
func (fm *ftqMap) Get(clientID string) (*ftq.Queue, bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	q, ok := fm.m[clientID]
	return q, ok
}

// Drop stops and removes the queue for clientID, if present.
func (fm *ftqMap) Drop(clientID string) {
	fm.mu.Lock()
	q, ok := fm.m[clientID]
	if ok {
		delete(fm.m, clientID)
	}
	fm.mu.Unlock()
	if ok {
		q.Stop()
	}
}

// StopAll stops and removes every queue, used during broker shutdown.
func (fm *ftqMap) StopAll() {
	fm.mu.Lock()
	all := make([]*ftq.Queue, 0, len(fm.m))
	for _, q := range fm.m {
		all = append(all, q)
	}
	fm.m = make(map[string]*ftq.Queue)
	fm.mu.Unlock()
	for _, q := range all {
		q.Stop()
	}
}
