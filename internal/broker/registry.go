package broker

import "sync"

// ClientRegistry holds the broker's two client lists (text, file), each under
// its own mutex so a broadcast can copy the relevant list under lock and
// iterate outside it, without blocking new connections of the other kind.
type ClientRegistry struct {
	textMu sync.RWMutex
	text   map[string]*ClientRecord

	fileMu sync.RWMutex
	file   map[string]*ClientRecord
}

// NewClientRegistry constructs an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		text: make(map[string]*ClientRecord),
		file: make(map[string]*ClientRecord),
	}
}

// Add de-duplicates on the underlying net.Conn identity and inserts rec into
// the list matching its Kind. Returns false if the same handle was already present.
func (r *ClientRegistry) Add(rec *ClientRecord) bool {
	if rec.Kind == TextChannel {
		r.textMu.Lock()
		defer r.textMu.Unlock()
		for _, existing := range r.text {
			if existing.Conn == rec.Conn {
				return false
			}
		}
		r.text[rec.ID] = rec
		return true
	}
	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	for _, existing := range r.file {
		if existing.Conn == rec.Conn {
			return false
		}
	}
	r.file[rec.ID] = rec
	return true
}

// Remove deletes rec from its list.
func (r *ClientRegistry) Remove(rec *ClientRecord) {
	if rec.Kind == TextChannel {
		r.textMu.Lock()
		delete(r.text, rec.ID)
		r.textMu.Unlock()
		return
	}
	r.fileMu.Lock()
	delete(r.file, rec.ID)
	r.fileMu.Unlock()
}

// SnapshotText returns a copy of the current text-channel client list.
func (r *ClientRegistry) SnapshotText() []*ClientRecord {
	r.textMu.RLock()
	defer r.textMu.RUnlock()
	out := make([]*ClientRecord, 0, len(r.text))
	for _, rec := range r.text {
		out = append(out, rec)
	}
	return out
}

// SnapshotFile returns a copy of the current file-channel client list.
func (r *ClientRegistry) SnapshotFile() []*ClientRecord {
	r.fileMu.RLock()
	defer r.fileMu.RUnlock()
	out := make([]*ClientRecord, 0, len(r.file))
	for _, rec := range r.file {
		out = append(out, rec)
	}
	return out
}

// FindFileByIPPort is the pair-matching lookup that associates a text
// channel with its sibling file channel by remote endpoint.
func (r *ClientRegistry) FindFileByIPPort(ip string, port int) (*ClientRecord, bool) {
	r.fileMu.RLock()
	defer r.fileMu.RUnlock()
	for _, rec := range r.file {
		if rec.RemoteIP == ip && rec.RemotePort == port {
			return rec, true
		}
	}
	return nil, false
}

// CountText returns the number of live text clients.
func (r *ClientRegistry) CountText() int {
	r.textMu.RLock()
	defer r.textMu.RUnlock()
	return len(r.text)
}

// CountFile returns the number of live file clients.
func (r *ClientRegistry) CountFile() int {
	r.fileMu.RLock()
	defer r.fileMu.RUnlock()
	return len(r.file)
}
