package broker

import (
	"net"
	"strconv"

	"github.com/google/uuid"

	"github.com/hongjun500/chatrelay/internal/transport"
)

// ChannelKind distinguishes the two TCP channels a logical client holds.
type ChannelKind int

const (
	TextChannel ChannelKind = iota
	FileChannel
)

func (k ChannelKind) String() string {
	if k == TextChannel {
		return "text"
	}
	return "file"
}

// ClientRecord is the broker's bookkeeping for one socket.
type ClientRecord struct {
	ID         string // stable key, minted once per accept; not part of the wire protocol
	Kind       ChannelKind
	Conn       net.Conn
	RemoteIP   string
	RemotePort int
	FC         *transport.FramedConnection
}

// newClientRecord derives a ClientRecord's identity from conn's remote address.
func newClientRecord(conn net.Conn, kind ChannelKind) (*ClientRecord, error) {
	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	return &ClientRecord{
		ID:         uuid.NewString(),
		Kind:       kind,
		Conn:       conn,
		RemoteIP:   host,
		RemotePort: port,
	}, nil
}
