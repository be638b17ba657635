// Package wire implements the length-prefixed, type-tagged envelope protocol
// shared by the broker and client: a fixed 12-byte header (kind, payload_len)
// followed by exactly payload_len bytes of payload. All integers are
// big-endian.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Kind discriminates the envelope payload. The set is closed: Text, File,
// SendHistory. Unknown kinds cause a framing error (see transport package).
type Kind uint32

const (
	KindText        Kind = 0
	KindFile        Kind = 1
	KindSendHistory Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindFile:
		return "file"
	case KindSendHistory:
		return "send_history"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(k))
	}
}

// HeaderSize is the fixed on-wire header length: 4-byte kind + 8-byte payload_len.
const HeaderSize = 12

// Header is the decoded form of the 12-byte frame header.
type Header struct {
	Kind       Kind
	PayloadLen uint64
}

// EncodeHeader writes a 12-byte big-endian header into buf, which must be at
// least HeaderSize long.
func EncodeHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Kind))
	binary.BigEndian.PutUint64(buf[4:12], h.PayloadLen)
}

// DecodeHeader parses a 12-byte big-endian header.
func DecodeHeader(buf []byte) Header {
	return Header{
		Kind:       Kind(binary.BigEndian.Uint32(buf[0:4])),
		PayloadLen: binary.BigEndian.Uint64(buf[4:12]),
	}
}

// ReadHeader reads exactly HeaderSize bytes from r and decodes them.
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, err
	}
	return DecodeHeader(buf), nil
}

// EncodeEnvelope serializes a message into a single contiguous buffer:
// header followed immediately by its payload. Building one buffer lets the
// caller perform a single atomic whole-buffer write.
func EncodeEnvelope(m Message) []byte {
	payload := m.Serialize()
	buf := make([]byte, HeaderSize+len(payload))
	EncodeHeader(buf, Header{Kind: m.Kind(), PayloadLen: uint64(len(payload))})
	copy(buf[HeaderSize:], payload)
	return buf
}
