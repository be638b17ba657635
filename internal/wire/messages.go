package wire

import (
	"encoding/binary"
	"fmt"
)

// Message is the closed sum-type interface implemented by TextMessage,
// FileMessage, and SendHistoryMessage. Deserialize must fully
// populate the receiver from body or return a non-nil error; it must never
// panic on malformed input.
type Message interface {
	Kind() Kind
	Serialize() []byte
	Deserialize(body []byte) error
}

// TextMessage carries raw UTF-8 chat text.
type TextMessage struct {
	Text string
}

func (m *TextMessage) Kind() Kind { return KindText }

func (m *TextMessage) Serialize() []byte {
	return []byte(m.Text)
}

func (m *TextMessage) Deserialize(body []byte) error {
	m.Text = string(body)
	return nil
}

// FileMessage carries a file name plus its bytes. On the wire:
// name_len:u64 | data_len:u64 | name | data, with name_len+data_len+16 == payload_len.
type FileMessage struct {
	Name string
	Data []byte
}

const fileHeaderSize = 16 // two u64 length fields

func (m *FileMessage) Kind() Kind { return KindFile }

func (m *FileMessage) Serialize() []byte {
	name := []byte(m.Name)
	buf := make([]byte, fileHeaderSize+len(name)+len(m.Data))
	binary.BigEndian.PutUint64(buf[0:8], uint64(len(name)))
	binary.BigEndian.PutUint64(buf[8:16], uint64(len(m.Data)))
	copy(buf[16:16+len(name)], name)
	copy(buf[16+len(name):], m.Data)
	return buf
}

func (m *FileMessage) Deserialize(body []byte) error {
	if len(body) < fileHeaderSize {
		return fmt.Errorf("wire: file payload too short: %d bytes", len(body))
	}
	nameLen := binary.BigEndian.Uint64(body[0:8])
	dataLen := binary.BigEndian.Uint64(body[8:16])
	rest := body[16:]
	if nameLen > uint64(len(rest)) || dataLen != uint64(len(rest))-nameLen {
		return fmt.Errorf("wire: file payload length mismatch: name_len=%d data_len=%d remaining=%d",
			nameLen, dataLen, len(rest))
	}
	m.Name = string(rest[:nameLen])
	m.Data = append([]byte(nil), rest[nameLen:]...)
	return nil
}

func (m *FileMessage) String() string {
	return fmt.Sprintf("%s (%d bytes)", m.Name, len(m.Data))
}

// SendHistoryMessage requests a history replay. It carries the requester's
// file-channel remote port in the low 16 bits of a u32, so the field stays
// 32-bit aligned on the wire.
type SendHistoryMessage struct {
	FileChannelPort uint16
}

func (m *SendHistoryMessage) Kind() Kind { return KindSendHistory }

func (m *SendHistoryMessage) Serialize() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(m.FileChannelPort))
	return buf
}

func (m *SendHistoryMessage) Deserialize(body []byte) error {
	if len(body) != 4 {
		return fmt.Errorf("wire: send_history payload must be 4 bytes, got %d", len(body))
	}
	v := binary.BigEndian.Uint32(body)
	m.FileChannelPort = uint16(v & 0xFFFF)
	return nil
}
