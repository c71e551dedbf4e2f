// Package wire defines the fixed-layout conferencing message record and
// its stream framing.
//
// Every protocol exchange is one Message: a 2132-byte record written and
// read as a whole unit over the TCP stream. Name fields are fixed-width
// and NUL-padded, never length-prefixed; readers must not assume a NUL
// terminator exists inside the buffer bound.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// NameSize is the byte width of the Source and Session fields.
	NameSize = 50

	// DataSize is the byte width of the payload field.
	DataSize = 1024

	// MessageSize is the total record size on the wire.
	// [type(4) | size(4) | source(50) | session(50) | data(1024)]
	MessageSize = 4 + 4 + NameSize + NameSize + DataSize
)

// Kind identifies the message type.
type Kind uint32

const (
	Login          Kind = 1  // client -> server: identity in Source, password in Data
	LoginAck       Kind = 2  // server -> client: login accepted
	LoginNak       Kind = 3  // server -> client: rejection reason in Data
	Logout         Kind = 4  // client -> server: graceful disconnect
	Join           Kind = 5  // client -> server: conference name in Session
	JoinAck        Kind = 6  // server -> client: echoes conference name in Session
	JoinNak        Kind = 7  // server -> client: error string in Data
	Leave          Kind = 8  // client -> server: conference name in Session
	CreateSession  Kind = 9  // client -> server: conference name in Session
	CreateAck      Kind = 10 // server -> client: echoes conference name in Session
	SessionMessage Kind = 11 // both ways: conference in Session, text in Data
	ListQuery      Kind = 12 // client -> server: no payload
	ListAck        Kind = 13 // server -> client: newline-delimited listing in Data
)

func (k Kind) String() string {
	switch k {
	case Login:
		return "LOGIN"
	case LoginAck:
		return "LOGIN_ACK"
	case LoginNak:
		return "LOGIN_NAK"
	case Logout:
		return "LOGOUT"
	case Join:
		return "JOIN"
	case JoinAck:
		return "JOIN_ACK"
	case JoinNak:
		return "JOIN_NAK"
	case Leave:
		return "LEAVE"
	case CreateSession:
		return "CREATE_SESSION"
	case CreateAck:
		return "CREATE_ACK"
	case SessionMessage:
		return "SESSION_MESSAGE"
	case ListQuery:
		return "LIST_QUERY"
	case ListAck:
		return "LIST_ACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(k))
	}
}

// Message is the fixed-size wire record.
type Message struct {
	Type    Kind           // message kind
	Size    uint32         // used length of Data
	Source  [NameSize]byte // sender identity, NUL-padded
	Session [NameSize]byte // target conference, NUL-padded
	Data    [DataSize]byte // payload, meaning depends on Type
}

// New builds a message with the given names and payload. Names longer
// than the field or payloads longer than DataSize are rejected rather
// than silently truncated.
func New(kind Kind, source, session string, data []byte) (*Message, error) {
	m := &Message{Type: kind}
	if err := m.SetSource(source); err != nil {
		return nil, err
	}
	if err := m.SetSession(session); err != nil {
		return nil, err
	}
	if err := m.SetData(data); err != nil {
		return nil, err
	}
	return m, nil
}

// SetSource stores the sender identity into the fixed Source field.
func (m *Message) SetSource(name string) error {
	return putName(&m.Source, name)
}

// SetSession stores the conference name into the fixed Session field.
func (m *Message) SetSession(name string) error {
	return putName(&m.Session, name)
}

// SetData stores the payload and updates Size.
func (m *Message) SetData(data []byte) error {
	if len(data) > DataSize {
		return fmt.Errorf("wire: payload too large: %d bytes (max %d)", len(data), DataSize)
	}
	m.Data = [DataSize]byte{}
	copy(m.Data[:], data)
	m.Size = uint32(len(data))
	return nil
}

// SourceName decodes the fixed-width Source field.
func (m *Message) SourceName() string {
	return getName(m.Source)
}

// SessionName decodes the fixed-width Session field.
func (m *Message) SessionName() string {
	return getName(m.Session)
}

// Payload returns the used portion of Data. A Size beyond the field
// bound is clamped rather than trusted.
func (m *Message) Payload() []byte {
	n := m.Size
	if n > DataSize {
		n = DataSize
	}
	return m.Data[:n]
}

// Marshal serializes the record to its fixed wire layout, big-endian.
func (m *Message) Marshal() []byte {
	buf := make([]byte, MessageSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(m.Type))
	binary.BigEndian.PutUint32(buf[4:8], m.Size)
	copy(buf[8:8+NameSize], m.Source[:])
	copy(buf[8+NameSize:8+2*NameSize], m.Session[:])
	copy(buf[8+2*NameSize:], m.Data[:])
	return buf
}

// Unmarshal parses a record from exactly MessageSize bytes.
func Unmarshal(data []byte) (*Message, error) {
	if len(data) != MessageSize {
		return nil, fmt.Errorf("wire: record must be %d bytes, got %d", MessageSize, len(data))
	}
	m := &Message{
		Type: Kind(binary.BigEndian.Uint32(data[0:4])),
		Size: binary.BigEndian.Uint32(data[4:8]),
	}
	copy(m.Source[:], data[8:8+NameSize])
	copy(m.Session[:], data[8+NameSize:8+2*NameSize])
	copy(m.Data[:], data[8+2*NameSize:])
	if m.Size > DataSize {
		return nil, fmt.Errorf("wire: size field %d exceeds payload bound %d", m.Size, DataSize)
	}
	return m, nil
}

// WriteMessage writes one whole record to a writer.
func WriteMessage(w io.Writer, m *Message) error {
	if _, err := w.Write(m.Marshal()); err != nil {
		return fmt.Errorf("wire: write record: %w", err)
	}
	return nil
}

// ReadMessage reads one whole record from a reader. A short read is a
// transport failure, never a partial message.
func ReadMessage(r io.Reader) (*Message, error) {
	buf := make([]byte, MessageSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: read record: %w", err)
	}
	return Unmarshal(buf)
}

func putName(dst *[NameSize]byte, name string) error {
	if len(name) >= NameSize {
		return fmt.Errorf("wire: name too long: %d bytes (max %d)", len(name), NameSize-1)
	}
	*dst = [NameSize]byte{}
	copy(dst[:], name)
	return nil
}

func getName(src [NameSize]byte) string {
	if i := bytes.IndexByte(src[:], 0); i >= 0 {
		return string(src[:i])
	}
	return string(src[:])
}
