package peerwire

import (
	"encoding/binary"
	"errors"
	"io"
)

// Message IDs this crawler needs to recognize. Piece-transfer messages
// (choke/unchoke/interested/have/request/piece/cancel) are read and
// discarded unparsed: this crawler never downloads, so it only cares
// about bitfield (to skip it cheaply) and extended messages.
const (
	MessageBitfield = 5
	MessageExtended = 20
)

// MaxMessageLength bounds a single message body, guarding against a
// malicious peer claiming a multi-gigabyte length prefix.
const MaxMessageLength = 1 << 20

var ErrMessageTooLarge = errors.New("peerwire: message exceeds MaxMessageLength")

// Message is a raw, length-framed peer wire message. ID is -1 for a
// zero-length keep-alive.
type Message struct {
	ID      int
	Payload []byte
}

// ReadMessage reads one length-prefixed message, per BEP 3 framing.
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return &Message{ID: -1}, nil
	}
	if length > MaxMessageLength {
		return nil, ErrMessageTooLarge
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return &Message{ID: int(body[0]), Payload: body[1:]}, nil
}

// WriteMessage writes a length-prefixed message with the given id.
func WriteMessage(w io.Writer, id byte, payload []byte) error {
	length := uint32(1 + len(payload))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf, length)
	buf[4] = id
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}
