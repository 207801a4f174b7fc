// Package krpc implements the bencoded KRPC protocol used by the Mainline
// DHT over UDP: queries, responses and errors, plus the compact node/peer
// binary encodings embedded in them.
//
// The wire format is bit-exact and compatibility-critical (spec.md §4.1,
// §6); field names and bencode tags below mirror BEP 5 exactly, following
// the same struct-with-bencode-tags idiom the teacher uses for bencoded
// documents (internal/metainfo.MetaInfo) and the shape seen in the
// yarikk/dht krpc.Msg reference implementation.
package krpc

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zeebo/bencode"
)

// Errors returned by Decode. ProtocolError in spec.md §7 is realised as
// these sentinels (wrapped with context via fmt.Errorf %w).
var (
	ErrNotADict        = errors.New("krpc: root value is not a dictionary")
	ErrMissingT        = errors.New("krpc: message missing transaction id (t)")
	ErrMissingY        = errors.New("krpc: message missing type (y)")
	ErrUnknownY        = errors.New("krpc: unknown message type (y)")
	ErrMissingQuery    = errors.New("krpc: query missing q or a")
	ErrMissingResponse = errors.New("krpc: response missing r")
	ErrMissingError    = errors.New("krpc: error missing or malformed e")
)

// Error codes per BEP 5 / spec.md §6.
const (
	ErrCodeGeneric        = 201
	ErrCodeServer         = 202
	ErrCodeProtocol       = 203
	ErrCodeMethodUnknown  = 204
)

// ErrInvalidToken is the message text paired with ErrCodeProtocol when
// announce_peer is rejected for a bad token.
const ErrInvalidToken = "Invalid Token"

// ErrMethodUnknown is the message text paired with ErrCodeMethodUnknown.
const ErrMethodUnknown = "Method Unknown"

// Query method names.
const (
	MethodPing         = "ping"
	MethodFindNode     = "find_node"
	MethodGetPeers     = "get_peers"
	MethodAnnouncePeer = "announce_peer"
)

// Message types (the "y" field).
const (
	TypeQuery    = "q"
	TypeResponse = "r"
	TypeError    = "e"
)

// Args carries every field any query might need; unused fields are left
// zero and omitted from the wire encoding via the omitempty bencode tag,
// so a ping's Args never puts a spurious info_hash/target/port/token on
// the wire — see the New* constructors for which fields each query type
// actually sets.
type Args struct {
	ID          []byte `bencode:"id"`
	InfoHash    []byte `bencode:"info_hash,omitempty"`
	Target      []byte `bencode:"target,omitempty"`
	Port        int    `bencode:"port,omitempty"`
	Token       []byte `bencode:"token,omitempty"`
	ImpliedPort int    `bencode:"implied_port,omitempty"`
}

// Return carries every field any response might need.
type Return struct {
	ID     []byte   `bencode:"id"`
	Nodes  []byte   `bencode:"nodes,omitempty"`
	Token  []byte   `bencode:"token,omitempty"`
	Values []string `bencode:"values,omitempty"`
}

// Message is a decoded KRPC message. Exactly one of Query/Response/Error
// fields is populated, selected by Y.
type Message struct {
	T string `bencode:"t"`
	Y string `bencode:"y"`

	Q string `bencode:"q,omitempty"`
	A *Args  `bencode:"a,omitempty"`

	R *Return `bencode:"r,omitempty"`

	E *KRPCError `bencode:"e,omitempty"`
}

// KRPCError is the [code, message] pair carried by error messages.
type KRPCError struct {
	Code    int
	Message string
}

// wireMessage is the struct actually (de)serialised; zeebo/bencode needs
// concrete field types to marshal E as a 2-element list.
type wireMessage struct {
	T string   `bencode:"t"`
	Y string   `bencode:"y"`
	Q string   `bencode:"q,omitempty"`
	A *Args    `bencode:"a,omitempty"`
	R *Return  `bencode:"r,omitempty"`
	E *errPair `bencode:"e,omitempty"`
}

type errPair struct {
	Code    int
	Message string
}

func (e *errPair) MarshalBencode() ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.NewEncoder(&buf).Encode([]interface{}{e.Code, e.Message}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *errPair) UnmarshalBencode(b []byte) error {
	var v []interface{}
	if err := bencode.NewDecoder(bytes.NewReader(b)).Decode(&v); err != nil {
		return err
	}
	if len(v) != 2 {
		return ErrMissingError
	}
	code, ok := v[0].(int64)
	if !ok {
		return ErrMissingError
	}
	msg, ok := v[1].(string)
	if !ok {
		return ErrMissingError
	}
	e.Code = int(code)
	e.Message = msg
	return nil
}

// Decode parses a bencoded KRPC datagram into a Message, rejecting every
// malformed shape named in spec.md §4.1.
func Decode(b []byte) (*Message, error) {
	var w wireMessage
	if err := bencode.NewDecoder(bytes.NewReader(b)).Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotADict, err)
	}
	if w.T == "" {
		return nil, ErrMissingT
	}
	switch w.Y {
	case TypeQuery:
		if w.Q == "" || w.A == nil {
			return nil, ErrMissingQuery
		}
	case TypeResponse:
		if w.R == nil {
			return nil, ErrMissingResponse
		}
	case TypeError:
		if w.E == nil {
			return nil, ErrMissingError
		}
	case "":
		return nil, ErrMissingY
	default:
		return nil, ErrUnknownY
	}
	m := &Message{T: w.T, Y: w.Y, Q: w.Q, A: w.A, R: w.R}
	if w.E != nil {
		m.E = &KRPCError{Code: w.E.Code, Message: w.E.Message}
	}
	return m, nil
}

// Encode bencodes m. It is the left inverse of Decode: for every message
// accepted by Decode, Decode(Encode(m)) == m.
func Encode(m *Message) ([]byte, error) {
	w := wireMessage{T: m.T, Y: m.Y, Q: m.Q, A: m.A, R: m.R}
	if m.E != nil {
		w.E = &errPair{Code: m.E.Code, Message: m.E.Message}
	}
	var buf bytes.Buffer
	if err := bencode.NewEncoder(&buf).Encode(&w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NewQuery builds a query message with the given method and arguments.
func NewQuery(t, method string, a *Args) *Message {
	return &Message{T: t, Y: TypeQuery, Q: method, A: a}
}

// NewResponse builds a response message.
func NewResponse(t string, r *Return) *Message {
	return &Message{T: t, Y: TypeResponse, R: r}
}

// NewError builds an error message.
func NewError(t string, code int, message string) *Message {
	return &Message{T: t, Y: TypeError, E: &KRPCError{Code: code, Message: message}}
}
