package peerwire

import (
	"bytes"
	"errors"

	"github.com/zeebo/bencode"
)

// ExtensionHandshakeID is the reserved extended-message id for the
// handshake itself (BEP 10); every other id is locally negotiated via the
// "m" dictionary it carries.
const ExtensionHandshakeID = 0

// ExtensionKeyMetadata is the name this crawler advertises for ut_metadata
// in the handshake's "m" dictionary.
const ExtensionKeyMetadata = "ut_metadata"

// ExtensionHandshake is the BEP 10 handshake payload.
type ExtensionHandshake struct {
	M            map[string]int64 `bencode:"m"`
	MetadataSize int64             `bencode:"metadata_size,omitempty"`
	Version      string            `bencode:"v,omitempty"`
}

// BuildExtensionHandshake renders the local handshake announcing
// ut_metadata support.
func BuildExtensionHandshake(version string) ([]byte, error) {
	return BuildExtensionHandshakeWithMetadataSize(version, 0)
}

// BuildExtensionHandshakeWithMetadataSize is BuildExtensionHandshake plus
// an advertised metadata_size, used by a side that already holds the info
// dict and wants to serve it (the fetcher's own handshake never sets
// this; test peers and any future seeding path do).
func BuildExtensionHandshakeWithMetadataSize(version string, metadataSize int) ([]byte, error) {
	hs := ExtensionHandshake{
		M:            map[string]int64{ExtensionKeyMetadata: 1},
		MetadataSize: int64(metadataSize),
		Version:      version,
	}
	var buf bytes.Buffer
	if err := bencode.NewEncoder(&buf).Encode(&hs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseExtensionHandshake decodes a peer's BEP 10 handshake payload.
func ParseExtensionHandshake(payload []byte) (*ExtensionHandshake, error) {
	var hs ExtensionHandshake
	if err := bencode.NewDecoder(bytes.NewReader(payload)).Decode(&hs); err != nil {
		return nil, err
	}
	return &hs, nil
}

// ut_metadata message types, per BEP 9.
const (
	MetadataMsgTypeRequest = 0
	MetadataMsgTypeData    = 1
	MetadataMsgTypeReject  = 2
)

// metadataMessageHeader is the bencoded dict prefix of a ut_metadata
// message; a data message has the raw piece bytes appended immediately
// after this dict, with no length prefix of its own.
type metadataMessageHeader struct {
	Type      int   `bencode:"msg_type"`
	Piece     int   `bencode:"piece"`
	TotalSize int64 `bencode:"total_size,omitempty"`
}

var ErrMalformedMetadataMessage = errors.New("peerwire: malformed ut_metadata message")

// BuildMetadataRequest renders a request for the given piece index.
func BuildMetadataRequest(piece int) ([]byte, error) {
	var buf bytes.Buffer
	err := bencode.NewEncoder(&buf).Encode(&metadataMessageHeader{Type: MetadataMsgTypeRequest, Piece: piece})
	return buf.Bytes(), err
}

// BuildMetadataData renders a data message for piece carrying data, with
// totalSize announcing the full info dict length (BEP 9).
func BuildMetadataData(piece, totalSize int, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	hdr := metadataMessageHeader{Type: MetadataMsgTypeData, Piece: piece, TotalSize: int64(totalSize)}
	if err := bencode.NewEncoder(&buf).Encode(&hdr); err != nil {
		return nil, err
	}
	buf.Write(data)
	return buf.Bytes(), nil
}

// BuildMetadataReject renders a reject message for piece.
func BuildMetadataReject(piece int) ([]byte, error) {
	var buf bytes.Buffer
	err := bencode.NewEncoder(&buf).Encode(&metadataMessageHeader{Type: MetadataMsgTypeReject, Piece: piece})
	return buf.Bytes(), err
}

// ParsedMetadataMessage is a decoded ut_metadata message: the header plus
// any trailing piece bytes (only present for Type == Data).
type ParsedMetadataMessage struct {
	Type  int
	Piece int
	Data  []byte
}

// ParseMetadataMessage splits payload into its bencoded header and the
// trailing raw piece bytes a data message carries.
func ParseMetadataMessage(payload []byte) (*ParsedMetadataMessage, error) {
	r := bytes.NewReader(payload)
	var hdr metadataMessageHeader
	if err := bencode.NewDecoder(r).Decode(&hdr); err != nil {
		return nil, ErrMalformedMetadataMessage
	}
	rest := payload[len(payload)-r.Len():]
	out := &ParsedMetadataMessage{Type: hdr.Type, Piece: hdr.Piece}
	if hdr.Type == MetadataMsgTypeData {
		out.Data = rest
	}
	return out, nil
}
