// Package peerwire implements the BitTorrent peer wire protocol surface
// this crawler actually needs: the handshake (BEP 3), the extension
// protocol handshake (BEP 10) and the ut_metadata messages (BEP 9) used to
// fetch an info dict without ever joining a swarm as a downloader.
package peerwire

import (
	"bytes"
	"errors"
	"io"
)

// protocolString is the fixed pstr of the BitTorrent handshake.
const protocolString = "BitTorrent protocol"

// HandshakeLen is the wire length of a complete handshake message.
const HandshakeLen = 1 + len(protocolString) + 8 + 20 + 20

// extensionProtocolBit marks BEP 10 support in the handshake's reserved
// bytes: byte 5, bit 0x10 (counting from the most significant byte).
const extensionProtocolBit = 0x10

var (
	ErrBadProtocolString = errors.New("peerwire: unexpected protocol string in handshake")
	ErrInfoHashMismatch  = errors.New("peerwire: handshake info_hash does not match the expected one")
)

// Handshake is the result of a successful BEP 3 exchange.
type Handshake struct {
	InfoHash     [20]byte
	PeerID       [20]byte
	SupportsLTEP bool
}

// reserved builds the 8 reserved bytes this crawler sends: only the
// extension-protocol bit set, since it never participates as a swarm
// member (no Fast Extension, no DHT bit — the DHT subsystem here is a
// separate UDP node, not announced via this bit).
func reserved() [8]byte {
	var r [8]byte
	r[5] = extensionProtocolBit
	return r
}

// WriteHandshake sends the local handshake for infoHash/peerID.
func WriteHandshake(w io.Writer, infoHash, peerID [20]byte) error {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(protocolString)))
	buf = append(buf, protocolString...)
	res := reserved()
	buf = append(buf, res[:]...)
	buf = append(buf, infoHash[:]...)
	buf = append(buf, peerID[:]...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates a remote handshake. If expectInfoHash
// is non-zero, the remote's info_hash must match it exactly.
func ReadHandshake(r io.Reader, expectInfoHash [20]byte) (*Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if int(buf[0]) != len(protocolString) || !bytes.Equal(buf[1:1+len(protocolString)], []byte(protocolString)) {
		return nil, ErrBadProtocolString
	}
	off := 1 + len(protocolString)
	var reservedBytes [8]byte
	copy(reservedBytes[:], buf[off:off+8])
	off += 8
	var ih [20]byte
	copy(ih[:], buf[off:off+20])
	off += 20
	var pid [20]byte
	copy(pid[:], buf[off:off+20])

	var zero [20]byte
	if expectInfoHash != zero && ih != expectInfoHash {
		return nil, ErrInfoHashMismatch
	}
	return &Handshake{
		InfoHash:     ih,
		PeerID:       pid,
		SupportsLTEP: reservedBytes[5]&extensionProtocolBit != 0,
	}, nil
}
