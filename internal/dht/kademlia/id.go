// Package kademlia defines the 160-bit identifier space shared by DHT node
// IDs and BitTorrent infohashes, and the XOR-distance arithmetic over it.
package kademlia

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// IDLength is the width of the identifier space in bytes (160 bits).
const IDLength = 20

// ID is an opaque 160-bit identifier. Both NodeID and InfoHash are this
// type; equality is byte-equality, ordering is lexicographic.
type ID [IDLength]byte

// Zero is the all-zero identifier. A zero ID is never valid.
var Zero ID

// Valid reports whether id is not all-zero.
func (id ID) Valid() bool {
	return id != Zero
}

// String renders id as lowercase hex, the form used on disk and in logs.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns a copy of the underlying bytes.
func (id ID) Bytes() []byte {
	b := make([]byte, IDLength)
	copy(b, id[:])
	return b
}

// FromBytes validates and copies b into an ID.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDLength {
		return id, fmt.Errorf("kademlia: id must be %d bytes, got %d", IDLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// FromHex parses a hex-encoded identifier, as found in metadata store
// filenames and the infohash catalogue dump.
func FromHex(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	return FromBytes(b)
}

// Random returns a cryptographically random identifier, used both to mint
// a node's own identity and as crawl targets.
func Random() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand failing is catastrophic and not something callers can
		// sensibly recover from; fall back to a time-seeded id would hide
		// the failure, so panic instead.
		panic("kademlia: crypto/rand unavailable: " + err.Error())
	}
	return id
}

// Distance returns a XOR b, the Kademlia distance metric, interpreted as a
// 160-bit big-endian integer for ordering purposes.
func Distance(a, b ID) ID {
	var d ID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether x is strictly closer than y to... itself as a
// distance value, i.e. whether x < y as a 160-bit big-endian integer.
func Less(x, y ID) bool {
	for i := range x {
		if x[i] != y[i] {
			return x[i] < y[i]
		}
	}
	return false
}

// CommonPrefixLen returns the number of leading bits shared by a and b,
// i.e. the position of the first differing bit, counted from the most
// significant bit. Equal IDs return IDLength*8.
func CommonPrefixLen(a, b ID) int {
	for i := 0; i < IDLength; i++ {
		x := a[i] ^ b[i]
		if x == 0 {
			continue
		}
		// Find the first set bit in x, MSB first.
		for bit := 0; bit < 8; bit++ {
			if x&(0x80>>uint(bit)) != 0 {
				return i*8 + bit
			}
		}
	}
	return IDLength * 8
}

// CloserTo reports whether a is closer than b to target.
func CloserTo(a, b, target ID) bool {
	da := Distance(a, target)
	db := Distance(b, target)
	return Less(da, db)
}
