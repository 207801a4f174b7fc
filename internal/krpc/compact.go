package krpc

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/bitscout/bitscout/internal/dht/kademlia"
)

// ErrMalformedCompact is returned when a compact nodes/peers blob is not a
// whole multiple of the per-entry width.
var ErrMalformedCompact = errors.New("krpc: malformed compact encoding")

// NodeInfo is one entry of a compact node-info list: an id plus an IPv4
// endpoint. IPv6 is not required by spec.md.
type NodeInfo struct {
	ID   kademlia.ID
	IP   net.IP
	Port int
}

// compactNodeLen is id(20) || ipv4(4) || port(2).
const compactNodeLen = kademlia.IDLength + 4 + 2

// compactPeerLen is ipv4(4) || port(2).
const compactPeerLen = 4 + 2

// EncodeCompactNodes renders nodes as id||ipv4||port per entry,
// concatenated in order.
func EncodeCompactNodes(nodes []NodeInfo) []byte {
	out := make([]byte, 0, len(nodes)*compactNodeLen)
	for _, n := range nodes {
		out = append(out, encodeOne(n)...)
	}
	return out
}

func encodeOne(n NodeInfo) []byte {
	b := make([]byte, compactNodeLen)
	copy(b, n.ID[:])
	ip4 := n.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	copy(b[kademlia.IDLength:], ip4)
	binary.BigEndian.PutUint16(b[kademlia.IDLength+4:], uint16(n.Port))
	return b
}

// DecodeCompactNodes is the inverse of EncodeCompactNodes. It rejects
// blobs whose length is not a multiple of the per-node width.
func DecodeCompactNodes(b []byte) ([]NodeInfo, error) {
	if len(b)%compactNodeLen != 0 {
		return nil, ErrMalformedCompact
	}
	n := len(b) / compactNodeLen
	out := make([]NodeInfo, n)
	for i := 0; i < n; i++ {
		off := i * compactNodeLen
		var id kademlia.ID
		copy(id[:], b[off:off+kademlia.IDLength])
		ip := make(net.IP, 4)
		copy(ip, b[off+kademlia.IDLength:off+kademlia.IDLength+4])
		port := binary.BigEndian.Uint16(b[off+kademlia.IDLength+4 : off+compactNodeLen])
		out[i] = NodeInfo{ID: id, IP: ip, Port: int(port)}
	}
	return out, nil
}

// EncodeCompactPeer renders a single peer endpoint as ipv4||port.
func EncodeCompactPeer(ip net.IP, port int) string {
	b := make([]byte, compactPeerLen)
	ip4 := ip.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	copy(b, ip4)
	binary.BigEndian.PutUint16(b[4:], uint16(port))
	return string(b)
}

// DecodeCompactPeer is the inverse of EncodeCompactPeer.
func DecodeCompactPeer(s string) (net.IP, int, error) {
	if len(s) != compactPeerLen {
		return nil, 0, ErrMalformedCompact
	}
	b := []byte(s)
	ip := make(net.IP, 4)
	copy(ip, b[:4])
	port := binary.BigEndian.Uint16(b[4:])
	return ip, int(port), nil
}
