// Package routingtable implements the Kademlia routing table: 160
// k-buckets indexed by XOR-distance prefix length, with node aging and
// LRU-ping-before-evict discipline (spec.md §3, §4.2).
package routingtable

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bitscout/bitscout/internal/dht/kademlia"
	"github.com/bitscout/bitscout/internal/logger"
)

// K is the default bucket capacity.
const K = 8

// NumBuckets is one per bit of the identifier space.
const NumBuckets = kademlia.IDLength * 8

// MaxFailedQueries is the number of consecutive query timeouts after
// which a node is no longer "good" (spec.md §3).
const MaxFailedQueries = 3

// GoodWindow is how recently a node must have answered a query to count
// as good.
const GoodWindow = 15 * time.Minute

// Node is one routing-table entry.
type Node struct {
	ID            kademlia.ID
	IP            net.IP
	Port          int
	LastSeen      time.Time
	FailedQueries uint32
}

// Good reports whether n has answered within GoodWindow and has fewer
// than MaxFailedQueries consecutive timeouts.
func (n *Node) Good(now time.Time) bool {
	return now.Sub(n.LastSeen) < GoodWindow && n.FailedQueries < MaxFailedQueries
}

// Questionable is the complement of Good for a node that hasn't yet been
// evicted.
func (n *Node) Questionable(now time.Time) bool {
	return !n.Good(now)
}

// AddResult describes the outcome of Add, per spec.md §4.2.
type AddResult int

const (
	Added AddResult = iota
	Updated
	RejectedFull
	Replaced
	RejectedSelf
)

func (r AddResult) String() string {
	switch r {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case RejectedFull:
		return "rejected_full"
	case Replaced:
		return "replaced"
	case RejectedSelf:
		return "rejected_self"
	default:
		return "unknown"
	}
}

// Pinger lets the routing table ping a bucket's LRU node before evicting
// it, without depending on the DHT node package (which depends on this
// one). The DHT node wires its own Ping implementation in.
type Pinger interface {
	Ping(n *Node) (ok bool)
}

type bucket struct {
	nodes []*Node // head = least-recently-seen, tail = most-recently-seen
}

func (b *bucket) find(id kademlia.ID) int {
	for i, n := range b.nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (b *bucket) moveToTail(i int) {
	n := b.nodes[i]
	b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
	b.nodes = append(b.nodes, n)
}

// Table is the full 160-bucket routing table owned by a single DHT node.
type Table struct {
	self   kademlia.ID
	log    logger.Logger
	pinger Pinger

	mu      sync.Mutex
	buckets [NumBuckets]bucket
}

// New returns an empty table for the given local node id.
func New(self kademlia.ID, pinger Pinger, log logger.Logger) *Table {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Table{self: self, pinger: pinger, log: log}
}

func bucketIndex(self, id kademlia.ID) int {
	return kademlia.CommonPrefixLen(self, id)
}

// Add inserts or refreshes a node, per the cases in spec.md §4.2.
func (t *Table) Add(n *Node) AddResult {
	if n.ID == t.self {
		return RejectedSelf
	}
	idx := bucketIndex(t.self, n.ID)
	t.mu.Lock()
	b := &t.buckets[idx]
	if i := b.find(n.ID); i >= 0 {
		b.nodes[i].LastSeen = n.LastSeen
		b.nodes[i].IP = n.IP
		b.nodes[i].Port = n.Port
		b.moveToTail(i)
		t.mu.Unlock()
		return Updated
	}
	if len(b.nodes) < K {
		b.nodes = append(b.nodes, n)
		t.mu.Unlock()
		return Added
	}
	// Bucket full. If any entry is not good, replace the first such one
	// outright (a cheap approximation of "questionable nodes get replaced
	// without the full LRU-ping dance"; spec.md only mandates the ping
	// path for buckets that are full of *good* nodes).
	now := time.Now()
	for i, existing := range b.nodes {
		if existing.Questionable(now) {
			b.nodes[i] = n
			t.mu.Unlock()
			return Replaced
		}
	}
	lru := b.nodes[0]
	t.mu.Unlock()

	if t.pinger != nil && t.pinger.Ping(lru) {
		t.mu.Lock()
		if i := b.find(lru.ID); i >= 0 {
			b.nodes[i].LastSeen = time.Now()
			b.moveToTail(i)
		}
		t.mu.Unlock()
		return RejectedFull
	}

	t.mu.Lock()
	if i := b.find(lru.ID); i >= 0 {
		b.nodes[i] = n
	} else if len(b.nodes) < K {
		b.nodes = append(b.nodes, n)
	}
	t.mu.Unlock()
	return Replaced
}

// RecordTimeout increments a node's failed-query counter, evicting it if
// it crosses MaxFailedQueries.
func (t *Table) RecordTimeout(id kademlia.ID) {
	idx := bucketIndex(t.self, id)
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &t.buckets[idx]
	i := b.find(id)
	if i < 0 {
		return
	}
	b.nodes[i].FailedQueries++
	if b.nodes[i].FailedQueries >= MaxFailedQueries {
		b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
	}
}

// Closest returns up to k good-or-questionable nodes ordered by ascending
// distance to target, spiralling outward from target's own bucket index
// as spec.md §4.2 describes.
func (t *Table) Closest(target kademlia.ID, k int) []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := bucketIndex(t.self, target)
	var out []*Node
	seen := 0
	out = append(out, t.buckets[idx].nodes...)
	seen += len(t.buckets[idx].nodes)
	for offset := 1; offset < NumBuckets && seen < k*3; offset++ {
		if bi := idx + offset; bi < NumBuckets {
			out = append(out, t.buckets[bi].nodes...)
			seen += len(t.buckets[bi].nodes)
		}
		if bi := idx - offset; bi >= 0 {
			out = append(out, t.buckets[bi].nodes...)
			seen += len(t.buckets[bi].nodes)
		}
	}
	sortByDistance(out, target)
	if len(out) > k {
		out = out[:k]
	}
	// Return copies so callers can't mutate table state.
	cp := make([]*Node, len(out))
	for i, n := range out {
		nc := *n
		cp[i] = &nc
	}
	return cp
}

func sortByDistance(nodes []*Node, target kademlia.ID) {
	// Simple insertion sort: bucket fan-out keeps n small (a few dozen at
	// most), and this keeps tie-breaking by insertion order stable,
	// matching spec.md §4.7's tie-breaking rule.
	for i := 1; i < len(nodes); i++ {
		j := i
		for j > 0 && kademlia.CloserTo(nodes[j].ID, nodes[j-1].ID, target) {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
			j--
		}
	}
}

// NodeCount returns the total number of nodes across all buckets.
func (t *Table) NodeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.buckets {
		n += len(t.buckets[i].nodes)
	}
	return n
}

// Self returns the table owner's id.
func (t *Table) Self() kademlia.ID { return t.self }

// persistHeader / node record layout for Save/Load: owner id, entry count,
// then per-node (id, family byte, address text length+bytes, port,
// good flag, failed-query count) as spec.md §4.2 describes.
const (
	familyIPv4 = 4
	familyIPv6 = 6
)

var errMalformedTable = errors.New("routingtable: malformed persisted table")

// Save serialises the table to w: owner id, entry count, then each node.
func (t *Table) Save(w io.Writer) error {
	t.mu.Lock()
	var nodes []*Node
	for i := range t.buckets {
		nodes = append(nodes, t.buckets[i].nodes...)
	}
	self := t.self
	t.mu.Unlock()

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(self[:]); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.BigEndian, uint32(len(nodes))); err != nil {
		return err
	}
	now := time.Now()
	for _, n := range nodes {
		if err := writeNode(bw, n, now); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeNode(w *bufio.Writer, n *Node, now time.Time) error {
	family := byte(familyIPv4)
	ipStr := n.IP.String()
	if n.IP.To4() == nil {
		family = familyIPv6
	}
	if _, err := w.Write(n.ID[:]); err != nil {
		return err
	}
	if err := w.WriteByte(family); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(ipStr))); err != nil {
		return err
	}
	if _, err := w.WriteString(ipStr); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint16(n.Port)); err != nil {
		return err
	}
	good := byte(0)
	if n.Good(now) {
		good = 1
	}
	if err := w.WriteByte(good); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, n.FailedQueries)
}

// Load rebuilds a table by replaying Add for every well-formed entry read
// from r, discarding malformed trailing entries rather than failing the
// whole load (spec.md §4.2).
func Load(r io.Reader, pinger Pinger, log logger.Logger) (*Table, error) {
	br := bufio.NewReader(r)
	var selfID kademlia.ID
	if _, err := io.ReadFull(br, selfID[:]); err != nil {
		return nil, errMalformedTable
	}
	t := New(selfID, pinger, log)

	var count uint32
	if err := binary.Read(br, binary.BigEndian, &count); err != nil {
		return nil, errMalformedTable
	}
	for i := uint32(0); i < count; i++ {
		n, err := readNode(br)
		if err != nil {
			break
		}
		t.Add(n)
	}
	return t, nil
}

func readNode(r *bufio.Reader) (*Node, error) {
	var id kademlia.ID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return nil, err
	}
	family, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	_ = family
	var ipLen uint16
	if err := binary.Read(r, binary.BigEndian, &ipLen); err != nil {
		return nil, err
	}
	ipBuf := make([]byte, ipLen)
	if _, err := io.ReadFull(r, ipBuf); err != nil {
		return nil, err
	}
	ip := net.ParseIP(string(ipBuf))
	if ip == nil {
		return nil, errMalformedTable
	}
	var port uint16
	if err := binary.Read(r, binary.BigEndian, &port); err != nil {
		return nil, err
	}
	good, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	var failed uint32
	if err := binary.Read(r, binary.BigEndian, &failed); err != nil {
		return nil, err
	}
	lastSeen := time.Now()
	if good == 0 {
		lastSeen = time.Now().Add(-GoodWindow * 2)
	}
	return &Node{ID: id, IP: ip, Port: int(port), LastSeen: lastSeen, FailedQueries: failed}, nil
}
