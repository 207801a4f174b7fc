// Package collector is the bounded dedup queue that receives infohashes
// observed by the DHT node's get_peers/announce_peer traffic and hands
// them to the crawler's fetch driver in FIFO order, exactly once each
// (spec.md §4.8).
package collector

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/bitscout/bitscout/internal/dht/kademlia"
)

// DefaultMaxQueueSize bounds the backlog of not-yet-fetched infohashes,
// per SPEC_FULL.md §1 (`maxQueueSize=10_000`).
const DefaultMaxQueueSize = 10_000

var (
	ErrQueueFull = errors.New("collector: queue is at capacity")
	// ErrInvalid is returned by Offer for the all-zero infohash, per
	// spec.md §4.8/§8 ("Infohash all zeros -> collector rejects
	// (Invalid)").
	ErrInvalid = errors.New("collector: invalid infohash")
)

// Collector deduplicates infohashes against an in-memory seen-set and
// feeds a bounded FIFO queue.
type Collector struct {
	maxQueue int

	mu    sync.Mutex
	seen  map[kademlia.ID]struct{}
	queue []kademlia.ID
}

// New returns an empty collector. maxQueue<=0 falls back to the default.
func New(maxQueue int) *Collector {
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueueSize
	}
	return &Collector{
		maxQueue: maxQueue,
		seen:     make(map[kademlia.ID]struct{}),
	}
}

// Offer adds ih to the queue if it is valid, has never been seen
// before, and the queue isn't at capacity. It reports whether ih was
// newly queued.
func (c *Collector) Offer(ih kademlia.ID) (queued bool, err error) {
	if !ih.Valid() {
		return false, ErrInvalid
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[ih]; ok {
		return false, nil
	}
	if len(c.queue) >= c.maxQueue {
		return false, ErrQueueFull
	}
	c.seen[ih] = struct{}{}
	c.queue = append(c.queue, ih)
	return true, nil
}

// Take pops the oldest queued infohash, if any.
func (c *Collector) Take() (kademlia.ID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return kademlia.Zero, false
	}
	ih := c.queue[0]
	c.queue = c.queue[1:]
	return ih, true
}

// QueueLen returns the number of infohashes waiting to be fetched.
func (c *Collector) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// SeenCount returns the total number of distinct infohashes ever offered.
func (c *Collector) SeenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// MarkSeen records ih as already seen without queuing it, used to restore
// the dedup set from a catalogue of already-fetched infohashes on
// startup without re-queuing work already done.
func (c *Collector) MarkSeen(ih kademlia.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[ih] = struct{}{}
}

// Save persists the seen-set as count || hash*count, matching the
// compact binary catalogue format spec.md §4.8 specifies.
func (c *Collector) Save(w io.Writer) error {
	c.mu.Lock()
	ids := make([]kademlia.ID, 0, len(c.seen))
	for id := range c.seen {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	bw := bufio.NewWriter(w)
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(ids)))
	if _, err := bw.Write(countBuf[:]); err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := bw.Write(id.Bytes()); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Load replaces the seen-set (but not the pending queue) with the
// contents of r, in the format Save writes.
func Load(r io.Reader) (*Collector, error) {
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(countBuf[:])
	c := New(DefaultMaxQueueSize)
	buf := make([]byte, kademlia.IDLength)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		id, err := kademlia.FromBytes(buf)
		if err != nil {
			return nil, err
		}
		c.seen[id] = struct{}{}
	}
	return c, nil
}
