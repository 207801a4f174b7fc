// Package peerstore is the short-TTL map from infohash to the set of
// endpoints received via announce_peer (spec.md §3, §4.4).
package peerstore

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bitscout/bitscout/internal/dht/kademlia"
)

// Defaults per spec.md §3/§6.
const (
	DefaultMaxPeersPerInfoHash = 200
	DefaultPeerTTL             = 30 * time.Minute
	DefaultCleanupInterval     = 5 * time.Minute
)

// Endpoint is a stored peer address.
type Endpoint struct {
	IP   net.IP
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(e.Port))
}

type entry struct {
	ep   Endpoint
	at   time.Time
}

// Store is the per-node peer storage table.
type Store struct {
	maxPerIH int
	ttl      time.Duration

	mu   sync.Mutex
	byIH map[kademlia.ID][]entry
}

// New returns an empty store with the given per-infohash capacity and TTL.
// Zero values fall back to spec defaults.
func New(maxPerIH int, ttl time.Duration) *Store {
	if maxPerIH <= 0 {
		maxPerIH = DefaultMaxPeersPerInfoHash
	}
	if ttl <= 0 {
		ttl = DefaultPeerTTL
	}
	return &Store{maxPerIH: maxPerIH, ttl: ttl, byIH: make(map[kademlia.ID][]entry)}
}

// Store adds ep under infohash, evicting the oldest entry if the
// per-infohash set is already at capacity.
func (s *Store) Store(ih kademlia.ID, ep Endpoint) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byIH[ih]
	for i, e := range list {
		if e.ep.String() == ep.String() {
			list[i].at = now
			return
		}
	}
	if len(list) >= s.maxPerIH {
		oldest := 0
		for i := range list {
			if list[i].at.Before(list[oldest].at) {
				oldest = i
			}
		}
		list = append(list[:oldest], list[oldest+1:]...)
	}
	s.byIH[ih] = append(list, entry{ep: ep, at: now})
}

// Get returns the endpoints stored for ih. Entries past the TTL are
// still returned until the next Sweep removes them.
func (s *Store) Get(ih kademlia.ID) []Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byIH[ih]
	out := make([]Endpoint, len(list))
	for i, e := range list {
		out[i] = e.ep
	}
	return out
}

// Count returns the number of endpoints stored for ih.
func (s *Store) Count(ih kademlia.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byIH[ih])
}

// TotalPeers returns the total number of stored endpoints across all
// infohashes.
func (s *Store) TotalPeers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, list := range s.byIH {
		n += len(list)
	}
	return n
}

// InfoHashCount returns the number of distinct infohashes with at least
// one stored peer.
func (s *Store) InfoHashCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byIH)
}

// Sweep drops entries older than the store's TTL and any infohash left
// with no peers.
func (s *Store) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ih, list := range s.byIH {
		kept := list[:0]
		for _, e := range list {
			if now.Sub(e.at) < s.ttl {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.byIH, ih)
		} else {
			s.byIH[ih] = kept
		}
	}
}
