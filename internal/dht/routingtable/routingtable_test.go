package routingtable

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/bitscout/bitscout/internal/dht/kademlia"
)

type alwaysAnswerPinger struct{ answer bool }

func (p alwaysAnswerPinger) Ping(n *Node) bool { return p.answer }

func newNode(id kademlia.ID) *Node {
	return &Node{ID: id, IP: net.IPv4(127, 0, 0, 1), Port: 6881, LastSeen: time.Now()}
}

func TestAddRejectsSelf(t *testing.T) {
	self := kademlia.Random()
	tbl := New(self, nil, nil)
	if got := tbl.Add(newNode(self)); got != RejectedSelf {
		t.Fatalf("got %v, want RejectedSelf", got)
	}
}

func TestAddFillsBucketThenFull(t *testing.T) {
	self := kademlia.Random()
	tbl := New(self, alwaysAnswerPinger{answer: true}, nil)
	// All of these land in bucket 0 (first bit differs from self).
	var firstByte byte
	if self[0]&0x80 != 0 {
		firstByte = 0
	} else {
		firstByte = 0x80
	}
	for i := 0; i < K; i++ {
		id := self
		id[0] = firstByte
		id[19] = byte(i + 1)
		if got := tbl.Add(newNode(id)); got != Added {
			t.Fatalf("node %d: got %v, want Added", i, got)
		}
	}
	if tbl.NodeCount() != K {
		t.Fatalf("got %d nodes, want %d", tbl.NodeCount(), K)
	}
	// One more into the same bucket: pinger answers, so RejectedFull.
	overflow := self
	overflow[0] = firstByte
	overflow[19] = 99
	if got := tbl.Add(newNode(overflow)); got != RejectedFull {
		t.Fatalf("got %v, want RejectedFull", got)
	}
	if tbl.NodeCount() != K {
		t.Fatalf("bucket should not exceed K, got %d", tbl.NodeCount())
	}
}

func TestAddReplacesWhenLRUTimesOut(t *testing.T) {
	self := kademlia.Random()
	tbl := New(self, alwaysAnswerPinger{answer: false}, nil)
	var firstByte byte
	if self[0]&0x80 != 0 {
		firstByte = 0
	} else {
		firstByte = 0x80
	}
	for i := 0; i < K; i++ {
		id := self
		id[0] = firstByte
		id[19] = byte(i + 1)
		tbl.Add(newNode(id))
	}
	overflow := self
	overflow[0] = firstByte
	overflow[19] = 99
	if got := tbl.Add(newNode(overflow)); got != Replaced {
		t.Fatalf("got %v, want Replaced", got)
	}
	if tbl.NodeCount() != K {
		t.Fatalf("bucket should stay at K after replace, got %d", tbl.NodeCount())
	}
}

func TestClosestOrdersByDistance(t *testing.T) {
	self := kademlia.Random()
	tbl := New(self, nil, nil)
	var target kademlia.ID
	ids := make([]kademlia.ID, 5)
	for i := range ids {
		id := target
		id[19] = byte(i + 1) // distances 1..5 from target
		ids[i] = id
		tbl.Add(newNode(id))
	}
	closest := tbl.Closest(target, 5)
	if len(closest) != 5 {
		t.Fatalf("got %d nodes, want 5", len(closest))
	}
	for i := 0; i < len(closest)-1; i++ {
		if !kademlia.CloserTo(closest[i].ID, closest[i+1].ID, target) && closest[i].ID != closest[i+1].ID {
			t.Fatalf("not sorted by distance at %d: %v then %v", i, closest[i].ID, closest[i+1].ID)
		}
	}
}

func TestClosestOnEmptyTable(t *testing.T) {
	tbl := New(kademlia.Random(), nil, nil)
	if got := tbl.Closest(kademlia.Random(), K); len(got) != 0 {
		t.Fatalf("expected empty result, got %d", len(got))
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	self := kademlia.Random()
	tbl := New(self, nil, nil)
	for i := 0; i < 20; i++ {
		id := kademlia.Random()
		tbl.Add(newNode(id))
	}
	var buf bytes.Buffer
	if err := tbl.Save(&buf); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(&buf, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Self() != self {
		t.Fatalf("owner id mismatch")
	}
	if loaded.NodeCount() != tbl.NodeCount() {
		t.Fatalf("got %d nodes after reload, want %d", loaded.NodeCount(), tbl.NodeCount())
	}
}

func TestBucketNeverExceedsK(t *testing.T) {
	self := kademlia.Random()
	tbl := New(self, alwaysAnswerPinger{answer: true}, nil)
	for i := 0; i < 100; i++ {
		id := kademlia.Random()
		tbl.Add(newNode(id))
	}
	for i := range tbl.buckets {
		if len(tbl.buckets[i].nodes) > K {
			t.Fatalf("bucket %d has %d nodes, want <= %d", i, len(tbl.buckets[i].nodes), K)
		}
	}
}
