package lookup

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/bitscout/bitscout/internal/dht/kademlia"
	"github.com/bitscout/bitscout/internal/dht/node"
	"github.com/bitscout/bitscout/internal/dht/routingtable"
	"github.com/bitscout/bitscout/internal/krpc"
	"github.com/bitscout/bitscout/internal/logger"
)

func startNode(t *testing.T, self kademlia.ID) *node.Node {
	t.Helper()
	n := node.New(self, node.DefaultConfig(), nil)
	if err := n.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n.Stop(ctx)
	})
	return n
}

func loopbackAddr(n *node.Node) *net.UDPAddr {
	addr := n.LocalAddr()
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: addr.Port}
}

// TestFindNodeLookupConverges builds a small chain of nodes: a only knows
// about b, b knows about c, and a lookup for c's id run from a must
// converge on c via b without the caller managing any hop itself.
func TestFindNodeLookupConverges(t *testing.T) {
	a := startNode(t, kademlia.Random())
	b := startNode(t, kademlia.Random())
	c := startNode(t, kademlia.Random())

	b.Routing.Add(&routingtable.Node{ID: c.Self(), IP: net.IPv4(127, 0, 0, 1), Port: loopbackAddr(c).Port, LastSeen: time.Now()})
	a.Routing.Add(&routingtable.Node{ID: b.Self(), IP: net.IPv4(127, 0, 0, 1), Port: loopbackAddr(b).Port, LastSeen: time.Now()})

	reg := NewRegistry()
	done := make(chan Result, 1)
	reg.Start(a, FindNode, c.Self(), DefaultOptions(), logger.NoopLogger{}, func(r Result) {
		done <- r
	})

	select {
	case r := <-done:
		found := false
		for _, n := range r.Nodes {
			if n.ID == c.Self() {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected lookup to discover c, got %+v", r.Nodes)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for lookup to converge")
	}
}

// TestLookupWithEmptyRoutingTableFinishesImmediately exercises the
// no-candidates path: a lookup with nothing to query must still call
// onDone exactly once rather than hang.
func TestLookupWithEmptyRoutingTableFinishesImmediately(t *testing.T) {
	a := startNode(t, kademlia.Random())
	reg := NewRegistry()
	done := make(chan Result, 1)
	reg.Start(a, FindNode, kademlia.Random(), DefaultOptions(), logger.NoopLogger{}, func(r Result) {
		done <- r
	})
	select {
	case r := <-done:
		if len(r.Nodes) != 0 {
			t.Fatalf("expected no nodes, got %+v", r.Nodes)
		}
	case <-time.After(time.Second):
		t.Fatal("onDone never fired for an empty routing table")
	}
}

// announce performs a real get_peers followed by announce_peer against to,
// the same two-step handshake a well-behaved peer does, so the test primes
// c's peer store via the actual wire protocol rather than poking it
// directly.
func announce(t *testing.T, from *node.Node, to *net.UDPAddr, ih kademlia.ID, port int) {
	t.Helper()
	tokC := make(chan []byte, 1)
	err := from.GetPeers(to, ih, node.Callbacks{
		OnResponse: func(_ *net.UDPAddr, m *krpc.Message) {
			if m.R != nil {
				tokC <- m.R.Token
				return
			}
			tokC <- nil
		},
		OnError:   func(*net.UDPAddr, *krpc.Message) { tokC <- nil },
		OnTimeout: func() { tokC <- nil },
	})
	if err != nil {
		t.Fatalf("get_peers: %v", err)
	}
	var tok []byte
	select {
	case tok = <-tokC:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for get_peers token")
	}
	if tok == nil {
		t.Fatal("expected a token from get_peers")
	}

	annDone := make(chan bool, 1)
	err = from.AnnouncePeer(to, ih, port, false, tok, node.Callbacks{
		OnResponse: func(*net.UDPAddr, *krpc.Message) { annDone <- true },
		OnError:    func(*net.UDPAddr, *krpc.Message) { annDone <- false },
		OnTimeout:  func() { annDone <- false },
	})
	if err != nil {
		t.Fatalf("announce_peer: %v", err)
	}
	select {
	case ok := <-annDone:
		if !ok {
			t.Fatal("announce_peer was rejected")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for announce_peer response")
	}
}

// TestGetPeersLookupCollectsAnnouncedPeer exercises the get_peers path end
// to end: c has a peer stored for an infohash (via a real announce), b
// only knows about c, and a lookup run from a must surface that peer.
func TestGetPeersLookupCollectsAnnouncedPeer(t *testing.T) {
	a := startNode(t, kademlia.Random())
	b := startNode(t, kademlia.Random())
	c := startNode(t, kademlia.Random())

	ih := kademlia.Random()
	announce(t, b, loopbackAddr(c), ih, 6881)

	b.Routing.Add(&routingtable.Node{ID: c.Self(), IP: net.IPv4(127, 0, 0, 1), Port: loopbackAddr(c).Port, LastSeen: time.Now()})
	a.Routing.Add(&routingtable.Node{ID: b.Self(), IP: net.IPv4(127, 0, 0, 1), Port: loopbackAddr(b).Port, LastSeen: time.Now()})

	reg := NewRegistry()
	res := make(chan Result, 1)
	reg.Start(a, GetPeers, ih, DefaultOptions(), logger.NoopLogger{}, func(r Result) { res <- r })

	select {
	case r := <-res:
		found := false
		for _, p := range r.Peers {
			if p.Port == 6881 {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected the announced peer to surface, got %+v", r.Peers)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for get_peers lookup")
	}
}
