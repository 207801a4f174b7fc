package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/bitscout/bitscout/internal/dht/kademlia"
	"github.com/bitscout/bitscout/internal/dht/routingtable"
	"github.com/bitscout/bitscout/internal/krpc"
)

func startNode(t *testing.T, self kademlia.ID) *Node {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Port = 0 // OS-assigned port, picked when Start binds the socket
	n := New(self, cfg, nil)
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

func TestPingRoundTripBetweenNodes(t *testing.T) {
	a := startNode(t, kademlia.Random())
	b := startNode(t, kademlia.Random())

	done := make(chan bool, 1)
	addr := b.conn.LocalAddr().(*net.UDPAddr)
	addr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: addr.Port}
	err := a.Ping(addr, Callbacks{
		OnResponse: func(from *net.UDPAddr, m *krpc.Message) {
			done <- m.R != nil && len(m.R.ID) == kademlia.IDLength
		},
		OnError:   func(*net.UDPAddr, *krpc.Message) { done <- false },
		OnTimeout: func() { done <- false },
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("ping did not get a valid response")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ping response")
	}
}

func TestFindNodeReturnsClosest(t *testing.T) {
	a := startNode(t, kademlia.Random())
	b := startNode(t, kademlia.Random())

	target := kademlia.Random()
	// Seed b's routing table with a handful of nodes.
	for i := 0; i < 5; i++ {
		id := kademlia.Random()
		b.Routing.Add(&routingtable.Node{ID: id, IP: net.IPv4(10, 0, 0, byte(i+1)), Port: 6881, LastSeen: time.Now()})
	}

	done := make(chan *krpc.Message, 1)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: b.conn.LocalAddr().(*net.UDPAddr).Port}
	err := a.FindNode(addr, target, Callbacks{
		OnResponse: func(from *net.UDPAddr, m *krpc.Message) { done <- m },
		OnError:    func(*net.UDPAddr, *krpc.Message) { done <- nil },
		OnTimeout:  func() { done <- nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-done:
		if m == nil || m.R == nil {
			t.Fatal("expected a response with nodes")
		}
		nodes, err := krpc.DecodeCompactNodes(m.R.Nodes)
		if err != nil {
			t.Fatalf("decoding nodes: %v", err)
		}
		if len(nodes) < 5 {
			t.Fatalf("got %d nodes, want at least the 5 seeded", len(nodes))
		}
		for i := 1; i < len(nodes); i++ {
			if kademlia.CloserTo(nodes[i].ID, nodes[i-1].ID, target) {
				t.Fatalf("nodes not in ascending distance order at index %d", i)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for find_node response")
	}
}

func TestAnnouncePeerRequiresValidToken(t *testing.T) {
	a := startNode(t, kademlia.Random())
	ih := kademlia.Random()

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: a.conn.LocalAddr().(*net.UDPAddr).Port}
	done := make(chan *krpc.Message, 1)
	err := a.AnnouncePeer(addr, ih, 6881, false, []byte("bogus-token"), Callbacks{
		OnResponse: func(*net.UDPAddr, *krpc.Message) { done <- nil },
		OnError:    func(from *net.UDPAddr, m *krpc.Message) { done <- m },
		OnTimeout:  func() { done <- nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-done:
		if m == nil || m.E == nil || m.E.Code != krpc.ErrCodeProtocol {
			t.Fatalf("expected protocol error for bad token, got %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	if a.peers.Count(ih) != 0 {
		t.Fatal("peer should not be stored under an invalid token")
	}
}
