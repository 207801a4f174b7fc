package crawler

import (
	"net"
	"testing"
	"time"

	"github.com/bitscout/bitscout/internal/dht/kademlia"
)

func TestFetchQueuePopsOldestFirst(t *testing.T) {
	q := newFetchQueue()
	a := &fetchRequest{infoHash: kademlia.Random(), offeredAt: time.Now()}
	time.Sleep(time.Millisecond)
	b := &fetchRequest{infoHash: kademlia.Random(), offeredAt: time.Now()}

	q.Push(b)
	q.Push(a)

	got, ok := q.Pop()
	if !ok || got.infoHash != a.infoHash {
		t.Fatal("expected the older request to pop first")
	}
	got, ok = q.Pop()
	if !ok || got.infoHash != b.infoHash {
		t.Fatal("expected the newer request second")
	}
}

func TestFetchQueueRejectsDuplicateInfoHash(t *testing.T) {
	q := newFetchQueue()
	ih := kademlia.Random()
	if !q.Push(&fetchRequest{infoHash: ih, offeredAt: time.Now()}) {
		t.Fatal("expected first push to succeed")
	}
	if q.Push(&fetchRequest{infoHash: ih, offeredAt: time.Now()}) {
		t.Fatal("expected duplicate infohash push to be rejected")
	}
	if q.Len() != 1 {
		t.Fatalf("got len %d, want 1", q.Len())
	}
}

func TestFetchQueuePopBlocksThenUnblocksOnPush(t *testing.T) {
	q := newFetchQueue()
	done := make(chan *fetchRequest, 1)
	go func() {
		r, ok := q.Pop()
		if !ok {
			done <- nil
			return
		}
		done <- r
	}()

	select {
	case <-done:
		t.Fatal("Pop returned before anything was pushed")
	case <-time.After(50 * time.Millisecond):
	}

	ih := kademlia.Random()
	q.Push(&fetchRequest{infoHash: ih, endpoints: []*net.TCPAddr{{Port: 1}}, offeredAt: time.Now()})

	select {
	case r := <-done:
		if r == nil || r.infoHash != ih {
			t.Fatal("expected the pushed request to be delivered")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Push")
	}
}

func TestFetchQueueCloseUnblocksPop(t *testing.T) {
	q := newFetchQueue()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected Pop to report no item after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Close")
	}
}
