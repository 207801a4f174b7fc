package crawler

import (
	"bytes"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/bitscout/bitscout/internal/dht/kademlia"
	"github.com/bitscout/bitscout/internal/dht/peerstore"
	"github.com/bitscout/bitscout/internal/peerwire"
)

// fakeMetadataPeer serves a single ut_metadata connection directly from
// infoBytes, mirroring internal/fetcher's own test double.
func fakeMetadataPeer(t *testing.T, infoHash [20]byte, infoBytes []byte) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var peerID [20]byte
		copy(peerID[:], "-FK0001-000000000000")
		if _, err := peerwire.ReadHandshake(conn, infoHash); err != nil {
			return
		}
		if err := peerwire.WriteHandshake(conn, infoHash, peerID); err != nil {
			return
		}
		ehBytes, _ := peerwire.BuildExtensionHandshakeWithMetadataSize("fakepeer/1.0", len(infoBytes))
		peerwire.WriteMessage(conn, peerwire.MessageExtended, append([]byte{peerwire.ExtensionHandshakeID}, ehBytes...))

		if _, err := peerwire.ReadMessage(conn); err != nil {
			return
		}
		for {
			msg, err := peerwire.ReadMessage(conn)
			if err != nil {
				return
			}
			if msg.ID != peerwire.MessageExtended || len(msg.Payload) == 0 {
				continue
			}
			body, err := peerwire.ParseMetadataMessage(msg.Payload[1:])
			if err != nil || body.Type != peerwire.MetadataMsgTypeRequest {
				continue
			}
			const blk = 16 * 1024
			begin := body.Piece * blk
			end := begin + blk
			if end > len(infoBytes) {
				end = len(infoBytes)
			}
			data, err := peerwire.BuildMetadataData(body.Piece, len(infoBytes), infoBytes[begin:end])
			if err != nil {
				return
			}
			peerwire.WriteMessage(conn, peerwire.MessageExtended, append([]byte{1}, data...))
			if end == len(infoBytes) {
				return
			}
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

func newTestCrawler(t *testing.T) *Crawler {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DHTPort = 0
	cfg.MetadataStorageDirectory = t.TempDir()
	cfg.TorrentFilesDirectory = ""
	cfg.InfoHashCatalogueFile = t.TempDir() + "/infohashes.dat"
	cfg.ProcessedDatabase = t.TempDir() + "/processed.db"
	cfg.MaxQueueSize = 100
	cfg.MaxStoredInfoHashes = 100
	c, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.processed.Close() })
	return c
}

func TestHandleAnnounceEnqueuesAndRunFetchPersists(t *testing.T) {
	c := newTestCrawler(t)

	info := []byte("d4:name4:test12:piece lengthi16384e6:pieces20:" + string(make([]byte, 20)) + "6:lengthi3ee")
	ih := kademlia.ID(sha1.Sum(info))

	addr := fakeMetadataPeer(t, [20]byte(ih), info)
	c.handleAnnounce(ih, peerstore.Endpoint{IP: addr.IP, Port: addr.Port})

	if c.queue.Len() != 1 {
		t.Fatalf("got queue len %d, want 1", c.queue.Len())
	}
	req, ok := c.queue.Pop()
	if !ok {
		t.Fatal("expected a queued fetch request")
	}
	c.runFetch(req)

	if !c.processed.Has(ih) {
		t.Fatal("expected infohash to be marked processed after a successful fetch")
	}
	got, err := c.store.Get(ih)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Bytes, info) {
		t.Fatal("stored metadata does not match the fetched info dict")
	}
}

func TestHandleAnnounceIgnoresAlreadyProcessed(t *testing.T) {
	c := newTestCrawler(t)
	ih := kademlia.Random()
	c.processed.Mark(ih)
	c.handleAnnounce(ih, peerstore.Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: 1})
	if c.queue.Len() != 0 {
		t.Fatal("expected an already-processed infohash to be skipped")
	}
}

func TestStatusReflectsQueueAndCounts(t *testing.T) {
	c := newTestCrawler(t)
	c.enqueueFetch(kademlia.Random(), []*net.TCPAddr{{IP: net.IPv4(127, 0, 0, 1), Port: 1}})
	s := c.Status()
	if s.QueueLength != 1 {
		t.Fatalf("got queue length %d, want 1", s.QueueLength)
	}
}

func TestRunFetchTimesOutWithUnreachablePeer(t *testing.T) {
	c := newTestCrawler(t)
	c.cfg.FetchTimeout = 200 * time.Millisecond
	ih := kademlia.Random()
	req := &fetchRequest{
		infoHash:  ih,
		endpoints: []*net.TCPAddr{{IP: net.IPv4(10, 255, 255, 1), Port: 1}},
		offeredAt: time.Now(),
	}
	c.runFetch(req)
	if c.processed.Has(ih) {
		t.Fatal("expected an unreachable peer fetch to fail, not be marked processed")
	}
}
