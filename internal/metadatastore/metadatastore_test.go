package metadatastore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitscout/bitscout/internal/dht/kademlia"
	"github.com/bitscout/bitscout/internal/metainfo"
)

func mustInfo(t *testing.T) *metainfo.Info {
	t.Helper()
	raw := []byte("d4:name4:test12:piece lengthi16384e6:pieces20:" + string(make([]byte, 20)) + "6:lengthi1ee")
	info, err := metainfo.NewInfo(raw)
	if err != nil {
		t.Fatal(err)
	}
	return info
}

func TestAddAndGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	id := kademlia.Random()
	info := mustInfo(t)
	if err := s.Add(id, info, nil, 0); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Bytes, info.Bytes) {
		t.Fatal("round-tripped info bytes differ")
	}
	if !s.Has(id) {
		t.Fatal("expected Has to report true")
	}
}

func TestAddRejectedAtIndexCapacityWithNoDiskWrite(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	info := mustInfo(t)
	a, b, c := kademlia.Random(), kademlia.Random(), kademlia.Random()
	if err := s.Add(a, info, nil, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(b, info, nil, 0); err != nil {
		t.Fatal(err)
	}
	// touch a; a third add must still be rejected since nothing already
	// on disk is ever evicted to make room (spec.md §8 boundary).
	if _, err := s.Get(a); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(c, info, nil, 0); err != ErrCapacity {
		t.Fatalf("got %v, want ErrCapacity", err)
	}
	if s.Has(c) {
		t.Fatal("expected c to not be stored")
	}
	if _, err := os.Stat(filepath.Join(dir, c.String()+".metadata")); !os.IsNotExist(err) {
		t.Fatal("expected no disk write for a rejected add")
	}
	if !s.Has(a) || !s.Has(b) {
		t.Fatal("expected a and b to remain untouched by the rejected add")
	}
	if s.Count() != 2 {
		t.Fatalf("got count %d, want 2", s.Count())
	}

	// a subsequent get still returns a's bytes even after the rejected
	// add, matching Testable Property #6.
	got, err := s.Get(a)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Bytes, info.Bytes) {
		t.Fatal("a's bytes changed after a rejected add")
	}
}

func TestInMemoryCacheEvictsWithoutDeletingDiskFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewWithCacheLimits(dir, "", 10, 1, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	info := mustInfo(t)
	a, b := kademlia.Random(), kademlia.Random()
	if err := s.Add(a, info, nil, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(b, info, nil, 0); err != nil {
		t.Fatal(err)
	}
	// maxLoadItems=1: adding b must have evicted a from the in-memory
	// cache, but a's file and index entry must still be there.
	if s.memOrder.Len() != 1 {
		t.Fatalf("got %d resident entries, want 1", s.memOrder.Len())
	}
	if !s.Has(a) {
		t.Fatal("expected a to remain in the known-infohash index after a memory-only eviction")
	}
	got, err := s.Get(a)
	if err != nil {
		t.Fatalf("expected a to still be loadable from disk: %v", err)
	}
	if !bytes.Equal(got.Bytes, info.Bytes) {
		t.Fatal("a's bytes differ after reloading from disk")
	}
}

func TestLoadIndexPicksUpExistingFiles(t *testing.T) {
	dir := t.TempDir()
	s1, err := New(dir, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	id := kademlia.Random()
	s1.Add(id, mustInfo(t), nil, 0)

	s2, err := New(dir, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if !s2.Has(id) {
		t.Fatal("expected a fresh Store to discover the existing metadata file")
	}
}

func TestAddWritesTorrentFileWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	tdir := t.TempDir()
	s, err := New(dir, tdir, 10)
	if err != nil {
		t.Fatal(err)
	}
	id := kademlia.Random()
	opts := &TorrentFileOptions{AnnounceURL: "http://example.com/announce", CreatedBy: "bitscout"}
	if err := s.Add(id, mustInfo(t), opts, 1700000000); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(tdir, id.String()+".torrent")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected a .torrent file at %s: %v", path, err)
	}
	mi, err := metainfo.New(bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	if mi.Announce != opts.AnnounceURL {
		t.Fatalf("got announce %q", mi.Announce)
	}
}

func TestRemoveDeletesFilesAndIndexEntry(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	id := kademlia.Random()
	s.Add(id, mustInfo(t), nil, 0)
	s.Remove(id)
	if s.Has(id) {
		t.Fatal("expected entry to be gone after Remove")
	}
	if _, err := s.Get(id); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
