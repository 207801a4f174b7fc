// Package metadatastore persists fetched info dicts to disk: one
// `<hex>.metadata` file per infohash (a little-endian u32 length prefix
// followed by the raw bencoded info dict, spec.md §4.10 / §9) plus an
// optional `<hex>.torrent` file. A known-infohash index tracks every
// `.metadata` file on disk and is never pruned except by explicit
// Remove; a separate, bounded in-memory LRU caches the bytes of the
// entries actually in use, per spec.md §4.10's memory discipline.
package metadatastore

import (
	"container/list"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bitscout/bitscout/internal/dht/kademlia"
	"github.com/bitscout/bitscout/internal/metainfo"
)

var (
	ErrNotFound  = errors.New("metadatastore: infohash not found")
	ErrDiskWrite = errors.New("metadatastore: failed to persist to disk")
	// ErrCapacity is returned by Add when the known-infohash index is
	// already at maxItems; spec.md §8's boundary behaviour is "further
	// add returns false with no disk write", realised here as an error
	// rather than a bool since Add already returns error.
	ErrCapacity = errors.New("metadatastore: known-infohash index at capacity")
)

// DefaultMaxStoredInfoHashes caps the number of entries kept, per
// SPEC_FULL.md §1 (`maxStoredInfoHashes=1_000_000`, i.e. spec.md §6's
// `maxMetadataItems`). Tests use a much smaller cap.
const DefaultMaxStoredInfoHashes = 1_000_000

// DefaultMaxLoadItems bounds how many entries are resident in memory at
// once (spec.md §6's `maxLoadItems`) when the caller doesn't say
// otherwise.
const DefaultMaxLoadItems = 10_000

// TorrentFileOptions configures the optional `.torrent` file a successful
// fetch may also produce (SPEC_FULL.md §4.12).
type TorrentFileOptions struct {
	AnnounceURL  string
	AnnounceList [][]string
	CreatedBy    string
	Comment      string
}

// memEntry is one in-memory cache slot: a loaded info dict plus the byte
// count it was charged against maxMemoryBytes.
type memEntry struct {
	id   kademlia.ID
	info *metainfo.Info
	size int64
}

// Store is the on-disk metadata catalogue (the known-infohash index)
// plus a bounded in-memory LRU cache of loaded info dicts.
type Store struct {
	dir        string
	torrentDir string
	maxItems   int // known-infohash index cap (maxMetadataItems)

	maxLoadItems   int   // in-memory cache cap by entry count (maxLoadItems)
	maxMemoryBytes int64 // in-memory cache cap by bytes (maxMemoryUsageMB), 0 = no byte cap
	eagerLoad      bool  // warm the cache with the newest entries at startup

	mu    sync.Mutex
	order *list.List // known-infohash index; front = most recently touched
	elem  map[kademlia.ID]*list.Element

	memOrder *list.List // in-memory LRU cache; front = most recently used
	memElem  map[kademlia.ID]*list.Element
	memBytes int64
}

// New returns a store rooted at dir (created if missing), with a
// generous default in-memory cache and on-demand loading. If torrentDir
// is non-empty, Add also writes a `.torrent` file there when given
// TorrentFileOptions.
func New(dir, torrentDir string, maxItems int) (*Store, error) {
	return NewWithCacheLimits(dir, torrentDir, maxItems, DefaultMaxLoadItems, 0, true)
}

// NewWithCacheLimits is New plus explicit control over the in-memory
// cache: maxLoadItems bounds resident entry count, maxMemoryUsageMB
// bounds resident bytes (0 = no byte cap), and loadOnDemand, when false,
// eagerly warms the cache with the newest maxLoadItems entries at
// startup instead of deferring every load (spec.md §6's
// `loadMetadataOnDemand`).
func NewWithCacheLimits(dir, torrentDir string, maxItems, maxLoadItems, maxMemoryUsageMB int, loadOnDemand bool) (*Store, error) {
	if maxItems <= 0 {
		maxItems = DefaultMaxStoredInfoHashes
	}
	if maxLoadItems <= 0 {
		maxLoadItems = DefaultMaxLoadItems
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("metadatastore: %w", err)
	}
	if torrentDir != "" {
		if err := os.MkdirAll(torrentDir, 0750); err != nil {
			return nil, fmt.Errorf("metadatastore: %w", err)
		}
	}
	s := &Store{
		dir:            dir,
		torrentDir:     torrentDir,
		maxItems:       maxItems,
		maxLoadItems:   maxLoadItems,
		maxMemoryBytes: int64(maxMemoryUsageMB) << 20,
		eagerLoad:      !loadOnDemand,
		order:          list.New(),
		elem:           make(map[kademlia.ID]*list.Element),
		memOrder:       list.New(),
		memElem:        make(map[kademlia.ID]*list.Element),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	if s.eagerLoad {
		s.warmCache()
	}
	return s, nil
}

// loadIndex rebuilds the known-infohash index from the `.metadata` files
// already on disk, sorted newest-first by mtime per spec.md §4.10.
func (s *Store) loadIndex() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("metadatastore: %w", err)
	}
	type found struct {
		id    kademlia.ID
		mtime time.Time
	}
	var items []found
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".metadata" {
			continue
		}
		id, err := kademlia.FromHex(name[:len(name)-len(".metadata")])
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, found{id: id, mtime: info.ModTime()})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].mtime.After(items[j].mtime) })
	for _, it := range items {
		s.elem[it.id] = s.order.PushBack(it.id)
	}
	return nil
}

// warmCache eagerly loads the newest maxLoadItems known entries into the
// in-memory cache. Read failures are ignored here; Get will retry them.
func (s *Store) warmCache() {
	s.mu.Lock()
	ids := make([]kademlia.ID, 0, s.maxLoadItems)
	for e := s.order.Front(); e != nil && len(ids) < s.maxLoadItems; e = e.Next() {
		ids = append(ids, e.Value.(kademlia.ID))
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Get(id)
	}
}

func (s *Store) metadataPath(id kademlia.ID) string {
	return filepath.Join(s.dir, id.String()+".metadata")
}

func (s *Store) torrentPath(id kademlia.ID) string {
	return filepath.Join(s.torrentDir, id.String()+".torrent")
}

// Add persists info for id. If id is new and the known-infohash index is
// already at maxItems, Add returns ErrCapacity and writes nothing
// (spec.md §8: "Known-infohash cap reached -> further add returns false
// with no disk write" — entries already on disk are never evicted to
// make room). opts is optional; when non-nil and a torrent directory is
// configured, a `.torrent` file is written alongside, stamped with
// createdAt (the caller's clock reading, taken once up front rather
// than read again here).
func (s *Store) Add(id kademlia.ID, info *metainfo.Info, opts *TorrentFileOptions, createdAt int64) error {
	s.mu.Lock()
	el, existed := s.elem[id]
	if !existed {
		if s.order.Len() >= s.maxItems {
			s.mu.Unlock()
			return ErrCapacity
		}
		el = s.order.PushFront(id)
		s.elem[id] = el
	} else {
		s.order.MoveToFront(el)
	}
	s.mu.Unlock()

	if err := s.writeMetadataFile(id, info.Bytes); err != nil {
		if !existed {
			s.mu.Lock()
			s.order.Remove(el)
			delete(s.elem, id)
			s.mu.Unlock()
		}
		return err
	}
	if opts != nil && s.torrentDir != "" {
		tb := BuildTorrentFile(info.Bytes, *opts, createdAt)
		if err := writeAtomic(s.torrentPath(id), tb); err != nil {
			return fmt.Errorf("%w: %v", ErrDiskWrite, err)
		}
	}

	s.mu.Lock()
	s.cacheLocked(id, info)
	s.mu.Unlock()
	return nil
}

func (s *Store) writeMetadataFile(id kademlia.ID, raw []byte) error {
	buf := make([]byte, 4+len(raw))
	binary.LittleEndian.PutUint32(buf, uint32(len(raw)))
	copy(buf[4:], raw)
	if err := writeAtomic(s.metadataPath(id), buf); err != nil {
		return fmt.Errorf("%w: %v", ErrDiskWrite, err)
	}
	return nil
}

// cacheLocked inserts or refreshes id's in-memory entry and evicts LRU
// cache entries (not disk files) down to the configured bounds. Caller
// holds s.mu.
func (s *Store) cacheLocked(id kademlia.ID, info *metainfo.Info) {
	size := int64(len(info.Bytes))
	if el, ok := s.memElem[id]; ok {
		me := el.Value.(*memEntry)
		s.memBytes += size - me.size
		me.info = info
		me.size = size
		s.memOrder.MoveToFront(el)
	} else {
		me := &memEntry{id: id, info: info, size: size}
		s.memElem[id] = s.memOrder.PushFront(me)
		s.memBytes += size
	}
	s.evictMemLocked()
}

func (s *Store) evictMemLocked() {
	for s.memOrder.Len() > s.maxLoadItems || (s.maxMemoryBytes > 0 && s.memBytes > s.maxMemoryBytes) {
		back := s.memOrder.Back()
		if back == nil {
			return
		}
		me := back.Value.(*memEntry)
		s.memOrder.Remove(back)
		delete(s.memElem, me.id)
		s.memBytes -= me.size
	}
}

// Has reports whether id is present in memory or in the known-infohash
// index, without touching its LRU position.
func (s *Store) Has(id kademlia.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.elem[id]
	return ok
}

// Get returns id's info dict: the in-memory copy if cached, otherwise an
// on-demand load from disk that also populates the cache (evicting other
// entries per the configured bounds if necessary). A disk read failure
// leaves the known-infohash index untouched so a later Get retries
// (spec.md §4.10's failure policy).
func (s *Store) Get(id kademlia.ID) (*metainfo.Info, error) {
	s.mu.Lock()
	if el, ok := s.memElem[id]; ok {
		s.memOrder.MoveToFront(el)
		info := el.Value.(*memEntry).info
		if iel, ok := s.elem[id]; ok {
			s.order.MoveToFront(iel)
		}
		s.mu.Unlock()
		return info, nil
	}
	_, known := s.elem[id]
	s.mu.Unlock()
	if !known {
		return nil, ErrNotFound
	}

	b, err := os.ReadFile(s.metadataPath(id))
	if err != nil {
		return nil, fmt.Errorf("metadatastore: %w", err)
	}
	if len(b) < 4 {
		return nil, errors.New("metadatastore: truncated metadata file")
	}
	n := binary.LittleEndian.Uint32(b[:4])
	if int(n) != len(b)-4 {
		return nil, errors.New("metadatastore: metadata length prefix does not match file size")
	}
	info, err := metainfo.NewInfo(b[4:])
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if iel, ok := s.elem[id]; ok {
		s.order.MoveToFront(iel)
	}
	s.cacheLocked(id, info)
	s.mu.Unlock()
	return info, nil
}

// Remove deletes id's stored files and its index/cache entries, if
// present.
func (s *Store) Remove(id kademlia.ID) {
	s.mu.Lock()
	el, ok := s.elem[id]
	if ok {
		s.order.Remove(el)
		delete(s.elem, id)
	}
	if mel, ok := s.memElem[id]; ok {
		me := mel.Value.(*memEntry)
		s.memOrder.Remove(mel)
		delete(s.memElem, id)
		s.memBytes -= me.size
	}
	s.mu.Unlock()
	if ok {
		os.Remove(s.metadataPath(id))
		if s.torrentDir != "" {
			os.Remove(s.torrentPath(id))
		}
	}
}

// Count returns the number of entries in the known-infohash index.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// AllInfoHashes returns every known infohash, most-recently-touched
// first.
func (s *Store) AllInfoHashes() []kademlia.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]kademlia.ID, 0, s.order.Len())
	for e := s.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(kademlia.ID))
	}
	return out
}

func writeAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
