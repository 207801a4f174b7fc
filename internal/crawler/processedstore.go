package crawler

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/bitscout/bitscout/internal/dht/kademlia"
	"github.com/mitchellh/go-homedir"
	bolt "go.etcd.io/bbolt"
)

var processedBucket = []byte("processed")

// processedStore is the durable "already processed" set, keyed by
// infohash, so a restart doesn't re-fetch metadata it already has.
// Grounded on session.go's bolt.Open/CreateBucketIfNotExists idiom.
type processedStore struct {
	db *bolt.DB
}

func newProcessedStore(path string) (*processedStore, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0640, &bolt.Options{Timeout: time.Second})
	if err == bolt.ErrTimeout {
		return nil, errors.New("crawler: processed database is locked by another process")
	} else if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(processedBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &processedStore{db: db}, nil
}

// Has reports whether ih has already been fetched (successfully) in a
// prior run.
func (s *processedStore) Has(ih kademlia.ID) bool {
	var found bool
	s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(processedBucket).Get(ih.Bytes()) != nil
		return nil
	})
	return found
}

// Mark records ih as processed.
func (s *processedStore) Mark(ih kademlia.ID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(processedBucket).Put(ih.Bytes(), []byte{1})
	})
}

// Count returns the number of processed infohashes recorded.
func (s *processedStore) Count() int {
	n := 0
	s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(processedBucket).Stats().KeyN
		return nil
	})
	return n
}

func (s *processedStore) Close() error {
	return s.db.Close()
}
