// Package transaction correlates outbound KRPC queries with their
// responses, errors, or timeouts (spec.md §3, §4.3).
package transaction

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/bitscout/bitscout/internal/krpc"
)

// Default lifetime and capacity, per spec.md §3.
const (
	DefaultTimeout        = 15 * time.Second
	DefaultMaxTransactions = 1024
)

var (
	// ErrCapacity is returned by Insert when the live set is full.
	ErrCapacity = errors.New("transaction: table at capacity")
	// ErrDuplicate is returned by Insert on a transaction id collision.
	ErrDuplicate = errors.New("transaction: duplicate id")
)

// Transaction is one in-flight outbound query (spec.md §3). Exactly one of
// OnResponse, OnError, OnTimeout fires, exactly once.
type Transaction struct {
	TID       string
	SentAt    time.Time
	Expiry    time.Time
	OnResponse func(*krpc.Message)
	OnError    func(*krpc.Message)
	OnTimeout  func()
}

// Table is the set of live transactions for one DHT node.
type Table struct {
	max     int
	timeout time.Duration

	mu sync.Mutex
	m  map[string]*Transaction
}

// New returns an empty table with the given capacity and per-transaction
// timeout. Zero values fall back to the spec defaults.
func New(max int, timeout time.Duration) *Table {
	if max <= 0 {
		max = DefaultMaxTransactions
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Table{max: max, timeout: timeout, m: make(map[string]*Transaction)}
}

// NewTID generates a short random transaction id, resampling internally
// on collision with the live set (the caller doesn't need to retry).
func (t *Table) NewTID() string {
	for {
		b := make([]byte, 2)
		_, _ = rand.Read(b)
		tid := string(b)
		t.mu.Lock()
		_, exists := t.m[tid]
		t.mu.Unlock()
		if !exists {
			return tid
		}
	}
}

// Insert adds tx to the live set.
func (t *Table) Insert(tx *Transaction) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.m[tx.TID]; exists {
		return ErrDuplicate
	}
	if len(t.m) >= t.max {
		return ErrCapacity
	}
	if tx.Expiry.IsZero() {
		tx.Expiry = tx.SentAt.Add(t.timeout)
	}
	t.m[tx.TID] = tx
	return nil
}

// Take removes and returns the transaction matching tid, if any. Used by
// response/error dispatch so each transaction fires at most once.
func (t *Table) Take(tid string) (*Transaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx, ok := t.m[tid]
	if ok {
		delete(t.m, tid)
	}
	return tx, ok
}

// Sweep removes and returns every transaction whose expiry is at or
// before now. The caller is responsible for invoking each one's
// OnTimeout.
func (t *Table) Sweep(now time.Time) []*Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []*Transaction
	for tid, tx := range t.m {
		if !now.Before(tx.Expiry) {
			expired = append(expired, tx)
			delete(t.m, tid)
		}
	}
	return expired
}

// Len returns the number of live transactions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
