package transaction

import (
	"testing"
	"time"
)

func TestInsertTakeFiresOnce(t *testing.T) {
	tbl := New(10, time.Second)
	tx := &Transaction{TID: "aa", SentAt: time.Now()}
	if err := tbl.Insert(tx); err != nil {
		t.Fatal(err)
	}
	got, ok := tbl.Take("aa")
	if !ok || got.TID != "aa" {
		t.Fatal("expected to take transaction aa")
	}
	if _, ok := tbl.Take("aa"); ok {
		t.Fatal("transaction should only be takeable once")
	}
}

func TestInsertRejectsDuplicate(t *testing.T) {
	tbl := New(10, time.Second)
	if err := tbl.Insert(&Transaction{TID: "bb", SentAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Insert(&Transaction{TID: "bb", SentAt: time.Now()}); err != ErrDuplicate {
		t.Fatalf("got %v, want ErrDuplicate", err)
	}
}

func TestInsertRejectsOverCapacity(t *testing.T) {
	tbl := New(1, time.Second)
	if err := tbl.Insert(&Transaction{TID: "cc", SentAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Insert(&Transaction{TID: "dd", SentAt: time.Now()}); err != ErrCapacity {
		t.Fatalf("got %v, want ErrCapacity", err)
	}
}

func TestSweepExpiresOldTransactions(t *testing.T) {
	tbl := New(10, time.Second)
	past := time.Now().Add(-2 * time.Second)
	tbl.Insert(&Transaction{TID: "ee", SentAt: past, Expiry: past.Add(time.Second)})
	expired := tbl.Sweep(time.Now())
	if len(expired) != 1 || expired[0].TID != "ee" {
		t.Fatalf("expected ee to expire, got %+v", expired)
	}
	if tbl.Len() != 0 {
		t.Fatalf("expired transaction should be removed from live set")
	}
}

func TestNewTIDIsUnique(t *testing.T) {
	tbl := New(10, time.Second)
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		tid := tbl.NewTID()
		if seen[tid] {
			t.Fatalf("duplicate tid generated: %q", tid)
		}
		seen[tid] = true
		tbl.Insert(&Transaction{TID: tid, SentAt: time.Now()})
	}
}
