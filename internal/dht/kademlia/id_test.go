package kademlia

import "testing"

func TestValid(t *testing.T) {
	var zero ID
	if zero.Valid() {
		t.Fatal("zero id must not be valid")
	}
	id := Random()
	if !id.Valid() {
		t.Fatal("random id should be valid (astronomically unlikely to be zero)")
	}
}

func TestCommonPrefixLen(t *testing.T) {
	var a, b ID
	if got := CommonPrefixLen(a, b); got != IDLength*8 {
		t.Fatalf("equal ids: got %d, want %d", got, IDLength*8)
	}
	b[0] = 0x01 // differs in the last bit of the first byte
	if got := CommonPrefixLen(a, b); got != 7 {
		t.Fatalf("got %d, want 7", got)
	}
	b = ID{}
	b[0] = 0x80 // differs in the first bit
	if got := CommonPrefixLen(a, b); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}

func TestCloserTo(t *testing.T) {
	var target, a, b ID
	target[19] = 0x0f
	a[19] = 0x0e // distance 0x01
	b[19] = 0x0c // distance 0x03
	if !CloserTo(a, b, target) {
		t.Fatal("a should be closer to target than b")
	}
	if CloserTo(b, a, target) {
		t.Fatal("b should not be closer than a")
	}
}

func TestFromHexRoundTrip(t *testing.T) {
	id := Random()
	parsed, err := FromHex(id.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: %v != %v", parsed, id)
	}
}

func TestFromBytesRejectsWrongLength(t *testing.T) {
	if _, err := FromBytes(make([]byte, 19)); err == nil {
		t.Fatal("expected error for short byte slice")
	}
}
