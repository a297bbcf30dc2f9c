package keyschema

import (
	"bytes"
	"sort"
	"testing"
)

func TestRelationalRoundTrip(t *testing.T) {
	key := Relational("accounts", "acc-1")
	if string(key) != "relational:accounts:acc-1" {
		t.Fatalf("got %q", key)
	}
	table, pk, err := ParseRelational(key)
	if err != nil {
		t.Fatal(err)
	}
	if table != "accounts" || pk != "acc-1" {
		t.Fatalf("got table=%q pk=%q", table, pk)
	}
}

func TestIndexRoundTrip(t *testing.T) {
	key := Index("accounts", "status", "active", "acc-1")
	if string(key) != "idx:accounts:status:active:acc-1" {
		t.Fatalf("got %q", key)
	}
	table, col, val, pk, err := ParseIndex(key)
	if err != nil {
		t.Fatal(err)
	}
	if table != "accounts" || col != "status" || val != "active" || pk != "acc-1" {
		t.Fatalf("got %q %q %q %q", table, col, val, pk)
	}
}

func TestGraphAdjacencySymmetricNaming(t *testing.T) {
	out := GraphOut("n1", "e1")
	in := GraphIn("n2", "e1")
	if string(out) != "graph:out:n1:e1" {
		t.Fatalf("got %q", out)
	}
	if string(in) != "graph:in:n2:e1" {
		t.Fatalf("got %q", in)
	}
	fromPK, edgePK, err := ParseGraphOut(out)
	if err != nil || fromPK != "n1" || edgePK != "e1" {
		t.Fatalf("ParseGraphOut: %q %q %v", fromPK, edgePK, err)
	}
}

func TestContentKeys(t *testing.T) {
	if got := string(Content("c1")); got != "content:c1" {
		t.Fatalf("got %q", got)
	}
	if got := string(ContentMeta("c1")); got != "content:c1:meta" {
		t.Fatalf("got %q", got)
	}
	if got := string(ContentBlob("c1")); got != "content:c1:blob" {
		t.Fatalf("got %q", got)
	}
	if got := string(ContentHash("deadbeef")); got != "content_hash:deadbeef" {
		t.Fatalf("got %q", got)
	}
}

// TestChangefeedKeyOrdersBySequence checks the spec §3 invariant that
// lexicographic byte order of changefeed keys matches numeric sequence
// order, since that's what makes prefix iteration a sequence scan.
func TestChangefeedKeyOrdersBySequence(t *testing.T) {
	seqs := []uint64{1, 2, 10, 256, 1 << 40}
	keys := make([][]byte, len(seqs))
	for i, s := range seqs {
		keys[i] = Changefeed(s)
	}
	shuffled := make([][]byte, len(keys))
	copy(shuffled, keys)
	sort.Slice(shuffled, func(i, j int) bool { return bytes.Compare(shuffled[i], shuffled[j]) < 0 })
	for i := range keys {
		if !bytes.Equal(keys[i], shuffled[i]) {
			t.Fatalf("changefeed keys not in byte order: %v", keys)
		}
	}
	seq, err := ParseChangefeedSeq(keys[2])
	if err != nil || seq != 10 {
		t.Fatalf("ParseChangefeedSeq = %d, %v", seq, err)
	}
}

func TestParseRejectsWrongPrefix(t *testing.T) {
	if _, _, err := ParseRelational([]byte("document:x:y")); err == nil {
		t.Fatal("expected error for mismatched prefix")
	}
}
