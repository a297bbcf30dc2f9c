package types

import "testing"

func TestIsolationLevelString(t *testing.T) {
	cases := map[IsolationLevel]string{
		ReadCommitted: "read_committed",
		Snapshot:      "snapshot",
	}
	for level, want := range cases {
		if got := level.String(); got != want {
			t.Fatalf("IsolationLevel(%d).String() = %q, want %q", level, got, want)
		}
	}
}

func TestChunkOrderingField(t *testing.T) {
	chunks := []Chunk{
		{ChunkID: "c0", ContentID: "doc-1", SeqNum: 0},
		{ChunkID: "c1", ContentID: "doc-1", SeqNum: 1},
	}
	for i, c := range chunks {
		if c.SeqNum != i {
			t.Fatalf("chunk %d has SeqNum %d", i, c.SeqNum)
		}
	}
}

func TestChangeEventTypesDistinct(t *testing.T) {
	want := []ChangeEventType{ChangePut, ChangeDelete, ChangeTxCommit, ChangeTxRollback}
	seen := map[ChangeEventType]bool{}
	for _, ty := range want {
		seen[ty] = true
	}
	if len(seen) != len(want) {
		t.Fatal("expected distinct change event type values")
	}
}

func TestGraphEdgeAddressing(t *testing.T) {
	e := GraphEdge{EdgePK: "e1", FromPK: "n1", ToPK: "n2", Weight: 2.5}
	if e.FromPK == e.ToPK {
		t.Fatal("from/to should differ in this fixture")
	}
}

func TestVectorEntryDimMatchesEmbedding(t *testing.T) {
	v := VectorEntry{Namespace: "chunks", PK: "v1", Embedding: []float32{1, 0, 0, 0}, Dim: 4}
	if len(v.Embedding) != v.Dim {
		t.Fatalf("embedding length %d does not match declared dim %d", len(v.Embedding), v.Dim)
	}
}
