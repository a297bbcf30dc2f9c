// Package types defines the entity records ThemisDB persists: relational
// rows, documents, graph nodes/edges, vector entries, secondary index
// entries, content blobs/chunks, and changefeed events (spec §3).
package types

import (
	"time"

	"github.com/themisdb/themisdb/internal/codec"
)

// Row is a relational record addressed by (table, pk).
type Row struct {
	Table  string
	PK     string
	Entity *codec.BaseEntity
}

// Document is a schemaless record addressed by (collection, pk). It shares
// Row's field-map representation (spec §3).
type Document struct {
	Collection string
	PK         string
	Entity     *codec.BaseEntity
}

// GraphNode is addressed by pk alone; edges reference it by pk. ThemisDB
// never owns a node-deletion-cascades-edges behavior — removing a node
// that still has edges pointing at it is the caller's responsibility
// (spec §3).
type GraphNode struct {
	PK     string
	Entity *codec.BaseEntity
}

// GraphEdge connects two nodes. Insertion/deletion is atomic across the
// edge record and both adjacency index entries (spec §4.4).
type GraphEdge struct {
	EdgePK string
	FromPK string
	ToPK   string
	Weight float64
	Entity *codec.BaseEntity
}

// VectorEntry is a dense embedding addressed by (namespace, pk). Quantized
// holds an optional reduced-precision copy; it is derived, not
// authoritative (spec §4.5). The vector index does not fill it in.
type VectorEntry struct {
	Namespace string
	PK        string
	Embedding []float32
	Dim       int
	Quantized []byte
}

// SecondaryIndexEntry is a presence-only membership record: its existence
// in the key space, not any stored value, is the datum (spec §3, §4.3).
type SecondaryIndexEntry struct {
	Table  string
	Column string
	Value  string
	PK     string
}

// ContentBlob is deduplicated content addressed by a generated content_id;
// Sha256 is the dedup key (spec §4.7).
type ContentBlob struct {
	ContentID  string
	MimeType   string
	Size       int64
	Sha256     string
	Compressed bool
	Title      string
	CreatedAt  time.Time
}

// Chunk is one ordered unit of a ContentBlob's text, carrying its own
// embedding for vector search (spec §4.7). Chunks of a content are
// totally ordered by SeqNum starting at 0.
type Chunk struct {
	ChunkID   string
	ContentID string
	SeqNum    int
	Type      string
	Text      string
	Embedding []float32
}

// ChangeEventType enumerates the changefeed event kinds (spec §3, §4.8).
type ChangeEventType string

const (
	ChangePut        ChangeEventType = "PUT"
	ChangeDelete     ChangeEventType = "DELETE"
	ChangeTxCommit   ChangeEventType = "TX_COMMIT"
	ChangeTxRollback ChangeEventType = "TX_ROLLBACK"
)

// ChangeEvent is one append-only, monotonically sequenced changefeed
// record. Value is nil for DELETE/TX_COMMIT/TX_ROLLBACK events.
type ChangeEvent struct {
	Sequence uint64
	Type     ChangeEventType
	Key      string
	Value    []byte
	TsMillis int64
	Metadata map[string]string
}

// IsolationLevel selects the transaction manager's read/conflict
// semantics (spec §4.6).
type IsolationLevel int

const (
	// ReadCommitted: every read observes the latest committed value at
	// read time.
	ReadCommitted IsolationLevel = iota
	// Snapshot: all reads observe state as of begin(); write-write
	// conflicts against committed versions fail at commit.
	Snapshot
)

func (l IsolationLevel) String() string {
	switch l {
	case Snapshot:
		return "snapshot"
	default:
		return "read_committed"
	}
}
