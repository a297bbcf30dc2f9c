// Package kv is ThemisDB's storage abstraction (spec §4.1): an embedded
// ordered key-value engine with column families, atomic batch writes,
// snapshot-bound transactions, prefix iteration, and checkpoints. Every
// other package (secondary index, graph index, content pipeline,
// changefeed, transaction manager) reads and writes through this
// interface rather than touching a storage backend directly.
package kv

import (
	"context"

	"github.com/themisdb/themisdb/internal/types"
)

// Op is one operation in an atomic batch (spec §4.1 batch_write).
type Op struct {
	CF     string
	Key    []byte
	Value  []byte // nil when Delete is set
	Delete bool
}

// PutOp builds a put operation.
func PutOp(cf string, key, value []byte) Op {
	return Op{CF: cf, Key: key, Value: value}
}

// DeleteOp builds a delete operation.
func DeleteOp(cf string, key []byte) Op {
	return Op{CF: cf, Key: key, Delete: true}
}

// KV is a key/value pair returned by prefix iteration.
type KV struct {
	Key   []byte
	Value []byte
}

// Reader is the read-only subset both Engine and Txn satisfy, letting
// callers (e.g. internal/graphidx) accept either a live engine or an
// in-flight transaction for read-your-writes consistency.
type Reader interface {
	Get(ctx context.Context, cf string, key []byte) ([]byte, error)
}

// Engine is the storage contract spec §4.1 names. Implementations own the
// bytes; callers never see a handle to the underlying file format.
type Engine interface {
	Get(ctx context.Context, cf string, key []byte) ([]byte, error)
	Put(ctx context.Context, cf string, key, value []byte) error
	Delete(ctx context.Context, cf string, key []byte) error

	// IterPrefix returns a finite, non-restartable iterator over every
	// key in cf starting with prefix, in ascending key order.
	IterPrefix(ctx context.Context, cf string, prefix []byte) (Iterator, error)

	// BatchWrite applies every op atomically: either all succeed or none
	// are visible.
	BatchWrite(ctx context.Context, ops []Op) error

	// BeginTxn returns a handle bound to a snapshot at the given
	// isolation level.
	BeginTxn(ctx context.Context, isolation types.IsolationLevel) (Txn, error)

	// CreateCheckpoint writes a consistent point-in-time copy of every
	// column family into dir.
	CreateCheckpoint(ctx context.Context, dir string) error

	// Close releases the underlying storage handle.
	Close() error
}

// Iterator walks a prefix range lazily. Callers must call Close when
// done; the iterator is not restartable once exhausted or closed.
type Iterator interface {
	Next() bool
	KV() KV
	Err() error
	Close() error
}

// Txn is a snapshot-bound handle returned by BeginTxn (spec §4.1, §4.6).
// Reads observe the transaction's isolation semantics; writes are
// buffered and applied atomically at Commit.
type Txn interface {
	Get(ctx context.Context, cf string, key []byte) ([]byte, error)
	IterPrefix(ctx context.Context, cf string, prefix []byte) (Iterator, error)
	Put(cf string, key, value []byte)
	Delete(cf string, key []byte)

	// Commit applies the buffered writes atomically. It fails with a
	// Conflict-kind error (kverr.ErrConflict) under Snapshot isolation if
	// any buffered key was modified by another committed transaction
	// since this transaction's snapshot was taken.
	Commit(ctx context.Context) error
	Rollback() error
}
