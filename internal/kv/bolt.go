package kv

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/themisdb/themisdb/internal/kverr"
	"github.com/themisdb/themisdb/internal/types"
)

// BoltEngine is the default Engine implementation, backed by bbolt.
// Column families map onto bbolt buckets, created on first use. Spec
// §4.1's "consistent point-in-time copy of all column families" is
// satisfied by bbolt's own MVCC: a single read transaction already sees a
// consistent snapshot of every bucket.
type BoltEngine struct {
	db *bolt.DB

	mu      sync.Mutex
	commits uint64 // monotonic counter, bumped on every successful Commit/BatchWrite
}

// Open opens (creating if necessary) a bbolt database at path.
func Open(path string) (*BoltEngine, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", kverr.ErrUnavailable, path, err)
	}
	return &BoltEngine{db: db}, nil
}

func (e *BoltEngine) Close() error {
	return e.db.Close()
}

func bucketName(cf string) []byte { return []byte(cf) }

func (e *BoltEngine) Get(ctx context.Context, cf string, key []byte) ([]byte, error) {
	var out []byte
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(cf))
		if b == nil {
			return nil
		}
		if v := b.Get(key); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s/%s: %v", kverr.ErrUnavailable, cf, key, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: %s/%s", kverr.ErrNotFound, cf, key)
	}
	return out, nil
}

func (e *BoltEngine) Put(ctx context.Context, cf string, key, value []byte) error {
	return e.BatchWrite(ctx, []Op{PutOp(cf, key, value)})
}

func (e *BoltEngine) Delete(ctx context.Context, cf string, key []byte) error {
	return e.BatchWrite(ctx, []Op{DeleteOp(cf, key)})
}

func (e *BoltEngine) BatchWrite(ctx context.Context, ops []Op) error {
	err := e.db.Update(func(tx *bolt.Tx) error {
		for _, op := range ops {
			b, err := tx.CreateBucketIfNotExists(bucketName(op.CF))
			if err != nil {
				return err
			}
			if op.Delete {
				if err := b.Delete(op.Key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(op.Key, op.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: batch_write: %v", kverr.ErrUnavailable, err)
	}
	e.mu.Lock()
	e.commits++
	e.mu.Unlock()
	return nil
}

// IterPrefix materializes every (key, value) pair under prefix in cf as of
// the moment of the call. bbolt's B+tree cursor is not safe to hold open
// across calls outside its owning transaction, so this eagerly collects
// results inside a single read transaction rather than streaming lazily;
// the returned iterator is still finite and non-restartable per spec
// §4.1.
func (e *BoltEngine) IterPrefix(ctx context.Context, cf string, prefix []byte) (Iterator, error) {
	var items []KV
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(cf))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			items = append(items, KV{
				Key:   append([]byte(nil), k...),
				Value: append([]byte(nil), v...),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: iter_prefix %s: %v", kverr.ErrUnavailable, cf, err)
	}
	return &sliceIterator{items: items, pos: -1}, nil
}

type sliceIterator struct {
	items []KV
	pos   int
}

func (it *sliceIterator) Next() bool {
	it.pos++
	return it.pos < len(it.items)
}

func (it *sliceIterator) KV() KV    { return it.items[it.pos] }
func (it *sliceIterator) Err() error { return nil }
func (it *sliceIterator) Close() error {
	it.pos = len(it.items)
	return nil
}

// CreateCheckpoint writes a consistent copy of the whole database file
// via a read transaction's WriteTo (spec §4.1).
func (e *BoltEngine) CreateCheckpoint(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: checkpoint mkdir: %v", kverr.ErrUnavailable, err)
	}
	dest := filepath.Join(dir, "themisdb.checkpoint")
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("%w: checkpoint create: %v", kverr.ErrUnavailable, err)
	}
	defer f.Close()

	err = e.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(f)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: checkpoint write: %v", kverr.ErrUnavailable, err)
	}
	return nil
}

// BeginTxn returns a handle bound to the requested isolation level (spec
// §4.1, §4.6). ReadCommitted txns read through to the live engine on
// every call; Snapshot txns pin a single bbolt read transaction so every
// read observes the state as of begin() and stage a baseline value per
// touched key for write-write conflict detection at commit.
func (e *BoltEngine) BeginTxn(ctx context.Context, isolation types.IsolationLevel) (Txn, error) {
	t := &boltTxn{
		engine:    e,
		isolation: isolation,
		pending:   make(map[cfKey]*Op),
		baselines: make(map[cfKey][]byte),
	}
	if isolation == types.Snapshot {
		tx, err := e.db.Begin(false)
		if err != nil {
			return nil, fmt.Errorf("%w: begin snapshot: %v", kverr.ErrUnavailable, err)
		}
		t.snapshot = tx
	}
	return t, nil
}

type cfKey struct {
	cf  string
	key string
}

type boltTxn struct {
	engine    *BoltEngine
	isolation types.IsolationLevel
	snapshot  *bolt.Tx // non-nil only for Snapshot isolation

	mu        sync.Mutex
	pending   map[cfKey]*Op
	order     []cfKey
	baselines map[cfKey][]byte // nil value means "was absent at snapshot"
	finished  bool
}

func (t *boltTxn) readLive(cf string, key []byte) ([]byte, error) {
	var out []byte
	err := t.engine.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(cf))
		if b == nil {
			return nil
		}
		if v := b.Get(key); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (t *boltTxn) Get(ctx context.Context, cf string, key []byte) ([]byte, error) {
	t.mu.Lock()
	if op, ok := t.pending[cfKey{cf, string(key)}]; ok {
		t.mu.Unlock()
		if op.Delete {
			return nil, fmt.Errorf("%w: %s/%s", kverr.ErrNotFound, cf, key)
		}
		return op.Value, nil
	}
	t.mu.Unlock()

	var out []byte
	var err error
	if t.snapshot != nil {
		b := t.snapshot.Bucket(bucketName(cf))
		if b != nil {
			if v := b.Get(key); v != nil {
				out = append([]byte(nil), v...)
			}
		}
	} else {
		out, err = t.readLive(cf, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s/%s: %v", kverr.ErrUnavailable, cf, key, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: %s/%s", kverr.ErrNotFound, cf, key)
	}
	return out, nil
}

func (t *boltTxn) IterPrefix(ctx context.Context, cf string, prefix []byte) (Iterator, error) {
	var items []KV
	if t.snapshot != nil {
		b := t.snapshot.Bucket(bucketName(cf))
		if b != nil {
			c := b.Cursor()
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				items = append(items, KV{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
			}
		}
	} else {
		live, err := t.engine.IterPrefix(ctx, cf, prefix)
		if err != nil {
			return nil, err
		}
		for live.Next() {
			items = append(items, live.KV())
		}
		_ = live.Close()
	}

	// Overlay pending writes so a read-your-own-write sees staged state.
	t.mu.Lock()
	merged := map[string]KV{}
	for _, kv := range items {
		merged[string(kv.Key)] = kv
	}
	for ck, op := range t.pending {
		if ck.cf != cf || !bytes.HasPrefix([]byte(ck.key), prefix) {
			continue
		}
		if op.Delete {
			delete(merged, ck.key)
			continue
		}
		merged[ck.key] = KV{Key: []byte(ck.key), Value: op.Value}
	}
	t.mu.Unlock()

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]KV, len(keys))
	for i, k := range keys {
		out[i] = merged[k]
	}
	return &sliceIterator{items: out, pos: -1}, nil
}

func (t *boltTxn) recordBaseline(ck cfKey) {
	if _, ok := t.baselines[ck]; ok {
		return
	}
	var base []byte
	if t.snapshot != nil {
		if b := t.snapshot.Bucket(bucketName(ck.cf)); b != nil {
			if v := b.Get([]byte(ck.key)); v != nil {
				base = append([]byte(nil), v...)
			}
		}
	} else {
		base, _ = t.readLive(ck.cf, []byte(ck.key))
	}
	t.baselines[ck] = base
}

func (t *boltTxn) Put(cf string, key, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ck := cfKey{cf, string(key)}
	t.recordBaseline(ck)
	if _, exists := t.pending[ck]; !exists {
		t.order = append(t.order, ck)
	}
	v := append([]byte(nil), value...)
	t.pending[ck] = &Op{CF: cf, Key: append([]byte(nil), key...), Value: v}
}

func (t *boltTxn) Delete(cf string, key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ck := cfKey{cf, string(key)}
	t.recordBaseline(ck)
	if _, exists := t.pending[ck]; !exists {
		t.order = append(t.order, ck)
	}
	t.pending[ck] = &Op{CF: cf, Key: append([]byte(nil), key...), Delete: true}
}

// Commit applies buffered writes atomically. Under Snapshot isolation it
// first checks every touched key's current committed value against the
// baseline captured at first touch; any mismatch fails with
// kverr.ErrConflict (write-write detection, not full SSI, per spec §9's
// open question resolution).
func (t *boltTxn) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return fmt.Errorf("%w: transaction already finished", kverr.ErrInvalidArgument)
	}

	err := t.engine.db.Update(func(tx *bolt.Tx) error {
		if t.isolation == types.Snapshot {
			for _, ck := range t.order {
				b := tx.Bucket(bucketName(ck.cf))
				var current []byte
				if b != nil {
					if v := b.Get([]byte(ck.key)); v != nil {
						current = append([]byte(nil), v...)
					}
				}
				if !bytes.Equal(current, t.baselines[ck]) {
					return errConflict
				}
			}
		}
		for _, ck := range t.order {
			op := t.pending[ck]
			b, err := tx.CreateBucketIfNotExists(bucketName(op.CF))
			if err != nil {
				return err
			}
			if op.Delete {
				if err := b.Delete(op.Key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(op.Key, op.Value); err != nil {
				return err
			}
		}
		return nil
	})

	t.finished = true
	if t.snapshot != nil {
		_ = t.snapshot.Rollback() // release the pinned read transaction
	}
	if err == errConflict {
		return fmt.Errorf("%w: write-write conflict under snapshot isolation", kverr.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("%w: commit: %v", kverr.ErrUnavailable, err)
	}
	t.engine.mu.Lock()
	t.engine.commits++
	t.engine.mu.Unlock()
	return nil
}

func (t *boltTxn) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return nil
	}
	t.finished = true
	t.pending = nil
	if t.snapshot != nil {
		return t.snapshot.Rollback()
	}
	return nil
}

var errConflict = fmt.Errorf("kv: conflict sentinel")

var _ io.Closer = (*BoltEngine)(nil)
