// Package txn implements the transaction manager (spec §4.6): a
// Begin/Active/Committed/Aborted state machine over internal/kv's Txn
// handle, coordinating relational, graph, and secondary-index writes into
// one atomic batch while staging vector index updates and changefeed
// events to apply once that batch lands.
package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/themisdb/themisdb/internal/codec"
	"github.com/themisdb/themisdb/internal/graphidx"
	"github.com/themisdb/themisdb/internal/keyschema"
	"github.com/themisdb/themisdb/internal/kv"
	"github.com/themisdb/themisdb/internal/kverr"
	"github.com/themisdb/themisdb/internal/types"
)

// State is a transaction's position in the Active -> {Committed, Aborted}
// state machine (spec §4.6).
type State int

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "active"
	}
}

const cfRelational = "relational"

// vectorOp is one staged vector mutation, applied after the KV batch
// commits (spec §4.6 step 3).
type vectorOp struct {
	kind  vectorOpKind
	ns    string
	pk    string
	embed []float32
}

type vectorOpKind int

const (
	vecAdd vectorOpKind = iota
	vecUpdate
	vecRemove
)

// compensation is one saga-log entry: a reverse KV write plus an optional
// in-memory undo (e.g. a vector add to balance a staged remove). Saga
// entries are themselves idempotent, per spec §4.6.
type compensation struct {
	apply func(ctx context.Context) error
}

// Transaction is a single unit of work (spec §4.6). It is not safe for
// concurrent use by multiple goroutines.
type Transaction struct {
	id        string
	isolation types.IsolationLevel
	startedAt time.Time

	mgr *Manager
	kv  kv.Txn

	mu         sync.Mutex
	state      State
	saga       []compensation
	vectorOps  []vectorOp
	events     []types.ChangeEvent
	finishedAt time.Time
}

func (t *Transaction) checkActive() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return fmt.Errorf("%w: transaction %s is %s", kverr.ErrInvalidArgument, t.id, t.state)
	}
	return nil
}

// ID returns the transaction's identifier.
func (t *Transaction) ID() string { return t.id }

// IsFinished reports whether the transaction has reached a terminal state.
func (t *Transaction) IsFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state != StateActive
}

// State returns the transaction's current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) pushCompensation(c compensation) {
	t.mu.Lock()
	t.saga = append(t.saga, c)
	t.mu.Unlock()
}

func (t *Transaction) recordEvent(evt types.ChangeEvent) {
	t.mu.Lock()
	t.events = append(t.events, evt)
	t.mu.Unlock()
}

// readRow fetches and decodes table/pk's current row through this
// transaction's own view, returning (nil, nil) if absent.
func (t *Transaction) readRow(ctx context.Context, table, pk string) (*codec.BaseEntity, []byte, error) {
	blob, err := t.kv.Get(ctx, cfRelational, keyschema.Relational(table, pk))
	if err != nil {
		if kverr.KindOf(err) == kverr.KindNotFound {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	entity, err := codec.DecodeEntity(blob, codec.FormatBinary)
	if err != nil {
		return nil, nil, err
	}
	return entity, blob, nil
}

// PutEntity stages a relational row write plus its secondary-index diff
// into this transaction's batch, and pushes a saga entry that restores
// the prior row (or deletes the key if it didn't exist) on rollback/
// compensation (spec §4.6).
func (t *Transaction) PutEntity(ctx context.Context, table, pk string, row *codec.BaseEntity) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	oldRow, oldBlob, err := t.readRow(ctx, table, pk)
	if err != nil {
		return err
	}
	newBlob, err := row.RebuildBlob()
	if err != nil {
		return err
	}
	key := keyschema.Relational(table, pk)
	t.kv.Put(cfRelational, key, newBlob)
	for _, op := range t.mgr.secIdx.PutOps(table, pk, row, oldRow) {
		t.stageIndexOp(op)
	}

	existed := oldBlob != nil
	t.pushCompensation(compensation{apply: func(ctx context.Context) error {
		if existed {
			return t.mgr.engine.Put(ctx, cfRelational, key, oldBlob)
		}
		return t.mgr.engine.Delete(ctx, cfRelational, key)
	}})
	t.recordEvent(types.ChangeEvent{Type: types.ChangePut, Key: string(key)})
	return nil
}

// EraseEntity stages deletion of table/pk's row and its secondary-index
// entries, pushing a saga entry that restores the row on compensation.
func (t *Transaction) EraseEntity(ctx context.Context, table, pk string) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	oldRow, oldBlob, err := t.readRow(ctx, table, pk)
	if err != nil {
		return err
	}
	key := keyschema.Relational(table, pk)
	t.kv.Delete(cfRelational, key)
	if oldRow != nil {
		for _, op := range t.mgr.secIdx.DeleteOps(table, pk, oldRow) {
			t.stageIndexOp(op)
		}
	}

	t.pushCompensation(compensation{apply: func(ctx context.Context) error {
		if oldBlob == nil {
			return nil
		}
		return t.mgr.engine.Put(ctx, cfRelational, key, oldBlob)
	}})
	t.recordEvent(types.ChangeEvent{Type: types.ChangeDelete, Key: string(key)})
	return nil
}

const cfDocument = "document"

// readDocument fetches and decodes collection/pk's current document through
// this transaction's own view, returning (nil, nil) if absent.
func (t *Transaction) readDocument(ctx context.Context, collection, pk string) (*codec.BaseEntity, []byte, error) {
	blob, err := t.kv.Get(ctx, cfDocument, keyschema.Document(collection, pk))
	if err != nil {
		if kverr.KindOf(err) == kverr.KindNotFound {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	entity, err := codec.DecodeEntity(blob, codec.FormatBinary)
	if err != nil {
		return nil, nil, err
	}
	return entity, blob, nil
}

// PutDocument stages a document write into this transaction's batch, the
// schemaless twin of PutEntity: same secondary-index and saga-compensation
// treatment, keyed into the `document` column family under collection/pk
// instead of `relational` under table/pk (spec §3's Document entity).
func (t *Transaction) PutDocument(ctx context.Context, collection, pk string, doc *codec.BaseEntity) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	oldDoc, oldBlob, err := t.readDocument(ctx, collection, pk)
	if err != nil {
		return err
	}
	newBlob, err := doc.RebuildBlob()
	if err != nil {
		return err
	}
	key := keyschema.Document(collection, pk)
	t.kv.Put(cfDocument, key, newBlob)
	for _, op := range t.mgr.secIdx.PutOps(collection, pk, doc, oldDoc) {
		t.stageIndexOp(op)
	}

	existed := oldBlob != nil
	t.pushCompensation(compensation{apply: func(ctx context.Context) error {
		if existed {
			return t.mgr.engine.Put(ctx, cfDocument, key, oldBlob)
		}
		return t.mgr.engine.Delete(ctx, cfDocument, key)
	}})
	t.recordEvent(types.ChangeEvent{Type: types.ChangePut, Key: string(key)})
	return nil
}

// EraseDocument stages deletion of collection/pk's document, the schemaless
// twin of EraseEntity.
func (t *Transaction) EraseDocument(ctx context.Context, collection, pk string) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	oldDoc, oldBlob, err := t.readDocument(ctx, collection, pk)
	if err != nil {
		return err
	}
	key := keyschema.Document(collection, pk)
	t.kv.Delete(cfDocument, key)
	if oldDoc != nil {
		for _, op := range t.mgr.secIdx.DeleteOps(collection, pk, oldDoc) {
			t.stageIndexOp(op)
		}
	}

	t.pushCompensation(compensation{apply: func(ctx context.Context) error {
		if oldBlob == nil {
			return nil
		}
		return t.mgr.engine.Put(ctx, cfDocument, key, oldBlob)
	}})
	t.recordEvent(types.ChangeEvent{Type: types.ChangeDelete, Key: string(key)})
	return nil
}

func (t *Transaction) stageIndexOp(op kv.Op) {
	if op.Delete {
		t.kv.Delete(op.CF, op.Key)
	} else {
		t.kv.Put(op.CF, op.Key, op.Value)
	}
}

// AddEdge stages an edge plus both adjacency entries into this
// transaction's batch (spec §4.6).
func (t *Transaction) AddEdge(ctx context.Context, edgePK, fromPK, toPK string, weight float64, fields *codec.BaseEntity) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	ops, err := graphidx.AddEdgeOps(edgePK, fromPK, toPK, weight, fields)
	if err != nil {
		return err
	}
	for _, op := range ops {
		t.stageIndexOp(op)
	}
	t.pushCompensation(compensation{apply: func(ctx context.Context) error {
		delOps, _, _, err := graphidx.DeleteEdgeOps(ctx, t.mgr.engine, edgePK)
		if err != nil {
			if kverr.KindOf(err) == kverr.KindNotFound {
				return nil
			}
			return err
		}
		return t.mgr.engine.BatchWrite(ctx, delOps)
	}})
	t.recordEvent(types.ChangeEvent{Type: types.ChangePut, Key: string(keyschema.GraphEdge(edgePK))})
	return nil
}

// DeleteEdge stages reversal of an edge's three keys, reading the edge
// through this transaction's own view so a delete of an edge added
// earlier in the same transaction is visible.
func (t *Transaction) DeleteEdge(ctx context.Context, edgePK string) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	ops, fromPK, toPK, err := graphidx.DeleteEdgeOps(ctx, t.kv, edgePK)
	if err != nil {
		return err
	}
	weight := 0.0
	if _, _, w, edgeErr := graphidx.EdgeVia(ctx, t.kv, edgePK); edgeErr == nil {
		weight = w
	}
	for _, op := range ops {
		t.stageIndexOp(op)
	}
	t.pushCompensation(compensation{apply: func(ctx context.Context) error {
		restoreOps, restoreErr := graphidx.AddEdgeOps(edgePK, fromPK, toPK, weight, nil)
		if restoreErr != nil {
			return restoreErr
		}
		return t.mgr.engine.BatchWrite(ctx, restoreOps)
	}})
	t.recordEvent(types.ChangeEvent{Type: types.ChangeDelete, Key: string(keyschema.GraphEdge(edgePK))})
	return nil
}

// AddVector stages a vector insertion, applied against the vector index
// after the KV batch commits (spec §4.6 step 3).
func (t *Transaction) AddVector(ns, pk string, embedding []float32) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	t.mu.Lock()
	t.vectorOps = append(t.vectorOps, vectorOp{kind: vecAdd, ns: ns, pk: pk, embed: embedding})
	t.mu.Unlock()
	return nil
}

// UpdateVector stages a vector replacement.
func (t *Transaction) UpdateVector(ns, pk string, embedding []float32) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	t.mu.Lock()
	t.vectorOps = append(t.vectorOps, vectorOp{kind: vecUpdate, ns: ns, pk: pk, embed: embedding})
	t.mu.Unlock()
	return nil
}

// RemoveVector stages a vector removal.
func (t *Transaction) RemoveVector(ns, pk string) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	t.mu.Lock()
	t.vectorOps = append(t.vectorOps, vectorOp{kind: vecRemove, ns: ns, pk: pk})
	t.mu.Unlock()
	return nil
}

// Commit validates isolation, atomically writes the accumulated batch,
// applies staged vector updates, appends changefeed events, and marks the
// transaction terminal (spec §4.6). A vector-apply failure triggers saga
// compensation of the already-committed KV batch.
func (t *Transaction) Commit(ctx context.Context) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if err := t.kv.Commit(ctx); err != nil {
		t.mu.Lock()
		t.state = StateAborted
		t.finishedAt = time.Now().UTC()
		t.mu.Unlock()
		t.mgr.recordFinish(t, false)
		return err
	}

	if err := t.applyVectorOps(ctx); err != nil {
		t.compensate(ctx)
		t.mu.Lock()
		t.state = StateAborted
		t.finishedAt = time.Now().UTC()
		t.mu.Unlock()
		t.mgr.recordFinish(t, false)
		return fmt.Errorf("txn: vector apply failed, compensated: %w", err)
	}

	if t.mgr.changefeed != nil {
		t.mu.Lock()
		events := append([]types.ChangeEvent(nil), t.events...)
		t.mu.Unlock()
		if err := t.mgr.changefeed.AppendCommit(ctx, t.id, events); err != nil {
			return fmt.Errorf("txn: changefeed append failed after commit: %w", err)
		}
	}

	t.mu.Lock()
	t.state = StateCommitted
	t.finishedAt = time.Now().UTC()
	t.mu.Unlock()
	t.mgr.recordFinish(t, true)
	return nil
}

func (t *Transaction) applyVectorOps(ctx context.Context) error {
	t.mu.Lock()
	ops := append([]vectorOp(nil), t.vectorOps...)
	t.mu.Unlock()
	for _, op := range ops {
		var err error
		switch op.kind {
		case vecAdd:
			err = t.mgr.vecIdx.Add(ctx, op.ns, op.pk, op.embed)
		case vecUpdate:
			err = t.mgr.vecIdx.Update(ctx, op.ns, op.pk, op.embed)
		case vecRemove:
			err = t.mgr.vecIdx.Remove(ctx, op.ns, op.pk)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Rollback discards the buffered batch and appends a rollback event when
// a changefeed is wired. It does not run the saga compensations: nothing
// from the discarded batch reached storage, and compensations run only
// from Commit (via compensate) after the batch has been written.
func (t *Transaction) Rollback(ctx context.Context) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if err := t.kv.Rollback(); err != nil {
		return err
	}
	if t.mgr.changefeed != nil {
		if err := t.mgr.changefeed.AppendRollback(ctx, t.id); err != nil {
			return fmt.Errorf("txn: changefeed rollback append failed: %w", err)
		}
	}
	t.mu.Lock()
	t.state = StateAborted
	t.finishedAt = time.Now().UTC()
	t.mu.Unlock()
	t.mgr.recordFinish(t, false)
	return nil
}

// compensate runs every pushed saga entry in LIFO order. Entries are
// themselves idempotent, so a partial failure here is safe to retry.
func (t *Transaction) compensate(ctx context.Context) {
	t.mu.Lock()
	entries := append([]compensation(nil), t.saga...)
	t.mu.Unlock()
	for i := len(entries) - 1; i >= 0; i-- {
		_ = entries[i].apply(ctx) // best-effort; entries are idempotent on retry
	}
}

// newID is overridable in tests that need deterministic ids; production
// code always uses a fresh uuid (spec §4.6 "id" field).
var newID = func() string { return uuid.NewString() }

// ChangefeedAppender is the narrow interface internal/changefeed satisfies
// so internal/txn can append commit events without importing it directly
// (avoiding an import cycle, since changefeed itself only depends on
// internal/kv).
type ChangefeedAppender interface {
	AppendCommit(ctx context.Context, txnID string, events []types.ChangeEvent) error
	AppendRollback(ctx context.Context, txnID string) error
}
