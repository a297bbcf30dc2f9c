package txn

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/themisdb/themisdb/internal/codec"
	"github.com/themisdb/themisdb/internal/graphidx"
	"github.com/themisdb/themisdb/internal/keyschema"
	"github.com/themisdb/themisdb/internal/kv"
	"github.com/themisdb/themisdb/internal/kverr"
	"github.com/themisdb/themisdb/internal/secindex"
	"github.com/themisdb/themisdb/internal/types"
	"github.com/themisdb/themisdb/internal/vectoridx"
)

func newTestHarness(t *testing.T) (*Manager, kv.Engine) {
	t.Helper()
	e, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Close() })
	sec := secindex.New(e)
	sec.CreateIndex("accounts", "status")
	graph := graphidx.New(e)
	vec := vectoridx.New(e)
	return New(e, sec, graph, vec, nil), e
}

func rowWithStatus(status string) *codec.BaseEntity {
	e := codec.NewEntity(codec.FormatBinary)
	e.PutField("status", codec.String(status))
	return e
}

func TestPutEntityCommitsRowAndIndex(t *testing.T) {
	ctx := context.Background()
	m, e := newTestHarness(t)

	tx, err := m.Begin(ctx, types.ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.PutEntity(ctx, "accounts", "a1", rowWithStatus("open")); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	blob, err := e.Get(ctx, cfRelational, keyschema.Relational("accounts", "a1"))
	if err != nil {
		t.Fatal(err)
	}
	ent, err := codec.DecodeEntity(blob, codec.FormatBinary)
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := ent.GetFieldAsString("status"); s != "open" {
		t.Fatalf("got status %q", s)
	}

	pks, err := m.secIdx.QueryEq(ctx, "accounts", "status", "open")
	if err != nil {
		t.Fatal(err)
	}
	if len(pks) != 1 || pks[0] != "a1" {
		t.Fatalf("index not updated: %+v", pks)
	}
}

func TestRollbackDropsBatchLeavesRowUntouched(t *testing.T) {
	ctx := context.Background()
	m, e := newTestHarness(t)

	tx1, _ := m.Begin(ctx, types.ReadCommitted)
	_ = tx1.PutEntity(ctx, "accounts", "a1", rowWithStatus("open"))
	if err := tx1.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	tx2, _ := m.Begin(ctx, types.ReadCommitted)
	if err := tx2.PutEntity(ctx, "accounts", "a1", rowWithStatus("closed")); err != nil {
		t.Fatal(err)
	}
	if err := tx2.Rollback(ctx); err != nil {
		t.Fatal(err)
	}

	blob, err := e.Get(ctx, cfRelational, keyschema.Relational("accounts", "a1"))
	if err != nil {
		t.Fatal(err)
	}
	ent, _ := codec.DecodeEntity(blob, codec.FormatBinary)
	if s, _ := ent.GetFieldAsString("status"); s != "open" {
		t.Fatalf("rollback should leave original row untouched, got %q", s)
	}
}

func TestOperationsFailAfterFinish(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestHarness(t)
	tx, _ := m.Begin(ctx, types.ReadCommitted)
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	err := tx.PutEntity(ctx, "accounts", "a1", rowWithStatus("open"))
	if !errors.Is(err, kverr.ErrInvalidArgument) {
		t.Fatalf("expected TxFinished-style error, got %v", err)
	}
}

func TestSnapshotConflictAbortsTransaction(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestHarness(t)

	seed, _ := m.Begin(ctx, types.ReadCommitted)
	_ = seed.PutEntity(ctx, "accounts", "a1", rowWithStatus("open"))
	_ = seed.Commit(ctx)

	tx1, _ := m.Begin(ctx, types.Snapshot)
	tx2, _ := m.Begin(ctx, types.Snapshot)
	_ = tx1.PutEntity(ctx, "accounts", "a1", rowWithStatus("closed"))
	_ = tx2.PutEntity(ctx, "accounts", "a1", rowWithStatus("frozen"))

	if err := tx1.Commit(ctx); err != nil {
		t.Fatalf("first commit should succeed: %v", err)
	}
	err := tx2.Commit(ctx)
	if !errors.Is(err, kverr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if tx2.State() != StateAborted {
		t.Fatalf("expected aborted state, got %v", tx2.State())
	}
}

func TestAddEdgeThenDeleteInSameTransaction(t *testing.T) {
	ctx := context.Background()
	m, e := newTestHarness(t)

	tx, _ := m.Begin(ctx, types.ReadCommitted)
	if err := tx.AddEdge(ctx, "e1", "n1", "n2", 1.5, nil); err != nil {
		t.Fatal(err)
	}
	if err := tx.DeleteEdge(ctx, "e1"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := e.Get(ctx, "graph_edge", keyschema.GraphEdge("e1"))
	if !errors.Is(err, kverr.ErrNotFound) {
		t.Fatalf("expected edge to be fully reversed, got %v", err)
	}
}

func TestVectorOpsAppliedAfterCommit(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestHarness(t)
	if err := m.vecIdx.Init(ctx, "chunks", 2, vectoridx.DefaultConfig()); err != nil {
		t.Fatal(err)
	}

	tx, _ := m.Begin(ctx, types.ReadCommitted)
	if err := tx.AddVector("chunks", "p1", []float32{1, 0}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	results, err := m.vecIdx.SearchKNN(ctx, "chunks", []float32{1, 0}, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].PK != "p1" {
		t.Fatalf("got %+v", results)
	}
}

func TestJanitorEvictsOldCompletedHistory(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestHarness(t)
	tx, _ := m.Begin(ctx, types.ReadCommitted)
	_ = tx.Commit(ctx)

	evicted := m.EvictCompletedOlderThan(0)
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	metrics := m.JanitorMetrics()
	if metrics.EvictedTotal != 1 {
		t.Fatalf("expected EvictedTotal=1, got %+v", metrics)
	}
}

func TestStatsTracksCounts(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestHarness(t)

	tx1, _ := m.Begin(ctx, types.ReadCommitted)
	_ = tx1.Commit(ctx)
	tx2, _ := m.Begin(ctx, types.ReadCommitted)
	_ = tx2.Rollback(ctx)

	stats := m.Stats()
	if stats.Begun != 2 || stats.Committed != 1 || stats.Aborted != 1 || stats.Active != 0 {
		t.Fatalf("got %+v", stats)
	}
}

func TestRunInTransactionCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	m, e := newTestHarness(t)

	err := m.RunInTransaction(ctx, types.ReadCommitted, func(tx *Transaction) error {
		return tx.PutEntity(ctx, "accounts", "a1", rowWithStatus("open"))
	})
	if err != nil {
		t.Fatal(err)
	}

	blob, err := e.Get(ctx, cfRelational, keyschema.Relational("accounts", "a1"))
	if err != nil {
		t.Fatal(err)
	}
	ent, _ := codec.DecodeEntity(blob, codec.FormatBinary)
	if s, _ := ent.GetFieldAsString("status"); s != "open" {
		t.Fatalf("got status %q", s)
	}
}

// TestRunInTransactionRetriesRetriableFailure checks that a retriable
// error from fn (kverr.ErrConflict) is retried with a fresh transaction
// rather than surfaced immediately, and that the eventual success is
// reflected once fn stops failing.
func TestRunInTransactionRetriesRetriableFailure(t *testing.T) {
	ctx := context.Background()
	m, e := newTestHarness(t)

	attempts := 0
	err := m.RunInTransaction(ctx, types.ReadCommitted, func(tx *Transaction) error {
		attempts++
		if attempts < 3 {
			return kverr.ErrConflict
		}
		return tx.PutEntity(ctx, "accounts", "a1", rowWithStatus("open"))
	})
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts before success, got %d", attempts)
	}

	blob, err := e.Get(ctx, cfRelational, keyschema.Relational("accounts", "a1"))
	if err != nil {
		t.Fatal(err)
	}
	ent, _ := codec.DecodeEntity(blob, codec.FormatBinary)
	if s, _ := ent.GetFieldAsString("status"); s != "open" {
		t.Fatalf("got status %q", s)
	}
}

// TestRunInTransactionDoesNotRetryPermanentFailure checks that a
// non-retriable error from fn is surfaced immediately without retrying.
func TestRunInTransactionDoesNotRetryPermanentFailure(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestHarness(t)

	attempts := 0
	err := m.RunInTransaction(ctx, types.ReadCommitted, func(tx *Transaction) error {
		attempts++
		_ = tx.PutEntity(ctx, "accounts", "a1", rowWithStatus("open"))
		return kverr.ErrInvalidArgument
	})
	if !errors.Is(err, kverr.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument surfaced, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected no retries for a non-retriable error, got %d attempts", attempts)
	}
}
