package kv

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/themisdb/themisdb/internal/kverr"
	"github.com/themisdb/themisdb/internal/types"
)

func openTestEngine(t *testing.T) *BoltEngine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	e, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t)

	if err := e.Put(ctx, "relational", []byte("accounts:acc-1"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	got, err := e.Get(ctx, "relational", []byte("accounts:acc-1"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v1" {
		t.Fatalf("got %q", got)
	}

	if err := e.Delete(ctx, "relational", []byte("accounts:acc-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Get(ctx, "relational", []byte("accounts:acc-1")); !errors.Is(err, kverr.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestBatchWriteAtomic(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t)

	ops := []Op{
		PutOp("relational", []byte("t:a"), []byte("1")),
		PutOp("idx", []byte("t:c:v:a"), []byte{}),
	}
	if err := e.BatchWrite(ctx, ops); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Get(ctx, "idx", []byte("t:c:v:a")); err != nil {
		t.Fatal(err)
	}
}

func TestIterPrefixOrderedAndFinite(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t)

	for _, k := range []string{"t:a", "t:b", "t:c", "u:z"} {
		if err := e.Put(ctx, "relational", []byte(k), []byte("v")); err != nil {
			t.Fatal(err)
		}
	}
	it, err := e.IterPrefix(ctx, "relational", []byte("t:"))
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.KV().Key))
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}
	want := []string{"t:a", "t:b", "t:c"}
	if len(keys) != len(want) {
		t.Fatalf("got %v want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("got %v want %v", keys, want)
		}
	}
	if it.Next() {
		t.Fatal("exhausted iterator should not advance further")
	}
}

func TestSnapshotIsolationFixedPointInTime(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t)
	_ = e.Put(ctx, "relational", []byte("acc-1"), []byte("1000"))

	txn, err := e.BeginTxn(ctx, types.Snapshot)
	if err != nil {
		t.Fatal(err)
	}
	defer txn.Rollback()

	// Mutate outside the snapshot after it was taken.
	if err := e.Put(ctx, "relational", []byte("acc-1"), []byte("2000")); err != nil {
		t.Fatal(err)
	}

	got, err := txn.Get(ctx, "relational", []byte("acc-1"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "1000" {
		t.Fatalf("snapshot read observed %q, want fixed point-in-time 1000", got)
	}
}

func TestSnapshotWriteWriteConflict(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t)
	_ = e.Put(ctx, "relational", []byte("acc-1"), []byte("1000"))

	txn1, err := e.BeginTxn(ctx, types.Snapshot)
	if err != nil {
		t.Fatal(err)
	}
	txn2, err := e.BeginTxn(ctx, types.Snapshot)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := txn1.Get(ctx, "relational", []byte("acc-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := txn2.Get(ctx, "relational", []byte("acc-1")); err != nil {
		t.Fatal(err)
	}

	txn1.Put("relational", []byte("acc-1"), []byte("900"))
	txn2.Put("relational", []byte("acc-1"), []byte("850"))

	if err := txn1.Commit(ctx); err != nil {
		t.Fatalf("first commit should succeed, got %v", err)
	}
	err = txn2.Commit(ctx)
	if !errors.Is(err, kverr.ErrConflict) {
		t.Fatalf("expected Conflict on second commit, got %v", err)
	}

	// Retry with a fresh snapshot succeeds.
	txn3, err := e.BeginTxn(ctx, types.Snapshot)
	if err != nil {
		t.Fatal(err)
	}
	txn3.Put("relational", []byte("acc-1"), []byte("850"))
	if err := txn3.Commit(ctx); err != nil {
		t.Fatalf("retry commit should succeed, got %v", err)
	}
}

func TestReadCommittedSeesLatestAtReadTime(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t)
	_ = e.Put(ctx, "relational", []byte("acc-1"), []byte("1000"))

	txn, err := e.BeginTxn(ctx, types.ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	defer txn.Rollback()

	_ = e.Put(ctx, "relational", []byte("acc-1"), []byte("2000"))

	got, err := txn.Get(ctx, "relational", []byte("acc-1"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "2000" {
		t.Fatalf("ReadCommitted should observe latest committed value, got %q", got)
	}
}

func TestCheckpointCreatesFile(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t)
	_ = e.Put(ctx, "relational", []byte("k"), []byte("v"))

	dir := t.TempDir()
	if err := e.CreateCheckpoint(ctx, dir); err != nil {
		t.Fatal(err)
	}
}
