// Package fulltext provides BM25-ranked full-text search over document
// bodies, backed by an embedded SQLite FTS5 virtual table. It is queried
// by the AQL query engine's FULLTEXT_SCORE/BM25 functions and by the
// hybrid fusion search endpoint as the "text" ranked list.
package fulltext

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/themisdb/themisdb/internal/kverr"
)

const schemaSQL = `
CREATE VIRTUAL TABLE IF NOT EXISTS fulltext USING fts5(
	namespace UNINDEXED,
	pk UNINDEXED,
	body,
	tokenize = 'porter unicode61'
);
`

// Hit is one ranked result. Score is oriented so that higher means more
// relevant (SQLite's own bm25() returns a cost where lower is better,
// so Search negates it before returning).
type Hit struct {
	PK    string
	Score float64
}

// Index is a namespaced full-text index. A namespace corresponds to a
// collection/table whose documents are indexed together, matching the
// namespacing convention vectoridx uses for vector namespaces.
type Index struct {
	// mu serializes writes; FTS5 index updates are not safe for
	// unbounded concurrent writers sharing one connection pool, so
	// the pool is capped at one connection and this mutex documents
	// that single-writer intent at the call site.
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if absent) a SQLite FTS5 index at path. Pass ""
// or ":memory:" for a private in-process index (used by tests and by
// ephemeral query-time scratch indices).
func Open(path string) (*Index, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	if path == "" || path == ":memory:" {
		dsn = "file::memory:?_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("fulltext: open %q: %w", path, err)
	}
	// A single connection keeps the in-memory database from vanishing
	// between pooled connections and gives the mutex above real meaning.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("fulltext: create schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the underlying SQLite connection.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Put (re)indexes the full-text body for pk within namespace. Reindexing
// is implemented as delete-then-insert since FTS5 has no native upsert.
func (ix *Index) Put(ctx context.Context, namespace, pk, body string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("fulltext: put begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM fulltext WHERE namespace = ? AND pk = ?`, namespace, pk); err != nil {
		return fmt.Errorf("fulltext: put delete-old: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO fulltext (namespace, pk, body) VALUES (?, ?, ?)`, namespace, pk, body); err != nil {
		return fmt.Errorf("fulltext: put insert: %w", err)
	}
	return tx.Commit()
}

// Delete removes pk's indexed body from namespace. Deleting a pk that
// was never indexed is a no-op, matching kv.Engine.Delete's semantics.
func (ix *Index) Delete(ctx context.Context, namespace, pk string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, err := ix.db.ExecContext(ctx, `DELETE FROM fulltext WHERE namespace = ? AND pk = ?`, namespace, pk); err != nil {
		return fmt.Errorf("fulltext: delete: %w", err)
	}
	return nil
}

// Search runs an FTS5 MATCH query scoped to namespace and returns hits
// ordered by descending relevance (best match first), BM25-ranked.
func (ix *Index) Search(ctx context.Context, namespace, query string, limit int) ([]Hit, error) {
	return ix.SearchFiltered(ctx, namespace, query, limit, nil)
}

// SearchFiltered is Search plus an optional post-filter (spec §4.9:
// hybrid fusion applies prefilters to the vector side but postfilters
// to the text side, since FTS5 ranks before a pk-level allowlist can be
// pushed into the query). postFilter, if non-nil, is consulted after
// BM25 ranking, on the at most limit rows the query returned; a pk it
// rejects is dropped and no replacement row is fetched, so fewer than
// limit hits come back once candidates are excluded. A nil postFilter
// behaves exactly like Search.
func (ix *Index) SearchFiltered(ctx context.Context, namespace, query string, limit int, postFilter func(pk string) bool) ([]Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: fulltext: empty query", kverr.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := ix.db.QueryContext(ctx, `
		SELECT pk, bm25(fulltext) AS rank
		FROM fulltext
		WHERE namespace = ? AND fulltext MATCH ?
		ORDER BY rank ASC
		LIMIT ?
	`, namespace, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fulltext: search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []Hit
	for rows.Next() {
		var pk string
		var rank float64
		if err := rows.Scan(&pk, &rank); err != nil {
			return nil, fmt.Errorf("fulltext: scan: %w", err)
		}
		if postFilter != nil && !postFilter(pk) {
			continue
		}
		hits = append(hits, Hit{PK: pk, Score: -rank})
	}
	return hits, rows.Err()
}

// Score returns the BM25 score (higher is more relevant) of a single pk
// against query, or kverr.ErrNotFound if pk does not match query. It
// backs the AQL BM25()/FULLTEXT_SCORE() scalar functions, which need a
// score for one document rather than a ranked list.
func (ix *Index) Score(ctx context.Context, namespace, pk, query string) (float64, error) {
	if strings.TrimSpace(query) == "" {
		return 0, fmt.Errorf("%w: fulltext: empty query", kverr.ErrInvalidArgument)
	}

	var rank float64
	err := ix.db.QueryRowContext(ctx, `
		SELECT bm25(fulltext) FROM fulltext
		WHERE namespace = ? AND pk = ? AND fulltext MATCH ?
	`, namespace, pk, query).Scan(&rank)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: fulltext: %s/%s does not match query", kverr.ErrNotFound, namespace, pk)
	}
	if err != nil {
		return 0, fmt.Errorf("fulltext: score: %w", err)
	}
	return -rank, nil
}
