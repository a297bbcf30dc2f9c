// Package content implements the content pipeline (spec §4.7): blob
// import with sha256-based dedup, a compression policy, chunk storage and
// vector/graph indexing, transparent blob retrieval, and deletion. It also
// carries reference-counted dedup (spec §4.7 supplemented feature) so
// deleting one importer's copy of a shared blob never yanks it out from
// under another importer that deduped onto the same hash.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/themisdb/themisdb/internal/codec"
	"github.com/themisdb/themisdb/internal/graphidx"
	"github.com/themisdb/themisdb/internal/idgen"
	"github.com/themisdb/themisdb/internal/keyschema"
	"github.com/themisdb/themisdb/internal/kv"
	"github.com/themisdb/themisdb/internal/kverr"
	"github.com/themisdb/themisdb/internal/vectoridx"
)

// contentIDLength is the base36 digit width used for hash-derived content
// ids; wide enough that collisions between unrelated blobs are not a
// practical concern for a single namespace.
const contentIDLength = 16

const (
	cfContent       = "content"
	cfContentBlob   = "content_blob"
	cfContentHash   = "content_hash"
	cfChunk         = "chunk"
	cfContentChunks = "content_chunks"
	cfContentRef    = "content_refcount"
	cfContentEdges  = "content_edges"
)

// VectorNamespace is the vector-index namespace chunk embeddings are
// stored under (spec §4.7 step 6). Callers must Init it on the vector
// manager before importing content that carries embeddings.
const VectorNamespace = "chunks"

// compressionThreshold is the minimum blob size that makes compression
// worthwhile (spec §4.7 step 3).
const compressionThreshold = 4096

// incompressibleMimePrefixes lists mime types spec §4.7 step 3 excludes
// from compression because they are already compressed payloads.
var incompressibleMimePrefixes = []string{"image/", "video/", "application/zip", "application/gzip"}

// TextProcessor produces a default chunking of a blob when the caller
// doesn't supply pre-chunked text (spec §4.7 step 5).
type TextProcessor interface {
	Chunk(ctx context.Context, mimeType string, blob []byte) ([]ChunkSpec, error)
}

// EmbeddingProvider computes an embedding for chunk text that doesn't
// already carry one. Concrete vendor clients live outside this package;
// Pipeline only ever calls this narrow interface.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MetricsSink receives non-fatal warning counters, in particular the
// decompress-failed-but-returned-raw-bytes case spec §4.7 calls out.
type MetricsSink interface {
	WarnCounter(name string)
}

// EdgeSpec is one graph edge to create alongside an import (spec §4.7
// step 7).
type EdgeSpec struct {
	EdgePK string
	FromPK string
	ToPK   string
	Weight float64
}

// ChunkSpec is one pre-chunked (or TextProcessor-produced) piece of
// content. Embedding may be nil, in which case Pipeline asks Embedder for
// one if one is registered.
type ChunkSpec struct {
	ID        string
	Text      string
	Embedding []float32
}

// ImportSpec describes the caller-supplied parts of import_content (spec
// §4.7 step 1).
type ImportSpec struct {
	// ID is the caller-requested content id. If empty, it is derived from
	// the blob's sha256 hash, or freshly generated when FreshID is set.
	ID       string
	MimeType string
	Title    string
	Chunks   []ChunkSpec
	Edges    []EdgeSpec
	// FreshID bypasses hash-based dedup even if the hash already exists,
	// storing a second, independently-refcounted copy.
	FreshID bool
}

// ImportResult reports what ImportContent actually did.
type ImportResult struct {
	ID         string
	Deduped    bool
	Compressed bool
	ChunkIDs   []string
}

type meta = Meta

// Meta is a blob's stored metadata record (spec §4.7): mime type, title,
// uncompressed size, whether the stored bytes are zstd-compressed, its
// sha256 hash (the dedup key and a natural ETag source), and import time.
type Meta struct {
	ID         string    `json:"id"`
	MimeType   string    `json:"mime_type"`
	Title      string    `json:"title"`
	Size       int       `json:"size"`
	Compressed bool      `json:"compressed"`
	Hash       string    `json:"hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// Stat returns id's metadata record without reading its blob, for HTTP
// callers that need Content-Type/ETag/Content-Length before deciding how
// (or whether) to stream the body.
func (p *Pipeline) Stat(ctx context.Context, id string) (Meta, error) {
	return p.readMeta(ctx, id)
}

// Pipeline wires the content pipeline's storage and optional collaborators
// (spec §4.7). TextProc, Embedder, and Metrics may all be left nil.
type Pipeline struct {
	engine kv.Engine
	graph  *graphidx.Manager
	vec    *vectoridx.Manager

	TextProc TextProcessor
	Embedder EmbeddingProvider
	Metrics  MetricsSink

	log *slog.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	newID func() string
}

// New builds a Pipeline over engine, graph, and vec. log may be nil, in
// which case slog.Default() is used.
func New(engine kv.Engine, graph *graphidx.Manager, vec *vectoridx.Manager, log *slog.Logger) (*Pipeline, error) {
	if log == nil {
		log = slog.Default()
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("content: init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("content: init zstd decoder: %w", err)
	}
	return &Pipeline{
		engine:  engine,
		graph:   graph,
		vec:     vec,
		log:     log,
		encoder: enc,
		decoder: dec,
		newID:   newContentID,
	}, nil
}

// ImportContent runs the seven-step import sequence from spec §4.7.
//
// Note: when spec.FreshID is set and hashHex already has a dedup entry,
// this still unconditionally repoints content_hash:<hash> at the new
// id, leaving the original id's own meta/blob/refcount rows intact but
// no longer reachable by hash lookup. Spec §4.7 doesn't resolve what a
// fresh-ID import against an existing hash should do to the prior
// dedup pointer, so this is left as the current (possibly surprising)
// behavior rather than guessed at.
func (p *Pipeline) ImportContent(ctx context.Context, spec ImportSpec, blob []byte) (ImportResult, error) {
	sum := sha256.Sum256(blob)
	hashHex := hex.EncodeToString(sum[:])

	if !spec.FreshID {
		existingID, err := p.lookupHash(ctx, hashHex)
		if err == nil {
			if err := p.bumpRefcount(ctx, existingID, 1); err != nil {
				return ImportResult{}, err
			}
			return ImportResult{ID: existingID, Deduped: true}, nil
		}
		if kverr.KindOf(err) != kverr.KindNotFound {
			return ImportResult{}, err
		}
	}

	id := spec.ID
	if id == "" {
		if spec.FreshID {
			id = p.newID()
		} else {
			id = idgen.ContentID(hashHex, contentIDLength)
		}
	}

	compress := p.shouldCompress(spec.MimeType, len(blob))
	stored := blob
	if compress {
		stored = p.encoder.EncodeAll(blob, nil)
	}

	m := meta{
		ID:         id,
		MimeType:   spec.MimeType,
		Title:      spec.Title,
		Size:       len(blob),
		Compressed: compress,
		Hash:       hashHex,
		CreatedAt:  time.Now().UTC(),
	}
	metaBlob, err := json.Marshal(m)
	if err != nil {
		return ImportResult{}, fmt.Errorf("content: marshal meta: %w", err)
	}

	ops := []kv.Op{
		kv.PutOp(cfContent, keyschema.ContentMeta(id), metaBlob),
		kv.PutOp(cfContentBlob, keyschema.ContentBlob(id), stored),
		kv.PutOp(cfContentHash, keyschema.ContentHash(hashHex), []byte(id)),
		kv.PutOp(cfContentRef, keyschema.ContentRefcount(id), encodeRefcount(1)),
	}

	chunks := spec.Chunks
	if len(chunks) == 0 && p.TextProc != nil {
		produced, err := p.TextProc.Chunk(ctx, spec.MimeType, blob)
		if err != nil {
			return ImportResult{}, fmt.Errorf("content: default chunking: %w", err)
		}
		chunks = produced
	}

	chunkIDs := make([]string, 0, len(chunks))
	for i := range chunks {
		if chunks[i].ID == "" {
			chunks[i].ID = p.newID()
		}
		chunkIDs = append(chunkIDs, chunks[i].ID)

		entity := codec.NewEntity(codec.FormatBinary)
		entity.PutField("content_id", codec.String(id))
		entity.PutField("ordinal", codec.Int64(int64(i)))
		entity.PutField("text", codec.String(chunks[i].Text))
		chunkBlob, err := entity.RebuildBlob()
		if err != nil {
			return ImportResult{}, err
		}
		ops = append(ops, kv.PutOp(cfChunk, keyschema.Chunk(chunks[i].ID), chunkBlob))
	}
	if len(chunkIDs) > 0 {
		listBlob, err := json.Marshal(chunkIDs)
		if err != nil {
			return ImportResult{}, err
		}
		ops = append(ops, kv.PutOp(cfContentChunks, keyschema.ContentChunks(id), listBlob))
	}

	edgeIDs := make([]string, 0, len(spec.Edges))
	for _, e := range spec.Edges {
		edgeIDs = append(edgeIDs, e.EdgePK)
	}
	if len(edgeIDs) > 0 {
		edgesBlob, err := json.Marshal(edgeIDs)
		if err != nil {
			return ImportResult{}, err
		}
		ops = append(ops, kv.PutOp(cfContentEdges, keyschema.ContentEdges(id), edgesBlob))
	}

	if err := p.engine.BatchWrite(ctx, ops); err != nil {
		return ImportResult{}, err
	}

	// Vector and graph writes land after the KV batch commits, matching
	// the commit-then-apply-index-mutations order internal/txn uses for
	// vector updates (spec §4.6 step 3).
	for _, c := range chunks {
		embedding := c.Embedding
		if embedding == nil && p.Embedder != nil {
			e, err := p.Embedder.Embed(ctx, c.Text)
			if err != nil {
				return ImportResult{}, fmt.Errorf("content: embed chunk %s: %w", c.ID, err)
			}
			embedding = e
		}
		if embedding == nil {
			continue
		}
		if err := p.vec.Add(ctx, VectorNamespace, c.ID, embedding); err != nil {
			return ImportResult{}, fmt.Errorf("content: index chunk %s: %w", c.ID, err)
		}
	}

	for _, e := range spec.Edges {
		if err := p.graph.AddEdge(ctx, e.EdgePK, e.FromPK, e.ToPK, e.Weight, nil); err != nil {
			return ImportResult{}, fmt.Errorf("content: add edge %s: %w", e.EdgePK, err)
		}
	}

	return ImportResult{ID: id, Compressed: compress, ChunkIDs: chunkIDs}, nil
}

// GetContentBlob decompresses transparently. A decompress failure never
// aborts the read: it logs and counts a warning and returns the raw stored
// bytes instead (spec §4.7).
func (p *Pipeline) GetContentBlob(ctx context.Context, id string) ([]byte, error) {
	m, err := p.readMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	stored, err := p.engine.Get(ctx, cfContentBlob, keyschema.ContentBlob(id))
	if err != nil {
		return nil, err
	}
	if !m.Compressed {
		return stored, nil
	}
	raw, err := p.decoder.DecodeAll(stored, nil)
	if err != nil {
		if p.Metrics != nil {
			p.Metrics.WarnCounter("content_decompress_failed")
		}
		p.log.Warn("content blob decompress failed, returning raw bytes", "id", id, "error", err)
		return stored, nil
	}
	return raw, nil
}

// DeleteContent removes blob, meta, chunks, chunk list, vector entries,
// and graph edges for id (spec §4.7). If another importer deduped onto
// the same hash, this only decrements the reference count and otherwise
// leaves the shared record intact.
func (p *Pipeline) DeleteContent(ctx context.Context, id string) error {
	m, err := p.readMeta(ctx, id)
	if err != nil {
		return err
	}

	refKey := keyschema.ContentRefcount(id)
	refBlob, refErr := p.engine.Get(ctx, cfContentRef, refKey)
	var remaining int64
	switch {
	case refErr == nil:
		remaining = decodeRefcount(refBlob) - 1
	case kverr.KindOf(refErr) == kverr.KindNotFound:
		remaining = 0
	default:
		return refErr
	}

	if remaining > 0 {
		return p.engine.Put(ctx, cfContentRef, refKey, encodeRefcount(remaining))
	}

	chunkIDs, err := p.listIDs(ctx, cfContentChunks, keyschema.ContentChunks(id))
	if err != nil {
		return err
	}
	edgeIDs, err := p.listIDs(ctx, cfContentEdges, keyschema.ContentEdges(id))
	if err != nil {
		return err
	}

	ops := []kv.Op{
		kv.DeleteOp(cfContent, keyschema.ContentMeta(id)),
		kv.DeleteOp(cfContentBlob, keyschema.ContentBlob(id)),
		kv.DeleteOp(cfContentRef, refKey),
		kv.DeleteOp(cfContentHash, keyschema.ContentHash(m.Hash)),
	}
	if len(chunkIDs) > 0 {
		ops = append(ops, kv.DeleteOp(cfContentChunks, keyschema.ContentChunks(id)))
		for _, cid := range chunkIDs {
			ops = append(ops, kv.DeleteOp(cfChunk, keyschema.Chunk(cid)))
		}
	}
	if len(edgeIDs) > 0 {
		ops = append(ops, kv.DeleteOp(cfContentEdges, keyschema.ContentEdges(id)))
	}

	if err := p.engine.BatchWrite(ctx, ops); err != nil {
		return err
	}

	for _, cid := range chunkIDs {
		if err := p.vec.Remove(ctx, VectorNamespace, cid); err != nil && kverr.KindOf(err) != kverr.KindNotFound {
			return fmt.Errorf("content: remove chunk vector %s: %w", cid, err)
		}
	}
	for _, edgePK := range edgeIDs {
		if err := p.graph.DeleteEdge(ctx, edgePK); err != nil && kverr.KindOf(err) != kverr.KindNotFound {
			return fmt.Errorf("content: delete edge %s: %w", edgePK, err)
		}
	}
	return nil
}

func (p *Pipeline) readMeta(ctx context.Context, id string) (meta, error) {
	blob, err := p.engine.Get(ctx, cfContent, keyschema.ContentMeta(id))
	if err != nil {
		return meta{}, err
	}
	var m meta
	if err := json.Unmarshal(blob, &m); err != nil {
		return meta{}, fmt.Errorf("%w: content meta %s: %v", kverr.ErrDecodeError, id, err)
	}
	return m, nil
}

func (p *Pipeline) listIDs(ctx context.Context, cf string, key []byte) ([]string, error) {
	blob, err := p.engine.Get(ctx, cf, key)
	if err != nil {
		if kverr.KindOf(err) == kverr.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(blob, &ids); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", kverr.ErrDecodeError, key, err)
	}
	return ids, nil
}

func (p *Pipeline) lookupHash(ctx context.Context, hashHex string) (string, error) {
	v, err := p.engine.Get(ctx, cfContentHash, keyschema.ContentHash(hashHex))
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (p *Pipeline) bumpRefcount(ctx context.Context, id string, delta int64) error {
	key := keyschema.ContentRefcount(id)
	cur, err := p.engine.Get(ctx, cfContentRef, key)
	var count int64
	switch {
	case err == nil:
		count = decodeRefcount(cur)
	case kverr.KindOf(err) == kverr.KindNotFound:
		count = 0
	default:
		return err
	}
	count += delta
	return p.engine.Put(ctx, cfContentRef, key, encodeRefcount(count))
}

func (p *Pipeline) shouldCompress(mimeType string, size int) bool {
	if size <= compressionThreshold {
		return false
	}
	for _, prefix := range incompressibleMimePrefixes {
		if strings.HasPrefix(mimeType, prefix) {
			return false
		}
	}
	return true
}

func encodeRefcount(n int64) []byte { return []byte(strconv.FormatInt(n, 10)) }

func decodeRefcount(b []byte) int64 {
	n, _ := strconv.ParseInt(string(b), 10, 64)
	return n
}

// newContentID is overridable in tests that need deterministic ids;
// production code always uses a fresh uuid, mirroring internal/txn.
var newContentID = func() string { return uuid.NewString() }
