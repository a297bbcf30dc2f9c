package content

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themisdb/internal/graphidx"
	"github.com/themisdb/themisdb/internal/keyschema"
	"github.com/themisdb/themisdb/internal/kv"
	"github.com/themisdb/themisdb/internal/vectoridx"
)

func newTestPipeline(t *testing.T) (*Pipeline, kv.Engine) {
	t.Helper()
	e, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	graph := graphidx.New(e)
	vec := vectoridx.New(e)
	require.NoError(t, vec.Init(context.Background(), VectorNamespace, 2, vectoridx.DefaultConfig()))

	p, err := New(e, graph, vec, nil)
	require.NoError(t, err)
	return p, e
}

func TestImportContentStoresBlobAndMeta(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	result, err := p.ImportContent(ctx, ImportSpec{ID: "doc1", MimeType: "text/plain"}, []byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "doc1", result.ID)
	assert.False(t, result.Deduped)
	assert.False(t, result.Compressed)

	blob, err := p.GetContentBlob(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), blob)
}

func TestImportContentDedupsByHash(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	_, err := p.ImportContent(ctx, ImportSpec{ID: "doc1", MimeType: "text/plain"}, []byte("same bytes"))
	require.NoError(t, err)

	result, err := p.ImportContent(ctx, ImportSpec{ID: "doc2", MimeType: "text/plain"}, []byte("same bytes"))
	require.NoError(t, err)
	assert.True(t, result.Deduped)
	assert.Equal(t, "doc1", result.ID)
}

func TestImportContentSkipsCompressionForImageMime(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)
	big := make([]byte, compressionThreshold+1)

	result, err := p.ImportContent(ctx, ImportSpec{ID: "img1", MimeType: "image/png"}, big)
	require.NoError(t, err)
	assert.False(t, result.Compressed)
}

func TestImportContentCompressesLargeText(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)
	big := make([]byte, compressionThreshold+1)
	for i := range big {
		big[i] = byte('a' + i%26)
	}

	result, err := p.ImportContent(ctx, ImportSpec{ID: "txt1", MimeType: "text/plain"}, big)
	require.NoError(t, err)
	assert.True(t, result.Compressed)

	roundTripped, err := p.GetContentBlob(ctx, "txt1")
	require.NoError(t, err)
	assert.Equal(t, big, roundTripped)
}

func TestImportContentChunksAreIndexedForSearch(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	result, err := p.ImportContent(ctx, ImportSpec{ID: "doc1", MimeType: "text/plain", Chunks: []ChunkSpec{
		{ID: "c1", Text: "first chunk", Embedding: []float32{1, 0}},
		{ID: "c2", Text: "second chunk", Embedding: []float32{0, 1}},
	}}, []byte("first chunk second chunk"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, result.ChunkIDs)

	hits, err := p.vec.SearchKNN(ctx, VectorNamespace, []float32{1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c1", hits[0].PK)
}

func TestImportContentCreatesGraphEdges(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	_, err := p.ImportContent(ctx, ImportSpec{ID: "doc1", MimeType: "text/plain", Edges: []EdgeSpec{
		{EdgePK: "e1", FromPK: "doc1", ToPK: "topicA", Weight: 1},
	}}, []byte("body"))
	require.NoError(t, err)

	neighbors, err := p.graph.Neighbors(ctx, "doc1", graphidx.DirOut)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, neighbors)
}

func TestDeleteContentRemovesBlobChunksAndVectors(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	_, err := p.ImportContent(ctx, ImportSpec{ID: "doc1", MimeType: "text/plain", Chunks: []ChunkSpec{
		{ID: "c1", Text: "chunk", Embedding: []float32{1, 0}},
	}}, []byte("body"))
	require.NoError(t, err)

	require.NoError(t, p.DeleteContent(ctx, "doc1"))

	_, err = p.GetContentBlob(ctx, "doc1")
	assert.Error(t, err)

	hits, err := p.vec.SearchKNN(ctx, VectorNamespace, []float32{1, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestDeleteContentOnDedupedCopyOnlyDecrementsRefcount(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	_, err := p.ImportContent(ctx, ImportSpec{ID: "doc1", MimeType: "text/plain"}, []byte("shared"))
	require.NoError(t, err)
	dup, err := p.ImportContent(ctx, ImportSpec{ID: "doc2", MimeType: "text/plain"}, []byte("shared"))
	require.NoError(t, err)
	require.True(t, dup.Deduped)

	// dup.ID is doc1's id (dedup reuses it); deleting once only drops the
	// second reference, since two imports now hold it.
	require.NoError(t, p.DeleteContent(ctx, dup.ID))

	blob, err := p.GetContentBlob(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, []byte("shared"), blob)
}

func TestGetContentBlobNeverAbortsOnDecompressFailure(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)
	big := make([]byte, compressionThreshold+1)
	for i := range big {
		big[i] = byte(i)
	}
	_, err := p.ImportContent(ctx, ImportSpec{ID: "doc1", MimeType: "text/plain"}, big)
	require.NoError(t, err)

	// Corrupt the stored (compressed) blob directly so decompression fails.
	require.NoError(t, p.engine.Put(ctx, cfContentBlob, keyschema.ContentBlob("doc1"), []byte("not zstd data")))

	blob, err := p.GetContentBlob(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, []byte("not zstd data"), blob)
}
