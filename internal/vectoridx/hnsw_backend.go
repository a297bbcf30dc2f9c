package vectoridx

import (
	"github.com/coder/hnsw"
)

// hnswBackend wraps coder/hnsw's graph-based ANN index. It keeps its own
// vector map alongside the graph so remove/rebuild and exhaustive
// recall-checking (used by tests) don't need to walk the graph
// internals.
type hnswBackend struct {
	graph   *hnsw.Graph[string]
	dist    distanceFunc
	vectors map[string][]float32
}

func newHNSWBackend(cfg Config, dist Metric) *hnswBackend {
	g := hnsw.NewGraph[string]()
	if cfg.M > 0 {
		g.M = cfg.M
	}
	if cfg.EfSearch > 0 {
		g.EfSearch = cfg.EfSearch
	}
	switch dist {
	case MetricL2:
		g.Distance = hnsw.EuclideanDistance
	default:
		g.Distance = hnsw.CosineDistance
	}
	return &hnswBackend{graph: g, dist: distanceFor(dist), vectors: make(map[string][]float32)}
}

func (b *hnswBackend) add(pk string, vec []float32) {
	b.vectors[pk] = vec
	b.graph.Add(hnsw.MakeNode(pk, vec))
}

func (b *hnswBackend) remove(pk string) {
	delete(b.vectors, pk)
	b.graph.Delete(pk)
}

func (b *hnswBackend) len() int { return len(b.vectors) }

func (b *hnswBackend) all() map[string][]float32 {
	out := make(map[string][]float32, len(b.vectors))
	for k, v := range b.vectors {
		out[k] = v
	}
	return out
}

// search asks the HNSW graph for an oversized candidate set (ef_search
// already tunes its internal recall/speed tradeoff) then re-scores every
// candidate with this package's own distanceFunc so cosine/L2 distance
// values are directly comparable across the flat and hnsw backends, and
// applies the prefilter mask before truncating to k (spec §4.5).
func (b *hnswBackend) search(query []float32, k int, allowed map[string]bool) []candidate {
	nodes := b.graph.Search(query, k*4+16)
	out := make([]candidate, 0, len(nodes))
	for _, n := range nodes {
		if allowed != nil && !allowed[n.Key] {
			continue
		}
		vec, ok := b.vectors[n.Key]
		if !ok {
			continue
		}
		out = append(out, candidate{pk: n.Key, distance: b.dist(query, vec)})
	}
	return out
}
