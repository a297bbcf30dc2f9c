package vectoridx

// candidate is one scored search result before final sort/tie-break.
type candidate struct {
	pk       string
	distance float32
}

// backend is the algorithm-specific ANN index behind Config.Algorithm.
// Both implementations are deterministic given the same inserted set:
// flat is exhaustive by construction, hnsw delegates to coder/hnsw but
// this package always re-sorts results by (distance, pk) before
// returning them, so algorithm choice never affects result ordering
// (spec §4.5 "Determinism").
type backend interface {
	add(pk string, vec []float32)
	remove(pk string)
	search(query []float32, k int, allowed map[string]bool) []candidate
	len() int
	all() map[string][]float32
}

// flatBackend is brute-force search over every live vector; used when
// Config.Algorithm is "flat" and as the fallback rebuild path.
type flatBackend struct {
	dist    distanceFunc
	vectors map[string][]float32
}

func newFlatBackend(dist distanceFunc) *flatBackend {
	return &flatBackend{dist: dist, vectors: make(map[string][]float32)}
}

func (b *flatBackend) add(pk string, vec []float32) { b.vectors[pk] = vec }
func (b *flatBackend) remove(pk string)             { delete(b.vectors, pk) }
func (b *flatBackend) len() int                     { return len(b.vectors) }

func (b *flatBackend) all() map[string][]float32 {
	out := make(map[string][]float32, len(b.vectors))
	for k, v := range b.vectors {
		out[k] = v
	}
	return out
}

func (b *flatBackend) search(query []float32, k int, allowed map[string]bool) []candidate {
	var out []candidate
	for pk, vec := range b.vectors {
		if allowed != nil && !allowed[pk] {
			continue
		}
		out = append(out, candidate{pk: pk, distance: b.dist(query, vec)})
	}
	return out
}
