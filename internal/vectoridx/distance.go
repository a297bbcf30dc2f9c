package vectoridx

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// distanceFunc computes the configured metric's distance between two
// equal-length f32 vectors; both flat and hnsw backends share it so
// determinism (spec §4.5: "results ordered by ascending distance") holds
// regardless of algorithm.
type distanceFunc func(a, b []float32) float32

func distanceFor(metric Metric) distanceFunc {
	switch metric {
	case MetricL2:
		return l2Distance
	default:
		return cosineDistance
	}
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

// l2Distance is plain Euclidean distance via gonum's vector norm.
func l2Distance(a, b []float32) float32 {
	da, db := toFloat64(a), toFloat64(b)
	diff := make([]float64, len(da))
	floats.SubTo(diff, da, db)
	return float32(mat.Norm(mat.NewVecDense(len(diff), diff), 2))
}

// cosineDistance returns 1 - cosine_similarity, landing in [0, 2] per
// spec §4.5's documented cosine distance range.
func cosineDistance(a, b []float32) float32 {
	da, db := mat.NewVecDense(len(a), toFloat64(a)), mat.NewVecDense(len(b), toFloat64(b))
	dot := mat.Dot(da, db)
	normA := mat.Norm(da, 2)
	normB := mat.Norm(db, 2)
	if normA == 0 || normB == 0 {
		return 1
	}
	cos := dot / (normA * normB)
	if cos > 1 {
		cos = 1
	}
	if cos < -1 {
		cos = -1
	}
	return float32(1 - cos)
}

// normalize rescales v to unit length in place; cosine-metric namespaces
// pre-normalize stored vectors (spec §4.5).
func normalize(v []float32) []float32 {
	vec := mat.NewVecDense(len(v), toFloat64(v))
	n := mat.Norm(vec, 2)
	if n == 0 {
		return append([]float32(nil), v...)
	}
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / n)
	}
	return out
}
