// Package vectoridx implements the vector index manager (spec §4.5):
// per-namespace ANN indexes with a fixed dimension and metric, a
// flat/hnsw algorithm choice behind one interface, tombstone-based
// removal, deterministic k-NN search, and save/load/rebuild persistence.
package vectoridx

import "github.com/themisdb/themisdb/internal/kverr"

// Metric selects the distance function a namespace uses.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
)

// Algorithm selects the ANN backend.
type Algorithm string

const (
	AlgorithmFlat Algorithm = "flat"
	AlgorithmHNSW Algorithm = "hnsw"
)

// Quantization names an optional lossy compression of stored vectors
// (spec §4.5). The value is validated but not applied: Save writes and
// Load reads raw f32 vectors, and search always runs against the full
// f32 vectors, whatever the setting.
type Quantization string

const (
	QuantizationNone Quantization = "none"
	QuantizationPQ8  Quantization = "pq8"
)

// Config configures a namespace (spec §4.5's configuration table).
type Config struct {
	Metric         Metric
	Algorithm      Algorithm
	EfConstruction int
	EfSearch       int
	M              int
	Quantization   Quantization
	AutoSavePath   string
}

// DefaultConfig returns sane HNSW tuning defaults.
func DefaultConfig() Config {
	return Config{
		Metric:         MetricCosine,
		Algorithm:      AlgorithmFlat,
		EfConstruction: 200,
		EfSearch:       64,
		M:              16,
		Quantization:   QuantizationNone,
	}
}

func (c Config) validate() error {
	switch c.Metric {
	case MetricCosine, MetricL2:
	default:
		return kverr.ErrInvalidArgument
	}
	switch c.Algorithm {
	case AlgorithmFlat, AlgorithmHNSW:
	default:
		return kverr.ErrInvalidArgument
	}
	switch c.Quantization {
	case QuantizationNone, QuantizationPQ8, "":
	default:
		return kverr.ErrInvalidArgument
	}
	return nil
}
