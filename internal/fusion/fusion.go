// Package fusion combines a full-text ranked list and a vector k-NN
// ranked list into one ordered result set, backing the /search/fusion
// endpoint described in spec §4.9.
package fusion

import (
	"fmt"
	"math"
	"sort"

	"github.com/themisdb/themisdb/internal/fulltext"
	"github.com/themisdb/themisdb/internal/kverr"
	"github.com/themisdb/themisdb/internal/vectoridx"
)

// Mode selects the fusion algorithm.
type Mode string

const (
	RRF      Mode = "rrf"
	Weighted Mode = "weighted"
)

// TieBreak selects how equal-scoring results are ordered.
type TieBreak string

const (
	TieBreakPK   TieBreak = "pk"
	TieBreakNone TieBreak = "none"
)

const (
	// DefaultKRRF is the RRF rank-dampening constant.
	DefaultKRRF = 60
	// DefaultWeight weighs the text side of Weighted fusion (alias alpha).
	DefaultWeight = 0.5
	// DefaultTieBreakEpsilonRRF tolerates the coarser granularity of
	// summed reciprocal-rank scores.
	DefaultTieBreakEpsilonRRF = 1e-9
	// DefaultTieBreakEpsilonWeighted is tighter since Weighted scores
	// are normalized into [0, 1].
	DefaultTieBreakEpsilonWeighted = 1e-12
)

// Options configures a Fuse call. Zero-value fields fall back to the
// package defaults via Options.withDefaults.
type Options struct {
	Mode            Mode
	KRRF            int
	Weight          float64 // alias "alpha"; text weight in [0,1]
	TieBreak        TieBreak
	TieBreakEpsilon float64
	Limit           int
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = RRF
	}
	if o.KRRF <= 0 {
		o.KRRF = DefaultKRRF
	}
	if o.Weight == 0 {
		o.Weight = DefaultWeight
	}
	if o.TieBreak == "" {
		o.TieBreak = TieBreakPK
	}
	if o.TieBreakEpsilon == 0 {
		if o.Mode == Weighted {
			o.TieBreakEpsilon = DefaultTieBreakEpsilonWeighted
		} else {
			o.TieBreakEpsilon = DefaultTieBreakEpsilonRRF
		}
	}
	return o
}

// Result is one fused hit, ordered by descending Score.
type Result struct {
	PK    string
	Score float64
}

// ValidateRequest enforces spec §4.9's "at least one of text or vector
// must be specified" rule for the fusion endpoint.
func ValidateRequest(hasTextQuery, hasVectorQuery bool) error {
	if !hasTextQuery && !hasVectorQuery {
		return fmt.Errorf("%w: fusion: at least one of text or vector query must be specified", kverr.ErrInvalidArgument)
	}
	return nil
}

// Fuse combines a BM25-ranked text list and a vector k-NN ranked list
// into one ordered []Result. Either list may be empty (a caller that
// only specified a text or only a vector query passes nil for the
// other), but ValidateRequest should have already rejected both-empty
// requests at the handler boundary.
func Fuse(text []fulltext.Hit, vector []vectoridx.Result, opts Options) []Result {
	opts = opts.withDefaults()

	var scores map[string]float64
	switch opts.Mode {
	case Weighted:
		scores = fuseWeighted(text, vector, opts.Weight)
	default:
		scores = fuseRRF(text, vector, opts.KRRF)
	}

	results := make([]Result, 0, len(scores))
	for pk, score := range scores {
		results = append(results, Result{PK: pk, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if opts.TieBreak == TieBreakPK && math.Abs(results[i].Score-results[j].Score) <= opts.TieBreakEpsilon {
			return results[i].PK < results[j].PK
		}
		return results[i].Score > results[j].Score
	})

	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results
}

// fuseRRF implements Reciprocal Rank Fusion: for each list, the item at
// 1-indexed rank r contributes 1/(k+r); an item present in both lists
// sums both contributions.
func fuseRRF(text []fulltext.Hit, vector []vectoridx.Result, k int) map[string]float64 {
	scores := make(map[string]float64, len(text)+len(vector))
	for i, h := range text {
		scores[h.PK] += 1.0 / float64(k+i+1)
	}
	for i, v := range vector {
		scores[v.PK] += 1.0 / float64(k+i+1)
	}
	return scores
}

// fuseWeighted implements min-max score normalization for the text
// list and distance-to-similarity conversion for the vector list, then
// combines them as weight*sim_text + (1-weight)*sim_vec.
func fuseWeighted(text []fulltext.Hit, vector []vectoridx.Result, weight float64) map[string]float64 {
	scores := make(map[string]float64, len(text)+len(vector))

	if len(text) > 0 {
		raw := make([]float64, len(text))
		for i, h := range text {
			raw[i] = h.Score
		}
		norm := minMaxNormalize(raw)
		for i, h := range text {
			scores[h.PK] += weight * norm[i]
		}
	}

	if len(vector) > 0 {
		dMax := 0.0
		for _, v := range vector {
			if d := float64(v.Distance); d > dMax {
				dMax = d
			}
		}
		for _, v := range vector {
			sim := 1.0
			if dMax > 0 {
				sim = 1.0 - float64(v.Distance)/dMax
			}
			scores[v.PK] += (1 - weight) * sim
		}
	}

	return scores
}

// minMaxNormalize rescales values into [0, 1]. When every value is
// identical (including the single-element case), all outputs are 1.0:
// a list with no spread carries no discriminating signal, so every
// member is treated as equally maximally relevant rather than as zero.
func minMaxNormalize(values []float64) []float64 {
	min, max := values[0], values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(values))
	if max == min {
		for i := range out {
			out[i] = 1.0
		}
		return out
	}
	for i, v := range values {
		out[i] = (v - min) / (max - min)
	}
	return out
}
