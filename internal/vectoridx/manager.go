package vectoridx

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/themisdb/themisdb/internal/keyschema"
	"github.com/themisdb/themisdb/internal/kv"
	"github.com/themisdb/themisdb/internal/kverr"
)

type namespace struct {
	mu      sync.RWMutex
	cfg     Config
	dim     int
	backend backend
	removed map[string]bool // tombstoned pks, physically dropped at save/rebuild
}

// Manager owns every vector namespace (spec §4.5) and is the sole writer
// of the `vector:<namespace>:` key space.
type Manager struct {
	engine kv.Engine

	mu         sync.RWMutex
	namespaces map[string]*namespace
}

func New(engine kv.Engine) *Manager {
	return &Manager{engine: engine, namespaces: make(map[string]*namespace)}
}

// Init creates a namespace if absent, or validates cfg/dim against the
// already-initialized one; idempotent (spec §4.5).
func (m *Manager) Init(ctx context.Context, ns string, dim int, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.namespaces[ns]; ok {
		if existing.dim != dim {
			return fmt.Errorf("%w: namespace %q already initialized with dim %d, got %d", kverr.ErrDimensionMismatch, ns, existing.dim, dim)
		}
		return nil
	}
	m.namespaces[ns] = newNamespace(dim, cfg)
	return nil
}

func newNamespace(dim int, cfg Config) *namespace {
	var b backend
	if cfg.Algorithm == AlgorithmHNSW {
		b = newHNSWBackend(cfg, cfg.Metric)
	} else {
		b = newFlatBackend(distanceFor(cfg.Metric))
	}
	return &namespace{cfg: cfg, dim: dim, backend: b, removed: make(map[string]bool)}
}

func (m *Manager) namespaceOrErr(ns string) (*namespace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.namespaces[ns]
	if !ok {
		return nil, fmt.Errorf("%w: namespace %q not initialized", kverr.ErrNotFound, ns)
	}
	return n, nil
}

func (n *namespace) prepare(embedding []float32) []float32 {
	if n.cfg.Metric == MetricCosine {
		return normalize(embedding)
	}
	return embedding
}

// Add inserts pk's embedding, failing with DimensionMismatch if its
// length doesn't match the namespace's configured dim.
func (m *Manager) Add(ctx context.Context, ns, pk string, embedding []float32) error {
	n, err := m.namespaceOrErr(ns)
	if err != nil {
		return err
	}
	if len(embedding) != n.dim {
		return fmt.Errorf("%w: namespace %q expects dim %d, got %d", kverr.ErrDimensionMismatch, ns, n.dim, len(embedding))
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.removed, pk)
	n.backend.add(pk, n.prepare(embedding))
	return m.persistRow(ctx, ns, pk, embedding)
}

// Update is equivalent to remove+add (spec §4.5).
func (m *Manager) Update(ctx context.Context, ns, pk string, embedding []float32) error {
	if err := m.Remove(ctx, ns, pk); err != nil && !errIsNotFoundPK(err) {
		return err
	}
	return m.Add(ctx, ns, pk, embedding)
}

// Remove tombstones pk; physical removal from the backend happens at
// Save or RebuildFromStorage (spec §4.5).
func (m *Manager) Remove(ctx context.Context, ns, pk string) error {
	n, err := m.namespaceOrErr(ns)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.removed[pk] = true
	n.mu.Unlock()
	return m.engine.Delete(ctx, cfVector, keyschema.Vector(ns, pk))
}

func errIsNotFoundPK(err error) bool {
	return err != nil && kverr.KindOf(err) == kverr.KindNotFound
}

// SearchKNN returns up to k nearest neighbors ordered by ascending
// distance, ties broken by ascending pk (spec §4.5 determinism
// guarantee). mask, if non-nil, restricts candidates to the given pks.
func (m *Manager) SearchKNN(ctx context.Context, ns string, query []float32, k int, mask map[string]bool) ([]Result, error) {
	n, err := m.namespaceOrErr(ns)
	if err != nil {
		return nil, err
	}
	if len(query) != n.dim {
		return nil, fmt.Errorf("%w: namespace %q expects dim %d, got %d", kverr.ErrDimensionMismatch, ns, n.dim, len(query))
	}
	n.mu.RLock()
	defer n.mu.RUnlock()

	q := n.prepare(query)
	allowed := mask
	if len(n.removed) > 0 {
		allowed = map[string]bool{}
		for pk := range n.backend.all() {
			if mask != nil && !mask[pk] {
				continue
			}
			if n.removed[pk] {
				continue
			}
			allowed[pk] = true
		}
	}

	cands := n.backend.search(q, k, allowed)
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].distance != cands[j].distance {
			return cands[i].distance < cands[j].distance
		}
		return cands[i].pk < cands[j].pk
	})
	if len(cands) > k {
		cands = cands[:k]
	}
	out := make([]Result, len(cands))
	for i, c := range cands {
		out[i] = Result{PK: c.pk, Distance: c.distance}
	}
	return out, nil
}

// Result is one SearchKNN hit.
type Result struct {
	PK       string
	Distance float32
}

const cfVector = "vector"

// Stats reports a namespace's counts and configuration: Count is every
// vector the backend holds, tombstoned ones included until Save drops
// them, and Tombstoned is how many of those are tombstoned. The
// maintenance CLI uses it to report the result of RebuildFromStorage
// (spec §4.5 supplemented feature).
type Stats struct {
	Count      int
	Tombstoned int
	Dim        int
	Metric     Metric
	Algorithm  Algorithm
}

func (m *Manager) Stats(ns string) (Stats, error) {
	n, err := m.namespaceOrErr(ns)
	if err != nil {
		return Stats{}, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return Stats{
		Count:      n.backend.len(),
		Tombstoned: len(n.removed),
		Dim:        n.dim,
		Metric:     n.cfg.Metric,
		Algorithm:  n.cfg.Algorithm,
	}, nil
}

func (m *Manager) persistRow(ctx context.Context, ns, pk string, embedding []float32) error {
	return m.engine.Put(ctx, cfVector, keyschema.Vector(ns, pk), encodeVectorRow(embedding))
}
