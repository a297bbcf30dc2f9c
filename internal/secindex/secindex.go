// Package secindex implements the secondary index manager (spec §4.3):
// presence-only membership entries keyed `idx:<table>:<column>:<value>:<pk>`,
// kept in sync with relational rows via on_put/on_delete diffing, plus
// equality/range/in queries and a simple selectivity-driven predicate
// planner.
package secindex

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/themisdb/themisdb/internal/codec"
	"github.com/themisdb/themisdb/internal/keyschema"
	"github.com/themisdb/themisdb/internal/kv"
)

// queryInFanOutThreshold is the minimum value-list length below which
// QueryIn just runs QueryEq sequentially; errgroup fan-out only pays for
// itself once there are enough independent prefix scans to overlap.
const queryInFanOutThreshold = 4

const cf = "idx"

// Manager owns every secondary index definition and is the sole writer
// of the `idx:` key namespace (spec §3 ownership rule).
type Manager struct {
	engine kv.Engine

	mu      sync.RWMutex
	indexed map[string]map[string]bool // table -> column -> true

	selMu       sync.Mutex
	selectivity map[selKey]int // (table, column, value) -> observed row count
}

type selKey struct {
	table, column, value string
}

// New returns a Manager bound to engine.
func New(engine kv.Engine) *Manager {
	return &Manager{
		engine:      engine,
		indexed:     make(map[string]map[string]bool),
		selectivity: make(map[selKey]int),
	}
}

// CreateIndex registers (table, column) as indexed. Existing rows are not
// backfilled automatically; callers rebuild by replaying on_put for every
// row if they need that.
func (m *Manager) CreateIndex(table, column string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cols, ok := m.indexed[table]
	if !ok {
		cols = make(map[string]bool)
		m.indexed[table] = cols
	}
	cols[column] = true
}

// IndexedColumns returns the columns indexed for table, sorted.
func (m *Manager) IndexedColumns(table string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cols := m.indexed[table]
	out := make([]string, 0, len(cols))
	for c := range cols {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// OnPut diffs oldRow against newRow for every indexed column of table and
// emits the corresponding idx: deletes/puts. The diff only contains
// changed columns, so a call whose old and new rows agree on every
// indexed column writes nothing; re-running a call whose rows differ
// writes the same deletes/puts again (the idx: entries end up the same)
// and bumps the selectivity counters again.
func (m *Manager) OnPut(ctx context.Context, table, pk string, newRow, oldRow *codec.BaseEntity) error {
	ops := m.PutOps(table, pk, newRow, oldRow)
	if len(ops) == 0 {
		return nil
	}
	return m.engine.BatchWrite(ctx, ops)
}

// PutOps computes the idx: diff ops for OnPut without writing them,
// bumping the selectivity counters as a side effect. internal/txn stages
// the returned ops into its own batch so index maintenance commits
// atomically with the relational row it describes.
func (m *Manager) PutOps(table, pk string, newRow, oldRow *codec.BaseEntity) []kv.Op {
	var ops []kv.Op
	for _, col := range m.IndexedColumns(table) {
		oldVal, oldOK := fieldString(oldRow, col)
		newVal, newOK := fieldString(newRow, col)
		if oldOK && (!newOK || oldVal != newVal) {
			ops = append(ops, kv.DeleteOp(cf, keyschema.Index(table, col, oldVal, pk)))
			m.bumpSelectivity(table, col, oldVal, -1)
		}
		if newOK && (!oldOK || oldVal != newVal) {
			ops = append(ops, kv.PutOp(cf, keyschema.Index(table, col, newVal, pk), []byte{}))
			m.bumpSelectivity(table, col, newVal, 1)
		}
	}
	return ops
}

// OnDelete removes every index entry referencing pk, derived from
// oldRow's indexed column values.
func (m *Manager) OnDelete(ctx context.Context, table, pk string, oldRow *codec.BaseEntity) error {
	ops := m.DeleteOps(table, pk, oldRow)
	if len(ops) == 0 {
		return nil
	}
	return m.engine.BatchWrite(ctx, ops)
}

// DeleteOps computes the idx: removal ops for OnDelete without writing
// them; see PutOps.
func (m *Manager) DeleteOps(table, pk string, oldRow *codec.BaseEntity) []kv.Op {
	var ops []kv.Op
	for _, col := range m.IndexedColumns(table) {
		val, ok := fieldString(oldRow, col)
		if !ok {
			continue
		}
		ops = append(ops, kv.DeleteOp(cf, keyschema.Index(table, col, val, pk)))
		m.bumpSelectivity(table, col, val, -1)
	}
	return ops
}

// QueryEq returns every pk indexed under (table, column, value).
func (m *Manager) QueryEq(ctx context.Context, table, column, value string) ([]string, error) {
	prefix := keyschema.IndexEqPrefix(table, column, value)
	return m.scanPKs(ctx, prefix)
}

// QueryIn is the union of QueryEq across values, deduplicated. Each
// value's QueryEq is an independent prefix scan, so once there are
// enough of them an errgroup fans them out concurrently instead of
// running one after another; results are merged (and re-sorted) only
// after every scan has returned, so the fan-out never changes QueryIn's
// output versus the sequential path, only its latency.
func (m *Manager) QueryIn(ctx context.Context, table, column string, values []string) ([]string, error) {
	if len(values) < queryInFanOutThreshold {
		return m.queryInSequential(ctx, table, column, values)
	}

	perValue := make([][]string, len(values))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range values {
		i, v := i, v
		g.Go(func() error {
			pks, err := m.QueryEq(gctx, table, column, v)
			if err != nil {
				return err
			}
			perValue[i] = pks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var out []string
	for _, pks := range perValue {
		for _, pk := range pks {
			if !seen[pk] {
				seen[pk] = true
				out = append(out, pk)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) queryInSequential(ctx context.Context, table, column string, values []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, v := range values {
		pks, err := m.QueryEq(ctx, table, column, v)
		if err != nil {
			return nil, err
		}
		for _, pk := range pks {
			if !seen[pk] {
				seen[pk] = true
				out = append(out, pk)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// QueryRange returns pks for rows whose indexed value falls between lo
// and hi, ordered ascending by value then pk. inclusiveLo/inclusiveHi
// choose whether each boundary value itself matches; an empty lo or hi
// leaves that side unbounded.
func (m *Manager) QueryRange(ctx context.Context, table, column, lo, hi string, inclusiveLo, inclusiveHi bool) ([]string, error) {
	prefix := keyschema.IndexColumnPrefix(table, column)
	it, err := m.engine.IterPrefix(ctx, cf, prefix)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	type entry struct{ value, pk string }
	var entries []entry
	for it.Next() {
		_, _, value, pk, err := keyschema.ParseIndex(it.KV().Key)
		if err != nil {
			continue
		}
		if lo != "" {
			if inclusiveLo {
				if value < lo {
					continue
				}
			} else if value <= lo {
				continue
			}
		}
		if hi != "" {
			if inclusiveHi {
				if value > hi {
					continue
				}
			} else if value >= hi {
				continue
			}
		}
		entries = append(entries, entry{value, pk})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].value != entries[j].value {
			return entries[i].value < entries[j].value
		}
		return entries[i].pk < entries[j].pk
	})
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.pk
	}
	return out, nil
}

func (m *Manager) scanPKs(ctx context.Context, prefix []byte) ([]string, error) {
	it, err := m.engine.IterPrefix(ctx, cf, prefix)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []string
	for it.Next() {
		key := string(it.KV().Key)
		idx := strings.LastIndex(key, ":")
		out = append(out, key[idx+1:])
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) bumpSelectivity(table, column, value string, delta int) {
	m.selMu.Lock()
	defer m.selMu.Unlock()
	k := selKey{table, column, value}
	m.selectivity[k] += delta
	if m.selectivity[k] < 0 {
		m.selectivity[k] = 0
	}
}

// Selectivity returns the current observed cardinality for (table,
// column, value), used by the query planner to rank predicates.
func (m *Manager) Selectivity(table, column, value string) int {
	m.selMu.Lock()
	defer m.selMu.Unlock()
	return m.selectivity[selKey{table, column, value}]
}

// Predicate is a single equality predicate candidate for planning.
type Predicate struct {
	Table, Column, Value string
}

// PickMostSelective returns the index of the predicate with the lowest
// cardinality (most selective). Ties are broken by ascending column
// name; there is no secondary cardinality-based tie-break, since two
// predicates tied on primary cardinality are already indistinguishable
// by that measure.
func (m *Manager) PickMostSelective(preds []Predicate) (int, error) {
	if len(preds) == 0 {
		return -1, fmt.Errorf("secindex: no predicates to plan")
	}
	type scored struct {
		idx   int
		card  int
		table string
		pred  Predicate
	}
	var scs []scored
	for i, p := range preds {
		scs = append(scs, scored{idx: i, card: m.Selectivity(p.Table, p.Column, p.Value), pred: p})
	}
	sort.SliceStable(scs, func(i, j int) bool {
		if scs[i].card != scs[j].card {
			return scs[i].card < scs[j].card
		}
		return scs[i].pred.Column < scs[j].pred.Column
	})
	return scs[0].idx, nil
}

func fieldString(e *codec.BaseEntity, column string) (string, bool) {
	if e == nil {
		return "", false
	}
	v, ok := e.GetField(column)
	if !ok || v.IsNull() {
		return "", false
	}
	if s, err := v.AsString(); err == nil {
		return s, true
	}
	if n, err := v.AsInt64(); err == nil {
		return fmt.Sprintf("%d", n), true
	}
	if f, err := v.AsFloat64(); err == nil {
		return fmt.Sprintf("%g", f), true
	}
	if b, err := v.AsBool(); err == nil {
		return fmt.Sprintf("%t", b), true
	}
	return "", false
}
