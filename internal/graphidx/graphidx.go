// Package graphidx implements the graph index manager (spec §4.4): dual
// adjacency keys (graph:out/graph:in) kept in lockstep with graph:edge
// records, neighbor listing, BFS with a deterministic visit order and a
// soft frontier cutoff, and Dijkstra-style weighted traversal.
package graphidx

import (
	"container/heap"
	"context"
	"sort"

	"github.com/themisdb/themisdb/internal/codec"
	"github.com/themisdb/themisdb/internal/keyschema"
	"github.com/themisdb/themisdb/internal/kv"
)

const (
	cfEdge = "graph_edge"
	cfAdj  = "graph_adj"
)

// Direction selects which adjacency side Neighbors walks.
type Direction int

const (
	DirOut Direction = iota
	DirIn
	DirBoth
)

// Manager is the sole writer of the graph:node/graph:edge/graph:out/
// graph:in key namespaces (spec §3 ownership rule).
type Manager struct {
	engine kv.Engine
}

func New(engine kv.Engine) *Manager {
	return &Manager{engine: engine}
}

// AddEdge writes graph:edge:<e>, graph:out:<from>:<e>, and
// graph:in:<to>:<e> atomically in one batch (spec §4.4).
func (m *Manager) AddEdge(ctx context.Context, edgePK, fromPK, toPK string, weight float64, fields *codec.BaseEntity) error {
	ops, err := AddEdgeOps(edgePK, fromPK, toPK, weight, fields)
	if err != nil {
		return err
	}
	return m.engine.BatchWrite(ctx, ops)
}

// AddEdgeOps builds the three-key batch AddEdge writes, without touching
// storage. internal/txn stages these into its own batch so edge creation
// commits atomically alongside other staged mutations.
func AddEdgeOps(edgePK, fromPK, toPK string, weight float64, fields *codec.BaseEntity) ([]kv.Op, error) {
	if fields == nil {
		fields = codec.NewEntity(codec.FormatBinary)
	}
	fields.PutField("from_pk", codec.String(fromPK))
	fields.PutField("to_pk", codec.String(toPK))
	fields.PutField("weight", codec.Double(weight))
	blob, err := fields.RebuildBlob()
	if err != nil {
		return nil, err
	}
	return []kv.Op{
		kv.PutOp(cfEdge, keyschema.GraphEdge(edgePK), blob),
		kv.PutOp(cfAdj, keyschema.GraphOut(fromPK, edgePK), []byte{}),
		kv.PutOp(cfAdj, keyschema.GraphIn(toPK, edgePK), []byte{}),
	}, nil
}

// DeleteEdge reverses AddEdge: it looks up the edge to recover from/to,
// then removes all three entries atomically.
func (m *Manager) DeleteEdge(ctx context.Context, edgePK string) error {
	ops, _, _, err := DeleteEdgeOps(ctx, m.engine, edgePK)
	if err != nil {
		return err
	}
	return m.engine.BatchWrite(ctx, ops)
}

// DeleteEdgeOps reads edgePK through r (the live engine, or an in-flight
// kv.Txn for read-your-writes consistency) and builds the reverse of
// AddEdgeOps. internal/txn uses this to stage edge deletion into its own
// batch.
func DeleteEdgeOps(ctx context.Context, r kv.Reader, edgePK string) (ops []kv.Op, fromPK, toPK string, err error) {
	fromPK, toPK, _, err = EdgeVia(ctx, r, edgePK)
	if err != nil {
		return nil, "", "", err
	}
	ops = []kv.Op{
		kv.DeleteOp(cfEdge, keyschema.GraphEdge(edgePK)),
		kv.DeleteOp(cfAdj, keyschema.GraphOut(fromPK, edgePK)),
		kv.DeleteOp(cfAdj, keyschema.GraphIn(toPK, edgePK)),
	}
	return ops, fromPK, toPK, nil
}

// Edge resolves an edge_pk to its stored from/to/weight fields.
func (m *Manager) Edge(ctx context.Context, edgePK string) (fromPK, toPK string, weight float64, err error) {
	return EdgeVia(ctx, m.engine, edgePK)
}

// EdgeVia is Edge parameterized over the reader, so callers inside an
// open transaction see their own staged-but-uncommitted edge writes.
func EdgeVia(ctx context.Context, r kv.Reader, edgePK string) (fromPK, toPK string, weight float64, err error) {
	blob, err := r.Get(ctx, cfEdge, keyschema.GraphEdge(edgePK))
	if err != nil {
		return "", "", 0, err
	}
	entity, err := codec.DecodeEntity(blob, codec.FormatBinary)
	if err != nil {
		return "", "", 0, err
	}
	fromPK, _ = entity.GetFieldAsString("from_pk")
	toPK, _ = entity.GetFieldAsString("to_pk")
	if v, ok := entity.GetField("weight"); ok {
		weight, _ = v.AsFloat64()
	}
	return fromPK, toPK, weight, nil
}

// Neighbors lists the edge_pks adjacent to pk in the given direction, in
// ascending edge_pk order.
func (m *Manager) Neighbors(ctx context.Context, pk string, dir Direction) ([]string, error) {
	var edges []string
	if dir == DirOut || dir == DirBoth {
		out, err := m.scanAdjacency(ctx, keyschema.GraphOutPrefix(pk), true)
		if err != nil {
			return nil, err
		}
		edges = append(edges, out...)
	}
	if dir == DirIn || dir == DirBoth {
		in, err := m.scanAdjacency(ctx, keyschema.GraphInPrefix(pk), false)
		if err != nil {
			return nil, err
		}
		edges = append(edges, in...)
	}
	sort.Strings(edges)
	return edges, nil
}

func (m *Manager) scanAdjacency(ctx context.Context, prefix []byte, out bool) ([]string, error) {
	it, err := m.engine.IterPrefix(ctx, cfAdj, prefix)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var edgePKs []string
	for it.Next() {
		var edgePK string
		var parseErr error
		if out {
			_, edgePK, parseErr = keyschema.ParseGraphOut(it.KV().Key)
		} else {
			_, edgePK, parseErr = keyschema.ParseGraphIn(it.KV().Key)
		}
		if parseErr != nil {
			continue
		}
		edgePKs = append(edgePKs, edgePK)
	}
	return edgePKs, nil
}

// Visit is one BFS result entry (spec §4.4).
type Visit struct {
	PK        string
	Hop       int
	PathEdges []string
}

// BFSResult carries the visit order plus the soft-cutoff flag.
type BFSResult struct {
	Visits    []Visit
	Truncated bool
}

// FilterFunc lets callers exclude edges from traversal (e.g. by edge
// type); returning false skips the edge entirely.
type FilterFunc func(edgePK, fromPK, toPK string) bool

// defaultMaxVisited bounds the BFS frontier so a pathological graph cannot make
// a single traversal call run unbounded (spec §4.4 soft cutoff).
const defaultMaxVisited = 100_000

// BFS walks outward from start up to maxHops, visiting nodes in
// ascending-hop then ascending-edge_pk order for determinism (spec
// §4.4). It stops early and sets Truncated=true once maxVisited nodes
// have been visited.
func (m *Manager) BFS(ctx context.Context, start string, maxHops int, filter FilterFunc) (*BFSResult, error) {
	return m.bfs(ctx, start, maxHops, filter, defaultMaxVisited)
}

// bfsCandidate is one not-yet-visited edge crossing the current hop
// boundary, carrying the parent path it would extend if taken.
type bfsCandidate struct {
	edgePK     string
	fromPK     string
	toPK       string
	parentPath []string
}

func (m *Manager) bfs(ctx context.Context, start string, maxHops int, filter FilterFunc, maxVisited int) (*BFSResult, error) {
	visited := map[string]bool{start: true}
	frontier := []Visit{{PK: start, Hop: 0, PathEdges: nil}}
	result := &BFSResult{}
	result.Visits = append(result.Visits, frontier[0])

	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		var candidates []bfsCandidate
		for _, v := range frontier {
			edgePKs, err := m.Neighbors(ctx, v.PK, DirOut)
			if err != nil {
				return nil, err
			}
			for _, edgePK := range edgePKs {
				candidates = append(candidates, bfsCandidate{edgePK: edgePK, parentPath: v.PathEdges})
			}
		}
		// Sort once across the whole hop's frontier so visit order is
		// globally ascending-edge_pk, not just ascending within each
		// source node's own neighbor list (spec §4.4).
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].edgePK < candidates[j].edgePK })

		var next []Visit
		for _, c := range candidates {
			if len(visited) >= maxVisited {
				result.Truncated = true
				return result, nil
			}
			fromPK, toPK, _, err := m.Edge(ctx, c.edgePK)
			if err != nil {
				continue
			}
			if filter != nil && !filter(c.edgePK, fromPK, toPK) {
				continue
			}
			if visited[toPK] {
				continue
			}
			visited[toPK] = true
			path := append(append([]string(nil), c.parentPath...), c.edgePK)
			nv := Visit{PK: toPK, Hop: hop + 1, PathEdges: path}
			next = append(next, nv)
			result.Visits = append(result.Visits, nv)
		}
		frontier = next
	}
	return result, nil
}

// heap item for Dijkstra.
type pqItem struct {
	pk   string
	cost float64
	path []string
}

type priorityQueue []pqItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].cost != pq[j].cost {
		return pq[i].cost < pq[j].cost
	}
	return pq[i].pk < pq[j].pk // tie-break by pk, spec §4.4
}
func (pq priorityQueue) Swap(i, j int)      { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x any)        { *pq = append(*pq, x.(pqItem)) }
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

// CostFunc computes the traversal cost of taking an edge with the given
// weight; most callers just return weight unchanged.
type CostFunc func(edgePK string, weight float64) float64

// TraverseResult is one node reached by WeightedTraverse.
type TraverseResult struct {
	PK        string
	Cost      float64
	PathEdges []string
}

// NamedCostFunc looks up one of the traversal cost functions usable by
// name from AQL GRAPH traversal clauses, in addition to a caller-supplied
// CostFunc (spec §4.4 supplemented feature).
func NamedCostFunc(name string) (CostFunc, bool) {
	switch name {
	case "edge_weight":
		return func(_ string, weight float64) float64 { return weight }, true
	case "hop_count":
		return func(_ string, _ float64) float64 { return 1 }, true
	case "inverse_weight":
		return func(_ string, weight float64) float64 {
			if weight == 0 {
				return 0
			}
			return 1 / weight
		}, true
	default:
		return nil, false
	}
}

// WeightedTraverse runs Dijkstra from start, expanding nodes while their
// accumulated cost stays at or below maxCost, with ties broken by
// ascending pk (spec §4.4).
func (m *Manager) WeightedTraverse(ctx context.Context, start string, maxCost float64, costFn CostFunc) ([]TraverseResult, error) {
	if costFn == nil {
		costFn = func(_ string, weight float64) float64 { return weight }
	}
	best := map[string]float64{start: 0}
	pq := &priorityQueue{{pk: start, cost: 0}}
	heap.Init(pq)

	var results []TraverseResult
	for pq.Len() > 0 {
		item := heap.Pop(pq).(pqItem)
		if c, ok := best[item.pk]; ok && item.cost > c {
			continue // stale entry
		}
		results = append(results, TraverseResult{PK: item.pk, Cost: item.cost, PathEdges: item.path})

		edgePKs, err := m.Neighbors(ctx, item.pk, DirOut)
		if err != nil {
			return nil, err
		}
		for _, edgePK := range edgePKs {
			fromPK, toPK, weight, err := m.Edge(ctx, edgePK)
			if err != nil || fromPK != item.pk {
				continue
			}
			newCost := item.cost + costFn(edgePK, weight)
			if newCost > maxCost {
				continue
			}
			if c, ok := best[toPK]; ok && c <= newCost {
				continue
			}
			best[toPK] = newCost
			path := append(append([]string(nil), item.path...), edgePK)
			heap.Push(pq, pqItem{pk: toPK, cost: newCost, path: path})
		}
	}
	return results, nil
}
