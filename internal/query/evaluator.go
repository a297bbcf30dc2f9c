package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/themisdb/themisdb/internal/codec"
	"github.com/themisdb/themisdb/internal/fulltext"
	"github.com/themisdb/themisdb/internal/fusion"
	"github.com/themisdb/themisdb/internal/graphidx"
	"github.com/themisdb/themisdb/internal/keyschema"
	"github.com/themisdb/themisdb/internal/kv"
	"github.com/themisdb/themisdb/internal/kverr"
	"github.com/themisdb/themisdb/internal/secindex"
	"github.com/themisdb/themisdb/internal/telemetry"
	"github.com/themisdb/themisdb/internal/timeparsing"
	"github.com/themisdb/themisdb/internal/vectoridx"
)

// Row is one bound tuple flowing through the evaluation pipeline: a
// variable name (from FOR/LET/COLLECT) mapped to its current value. A
// document/row/vertex binding is a map[string]any carrying "pk" and
// "_collection" alongside its decoded fields.
type Row map[string]any

func cloneRow(r Row) Row {
	out := make(Row, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Engine executes parsed Query ASTs against the storage substrate,
// generalizing the predecessor filter-language evaluator's
// push-into-index / fall-back-to-predicate pattern: FOR+FILTER pairs are
// planned through secindex.PickMostSelective where an equality predicate
// is indexed, and every row is still re-checked against the full FILTER
// expression so planning mistakes never affect correctness.
type Engine struct {
	kv    kv.Engine
	sec   *secindex.Manager
	graph *graphidx.Manager
	vec   *vectoridx.Manager
	ft    *fulltext.Index // nil disables BM25/FULLTEXT_SCORE and /search/fusion text candidates

	telemetry telemetry.Sink
}

// New returns an Engine bound to the given storage and index managers.
// ft may be nil if full-text search is not configured for this deployment.
func New(engine kv.Engine, sec *secindex.Manager, graph *graphidx.Manager, vec *vectoridx.Manager, ft *fulltext.Index) *Engine {
	return &Engine{kv: engine, sec: sec, graph: graph, vec: vec, ft: ft, telemetry: telemetry.Noop}
}

// SetTelemetry wires the observability sink after construction.
func (e *Engine) SetTelemetry(s telemetry.Sink) {
	if s == nil {
		s = telemetry.Noop
	}
	e.telemetry = s
}

// Result is the outcome of executing a query: one projected value per
// RETURN row, in output order.
type Result struct {
	Rows []any
}

// Run parses and executes aql in one call.
func (e *Engine) Run(ctx context.Context, aql string) (*Result, error) {
	q, err := Parse(aql)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", kverr.ErrInvalidArgument, err)
	}
	return e.Execute(ctx, q)
}

// Execute runs an already-parsed Query against storage.
func (e *Engine) Execute(ctx context.Context, q *Query) (*Result, error) {
	ctx, endSpan := e.telemetry.StartSpan(ctx, "query.execute", telemetry.Int64("clauses", int64(len(q.Clauses))))
	rows, _, err := e.run(ctx, q, false)
	endSpan(err)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Plan records the decisions Execute made for observability (spec §4.9
// supplemented feature 4): which FOR clause resolved through an index
// scan versus a full collection scan, and the estimated candidate size.
type Plan struct {
	Steps []string
}

func (p *Plan) String() string { return strings.Join(p.Steps, "\n") }

// Explain parses aql and reports the chosen scan/index strategy. The
// plan is derived from the same planning code Execute uses, so it never
// drifts from what a real run would do, but rows are still produced
// (Explain does not special-case away the scan) since the planner's
// candidate-size estimate depends on actually touching the index.
func (e *Engine) Explain(ctx context.Context, aql string) (*Plan, error) {
	q, err := Parse(aql)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", kverr.ErrInvalidArgument, err)
	}
	_, plan, err := e.run(ctx, q, true)
	return plan, err
}

func (e *Engine) run(ctx context.Context, q *Query, explain bool) (*Result, *Plan, error) {
	plan := &Plan{}
	now := time.Now()
	rows := []Row{{}}

	plannedForIdx, plannedFilterIdx := plannableForFilter(q)

	for i, clause := range q.Clauses {
		switch c := clause.(type) {
		case ForClause:
			var filterExpr Expr
			if i == plannedForIdx && plannedFilterIdx >= 0 {
				filterExpr = q.Clauses[plannedFilterIdx].(FilterClause).Expr
			}
			next, step, err := e.execFor(ctx, c, rows, filterExpr)
			if err != nil {
				return nil, plan, err
			}
			plan.Steps = append(plan.Steps, step)
			rows = next
		case GraphForClause:
			next, err := e.execGraphFor(ctx, c, rows)
			if err != nil {
				return nil, plan, err
			}
			plan.Steps = append(plan.Steps, fmt.Sprintf("graph traversal %s..%s hops %s from start, binding %s",
				itoa(c.MinHops), itoa(c.MaxHops), c.Direction, c.VertexVar))
			rows = next
		case FilterClause:
			next, err := e.execFilter(ctx, c, rows, now)
			if err != nil {
				return nil, plan, err
			}
			rows = next
		case LetClause:
			next, err := e.execLet(ctx, c, rows, now)
			if err != nil {
				return nil, plan, err
			}
			rows = next
		case SortClause:
			next, err := e.execSort(ctx, c, rows, now)
			if err != nil {
				return nil, plan, err
			}
			rows = next
		case LimitClause:
			next, err := e.execLimit(ctx, c, rows, now)
			if err != nil {
				return nil, plan, err
			}
			rows = next
		case CollectClause:
			next, err := e.execCollect(ctx, c, rows, now)
			if err != nil {
				return nil, plan, err
			}
			rows = next
		case ReturnClause:
			values := make([]any, 0, len(rows))
			for _, r := range rows {
				v, err := e.eval(ctx, r, c.Expr, now)
				if err != nil {
					return nil, plan, err
				}
				values = append(values, v)
			}
			return &Result{Rows: values}, plan, nil
		}
	}
	return nil, plan, fmt.Errorf("%w: query has no RETURN clause", kverr.ErrInvalidArgument)
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }

// --- FOR / collection scanning ---

type rowEntity struct {
	pk     string
	entity *codec.BaseEntity
}

// execFor expands every input row into one row per matching collection
// entity, bound under c.Var. filterExpr is the FILTER clause immediately
// following this FOR (if any); it is used only to plan the candidate
// scan, and the full clause is still evaluated later by execFilter.
func (e *Engine) execFor(ctx context.Context, c ForClause, rows []Row, filterExpr Expr) ([]Row, string, error) {
	var candidates []rowEntity
	step := fmt.Sprintf("collection %q: full scan", c.Collection)

	if filterExpr != nil {
		scan, err := e.planScan(ctx, c.Collection, filterExpr, c.Var)
		if err != nil {
			return nil, "", err
		}
		if scan.Strategy == "index_eq" {
			step = fmt.Sprintf("collection %q: index scan on %s=%q (selectivity=%d)", c.Collection, scan.Column, scan.Value, scan.Selectivity)
			for _, pk := range scan.Candidates {
				blob, err := e.kv.Get(ctx, "relational", keyschema.Relational(c.Collection, pk))
				if err != nil {
					continue
				}
				ent, err := codec.DecodeEntity(blob, codec.FormatBinary)
				if err != nil {
					continue
				}
				candidates = append(candidates, rowEntity{pk: pk, entity: ent})
			}
		}
	}

	if candidates == nil {
		var err error
		candidates, err = e.scanFull(ctx, c.Collection)
		if err != nil {
			return nil, "", err
		}
	}

	var out []Row
	for _, r := range rows {
		for _, cand := range candidates {
			child := cloneRow(r)
			child[c.Var] = entityRow(c.Collection, cand.pk, cand.entity)
			out = append(out, child)
		}
	}
	return out, step, nil
}

// scanFull reads every entity in a relational table, falling back to the
// document collection of the same name if the table is empty (ThemisDB
// collections may be relational or document-shaped; a FOR clause does
// not say which).
func (e *Engine) scanFull(ctx context.Context, collection string) ([]rowEntity, error) {
	out, err := e.scanCF(ctx, "relational", keyschema.RelationalTablePrefix(collection), keyschema.ParseRelational)
	if err != nil {
		return nil, err
	}
	if len(out) > 0 {
		return out, nil
	}
	return e.scanCF(ctx, "document", keyschema.DocumentCollectionPrefix(collection), keyschema.ParseDocument)
}

func (e *Engine) scanCF(ctx context.Context, cf string, prefix []byte, parse func([]byte) (string, string, error)) ([]rowEntity, error) {
	it, err := e.kv.IterPrefix(ctx, cf, prefix)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []rowEntity
	for it.Next() {
		kvPair := it.KV()
		_, pk, err := parse(kvPair.Key)
		if err != nil {
			continue
		}
		ent, err := codec.DecodeEntity(kvPair.Value, codec.FormatBinary)
		if err != nil {
			continue
		}
		out = append(out, rowEntity{pk: pk, entity: ent})
	}
	return out, it.Err()
}

func entityRow(collection, pk string, e *codec.BaseEntity) map[string]any {
	m := map[string]any{"pk": pk, "_collection": collection}
	for _, name := range e.FieldNames() {
		v, _ := e.GetField(name)
		m[name] = valueToGo(v)
	}
	return m
}

func valueToGo(v codec.Value) any {
	switch v.Tag {
	case codec.TagNull:
		return nil
	case codec.TagBoolTrue:
		return true
	case codec.TagBoolFalse:
		return false
	case codec.TagString:
		s, _ := v.AsString()
		return s
	case codec.TagBinary:
		b, _ := v.AsBinary()
		return b
	case codec.TagVectorFloat:
		vec, _ := v.AsVector()
		return vec
	case codec.TagArray:
		arr, _ := v.AsArray()
		out := make([]any, len(arr))
		for i, elem := range arr {
			out[i] = valueToGo(elem)
		}
		return out
	case codec.TagObject:
		obj, _ := v.AsObject()
		out := make(map[string]any, len(obj))
		for k, vv := range obj {
			out[k] = valueToGo(vv)
		}
		return out
	default:
		f, _ := v.AsFloat64()
		return f
	}
}

// --- graph traversal ---

type graphHit struct {
	pk     string
	edgePK string
	hop    int
	cost   float64
}

func (e *Engine) execGraphFor(ctx context.Context, c GraphForClause, rows []Row) ([]Row, error) {
	dir, err := directionFor(c.Direction)
	if err != nil {
		return nil, err
	}
	var costFn graphidx.CostFunc
	if c.Graph != "" {
		if fn, ok := graphidx.NamedCostFunc(c.Graph); ok {
			costFn = fn
		}
	}

	var out []Row
	for _, r := range rows {
		startVal, err := e.eval(ctx, r, c.Start, time.Now())
		if err != nil {
			return nil, err
		}
		startPK, ok := startVal.(string)
		if !ok {
			return nil, fmt.Errorf("%w: graph traversal start must resolve to a pk string", kverr.ErrInvalidArgument)
		}

		hits, err := e.traverse(ctx, startPK, dir, c.MinHops, c.MaxHops, costFn)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			child := cloneRow(r)
			child[c.VertexVar] = map[string]any{"pk": h.pk, "_hop": float64(h.hop), "_cost": h.cost}
			if c.EdgeVar != "" {
				child[c.EdgeVar] = map[string]any{"pk": h.edgePK}
			}
			out = append(out, child)
		}
	}
	return out, nil
}

func directionFor(s string) (graphidx.Direction, error) {
	switch s {
	case "OUTBOUND":
		return graphidx.DirOut, nil
	case "INBOUND":
		return graphidx.DirIn, nil
	case "ANY":
		return graphidx.DirBoth, nil
	default:
		return 0, fmt.Errorf("%w: unknown traversal direction %q", kverr.ErrInvalidArgument, s)
	}
}

// traverseCandidate is one not-yet-visited edge crossing the current
// hop boundary, carrying the parent hit it would extend from.
type traverseCandidate struct {
	edgePK string
	parent graphHit
}

// traverse walks the graph from start for [minHops, maxHops], in
// ascending edge_pk order per hop for determinism, matching
// graphidx.BFS's visit-order contract but parameterized over direction
// (graphidx.BFS itself only expands outbound edges).
func (e *Engine) traverse(ctx context.Context, start string, dir graphidx.Direction, minHops, maxHops int, costFn graphidx.CostFunc) ([]graphHit, error) {
	visited := map[string]bool{start: true}
	frontier := []graphHit{{pk: start}}
	var results []graphHit

	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		var candidates []traverseCandidate
		for _, f := range frontier {
			edgePKs, err := e.graph.Neighbors(ctx, f.pk, dir)
			if err != nil {
				return nil, err
			}
			for _, edgePK := range edgePKs {
				candidates = append(candidates, traverseCandidate{edgePK: edgePK, parent: f})
			}
		}
		// Sort once across the whole hop's frontier so visit order is
		// globally ascending-edge_pk, matching graphidx.BFS's contract,
		// not just ascending within each source node's own neighbors.
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].edgePK < candidates[j].edgePK })

		var next []graphHit
		for _, c := range candidates {
			f := c.parent
			fromPK, toPK, weight, err := e.graph.Edge(ctx, c.edgePK)
			if err != nil {
				continue
			}
			other := toPK
			if fromPK != f.pk {
				other = fromPK
			}
			if visited[other] {
				continue
			}
			visited[other] = true
			cost := f.cost + weight
			if costFn != nil {
				cost = f.cost + costFn(c.edgePK, weight)
			}
			nh := graphHit{pk: other, edgePK: c.edgePK, hop: hop, cost: cost}
			next = append(next, nh)
			if hop >= minHops {
				results = append(results, nh)
			}
		}
		frontier = next
	}
	return results, nil
}

// --- FILTER / LET / SORT / LIMIT / COLLECT / RETURN ---

func (e *Engine) execFilter(ctx context.Context, c FilterClause, rows []Row, now time.Time) ([]Row, error) {
	var out []Row
	for _, r := range rows {
		v, err := e.eval(ctx, r, c.Expr, now)
		if err != nil {
			return nil, err
		}
		if truthy(v) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (e *Engine) execLet(ctx context.Context, c LetClause, rows []Row, now time.Time) ([]Row, error) {
	out := make([]Row, len(rows))
	for i, r := range rows {
		v, err := e.eval(ctx, r, c.Expr, now)
		if err != nil {
			return nil, err
		}
		child := cloneRow(r)
		child[c.Var] = v
		out[i] = child
	}
	return out, nil
}

func (e *Engine) execSort(ctx context.Context, c SortClause, rows []Row, now time.Time) ([]Row, error) {
	type keyed struct {
		row  Row
		keys []any
	}
	ks := make([]keyed, len(rows))
	for i, r := range rows {
		keys := make([]any, len(c.Fields))
		for j, f := range c.Fields {
			v, err := e.eval(ctx, r, f.Expr, now)
			if err != nil {
				return nil, err
			}
			keys[j] = v
		}
		ks[i] = keyed{row: r, keys: keys}
	}
	sort.SliceStable(ks, func(i, j int) bool {
		for k, f := range c.Fields {
			cmp, ok := compareValues(ks[i].keys[k], ks[j].keys[k])
			if !ok || cmp == 0 {
				continue
			}
			if f.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	out := make([]Row, len(ks))
	for i, k := range ks {
		out[i] = k.row
	}
	return out, nil
}

func (e *Engine) execLimit(ctx context.Context, c LimitClause, rows []Row, now time.Time) ([]Row, error) {
	offset := 0
	if c.Offset != nil {
		v, err := e.eval(ctx, Row{}, c.Offset, now)
		if err != nil {
			return nil, err
		}
		f, _ := toFloat(v)
		offset = int(f)
	}
	count := len(rows)
	if c.Count != nil {
		v, err := e.eval(ctx, Row{}, c.Count, now)
		if err != nil {
			return nil, err
		}
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("%w: LIMIT count must be numeric", kverr.ErrInvalidArgument)
		}
		count = int(f)
	}
	if offset < 0 {
		offset = 0
	}
	if offset > len(rows) {
		offset = len(rows)
	}
	end := offset + count
	if end > len(rows) || count < 0 {
		end = len(rows)
	}
	return append([]Row(nil), rows[offset:end]...), nil
}

func (e *Engine) execCollect(ctx context.Context, c CollectClause, rows []Row, now time.Time) ([]Row, error) {
	type group struct {
		key   any
		rows  []Row
		order int
	}
	groups := map[string]*group{}
	var order []string

	keyString := func(v any) string { return fmt.Sprintf("%v", v) }

	for _, r := range rows {
		var key any
		if c.KeyExpr != nil {
			v, err := e.eval(ctx, r, c.KeyExpr, now)
			if err != nil {
				return nil, err
			}
			key = v
		}
		gk := keyString(key)
		g, ok := groups[gk]
		if !ok {
			g = &group{key: key, order: len(order)}
			groups[gk] = g
			order = append(order, gk)
		}
		g.rows = append(g.rows, r)
	}

	var out []Row
	for _, gk := range order {
		g := groups[gk]
		row := Row{}
		if c.KeyVar != "" {
			row[c.KeyVar] = g.key
		}
		if c.WithCount {
			row[c.CountVar] = float64(len(g.rows))
		}
		if c.IntoVar != "" {
			items := make([]any, len(g.rows))
			for i, r := range g.rows {
				items[i] = map[string]any(r)
			}
			row[c.IntoVar] = items
		}
		out = append(out, row)
	}
	return out, nil
}

// --- expression evaluation ---

func (e *Engine) eval(ctx context.Context, env Row, expr Expr, now time.Time) (any, error) {
	switch n := expr.(type) {
	case Literal:
		return n.Value, nil
	case DurationLiteral:
		return resolveDuration(n, now)
	case VarRef:
		v, ok := env[n.Name]
		if !ok {
			return nil, fmt.Errorf("%w: unbound variable %q", kverr.ErrInvalidArgument, n.Name)
		}
		return v, nil
	case FieldAccess:
		target, err := e.eval(ctx, env, n.Target, now)
		if err != nil {
			return nil, err
		}
		m, ok := target.(map[string]any)
		if !ok {
			return nil, nil
		}
		return m[n.Field], nil
	case UnaryExpr:
		return e.evalUnary(ctx, env, n, now)
	case BinaryExpr:
		return e.evalBinary(ctx, env, n, now)
	case FuncCall:
		return e.evalFuncCall(ctx, env, n, now)
	case ArrayLit:
		out := make([]any, len(n.Elements))
		for i, el := range n.Elements {
			v, err := e.eval(ctx, env, el, now)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case ObjectLit:
		out := make(map[string]any, len(n.Keys))
		for i, k := range n.Keys {
			v, err := e.eval(ctx, env, n.Values[i], now)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported expression %T", kverr.ErrInvalidArgument, expr)
	}
}

func resolveDuration(d DurationLiteral, now time.Time) (any, error) {
	t, err := timeparsing.ParseCompactDuration(d.Raw, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", kverr.ErrInvalidArgument, err)
	}
	return float64(t.Unix()), nil
}

func (e *Engine) evalUnary(ctx context.Context, env Row, n UnaryExpr, now time.Time) (any, error) {
	v, err := e.eval(ctx, env, n.Operand, now)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case "NOT":
		return !truthy(v), nil
	case "-":
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("%w: unary - requires a number", kverr.ErrTypeMismatch)
		}
		return -f, nil
	default:
		return nil, fmt.Errorf("%w: unknown unary operator %q", kverr.ErrInvalidArgument, n.Op)
	}
}

func (e *Engine) evalBinary(ctx context.Context, env Row, n BinaryExpr, now time.Time) (any, error) {
	if n.Op == "AND" {
		l, err := e.eval(ctx, env, n.Left, now)
		if err != nil {
			return nil, err
		}
		if !truthy(l) {
			return false, nil
		}
		r, err := e.eval(ctx, env, n.Right, now)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}
	if n.Op == "OR" {
		l, err := e.eval(ctx, env, n.Left, now)
		if err != nil {
			return nil, err
		}
		if truthy(l) {
			return true, nil
		}
		r, err := e.eval(ctx, env, n.Right, now)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}

	l, err := e.eval(ctx, env, n.Left, now)
	if err != nil {
		return nil, err
	}
	r, err := e.eval(ctx, env, n.Right, now)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case "==", "!=":
		eq := equalValues(l, r)
		if n.Op == "!=" {
			return !eq, nil
		}
		return eq, nil
	case "<", "<=", ">", ">=":
		cmp, ok := compareValues(l, r)
		if !ok {
			return false, nil
		}
		switch n.Op {
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		case ">":
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case "+":
		if ls, ok := l.(string); ok {
			if rs, ok2 := r.(string); ok2 {
				return ls + rs, nil
			}
		}
		return arith(l, r, n.Op)
	case "-", "*", "/", "%":
		return arith(l, r, n.Op)
	default:
		return nil, fmt.Errorf("%w: unknown binary operator %q", kverr.ErrInvalidArgument, n.Op)
	}
}

func arith(l, r any, op string) (any, error) {
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if !lok || !rok {
		return nil, fmt.Errorf("%w: arithmetic requires numeric operands", kverr.ErrTypeMismatch)
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("%w: division by zero", kverr.ErrInvalidArgument)
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, fmt.Errorf("%w: modulo by zero", kverr.ErrInvalidArgument)
		}
		return math.Mod(lf, rf), nil
	default:
		return nil, fmt.Errorf("%w: unknown arithmetic operator %q", kverr.ErrInvalidArgument, op)
	}
}

func (e *Engine) evalFuncCall(ctx context.Context, env Row, n FuncCall, now time.Time) (any, error) {
	args := make([]any, len(n.Args))
	for i, a := range n.Args {
		v, err := e.eval(ctx, env, a, now)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	switch strings.ToUpper(n.Name) {
	case "BM25", "FULLTEXT_SCORE":
		return e.evalFullTextScore(ctx, args)
	case "LENGTH":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: LENGTH takes exactly one argument", kverr.ErrInvalidArgument)
		}
		switch v := args[0].(type) {
		case string:
			return float64(len(v)), nil
		case []any:
			return float64(len(v)), nil
		case map[string]any:
			return float64(len(v)), nil
		default:
			return 0.0, nil
		}
	case "UPPER":
		s, _ := args[0].(string)
		return strings.ToUpper(s), nil
	case "LOWER":
		s, _ := args[0].(string)
		return strings.ToLower(s), nil
	case "CONTAINS":
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: CONTAINS takes exactly two arguments", kverr.ErrInvalidArgument)
		}
		if s, ok := args[0].(string); ok {
			sub, _ := args[1].(string)
			return strings.Contains(s, sub), nil
		}
		if arr, ok := args[0].([]any); ok {
			for _, el := range arr {
				if equalValues(el, args[1]) {
					return true, nil
				}
			}
			return false, nil
		}
		return false, nil
	default:
		return nil, fmt.Errorf("%w: unknown function %q", kverr.ErrInvalidArgument, n.Name)
	}
}

func (e *Engine) evalFullTextScore(ctx context.Context, args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: BM25/FULLTEXT_SCORE takes exactly two arguments (document, query)", kverr.ErrInvalidArgument)
	}
	if e.ft == nil {
		return nil, fmt.Errorf("%w: full-text index is not configured", kverr.ErrInvalidArgument)
	}
	doc, ok := args[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: BM25/FULLTEXT_SCORE's first argument must be a bound document", kverr.ErrInvalidArgument)
	}
	pk, _ := doc["pk"].(string)
	namespace, _ := doc["_collection"].(string)
	query, _ := args[1].(string)

	score, err := e.ft.Score(ctx, namespace, pk, query)
	if err != nil {
		if errors.Is(err, kverr.ErrNotFound) {
			return 0.0, nil
		}
		return nil, err
	}
	return score, nil
}

// --- value helpers ---

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

func toFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

// compareValues orders two values of the same dynamic type; ok is false
// for uncomparable pairs (e.g. number vs string), in which case ordering
// operators evaluate to false rather than erroring, matching the
// predecessor evaluator's permissive comparison semantics.
func compareValues(a, b any) (int, bool) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		if !av && bv {
			return -1, true
		}
		return 1, true
	default:
		return 0, false
	}
}

func equalValues(a, b any) bool {
	if cmp, ok := compareValues(a, b); ok {
		return cmp == 0
	}
	return reflect.DeepEqual(a, b)
}

// --- hybrid fusion entry point (spec §4.9 /search/fusion) ---

// Fusion runs a text query (via the configured full-text index) and a
// vector query (via the configured vector namespace) and fuses the two
// ranked lists per opts (RRF or Weighted). Either query may be empty,
// but not both (fusion.ValidateRequest enforces this).
//
// vectorAllow, if non-nil, is a prefilter: the vector side's candidate
// set is restricted to those pks before kNN ranks them (spec §4.9). Pass
// nil to search the whole namespace.
//
// textDeny, if non-nil, is a postfilter: a pk it rejects is dropped from
// the text side's already-ranked hits (spec §4.9 applies filters to the
// vector side as a prefilter but to the text side as a postfilter, since
// BM25 ranking can't take an arbitrary pk allowlist as a query-plan
// input the way the vector index's brute-force/HNSW search can). Pass
// nil to keep every text hit.
func (e *Engine) Fusion(ctx context.Context, namespace, textQuery string, vectorQuery []float32, k int, opts fusion.Options, vectorAllow map[string]bool, textDeny func(pk string) bool) (result []fusion.Result, err error) {
	ctx, endSpan := e.telemetry.StartSpan(ctx, "query.fusion", telemetry.String("namespace", namespace))
	defer func() { endSpan(err) }()

	if err = fusion.ValidateRequest(textQuery != "", len(vectorQuery) > 0); err != nil {
		return nil, err
	}

	var textHits []fulltext.Hit
	if textQuery != "" {
		if e.ft == nil {
			return nil, fmt.Errorf("%w: full-text index is not configured", kverr.ErrInvalidArgument)
		}
		postFilter := textDeny
		hits, err := e.ft.SearchFiltered(ctx, namespace, textQuery, k, postFilter)
		if err != nil {
			return nil, err
		}
		textHits = hits
	}

	var vecHits []vectoridx.Result
	if len(vectorQuery) > 0 {
		if e.vec == nil {
			return nil, fmt.Errorf("%w: vector index is not configured", kverr.ErrInvalidArgument)
		}
		hits, err := e.vec.SearchKNN(ctx, namespace, vectorQuery, k, vectorAllow)
		if err != nil {
			return nil, err
		}
		vecHits = hits
	}

	return fusion.Fuse(textHits, vecHits, opts), nil
}
