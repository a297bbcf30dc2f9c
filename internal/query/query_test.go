package query

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/themisdb/themisdb/internal/codec"
	"github.com/themisdb/themisdb/internal/fulltext"
	"github.com/themisdb/themisdb/internal/fusion"
	"github.com/themisdb/themisdb/internal/graphidx"
	"github.com/themisdb/themisdb/internal/keyschema"
	"github.com/themisdb/themisdb/internal/kv"
	"github.com/themisdb/themisdb/internal/secindex"
	"github.com/themisdb/themisdb/internal/vectoridx"
)

func TestLexerTokenizesClausePipeline(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []TokenType
		values   []string
	}{
		{
			name:     "equality filter",
			input:    `FOR u IN users FILTER u.status == "active" RETURN u`,
			expected: []TokenType{TokenFor, TokenIdent, TokenIn, TokenIdent, TokenFilter, TokenIdent, TokenDot, TokenIdent, TokenEq, TokenString, TokenReturn, TokenIdent, TokenEOF},
			values:   []string{"FOR", "u", "IN", "users", "FILTER", "u", ".", "status", "==", "active", "RETURN", "u", ""},
		},
		{
			name:     "comparison and duration",
			input:    "FILTER u.age > 30 AND u.updated > -7d",
			expected: []TokenType{TokenFilter, TokenIdent, TokenDot, TokenIdent, TokenGreater, TokenNumber, TokenAnd, TokenIdent, TokenDot, TokenIdent, TokenGreater, TokenDuration, TokenEOF},
			values:   []string{"FILTER", "u", ".", "age", ">", "30", "AND", "u", ".", "updated", ">", "-7d", ""},
		},
		{
			name:     "hop range and direction",
			input:    `FOR v, e IN 1..3 OUTBOUND "users:42" GRAPH "follows"`,
			expected: []TokenType{TokenFor, TokenIdent, TokenComma, TokenIdent, TokenIn, TokenNumber, TokenDotDot, TokenNumber, TokenOutbound, TokenString, TokenGraph, TokenString, TokenEOF},
			values:   []string{"FOR", "v", ",", "e", "IN", "1", "..", "3", "OUTBOUND", "users:42", "GRAPH", "follows", ""},
		},
		{
			name:     "collect with count",
			input:    "COLLECT status = u.status WITH COUNT INTO total",
			expected: []TokenType{TokenCollect, TokenIdent, TokenAssign, TokenIdent, TokenDot, TokenIdent, TokenWith, TokenCount, TokenInto, TokenIdent, TokenEOF},
			values:   []string{"COLLECT", "status", "=", "u", ".", "status", "WITH", "COUNT", "INTO", "total", ""},
		},
		{
			name:     "decimal number is not confused with range",
			input:    "LIMIT 2.5",
			expected: []TokenType{TokenLimit, TokenNumber, TokenEOF},
			values:   []string{"LIMIT", "2.5", ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			toks, err := NewLexer(tt.input).Tokenize()
			if err != nil {
				t.Fatalf("Tokenize() error = %v", err)
			}
			if len(toks) != len(tt.expected) {
				t.Fatalf("got %d tokens, want %d: %+v", len(toks), len(tt.expected), toks)
			}
			for i, tok := range toks {
				if tok.Type != tt.expected[i] {
					t.Errorf("token %d: got type %s, want %s", i, tok.Type, tt.expected[i])
				}
				if tok.Value != tt.values[i] {
					t.Errorf("token %d: got value %q, want %q", i, tok.Value, tt.values[i])
				}
			}
		})
	}
}

func TestParserShapesClausePipeline(t *testing.T) {
	q, err := Parse(`FOR u IN users FILTER u.age > 30 SORT u.name DESC LIMIT 10 RETURN u.name`)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(q.Clauses) != 5 {
		t.Fatalf("got %d clauses, want 5: %+v", len(q.Clauses), q.Clauses)
	}
	forC, ok := q.Clauses[0].(ForClause)
	if !ok || forC.Var != "u" || forC.Collection != "users" {
		t.Fatalf("unexpected FOR clause: %+v", q.Clauses[0])
	}
	filterC, ok := q.Clauses[1].(FilterClause)
	if !ok {
		t.Fatalf("expected FilterClause, got %T", q.Clauses[1])
	}
	bin, ok := filterC.Expr.(BinaryExpr)
	if !ok || bin.Op != ">" {
		t.Fatalf("unexpected filter expression: %+v", filterC.Expr)
	}
	if _, ok := q.Clauses[4].(ReturnClause); !ok {
		t.Fatalf("expected ReturnClause last, got %T", q.Clauses[4])
	}
}

func TestParserGraphTraversalClause(t *testing.T) {
	q, err := Parse(`FOR v, e IN 1..2 INBOUND "users:42" GRAPH "follows" RETURN v`)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	gf, ok := q.Clauses[0].(GraphForClause)
	if !ok {
		t.Fatalf("expected GraphForClause, got %T", q.Clauses[0])
	}
	if gf.VertexVar != "v" || gf.EdgeVar != "e" || gf.MinHops != 1 || gf.MaxHops != 2 || gf.Direction != "INBOUND" || gf.Graph != "follows" {
		t.Fatalf("unexpected graph clause: %+v", gf)
	}
}

func TestParserRejectsMissingReturn(t *testing.T) {
	if _, err := Parse(`FOR u IN users FILTER u.age > 30`); err == nil {
		t.Error("expected error for query with no RETURN clause")
	}
}

// --- evaluator tests ---

func newTestEngine(t *testing.T) kv.Engine {
	t.Helper()
	e, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func putUser(ctx context.Context, t *testing.T, engine kv.Engine, sec *secindex.Manager, pk, name string, age float64) {
	t.Helper()
	ent := codec.NewEntity(codec.FormatBinary)
	ent.PutField("name", codec.String(name))
	ent.PutField("age", codec.Double(age))
	blob, err := ent.RebuildBlob()
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Put(ctx, "relational", keyschema.Relational("users", pk), blob); err != nil {
		t.Fatal(err)
	}
	if sec != nil {
		if err := sec.OnPut(ctx, "users", pk, ent, nil); err != nil {
			t.Fatal(err)
		}
	}
}

func TestEngineExecutesForFilterSortLimit(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	sec := secindex.New(engine)
	putUser(ctx, t, engine, sec, "u1", "alice", 41)
	putUser(ctx, t, engine, sec, "u2", "bob", 22)
	putUser(ctx, t, engine, sec, "u3", "carol", 35)

	eng := New(engine, sec, graphidx.New(engine), nil, nil)
	res, err := eng.Run(ctx, `FOR u IN users FILTER u.age > 30 SORT u.age LIMIT 2 RETURN u.name`)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("got %d rows, want 2: %+v", len(res.Rows), res.Rows)
	}
	if res.Rows[0] != "carol" || res.Rows[1] != "alice" {
		t.Fatalf("got %v, want [carol alice]", res.Rows)
	}
}

func TestEngineUsesIndexForEqualityPredicate(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	sec := secindex.New(engine)
	sec.CreateIndex("users", "name")
	putUser(ctx, t, engine, sec, "u1", "alice", 41)
	putUser(ctx, t, engine, sec, "u2", "bob", 22)

	eng := New(engine, sec, graphidx.New(engine), nil, nil)
	plan, err := eng.Explain(ctx, `FOR u IN users FILTER u.name == "alice" RETURN u.name`)
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	if len(plan.Steps) != 1 || !strings.Contains(plan.Steps[0], "index scan") {
		t.Fatalf("expected an index scan step, got %+v", plan.Steps)
	}
}

func TestEngineLetAndCollect(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	sec := secindex.New(engine)
	putUser(ctx, t, engine, sec, "u1", "alice", 41)
	putUser(ctx, t, engine, sec, "u2", "bob", 41)
	putUser(ctx, t, engine, sec, "u3", "carol", 22)

	eng := New(engine, sec, graphidx.New(engine), nil, nil)
	res, err := eng.Run(ctx, `FOR u IN users LET bucket = u.age COLLECT age = bucket WITH COUNT INTO total SORT age RETURN {age: age, total: total}`)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("got %d groups, want 2: %+v", len(res.Rows), res.Rows)
	}
}

func TestEngineGraphTraversalOutbound(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	graph := graphidx.New(engine)
	if err := graph.AddEdge(ctx, "e1", "users:1", "users:2", 1.0, nil); err != nil {
		t.Fatal(err)
	}
	if err := graph.AddEdge(ctx, "e2", "users:2", "users:3", 1.0, nil); err != nil {
		t.Fatal(err)
	}

	eng := New(engine, secindex.New(engine), graph, nil, nil)
	res, err := eng.Run(ctx, `FOR v, e IN 1..2 OUTBOUND "users:1" RETURN v.pk`)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("got %d hits, want 2: %+v", len(res.Rows), res.Rows)
	}
}

// TestGraphTraversalGlobalHopOrdering is the AQL-level counterpart of
// graphidx's own cross-frontier-node ordering test: start branches to
// n1 (via e1) and n2 (via e2) at hop 1; n1's only hop-2 edge is e9, n2's
// is e3. The GRAPH clause must visit hop-2 nodes in globally ascending
// edge_pk order (e3 before e9), not per-source-node order.
func TestGraphTraversalGlobalHopOrdering(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	graph := graphidx.New(engine)
	for _, e := range []struct{ pk, from, to string }{
		{"e1", "start", "n1"},
		{"e2", "start", "n2"},
		{"e9", "n1", "n3"},
		{"e3", "n2", "n4"},
	} {
		if err := graph.AddEdge(ctx, e.pk, e.from, e.to, 1.0, nil); err != nil {
			t.Fatal(err)
		}
	}

	eng := New(engine, secindex.New(engine), graph, nil, nil)
	res, err := eng.Run(ctx, `FOR v, e IN 2..2 OUTBOUND "start" RETURN e.pk`)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Rows) != 2 || res.Rows[0] != "e3" || res.Rows[1] != "e9" {
		t.Fatalf("got %v, want [e3 e9] (globally ascending edge_pk across the whole hop)", res.Rows)
	}
}

// TestFusionAppliesPrefilterAndPostfilter exercises spec §4.9's asymmetric
// filtering rule: a vector-side prefilter narrows the kNN candidate set
// before ranking, while a text-side postfilter drops an already-ranked
// BM25 hit after the fact.
func TestFusionAppliesPrefilterAndPostfilter(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	ft, err := fulltext.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ft.Close() })
	if err := ft.Put(ctx, "docs", "d1", "quick brown fox"); err != nil {
		t.Fatal(err)
	}
	if err := ft.Put(ctx, "docs", "d2", "quick brown hare"); err != nil {
		t.Fatal(err)
	}

	vec := vectoridx.New(engine)
	if err := vec.Init(ctx, "docs", 2, vectoridx.DefaultConfig()); err != nil {
		t.Fatal(err)
	}
	if err := vec.Add(ctx, "docs", "d1", []float32{1, 0}); err != nil {
		t.Fatal(err)
	}
	if err := vec.Add(ctx, "docs", "d2", []float32{0, 1}); err != nil {
		t.Fatal(err)
	}

	eng := New(engine, secindex.New(engine), graphidx.New(engine), vec, ft)

	// No filters: both documents are eligible on both sides.
	res, err := eng.Fusion(ctx, "docs", "quick", []float32{1, 0}, 10, fusion.Options{}, nil, nil)
	if err != nil {
		t.Fatalf("Fusion() error = %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("got %d fused results, want 2: %+v", len(res), res)
	}

	// Vector-only search with a prefilter restricts kNN candidates to d1,
	// and since the text side is empty here, the fused result must too.
	res, err = eng.Fusion(ctx, "docs", "", []float32{1, 0}, 10, fusion.Options{}, map[string]bool{"d1": true}, nil)
	if err != nil {
		t.Fatalf("Fusion() with prefilter error = %v", err)
	}
	if len(res) != 1 || res[0].PK != "d1" {
		t.Fatalf("prefilter leaked: got %+v, want only d1", res)
	}

	// Text postfilter drops d2 from the already-ranked BM25 hits.
	res, err = eng.Fusion(ctx, "docs", "quick", nil, 10, fusion.Options{}, nil, func(pk string) bool { return pk != "d2" })
	if err != nil {
		t.Fatalf("Fusion() with postfilter error = %v", err)
	}
	if len(res) != 1 || res[0].PK != "d1" {
		t.Fatalf("postfilter failed to drop d2: got %+v, want only d1", res)
	}
}

func TestEngineUnknownFunctionErrors(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	sec := secindex.New(engine)
	putUser(ctx, t, engine, sec, "u1", "alice", 41)
	eng := New(engine, sec, graphidx.New(engine), nil, nil)
	if _, err := eng.Run(ctx, `FOR u IN users FILTER NOPE(u) RETURN u`); err == nil {
		t.Error("expected error for unknown function call")
	}
}
