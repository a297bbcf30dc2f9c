package query

import (
	"context"
	"fmt"

	"github.com/themisdb/themisdb/internal/secindex"
)

// plannedScan describes how execFor chose to resolve a FOR clause's
// candidates: either a full collection scan, or an index scan narrowed
// by a single equality predicate. The chosen predicate only narrows the
// candidate set; the originating FILTER expression is always
// re-evaluated in full against every candidate, so a wrong or stale
// selectivity estimate can only cost performance, never correctness.
type plannedScan struct {
	Strategy    string // "full" or "index_eq"
	Column      string
	Value       string
	Selectivity int
	Candidates  []string // pks, only set when Strategy == "index_eq"
}

// planScan inspects filterExpr for top-level equality predicates on
// varName's fields (conjunctions only; an OR anywhere in the tree aborts
// planning back to a full scan, since an indexed AND-branch could not
// safely stand in for the whole expression) and, if the collection has a
// matching index, resolves the most selective one via
// secindex.PickMostSelective.
func (e *Engine) planScan(ctx context.Context, collection string, filterExpr Expr, varName string) (plannedScan, error) {
	if containsOr(filterExpr) {
		return plannedScan{Strategy: "full"}, nil
	}

	candidates := collectEqualityPredicates(filterExpr, varName)
	if len(candidates) == 0 {
		return plannedScan{Strategy: "full"}, nil
	}

	indexed := map[string]bool{}
	for _, c := range e.sec.IndexedColumns(collection) {
		indexed[c] = true
	}

	var preds []secindex.Predicate
	var predIdx []int
	for i, c := range candidates {
		if indexed[c.column] {
			preds = append(preds, secindex.Predicate{Table: collection, Column: c.column, Value: c.value})
			predIdx = append(predIdx, i)
		}
	}
	if len(preds) == 0 {
		return plannedScan{Strategy: "full"}, nil
	}

	best, err := e.sec.PickMostSelective(preds)
	if err != nil {
		return plannedScan{}, err
	}
	chosen := preds[best]

	pks, err := e.sec.QueryEq(ctx, collection, chosen.Column, chosen.Value)
	if err != nil {
		return plannedScan{}, err
	}

	return plannedScan{
		Strategy:    "index_eq",
		Column:      chosen.Column,
		Value:       chosen.Value,
		Selectivity: e.sec.Selectivity(collection, chosen.Column, chosen.Value),
		Candidates:  pks,
	}, nil
}

type equalityPredicate struct {
	column string
	value  string
}

// collectEqualityPredicates walks a conjunction of FILTER terms looking
// for "varName.field == literal" comparisons (in either operand order),
// formatting the literal the same way secindex does internally so the
// planner's lookups land on the keys secindex.PutOps actually wrote.
func collectEqualityPredicates(expr Expr, varName string) []equalityPredicate {
	switch n := expr.(type) {
	case BinaryExpr:
		if n.Op == "AND" {
			return append(collectEqualityPredicates(n.Left, varName), collectEqualityPredicates(n.Right, varName)...)
		}
		if n.Op == "==" {
			if col, val, ok := fieldEqLiteral(n.Left, n.Right, varName); ok {
				return []equalityPredicate{{column: col, value: val}}
			}
			if col, val, ok := fieldEqLiteral(n.Right, n.Left, varName); ok {
				return []equalityPredicate{{column: col, value: val}}
			}
		}
	}
	return nil
}

// fieldEqLiteral recognizes "varName.field" on the left and a constant
// literal on the right, returning the field name and the literal
// formatted as secindex's fieldString would format the same Go value.
func fieldEqLiteral(left, right Expr, varName string) (string, string, bool) {
	fa, ok := left.(FieldAccess)
	if !ok {
		return "", "", false
	}
	ref, ok := fa.Target.(VarRef)
	if !ok || ref.Name != varName {
		return "", "", false
	}
	lit, ok := right.(Literal)
	if !ok {
		return "", "", false
	}
	switch v := lit.Value.(type) {
	case string:
		return fa.Field, v, true
	case float64:
		return fa.Field, fmt.Sprintf("%g", v), true
	case bool:
		return fa.Field, fmt.Sprintf("%t", v), true
	default:
		return "", "", false
	}
}

func containsOr(expr Expr) bool {
	switch n := expr.(type) {
	case BinaryExpr:
		if n.Op == "OR" {
			return true
		}
		return containsOr(n.Left) || containsOr(n.Right)
	case UnaryExpr:
		return containsOr(n.Operand)
	}
	return false
}

// plannableForFilter finds the first FOR clause and returns its index
// plus the index of the FILTER clause immediately following it (-1 if
// there is none; -1, -1 if the query has no FOR clause). The planner
// only ever narrows that first candidate scan: later FOR clauses get no
// FILTER from run and always scan their collection in full.
func plannableForFilter(q *Query) (int, int) {
	for i, c := range q.Clauses {
		if _, ok := c.(ForClause); !ok {
			continue
		}
		if i+1 < len(q.Clauses) {
			if _, ok := q.Clauses[i+1].(FilterClause); ok {
				return i, i + 1
			}
		}
		return i, -1
	}
	return -1, -1
}
