package query

// Expr is any value-producing expression node (comparisons, arithmetic,
// field access, literals, function calls, array/object constructors).
type Expr interface{ exprNode() }

// Literal wraps a constant scalar: string, float64, bool, or nil.
type Literal struct{ Value any }

// DurationLiteral is a compact duration ("7d", "-1h") resolved against
// the evaluator's reference time when the expression tree is walked,
// not at parse time, so "now" always means "now the query ran".
type DurationLiteral struct{ Raw string }

// VarRef refers to a bound variable introduced by a FOR or LET clause.
type VarRef struct{ Name string }

// FieldAccess projects Field off of Target (e.g. u.age, u.address.city).
type FieldAccess struct {
	Target Expr
	Field  string
}

// BinaryExpr is a two-operand operator application. Op is one of
// "==", "!=", "<", "<=", ">", ">=", "AND", "OR", "+", "-", "*", "/", "%".
type BinaryExpr struct {
	Op          string
	Left, Right Expr
}

// UnaryExpr is NOT or unary minus.
type UnaryExpr struct {
	Op      string
	Operand Expr
}

// FuncCall invokes a named scalar function (e.g. BM25, FULLTEXT_SCORE,
// LENGTH) with the given argument expressions.
type FuncCall struct {
	Name string
	Args []Expr
}

// ArrayLit constructs an array value from element expressions.
type ArrayLit struct{ Elements []Expr }

// ObjectLit constructs a projection object; Keys and Values are parallel
// slices preserving source order (spec §4.9 RETURN projections).
type ObjectLit struct {
	Keys   []string
	Values []Expr
}

func (Literal) exprNode()         {}
func (DurationLiteral) exprNode() {}
func (VarRef) exprNode()      {}
func (FieldAccess) exprNode() {}
func (BinaryExpr) exprNode()  {}
func (UnaryExpr) exprNode()   {}
func (FuncCall) exprNode()    {}
func (ArrayLit) exprNode()    {}
func (ObjectLit) exprNode()   {}

// Clause is one pipeline stage of a Query.
type Clause interface{ clauseNode() }

// ForClause iterates a named collection, binding Var to each row.
type ForClause struct {
	Var        string
	Collection string
}

// GraphForClause iterates a graph traversal starting at Start, binding
// VertexVar (and optionally EdgeVar) to each reached node/edge.
type GraphForClause struct {
	VertexVar string
	EdgeVar   string // "" if the query does not bind an edge variable
	MinHops   int
	MaxHops   int
	Direction string // OUTBOUND, INBOUND, or ANY
	Start     Expr
	Graph     string // cost-function name (spec §4.9 supplemented feature 6); "" uses edge weight
}

// FilterClause keeps only rows for which Expr is truthy.
type FilterClause struct{ Expr Expr }

// LetClause binds the result of Expr to Var for subsequent clauses.
type LetClause struct {
	Var  string
	Expr Expr
}

// SortField is one SORT key, ascending unless Desc is set.
type SortField struct {
	Expr Expr
	Desc bool
}

// SortClause orders rows by Fields in order.
type SortClause struct{ Fields []SortField }

// LimitClause bounds (and optionally offsets) the row stream.
type LimitClause struct {
	Offset Expr // nil if unspecified
	Count  Expr
}

// CollectClause groups rows by KeyExpr (bound to KeyVar), optionally
// counting group size into CountVar and/or collecting full group rows
// into IntoVar.
type CollectClause struct {
	KeyVar    string
	KeyExpr   Expr
	WithCount bool
	CountVar  string
	IntoVar   string
}

// ReturnClause emits Expr as the row's projection; it ends the pipeline.
type ReturnClause struct{ Expr Expr }

func (ForClause) clauseNode()      {}
func (GraphForClause) clauseNode() {}
func (FilterClause) clauseNode()   {}
func (LetClause) clauseNode()      {}
func (SortClause) clauseNode()     {}
func (LimitClause) clauseNode()    {}
func (CollectClause) clauseNode()  {}
func (ReturnClause) clauseNode()   {}

// Query is a full parsed AQL-subset statement: an ordered pipeline of
// clauses, always starting with a FOR/GraphFor and ending with RETURN.
type Query struct {
	Clauses []Clause
}
