// Package expr provides the immutable expression model consumed by the
// canonicalizer.
//
// Design goals:
//   - Immutable nodes: rewriting builds new nodes, it never mutates inputs
//   - Stable identities: every node carries an ID allocated at construction
//     and kept by Copy
//   - A closed set of node kinds, so rewrite dispatch is a table lookup
package expr

import (
	"strconv"
	"strings"
	"sync/atomic"
)

// ============================================================
// Identity
// ============================================================

// ID identifies a node, variable or dual variable for the lifetime of the
// process.
type ID int64

var lastID atomic.Int64

// NextID allocates a fresh identity.
func NextID() ID { return ID(lastID.Add(1)) }

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// ============================================================
// Kind
// ============================================================

// Kind tags the variant of a Node.
type Kind int

const (
	KindVariable Kind = iota
	KindParameter
	KindConstant
	KindAdd
	KindNeg
	KindMul
	KindSum
	KindAbs
	KindMaximum
	KindNorm1
	KindMinimize
	KindMaximize
	KindEquality
	KindInequality
	KindPartialProblem
)

var kindNames = [...]string{
	KindVariable:       "variable",
	KindParameter:      "parameter",
	KindConstant:       "constant",
	KindAdd:            "add",
	KindNeg:            "neg",
	KindMul:            "mul",
	KindSum:            "sum",
	KindAbs:            "abs",
	KindMaximum:        "maximum",
	KindNorm1:          "norm1",
	KindMinimize:       "minimize",
	KindMaximize:       "maximize",
	KindEquality:       "equality",
	KindInequality:     "inequality",
	KindPartialProblem: "partial_problem",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
	return kindNames[k]
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), true
		}
	}
	return 0, false
}

// IsConstraint reports whether nodes of this kind implement Constraint.
func (k Kind) IsConstraint() bool { return k == KindEquality || k == KindInequality }

// Kinds returns every defined kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, len(kindNames))
	for i := range kindNames {
		out[i] = Kind(i)
	}
	return out
}

// ============================================================
// Core Interface
// ============================================================

// Node is an immutable expression tree node.
type Node interface {
	ID() ID
	Kind() Kind
	// Args returns the operands in order. Leaves return nil.
	Args() []Node
	// Size is the flattened dimension of the node's value.
	Size() int
	// IsConstant is true iff no free variable appears in the subtree.
	IsConstant() bool
	// Parameters lists the subtree's parameters in first-occurrence order.
	Parameters() []*Parameter
	// Variables lists the subtree's variables in first-occurrence order.
	Variables() []*Variable
	// Copy returns a node of the same kind and identity over new operands.
	Copy(args []Node) Node
	String() string
}

// ============================================================
// Variable
// ============================================================

// Variable is a leaf decision variable.
type Variable struct {
	id   ID
	name string
	size int
}

// NewVariable creates a variable of the given size. An empty name is
// replaced by "var<id>".
func NewVariable(size int, name string) *Variable {
	if size <= 0 {
		panic("expr: variable size must be positive")
	}
	id := NextID()
	if name == "" {
		name = "var" + id.String()
	}
	return &Variable{id: id, name: name, size: size}
}

// Var creates a scalar variable.
func Var(name string) *Variable { return NewVariable(1, name) }

func (v *Variable) ID() ID                   { return v.id }
func (v *Variable) Kind() Kind               { return KindVariable }
func (v *Variable) Args() []Node             { return nil }
func (v *Variable) Size() int                { return v.size }
func (v *Variable) IsConstant() bool         { return false }
func (v *Variable) Parameters() []*Parameter { return nil }
func (v *Variable) Variables() []*Variable   { return []*Variable{v} }
func (v *Variable) Copy([]Node) Node         { return v }
func (v *Variable) String() string           { return v.name }
func (v *Variable) Name() string             { return v.name }

// ============================================================
// Parameter
// ============================================================

// Parameter is a symbolic constant whose value may change between solves.
type Parameter struct {
	id    ID
	name  string
	value []float64
}

// NewParameter creates a parameter holding value.
func NewParameter(name string, value ...float64) *Parameter {
	if len(value) == 0 {
		panic("expr: parameter needs a value")
	}
	id := NextID()
	if name == "" {
		name = "param" + id.String()
	}
	return &Parameter{id: id, name: name, value: append([]float64(nil), value...)}
}

func (p *Parameter) ID() ID                   { return p.id }
func (p *Parameter) Kind() Kind               { return KindParameter }
func (p *Parameter) Args() []Node             { return nil }
func (p *Parameter) Size() int                { return len(p.value) }
func (p *Parameter) IsConstant() bool         { return true }
func (p *Parameter) Parameters() []*Parameter { return []*Parameter{p} }
func (p *Parameter) Variables() []*Variable   { return nil }
func (p *Parameter) Copy([]Node) Node         { return p }
func (p *Parameter) String() string           { return p.name }
func (p *Parameter) Name() string             { return p.name }
func (p *Parameter) Value() []float64         { return append([]float64(nil), p.value...) }

// ============================================================
// Constant
// ============================================================

// Constant is a leaf numeric value.
type Constant struct {
	id    ID
	value []float64
}

// Const creates a constant. A single value is a scalar.
func Const(value ...float64) *Constant {
	if len(value) == 0 {
		panic("expr: constant needs a value")
	}
	return &Constant{id: NextID(), value: append([]float64(nil), value...)}
}

func (c *Constant) ID() ID                   { return c.id }
func (c *Constant) Kind() Kind               { return KindConstant }
func (c *Constant) Args() []Node             { return nil }
func (c *Constant) Size() int                { return len(c.value) }
func (c *Constant) IsConstant() bool         { return true }
func (c *Constant) Parameters() []*Parameter { return nil }
func (c *Constant) Variables() []*Variable   { return nil }
func (c *Constant) Copy([]Node) Node         { return c }
func (c *Constant) Value() []float64         { return append([]float64(nil), c.value...) }

func (c *Constant) String() string {
	if len(c.value) == 1 {
		return formatFloat(c.value[0])
	}
	parts := make([]string, len(c.value))
	for i, v := range c.value {
		parts[i] = formatFloat(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }

// ============================================================
// Op: interior operator
// ============================================================

// Op is an operator node over one or more operands.
type Op struct {
	id       ID
	kind     Kind
	args     []Node
	size     int
	constant bool
	params   []*Parameter
	vars     []*Variable
}

func newOp(id ID, kind Kind, args []Node) *Op {
	args = append([]Node(nil), args...)
	return &Op{
		id:       id,
		kind:     kind,
		args:     args,
		size:     opSize(kind, args),
		constant: allConstant(args),
		params:   collectParameters(args),
		vars:     collectVariables(args),
	}
}

func opSize(kind Kind, args []Node) int {
	switch kind {
	case KindSum, KindNorm1, KindMinimize, KindMaximize:
		return 1
	}
	size := 0
	for _, a := range args {
		if a.Size() > size {
			size = a.Size()
		}
	}
	return size
}

func nonEmpty(kind Kind, args []Node) []Node {
	if len(args) == 0 {
		panic("expr: " + kind.String() + " needs at least one operand")
	}
	return args
}

func AddOf(terms ...Node) *Op { return newOp(NextID(), KindAdd, nonEmpty(KindAdd, terms)) }
func NegOf(x Node) *Op        { return newOp(NextID(), KindNeg, []Node{x}) }
func MulOf(a, b Node) *Op     { return newOp(NextID(), KindMul, []Node{a, b}) }
func SumOf(x Node) *Op        { return newOp(NextID(), KindSum, []Node{x}) }
func AbsOf(x Node) *Op        { return newOp(NextID(), KindAbs, []Node{x}) }
func MaxOf(args ...Node) *Op  { return newOp(NextID(), KindMaximum, nonEmpty(KindMaximum, args)) }
func Norm1Of(x Node) *Op      { return newOp(NextID(), KindNorm1, []Node{x}) }

// Minimize and Maximize wrap a problem objective.
func Minimize(objective Node) *Op { return newOp(NextID(), KindMinimize, []Node{objective}) }
func Maximize(objective Node) *Op { return newOp(NextID(), KindMaximize, []Node{objective}) }

// NewOp builds an operator of an arbitrary operator kind. It panics for
// leaf, constraint and sub-problem kinds.
func NewOp(kind Kind, args ...Node) *Op {
	switch kind {
	case KindVariable, KindParameter, KindConstant, KindEquality, KindInequality, KindPartialProblem:
		panic("expr: " + kind.String() + " is not an operator kind")
	}
	return newOp(NextID(), kind, nonEmpty(kind, args))
}

func (o *Op) ID() ID                   { return o.id }
func (o *Op) Kind() Kind               { return o.kind }
func (o *Op) Args() []Node             { return append([]Node(nil), o.args...) }
func (o *Op) Size() int                { return o.size }
func (o *Op) IsConstant() bool         { return o.constant }
func (o *Op) Parameters() []*Parameter { return append([]*Parameter(nil), o.params...) }
func (o *Op) Variables() []*Variable   { return append([]*Variable(nil), o.vars...) }
func (o *Op) Copy(args []Node) Node    { return newOp(o.id, o.kind, args) }

func (o *Op) String() string {
	switch o.kind {
	case KindAdd:
		parts := make([]string, len(o.args))
		for i, a := range o.args {
			parts[i] = a.String()
		}
		return strings.Join(parts, " + ")
	case KindNeg:
		return "-" + paren(o.args[0])
	case KindMul:
		return paren(o.args[0]) + "*" + paren(o.args[1])
	case KindMinimize, KindMaximize:
		return o.kind.String() + " " + o.args[0].String()
	case KindMaximum:
		return "max(" + joinArgs(o.args) + ")"
	}
	return o.kind.String() + "(" + joinArgs(o.args) + ")"
}

func paren(n Node) string {
	if n.Kind() == KindAdd {
		return "(" + n.String() + ")"
	}
	return n.String()
}

func joinArgs(args []Node) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}

// ============================================================
// Subtree summaries
// ============================================================

func allConstant(args []Node) bool {
	for _, a := range args {
		if !a.IsConstant() {
			return false
		}
	}
	return true
}

func collectParameters(args []Node) []*Parameter {
	var out []*Parameter
	seen := map[ID]struct{}{}
	for _, a := range args {
		out = appendUnique(out, seen, a.Parameters())
	}
	return out
}

func collectVariables(args []Node) []*Variable {
	var out []*Variable
	seen := map[ID]struct{}{}
	for _, a := range args {
		out = appendUnique(out, seen, a.Variables())
	}
	return out
}

func appendUnique[T interface{ ID() ID }](dst []T, seen map[ID]struct{}, items []T) []T {
	for _, it := range items {
		if _, ok := seen[it.ID()]; ok {
			continue
		}
		seen[it.ID()] = struct{}{}
		dst = append(dst, it)
	}
	return dst
}
