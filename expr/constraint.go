package expr

import "strings"

// ============================================================
// Constraint
// ============================================================

// Constraint is a relation node owning dual variables.
type Constraint interface {
	Node
	// DualVariables returns the constraint's multipliers in declaration order.
	DualVariables() []*Variable
}

// Relation is an equality (lhs == rhs) or inequality (lhs <= rhs)
// constraint with one dual variable of the constraint's size.
type Relation struct {
	*Op
	dual *Variable
}

func newRelation(id ID, kind Kind, lhs, rhs Node) *Relation {
	op := newOp(id, kind, []Node{lhs, rhs})
	return &Relation{Op: op, dual: NewVariable(op.size, "")}
}

// Eq builds lhs == rhs.
func Eq(lhs, rhs Node) *Relation { return newRelation(NextID(), KindEquality, lhs, rhs) }

// Le builds lhs <= rhs.
func Le(lhs, rhs Node) *Relation { return newRelation(NextID(), KindInequality, lhs, rhs) }

// Ge builds lhs >= rhs, stored as rhs <= lhs.
func Ge(lhs, rhs Node) *Relation { return Le(rhs, lhs) }

func (r *Relation) LHS() Node                  { return r.args[0] }
func (r *Relation) RHS() Node                  { return r.args[1] }
func (r *Relation) DualVariables() []*Variable { return []*Variable{r.dual} }

// Copy keeps the constraint identity and allocates a fresh dual variable.
func (r *Relation) Copy(args []Node) Node {
	if len(args) != 2 {
		panic("expr: " + r.kind.String() + " needs exactly two operands")
	}
	return newRelation(r.id, r.kind, args[0], args[1])
}

func (r *Relation) String() string {
	op := " <= "
	if r.kind == KindEquality {
		op = " == "
	}
	return r.args[0].String() + op + r.args[1].String()
}

// ============================================================
// PartialProblem: embedded sub-problem
// ============================================================

// PartialProblem embeds a whole problem as a single node. It has no
// operands of its own.
type PartialProblem struct {
	id      ID
	problem *Problem
}

// Partial wraps p as an embedded sub-problem.
func Partial(p *Problem) *PartialProblem {
	if p == nil {
		panic("expr: partial problem needs a problem")
	}
	return &PartialProblem{id: NextID(), problem: p}
}

func (pp *PartialProblem) ID() ID                   { return pp.id }
func (pp *PartialProblem) Kind() Kind               { return KindPartialProblem }
func (pp *PartialProblem) Args() []Node             { return nil }
func (pp *PartialProblem) Size() int                { return pp.problem.objective.Size() }
func (pp *PartialProblem) IsConstant() bool         { return len(pp.problem.Variables()) == 0 }
func (pp *PartialProblem) Parameters() []*Parameter { return pp.problem.Parameters() }
func (pp *PartialProblem) Variables() []*Variable   { return pp.problem.Variables() }
func (pp *PartialProblem) Copy([]Node) Node         { return pp }
func (pp *PartialProblem) Problem() *Problem        { return pp.problem }
func (pp *PartialProblem) String() string           { return "partial(" + pp.problem.String() + ")" }

// ============================================================
// Problem
// ============================================================

// Problem is an objective plus an ordered constraint list.
type Problem struct {
	objective   Node
	constraints []Constraint
}

// NewProblem builds a problem. The objective is usually Minimize(...) or
// Maximize(...), but any node is accepted.
func NewProblem(objective Node, constraints ...Constraint) *Problem {
	if objective == nil {
		panic("expr: problem needs an objective")
	}
	return &Problem{objective: objective, constraints: append([]Constraint(nil), constraints...)}
}

func (p *Problem) Objective() Node { return p.objective }

func (p *Problem) Constraints() []Constraint { return append([]Constraint(nil), p.constraints...) }

// Variables lists every variable of the objective, then of each constraint,
// in first-occurrence order.
func (p *Problem) Variables() []*Variable {
	var out []*Variable
	seen := map[ID]struct{}{}
	out = appendUnique(out, seen, p.objective.Variables())
	for _, c := range p.constraints {
		out = appendUnique(out, seen, c.Variables())
	}
	return out
}

// Parameters lists every parameter in first-occurrence order.
func (p *Problem) Parameters() []*Parameter {
	var out []*Parameter
	seen := map[ID]struct{}{}
	out = appendUnique(out, seen, p.objective.Parameters())
	for _, c := range p.constraints {
		out = appendUnique(out, seen, c.Parameters())
	}
	return out
}

func (p *Problem) String() string {
	if len(p.constraints) == 0 {
		return p.objective.String()
	}
	parts := make([]string, len(p.constraints))
	for i, c := range p.constraints {
		parts[i] = c.String()
	}
	return p.objective.String() + " s.t. " + strings.Join(parts, ", ")
}

// ============================================================
// Traversal
// ============================================================

// Walk visits n and its descendants in pre-order, descending into embedded
// sub-problems. Returning false from fn skips the node's descendants.
func Walk(n Node, fn func(Node) bool) {
	stack := []Node{n}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(top) {
			continue
		}
		children := top.Args()
		if pp, ok := top.(*PartialProblem); ok {
			children = append([]Node{pp.problem.objective}, constraintNodes(pp.problem.constraints)...)
		}
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
}

func constraintNodes(cs []Constraint) []Node {
	out := make([]Node, len(cs))
	for i, c := range cs {
		out[i] = c
	}
	return out
}
