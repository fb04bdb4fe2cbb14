// Package rules is a small catalogue of rewrite rules for gocanon.
//
// Epigraph rewrites replace a nonsmooth atom f(x) with a fresh variable t
// and constraints that bound t from below by every branch of f:
//
//	abs(x)      → t    with  x <= t, -t <= x
//	max(a, b)   → t    with  a <= t, b <= t
//	norm1(x)    → sum(t) with x <= t, -t <= x
package rules

import (
	"errors"
	"fmt"

	"github.com/njchilds90/gocanon"
	"github.com/njchilds90/gocanon/expr"
)

// ErrArity is returned when a rule receives an unexpected operand count.
var ErrArity = errors.New("rules: unexpected operand count")

// Identity returns node unchanged with no auxiliary constraints.
func Identity(node expr.Node, _ []expr.Node) (expr.Node, []expr.Constraint, error) {
	return node, nil, nil
}

// Rebuild copies node over its canonical operands.
func Rebuild(node expr.Node, args []expr.Node) (expr.Node, []expr.Constraint, error) {
	return node.Copy(args), nil, nil
}

// Abs rewrites abs(x) into its epigraph.
func Abs(node expr.Node, args []expr.Node) (expr.Node, []expr.Constraint, error) {
	if len(args) != 1 {
		return nil, nil, fmt.Errorf("%w: abs got %d", ErrArity, len(args))
	}
	x := args[0]
	t := expr.NewVariable(x.Size(), "")
	return t, []expr.Constraint{expr.Le(x, t), expr.Le(expr.NegOf(t), x)}, nil
}

// Maximum rewrites max(a, b, ...) into its epigraph.
func Maximum(node expr.Node, args []expr.Node) (expr.Node, []expr.Constraint, error) {
	if len(args) == 0 {
		return nil, nil, fmt.Errorf("%w: maximum got none", ErrArity)
	}
	t := expr.NewVariable(node.Size(), "")
	cons := make([]expr.Constraint, len(args))
	for i, a := range args {
		cons[i] = expr.Le(a, t)
	}
	return t, cons, nil
}

// Norm1 rewrites norm1(x) into sum(t) over the elementwise epigraph of abs.
func Norm1(node expr.Node, args []expr.Node) (expr.Node, []expr.Constraint, error) {
	if len(args) != 1 {
		return nil, nil, fmt.Errorf("%w: norm1 got %d", ErrArity, len(args))
	}
	t, cons, err := Abs(node, args)
	if err != nil {
		return nil, nil, err
	}
	return expr.SumOf(t), cons, nil
}

// Epigraph returns the epigraph rule set.
func Epigraph() gocanon.Rules {
	return gocanon.Rules{
		expr.KindAbs:     Abs,
		expr.KindMaximum: Maximum,
		expr.KindNorm1:   Norm1,
	}
}

// ByName resolves a named rule set. "none" is the empty table.
func ByName(name string) (gocanon.Rules, error) {
	switch name {
	case "", "epigraph":
		return Epigraph(), nil
	case "none":
		return gocanon.Rules{}, nil
	}
	return nil, fmt.Errorf("rules: unknown rule set %q", name)
}
