// Package gocanon rewrites optimization problems into a solver's primitive
// vocabulary and maps solutions of the rewritten problem back.
//
// Design goals:
//   - Pluggable rewrite rules keyed by node kind
//   - Deterministic output: auxiliary constraints come back depth first,
//     children before parents, operands left to right
//   - Inputs are never mutated
//   - Sparse linear inverse maps from original to canonical identities
//
// A pass looks like:
//
//	c := gocanon.New(rules.Epigraph())
//	canon, inv, err := c.Apply(ctx, problem)
//	// ... solve canon externally ...
//	sol, err := c.Invert(ctx, raw, inv)
package gocanon

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/njchilds90/gocanon/expr"
)

// ============================================================
// Errors
// ============================================================

var (
	ErrNilProblem     = errors.New("gocanon: nil problem")
	ErrNilNode        = errors.New("gocanon: nil node")
	ErrNilSolution    = errors.New("gocanon: nil solution")
	ErrNilInverseData = errors.New("gocanon: nil inverse data")

	// ErrDualMismatch is returned when a constraint's canonical form has a
	// different number of dual variables than the original.
	ErrDualMismatch = errors.New("gocanon: dual variable count changed during canonicalization")

	// ErrNotConstraint is returned when a constraint canonicalizes to a
	// node that is not a constraint.
	ErrNotConstraint = errors.New("gocanon: canonical form of a constraint is not a constraint")
)

// RuleError wraps a failure reported by a rewrite rule.
type RuleError struct {
	Kind   expr.Kind
	NodeID expr.ID
	Err    error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("gocanon: %s rule failed on node %d: %v", e.Kind, e.NodeID, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// ============================================================
// Rules
// ============================================================

// Rule rewrites node, whose operands have already been canonicalized into
// args, and returns the canonical node plus the auxiliary constraints the
// rewrite needs.
type Rule func(node expr.Node, args []expr.Node) (expr.Node, []expr.Constraint, error)

// Rules maps a node kind to its rewrite rule.
type Rules map[expr.Kind]Rule

// With returns a copy of r with kind mapped to rule.
func (r Rules) With(kind expr.Kind, rule Rule) Rules {
	out := make(Rules, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	out[kind] = rule
	return out
}

// ============================================================
// Canonicalizer
// ============================================================

// Canonicalizer runs canonicalization passes with a fixed rule table.
// It is safe for concurrent use.
type Canonicalizer struct {
	rules        Rules
	logger       *slog.Logger
	memoize      bool
	lenientDuals bool

	metricsOnce  sync.Once
	passLatency  metric.Float64Histogram
	passes       metric.Int64Counter
	passFailures metric.Int64Counter
	auxCreated   metric.Int64Counter
	inversions   metric.Int64Counter
}

// Option configures a Canonicalizer.
type Option func(*Canonicalizer)

// WithLogger sets the pass logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Canonicalizer) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMemoization caches the result of each node within a single
// CanonicalizeTree call, keyed by the node value itself. Copies share an ID
// with their source but not their operands, so the ID alone is not a safe
// key. Node values must be comparable, as the pointer types in package expr
// are. A shared subtree is then rewritten once and its cached auxiliary
// constraints are replayed at every occurrence, so the output order is
// unchanged.
func WithMemoization() Option {
	return func(c *Canonicalizer) { c.memoize = true }
}

// WithLenientDuals pairs dual variables up to the shorter list when a
// constraint's canonical form changes the dual count, instead of failing
// with ErrDualMismatch.
func WithLenientDuals() Option {
	return func(c *Canonicalizer) { c.lenientDuals = true }
}

// New creates a Canonicalizer. The rule table is copied.
func New(rules Rules, opts ...Option) *Canonicalizer {
	c := &Canonicalizer{rules: make(Rules, len(rules)), logger: slog.Default()}
	for k, r := range rules {
		c.rules[k] = r
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HasRule reports whether a rule is registered for kind.
func (c *Canonicalizer) HasRule(kind expr.Kind) bool {
	_, ok := c.rules[kind]
	return ok
}

// ============================================================
// Per-node dispatch
// ============================================================

// CanonicalizeExpr rewrites a single node given its canonical operands.
//
// A constant, parameter-free expression is returned unchanged. Constraints
// are relations, not expressions, and are never short-circuited. Otherwise
// the node's rule decides the result; without a rule the node is rebuilt
// over args.
func (c *Canonicalizer) CanonicalizeExpr(node expr.Node, args []expr.Node) (expr.Node, []expr.Constraint, error) {
	if node == nil {
		return nil, nil, ErrNilNode
	}
	if _, isConstraint := node.(expr.Constraint); !isConstraint && node.IsConstant() && len(node.Parameters()) == 0 {
		return node, nil, nil
	}
	rule, ok := c.rules[node.Kind()]
	if !ok {
		return node.Copy(args), nil, nil
	}
	out, aux, err := rule(node, args)
	if err != nil {
		return nil, nil, &RuleError{Kind: node.Kind(), NodeID: node.ID(), Err: err}
	}
	if out == nil {
		return nil, nil, &RuleError{Kind: node.Kind(), NodeID: node.ID(), Err: ErrNilNode}
	}
	return out, aux, nil
}

// ============================================================
// Tree traversal
// ============================================================

type result struct {
	node expr.Node
	aux  []expr.Constraint
}

// frame is one node in flight on the traversal stack.
type frame struct {
	node     expr.Node
	children []expr.Node
	partial  bool
	next     int
	args     []expr.Node
	aux      []expr.Constraint
}

func newFrame(n expr.Node) *frame {
	if pp, ok := n.(*expr.PartialProblem); ok {
		inner := pp.Problem()
		cons := inner.Constraints()
		children := make([]expr.Node, 0, len(cons)+1)
		children = append(children, inner.Objective())
		for _, con := range cons {
			children = append(children, con)
		}
		return &frame{node: n, children: children, partial: true}
	}
	children := n.Args()
	return &frame{node: n, children: children, args: make([]expr.Node, 0, len(children))}
}

// accept records the canonical result of child i.
func (f *frame) accept(i int, r result) error {
	if !f.partial || i == 0 {
		f.args = append(f.args, r.node)
		f.aux = append(f.aux, r.aux...)
		return nil
	}
	con, ok := r.node.(expr.Constraint)
	if !ok {
		return fmt.Errorf("sub-problem %d constraint %d: %w", f.node.ID(), i-1, ErrNotConstraint)
	}
	f.aux = append(f.aux, con)
	f.aux = append(f.aux, r.aux...)
	return nil
}

func (c *Canonicalizer) finish(f *frame) (result, error) {
	if f.partial {
		return result{node: f.args[0], aux: f.aux}, nil
	}
	node, aux, err := c.CanonicalizeExpr(f.node, f.args)
	if err != nil {
		return result{}, err
	}
	return result{node: node, aux: append(f.aux, aux...)}, nil
}

// CanonicalizeTree rewrites the tree rooted at n bottom-up and returns the
// canonical node with every auxiliary constraint generated along the way.
//
// An embedded sub-problem is flattened: the result is its canonical
// objective, and each inner constraint's canonical form is followed by its
// own auxiliary constraints in the returned list.
//
// Traversal uses an explicit stack, so deep trees do not grow the goroutine
// stack. Shared subtrees are rewritten at every occurrence unless the
// Canonicalizer was built WithMemoization.
func (c *Canonicalizer) CanonicalizeTree(n expr.Node) (expr.Node, []expr.Constraint, error) {
	if n == nil {
		return nil, nil, ErrNilNode
	}
	var memo map[expr.Node]result
	if c.memoize {
		memo = make(map[expr.Node]result)
	}

	stack := []*frame{newFrame(n)}
	for {
		top := stack[len(stack)-1]
		if top.next < len(top.children) {
			i := top.next
			child := top.children[i]
			top.next++
			if child == nil {
				return nil, nil, fmt.Errorf("%w: operand %d of %s node %d", ErrNilNode, i, top.node.Kind(), top.node.ID())
			}
			if r, ok := memo[child]; ok {
				if err := top.accept(i, r); err != nil {
					return nil, nil, err
				}
				continue
			}
			stack = append(stack, newFrame(child))
			continue
		}

		r, err := c.finish(top)
		if err != nil {
			return nil, nil, err
		}
		if memo != nil {
			memo[top.node] = r
		}
		stack = stack[:len(stack)-1]
		if len(stack) == 0 {
			return r.node, r.aux, nil
		}
		parent := stack[len(stack)-1]
		if err := parent.accept(parent.next-1, r); err != nil {
			return nil, nil, err
		}
	}
}
