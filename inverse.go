package gocanon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/njchilds90/gocanon/expr"
	"github.com/njchilds90/gocanon/linmap"
)

// ============================================================
// InverseData
// ============================================================

// InverseData records how to translate canonical-space values back to the
// original problem's variables and dual variables.
type InverseData struct {
	// PassID correlates the pass in logs and traces.
	PassID string

	// PrimalTensor maps original variable ids to canonical variable ids.
	PrimalTensor linmap.Tensor

	// DualTensor maps original dual variable ids to canonical dual ids.
	DualTensor linmap.Tensor
}

func newInverseData() *InverseData {
	return &InverseData{
		PassID:       uuid.NewString()[:12],
		PrimalTensor: linmap.Tensor{},
		DualTensor:   linmap.Tensor{},
	}
}

// Substitute replaces the primal map entry of original variable orig. Use it
// when a rule replaced that variable in the canonical tree.
func (d *InverseData) Substitute(orig expr.ID, row linmap.Row) {
	d.PrimalTensor[orig] = row
}

// Then chains two passes: d belongs to the first pass and next to a pass run
// on the first pass's output. The result inverts next's canonical space
// directly into d's original space.
func (d *InverseData) Then(next *InverseData) (*InverseData, error) {
	if d == nil || next == nil {
		return nil, ErrNilInverseData
	}
	primal, err := linmap.Compose(d.PrimalTensor, next.PrimalTensor)
	if err != nil {
		return nil, fmt.Errorf("compose primal: %w", err)
	}
	dual, err := linmap.Compose(d.DualTensor, next.DualTensor)
	if err != nil {
		return nil, fmt.Errorf("compose dual: %w", err)
	}
	return &InverseData{PassID: d.PassID + "+" + next.PassID, PrimalTensor: primal, DualTensor: dual}, nil
}

// ============================================================
// Apply
// ============================================================

// Apply canonicalizes problem.
//
// Every original variable is seeded with an identity map onto itself. The
// returned problem's constraints are the objective's auxiliary constraints
// followed, for each original constraint, by its canonical form and then
// its auxiliary constraints. Dual variables of each original constraint are
// paired positionally with those of its canonical form.
func (c *Canonicalizer) Apply(ctx context.Context, problem *expr.Problem) (*expr.Problem, *InverseData, error) {
	if problem == nil {
		return nil, nil, ErrNilProblem
	}
	c.initMetrics()

	inv := newInverseData()
	ctx, span := tracer.Start(ctx, "gocanon.Apply",
		trace.WithAttributes(
			attribute.String("gocanon.pass_id", inv.PassID),
			attribute.Int("gocanon.constraints", len(problem.Constraints())),
		),
	)
	defer span.End()
	start := time.Now()

	fail := func(err error) (*expr.Problem, *InverseData, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.record(ctx, c.passFailures, 1)
		c.logger.Error("canonicalization failed",
			slog.String("pass_id", inv.PassID),
			slog.String("error", err.Error()),
		)
		return nil, nil, err
	}

	vars := problem.Variables()
	for _, v := range vars {
		inv.PrimalTensor[v.ID()] = linmap.IdentityRow(v.ID(), v.Size())
	}

	objective, constraints, err := c.CanonicalizeTree(problem.Objective())
	if err != nil {
		return fail(fmt.Errorf("objective: %w", err))
	}

	for i, con := range problem.Constraints() {
		canon, aux, err := c.CanonicalizeTree(con)
		if err != nil {
			return fail(fmt.Errorf("constraint %d: %w", i, err))
		}
		canonCon, ok := canon.(expr.Constraint)
		if !ok {
			return fail(fmt.Errorf("constraint %d (%s): %w", i, con.Kind(), ErrNotConstraint))
		}
		constraints = append(constraints, canonCon)
		constraints = append(constraints, aux...)
		if err := c.mapDuals(inv, i, con, canonCon); err != nil {
			return fail(err)
		}
	}

	out := expr.NewProblem(objective, constraints...)
	auxCount := len(constraints) - len(problem.Constraints())

	c.record(ctx, c.passes, 1)
	c.record(ctx, c.auxCreated, int64(auxCount))
	if c.passLatency != nil {
		c.passLatency.Record(ctx, time.Since(start).Seconds())
	}
	span.SetAttributes(attribute.Int("gocanon.auxiliary_constraints", auxCount))
	span.SetStatus(codes.Ok, "")
	c.logger.Debug("canonicalization complete",
		slog.String("pass_id", inv.PassID),
		slog.Int("variables", len(vars)),
		slog.Int("constraints", len(constraints)),
		slog.Int("auxiliary", auxCount),
		slog.Duration("duration", time.Since(start)),
	)
	return out, inv, nil
}

func (c *Canonicalizer) mapDuals(inv *InverseData, index int, orig, canon expr.Constraint) error {
	old, cur := orig.DualVariables(), canon.DualVariables()
	if len(old) != len(cur) {
		if !c.lenientDuals {
			return fmt.Errorf("%w: constraint %d had %d, canonical form has %d", ErrDualMismatch, index, len(old), len(cur))
		}
		c.logger.Warn("dual variable count changed; pairing up to the shorter list",
			slog.String("pass_id", inv.PassID),
			slog.Int("constraint", index),
			slog.Int("original", len(old)),
			slog.Int("canonical", len(cur)),
		)
	}
	n := min(len(old), len(cur))
	for i := 0; i < n; i++ {
		inv.DualTensor[old[i].ID()] = linmap.IdentityRow(cur[i].ID(), cur[i].Size())
	}
	return nil
}

// ============================================================
// ApplyAll
// ============================================================

// Result is one problem's output from ApplyAll.
type Result struct {
	Problem *expr.Problem
	Inverse *InverseData
}

// ApplyAll canonicalizes independent problems concurrently, running at most
// limit passes at once (no limit when limit <= 0). Results keep the input
// order. The first error cancels the remaining passes.
func (c *Canonicalizer) ApplyAll(ctx context.Context, problems []*expr.Problem, limit int) ([]Result, error) {
	results := make([]Result, len(problems))
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, p := range problems {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			canon, inv, err := c.Apply(ctx, p)
			if err != nil {
				return fmt.Errorf("problem %d: %w", i, err)
			}
			results[i] = Result{Problem: canon, Inverse: inv}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Canonicalizer) record(ctx context.Context, counter metric.Int64Counter, n int64) {
	if counter != nil {
		counter.Add(ctx, n)
	}
}
