package gocanon

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/njchilds90/gocanon/expr"
	"github.com/njchilds90/gocanon/linmap"
)

// ============================================================
// Solution
// ============================================================

// Status is a solver outcome.
type Status string

const (
	StatusOptimal              Status = "optimal"
	StatusOptimalInaccurate    Status = "optimal_inaccurate"
	StatusInfeasible           Status = "infeasible"
	StatusInfeasibleInaccurate Status = "infeasible_inaccurate"
	StatusUnbounded            Status = "unbounded"
	StatusUnboundedInaccurate  Status = "unbounded_inaccurate"
	StatusSolverError          Status = "solver_error"
	StatusUnknown              Status = "unknown"
)

// Solution is a solver result keyed by variable identity. Attr carries
// solver metadata that this package does not interpret.
type Solution struct {
	Status     Status
	OptVal     *float64
	PrimalVars map[expr.ID][]float64
	DualVars   map[expr.ID][]float64
	Attr       map[string]any
}

// NewSolution returns a solution with empty value maps.
func NewSolution(status Status) *Solution {
	return &Solution{
		Status:     status,
		PrimalVars: map[expr.ID][]float64{},
		DualVars:   map[expr.ID][]float64{},
		Attr:       map[string]any{},
	}
}

// WithOptVal sets the optimal value and returns s.
func (s *Solution) WithOptVal(v float64) *Solution {
	s.OptVal = &v
	return s
}

// ============================================================
// Invert
// ============================================================

// Invert maps a canonical-space solution back to the original problem's
// identities. Status, optimal value and attributes are carried over. An
// original identity without a map entry, or whose canonical sources have
// no value in solution, is absent from the result; callers must read a
// missing identity as "value unavailable", not zero.
//
// A dimension mismatch between a map and a value is returned as
// linmap.ErrDimensionMismatch and indicates inconsistent inverse data.
func (c *Canonicalizer) Invert(ctx context.Context, solution *Solution, inv *InverseData) (*Solution, error) {
	if solution == nil {
		return nil, ErrNilSolution
	}
	if inv == nil {
		return nil, ErrNilInverseData
	}
	c.initMetrics()

	ctx, span := tracer.Start(ctx, "gocanon.Invert",
		trace.WithAttributes(
			attribute.String("gocanon.pass_id", inv.PassID),
			attribute.String("gocanon.status", string(solution.Status)),
		),
	)
	defer span.End()

	primal, err := linmap.Apply(inv.PrimalTensor, solution.PrimalVars)
	if err != nil {
		err = fmt.Errorf("primal: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	dual, err := linmap.Apply(inv.DualTensor, solution.DualVars)
	if err != nil {
		err = fmt.Errorf("dual: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	c.record(ctx, c.inversions, 1)
	span.SetStatus(codes.Ok, "")
	c.logger.Debug("solution inverted",
		slog.String("pass_id", inv.PassID),
		slog.Int("primal", len(primal)),
		slog.Int("dual", len(dual)),
	)

	out := &Solution{
		Status:     solution.Status,
		PrimalVars: primal,
		DualVars:   dual,
		Attr:       maps.Clone(solution.Attr),
	}
	if solution.OptVal != nil {
		v := *solution.OptVal
		out.OptVal = &v
	}
	return out, nil
}
