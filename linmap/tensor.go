package linmap

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/njchilds90/gocanon/expr"
)

// ============================================================
// Row / Tensor
// ============================================================

// Row maps a source identity to the matrix applied to that source.
type Row map[expr.ID]*Matrix

// Tensor maps a target identity to its Row.
type Tensor map[expr.ID]Row

// IdentityRow returns {source: I(size)}.
func IdentityRow(source expr.ID, size int) Row {
	return Row{source: Identity(size)}
}

// Set records Tensor[target][source] = m, replacing any existing entry.
func (t Tensor) Set(target, source expr.ID, m *Matrix) {
	row, ok := t[target]
	if !ok {
		row = Row{}
		t[target] = row
	}
	row[source] = m
}

// Targets returns the target identities in ascending order.
func (t Tensor) Targets() []expr.ID { return sortedKeys(t) }

// Sources returns the source identities in ascending order.
func (r Row) Sources() []expr.ID { return sortedKeys(r) }

// Clone copies the tensor structure. Matrices are immutable and shared.
func (t Tensor) Clone() Tensor {
	out := make(Tensor, len(t))
	for target, row := range t {
		nr := make(Row, len(row))
		for source, m := range row {
			nr[source] = m
		}
		out[target] = nr
	}
	return out
}

func sortedKeys[V any](m map[expr.ID]V) []expr.ID {
	keys := make([]expr.ID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// ============================================================
// Apply / Compose
// ============================================================

// Apply computes {target: Σ_source m · values[source]}. Sources missing from
// values are skipped, and a target with no present source has no entry in
// the result. Sources are summed in ascending identity order.
func Apply(t Tensor, values map[expr.ID][]float64) (map[expr.ID][]float64, error) {
	out := make(map[expr.ID][]float64, len(t))
	for _, target := range t.Targets() {
		row := t[target]
		var acc []float64
		for _, source := range row.Sources() {
			x, ok := values[source]
			if !ok {
				continue
			}
			y, err := row[source].MulVec(x)
			if err != nil {
				return nil, fmt.Errorf("target %d, source %d: %w", target, source, err)
			}
			if acc == nil {
				acc = y
				continue
			}
			if len(y) != len(acc) {
				return nil, fmt.Errorf("%w: target %d sums terms of length %d and %d", ErrDimensionMismatch, target, len(acc), len(y))
			}
			floats.Add(acc, y)
		}
		if acc != nil {
			out[target] = acc
		}
	}
	return out, nil
}

// Compose returns the tensor c with Apply(c, v) == Apply(outer, Apply(inner, v)).
// Intermediate identities that inner does not produce contribute nothing.
func Compose(outer, inner Tensor) (Tensor, error) {
	out := make(Tensor, len(outer))
	for _, target := range outer.Targets() {
		row := outer[target]
		composed := Row{}
		for _, mid := range row.Sources() {
			innerRow, ok := inner[mid]
			if !ok {
				continue
			}
			for _, source := range innerRow.Sources() {
				p, err := row[mid].Mul(innerRow[source])
				if err != nil {
					return nil, fmt.Errorf("target %d via %d from %d: %w", target, mid, source, err)
				}
				if prev, ok := composed[source]; ok {
					if p, err = prev.Add(p); err != nil {
						return nil, fmt.Errorf("target %d from %d: %w", target, source, err)
					}
				}
				composed[source] = p
			}
		}
		if len(composed) > 0 {
			out[target] = composed
		}
	}
	return out, nil
}
