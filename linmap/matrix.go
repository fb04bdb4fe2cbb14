// Package linmap implements sparse linear maps between identified
// quantities.
//
// A Tensor maps a target identity to a Row, and a Row maps a source
// identity to the sparse matrix applied to that source's value:
//
//	value(target) = Σ_source Row[source] · value(source)
//
// Matrices are stored in compressed sparse column (CSC) form and satisfy
// gonum's mat.Matrix.
package linmap

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/james-bowman/sparse"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrDimensionMismatch is returned when operand shapes do not conform.
	ErrDimensionMismatch = errors.New("linmap: dimension mismatch")

	// ErrOutOfRange is returned for an entry outside the matrix bounds.
	ErrOutOfRange = errors.New("linmap: index out of range")
)

// ============================================================
// Matrix: compressed sparse column
// ============================================================

// Matrix is an immutable sparse matrix in CSC form. Explicit zeros are
// never stored.
type Matrix struct {
	csc *sparse.CSC
}

var _ mat.Matrix = (*Matrix)(nil)

// entry is one stored coordinate.
type entry struct {
	row, col int
	val      float64
}

// fromEntries builds a matrix from entries sorted by column then row, with
// no duplicate coordinates.
func fromEntries(rows, cols int, es []entry) *Matrix {
	indptr := make([]int, cols+1)
	ind := make([]int, 0, len(es))
	data := make([]float64, 0, len(es))
	for _, e := range es {
		if e.val == 0 {
			continue
		}
		ind = append(ind, e.row)
		data = append(data, e.val)
		indptr[e.col+1]++
	}
	for j := 0; j < cols; j++ {
		indptr[j+1] += indptr[j]
	}
	return &Matrix{csc: sparse.NewCSC(rows, cols, indptr, ind, data)}
}

// compact collects the nonzero entries of any sparse or dense matrix into a
// new Matrix, summing duplicates.
func compact(m mat.Matrix) *Matrix {
	rows, cols := m.Dims()
	var es []entry
	if nz, ok := m.(mat.NonZeroDoer); ok {
		nz.DoNonZero(func(i, j int, v float64) {
			es = append(es, entry{row: i, col: j, val: v})
		})
	} else {
		for j := 0; j < cols; j++ {
			for i := 0; i < rows; i++ {
				if v := m.At(i, j); v != 0 {
					es = append(es, entry{row: i, col: j, val: v})
				}
			}
		}
	}
	return fromEntries(rows, cols, sumDuplicates(es))
}

// sumDuplicates sorts es by column then row and merges equal coordinates.
func sumDuplicates(es []entry) []entry {
	sort.SliceStable(es, func(i, j int) bool {
		if es[i].col != es[j].col {
			return es[i].col < es[j].col
		}
		return es[i].row < es[j].row
	})
	out := es[:0]
	for k := 0; k < len(es); {
		e := es[k]
		k++
		for k < len(es) && es[k].row == e.row && es[k].col == e.col {
			e.val += es[k].val
			k++
		}
		out = append(out, e)
	}
	return out
}

// Identity returns the n×n identity matrix.
func Identity(n int) *Matrix {
	indptr := make([]int, n+1)
	ind := make([]int, n)
	data := make([]float64, n)
	for i := 0; i < n; i++ {
		indptr[i+1] = i + 1
		ind[i] = i
		data[i] = 1
	}
	return &Matrix{csc: sparse.NewCSC(n, n, indptr, ind, data)}
}

// Zeros returns an empty rows×cols matrix.
func Zeros(rows, cols int) *Matrix {
	return fromEntries(rows, cols, nil)
}

// FromTriplets builds a matrix from coordinate entries. Duplicate
// coordinates are summed and resulting zeros dropped.
func FromTriplets(rows, cols int, r, c []int, v []float64) (*Matrix, error) {
	if len(r) != len(c) || len(r) != len(v) {
		return nil, fmt.Errorf("%w: %d rows, %d cols, %d values", ErrDimensionMismatch, len(r), len(c), len(v))
	}
	es := make([]entry, len(r))
	for k := range r {
		if r[k] < 0 || r[k] >= rows || c[k] < 0 || c[k] >= cols {
			return nil, fmt.Errorf("%w: (%d, %d) in %dx%d", ErrOutOfRange, r[k], c[k], rows, cols)
		}
		es[k] = entry{row: r[k], col: c[k], val: v[k]}
	}
	return fromEntries(rows, cols, sumDuplicates(es)), nil
}

// FromDense builds a matrix from row-major data.
func FromDense(rows, cols int, data []float64) (*Matrix, error) {
	if len(data) != rows*cols {
		return nil, fmt.Errorf("%w: %d values for %dx%d", ErrDimensionMismatch, len(data), rows, cols)
	}
	return compact(mat.NewDense(rows, cols, append([]float64(nil), data...))), nil
}

// Dims returns the number of rows and columns.
func (m *Matrix) Dims() (rows, cols int) { return m.csc.Dims() }

// NNZ returns the number of stored nonzero entries.
func (m *Matrix) NNZ() int { return m.csc.NNZ() }

// At returns entry (i, j). It panics outside the bounds.
func (m *Matrix) At(i, j int) float64 {
	rows, cols := m.Dims()
	if i < 0 || i >= rows || j < 0 || j >= cols {
		panic(fmt.Sprintf("linmap: index (%d,%d) out of range for %dx%d matrix", i, j, rows, cols))
	}
	return m.csc.At(i, j)
}

// T returns the transpose view of m.
func (m *Matrix) T() mat.Matrix { return mat.Transpose{Matrix: m} }

// DoNonZero calls fn for each stored entry, column by column.
func (m *Matrix) DoNonZero(fn func(i, j int, v float64)) {
	for _, e := range m.entries() {
		fn(e.row, e.col, e.val)
	}
}

// entries returns the stored entries ordered by column then row.
func (m *Matrix) entries() []entry {
	es := make([]entry, 0, m.NNZ())
	m.csc.DoNonZero(func(i, j int, v float64) {
		es = append(es, entry{row: i, col: j, val: v})
	})
	sort.SliceStable(es, func(a, b int) bool {
		if es[a].col != es[b].col {
			return es[a].col < es[b].col
		}
		return es[a].row < es[b].row
	})
	return es
}

// Dense returns the entries in row-major order.
func (m *Matrix) Dense() []float64 {
	rows, cols := m.Dims()
	d := mat.NewDense(rows, cols, nil)
	m.csc.DoNonZero(d.Set)
	return d.RawMatrix().Data
}

// MulVec returns m·x.
func (m *Matrix) MulVec(x []float64) ([]float64, error) {
	rows, cols := m.Dims()
	if len(x) != cols {
		return nil, fmt.Errorf("%w: %dx%d matrix times vector of length %d", ErrDimensionMismatch, rows, cols, len(x))
	}
	y := mat.NewVecDense(rows, nil)
	m.csc.DoNonZero(func(i, j int, v float64) {
		y.SetVec(i, y.AtVec(i)+v*x[j])
	})
	return y.RawVector().Data, nil
}

// Mul returns m·b.
func (m *Matrix) Mul(b *Matrix) (*Matrix, error) {
	mr, mc := m.Dims()
	br, bc := b.Dims()
	if mc != br {
		return nil, fmt.Errorf("%w: %dx%d times %dx%d", ErrDimensionMismatch, mr, mc, br, bc)
	}
	var p sparse.CSR
	p.Mul(m.csc.ToCSR(), b.csc.ToCSR())
	return compact(&p), nil
}

// Add returns m+b.
func (m *Matrix) Add(b *Matrix) (*Matrix, error) {
	mr, mc := m.Dims()
	br, bc := b.Dims()
	if mr != br || mc != bc {
		return nil, fmt.Errorf("%w: %dx%d plus %dx%d", ErrDimensionMismatch, mr, mc, br, bc)
	}
	var s sparse.CSR
	s.Add(m.csc.ToCSR(), b.csc.ToCSR())
	return compact(&s), nil
}

// Scale returns f·m.
func (m *Matrix) Scale(f float64) *Matrix {
	rows, cols := m.Dims()
	es := m.entries()
	for k := range es {
		es[k].val *= f
	}
	return fromEntries(rows, cols, es)
}

// Equal reports whether m and o have the same shape and entries.
func (m *Matrix) Equal(o *Matrix) bool {
	if o == nil {
		return false
	}
	mr, mc := m.Dims()
	or, oc := o.Dims()
	if mr != or || mc != oc || m.NNZ() != o.NNZ() {
		return false
	}
	a, b := m.entries(), o.entries()
	for k := range a {
		if a[k] != b[k] {
			return false
		}
	}
	return true
}

// IsIdentity reports whether m is a square identity matrix.
func (m *Matrix) IsIdentity() bool {
	rows, cols := m.Dims()
	if rows != cols || m.NNZ() != rows {
		return false
	}
	ok := true
	m.csc.DoNonZero(func(i, j int, v float64) {
		if i != j || v != 1 {
			ok = false
		}
	})
	return ok
}

func (m *Matrix) String() string {
	rows, cols := m.Dims()
	var sb strings.Builder
	fmt.Fprintf(&sb, "%dx%d{", rows, cols)
	for k, e := range m.entries() {
		if k > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "(%d,%d):%g", e.row, e.col, e.val)
	}
	sb.WriteString("}")
	return sb.String()
}
