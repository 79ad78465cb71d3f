// Package kron implements a matrix-free separable dictionary operator.
//
// The effective dictionary is the Kronecker product of per-mode factor
// matrices D[N] ⊗ ... ⊗ D[1]; it is never materialized. Vectorization is
// column-major: mode 1 varies fastest in both data space and coefficient
// space, so flat index i maps to per-mode indices (i1, ..., iN) with
// i = i1 + coreDim[1]*(i2 + coreDim[2]*(i3 + ...)).
package kron

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrShapeMismatch indicates invalid or inconsistent factor matrices.
	ErrShapeMismatch = errors.New("kron: factor shape mismatch")
	// ErrDimensionMismatch indicates an input vector whose length does not
	// match the operator's data or coefficient dimension.
	ErrDimensionMismatch = errors.New("kron: dimension mismatch")
	// ErrIndexOutOfRange indicates a flat or per-mode index outside the
	// operator's column grid.
	ErrIndexOutOfRange = errors.New("kron: index out of range")
)

// Operator applies a separable dictionary given by per-mode factor matrices.
// It is immutable after construction and safe for concurrent use.
type Operator struct {
	factors    []*mat.Dense
	tensorDims []int // rows of each factor: data-space mode sizes
	coreDims   []int // cols of each factor: coefficient-space mode sizes
	dataLen    int   // Π tensorDims
	columns    int   // Π coreDims
}

// NewOperator builds an operator from per-mode factor matrices. Factor k must
// have tensorDim[k] rows and coreDim[k] columns; all must be non-empty.
func NewOperator(factors []*mat.Dense) (*Operator, error) {
	if len(factors) == 0 {
		return nil, fmt.Errorf("%w: no factor matrices", ErrShapeMismatch)
	}
	op := &Operator{
		factors:    make([]*mat.Dense, len(factors)),
		tensorDims: make([]int, len(factors)),
		coreDims:   make([]int, len(factors)),
		dataLen:    1,
		columns:    1,
	}
	for k, f := range factors {
		if f == nil {
			return nil, fmt.Errorf("%w: factor %d is nil", ErrShapeMismatch, k)
		}
		r, c := f.Dims()
		if r == 0 || c == 0 {
			return nil, fmt.Errorf("%w: factor %d has zero dimension %dx%d", ErrShapeMismatch, k, r, c)
		}
		op.factors[k] = f
		op.tensorDims[k] = r
		op.coreDims[k] = c
		op.dataLen *= r
		op.columns *= c
	}
	return op, nil
}

// Order returns the number of tensor modes.
func (op *Operator) Order() int { return len(op.factors) }

// DataLen returns the data-space dimension Π tensorDims.
func (op *Operator) DataLen() int { return op.dataLen }

// Columns returns the number of implicit dictionary columns Π coreDims.
func (op *Operator) Columns() int { return op.columns }

// TensorDims returns a copy of the per-mode data-space sizes.
func (op *Operator) TensorDims() []int {
	dims := make([]int, len(op.tensorDims))
	copy(dims, op.tensorDims)
	return dims
}

// CoreDims returns a copy of the per-mode coefficient-space sizes.
func (op *Operator) CoreDims() []int {
	dims := make([]int, len(op.coreDims))
	copy(dims, op.coreDims)
	return dims
}

// Factor returns the factor matrix of mode k (read-only by convention).
func (op *Operator) Factor(k int) *mat.Dense { return op.factors[k] }

// Decompose maps a flat column index to its per-mode indices.
func (op *Operator) Decompose(flat int) ([]int, error) {
	idx := make([]int, op.Order())
	if err := op.DecomposeInto(idx, flat); err != nil {
		return nil, err
	}
	return idx, nil
}

// DecomposeInto is Decompose without allocation; dst must have length Order().
func (op *Operator) DecomposeInto(dst []int, flat int) error {
	if flat < 0 || flat >= op.columns {
		return fmt.Errorf("%w: flat index %d not in [0,%d)", ErrIndexOutOfRange, flat, op.columns)
	}
	if len(dst) != op.Order() {
		return fmt.Errorf("%w: dst length %d, want %d", ErrDimensionMismatch, len(dst), op.Order())
	}
	rem := flat
	for k, d := range op.coreDims {
		dst[k] = rem % d
		rem /= d
	}
	return nil
}

// Compose is the inverse of Decompose.
func (op *Operator) Compose(idx []int) (int, error) {
	if len(idx) != op.Order() {
		return 0, fmt.Errorf("%w: index length %d, want %d", ErrDimensionMismatch, len(idx), op.Order())
	}
	flat := 0
	for k := op.Order() - 1; k >= 0; k-- {
		if idx[k] < 0 || idx[k] >= op.coreDims[k] {
			return 0, fmt.Errorf("%w: mode %d index %d not in [0,%d)", ErrIndexOutOfRange, k, idx[k], op.coreDims[k])
		}
		flat = flat*op.coreDims[k] + idx[k]
	}
	return flat, nil
}

// Apply computes the forward multilinear product: the data-space image of a
// full coefficient vector. Length of x must equal Columns().
func (op *Operator) Apply(x []float64) ([]float64, error) {
	if len(x) != op.columns {
		return nil, fmt.Errorf("%w: coefficient length %d, want %d", ErrDimensionMismatch, len(x), op.columns)
	}
	return op.chain(x, op.coreDims, false), nil
}

// ApplyAdjoint computes the transpose product: the coefficient-space image of
// a data-space vector. Length of t must equal DataLen().
func (op *Operator) ApplyAdjoint(t []float64) ([]float64, error) {
	if len(t) != op.dataLen {
		return nil, fmt.Errorf("%w: data length %d, want %d", ErrDimensionMismatch, len(t), op.dataLen)
	}
	return op.chain(t, op.tensorDims, true), nil
}

// chain runs the mode-k product sequence over all modes. dims holds the
// current per-mode sizes of data; adjoint selects Dkᵀ over Dk.
func (op *Operator) chain(data []float64, dims []int, adjoint bool) []float64 {
	cur := append([]float64(nil), data...)
	cd := append([]int(nil), dims...)
	for k := range op.factors {
		var m mat.Matrix = op.factors[k]
		if adjoint {
			m = op.factors[k].T()
		}
		cur = modeMul(cur, cd, k, m)
		cd[k], _ = m.Dims()
	}
	return cur
}

// modeMul multiplies data (a tensor with mode sizes dims, mode 1 fastest)
// along mode k by m, returning the new buffer. For fixed trailing indices the
// slice covering modes 1..k is contiguous and forms a row-major
// dims[k]×left block, so each block product is a single dense Mul.
func modeMul(data []float64, dims []int, k int, m mat.Matrix) []float64 {
	rows, cols := m.Dims() // cols must equal dims[k]
	left := 1
	for j := 0; j < k; j++ {
		left *= dims[j]
	}
	right := len(data) / (left * dims[k])
	out := make([]float64, left*rows*right)
	inBlock := left * cols
	outBlock := left * rows
	for r := 0; r < right; r++ {
		src := mat.NewDense(cols, left, data[r*inBlock:(r+1)*inBlock])
		dst := mat.NewDense(rows, left, out[r*outBlock:(r+1)*outBlock])
		dst.Mul(m, src)
	}
	return out
}

// Column materializes the implicit dictionary column with the given per-mode
// indices into dst (length DataLen()): the iterated Kronecker product of the
// selected per-mode factor columns.
func (op *Operator) Column(dst []float64, modeIdx []int) error {
	if len(dst) != op.dataLen {
		return fmt.Errorf("%w: dst length %d, want %d", ErrDimensionMismatch, len(dst), op.dataLen)
	}
	if len(modeIdx) != op.Order() {
		return fmt.Errorf("%w: index length %d, want %d", ErrDimensionMismatch, len(modeIdx), op.Order())
	}
	n := op.tensorDims[0]
	for i := 0; i < n; i++ {
		dst[i] = op.factors[0].At(i, modeIdx[0])
	}
	for k := 1; k < op.Order(); k++ {
		f := op.factors[k]
		tk := op.tensorDims[k]
		// Expand in place back-to-front: block a of the result is the
		// current prefix scaled by f[a, modeIdx[k]].
		for a := tk - 1; a >= 0; a-- {
			s := f.At(a, modeIdx[k])
			for i := n - 1; i >= 0; i-- {
				dst[a*n+i] = s * dst[i]
			}
		}
		n *= tk
	}
	return nil
}

// ContractColumn computes the inner product of a data-space vector with one
// implicit column by contracting one mode at a time, without materializing
// the column.
func (op *Operator) ContractColumn(t []float64, modeIdx []int) (float64, error) {
	if len(t) != op.dataLen {
		return 0, fmt.Errorf("%w: data length %d, want %d", ErrDimensionMismatch, len(t), op.dataLen)
	}
	if len(modeIdx) != op.Order() {
		return 0, fmt.Errorf("%w: index length %d, want %d", ErrDimensionMismatch, len(modeIdx), op.Order())
	}
	cur := t
	for k := 0; k < op.Order(); k++ {
		f := op.factors[k]
		tk := op.tensorDims[k]
		rest := len(cur) / tk
		next := make([]float64, rest)
		for m := 0; m < rest; m++ {
			var s float64
			base := m * tk
			for i := 0; i < tk; i++ {
				s += f.At(i, modeIdx[k]) * cur[base+i]
			}
			next[m] = s
		}
		cur = next
	}
	return cur[0], nil
}

// ApplyActive computes the partial product Σ coeffs[j]·a(cols[j]) in data
// space, visiting only the listed columns. cols holds flat column indices.
func (op *Operator) ApplyActive(cols []int, coeffs []float64) ([]float64, error) {
	if len(cols) != len(coeffs) {
		return nil, fmt.Errorf("%w: %d columns, %d coefficients", ErrDimensionMismatch, len(cols), len(coeffs))
	}
	out := make([]float64, op.dataLen)
	col := make([]float64, op.dataLen)
	idx := make([]int, op.Order())
	for j, flat := range cols {
		if coeffs[j] == 0 {
			continue
		}
		if err := op.DecomposeInto(idx, flat); err != nil {
			return nil, err
		}
		if err := op.Column(col, idx); err != nil {
			return nil, err
		}
		for i, v := range col {
			out[i] += coeffs[j] * v
		}
	}
	return out, nil
}

// AdjointActive fills dst[j] with the inner product of t against column
// cols[j], for the listed columns only.
func (op *Operator) AdjointActive(dst []float64, t []float64, cols []int) error {
	if len(dst) != len(cols) {
		return fmt.Errorf("%w: %d columns, dst length %d", ErrDimensionMismatch, len(cols), len(dst))
	}
	idx := make([]int, op.Order())
	for j, flat := range cols {
		if err := op.DecomposeInto(idx, flat); err != nil {
			return err
		}
		v, err := op.ContractColumn(t, idx)
		if err != nil {
			return err
		}
		dst[j] = v
	}
	return nil
}

// ColumnNorms returns the squared w-weighted norm of every implicit column.
// Since the elementwise square of a Kronecker product is the Kronecker
// product of elementwise squares, this is one adjoint chain over squared
// factors applied to w.
func (op *Operator) ColumnNorms(w []float64) ([]float64, error) {
	if len(w) != op.dataLen {
		return nil, fmt.Errorf("%w: weight length %d, want %d", ErrDimensionMismatch, len(w), op.dataLen)
	}
	sq := make([]*mat.Dense, op.Order())
	for k, f := range op.factors {
		r, c := f.Dims()
		s := mat.NewDense(r, c, nil)
		s.Apply(func(_, _ int, v float64) float64 { return v * v }, f)
		sq[k] = s
	}
	sqOp := &Operator{
		factors:    sq,
		tensorDims: op.tensorDims,
		coreDims:   op.coreDims,
		dataLen:    op.dataLen,
		columns:    op.columns,
	}
	return sqOp.ApplyAdjoint(w)
}

// ModeUsage tracks, per mode, how many active columns reference each factor
// column. It is a derived view over an active set, maintained by the caller
// on every add/remove event.
type ModeUsage struct {
	counts [][]int
}

// NewModeUsage creates an empty usage view for the operator's column grid.
func NewModeUsage(op *Operator) *ModeUsage {
	u := &ModeUsage{counts: make([][]int, op.Order())}
	for k, d := range op.coreDims {
		u.counts[k] = make([]int, d)
	}
	return u
}

// Add registers one active column by its per-mode indices.
func (u *ModeUsage) Add(modeIdx []int) {
	for k, i := range modeIdx {
		u.counts[k][i]++
	}
}

// Remove unregisters one active column by its per-mode indices.
func (u *ModeUsage) Remove(modeIdx []int) {
	for k, i := range modeIdx {
		if u.counts[k][i] > 0 {
			u.counts[k][i]--
		}
	}
}

// Used returns the factor columns of mode k referenced by at least one
// active column, in ascending order.
func (u *ModeUsage) Used(mode int) []int {
	var used []int
	for i, c := range u.counts[mode] {
		if c > 0 {
			used = append(used, i)
		}
	}
	return used
}
