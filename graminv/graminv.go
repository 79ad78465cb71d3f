// Package graminv maintains the inverse of an active-set Gram matrix under
// incremental column additions and removals.
//
// The inverse lives in a block-grown arena so that adding one column costs an
// O(n²) bordered update (Schur complement) instead of an O(n³) refactorization,
// and the backing buffer is reallocated only when a growth block is exhausted.
// When the active columns become (near-)linearly dependent the incremental
// update is abandoned and the caller recomputes from the full Gram matrix,
// which falls back to a Moore–Penrose pseudo-inverse below a determinant
// threshold. The fallback is expected behavior, not an error path.
package graminv

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	// DefaultBlock is the arena growth granularity in rows/columns.
	DefaultBlock = 32

	// schurTol is the smallest Schur complement accepted by AddColumn.
	schurTol = 1e-12
	// detTol gates the direct inverse in Recompute; below it the
	// pseudo-inverse is used.
	detTol = 1e-12
	// rcond drops singular values below rcond·σmax in the pseudo-inverse.
	rcond = 1e-12
)

// ErrDegenerate reports a (near-)singular incremental update. The caller is
// expected to rebuild via Recompute rather than treat this as fatal.
var ErrDegenerate = errors.New("graminv: degenerate update")

// Inverse holds G⁻¹ for the current active set. The zero value is not usable;
// construct with New.
type Inverse struct {
	data   []float64 // row-major, stride × stride
	n      int       // logical size
	stride int       // physical capacity per dimension
	block  int
}

// New creates an empty inverse with the given growth block (DefaultBlock if
// block <= 0).
func New(block int) *Inverse {
	if block <= 0 {
		block = DefaultBlock
	}
	return &Inverse{
		data:   make([]float64, block*block),
		stride: block,
		block:  block,
	}
}

// Len returns the current active-set size.
func (v *Inverse) Len() int { return v.n }

// Cap returns the physical capacity in rows/columns.
func (v *Inverse) Cap() int { return v.stride }

// At returns element (i, j) of the stored inverse.
func (v *Inverse) At(i, j int) float64 { return v.data[i*v.stride+j] }

func (v *Inverse) set(i, j int, x float64) { v.data[i*v.stride+j] = x }

// Reset clears the inverse to size zero without releasing the arena.
func (v *Inverse) Reset() {
	for i := range v.data {
		v.data[i] = 0
	}
	v.n = 0
}

// grow reallocates the arena to hold at least want rows/columns, preserving
// the logical content. Called only when capacity is exceeded.
func (v *Inverse) grow(want int) {
	ns := v.stride
	for ns < want {
		ns += v.block
	}
	nd := make([]float64, ns*ns)
	for i := 0; i < v.n; i++ {
		copy(nd[i*ns:i*ns+v.n], v.data[i*v.stride:i*v.stride+v.n])
	}
	v.data = nd
	v.stride = ns
}

// AddColumn extends the inverse by one column via the bordered block
// inversion: given cross[i] = g(new, active[i]) and diag = g(new, new),
//
//	G'⁻¹ = [ F + bbᵀ/s   −b/s ]     b = F·cross,  s = diag − crossᵀb.
//	       [ −bᵀ/s        1/s ]
//
// Returns ErrDegenerate when the Schur complement s is non-finite or too
// small to divide by; the stored inverse is unchanged in that case.
func (v *Inverse) AddColumn(cross []float64, diag float64) error {
	if len(cross) != v.n {
		return fmt.Errorf("graminv: cross row length %d, want %d", len(cross), v.n)
	}
	if v.n == 0 {
		if !isFinite(diag) || math.Abs(diag) < schurTol {
			return fmt.Errorf("%w: leading diagonal %v", ErrDegenerate, diag)
		}
		if v.stride < 1 {
			v.grow(1)
		}
		v.set(0, 0, 1/diag)
		v.n = 1
		return nil
	}

	b := make([]float64, v.n)
	for i := 0; i < v.n; i++ {
		var s float64
		for j := 0; j < v.n; j++ {
			s += v.At(i, j) * cross[j]
		}
		b[i] = s
	}
	schur := diag
	for i, bi := range b {
		schur -= cross[i] * bi
	}
	if !isFinite(schur) || math.Abs(schur) < schurTol {
		return fmt.Errorf("%w: schur complement %v", ErrDegenerate, schur)
	}

	if v.n+1 > v.stride {
		v.grow(v.n + 1)
	}
	inv := 1 / schur
	for i := 0; i < v.n; i++ {
		for j := 0; j < v.n; j++ {
			v.set(i, j, v.At(i, j)+b[i]*b[j]*inv)
		}
		v.set(i, v.n, -b[i]*inv)
		v.set(v.n, i, -b[i]*inv)
	}
	v.set(v.n, v.n, inv)
	v.n++
	return nil
}

// RemoveColumn deletes the column at active-set position p, downdating the
// inverse of the reduced Gram matrix in O(n²):
//
//	F'[i,j] = F[i,j] − F[i,p]·F[p,j] / F[p,p]   for i, j ≠ p.
//
// The buffer shrinks logically only. Returns ErrDegenerate when the pivot
// F[p,p] is too small, which cannot happen for a positive definite inverse.
func (v *Inverse) RemoveColumn(p int) error {
	if p < 0 || p >= v.n {
		return fmt.Errorf("graminv: remove position %d not in [0,%d)", p, v.n)
	}
	pivot := v.At(p, p)
	if !isFinite(pivot) || math.Abs(pivot) < schurTol {
		return fmt.Errorf("%w: pivot %v at position %d", ErrDegenerate, pivot, p)
	}
	f := make([]float64, v.n)
	for i := 0; i < v.n; i++ {
		f[i] = v.At(i, p)
	}
	for i := 0; i < v.n; i++ {
		if i == p {
			continue
		}
		for j := 0; j < v.n; j++ {
			if j == p {
				continue
			}
			v.set(i, j, v.At(i, j)-f[i]*f[j]/pivot)
		}
	}
	// Compact out row/column p.
	for i := p; i < v.n-1; i++ {
		copy(v.data[i*v.stride:i*v.stride+p], v.data[(i+1)*v.stride:(i+1)*v.stride+p])
		copy(v.data[i*v.stride+p:i*v.stride+v.n-1], v.data[(i+1)*v.stride+p+1:(i+1)*v.stride+v.n])
	}
	for i := 0; i < p; i++ {
		copy(v.data[i*v.stride+p:i*v.stride+v.n-1], v.data[i*v.stride+p+1:i*v.stride+v.n])
	}
	v.n--
	return nil
}

// MulVec computes dst = G⁻¹·z over the logical size.
func (v *Inverse) MulVec(dst, z []float64) error {
	if len(dst) != v.n || len(z) != v.n {
		return fmt.Errorf("graminv: vector lengths %d/%d, want %d", len(dst), len(z), v.n)
	}
	for i := 0; i < v.n; i++ {
		var s float64
		row := v.data[i*v.stride : i*v.stride+v.n]
		for j, zj := range z {
			s += row[j] * zj
		}
		dst[i] = s
	}
	return nil
}

// Recompute replaces the stored inverse with the inverse of the full Gram
// matrix g. When g is (near-)singular (|det| below threshold, direct
// inversion failing, or a non-finite result) the Moore–Penrose
// pseudo-inverse is stored instead, guaranteeing a finite direction for
// linearly dependent active columns.
func (v *Inverse) Recompute(g *mat.Dense) error {
	r, c := g.Dims()
	if r != c {
		return fmt.Errorf("graminv: gram matrix %dx%d not square", r, c)
	}
	var inv mat.Dense
	usePinv := math.Abs(mat.Det(g)) < detTol
	if !usePinv {
		if err := inv.Inverse(g); err != nil || !finiteDense(&inv) {
			usePinv = true
		}
	}
	if usePinv {
		if err := pseudoInverse(&inv, g); err != nil {
			return err
		}
	}
	if r > v.stride {
		v.grow(r)
	}
	for i := 0; i < r; i++ {
		for j := 0; j < r; j++ {
			v.set(i, j, inv.At(i, j))
		}
	}
	v.n = r
	return nil
}

// pseudoInverse stores pinv(g) = V·S⁺·Uᵀ into dst via thin SVD.
func pseudoInverse(dst *mat.Dense, g *mat.Dense) error {
	var svd mat.SVD
	if !svd.Factorize(g, mat.SVDThin) {
		return fmt.Errorf("%w: SVD factorization failed", ErrDegenerate)
	}
	var u, vm mat.Dense
	svd.UTo(&u)
	svd.VTo(&vm)
	s := svd.Values(nil)
	tol := rcond * s[0]
	r, _ := g.Dims()
	scaled := mat.NewDense(r, len(s), nil)
	for j, sv := range s {
		invSV := 0.0
		if sv > tol {
			invSV = 1 / sv
		}
		for i := 0; i < r; i++ {
			scaled.Set(i, j, vm.At(i, j)*invSV)
		}
	}
	dst.Mul(scaled, u.T())
	return nil
}

func finiteDense(m *mat.Dense) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if !isFinite(m.At(i, j)) {
				return false
			}
		}
	}
	return true
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
