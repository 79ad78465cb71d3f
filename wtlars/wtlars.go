// Package wtlars implements Weighted Tensor Least-Angle Regression: a sparse
// solver for regression problems whose dictionary is the Kronecker (or
// Khatri-Rao) product of per-mode factor matrices under a weighted inner
// product ⟨u,v⟩_w = uᵀ·diag(w)·v.
//
// The solver follows the LARS/homotopy path, changing the active column set
// by one column per iteration while maintaining the inverse of the active-set
// weighted Gram matrix incrementally. The dictionary matrix is never
// materialized; every product goes through the matrix-free operator in
// package kron.
package wtlars

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-tensor-lars/graminv"
	"github.com/n0madic/go-tensor-lars/kron"
)

var (
	// ErrShapeMismatch indicates inconsistent tensor/dictionary/weight
	// dimensions, rejected before any solver state is created.
	ErrShapeMismatch = errors.New("wtlars: input shape mismatch")
	// ErrInvalidConfig indicates an unusable option combination.
	ErrInvalidConfig = errors.New("wtlars: invalid configuration")
)

// MaskType selects which columns of the separable structure are valid.
type MaskType int

const (
	// MaskKronecker admits every column of the Kronecker grid.
	MaskKronecker MaskType = iota
	// MaskKhatriRao admits only the diagonal-aligned columns, i.e. those
	// whose per-mode indices all coincide. Requires equal per-mode column
	// counts.
	MaskKhatriRao
)

// Status is the terminal state of a run.
type Status int

const (
	// StatusConverged means the residual tolerance or active-set limit
	// was met.
	StatusConverged Status = iota
	// StatusExhausted means the iteration limit was reached first.
	StatusExhausted
	// StatusAborted means a numerical breakdown (non-finite residual or
	// invalid lambda/delta) stopped the loop; the last valid solution is
	// preserved.
	StatusAborted
	// StatusCancelled means the context was cancelled between iterations;
	// state is left fully consistent.
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusConverged:
		return "converged"
	case StatusExhausted:
		return "exhausted"
	case StatusAborted:
		return "aborted"
	case StatusCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Accelerator is an optional host-supplied accelerated dense-algebra path for
// the full forward/adjoint dictionary products. The engine asks only whether
// the path is available; device selection and initialization belong to the
// host. On the first failure the engine redoes the computation on the gonum
// baseline within the same iteration and stays on the baseline for the rest
// of the run.
type Accelerator interface {
	Available() bool
	Apply(op *kron.Operator, x []float64) ([]float64, error)
	ApplyAdjoint(op *kron.Operator, t []float64) ([]float64, error)
}

// ProgressFunc receives the current reconstruction and the residual-norm
// history. Invoked every progressEvery iterations; the engine renders
// nothing itself.
type ProgressFunc func(iteration int, reconstruction []float64, residualNorms []float64)

// AbortFunc receives a state snapshot on abnormal termination, for external
// persistence. The engine performs no file I/O itself.
type AbortFunc func(snap *Snapshot)

// Snapshot captures enough solver state for external persistence after an
// abnormal termination.
type Snapshot struct {
	Active   []int
	Coeffs   []float64
	Residual []float64
	Stats    []IterationStat
}

// IterationStat is one entry of the append-only per-iteration log.
type IterationStat struct {
	Iteration    int
	ResidualNorm float64
	Column       int // changed column; -1 at the homotopy endpoint
	ModeIndices  []int
	Added        bool
	ActiveCount  int
	Delta        float64
	Lambda       float64
	Elapsed      time.Duration
}

// Stats aggregates a whole run.
type Stats struct {
	Iterations          int
	ResidualNorm        float64
	Lambda              float64
	ActiveCount         int
	Elapsed             time.Duration
	GramRebuilds        int
	AcceleratorFallback bool
}

// Result is the outcome of Solve. It is populated even when Solve returns an
// error, carrying the last-known-consistent solution.
type Result struct {
	Status            Status
	X                 []float64 // full coefficient vector, one entry per column
	Active            []int     // active column indices, in insertion order
	Coeffs            []float64 // compact coefficients aligned with Active
	ActiveModeIndices [][]int   // per-mode indices of each active column
	UsedModeColumns   [][]int   // per mode, factor columns referenced by the active set
	Reconstruction    []float64 // data-space reconstruction, vectorized
	TensorDims        []int
	Stats             Stats
	Iterations        []IterationStat
	History           [][]float64 // optional coefficient snapshots per iteration
}

// Option configures a Solver.
type Option func(*Solver)

// WithActiveLimit stops the run once the active set reaches n columns.
// Default: min(total columns, data length).
func WithActiveLimit(n int) Option {
	return func(s *Solver) { s.activeLimit = n }
}

// WithTolerance stops the run once the weighted residual norm falls below
// tol. Default 1e-8.
func WithTolerance(tol float64) Option {
	return func(s *Solver) { s.tolerance = tol }
}

// WithMaxIterations bounds the iteration count. Default 1000.
func WithMaxIterations(n int) Option {
	return func(s *Solver) { s.maxIter = n }
}

// WithPrecisionDigits sets the significant digits used to round delta and the
// feasibility floor 10^-digits. Default 12.
func WithPrecisionDigits(digits int) Option {
	return func(s *Solver) { s.precisionDigits = digits }
}

// WithL0 selects greedy L0 mode: columns are only ever added, never removed.
// Default is L1/homotopy mode with removals.
func WithL0(l0 bool) Option {
	return func(s *Solver) { s.l0 = l0 }
}

// WithMaskType selects Kronecker (all columns) or Khatri-Rao (diagonal
// columns only) structure. Default MaskKronecker.
func WithMaskType(m MaskType) Option {
	return func(s *Solver) { s.maskType = m }
}

// WithWarmStart seeds the active set from the support of a prior coefficient
// vector (full length, original column scaling).
func WithWarmStart(x0 []float64) Option {
	return func(s *Solver) { s.warmStart = x0 }
}

// WithCoefficientHistory records a full coefficient-vector snapshot after
// every iteration.
func WithCoefficientHistory(keep bool) Option {
	return func(s *Solver) { s.keepHistory = keep }
}

// WithWeightedReconstruction controls the normalization used to scale the
// returned coefficients: false (default) uses the unweighted column norms,
// true reuses the weighted solving normalization.
func WithWeightedReconstruction(weighted bool) Option {
	return func(s *Solver) { s.weightedRecon = weighted }
}

// WithProgressFunc installs a progress hook invoked every `every` iterations.
func WithProgressFunc(fn ProgressFunc, every int) Option {
	return func(s *Solver) {
		s.progress = fn
		s.progressEvery = every
	}
}

// WithAbortFunc installs the abnormal-termination hook.
func WithAbortFunc(fn AbortFunc) Option {
	return func(s *Solver) { s.abort = fn }
}

// WithAccelerator installs a host-supplied accelerated dense path.
func WithAccelerator(a Accelerator) Option {
	return func(s *Solver) { s.accel = a }
}

// Solver holds the full run state. A Solver is single-use: create with New,
// run with Solve. It is not safe for concurrent use; the iteration sequence
// is inherently serial.
type Solver struct {
	op *kron.Operator
	y  []float64
	w  []float64

	// configuration
	activeLimit     int
	tolerance       float64
	maxIter         int
	precisionDigits int
	l0              bool
	maskType        MaskType
	warmStart       []float64
	keepHistory     bool
	weightedRecon   bool
	progress        ProgressFunc
	progressEvery   int
	abort           AbortFunc
	accel           Accelerator

	// run state
	q          []float64 // weighted column normalization; 1 on degenerate columns
	masked     []bool
	c          []float64
	lambda     float64
	active     []int
	activeFlag []bool
	x          []float64 // coefficients over normalized columns, aligned with active
	inv        *graminv.Inverse
	usage      *kron.ModeUsage
	r          []float64
	resNorm    float64
	floor      float64

	accelFailed  bool
	gramRebuilds int
	stats        []IterationStat
	resHistory   []float64
	history      [][]float64
	elapsed      time.Duration
}

// New validates all inputs and builds a solver. Shape violations are
// rejected here, before any state mutation.
func New(y []float64, factors []*mat.Dense, w []float64, opts ...Option) (*Solver, error) {
	op, err := kron.NewOperator(factors)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	if len(y) != op.DataLen() {
		return nil, fmt.Errorf("%w: tensor has %d elements, dictionary expects %d", ErrShapeMismatch, len(y), op.DataLen())
	}
	if len(w) != op.DataLen() {
		return nil, fmt.Errorf("%w: weight length %d, want %d", ErrShapeMismatch, len(w), op.DataLen())
	}
	for i, wi := range w {
		if wi < 0 || math.IsNaN(wi) || math.IsInf(wi, 0) {
			return nil, fmt.Errorf("%w: weight %d is %v, want finite non-negative", ErrShapeMismatch, i, wi)
		}
	}

	s := &Solver{
		op:              op,
		y:               y,
		w:               w,
		tolerance:       1e-8,
		maxIter:         1000,
		precisionDigits: 12,
		progressEvery:   10,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.activeLimit <= 0 {
		s.activeLimit = op.Columns()
		if op.DataLen() < s.activeLimit {
			s.activeLimit = op.DataLen()
		}
	}
	if s.maxIter <= 0 {
		return nil, fmt.Errorf("%w: max iterations %d", ErrInvalidConfig, s.maxIter)
	}
	if s.precisionDigits < 1 || s.precisionDigits > 15 {
		return nil, fmt.Errorf("%w: precision digits %d, want 1..15", ErrInvalidConfig, s.precisionDigits)
	}
	if s.tolerance < 0 {
		return nil, fmt.Errorf("%w: negative tolerance %v", ErrInvalidConfig, s.tolerance)
	}
	if s.progressEvery <= 0 {
		s.progressEvery = 10
	}
	s.floor = math.Pow(10, -float64(s.precisionDigits))

	if err := s.buildMask(); err != nil {
		return nil, err
	}

	if s.warmStart != nil {
		if len(s.warmStart) != op.Columns() {
			return nil, fmt.Errorf("%w: warm start length %d, want %d", ErrShapeMismatch, len(s.warmStart), op.Columns())
		}
		for i, xi := range s.warmStart {
			if xi != 0 && s.masked[i] {
				return nil, fmt.Errorf("%w: warm start touches masked column %d", ErrInvalidConfig, i)
			}
		}
	}
	return s, nil
}

// buildMask computes the fixed column mask. Khatri-Rao mode admits only the
// columns whose per-mode indices coincide.
func (s *Solver) buildMask() error {
	s.masked = make([]bool, s.op.Columns())
	if s.maskType != MaskKhatriRao {
		return nil
	}
	dims := s.op.CoreDims()
	for _, d := range dims[1:] {
		if d != dims[0] {
			return fmt.Errorf("%w: khatri-rao mask needs equal per-mode column counts, got %v", ErrInvalidConfig, dims)
		}
	}
	idx := make([]int, s.op.Order())
	for i := range s.masked {
		if err := s.op.DecomposeInto(idx, i); err != nil {
			return err
		}
		for _, v := range idx[1:] {
			if v != idx[0] {
				s.masked[i] = true
				break
			}
		}
	}
	return nil
}

// Solve runs the iteration loop to a terminal state. The returned Result is
// non-nil even on error, carrying the last-known-consistent solution and
// partial statistics. Cancellation is cooperative: ctx is checked at the top
// of every iteration.
func (s *Solver) Solve(ctx context.Context) (*Result, error) {
	start := time.Now()
	if err := s.initialize(); err != nil {
		s.elapsed = time.Since(start)
		if s.abort != nil {
			s.abort(s.snapshot())
		}
		return s.finalize(StatusAborted), err
	}

	status := StatusExhausted
	if math.IsNaN(s.resNorm) || math.IsInf(s.resNorm, 0) {
		// Non-finite data under a positive weight: no step is defined.
		s.elapsed = time.Since(start)
		if s.abort != nil {
			s.abort(s.snapshot())
		}
		return s.finalize(StatusAborted), nil
	}
	if s.lambda <= s.floor && len(s.active) == 0 {
		// Zero signal: nothing to solve.
		status = StatusConverged
		s.elapsed = time.Since(start)
		return s.finalize(status), nil
	}

	var runErr error
loop:
	for iter := 1; iter <= s.maxIter; iter++ {
		select {
		case <-ctx.Done():
			status = StatusCancelled
			runErr = ctx.Err()
			break loop
		default:
		}

		iterStart := time.Now()

		// (1) direction over the active set
		z := make([]float64, len(s.active))
		for j, col := range s.active {
			z[j] = sign(s.c[col])
		}
		dI, err := s.direction(z)
		if err != nil {
			status = StatusAborted
			runErr = err
			break loop
		}

		// (2) data-space image u = A_I·Q_I·dI and its correlation image v
		qd := make([]float64, len(s.active))
		for j, col := range s.active {
			qd[j] = s.q[col] * dI[j]
		}
		u, err := s.op.ApplyActive(s.active, qd)
		if err != nil {
			status = StatusAborted
			runErr = err
			break loop
		}
		v, err := s.correlate(u)
		if err != nil {
			status = StatusAborted
			runErr = err
			break loop
		}
		// Snap active entries to their signs to stop drift compounding.
		for j, col := range s.active {
			v[col] = z[j]
		}

		// (3) candidate steps and validity
		ev := s.chooseStep(dI, v)
		raw := ev.delta
		ev.delta = roundSig(ev.delta, s.precisionDigits)
		if ev.delta > s.lambda && raw <= s.lambda {
			// Rounding must not push the step past the radius.
			ev.delta = s.lambda
		}
		if s.lambda < ev.delta || s.lambda < 0 || ev.delta < 0 || math.IsNaN(ev.delta) {
			status = StatusAborted
			break loop
		}

		// (4) apply the step
		floats.AddScaled(s.x, ev.delta, dI)
		floats.AddScaled(s.c, -ev.delta, v)
		s.lambda -= ev.delta
		for j, col := range s.active {
			s.c[col] = s.lambda * z[j]
		}

		// (5) residual update
		floats.AddScaled(s.r, -ev.delta, u)
		s.resNorm = s.weightedNorm(s.r)
		s.resHistory = append(s.resHistory, s.resNorm)

		// (6) statistics
		s.record(iter, ev, time.Since(iterStart))
		if s.keepHistory {
			s.history = append(s.history, s.scatter(s.q))
		}
		if s.progress != nil && iter%s.progressEvery == 0 {
			s.progress(iter, s.reconstruction(), append([]float64(nil), s.resHistory...))
		}

		// (7) termination
		if math.IsNaN(s.resNorm) || math.IsInf(s.resNorm, 0) {
			status = StatusAborted
			break loop
		}
		if s.resNorm <= s.tolerance || len(s.active) >= s.activeLimit {
			status = StatusConverged
			break loop
		}
		if ev.column < 0 {
			// Homotopy endpoint: no feasible transition remains.
			status = StatusConverged
			break loop
		}

		// (8) active-set transition
		if err := s.applyEvent(ev); err != nil {
			status = StatusAborted
			runErr = err
			break loop
		}
	}

	s.elapsed = time.Since(start)
	if status == StatusAborted && s.abort != nil {
		s.abort(s.snapshot())
	}
	return s.finalize(status), runErr
}

// initialize normalizes by weight, computes q and the mask-consistent
// correlation state, and seeds the active set (cold start or warm start).
func (s *Solver) initialize() error {
	norms2, err := s.op.ColumnNorms(s.w)
	if err != nil {
		return err
	}
	s.q = make([]float64, len(norms2))
	for i, n2 := range norms2 {
		if n2 > s.floor {
			s.q[i] = 1 / math.Sqrt(n2)
		} else {
			s.q[i] = 1 // degenerate column
		}
	}

	s.activeFlag = make([]bool, s.op.Columns())
	s.inv = graminv.New(0)
	s.usage = kron.NewModeUsage(s.op)
	s.r = append([]float64(nil), s.y...)

	if s.warmStart != nil && hasSupport(s.warmStart) {
		return s.initializeWarm()
	}

	if err := s.refreshCorrelation(); err != nil {
		return err
	}
	s.lambda = s.maxAbsCorrelation()
	s.resNorm = s.weightedNorm(s.r)
	if s.lambda <= s.floor {
		return nil // zero signal, handled by Solve
	}

	seed := s.argMaxCorrelation()
	cross, diag, err := s.gramRow(seed)
	if err != nil {
		return err
	}
	s.pushActive(seed)
	if err := s.inv.AddColumn(cross, diag); err != nil {
		return s.rebuildInverse()
	}
	return nil
}

// initializeWarm seeds the active set from the support of the supplied
// coefficient vector, recomputing residual, correlation and Gram inverse
// consistently with it.
func (s *Solver) initializeWarm() error {
	full := make([]float64, s.op.Columns())
	for i, xi := range s.warmStart {
		if xi == 0 {
			continue
		}
		s.pushActive(i)
		// Internal coefficients live over the normalized dictionary.
		s.x[len(s.x)-1] = xi / s.q[i]
		full[i] = xi
	}
	recon, err := s.forward(full)
	if err != nil {
		return err
	}
	floats.Sub(s.r, recon)
	if err := s.rebuildInverse(); err != nil {
		return err
	}
	if err := s.refreshCorrelation(); err != nil {
		return err
	}
	s.lambda = s.maxAbsCorrelation()
	s.resNorm = s.weightedNorm(s.r)
	return nil
}

// direction computes dI = G⁻¹·z, with identity shortcut for a single active
// column. A non-finite result triggers the full Gram recompute fallback
// (pseudo-inverse below the determinant threshold), which is required
// behavior for (near-)dependent active columns, not an error.
func (s *Solver) direction(z []float64) ([]float64, error) {
	dI := make([]float64, len(z))
	if len(z) == 1 {
		dI[0] = z[0]
		return dI, nil
	}
	if err := s.inv.MulVec(dI, z); err != nil {
		return nil, err
	}
	if allFinite(dI) {
		return dI, nil
	}
	if err := s.rebuildInverse(); err != nil {
		return nil, err
	}
	if err := s.inv.MulVec(dI, z); err != nil {
		return nil, err
	}
	return dI, nil
}

// applyEvent performs the winning add/remove transition on the active set,
// coefficient vector, usage view and Gram inverse.
func (s *Solver) applyEvent(ev stepEvent) error {
	if ev.added {
		cross, diag, err := s.gramRow(ev.column)
		if err != nil {
			return err
		}
		s.pushActive(ev.column)
		if err := s.inv.AddColumn(cross, diag); err != nil {
			// Near-dependent new column: rebuild, pseudo-inverse if needed.
			return s.rebuildInverse()
		}
		return nil
	}

	pos := -1
	for j, col := range s.active {
		if col == ev.column {
			pos = j
			break
		}
	}
	if pos < 0 {
		return fmt.Errorf("wtlars: remove event for inactive column %d", ev.column)
	}
	idx, err := s.op.Decompose(ev.column)
	if err != nil {
		return err
	}
	s.usage.Remove(idx)
	s.activeFlag[ev.column] = false
	s.active = append(s.active[:pos], s.active[pos+1:]...)
	s.x = append(s.x[:pos], s.x[pos+1:]...)
	if err := s.inv.RemoveColumn(pos); err != nil {
		return s.rebuildInverse()
	}
	return nil
}

// pushActive appends a column to the active set with a zero coefficient.
func (s *Solver) pushActive(col int) {
	s.active = append(s.active, col)
	s.x = append(s.x, 0)
	s.activeFlag[col] = true
	if idx, err := s.op.Decompose(col); err == nil {
		s.usage.Add(idx)
	}
}

// gramRow computes the weighted Gram cross terms of a column against the
// current active set, plus its own diagonal, over normalized columns.
func (s *Solver) gramRow(col int) (cross []float64, diag float64, err error) {
	idx, err := s.op.Decompose(col)
	if err != nil {
		return nil, 0, err
	}
	a := make([]float64, s.op.DataLen())
	if err := s.op.Column(a, idx); err != nil {
		return nil, 0, err
	}
	wa := make([]float64, len(a))
	for i, ai := range a {
		wa[i] = s.w[i] * ai
	}
	diag = s.q[col] * s.q[col] * floats.Dot(wa, a)
	cross = make([]float64, len(s.active))
	if len(s.active) > 0 {
		if err := s.op.AdjointActive(cross, wa, s.active); err != nil {
			return nil, 0, err
		}
		for j, aj := range s.active {
			cross[j] *= s.q[col] * s.q[aj]
		}
	}
	return cross, diag, nil
}

// rebuildInverse recomputes the full active-set Gram matrix from the
// dictionary and replaces the incremental inverse with its (pseudo-)inverse.
func (s *Solver) rebuildInverse() error {
	n := len(s.active)
	if n == 0 {
		s.inv.Reset()
		return nil
	}
	s.gramRebuilds++
	g := mat.NewDense(n, n, nil)
	a := make([]float64, s.op.DataLen())
	wa := make([]float64, s.op.DataLen())
	row := make([]float64, n)
	idx := make([]int, s.op.Order())
	for j, col := range s.active {
		if err := s.op.DecomposeInto(idx, col); err != nil {
			return err
		}
		if err := s.op.Column(a, idx); err != nil {
			return err
		}
		for i, ai := range a {
			wa[i] = s.w[i] * ai
		}
		if err := s.op.AdjointActive(row, wa, s.active); err != nil {
			return err
		}
		for i, colI := range s.active {
			g.Set(j, i, s.q[col]*s.q[colI]*row[i])
		}
	}
	return s.inv.Recompute(g)
}

// correlate maps a data-space vector to normalized, masked correlation
// space: q ⊙ Aᵀ(w ⊙ t), with masked entries forced to zero.
func (s *Solver) correlate(t []float64) ([]float64, error) {
	wt := make([]float64, len(t))
	for i, ti := range t {
		// A zero weight excludes the sample outright, even when its value
		// is not finite.
		if s.w[i] == 0 {
			continue
		}
		wt[i] = s.w[i] * ti
	}
	cc, err := s.adjoint(wt)
	if err != nil {
		return nil, err
	}
	for i := range cc {
		if s.masked[i] {
			cc[i] = 0
		} else {
			cc[i] *= s.q[i]
		}
	}
	return cc, nil
}

// refreshCorrelation recomputes the full correlation vector from the current
// residual.
func (s *Solver) refreshCorrelation() error {
	c, err := s.correlate(s.r)
	if err != nil {
		return err
	}
	s.c = c
	return nil
}

// adjoint is the accelerator-aware full adjoint product. The accelerated and
// baseline paths are mutually exclusive per call; after the first accelerated
// failure the baseline handles the retry and every later call.
func (s *Solver) adjoint(t []float64) ([]float64, error) {
	if s.accel != nil && !s.accelFailed && s.accel.Available() {
		out, err := s.accel.ApplyAdjoint(s.op, t)
		if err == nil {
			return out, nil
		}
		s.accelFailed = true
	}
	return s.op.ApplyAdjoint(t)
}

// forward is the accelerator-aware full forward product.
func (s *Solver) forward(x []float64) ([]float64, error) {
	if s.accel != nil && !s.accelFailed && s.accel.Available() {
		out, err := s.accel.Apply(s.op, x)
		if err == nil {
			return out, nil
		}
		s.accelFailed = true
	}
	return s.op.Apply(x)
}

func (s *Solver) weightedNorm(r []float64) float64 {
	var sum float64
	for i, ri := range r {
		if s.w[i] == 0 {
			continue
		}
		sum += s.w[i] * ri * ri
	}
	return math.Sqrt(sum)
}

func (s *Solver) maxAbsCorrelation() float64 {
	var m float64
	for _, ci := range s.c {
		if a := math.Abs(ci); a > m {
			m = a
		}
	}
	return m
}

func (s *Solver) argMaxCorrelation() int {
	best, bestAbs := 0, -1.0
	for i, ci := range s.c {
		if a := math.Abs(ci); a > bestAbs {
			best, bestAbs = i, a
		}
	}
	return best
}

// scatter expands the compact coefficients into a full vector scaled by the
// given normalization.
func (s *Solver) scatter(scale []float64) []float64 {
	full := make([]float64, s.op.Columns())
	for j, col := range s.active {
		full[col] = scale[col] * s.x[j]
	}
	return full
}

// reconstruction is the data-space image of the current solution.
func (s *Solver) reconstruction() []float64 {
	recon := make([]float64, len(s.y))
	for i := range recon {
		recon[i] = s.y[i] - s.r[i]
	}
	return recon
}

func (s *Solver) record(iter int, ev stepEvent, elapsed time.Duration) {
	stat := IterationStat{
		Iteration:    iter,
		ResidualNorm: s.resNorm,
		Column:       ev.column,
		Added:        ev.added,
		ActiveCount:  len(s.active),
		Delta:        ev.delta,
		Lambda:       s.lambda,
		Elapsed:      elapsed,
	}
	if ev.column >= 0 {
		if idx, err := s.op.Decompose(ev.column); err == nil {
			stat.ModeIndices = idx
		}
	}
	s.stats = append(s.stats, stat)
}

func (s *Solver) snapshot() *Snapshot {
	return &Snapshot{
		Active:   append([]int(nil), s.active...),
		Coeffs:   s.compactCoeffs(s.outputScale()),
		Residual: append([]float64(nil), s.r...),
		Stats:    append([]IterationStat(nil), s.stats...),
	}
}

// outputScale returns the normalization used for reported coefficients:
// the weighted solving normalization, or unweighted column norms (default).
func (s *Solver) outputScale() []float64 {
	if s.weightedRecon {
		return s.q
	}
	ones := make([]float64, s.op.DataLen())
	for i := range ones {
		ones[i] = 1
	}
	norms2, err := s.op.ColumnNorms(ones)
	if err != nil {
		return s.q
	}
	scale := make([]float64, len(norms2))
	for i, n2 := range norms2 {
		if n2 > s.floor {
			scale[i] = 1 / math.Sqrt(n2)
		} else {
			scale[i] = 1
		}
	}
	return scale
}

func (s *Solver) compactCoeffs(scale []float64) []float64 {
	out := make([]float64, len(s.x))
	for j, col := range s.active {
		out[j] = scale[col] * s.x[j]
	}
	return out
}

// finalize assembles the terminal Result for the given status.
func (s *Solver) finalize(status Status) *Result {
	scale := s.q
	if s.q != nil {
		scale = s.outputScale()
	}
	res := &Result{
		Status:     status,
		Active:     append([]int(nil), s.active...),
		TensorDims: s.op.TensorDims(),
		Stats: Stats{
			Iterations:          len(s.stats),
			ResidualNorm:        s.resNorm,
			Lambda:              s.lambda,
			ActiveCount:         len(s.active),
			Elapsed:             s.elapsed,
			GramRebuilds:        s.gramRebuilds,
			AcceleratorFallback: s.accelFailed,
		},
		Iterations: s.stats,
		History:    s.history,
	}
	if s.q != nil {
		res.X = s.scatter(scale)
		res.Coeffs = s.compactCoeffs(scale)
		res.Reconstruction = s.reconstruction()
	} else {
		res.X = make([]float64, s.op.Columns())
		res.Coeffs = []float64{}
		res.Reconstruction = append([]float64(nil), s.y...)
	}
	res.ActiveModeIndices = make([][]int, len(s.active))
	for j, col := range s.active {
		if idx, err := s.op.Decompose(col); err == nil {
			res.ActiveModeIndices[j] = idx
		}
	}
	if s.usage != nil {
		res.UsedModeColumns = make([][]int, s.op.Order())
		for k := range res.UsedModeColumns {
			res.UsedModeColumns[k] = s.usage.Used(k)
		}
	}
	return res
}

func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	if x > 0 {
		return 1
	}
	return 0
}

func hasSupport(x []float64) bool {
	for _, v := range x {
		if v != 0 {
			return true
		}
	}
	return false
}

func allFinite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
