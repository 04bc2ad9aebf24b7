// Package scoring estimates ground-motion prediction equations with
// spatially correlated residuals by profiled maximum likelihood.
//
// The mean function is nonlinear in a small set of coefficients (gamma)
// and linear in the rest (beta); the residual covariance is block diagonal
// by event and governed by variance parameters (theta) of a spatial
// covariance model. Each outer iteration profiles beta out by generalized
// least squares, takes a Fisher-scoring step in (gamma, log theta) with
// the theta system solved through a modified Cholesky factorization, and
// backtracks by step halving until the log-likelihood improves. After
// convergence asymptotic standard errors, confidence intervals and
// information criteria are reported in the natural parameterization.
package scoring

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-gmpe-scoring/modchol"
	"github.com/n0madic/go-gmpe-scoring/sepdist"
	"github.com/n0madic/go-gmpe-scoring/spatialcov"
)

// ErrNonConvergence is reported when step halving cannot find an improving
// step within its retry budget, or when the outer iteration budget is
// exhausted before the convergence test passes.
var ErrNonConvergence = errors.New("scoring: failed to converge")

// DesignFunc builds the N×p design matrix of the linear coefficients for
// the current nonlinear coefficients. Implementations must be pure: same
// inputs, same matrix, no side effects.
type DesignFunc func(x mat.Matrix, gamma []float64) (*mat.Dense, error)

// DesignGradFunc returns, per nonlinear coefficient, the elementwise
// derivative of the design matrix with respect to that coefficient. Each
// returned matrix has the same shape as the design matrix.
type DesignGradFunc func(x mat.Matrix, gamma []float64) ([]*mat.Dense, error)

// Estimate fits the model by profiled Fisher scoring and returns the full
// inference record.
//
// y is the response, x the mean-function covariates and w the station
// coordinates, all aligned by row. eventID partitions rows into
// independent events; rows are gathered into contiguous event blocks
// internally, so callers need not pre-sort. gamma0 and theta0 are the
// starting values; theta0 must be strictly positive since the optimizer
// works on log theta. strikeDeg is the fault strike in degrees, consumed
// by the distance decomposition and the anisotropic model.
func Estimate(y []float64, x, w mat.Matrix, eventID []int,
	design DesignFunc, designGrad DesignGradFunc,
	gamma0, theta0 []float64, covType spatialcov.Type, strikeDeg float64,
	opts ...Option) (*Result, error) {

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	model, err := spatialcov.New(covType)
	if err != nil {
		return nil, err
	}
	if len(gamma0) == 0 {
		return nil, fmt.Errorf("scoring: at least one nonlinear coefficient is required")
	}
	if len(theta0) != model.NumParams() {
		return nil, fmt.Errorf("scoring: model %v needs %d theta parameters, got %d",
			covType, model.NumParams(), len(theta0))
	}
	for i, v := range theta0 {
		if !(v > 0) {
			return nil, fmt.Errorf("scoring: theta0[%d] = %v must be strictly positive", i, v)
		}
	}

	n := len(y)
	if rx, _ := x.Dims(); rx != n {
		return nil, fmt.Errorf("scoring: x has %d rows, y has length %d", rx, n)
	}
	if rw, _ := w.Dims(); rw != n {
		return nil, fmt.Errorf("scoring: w has %d rows, y has length %d", rw, n)
	}
	if len(eventID) != n {
		return nil, fmt.Errorf("scoring: eventID has length %d, y has length %d", len(eventID), n)
	}

	dists, err := sepdist.Compute(w, eventID, strikeDeg)
	if err != nil {
		return nil, err
	}

	e := &estimator{
		model:  model,
		dists:  dists,
		design: design,
		grad:   designGrad,
		opts:   o,
	}
	e.reorder(y, x, dists.Permutation())

	return e.run(gamma0, theta0)
}

type estimator struct {
	y     []float64
	x     *mat.Dense
	model spatialcov.Model
	dists *sepdist.Set

	design DesignFunc
	grad   DesignGradFunc

	opts options
}

// reorder gathers observations into contiguous event blocks so that the
// block-diagonal covariance lines up with the data vectors.
func (e *estimator) reorder(y []float64, x mat.Matrix, perm []int) {
	n := len(perm)
	_, cx := x.Dims()
	e.y = make([]float64, n)
	e.x = mat.NewDense(n, cx, nil)
	for k, src := range perm {
		e.y[k] = y[src]
		for j := 0; j < cx; j++ {
			e.x.Set(k, j, x.At(src, j))
		}
	}
}

// state is everything evaluated at one (gamma, log theta) iterate.
type state struct {
	gamma      []float64
	thetaTrans []float64

	b      *mat.Dense // design matrix
	omega  *spatialcov.BlockDiag
	chol   *spatialcov.Chol
	logDet float64
	beta   []float64
	resid  []float64 // y − B·beta
	oinvB  *mat.Dense
	oinvR  []float64
	ll     float64
}

// evaluate profiles beta out by generalized least squares and computes the
// Gaussian log-likelihood at (gamma, thetaTrans).
func (e *estimator) evaluate(gamma, thetaTrans []float64) (*state, error) {
	s := &state{
		gamma:      append([]float64(nil), gamma...),
		thetaTrans: append([]float64(nil), thetaTrans...),
	}

	var err error
	s.b, err = e.design(e.x, gamma)
	if err != nil {
		return nil, fmt.Errorf("scoring: design builder: %w", err)
	}
	n := len(e.y)
	if rb, _ := s.b.Dims(); rb != n {
		return nil, fmt.Errorf("scoring: design matrix has %d rows, want %d", rb, n)
	}

	s.omega, err = e.model.Omega(thetaTrans, e.dists)
	if err != nil {
		return nil, err
	}
	s.chol, err = s.omega.Cholesky(e.opts.parallel)
	if err != nil {
		return nil, err
	}
	s.logDet = s.chol.LogDet()

	s.oinvB, err = s.chol.Solve(s.b)
	if err != nil {
		return nil, err
	}

	// beta = (BᵗΩ⁻¹B)⁻¹ BᵗΩ⁻¹y.
	_, p := s.b.Dims()
	var btOinvB mat.Dense
	btOinvB.Mul(s.b.T(), s.oinvB)
	rhs := make([]float64, p)
	oinvY, err := s.chol.SolveVec(e.y)
	if err != nil {
		return nil, err
	}
	for j := 0; j < p; j++ {
		rhs[j] = floats.Dot(mat.Col(nil, j, s.b), oinvY)
	}
	ibb := denseToSym(&btOinvB)
	var ibbChol mat.Cholesky
	if ok := ibbChol.Factorize(ibb); !ok {
		return nil, fmt.Errorf("%w: information matrix for linear coefficients", spatialcov.ErrNotPositiveDefinite)
	}
	var betaVec mat.VecDense
	if err := ibbChol.SolveVecTo(&betaVec, mat.NewVecDense(p, rhs)); err != nil {
		return nil, fmt.Errorf("scoring: profiling linear coefficients: %w", err)
	}
	s.beta = make([]float64, p)
	copy(s.beta, betaVec.RawVector().Data)

	s.resid = make([]float64, n)
	for i := 0; i < n; i++ {
		s.resid[i] = e.y[i] - floats.Dot(mat.Row(nil, i, s.b), s.beta)
	}
	s.oinvR, err = s.chol.SolveVec(s.resid)
	if err != nil {
		return nil, err
	}

	s.ll = -0.5*float64(n)*math.Log(2*math.Pi) - 0.5*s.logDet - 0.5*floats.Dot(s.resid, s.oinvR)
	if math.IsNaN(s.ll) || math.IsInf(s.ll, 0) {
		return nil, fmt.Errorf("%w: log-likelihood is not finite", spatialcov.ErrNotPositiveDefinite)
	}
	return s, nil
}

// information holds the scores and expected information blocks of one
// outer iteration.
type information struct {
	sg, st []float64

	igg   *mat.SymDense
	igb   *mat.Dense
	ibb   *mat.SymDense
	itt   *mat.SymDense
	schur *mat.SymDense // Igg − Igb·Ibb⁻¹·Igbᵗ
}

// computeInformation evaluates the gamma and theta scores and the expected
// information blocks at s.
func (e *estimator) computeInformation(s *state) (*information, error) {
	grads, err := e.grad(e.x, s.gamma)
	if err != nil {
		return nil, fmt.Errorf("scoring: design gradient builder: %w", err)
	}
	q := len(grads)
	n := len(e.y)
	_, p := s.b.Dims()

	// gvec[i] = Gradᵢ·beta, the mean derivative with respect to gamma_i.
	gvec := make([][]float64, q)
	oinvG := make([][]float64, q)
	for i, gm := range grads {
		if rg, cg := gm.Dims(); rg != n || cg != p {
			return nil, fmt.Errorf("scoring: design gradient %d is %d×%d, want %d×%d", i, rg, cg, n, p)
		}
		v := make([]float64, n)
		for r := 0; r < n; r++ {
			v[r] = floats.Dot(mat.Row(nil, r, gm), s.beta)
		}
		gvec[i] = v
		if oinvG[i], err = s.chol.SolveVec(v); err != nil {
			return nil, err
		}
	}

	info := &information{
		sg:  make([]float64, q),
		igg: mat.NewSymDense(q, nil),
		igb: mat.NewDense(q, p, nil),
	}
	for i := 0; i < q; i++ {
		info.sg[i] = floats.Dot(gvec[i], s.oinvR)
		for j := i; j < q; j++ {
			info.igg.SetSym(i, j, floats.Dot(gvec[i], oinvG[j]))
		}
		for j := 0; j < p; j++ {
			info.igb.Set(i, j, floats.Dot(gvec[i], mat.Col(nil, j, s.oinvB)))
		}
	}

	var btOinvB mat.Dense
	btOinvB.Mul(s.b.T(), s.oinvB)
	info.ibb = denseToSym(&btOinvB)

	// Theta score and information from the per-block trace terms.
	covGrads, err := e.model.Gradient(s.thetaTrans, e.dists)
	if err != nil {
		return nil, err
	}
	r := len(covGrads)
	info.st = make([]float64, r)
	info.itt = mat.NewSymDense(r, nil)
	ainv := make([][]*mat.Dense, r)
	for i, gc := range covGrads {
		if ainv[i], err = s.chol.InvMulBlocks(gc); err != nil {
			return nil, err
		}
		info.st[i] = -0.5 * (spatialcov.TraceBlocks(ainv[i]) - gc.QuadForm(s.oinvR))
	}
	for i := 0; i < r; i++ {
		for j := i; j < r; j++ {
			info.itt.SetSym(i, j, 0.5*spatialcov.TraceProduct(ainv[i], ainv[j]))
		}
	}

	// Schur complement eliminating the beta block.
	var ibbChol mat.Cholesky
	if ok := ibbChol.Factorize(info.ibb); !ok {
		return nil, fmt.Errorf("%w: information matrix for linear coefficients", spatialcov.ErrNotPositiveDefinite)
	}
	var ibbInvIgbT mat.Dense
	if err := ibbChol.SolveTo(&ibbInvIgbT, info.igb.T()); err != nil {
		return nil, fmt.Errorf("scoring: eliminating linear coefficient block: %w", err)
	}
	var corr mat.Dense
	corr.Mul(info.igb, &ibbInvIgbT)
	schur := mat.NewSymDense(q, nil)
	for i := 0; i < q; i++ {
		for j := i; j < q; j++ {
			schur.SetSym(i, j, info.igg.At(i, j)-0.5*(corr.At(i, j)+corr.At(j, i)))
		}
	}
	info.schur = schur

	return info, nil
}

// directions computes the Fisher-scoring Newton directions for gamma and
// log theta. The gamma system uses the Schur-complement information; the
// theta system always goes through the modified Cholesky solver so it
// stays well defined when the information matrix is ill-conditioned.
func (e *estimator) directions(info *information) (dGamma, dTheta []float64, err error) {
	q := len(info.sg)
	dGamma = make([]float64, q)
	var schurChol mat.Cholesky
	if ok := schurChol.Factorize(info.schur); ok {
		var sol mat.VecDense
		if err := schurChol.SolveVecTo(&sol, mat.NewVecDense(q, info.sg)); err == nil {
			copy(dGamma, sol.RawVector().Data)
		} else {
			dGamma, err = modchol.SolveVec(info.schur, info.sg)
			if err != nil {
				return nil, nil, err
			}
		}
	} else {
		if dGamma, err = modchol.SolveVec(info.schur, info.sg); err != nil {
			return nil, nil, err
		}
	}

	dTheta, err = modchol.SolveVec(info.itt, info.st)
	if err != nil {
		return nil, nil, err
	}
	return dGamma, dTheta, nil
}

// stepHalve backtracks from the full Newton step until the log-likelihood
// strictly improves on cur, halving the scale each retry. Evaluation
// failures along the way are treated as non-improving steps.
func (e *estimator) stepHalve(cur *state, dGamma, dTheta []float64) (*state, error) {
	scale := 1.0
	for h := 0; h <= e.opts.maxHalvings; h++ {
		gamma := make([]float64, len(cur.gamma))
		floats.AddScaledTo(gamma, cur.gamma, scale, dGamma)
		theta := make([]float64, len(cur.thetaTrans))
		floats.AddScaledTo(theta, cur.thetaTrans, scale, dTheta)

		next, err := e.evaluate(gamma, theta)
		if err == nil && next.ll > cur.ll {
			return next, nil
		}
		if err != nil && e.opts.logger != nil {
			e.opts.logger.Printf("step scale %g rejected: %v", scale, err)
		}
		scale /= 2
	}
	return nil, fmt.Errorf("%w: no improving step within %d halvings", ErrNonConvergence, e.opts.maxHalvings)
}

// converged applies the relative-change test max(|Δ| / max(|param|, 10)) ≤ tol
// over the stacked (gamma, log theta) parameters.
func (e *estimator) converged(s *state, dGamma, dTheta []float64) bool {
	worst := 0.0
	check := func(params, d []float64) {
		for i := range d {
			sc := math.Max(math.Abs(params[i]), 10)
			worst = math.Max(worst, math.Abs(d[i])/sc)
		}
	}
	check(s.gamma, dGamma)
	check(s.thetaTrans, dTheta)
	return worst <= e.opts.tol
}

func (e *estimator) run(gamma0, theta0 []float64) (*Result, error) {
	thetaTrans := make([]float64, len(theta0))
	for i, v := range theta0 {
		thetaTrans[i] = math.Log(v)
	}

	cur, err := e.evaluate(gamma0, thetaTrans)
	if err != nil {
		return nil, err
	}
	trace := []float64{cur.ll}
	if e.opts.logger != nil {
		e.opts.logger.Printf("initial log-likelihood %.6f", cur.ll)
	}

	var iterations int
	converged := false
	for iter := 1; iter <= e.opts.maxIterations; iter++ {
		iterations = iter

		info, err := e.computeInformation(cur)
		if err != nil {
			return nil, err
		}
		dGamma, dTheta, err := e.directions(info)
		if err != nil {
			return nil, err
		}

		if e.converged(cur, dGamma, dTheta) {
			converged = true
			break
		}

		next, err := e.stepHalve(cur, dGamma, dTheta)
		if err != nil {
			return nil, err
		}
		cur = next
		trace = append(trace, cur.ll)
		if e.opts.logger != nil {
			e.opts.logger.Printf("iteration %d: log-likelihood %.6f", iter, cur.ll)
		}
	}
	if !converged {
		return nil, fmt.Errorf("%w: %d iterations exhausted", ErrNonConvergence, e.opts.maxIterations)
	}

	// Inference uses the information blocks at the accepted optimum.
	info, err := e.computeInformation(cur)
	if err != nil {
		return nil, err
	}
	res, err := e.report(cur, info)
	if err != nil {
		return nil, err
	}
	res.Iterations = iterations
	res.Converged = true
	res.LogLikeTrace = trace
	return res, nil
}

func denseToSym(d *mat.Dense) *mat.SymDense {
	n, _ := d.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(d.At(i, j)+d.At(j, i)))
		}
	}
	return sym
}
