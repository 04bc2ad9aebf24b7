package scoring

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/n0madic/go-gmpe-scoring/modchol"
)

// report converts the converged state and its information blocks into the
// final Result: delta-method standard errors, symmetric confidence
// intervals and information criteria, all in the natural parameterization.
func (e *estimator) report(s *state, info *information) (*Result, error) {
	p := len(s.beta)
	q := len(s.gamma)
	r := len(s.thetaTrans)
	n := len(e.y)

	z := distuv.UnitNormal.Quantile(0.5 + e.opts.confidenceLevel/200)

	res := &Result{
		LogLikelihood:   s.ll,
		Beta:            append([]float64(nil), s.beta...),
		Gamma:           append([]float64(nil), s.gamma...),
		Model:           e.model.Type(),
		ConfidenceLevel: e.opts.confidenceLevel,
	}

	// Gamma: variance from the inverse Schur-complement information.
	vgg := symInverse(info.schur)
	res.GammaSE = make([]float64, q)
	res.GammaCI = make([]Interval, q)
	for i := 0; i < q; i++ {
		res.GammaSE[i] = math.Sqrt(math.Max(vgg.At(i, i), 0))
		res.GammaCI[i] = Interval{
			Lower: s.gamma[i] - z*res.GammaSE[i],
			Upper: s.gamma[i] + z*res.GammaSE[i],
		}
	}

	// Beta: Ibb⁻¹ plus the correction from profiling gamma,
	// Ibb⁻¹·Igbᵗ·Vgg·Igb·Ibb⁻¹.
	vbb := symInverse(info.ibb)
	var ibbInvIgbT mat.Dense
	ibbInvIgbT.Mul(vbb, info.igb.T())
	var corr, corrFull mat.Dense
	corr.Mul(&ibbInvIgbT, vgg)
	corrFull.Mul(&corr, ibbInvIgbT.T())
	res.BetaSE = make([]float64, p)
	res.BetaCI = make([]Interval, p)
	for i := 0; i < p; i++ {
		res.BetaSE[i] = math.Sqrt(math.Max(vbb.At(i, i)+corrFull.At(i, i), 0))
		res.BetaCI[i] = Interval{
			Lower: s.beta[i] - z*res.BetaSE[i],
			Upper: s.beta[i] + z*res.BetaSE[i],
		}
	}

	// Theta: standard errors in log space from Itt⁻¹, transferred to the
	// natural scale by the delta method. When Itt cannot be reliably
	// inverted the standard errors degrade to zero instead of failing.
	transSE := make([]float64, r)
	eps := math.Nextafter(1, 2) - 1
	if cond := mat.Cond(info.itt, 1); cond > 0 && 1/cond >= eps {
		vtt := symInverse(info.itt)
		for i := 0; i < r; i++ {
			transSE[i] = math.Sqrt(math.Max(vtt.At(i, i), 0))
		}
	}

	res.Theta = make([]float64, r)
	res.ThetaSE = make([]float64, r)
	res.ThetaCI = make([]Interval, r)
	for i := 0; i < r; i++ {
		theta := math.Exp(s.thetaTrans[i])
		res.Theta[i] = theta
		res.ThetaSE[i] = transSE[i] * theta
		res.ThetaCI[i] = Interval{
			Lower: math.Exp(s.thetaTrans[i] - z*transSE[i]),
			Upper: math.Exp(s.thetaTrans[i] + z*transSE[i]),
		}
	}

	k := float64(p + q + r)
	res.AIC = -2*s.ll + 2*k
	res.BIC = -2*s.ll + k*math.Log(float64(n))

	return res, nil
}

// symInverse inverts a symmetric matrix through its Cholesky factorization,
// falling back to modified-Cholesky column solves when the matrix is not
// positive definite.
func symInverse(a *mat.SymDense) *mat.SymDense {
	n := a.SymmetricDim()
	var chol mat.Cholesky
	if ok := chol.Factorize(a); ok {
		var inv mat.SymDense
		if err := chol.InverseTo(&inv); err == nil {
			return &inv
		}
	}

	f := modchol.Factorize(a)
	inv := mat.NewSymDense(n, nil)
	col := make([]float64, n)
	rhs := make([]float64, n)
	for j := 0; j < n; j++ {
		for i := range rhs {
			rhs[i] = 0
		}
		rhs[j] = 1
		if err := f.SolveVecTo(col, rhs); err != nil {
			continue
		}
		for i := j; i < n; i++ {
			inv.SetSym(i, j, col[i])
		}
	}
	return inv
}
