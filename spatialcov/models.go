package spatialcov

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-gmpe-scoring/sepdist"
)

// buildBlocks assembles one symmetric block per event using fill, which
// receives the event distances and the block to populate.
func buildBlocks(d *sepdist.Set, fill func(ev *sepdist.EventDistances, blk *mat.SymDense)) *BlockDiag {
	blocks := make([]*mat.SymDense, len(d.Events))
	for k := range d.Events {
		ev := &d.Events[k]
		m := len(ev.Rows)
		blk := mat.NewSymDense(m, nil)
		fill(ev, blk)
		blocks[k] = blk
	}
	return NewBlockDiag(blocks)
}

// noModel has an inter-event component exp(θ₁) shared by all stations of
// an event and an independent intra-event nugget exp(θ₂) on the diagonal.
// There is no spatial decay.
type noModel struct{}

func (noModel) Type() Type     { return No }
func (noModel) NumParams() int { return 2 }

func (m noModel) Omega(theta []float64, d *sepdist.Set) (*BlockDiag, error) {
	if err := checkParams(m, theta); err != nil {
		return nil, err
	}
	tau2, sig2 := math.Exp(theta[0]), math.Exp(theta[1])
	return buildBlocks(d, func(ev *sepdist.EventDistances, blk *mat.SymDense) {
		n := blk.SymmetricDim()
		for i := 0; i < n; i++ {
			blk.SetSym(i, i, tau2+sig2)
			for j := i + 1; j < n; j++ {
				blk.SetSym(i, j, tau2)
			}
		}
	}), nil
}

func (m noModel) Gradient(theta []float64, d *sepdist.Set) ([]*BlockDiag, error) {
	if err := checkParams(m, theta); err != nil {
		return nil, err
	}
	tau2, sig2 := math.Exp(theta[0]), math.Exp(theta[1])
	gTau := buildBlocks(d, func(ev *sepdist.EventDistances, blk *mat.SymDense) {
		n := blk.SymmetricDim()
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				blk.SetSym(i, j, tau2)
			}
		}
	})
	gSig := buildBlocks(d, func(ev *sepdist.EventDistances, blk *mat.SymDense) {
		n := blk.SymmetricDim()
		for i := 0; i < n; i++ {
			blk.SetSym(i, i, sig2)
		}
	})
	return []*BlockDiag{gTau, gSig}, nil
}

// corrModel factors the isotropic variants: a shared inter-event component
// exp(θ₁) plus a correlated intra-event part whose value and θ₃-derivative
// are functions of the separation distance.
//
// corr returns the covariance contribution exp(θ₂)·ρ(d) and its partial
// derivative with respect to θ₃.
type corrModel struct {
	typ  Type
	corr func(theta []float64, d float64) (val, dRange float64)
}

func (c corrModel) Type() Type     { return c.typ }
func (c corrModel) NumParams() int { return 3 }

func (c corrModel) Omega(theta []float64, d *sepdist.Set) (*BlockDiag, error) {
	if err := checkParams(c, theta); err != nil {
		return nil, err
	}
	tau2 := math.Exp(theta[0])
	return buildBlocks(d, func(ev *sepdist.EventDistances, blk *mat.SymDense) {
		n := blk.SymmetricDim()
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				v, _ := c.corr(theta, ev.Euclid.At(i, j))
				blk.SetSym(i, j, tau2+v)
			}
		}
	}), nil
}

func (c corrModel) Gradient(theta []float64, d *sepdist.Set) ([]*BlockDiag, error) {
	if err := checkParams(c, theta); err != nil {
		return nil, err
	}
	tau2 := math.Exp(theta[0])
	gTau := buildBlocks(d, func(ev *sepdist.EventDistances, blk *mat.SymDense) {
		n := blk.SymmetricDim()
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				blk.SetSym(i, j, tau2)
			}
		}
	})
	// The correlated part scales with exp(θ₂), so its θ₂-derivative is
	// the part itself.
	gSig := buildBlocks(d, func(ev *sepdist.EventDistances, blk *mat.SymDense) {
		n := blk.SymmetricDim()
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				v, _ := c.corr(theta, ev.Euclid.At(i, j))
				blk.SetSym(i, j, v)
			}
		}
	})
	gRange := buildBlocks(d, func(ev *sepdist.EventDistances, blk *mat.SymDense) {
		n := blk.SymmetricDim()
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				_, dr := c.corr(theta, ev.Euclid.At(i, j))
				blk.SetSym(i, j, dr)
			}
		}
	})
	return []*BlockDiag{gTau, gSig, gRange}, nil
}

// expCorr: exp(θ₂ − d·exp(−θ₃)), exponential decay with range h = exp(θ₃).
func expCorr(theta []float64, d float64) (float64, float64) {
	u := d * math.Exp(-theta[2])
	v := math.Exp(theta[1] - u)
	return v, v * u
}

// sexpCorr: exp(θ₂ − 0.5·d²·exp(−2θ₃)), squared-exponential decay.
func sexpCorr(theta []float64, d float64) (float64, float64) {
	u := d * d * math.Exp(-2*theta[2])
	v := math.Exp(theta[1] - 0.5*u)
	return v, v * u
}

// maternCorr: exp(θ₂ − u)·(1+u) with u = √3·d·exp(−θ₃), Matérn smoothness 1.5.
func maternCorr(theta []float64, d float64) (float64, float64) {
	u := math.Sqrt(3) * d * math.Exp(-theta[2])
	e := math.Exp(theta[1] - u)
	return e * (1 + u), e * u * u
}

// expAniModel decays exponentially in the anisotropic distance
// √(d∥² + exp(θ₄)·d⊥²), where d∥ and d⊥ are the fault-parallel and
// fault-normal separation components and θ₄ is the log squared
// anisotropy ratio.
type expAniModel struct{}

func (expAniModel) Type() Type     { return ExpAni }
func (expAniModel) NumParams() int { return 4 }

func aniDist(theta []float64, dp, dn float64) float64 {
	return math.Sqrt(dp*dp + math.Exp(theta[3])*dn*dn)
}

func (m expAniModel) Omega(theta []float64, d *sepdist.Set) (*BlockDiag, error) {
	if err := checkParams(m, theta); err != nil {
		return nil, err
	}
	tau2 := math.Exp(theta[0])
	return buildBlocks(d, func(ev *sepdist.EventDistances, blk *mat.SymDense) {
		n := blk.SymmetricDim()
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				s := aniDist(theta, ev.Parallel.At(i, j), ev.Normal.At(i, j))
				blk.SetSym(i, j, tau2+math.Exp(theta[1]-s*math.Exp(-theta[2])))
			}
		}
	}), nil
}

func (m expAniModel) Gradient(theta []float64, d *sepdist.Set) ([]*BlockDiag, error) {
	if err := checkParams(m, theta); err != nil {
		return nil, err
	}
	tau2 := math.Exp(theta[0])
	invh := math.Exp(-theta[2])
	ratio2 := math.Exp(theta[3])

	gTau := buildBlocks(d, func(ev *sepdist.EventDistances, blk *mat.SymDense) {
		n := blk.SymmetricDim()
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				blk.SetSym(i, j, tau2)
			}
		}
	})
	gSig := buildBlocks(d, func(ev *sepdist.EventDistances, blk *mat.SymDense) {
		n := blk.SymmetricDim()
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				s := aniDist(theta, ev.Parallel.At(i, j), ev.Normal.At(i, j))
				blk.SetSym(i, j, math.Exp(theta[1]-s*invh))
			}
		}
	})
	gRange := buildBlocks(d, func(ev *sepdist.EventDistances, blk *mat.SymDense) {
		n := blk.SymmetricDim()
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				s := aniDist(theta, ev.Parallel.At(i, j), ev.Normal.At(i, j))
				blk.SetSym(i, j, math.Exp(theta[1]-s*invh)*s*invh)
			}
		}
	})
	gAni := buildBlocks(d, func(ev *sepdist.EventDistances, blk *mat.SymDense) {
		n := blk.SymmetricDim()
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				dn := ev.Normal.At(i, j)
				s := aniDist(theta, ev.Parallel.At(i, j), dn)
				if s == 0 {
					// A station paired with itself: the 1/s factor is a
					// 0/0 indeterminate form whose limit is zero.
					blk.SetSym(i, j, 0)
					continue
				}
				blk.SetSym(i, j, -math.Exp(theta[1]-s*invh)*invh*0.5*ratio2*dn*dn/s)
			}
		}
	})
	return []*BlockDiag{gTau, gSig, gRange, gAni}, nil
}
