// Package spatialcov implements the spatial covariance models of a
// ground-motion regression with inter-event and intra-event variance
// components.
//
// A model maps unconstrained (log-space) variance parameters and the
// per-event separation distances to the block-diagonal covariance matrix
// Omega, its log-determinant and its parameter gradient. Five variants are
// provided: no correlation, exponential, squared exponential, Matérn-1.5
// and anisotropic exponential. The block-diagonal structure (one block per
// event) is exposed through the BlockDiag type, which also carries the
// Cholesky machinery the scoring optimizer needs.
package spatialcov

import (
	"errors"
	"fmt"

	"github.com/n0madic/go-gmpe-scoring/sepdist"
)

// Errors reported by the package. ErrUnknownModel is a configuration
// fault; ErrNotPositiveDefinite indicates an upstream parameter fault,
// since every model produces positive definite blocks for finite inputs.
var (
	ErrUnknownModel        = errors.New("spatialcov: unknown covariance model")
	ErrNotPositiveDefinite = errors.New("spatialcov: covariance block is not positive definite")
)

// Type enumerates the covariance model variants.
type Type uint8

const (
	// No models independent residuals with inter-event and intra-event
	// variance components but no spatial decay.
	No Type = iota
	// Exp is the exponential decay model.
	Exp
	// SExp is the squared-exponential (Gaussian) decay model.
	SExp
	// Matern is the Matérn model with smoothness 1.5.
	Matern
	// ExpAni is the exponential model with anisotropic decay along the
	// fault-parallel and fault-normal axes.
	ExpAni
)

var typeNames = map[Type]string{
	No:     "No",
	Exp:    "Exp",
	SExp:   "SExp",
	Matern: "Matern",
	ExpAni: "ExpAni",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Parse maps a model token to its Type. Unknown tokens return
// ErrUnknownModel.
func Parse(s string) (Type, error) {
	for t, name := range typeNames {
		if s == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownModel, s)
}

// Model is a covariance strategy, chosen once per estimation run. The
// thetaTrans argument is the unconstrained log-space parameter vector;
// its length must equal NumParams.
type Model interface {
	// Type reports the model variant.
	Type() Type

	// NumParams reports the number of unconstrained parameters.
	NumParams() int

	// Omega builds the block-diagonal covariance matrix, one block per
	// event in the separation-distance set.
	Omega(thetaTrans []float64, d *sepdist.Set) (*BlockDiag, error)

	// Gradient builds one block-diagonal matrix per unconstrained
	// parameter, holding the partial derivatives of Omega with respect to
	// that parameter (the log-space chain rule already applied).
	Gradient(thetaTrans []float64, d *sepdist.Set) ([]*BlockDiag, error)
}

// New returns the covariance strategy for a variant.
func New(t Type) (Model, error) {
	switch t {
	case No:
		return noModel{}, nil
	case Exp:
		return corrModel{typ: Exp, corr: expCorr}, nil
	case SExp:
		return corrModel{typ: SExp, corr: sexpCorr}, nil
	case Matern:
		return corrModel{typ: Matern, corr: maternCorr}, nil
	case ExpAni:
		return expAniModel{}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownModel, t)
}

func checkParams(m Model, thetaTrans []float64) error {
	if len(thetaTrans) != m.NumParams() {
		return fmt.Errorf("spatialcov: model %v needs %d parameters, got %d",
			m.Type(), m.NumParams(), len(thetaTrans))
	}
	return nil
}
