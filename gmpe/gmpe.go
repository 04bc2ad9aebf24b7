// Package gmpe provides a canonical ground-motion attenuation mean
// function for the scoring estimator:
//
//	ln Y = β₁ + β₂·M + β₃·ln √(R² + h²),  h = exp(γ₁)
//
// where M is magnitude and R epicentral distance. The pseudo-depth h is
// the single nonlinear coefficient, kept positive through its log
// parameterization. Design and DesignGradient satisfy the collaborator
// contract of package scoring; the estimator itself accepts any mean
// function of that shape.
package gmpe

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// NumLinear is the number of linear coefficients of the attenuation form.
const NumLinear = 3

// NumNonlinear is the number of nonlinear coefficients.
const NumNonlinear = 1

func checkArgs(x mat.Matrix, gamma []float64) (n int, err error) {
	n, c := x.Dims()
	if c < 2 {
		return 0, fmt.Errorf("gmpe: covariates need magnitude and distance columns, got %d columns", c)
	}
	if len(gamma) != NumNonlinear {
		return 0, fmt.Errorf("gmpe: expected %d nonlinear coefficient, got %d", NumNonlinear, len(gamma))
	}
	return n, nil
}

// Design builds the N×3 design matrix [1, M, ln √(R² + exp(2γ₁))] from
// covariates x whose first column is magnitude and second column is
// epicentral distance.
func Design(x mat.Matrix, gamma []float64) (*mat.Dense, error) {
	n, err := checkArgs(x, gamma)
	if err != nil {
		return nil, err
	}
	h2 := math.Exp(2 * gamma[0])
	b := mat.NewDense(n, NumLinear, nil)
	for i := 0; i < n; i++ {
		r := x.At(i, 1)
		b.Set(i, 0, 1)
		b.Set(i, 1, x.At(i, 0))
		b.Set(i, 2, 0.5*math.Log(r*r+h2))
	}
	return b, nil
}

// DesignGradient returns the derivative of the design matrix with respect
// to γ₁. Only the distance column depends on the pseudo-depth:
// ∂/∂γ₁ ln √(R² + exp(2γ₁)) = exp(2γ₁)/(R² + exp(2γ₁)).
func DesignGradient(x mat.Matrix, gamma []float64) ([]*mat.Dense, error) {
	n, err := checkArgs(x, gamma)
	if err != nil {
		return nil, err
	}
	h2 := math.Exp(2 * gamma[0])
	g := mat.NewDense(n, NumLinear, nil)
	for i := 0; i < n; i++ {
		r := x.At(i, 1)
		g.Set(i, 2, h2/(r*r+h2))
	}
	return []*mat.Dense{g}, nil
}
