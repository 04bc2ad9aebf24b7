// Package modchol implements the Gill–Murray–Wright modified Cholesky
// factorization and a linear solver built on it.
//
// Given a symmetric matrix that may be indefinite or rank deficient, the
// factorization produces unit-lower-triangular L and positive diagonal D
// such that L·D·Lᵀ equals the input plus a nonnegative diagonal
// perturbation, bounded so the perturbed matrix stays close to the
// original. Solving against the factor is therefore always well defined,
// which makes it suitable for Newton-type steps with ill-conditioned
// information matrices.
package modchol

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Factor is a modified Cholesky factorization L·D·Lᵀ of a symmetric matrix.
type Factor struct {
	n int
	l *mat.TriDense // unit lower triangular
	d []float64     // strictly positive diagonal
}

// Factorize computes the GMW modified Cholesky factorization of a. It
// cannot fail: indefinite and rank-deficient inputs are handled by
// perturbing the diagonal.
func Factorize(a mat.Symmetric) *Factor {
	n := a.SymmetricDim()
	if n == 0 {
		return &Factor{}
	}
	f := &Factor{
		n: n,
		l: mat.NewTriDense(n, mat.Lower, nil),
		d: make([]float64, n),
	}

	// gamma: largest diagonal magnitude, xi: largest off-diagonal magnitude.
	var gamma, xi float64
	for i := 0; i < n; i++ {
		gamma = math.Max(gamma, math.Abs(a.At(i, i)))
		for j := 0; j < i; j++ {
			xi = math.Max(xi, math.Abs(a.At(i, j)))
		}
	}

	eps := math.Nextafter(1, 2) - 1
	nu := math.Max(1, math.Sqrt(float64(n*n-1)))
	beta2 := math.Max(math.Max(gamma, xi/nu), eps)
	delta := eps * math.Max(gamma+xi, 1)

	// c holds the working column quantities c_ij = a_ij − Σ_s d_s L_is L_js.
	c := mat.NewDense(n, n, nil)
	for j := 0; j < n; j++ {
		cjj := a.At(j, j)
		for s := 0; s < j; s++ {
			cjj -= f.d[s] * f.l.At(j, s) * f.l.At(j, s)
		}
		c.Set(j, j, cjj)

		var theta float64
		for i := j + 1; i < n; i++ {
			cij := a.At(i, j)
			for s := 0; s < j; s++ {
				cij -= f.d[s] * f.l.At(i, s) * f.l.At(j, s)
			}
			c.Set(i, j, cij)
			theta = math.Max(theta, math.Abs(cij))
		}

		// Pivot: floored at delta, bounded below by the column maximum
		// scaled against beta² to keep the perturbation small.
		f.d[j] = math.Max(math.Max(delta, math.Abs(cjj)), theta*theta/beta2)

		f.l.SetTri(j, j, 1)
		for i := j + 1; i < n; i++ {
			f.l.SetTri(i, j, c.At(i, j)/f.d[j])
		}
	}
	return f
}

// Perturbed reconstructs the positive definite matrix L·D·Lᵀ that was
// actually factorized.
func (f *Factor) Perturbed() *mat.SymDense {
	p := mat.NewSymDense(f.n, nil)
	for i := 0; i < f.n; i++ {
		for j := i; j < f.n; j++ {
			var v float64
			for s := 0; s <= i; s++ {
				v += f.d[s] * f.l.At(i, s) * f.l.At(j, s)
			}
			p.SetSym(i, j, v)
		}
	}
	return p
}

// SolveVecTo solves L·D·Lᵀ·x = b by forward substitution, diagonal scaling
// and backward substitution, writing the solution into dst.
func (f *Factor) SolveVecTo(dst, b []float64) error {
	if len(b) != f.n {
		return fmt.Errorf("rhs length %d does not match factor order %d", len(b), f.n)
	}
	if len(dst) != f.n {
		return fmt.Errorf("dst length %d does not match factor order %d", len(dst), f.n)
	}

	// Forward: L·z = b.
	for i := 0; i < f.n; i++ {
		v := b[i]
		for j := 0; j < i; j++ {
			v -= f.l.At(i, j) * dst[j]
		}
		dst[i] = v
	}
	// Diagonal: D·w = z.
	for i := 0; i < f.n; i++ {
		dst[i] /= f.d[i]
	}
	// Backward: Lᵀ·x = w.
	for i := f.n - 1; i >= 0; i-- {
		v := dst[i]
		for j := i + 1; j < f.n; j++ {
			v -= f.l.At(j, i) * dst[j]
		}
		dst[i] = v
	}
	return nil
}

// SolveVec factorizes a and solves a·x = b in one call, returning a newly
// allocated solution. The solve always succeeds for symmetric a of matching
// size, trading exactness for definiteness when a is not positive definite.
func SolveVec(a mat.Symmetric, b []float64) ([]float64, error) {
	if a.SymmetricDim() != len(b) {
		return nil, fmt.Errorf("matrix order %d does not match rhs length %d", a.SymmetricDim(), len(b))
	}
	f := Factorize(a)
	x := make([]float64, len(b))
	if err := f.SolveVecTo(x, b); err != nil {
		return nil, err
	}
	return x, nil
}
