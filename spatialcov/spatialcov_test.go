package spatialcov

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-gmpe-scoring/sepdist"
)

// testDistances builds a three-event separation set: a 3-station event, a
// pair and a single station, rotated against a 30° strike.
func testDistances(t *testing.T) *sepdist.Set {
	t.Helper()
	w := mat.NewDense(6, 2, []float64{
		0, 0,
		4, 3,
		-2, 7,
		10, 10,
		12, 9,
		-5, -5,
	})
	eventID := []int{1, 1, 1, 2, 2, 3}
	s, err := sepdist.Compute(w, eventID, 30)
	require.NoError(t, err)
	return s
}

func modelParams(typ Type) []float64 {
	switch typ {
	case No:
		return []float64{0.1, -0.2}
	case ExpAni:
		return []float64{0.1, -0.2, 1.5, 0.4}
	default:
		return []float64{0.1, -0.2, 1.5}
	}
}

func allTypes() []Type { return []Type{No, Exp, SExp, Matern, ExpAni} }

func TestParse(t *testing.T) {
	for _, tc := range []struct {
		token string
		want  Type
	}{
		{"No", No},
		{"Exp", Exp},
		{"SExp", SExp},
		{"Matern", Matern},
		{"ExpAni", ExpAni},
	} {
		got, err := Parse(tc.token)
		require.NoError(t, err, tc.token)
		require.Equal(t, tc.want, got)
		require.Equal(t, tc.token, got.String())
	}

	_, err := Parse("Spherical")
	require.ErrorIs(t, err, ErrUnknownModel)
}

func TestNumParams(t *testing.T) {
	want := map[Type]int{No: 2, Exp: 3, SExp: 3, Matern: 3, ExpAni: 4}
	for typ, n := range want {
		m, err := New(typ)
		require.NoError(t, err)
		require.Equal(t, n, m.NumParams(), typ.String())
	}
}

func TestParamCountValidation(t *testing.T) {
	d := testDistances(t)
	m, err := New(Exp)
	require.NoError(t, err)
	if _, err := m.Omega([]float64{0, 0}, d); err == nil {
		t.Error("expected error for short parameter vector")
	}
	if _, err := m.Gradient([]float64{0, 0, 0, 0}, d); err == nil {
		t.Error("expected error for long parameter vector")
	}
}

func TestOmegaSymmetricPositiveDefinite(t *testing.T) {
	d := testDistances(t)
	for _, typ := range allTypes() {
		m, err := New(typ)
		require.NoError(t, err)
		omega, err := m.Omega(modelParams(typ), d)
		require.NoError(t, err, typ.String())
		require.Equal(t, 6, omega.Order())

		// Every block must admit a Cholesky factorization.
		if _, err := omega.Cholesky(false); err != nil {
			t.Errorf("%v: covariance is not positive definite: %v", typ, err)
		}

		// Full-matrix symmetry, including zero off-block entries.
		for i := 0; i < 6; i++ {
			for j := 0; j < 6; j++ {
				require.Equal(t, omega.At(i, j), omega.At(j, i), "%v (%d,%d)", typ, i, j)
			}
		}
		// Events 1 and 2 are independent: rows 0-2 vs 3-4.
		require.Zero(t, omega.At(0, 3))
		require.Zero(t, omega.At(2, 4))
	}
}

// Scenario: two co-located stations of one event under the "No" model
// reduce to a closed-form 2×2 matrix.
func TestNoModelTwoStationClosedForm(t *testing.T) {
	const tol = 1e-12

	w := mat.NewDense(2, 2, []float64{1, 1, 1, 1})
	d, err := sepdist.Compute(w, []int{1, 1}, 0)
	require.NoError(t, err)

	theta := []float64{math.Log(0.3), math.Log(0.7)}
	m, err := New(No)
	require.NoError(t, err)
	omega, err := m.Omega(theta, d)
	require.NoError(t, err)

	require.InDelta(t, 1.0, omega.At(0, 0), tol)
	require.InDelta(t, 0.3, omega.At(0, 1), tol)
	require.InDelta(t, 1.0, omega.At(1, 1), tol)

	chol, err := omega.Cholesky(false)
	require.NoError(t, err)
	// det = (τ²+σ²)² − τ⁴ for the 2×2 block.
	want := math.Log(1.0*1.0 - 0.3*0.3)
	require.InDelta(t, want, chol.LogDet(), 1e-10)
}

// Scenario: the exponential model with the range sent to infinity loses
// its decay and matches the fully correlated block exp(θ₁)+exp(θ₂).
func TestExpLargeRangeLimit(t *testing.T) {
	const tol = 1e-9

	d := testDistances(t)
	m, err := New(Exp)
	require.NoError(t, err)
	theta := []float64{0.1, -0.2, 40}
	omega, err := m.Omega(theta, d)
	require.NoError(t, err)

	full := math.Exp(0.1) + math.Exp(-0.2)
	blk := omega.Blocks[0]
	for i := 0; i < blk.SymmetricDim(); i++ {
		for j := 0; j < blk.SymmetricDim(); j++ {
			require.InDelta(t, full, blk.At(i, j), tol)
		}
	}
}

// Scenario: a single-station event yields a 1×1 block exp(θ₁)+exp(θ₂) for
// every variant.
func TestSingleStationBlock(t *testing.T) {
	const tol = 1e-12

	d := testDistances(t)
	for _, typ := range allTypes() {
		m, err := New(typ)
		require.NoError(t, err)
		theta := modelParams(typ)
		omega, err := m.Omega(theta, d)
		require.NoError(t, err)

		blk := omega.Blocks[2]
		require.Equal(t, 1, blk.SymmetricDim(), typ.String())
		want := math.Exp(theta[0]) + math.Exp(theta[1])
		require.InDelta(t, want, blk.At(0, 0), tol, typ.String())
	}
}

// The analytic gradients must agree with central finite differences of
// Omega for every variant and parameter.
func TestGradientMatchesFiniteDifferences(t *testing.T) {
	const (
		h   = 1e-6
		tol = 1e-6
	)

	d := testDistances(t)
	for _, typ := range allTypes() {
		m, err := New(typ)
		require.NoError(t, err)
		theta := modelParams(typ)

		grads, err := m.Gradient(theta, d)
		require.NoError(t, err, typ.String())
		require.Len(t, grads, m.NumParams())

		for k := 0; k < m.NumParams(); k++ {
			up := append([]float64(nil), theta...)
			up[k] += h
			down := append([]float64(nil), theta...)
			down[k] -= h

			oUp, err := m.Omega(up, d)
			require.NoError(t, err)
			oDown, err := m.Omega(down, d)
			require.NoError(t, err)

			n := oUp.Order()
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					fd := (oUp.At(i, j) - oDown.At(i, j)) / (2 * h)
					if math.Abs(fd-grads[k].At(i, j)) > tol {
						t.Errorf("%v d/dθ%d at (%d,%d): analytic %v, fd %v",
							typ, k+1, i, j, grads[k].At(i, j), fd)
					}
				}
			}
		}
	}
}

// The anisotropic gradient's 1/s factor is indeterminate for a station
// paired with itself and must come out as exactly zero.
func TestExpAniGradientSelfPairClamped(t *testing.T) {
	// Two stations at the same location make every pair a zero-distance
	// pair.
	w := mat.NewDense(2, 2, []float64{3, 3, 3, 3})
	d, err := sepdist.Compute(w, []int{1, 1}, 30)
	require.NoError(t, err)

	m, err := New(ExpAni)
	require.NoError(t, err)
	grads, err := m.Gradient(modelParams(ExpAni), d)
	require.NoError(t, err)

	gAni := grads[3]
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if v := gAni.At(i, j); v != 0 || math.IsNaN(v) {
				t.Errorf("anisotropy gradient at (%d,%d) = %v, want exactly 0", i, j, v)
			}
		}
	}
}

func TestCholeskySolveMatchesDense(t *testing.T) {
	const tol = 1e-9

	d := testDistances(t)
	m, err := New(Exp)
	require.NoError(t, err)
	omega, err := m.Omega(modelParams(Exp), d)
	require.NoError(t, err)
	chol, err := omega.Cholesky(false)
	require.NoError(t, err)

	// Assemble the full dense matrix and compare the block solve to a
	// dense reference solve.
	n := omega.Order()
	full := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			full.SetSym(i, j, omega.At(i, j))
		}
	}
	var ref mat.Cholesky
	require.True(t, ref.Factorize(full))

	rhs := []float64{1, -1, 0.5, 2, -2, 0.25}
	x, err := chol.SolveVec(rhs)
	require.NoError(t, err)
	var want mat.VecDense
	require.NoError(t, ref.SolveVecTo(&want, mat.NewVecDense(n, rhs)))
	for i := range x {
		require.InDelta(t, want.AtVec(i), x[i], tol)
	}

	require.InDelta(t, ref.LogDet(), chol.LogDet(), tol)

	// Quadratic form against the inverse via QuadForm of Omega itself.
	q := omega.QuadForm(x)
	var xv mat.VecDense
	xv.MulVec(full, mat.NewVecDense(n, x))
	var qWant float64
	for i := 0; i < n; i++ {
		qWant += x[i] * xv.AtVec(i)
	}
	require.InDelta(t, qWant, q, tol)
}

func TestCholeskyParallelDeterminism(t *testing.T) {
	d := testDistances(t)
	m, err := New(Matern)
	require.NoError(t, err)
	omega, err := m.Omega(modelParams(Matern), d)
	require.NoError(t, err)

	seq, err := omega.Cholesky(false)
	require.NoError(t, err)
	par, err := omega.Cholesky(true)
	require.NoError(t, err)

	require.Equal(t, seq.LogDet(), par.LogDet())

	rhs := []float64{1, 2, 3, 4, 5, 6}
	xs, err := seq.SolveVec(rhs)
	require.NoError(t, err)
	xp, err := par.SolveVec(rhs)
	require.NoError(t, err)
	require.Equal(t, xs, xp)
}

// Natural and unconstrained parameterizations describe the same matrix:
// log then exp is the identity on positive theta.
func TestLogExpRoundTrip(t *testing.T) {
	d := testDistances(t)
	m, err := New(Exp)
	require.NoError(t, err)

	theta := []float64{0.25, 1.5, 12}
	trans := make([]float64, len(theta))
	for i, v := range theta {
		trans[i] = math.Log(v)
	}
	for i := range trans {
		require.InEpsilon(t, theta[i], math.Exp(trans[i]), 1e-14)
	}

	o1, err := m.Omega(trans, d)
	require.NoError(t, err)
	o2, err := m.Omega([]float64{math.Log(0.25), math.Log(1.5), math.Log(12)}, d)
	require.NoError(t, err)
	for i := 0; i < o1.Order(); i++ {
		for j := 0; j < o1.Order(); j++ {
			require.Equal(t, o1.At(i, j), o2.At(i, j))
		}
	}
}

func TestNewUnknownType(t *testing.T) {
	_, err := New(Type(99))
	require.True(t, errors.Is(err, ErrUnknownModel))
}
