package modchol

import (
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func benchMatrix(n int, seed int64) *mat.SymDense {
	rng := rand.New(rand.NewSource(seed))
	a := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			a.SetSym(i, j, rng.NormFloat64())
		}
	}
	return a
}

func BenchmarkFactorize(b *testing.B) {
	a := benchMatrix(20, 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Factorize(a)
	}
}

func BenchmarkSolveVec(b *testing.B) {
	a := benchMatrix(20, 1)
	rhs := make([]float64, 20)
	for i := range rhs {
		rhs[i] = float64(i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := SolveVec(a, rhs); err != nil {
			b.Fatal(err)
		}
	}
}
