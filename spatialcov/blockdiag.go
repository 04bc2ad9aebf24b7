package spatialcov

import (
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// BlockDiag is a symmetric block-diagonal matrix stored as its diagonal
// blocks, one per event, in event order. Off-block entries are zero by
// construction (residuals of different events are independent).
type BlockDiag struct {
	Blocks []*mat.SymDense

	offsets []int
	order   int
}

// NewBlockDiag wraps a list of symmetric blocks.
func NewBlockDiag(blocks []*mat.SymDense) *BlockDiag {
	b := &BlockDiag{
		Blocks:  blocks,
		offsets: make([]int, len(blocks)+1),
	}
	for i, blk := range blocks {
		b.offsets[i+1] = b.offsets[i] + blk.SymmetricDim()
	}
	b.order = b.offsets[len(blocks)]
	return b
}

// Order returns the dimension of the full matrix.
func (b *BlockDiag) Order() int { return b.order }

// NumBlocks returns the number of diagonal blocks.
func (b *BlockDiag) NumBlocks() int { return len(b.Blocks) }

// BlockRange returns the half-open row range [start, end) that block i
// occupies in the full matrix.
func (b *BlockDiag) BlockRange(i int) (start, end int) {
	return b.offsets[i], b.offsets[i+1]
}

// At returns the element of the full matrix at (i, j). Entries outside the
// diagonal blocks are zero.
func (b *BlockDiag) At(i, j int) float64 {
	for k, blk := range b.Blocks {
		lo, hi := b.offsets[k], b.offsets[k+1]
		if i >= lo && i < hi {
			if j < lo || j >= hi {
				return 0
			}
			return blk.At(i-lo, j-lo)
		}
	}
	return 0
}

// QuadForm evaluates vᵀ·B·v block by block.
func (b *BlockDiag) QuadForm(v []float64) float64 {
	var q float64
	for k, blk := range b.Blocks {
		lo, hi := b.offsets[k], b.offsets[k+1]
		sub := v[lo:hi]
		for i := range sub {
			for j := range sub {
				q += sub[i] * blk.At(i, j) * sub[j]
			}
		}
	}
	return q
}

// Chol is the per-block Cholesky factorization of a positive definite
// BlockDiag. It provides the log-determinant and linear solves the
// scoring iteration is built on.
type Chol struct {
	bd   *BlockDiag
	facs []mat.Cholesky
}

// Cholesky factorizes every block. When parallel is true the blocks are
// factorized concurrently (they are independent); the result does not
// depend on scheduling. A block that fails to factorize reports
// ErrNotPositiveDefinite.
func (b *BlockDiag) Cholesky(parallel bool) (*Chol, error) {
	c := &Chol{bd: b, facs: make([]mat.Cholesky, len(b.Blocks))}
	if parallel && len(b.Blocks) > 1 {
		var g errgroup.Group
		for k := range b.Blocks {
			g.Go(func() error {
				if ok := c.facs[k].Factorize(b.Blocks[k]); !ok {
					return fmt.Errorf("%w: block %d", ErrNotPositiveDefinite, k)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return c, nil
	}
	for k := range b.Blocks {
		if ok := c.facs[k].Factorize(b.Blocks[k]); !ok {
			return nil, fmt.Errorf("%w: block %d", ErrNotPositiveDefinite, k)
		}
	}
	return c, nil
}

// LogDet returns the log-determinant of the full matrix, the sum of the
// per-block Cholesky log-determinants.
func (c *Chol) LogDet() float64 {
	var d float64
	for k := range c.facs {
		d += c.facs[k].LogDet()
	}
	return d
}

// SolveVec solves B·x = v and returns a newly allocated solution.
func (c *Chol) SolveVec(v []float64) ([]float64, error) {
	if len(v) != c.bd.order {
		return nil, fmt.Errorf("spatialcov: rhs length %d does not match order %d", len(v), c.bd.order)
	}
	x := make([]float64, len(v))
	for k := range c.facs {
		lo, hi := c.bd.offsets[k], c.bd.offsets[k+1]
		var dst mat.VecDense
		if err := c.facs[k].SolveVecTo(&dst, mat.NewVecDense(hi-lo, v[lo:hi])); err != nil {
			return nil, fmt.Errorf("%w: block %d solve: %v", ErrNotPositiveDefinite, k, err)
		}
		copy(x[lo:hi], dst.RawVector().Data)
	}
	return x, nil
}

// Solve solves B·X = M for a dense right-hand side with matching row count.
func (c *Chol) Solve(m mat.Matrix) (*mat.Dense, error) {
	r, cols := m.Dims()
	if r != c.bd.order {
		return nil, fmt.Errorf("spatialcov: rhs has %d rows, matrix order is %d", r, c.bd.order)
	}
	x := mat.NewDense(r, cols, nil)
	for k := range c.facs {
		lo, hi := c.bd.offsets[k], c.bd.offsets[k+1]
		sub := extractRows(m, lo, hi)
		var dst mat.Dense
		if err := c.facs[k].SolveTo(&dst, sub); err != nil {
			return nil, fmt.Errorf("%w: block %d solve: %v", ErrNotPositiveDefinite, k, err)
		}
		for i := lo; i < hi; i++ {
			for j := 0; j < cols; j++ {
				x.Set(i, j, dst.At(i-lo, j))
			}
		}
	}
	return x, nil
}

// InvMulBlocks returns, per block, the dense product B⁻¹·G for a
// block-diagonal G with identical block structure. These products are the
// building blocks of the variance-parameter score and expected
// information (trace terms).
func (c *Chol) InvMulBlocks(g *BlockDiag) ([]*mat.Dense, error) {
	if g.order != c.bd.order || len(g.Blocks) != len(c.bd.Blocks) {
		return nil, fmt.Errorf("spatialcov: gradient structure does not match covariance structure")
	}
	out := make([]*mat.Dense, len(c.facs))
	for k := range c.facs {
		var dst mat.Dense
		if err := c.facs[k].SolveTo(&dst, g.Blocks[k]); err != nil {
			return nil, fmt.Errorf("%w: block %d solve: %v", ErrNotPositiveDefinite, k, err)
		}
		out[k] = &dst
	}
	return out, nil
}

func extractRows(m mat.Matrix, lo, hi int) mat.Matrix {
	_, cols := m.Dims()
	sub := mat.NewDense(hi-lo, cols, nil)
	for i := lo; i < hi; i++ {
		for j := 0; j < cols; j++ {
			sub.Set(i-lo, j, m.At(i, j))
		}
	}
	return sub
}

// TraceBlocks sums the traces of a list of per-block dense matrices.
func TraceBlocks(a []*mat.Dense) float64 {
	var tr float64
	for _, blk := range a {
		n, _ := blk.Dims()
		for i := 0; i < n; i++ {
			tr += blk.At(i, i)
		}
	}
	return tr
}

// TraceProduct computes Σ_k tr(a_k·b_k) for two lists of per-block dense
// matrices with matching shapes.
func TraceProduct(a, b []*mat.Dense) float64 {
	var tr float64
	for k := range a {
		n, m := a[k].Dims()
		for i := 0; i < n; i++ {
			for j := 0; j < m; j++ {
				tr += a[k].At(i, j) * b[k].At(j, i)
			}
		}
	}
	return tr
}
