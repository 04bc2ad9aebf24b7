package scoring

import (
	"encoding/gob"
	"errors"
	"io"

	"github.com/n0madic/go-gmpe-scoring/spatialcov"
)

// Interval is a two-sided confidence interval.
type Interval struct {
	Lower, Upper float64
}

// Result is the full inference record of one estimation run. All theta
// quantities are in the natural parameterization (variances and range,
// not their logs).
type Result struct {
	LogLikelihood float64

	Beta  []float64
	Gamma []float64
	Theta []float64

	BetaSE  []float64
	GammaSE []float64
	ThetaSE []float64

	BetaCI  []Interval
	GammaCI []Interval
	ThetaCI []Interval

	AIC float64
	BIC float64

	// Diagnostics of the optimizer run.
	Iterations   int
	Converged    bool
	LogLikeTrace []float64

	Model           spatialcov.Type
	ConfidenceLevel float64
}

// NumParams returns the number of free parameters counted by the
// information criteria.
func (r *Result) NumParams() int {
	return len(r.Beta) + len(r.Gamma) + len(r.Theta)
}

// resultState wraps Result for serialization so the format can evolve.
type resultState struct {
	Version int
	Result  Result
}

const resultStateVersion = 1

// Save writes a gob snapshot of the result.
func (r *Result) Save(w io.Writer) error {
	return gob.NewEncoder(w).Encode(resultState{Version: resultStateVersion, Result: *r})
}

// LoadResult reads a gob snapshot written by Save.
func LoadResult(rd io.Reader) (*Result, error) {
	var state resultState
	if err := gob.NewDecoder(rd).Decode(&state); err != nil {
		return nil, err
	}
	if state.Version != resultStateVersion {
		return nil, errors.New("scoring: unsupported result snapshot version")
	}
	res := state.Result
	return &res, nil
}
