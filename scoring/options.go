package scoring

import (
	"fmt"
	"log"
)

type options struct {
	tol             float64
	confidenceLevel float64
	maxIterations   int
	maxHalvings     int
	parallel        bool
	logger          *log.Logger
}

func defaultOptions() options {
	return options{
		tol:             1e-6,
		confidenceLevel: 95,
		maxIterations:   200,
		maxHalvings:     30,
	}
}

func (o options) validate() error {
	if !(o.tol > 0) {
		return fmt.Errorf("scoring: tolerance must be positive, got %v", o.tol)
	}
	if o.confidenceLevel <= 0 || o.confidenceLevel >= 100 {
		return fmt.Errorf("scoring: confidence level must be in (0, 100), got %v", o.confidenceLevel)
	}
	if o.maxIterations <= 0 {
		return fmt.Errorf("scoring: max iterations must be positive, got %d", o.maxIterations)
	}
	if o.maxHalvings <= 0 {
		return fmt.Errorf("scoring: max halvings must be positive, got %d", o.maxHalvings)
	}
	return nil
}

// Option configures an estimation run.
type Option func(*options)

// WithTolerance sets the relative-change convergence tolerance.
func WithTolerance(tol float64) Option {
	return func(o *options) { o.tol = tol }
}

// WithConfidenceLevel sets the confidence level of the reported intervals,
// in percent.
func WithConfidenceLevel(level float64) Option {
	return func(o *options) { o.confidenceLevel = level }
}

// WithMaxIterations bounds the number of outer scoring iterations.
func WithMaxIterations(n int) Option {
	return func(o *options) { o.maxIterations = n }
}

// WithMaxHalvings bounds the step-halving retries per iteration. The
// backtracking loop would otherwise not terminate when no improving step
// exists.
func WithMaxHalvings(n int) Option {
	return func(o *options) { o.maxHalvings = n }
}

// WithConcurrency enables concurrent per-event covariance factorization.
// Results are identical with and without it.
func WithConcurrency(enabled bool) Option {
	return func(o *options) { o.parallel = enabled }
}

// WithLogger directs per-iteration progress to the given logger. The
// default is silent; diagnostics are always available in the Result.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}
