package optimizer

import (
	"factorfolio/internal/domain"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	// weights smaller than this in magnitude are dropped
	weightCutoff = 1e-4
	sumTolerance = 1e-6
)

// cleanWeights zeroes weights below weightCutoff (and negative noise
// when long-only) and renormalises what is left to sum to one.
func cleanWeights(raw []float64, longOnly bool) ([]float64, error) {
	out := make([]float64, len(raw))
	sum := 0.0
	for i, x := range raw {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("solver produced invalid weight %f", x)
		}
		if math.Abs(x) < weightCutoff || (longOnly && x < 0) {
			continue
		}
		out[i] = x
		sum += x
	}
	if math.Abs(sum) < weightCutoff {
		return nil, fmt.Errorf("solver produced weights summing to %f", sum)
	}
	for i := range out {
		out[i] /= sum
	}
	return out, nil
}

func validateWeights(w domain.PortfolioWeights, longOnly bool) error {
	if err := w.Validate(sumTolerance); err != nil {
		return err
	}
	if longOnly {
		for i, x := range w.Weights {
			if x < 0 {
				return fmt.Errorf("negative weight %f for %s in long-only portfolio", x, w.Symbols[i])
			}
		}
	}
	return nil
}

func (f efficientFrontier) solveCov(b []float64) ([]float64, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(f.cov); !ok {
		return nil, fmt.Errorf("%w: risk matrix is singular", domain.ErrOptimizationInfeasible)
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(len(b), b)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrOptimizationInfeasible, err)
	}
	return x.RawVector().Data, nil
}

// tangencyClosedForm is the unconstrained max sharpe portfolio,
// proportional to inv(cov) * (returns - rf).
func (f efficientFrontier) tangencyClosedForm(riskFreeRate float64) ([]float64, error) {
	excess := make([]float64, f.size())
	for i, r := range f.expectedReturns {
		excess[i] = r - riskFreeRate
	}
	raw, err := f.solveCov(excess)
	if err != nil {
		return nil, err
	}
	return normalize(raw)
}

// minVarianceClosedForm is proportional to inv(cov) * 1.
func (f efficientFrontier) minVarianceClosedForm() ([]float64, error) {
	ones := make([]float64, f.size())
	for i := range ones {
		ones[i] = 1
	}
	raw, err := f.solveCov(ones)
	if err != nil {
		return nil, err
	}
	return normalize(raw)
}

func normalize(raw []float64) ([]float64, error) {
	sum := 0.0
	for _, x := range raw {
		sum += x
	}
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, fmt.Errorf("%w: no portfolio on the frontier sums to one", domain.ErrOptimizationInfeasible)
	}
	out := make([]float64, len(raw))
	for i, x := range raw {
		out[i] = x / sum
	}
	return out, nil
}
