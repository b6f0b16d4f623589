package optimizer

import (
	"factorfolio/internal/domain"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// VarianceEpsilon is the variance floor under every sharpe ratio, so a
// zero risk portfolio still has a finite one.
const VarianceEpsilon = 1e-12

// efficientFrontier holds the inputs of a mean-variance problem in a
// fixed asset order and knows how to minimise objectives over
// portfolios that sum to one.
type efficientFrontier struct {
	symbols         []string
	expectedReturns []float64
	cov             *mat.SymDense
	longOnly        bool
}

func newEfficientFrontier(symbols []string, expectedReturns []float64, cov mat.Symmetric, longOnly bool) (efficientFrontier, error) {
	n := len(symbols)
	if n == 0 {
		return efficientFrontier{}, fmt.Errorf("cannot optimize an empty portfolio")
	}
	if len(expectedReturns) != n {
		return efficientFrontier{}, fmt.Errorf("got %d symbols but %d expected returns", n, len(expectedReturns))
	}
	if cov.SymmetricDim() != n {
		return efficientFrontier{}, fmt.Errorf("got %d symbols but %dx%d risk matrix", n, cov.SymmetricDim(), cov.SymmetricDim())
	}
	for i, r := range expectedReturns {
		if math.IsNaN(r) || math.IsInf(r, 0) {
			return efficientFrontier{}, fmt.Errorf("%w: invalid expected return for %s", domain.ErrOptimizationInfeasible, symbols[i])
		}
	}
	c := mat.NewSymDense(n, nil)
	c.CopySym(cov)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if v := c.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return efficientFrontier{}, fmt.Errorf("%w: invalid risk matrix entry (%s, %s)", domain.ErrOptimizationInfeasible, symbols[i], symbols[j])
			}
		}
	}

	return efficientFrontier{
		symbols:         append([]string{}, symbols...),
		expectedReturns: append([]float64{}, expectedReturns...),
		cov:             c,
		longOnly:        longOnly,
	}, nil
}

func (f efficientFrontier) size() int {
	return len(f.symbols)
}

func (f efficientFrontier) portfolioReturn(w []float64) float64 {
	return floats(f.expectedReturns).dot(w)
}

func (f efficientFrontier) sigmaW(w []float64) []float64 {
	out := mat.NewVecDense(len(w), nil)
	out.MulVec(f.cov, mat.NewVecDense(len(w), append([]float64{}, w...)))
	return out.RawVector().Data
}

func (f efficientFrontier) variance(w []float64) float64 {
	return math.Max(floats(w).dot(f.sigmaW(w)), 0)
}

func (f efficientFrontier) volatility(w []float64) float64 {
	return math.Sqrt(f.variance(w))
}

// objective returns the value at w and, when grad is non-nil, writes
// the gradient with respect to w.
type objective func(w, grad []float64) float64

func (f efficientFrontier) negativeSharpe(riskFreeRate float64) objective {
	return func(w, grad []float64) float64 {
		excess := f.portfolioReturn(w) - riskFreeRate
		sw := f.sigmaW(w)
		v := floats(w).dot(sw) + VarianceEpsilon
		s := math.Sqrt(v)
		if grad != nil {
			for i := range grad {
				grad[i] = -f.expectedReturns[i]/s + excess*sw[i]/(s*v)
			}
		}
		return -excess / s
	}
}

func (f efficientFrontier) portfolioVariance() objective {
	return func(w, grad []float64) float64 {
		sw := f.sigmaW(w)
		if grad != nil {
			for i := range grad {
				grad[i] = 2 * sw[i]
			}
		}
		return floats(w).dot(sw)
	}
}

// maxReturnUnderRisk maximises return with a quadratic penalty on
// volatility above target.
func (f efficientFrontier) maxReturnUnderRisk(targetVolatility, penalty float64) objective {
	return func(w, grad []float64) float64 {
		sw := f.sigmaW(w)
		s := math.Sqrt(math.Max(floats(w).dot(sw), 0) + VarianceEpsilon)
		excess := math.Max(0, s-targetVolatility)
		if grad != nil {
			for i := range grad {
				grad[i] = -f.expectedReturns[i] + 2*penalty*excess*sw[i]/s
			}
		}
		return -f.portfolioReturn(w) + penalty*excess*excess
	}
}

// minRiskForReturn minimises variance with a quadratic penalty on
// return below target.
func (f efficientFrontier) minRiskForReturn(targetReturn, penalty float64) objective {
	return func(w, grad []float64) float64 {
		sw := f.sigmaW(w)
		shortfall := math.Max(0, targetReturn-f.portfolioReturn(w))
		if grad != nil {
			for i := range grad {
				grad[i] = 2*sw[i] - 2*penalty*shortfall*f.expectedReturns[i]
			}
		}
		return floats(w).dot(sw) + penalty*shortfall*shortfall
	}
}

func (f efficientFrontier) parameterization() parameterization {
	if f.longOnly {
		return softmax{n: f.size()}
	}
	return sumToOne{n: f.size()}
}

var convergedStatuses = map[optimize.Status]bool{
	optimize.Success:             true,
	optimize.GradientThreshold:   true,
	optimize.FunctionConvergence: true,
	optimize.StepConvergence:     true,
}

// minimize searches the parameter space for the lowest objective
// starting from the best of the given points, falling back to
// NelderMead when BFGS does not converge. It never returns a point
// worse than its start.
func (f efficientFrontier) minimize(obj objective, starts [][]float64) ([]float64, error) {
	p := f.parameterization()
	n := f.size()

	problem := optimize.Problem{
		Func: func(z []float64) float64 {
			return obj(p.weights(z), nil)
		},
		Grad: func(grad, z []float64) {
			w := p.weights(z)
			gw := make([]float64, n)
			obj(w, gw)
			p.chain(grad, w, gw)
		},
	}

	best := starts[0]
	bestF := problem.Func(best)
	for _, s := range starts[1:] {
		if v := problem.Func(s); v < bestF {
			best, bestF = s, v
		}
	}
	if len(best) == 0 {
		return best, nil
	}
	if math.IsNaN(bestF) {
		return nil, fmt.Errorf("%w: objective is undefined at every starting point", domain.ErrOptimizationInfeasible)
	}

	result, err := optimize.Minimize(problem, best, &optimize.Settings{}, &optimize.BFGS{})
	if err != nil || result == nil || !convergedStatuses[result.Status] {
		fallback, fallbackErr := optimize.Minimize(problem, best, &optimize.Settings{}, &optimize.NelderMead{})
		if fallback != nil && (result == nil || fallback.F < result.F) {
			result, err = fallback, fallbackErr
		}
	}
	if result == nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrOptimizationInfeasible, err)
	}

	if math.IsNaN(result.F) || math.IsInf(result.F, 0) || result.F > bestF {
		return best, nil
	}
	return result.X, nil
}

func (f efficientFrontier) weights(z []float64) []float64 {
	return f.parameterization().weights(z)
}

// parameterization maps an unconstrained search vector onto portfolio
// weights summing to one.
type parameterization interface {
	weights(z []float64) []float64
	// chain converts a gradient in weight space into one in z space.
	chain(gz, w, gw []float64)
	starts() [][]float64
}

// softmax covers exactly the long-only simplex.
type softmax struct {
	n int
}

// a start with z_i = cornerBias puts almost all weight on asset i
const cornerBias = 12

func (s softmax) weights(z []float64) []float64 {
	m := math.Inf(-1)
	for _, x := range z {
		m = math.Max(m, x)
	}
	w := make([]float64, len(z))
	total := 0.0
	for i, x := range z {
		w[i] = math.Exp(x - m)
		total += w[i]
	}
	for i := range w {
		w[i] /= total
	}
	return w
}

func (s softmax) chain(gz, w, gw []float64) {
	dot := floats(w).dot(gw)
	for j := range gz {
		gz[j] = w[j] * (gw[j] - dot)
	}
}

func (s softmax) starts() [][]float64 {
	out := [][]float64{make([]float64, s.n)}
	if s.n == 1 {
		return out
	}
	for i := 0; i < s.n; i++ {
		z := make([]float64, s.n)
		z[i] = cornerBias
		out = append(out, z)
	}
	return out
}

// sumToOne leaves the last weight implied, allowing short positions.
type sumToOne struct {
	n int
}

func (s sumToOne) weights(z []float64) []float64 {
	w := make([]float64, s.n)
	last := 1.0
	for i, x := range z {
		w[i] = x
		last -= x
	}
	w[s.n-1] = last
	return w
}

func (s sumToOne) chain(gz, w, gw []float64) {
	for i := range gz {
		gz[i] = gw[i] - gw[s.n-1]
	}
}

func (s sumToOne) starts() [][]float64 {
	z := make([]float64, s.n-1)
	for i := range z {
		z[i] = 1 / float64(s.n)
	}
	return [][]float64{z}
}

type floats []float64

func (a floats) dot(b []float64) float64 {
	total := 0.0
	for i := range a {
		total += a[i] * b[i]
	}
	return total
}
