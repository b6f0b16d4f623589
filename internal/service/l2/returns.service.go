package l2_service

import (
	"context"
	"factorfolio/internal/calculator"
	"factorfolio/internal/domain"
	"factorfolio/internal/logger"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// condition numbers above this are treated as rank deficient
const maxConditionNumber = 1e12

// Betas are factor exposures in the order market premium, SMB, HML,
// UMD.
type Betas [4]float64

type ExpectedReturn struct {
	Symbol string
	// Value is a growth multiple, e.g. 1.08 for an expected 8% return
	Value        float64
	Betas        Betas
	Observations int
}

// ReturnsService is the Carhart four factor return estimator.
type ReturnsService interface {
	ExpectedReturn(ctx context.Context, rates domain.Series, factors *FactorSet) (*ExpectedReturn, error)
}

type returnsServiceHandler struct{}

func NewReturnsService() ReturnsService {
	return returnsServiceHandler{}
}

// ExpectedReturn fits factors·β + rf ≈ rates by least squares over the
// days both series share, then projects the most recent factor values
// through β.
func (h returnsServiceHandler) ExpectedReturn(ctx context.Context, rates domain.Series, factors *FactorSet) (*ExpectedReturn, error) {
	log := logger.FromContext(ctx)
	if factors == nil || factors.Len() == 0 {
		return nil, fmt.Errorf("no factors to regress %s against", rates.Symbol)
	}

	factorIndex := make(map[string]int, factors.Len())
	for i, d := range factors.Dates {
		factorIndex[d.Format(time.DateOnly)] = i
	}

	rows := []int{}
	y := []float64{}
	for _, p := range rates.Points {
		i, ok := factorIndex[p.Date.Format(time.DateOnly)]
		if !ok {
			continue
		}
		rows = append(rows, i)
		y = append(y, p.Value-factors.RiskFree.Points[i].Value)
	}
	if len(rows) < len(Betas{}) {
		return nil, domain.NewInsufficientHistory(rates.Symbol, len(rows), len(Betas{}))
	}

	x := mat.NewDense(len(rows), len(Betas{}), nil)
	for r, i := range rows {
		row := factors.Row(i)
		x.SetRow(r, row[:])
	}

	betas, err := leastSquares(x, y)
	if err != nil {
		log.Warnf("regression for %s is ill-conditioned, falling back to iterative solve: %v", rates.Symbol, err)
		betas, err = minimizeSquaredResiduals(x, y)
		if err != nil {
			return nil, fmt.Errorf("failed to fit factor exposures for %s: %w", rates.Symbol, err)
		}
	}

	last := rows[len(rows)-1]
	current := factors.Row(last)
	value := factors.RiskFree.Points[last].Value
	for k := range betas {
		value += betas[k] * current[k]
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, domain.NewTickerDataInvalid(rates.Symbol, "expected return is undefined")
	}

	return &ExpectedReturn{
		Symbol:       rates.Symbol,
		Value:        value,
		Betas:        betas,
		Observations: len(rows),
	}, nil
}

func leastSquares(x *mat.Dense, y []float64) (Betas, error) {
	if c := mat.Cond(x, 2); c > maxConditionNumber || math.IsInf(c, 0) || math.IsNaN(c) {
		return Betas{}, fmt.Errorf("condition number %g", c)
	}
	var qr mat.QR
	qr.Factorize(x)

	var beta mat.VecDense
	if err := qr.SolveVecTo(&beta, false, mat.NewVecDense(len(y), y)); err != nil {
		return Betas{}, err
	}
	out := Betas{}
	for k := range out {
		out[k] = beta.AtVec(k)
	}
	return out, nil
}

// minimizeSquaredResiduals solves the same problem by direct
// minimisation from β = 0, which stays well defined when some
// factors are collinear.
func minimizeSquaredResiduals(x *mat.Dense, y []float64) (Betas, error) {
	rows, cols := x.Dims()
	yv := mat.NewVecDense(rows, y)
	residual := func(beta []float64) *mat.VecDense {
		var r mat.VecDense
		r.MulVec(x, mat.NewVecDense(cols, beta))
		r.SubVec(&r, yv)
		return &r
	}

	problem := optimize.Problem{
		Func: func(beta []float64) float64 {
			r := residual(beta)
			return mat.Dot(r, r)
		},
		Grad: func(grad, beta []float64) {
			r := residual(beta)
			var g mat.VecDense
			g.MulVec(x.T(), r)
			for k := range grad {
				grad[k] = 2 * g.AtVec(k)
			}
		},
	}

	start := make([]float64, cols)
	result, err := optimize.Minimize(problem, start, &optimize.Settings{}, &optimize.BFGS{})
	if checkSolverResult(result, err) != nil {
		if result != nil {
			start = result.X
		}
		result, err = optimize.Minimize(problem, start, &optimize.Settings{}, &optimize.NelderMead{})
	}
	if err := checkSolverResult(result, err); err != nil {
		return Betas{}, err
	}
	out := Betas{}
	for k := range out {
		out[k] = result.X[k]
		if math.IsNaN(out[k]) {
			return Betas{}, fmt.Errorf("solver produced NaN exposure")
		}
	}
	return out, nil
}

var convergedStatuses = map[optimize.Status]bool{
	optimize.Success:             true,
	optimize.GradientThreshold:   true,
	optimize.FunctionConvergence: true,
	optimize.StepConvergence:     true,
}

// checkSolverResult accepts a result only if the solver stopped on a
// convergence criterion. A result that ran out of iterations or failed
// its line search is an error even when gonum returns its last point.
func checkSolverResult(result *optimize.Result, err error) error {
	if result == nil {
		if err == nil {
			err = fmt.Errorf("no result")
		}
		return fmt.Errorf("solver failed: %w", err)
	}
	if !convergedStatuses[result.Status] {
		if err != nil {
			return fmt.Errorf("solver stopped with status %v: %w", result.Status, err)
		}
		return fmt.Errorf("solver stopped with status %v", result.Status)
	}
	return nil
}

// RatesFor runs the twelve month transform over every symbol's
// prices, keyed by symbol.
func RatesFor(prices domain.PriceTable, symbols []string) (map[string]domain.Series, error) {
	out := map[string]domain.Series{}
	for _, symbol := range symbols {
		s, ok := prices.Get(symbol)
		if !ok {
			return nil, domain.NewTickerDataInvalid(symbol, "no prices")
		}
		r, err := calculator.M12ReturnRate(s)
		if err != nil {
			return nil, err
		}
		out[symbol] = r
	}
	return out, nil
}
