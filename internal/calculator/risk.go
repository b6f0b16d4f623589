package calculator

import (
	"factorfolio/internal/domain"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// eigenvalues above -psdTolerance*scale count as non-negative
const psdTolerance = 1e-12

// RiskMatrix is the annualized sample covariance of daily percentage
// returns, computed on the days every symbol has a price. Rows and
// columns follow symbols exactly.
func RiskMatrix(prices domain.PriceTable, symbols []string) (*mat.SymDense, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("cannot build risk matrix with no symbols")
	}
	series := make([]domain.Series, len(symbols))
	for i, symbol := range symbols {
		s, ok := prices.Get(symbol)
		if !ok {
			return nil, fmt.Errorf("no prices for %s", symbol)
		}
		series[i] = s
	}

	dates, values := Align(series...)
	if len(dates) < 3 {
		return nil, fmt.Errorf("need at least 3 common trading days to estimate risk, got %d", len(dates))
	}

	observations := mat.NewDense(len(dates)-1, len(symbols), nil)
	for j, column := range values {
		returns, err := PctChange(column)
		if err != nil {
			return nil, fmt.Errorf("failed to compute returns for %s: %w", symbols[j], err)
		}
		observations.SetCol(j, returns)
	}

	cov := mat.NewSymDense(len(symbols), nil)
	stat.CovarianceMatrix(cov, observations, nil)
	cov.ScaleSym(TradingDaysInYear, cov)
	return cov, nil
}

func eigenvalues(m mat.Symmetric) ([]float64, *mat.Dense, error) {
	var eig mat.EigenSym
	if ok := eig.Factorize(m, true); !ok {
		return nil, nil, fmt.Errorf("eigendecomposition did not converge")
	}
	var vectors mat.Dense
	eig.VectorsTo(&vectors)
	return eig.Values(nil), &vectors, nil
}

func negativeThreshold(values []float64) float64 {
	scale := 1.0
	for _, v := range values {
		scale = math.Max(scale, math.Abs(v))
	}
	return -psdTolerance * scale
}

func IsPositiveSemidefinite(m mat.Symmetric) (bool, error) {
	values, _, err := eigenvalues(m)
	if err != nil {
		return false, err
	}
	threshold := negativeThreshold(values)
	for _, v := range values {
		if v < threshold {
			return false, nil
		}
	}
	return true, nil
}

// FixNonPositiveSemidefinite clips negative eigenvalues to zero and
// rebuilds the matrix. A matrix that is already positive semidefinite
// is returned unchanged. repaired reports whether clipping happened.
func FixNonPositiveSemidefinite(m *mat.SymDense) (out *mat.SymDense, repaired bool, err error) {
	values, vectors, err := eigenvalues(m)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fix risk matrix: %w", err)
	}

	threshold := negativeThreshold(values)
	repaired = false
	for i, v := range values {
		if v < threshold {
			repaired = true
		}
		if v < 0 {
			values[i] = 0
		}
	}
	if !repaired {
		out = mat.NewSymDense(m.SymmetricDim(), nil)
		out.CopySym(m)
		return out, false, nil
	}

	n := len(values)
	var scaled mat.Dense
	scaled.Apply(func(_, j int, v float64) float64 {
		return v * values[j]
	}, vectors)
	var rebuilt mat.Dense
	rebuilt.Mul(&scaled, vectors.T())

	out = mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, (rebuilt.At(i, j)+rebuilt.At(j, i))/2)
		}
	}
	return out, true, nil
}
