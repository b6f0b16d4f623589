package l3_service

import (
	"factorfolio/internal/calculator"
	"factorfolio/internal/domain"
	"factorfolio/internal/optimizer"
	l2_service "factorfolio/internal/service/l2"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/mat"
)

// Model binds one request's tickers to their expected returns, risk
// matrix, latest prices and the risk-free rate. It is built per
// request and never persisted. Every evaluation requires weights keyed
// by Symbols in exactly that order.
type Model struct {
	ID              uuid.UUID
	Symbols         []string
	ExpectedReturns []float64
	Risk            *mat.SymDense
	CurrentPrices   []decimal.Decimal
	RiskFreeRate    float64
	Prices          domain.PriceTable
	Betas           map[string]l2_service.Betas
	AsOf            time.Time
}

func (m Model) checkOrder(w domain.PortfolioWeights) error {
	if !w.SameOrder(m.Symbols) {
		return fmt.Errorf("weights %v are not in model order %v", w.Symbols, m.Symbols)
	}
	return nil
}

// PortfolioReturn is the weighted expected growth multiple.
func (m Model) PortfolioReturn(w domain.PortfolioWeights) (float64, error) {
	if err := m.checkOrder(w); err != nil {
		return 0, err
	}
	total := 0.0
	for i, x := range w.Weights {
		total += x * m.ExpectedReturns[i]
	}
	return total, nil
}

// PortfolioRisk is sqrt(wᵗΣw).
func (m Model) PortfolioRisk(w domain.PortfolioWeights) (float64, error) {
	if err := m.checkOrder(w); err != nil {
		return 0, err
	}
	v := mat.NewVecDense(len(w.Weights), append([]float64{}, w.Weights...))
	variance := mat.Inner(v, m.Risk, v)
	return math.Sqrt(math.Max(variance, 0)), nil
}

// SharpeRatio is the excess return over the risk free rate per unit of
// risk, with the variance floored the same way the optimizer floors it.
func (m Model) SharpeRatio(w domain.PortfolioWeights) (float64, error) {
	ret, err := m.PortfolioReturn(w)
	if err != nil {
		return 0, err
	}
	risk, err := m.PortfolioRisk(w)
	if err != nil {
		return 0, err
	}
	return (ret - m.RiskFreeRate) / math.Sqrt(risk*risk+optimizer.VarianceEpsilon), nil
}

// ShareCount converts weights into whole shares of each ticker for a
// portfolio worth total, rounding down. Whatever cannot buy a whole
// share is left as cash.
func (m Model) ShareCount(total decimal.Decimal, w domain.PortfolioWeights) (*domain.Allocation, error) {
	if err := m.checkOrder(w); err != nil {
		return nil, err
	}
	if !total.IsPositive() {
		return nil, fmt.Errorf("cannot allocate portfolio with value %s", total.String())
	}

	out := &domain.Allocation{
		Positions: map[string]*domain.Position{},
		Cash:      total,
	}
	for i, symbol := range m.Symbols {
		price := m.CurrentPrices[i]
		if !price.IsPositive() {
			return nil, domain.NewTickerDataInvalid(symbol, fmt.Sprintf("invalid current price %s", price.String()))
		}
		dollars := total.Mul(decimal.NewFromFloat(w.Weights[i]))
		quantity := dollars.Div(price).Floor()
		value := quantity.Mul(price)

		out.Positions[symbol] = &domain.Position{
			Symbol:   symbol,
			Quantity: quantity.IntPart(),
			Price:    price,
			Value:    value,
		}
		out.Cash = out.Cash.Sub(value)
	}
	return out, nil
}

// HistoricalPerformance replays the weights over the most recent
// trading year. Each asset starts at its weight and compounds its daily
// change; the curve is the per-day sum, so it starts at Σw = 1.
func (m Model) HistoricalPerformance(w domain.PortfolioWeights) (domain.PerformanceCurve, error) {
	if err := m.checkOrder(w); err != nil {
		return nil, err
	}

	series := make([]domain.Series, len(m.Symbols))
	for i, symbol := range m.Symbols {
		s, ok := m.Prices.Get(symbol)
		if !ok {
			return nil, fmt.Errorf("no prices for %s", symbol)
		}
		series[i] = s
	}
	dates, values := calculator.Align(series...)
	if len(dates) == 0 {
		return nil, fmt.Errorf("tickers share no trading days")
	}
	if len(dates) > calculator.ReturnRateLength {
		cut := len(dates) - calculator.ReturnRateLength
		dates = dates[cut:]
		for i := range values {
			values[i] = values[i][cut:]
		}
	}

	holdings := append([]float64{}, w.Weights...)
	curve := make(domain.PerformanceCurve, len(dates))
	for day := range dates {
		if day > 0 {
			for i := range holdings {
				change := values[i][day]/values[i][day-1] - 1
				holdings[i] = (1 + change) * holdings[i]
			}
		}
		total := 0.0
		for _, h := range holdings {
			total += h
		}
		curve[day] = domain.PerformancePoint{
			Date:  dates[day],
			Value: total,
		}
	}
	return curve, nil
}
