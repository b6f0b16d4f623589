package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// PortfolioWeights is an ordered ticker -> weight mapping. The order
// must match the column order of the risk matrix it is evaluated
// against.
type PortfolioWeights struct {
	Symbols []string
	Weights []float64
}

func NewPortfolioWeights(symbols []string, weights []float64) (PortfolioWeights, error) {
	if len(symbols) != len(weights) {
		return PortfolioWeights{}, fmt.Errorf("got %d symbols but %d weights", len(symbols), len(weights))
	}
	return PortfolioWeights{
		Symbols: append([]string{}, symbols...),
		Weights: append([]float64{}, weights...),
	}, nil
}

func (w PortfolioWeights) Get(symbol string) (float64, bool) {
	for i, s := range w.Symbols {
		if s == symbol {
			return w.Weights[i], true
		}
	}
	return 0, false
}

func (w PortfolioWeights) Sum() float64 {
	sum := 0.0
	for _, x := range w.Weights {
		sum += x
	}
	return sum
}

// SameOrder reports whether the weights are keyed by exactly the
// given symbols in exactly the given order.
func (w PortfolioWeights) SameOrder(symbols []string) bool {
	if len(symbols) != len(w.Symbols) || len(w.Weights) != len(w.Symbols) {
		return false
	}
	for i := range symbols {
		if symbols[i] != w.Symbols[i] {
			return false
		}
	}
	return true
}

// Validate checks the weights sum to one and contain no NaNs.
func (w PortfolioWeights) Validate(tolerance float64) error {
	for i, x := range w.Weights {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("invalid weight %f for %s", x, w.Symbols[i])
		}
	}
	if sum := w.Sum(); math.Abs(sum-1) > tolerance {
		return fmt.Errorf("weights should sum to 1, got %f", sum)
	}
	return nil
}

// MarshalJSON writes the weights as an object whose keys keep the
// portfolio order.
func (w PortfolioWeights) MarshalJSON() ([]byte, error) {
	buf := bytes.Buffer{}
	buf.WriteByte('{')
	for i, symbol := range w.Symbols {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(symbol)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(w.Weights[i])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal weight for %s: %w", symbol, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type Position struct {
	Symbol   string
	Quantity int64
	Price    decimal.Decimal
	Value    decimal.Decimal
}

// Allocation is the whole-share purchase plan for a portfolio value.
type Allocation struct {
	Positions map[string]*Position
	Cash      decimal.Decimal
}

func (a Allocation) Shares() map[string]int64 {
	out := map[string]int64{}
	for symbol, p := range a.Positions {
		out[symbol] = p.Quantity
	}
	return out
}

func (a Allocation) TotalValue() decimal.Decimal {
	total := a.Cash
	for _, p := range a.Positions {
		total = total.Add(p.Value)
	}
	return total
}

type PerformancePoint struct {
	Date  time.Time
	Value float64
}

// PerformanceCurve is a normalized portfolio value series starting
// at 1.0.
type PerformanceCurve []PerformancePoint

// MarshalJSON writes the curve as an ordered timestamp -> value
// object.
func (c PerformanceCurve) MarshalJSON() ([]byte, error) {
	buf := bytes.Buffer{}
	buf.WriteByte('{')
	for i, p := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(p.Date.UTC().Format(time.RFC3339))
		value, err := json.Marshal(p.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal performance on %s: %w", p.Date.Format(time.DateOnly), err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (c PerformanceCurve) Values() []float64 {
	out := make([]float64, len(c))
	for i, p := range c {
		out[i] = p.Value
	}
	return out
}
