package domain

import (
	"sort"
	"strings"
	"time"
)

type AssetPrice struct {
	Symbol string
	Price  float64
	Date   time.Time
}

// Point is a single dated observation. Prices and return rates
// share this shape.
type Point struct {
	Date  time.Time
	Value float64
}

// Series is an ordered, strictly increasing by date sequence of
// observations for one symbol. Missing days are absent, never zero.
type Series struct {
	Symbol string
	Points []Point
}

func (s Series) Len() int {
	return len(s.Points)
}

func (s Series) Dates() []time.Time {
	out := make([]time.Time, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Date
	}
	return out
}

func (s Series) Values() []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Value
	}
	return out
}

// Last returns the most recent observation. ok is false for an
// empty series.
func (s Series) Last() (Point, bool) {
	if len(s.Points) == 0 {
		return Point{}, false
	}
	return s.Points[len(s.Points)-1], true
}

// ValueMap indexes the series by calendar day.
func (s Series) ValueMap() map[string]float64 {
	out := make(map[string]float64, len(s.Points))
	for _, p := range s.Points {
		out[p.Date.Format(time.DateOnly)] = p.Value
	}
	return out
}

// Tail returns the last n points (or all of them if the series is
// shorter).
func (s Series) Tail(n int) Series {
	if n >= len(s.Points) {
		return s
	}
	return Series{
		Symbol: s.Symbol,
		Points: s.Points[len(s.Points)-n:],
	}
}

// Sorted returns a copy ordered by date with duplicate days removed,
// keeping the last value seen for a day.
func (s Series) Sorted() Series {
	byDay := map[string]Point{}
	for _, p := range s.Points {
		byDay[p.Date.Format(time.DateOnly)] = p
	}
	points := make([]Point, 0, len(byDay))
	for _, p := range byDay {
		points = append(points, p)
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Date.Before(points[j].Date)
	})
	return Series{
		Symbol: s.Symbol,
		Points: points,
	}
}

// PriceTable is a set of price series keyed by symbol, iterated in
// the explicit Symbols order.
type PriceTable struct {
	Symbols []string
	Series  map[string]Series
}

func NewPriceTable() PriceTable {
	return PriceTable{
		Symbols: []string{},
		Series:  map[string]Series{},
	}
}

// Set adds or replaces the series for a symbol, appending the symbol
// to the iteration order the first time it is seen.
func (t *PriceTable) Set(series Series) {
	if t.Series == nil {
		t.Series = map[string]Series{}
	}
	if _, ok := t.Series[series.Symbol]; !ok {
		t.Symbols = append(t.Symbols, series.Symbol)
	}
	t.Series[series.Symbol] = series
}

func (t PriceTable) Get(symbol string) (Series, bool) {
	s, ok := t.Series[symbol]
	return s, ok
}

// NormalizeSymbols upper-cases and trims symbols, dropping blanks and
// duplicates while keeping first-seen order. The result is the
// canonical asset order for a request.
func NormalizeSymbols(symbols []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
