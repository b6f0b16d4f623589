package calculator

import (
	"factorfolio/internal/domain"
	"fmt"
	"sort"
	"time"
)

// Align restricts every series to the days present in all of them.
// values[i] holds series[i]'s values on the returned dates.
func Align(series ...domain.Series) ([]time.Time, [][]float64) {
	if len(series) == 0 {
		return []time.Time{}, [][]float64{}
	}

	maps := make([]map[string]float64, len(series))
	for i, s := range series {
		maps[i] = s.ValueMap()
	}

	dates := []time.Time{}
	for _, p := range series[0].Sorted().Points {
		key := p.Date.Format(time.DateOnly)
		inAll := true
		for _, m := range maps[1:] {
			if _, ok := m[key]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			dates = append(dates, p.Date)
		}
	}

	values := make([][]float64, len(series))
	for i, m := range maps {
		values[i] = make([]float64, len(dates))
		for j, d := range dates {
			values[i][j] = m[d.Format(time.DateOnly)]
		}
	}
	return dates, values
}

func combine(symbol string, series []domain.Series, f func(values []float64) float64) domain.Series {
	dates, values := Align(series...)
	out := domain.Series{
		Symbol: symbol,
		Points: make([]domain.Point, len(dates)),
	}
	row := make([]float64, len(series))
	for j, d := range dates {
		for i := range series {
			row[i] = values[i][j]
		}
		out.Points[j] = domain.Point{
			Date:  d,
			Value: f(row),
		}
	}
	return out
}

// Sum adds series together on their common days.
func Sum(symbol string, series ...domain.Series) domain.Series {
	return combine(symbol, series, func(values []float64) float64 {
		total := 0.0
		for _, v := range values {
			total += v
		}
		return total
	})
}

// Subtract returns a - b on their common days.
func Subtract(symbol string, a, b domain.Series) domain.Series {
	return combine(symbol, []domain.Series{a, b}, func(values []float64) float64 {
		return values[0] - values[1]
	})
}

// Map applies f to every value.
func Map(symbol string, s domain.Series, f func(float64) float64) domain.Series {
	out := domain.Series{
		Symbol: symbol,
		Points: make([]domain.Point, len(s.Points)),
	}
	for i, p := range s.Points {
		out.Points[i] = domain.Point{
			Date:  p.Date,
			Value: f(p.Value),
		}
	}
	return out
}

// PctChange returns the period over period fractional change of
// values. The output is one shorter than the input.
func PctChange(values []float64) ([]float64, error) {
	if len(values) < 2 {
		return []float64{}, nil
	}
	out := make([]float64, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] == 0 {
			return nil, fmt.Errorf("cannot compute change from zero at offset %d", i-1)
		}
		out[i-1] = values[i]/values[i-1] - 1
	}
	return out, nil
}

// SortedDates returns the union of the given dates in ascending
// order.
func SortedDates(dates ...[]time.Time) []time.Time {
	seen := map[string]time.Time{}
	for _, ds := range dates {
		for _, d := range ds {
			seen[d.Format(time.DateOnly)] = d
		}
	}
	out := make([]time.Time, 0, len(seen))
	for _, d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Before(out[j])
	})
	return out
}
