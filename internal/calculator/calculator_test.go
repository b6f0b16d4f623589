package calculator

import (
	"factorfolio/internal/domain"
	"factorfolio/internal/util"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var floatComparer = cmp.Comparer(func(x, y float64) bool {
	return math.Abs(x-y) < 1e-9
})

func dailySeries(symbol string, values ...float64) domain.Series {
	start := util.NewDate(2022, 1, 3)
	points := make([]domain.Point, len(values))
	for i, v := range values {
		points[i] = domain.Point{
			Date:  start.AddDate(0, 0, i),
			Value: v,
		}
	}
	return domain.Series{Symbol: symbol, Points: points}
}

func linearSeries(symbol string, n int) domain.Series {
	values := make([]float64, n)
	for i := range values {
		values[i] = 100 + float64(i)
	}
	return dailySeries(symbol, values...)
}

func TestM12ReturnRate(t *testing.T) {
	t.Run("monotone series", func(t *testing.T) {
		n := 505
		prices := linearSeries("AAPL", n)

		rates, err := M12ReturnRate(prices)
		require.NoError(t, err)
		require.Equal(t, 253, rates.Len())

		for i, p := range rates.Points {
			thisYear := prices.Points[n-253+i]
			lastYear := prices.Points[i]
			require.True(t, p.Date.Equal(thisYear.Date))
			require.InDelta(t, thisYear.Value/lastYear.Value, p.Value, 1e-12)
		}
	})

	t.Run("exactly one year overlaps fully", func(t *testing.T) {
		rates, err := M12ReturnRate(linearSeries("AAPL", 253))
		require.NoError(t, err)
		require.Equal(t, 253, rates.Len())
		for _, p := range rates.Points {
			require.Equal(t, 1.0, p.Value)
		}
	})

	t.Run("insufficient history", func(t *testing.T) {
		_, err := M12ReturnRate(linearSeries("AAPL", 252))
		require.Error(t, err)

		te, ok := domain.AsTickerError(err)
		require.True(t, ok)
		require.Equal(t, domain.InsufficientHistory, te.Kind)
		require.Equal(t, "AAPL", te.Ticker())
	})
}

func TestAlign(t *testing.T) {
	a := domain.Series{
		Symbol: "A",
		Points: []domain.Point{
			{Date: util.NewDate(2024, 1, 1), Value: 1},
			{Date: util.NewDate(2024, 1, 2), Value: 2},
			{Date: util.NewDate(2024, 1, 3), Value: 3},
		},
	}
	b := domain.Series{
		Symbol: "B",
		Points: []domain.Point{
			{Date: util.NewDate(2024, 1, 2), Value: 20},
			{Date: util.NewDate(2024, 1, 3), Value: 30},
			{Date: util.NewDate(2024, 1, 4), Value: 40},
		},
	}

	dates, values := Align(a, b)
	require.Len(t, dates, 2)
	require.True(t, dates[0].Equal(util.NewDate(2024, 1, 2)))
	require.Equal(t, [][]float64{{2, 3}, {20, 30}}, values)

	require.Equal(t, []float64{22, 33}, Sum("AB", a, b).Values())
	require.Equal(t, []float64{18, 27}, Subtract("BA", b, a).Values())
}

func TestRiskMatrix(t *testing.T) {
	prices := domain.NewPriceTable()
	prices.Set(dailySeries("A", 100, 110, 99))
	prices.Set(dailySeries("B", 50, 50, 50))

	m, err := RiskMatrix(prices, []string{"A", "B"})
	require.NoError(t, err)
	require.InDelta(t, 0.02*252, m.At(0, 0), 1e-9)
	require.InDelta(t, 0, m.At(0, 1), 1e-12)
	require.InDelta(t, 0, m.At(1, 1), 1e-12)

	swapped, err := RiskMatrix(prices, []string{"B", "A"})
	require.NoError(t, err)
	require.InDelta(t, 0.02*252, swapped.At(1, 1), 1e-9)
	require.InDelta(t, 0, swapped.At(0, 0), 1e-12)

	_, err = RiskMatrix(prices, []string{"A", "C"})
	require.Error(t, err)
}

func TestFixNonPositiveSemidefinite(t *testing.T) {
	t.Run("already psd is a no-op", func(t *testing.T) {
		in := mat.NewSymDense(3, []float64{
			4, 1, 0.5,
			1, 3, 0.2,
			0.5, 0.2, 2,
		})
		ok, err := IsPositiveSemidefinite(in)
		require.NoError(t, err)
		require.True(t, ok)

		out, repaired, err := FixNonPositiveSemidefinite(in)
		require.NoError(t, err)
		require.False(t, repaired)
		require.True(t, mat.EqualApprox(in, out, 1e-12))
	})

	t.Run("singular psd is a no-op", func(t *testing.T) {
		in := mat.NewSymDense(2, []float64{
			1, 0,
			0, 0,
		})
		out, repaired, err := FixNonPositiveSemidefinite(in)
		require.NoError(t, err)
		require.False(t, repaired)
		require.True(t, mat.EqualApprox(in, out, 1e-12))
	})

	t.Run("clips the negative eigenvalue", func(t *testing.T) {
		// eigenvalues 3 and -1
		in := mat.NewSymDense(2, []float64{
			1, 2,
			2, 1,
		})
		ok, err := IsPositiveSemidefinite(in)
		require.NoError(t, err)
		require.False(t, ok)

		out, repaired, err := FixNonPositiveSemidefinite(in)
		require.NoError(t, err)
		require.True(t, repaired)

		ok, err = IsPositiveSemidefinite(out)
		require.NoError(t, err)
		require.True(t, ok)

		var eig mat.EigenSym
		require.True(t, eig.Factorize(out, false))
		require.Equal(t, "", cmp.Diff([]float64{0, 3}, eig.Values(nil), floatComparer))

		expected := mat.NewSymDense(2, []float64{
			1.5, 1.5,
			1.5, 1.5,
		})
		require.True(t, mat.EqualApprox(expected, out, 1e-9))
	})
}

func TestCalculateMetrics(t *testing.T) {
	t.Run("steady growth", func(t *testing.T) {
		curve := domain.PerformanceCurve{}
		value := 1.0
		for i := 0; i <= 365; i++ {
			curve = append(curve, domain.PerformancePoint{
				Date:  util.NewDate(2023, 1, 1).AddDate(0, 0, i),
				Value: value,
			})
			if i%2 == 0 {
				value *= 1.001
			} else {
				value *= 1.0005
			}
		}

		result, err := CalculateMetrics(curve)
		require.NoError(t, err)
		expectedReturn := curve[len(curve)-1].Value/curve[0].Value - 1
		require.InDelta(t, expectedReturn, result.AnnualizedReturn, 1e-9)
		require.Greater(t, result.AnnualizedStdev, 0.0)
		require.Equal(t, 0.0, result.MaxDrawdown)
	})

	t.Run("drawdown", func(t *testing.T) {
		curve := domain.PerformanceCurve{
			{Date: util.NewDate(2023, 1, 1), Value: 1},
			{Date: util.NewDate(2023, 6, 1), Value: 2},
			{Date: util.NewDate(2023, 9, 1), Value: 1.5},
			{Date: util.NewDate(2024, 1, 1), Value: 1.8},
		}
		result, err := CalculateMetrics(curve)
		require.NoError(t, err)
		require.InDelta(t, 0.25, result.MaxDrawdown, 1e-12)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := CalculateMetrics(domain.PerformanceCurve{})
		require.Error(t, err)
	})
}

func TestPctChange(t *testing.T) {
	out, err := PctChange([]float64{100, 110, 99})
	require.NoError(t, err)
	require.Equal(t, "", cmp.Diff([]float64{0.1, -0.1}, out, floatComparer))

	_, err = PctChange([]float64{0, 1})
	require.Error(t, err)
}
