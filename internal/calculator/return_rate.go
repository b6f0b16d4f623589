package calculator

import (
	"factorfolio/internal/domain"
)

const (
	TradingDaysInYear = 252
	// ReturnRateLength is the number of entries M12ReturnRate produces.
	ReturnRateLength = TradingDaysInYear + 1
)

// M12ReturnRate turns a two year price series into trailing 12 month
// return ratios for every trading day of the last year.
//
// Entries are paired by position, not calendar date: the first
// ReturnRateLength prices are last year and the final ReturnRateLength
// prices are this year, so entry i is thisYear[i] / lastYear[i] dated
// thisYear[i]. With fewer than 2*ReturnRateLength prices the two years
// overlap.
func M12ReturnRate(prices domain.Series) (domain.Series, error) {
	n := prices.Len()
	if n < ReturnRateLength {
		return domain.Series{}, domain.NewInsufficientHistory(prices.Symbol, n, ReturnRateLength)
	}

	lastYear := prices.Points[:ReturnRateLength]
	thisYear := prices.Points[n-ReturnRateLength:]

	out := domain.Series{
		Symbol: prices.Symbol,
		Points: make([]domain.Point, ReturnRateLength),
	}
	for i := range thisYear {
		if lastYear[i].Value == 0 {
			return domain.Series{}, domain.NewTickerDataInvalid(prices.Symbol, "zero price in return window")
		}
		out.Points[i] = domain.Point{
			Date:  thisYear[i].Date,
			Value: thisYear[i].Value / lastYear[i].Value,
		}
	}
	return out, nil
}
