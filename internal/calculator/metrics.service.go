package calculator

import (
	"factorfolio/internal/domain"
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
)

type CalculateMetricsResult struct {
	AnnualizedStdev  float64 `json:"annualizedStdev"`
	AnnualizedReturn float64 `json:"annualizedReturn"`
	SharpeRatio      float64 `json:"sharpeRatio"`
	MaxDrawdown      float64 `json:"maxDrawdown"`
}

// CalculateMetrics computes realized metrics for a historical
// performance curve. It assumes the curve is ordered by date and
// covers enough days to annualize, typically about a year.
func CalculateMetrics(curve domain.PerformanceCurve) (*CalculateMetricsResult, error) {
	if len(curve) < 3 {
		return nil, fmt.Errorf("cannot calculate metrics on < 3 performance points")
	}

	returns, err := PctChange(curve.Values())
	if err != nil {
		return nil, fmt.Errorf("failed to calculate returns: %w", err)
	}

	stdev, err := stats.StandardDeviationSample(returns)
	if err != nil {
		return nil, err
	}
	annualizedStdev := stdev * math.Sqrt(TradingDaysInYear)

	startValue := curve[0].Value
	endValue := curve[len(curve)-1].Value
	numHours := curve[len(curve)-1].Date.Sub(curve[0].Date).Hours()
	numYears := numHours / (365 * 24)
	if numYears <= 0 {
		return nil, fmt.Errorf("performance curve must span more than one day")
	}
	annualizedReturn := math.Pow((endValue/startValue), 1/numYears) - 1

	sharpeRatio := 0.0
	if annualizedStdev > 0 {
		sharpeRatio = annualizedReturn / annualizedStdev
	}

	return &CalculateMetricsResult{
		AnnualizedStdev:  annualizedStdev,
		AnnualizedReturn: annualizedReturn,
		SharpeRatio:      sharpeRatio,
		MaxDrawdown:      maxDrawdown(curve.Values()),
	}, nil
}

// maxDrawdown is the largest peak to trough fall, as a positive
// fraction of the peak.
func maxDrawdown(values []float64) float64 {
	peak := math.Inf(-1)
	worst := 0.0
	for _, v := range values {
		peak = math.Max(peak, v)
		if peak > 0 {
			worst = math.Max(worst, (peak-v)/peak)
		}
	}
	return worst
}
