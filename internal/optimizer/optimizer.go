package optimizer

import (
	"context"
	"errors"
	"factorfolio/internal/domain"
	"factorfolio/internal/logger"
	"factorfolio/internal/metrics"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

type Variant string

const (
	MaxSharpe       Variant = "max_sharpe"
	EfficientRisk   Variant = "efficient_risk"
	EfficientReturn Variant = "efficient_return"
	MinVolatility   Variant = "min_volatility"
)

func ParseVariant(s string) (Variant, error) {
	switch v := Variant(s); v {
	case MaxSharpe, EfficientRisk, EfficientReturn, MinVolatility:
		return v, nil
	case "":
		return MaxSharpe, nil
	}
	return "", fmt.Errorf("unknown optimization strategy %q", s)
}

// penalty weights for the target variants, applied in turn with warm
// starts
var penaltySchedule = []float64{1e2, 1e4, 1e6, 1e8}

// PortfolioOptimizer solves mean-variance problems over a fixed asset
// order. Every result is keyed by the symbols it was built with, in
// that order.
type PortfolioOptimizer struct {
	frontier efficientFrontier
}

func NewPortfolioOptimizer(symbols []string, expectedReturns []float64, cov mat.Symmetric, longOnly bool) (*PortfolioOptimizer, error) {
	frontier, err := newEfficientFrontier(symbols, expectedReturns, cov, longOnly)
	if err != nil {
		return nil, err
	}
	return &PortfolioOptimizer{
		frontier: frontier,
	}, nil
}

func (o PortfolioOptimizer) Symbols() []string {
	return append([]string{}, o.frontier.symbols...)
}

// Optimize dispatches to the variant. target is ignored by MaxSharpe
// and MinVolatility.
func (o PortfolioOptimizer) Optimize(ctx context.Context, variant Variant, riskFreeRate, target float64) (domain.PortfolioWeights, error) {
	switch variant {
	case MaxSharpe:
		return o.MaxSharpe(ctx, riskFreeRate)
	case EfficientRisk:
		return o.EfficientRisk(ctx, target)
	case EfficientReturn:
		return o.EfficientReturn(ctx, target)
	case MinVolatility:
		return o.MinVolatility(ctx)
	}
	return domain.PortfolioWeights{}, fmt.Errorf("unknown optimization strategy %q", variant)
}

// MaxSharpe finds the tangency portfolio for riskFreeRate.
func (o PortfolioOptimizer) MaxSharpe(ctx context.Context, riskFreeRate float64) (domain.PortfolioWeights, error) {
	return o.solve(ctx, MaxSharpe, func() ([]float64, error) {
		f := o.frontier
		beatsRiskFree := false
		for _, r := range f.expectedReturns {
			if r > riskFreeRate {
				beatsRiskFree = true
			}
		}
		if !beatsRiskFree {
			return nil, fmt.Errorf("%w: no asset has an expected return above the risk-free rate %f", domain.ErrOptimizationInfeasible, riskFreeRate)
		}
		if !f.longOnly {
			return f.tangencyClosedForm(riskFreeRate)
		}

		z, err := f.minimize(f.negativeSharpe(riskFreeRate), f.parameterization().starts())
		if err != nil {
			return nil, err
		}
		return f.weights(z), nil
	}, nil)
}

// MinVolatility finds the lowest risk portfolio.
func (o PortfolioOptimizer) MinVolatility(ctx context.Context) (domain.PortfolioWeights, error) {
	return o.solve(ctx, MinVolatility, o.minVolatility, nil)
}

func (o PortfolioOptimizer) minVolatility() ([]float64, error) {
	f := o.frontier
	if !f.longOnly {
		return f.minVarianceClosedForm()
	}
	z, err := f.minimize(f.portfolioVariance(), f.parameterization().starts())
	if err != nil {
		return nil, err
	}
	return f.weights(z), nil
}

// EfficientRisk maximises expected return with volatility at most
// targetVolatility.
func (o PortfolioOptimizer) EfficientRisk(ctx context.Context, targetVolatility float64) (domain.PortfolioWeights, error) {
	f := o.frontier
	check := func(w []float64) error {
		if vol := f.volatility(w); vol > targetVolatility*(1+1e-3)+1e-9 {
			return fmt.Errorf("volatility %f exceeds target %f", vol, targetVolatility)
		}
		return nil
	}
	return o.solve(ctx, EfficientRisk, func() ([]float64, error) {
		if targetVolatility <= 0 || math.IsNaN(targetVolatility) {
			return nil, fmt.Errorf("%w: target volatility must be positive, got %f", domain.ErrOptimizationInfeasible, targetVolatility)
		}
		floor, err := o.minVolatility()
		if err != nil {
			return nil, err
		}
		if minVol := f.volatility(floor); minVol > targetVolatility*(1+1e-6) {
			return nil, fmt.Errorf("%w: target volatility %f is below the minimum achievable %f", domain.ErrOptimizationInfeasible, targetVolatility, minVol)
		}
		return o.penalized(func(penalty float64) objective {
			return f.maxReturnUnderRisk(targetVolatility, penalty)
		})
	}, check)
}

// EfficientReturn minimises volatility with expected return at least
// targetReturn.
func (o PortfolioOptimizer) EfficientReturn(ctx context.Context, targetReturn float64) (domain.PortfolioWeights, error) {
	f := o.frontier
	check := func(w []float64) error {
		if r := f.portfolioReturn(w); r < targetReturn-1e-3*math.Max(1, math.Abs(targetReturn)) {
			return fmt.Errorf("return %f is below target %f", r, targetReturn)
		}
		return nil
	}
	return o.solve(ctx, EfficientReturn, func() ([]float64, error) {
		if math.IsNaN(targetReturn) {
			return nil, fmt.Errorf("%w: target return is NaN", domain.ErrOptimizationInfeasible)
		}
		if f.longOnly {
			best := math.Inf(-1)
			for _, r := range f.expectedReturns {
				best = math.Max(best, r)
			}
			if targetReturn > best {
				return nil, fmt.Errorf("%w: target return %f exceeds the highest expected return %f", domain.ErrOptimizationInfeasible, targetReturn, best)
			}
		}
		return o.penalized(func(penalty float64) objective {
			return f.minRiskForReturn(targetReturn, penalty)
		})
	}, check)
}

func (o PortfolioOptimizer) penalized(build func(penalty float64) objective) ([]float64, error) {
	f := o.frontier
	starts := f.parameterization().starts()
	var z []float64
	for _, penalty := range penaltySchedule {
		next, err := f.minimize(build(penalty), starts)
		if err != nil {
			return nil, err
		}
		z = next
		starts = [][]float64{z}
	}
	return f.weights(z), nil
}

// solve runs a variant, then cleans and validates its weights. No
// weights are returned unless they pass validation.
func (o PortfolioOptimizer) solve(
	ctx context.Context,
	variant Variant,
	run func() ([]float64, error),
	check func(w []float64) error,
) (domain.PortfolioWeights, error) {
	log := logger.FromContext(ctx)
	start := time.Now()
	defer func() {
		metrics.OptimizationDuration.WithLabelValues(string(variant)).Observe(time.Since(start).Seconds())
	}()

	fail := func(err error) (domain.PortfolioWeights, error) {
		metrics.Optimizations.WithLabelValues(string(variant), "infeasible").Inc()
		if !errors.Is(err, domain.ErrOptimizationInfeasible) {
			err = fmt.Errorf("%w: %w", domain.ErrOptimizationInfeasible, err)
		}
		return domain.PortfolioWeights{}, fmt.Errorf("failed to solve %s: %w", variant, err)
	}

	raw, err := run()
	if err != nil {
		return fail(err)
	}

	w, err := cleanWeights(raw, o.frontier.longOnly)
	if err != nil {
		return fail(err)
	}
	if check != nil {
		if err := check(w); err != nil {
			return fail(err)
		}
	}

	out, err := domain.NewPortfolioWeights(o.frontier.symbols, w)
	if err != nil {
		return fail(err)
	}
	if err := validateWeights(out, o.frontier.longOnly); err != nil {
		return fail(err)
	}

	metrics.Optimizations.WithLabelValues(string(variant), "success").Inc()
	log.Infof("solved %s over %d assets in %s", variant, len(w), time.Since(start))
	return out, nil
}
