package l3_service

import (
	"context"
	"factorfolio/internal/calculator"
	"factorfolio/internal/domain"
	"factorfolio/internal/logger"
	"factorfolio/internal/metrics"
	"factorfolio/internal/optimizer"
	l1_service "factorfolio/internal/service/l1"
	l2_service "factorfolio/internal/service/l2"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OptimizeInput struct {
	Symbols  []string
	Value    decimal.Decimal
	Strategy optimizer.Variant
	// Target is the volatility for EfficientRisk or the fractional return
	// for EfficientReturn, e.g. 0.08 for 8%, the same unit as
	// PortfolioResult.Return. Ignored otherwise.
	Target float64
}

type PortfolioResult struct {
	ModelID    uuid.UUID
	Symbols    []string
	Weights    domain.PortfolioWeights
	Allocation *domain.Allocation
	// Return is fractional, e.g. 0.08 for 8%
	Return      float64
	Volatility  float64
	Sharpe      float64
	Performance domain.PerformanceCurve
	Metrics     *calculator.CalculateMetricsResult
	Betas       map[string]l2_service.Betas
}

type PortfolioService interface {
	BuildModel(ctx context.Context, symbols []string) (*Model, error)
	Optimize(ctx context.Context, in OptimizeInput) (*PortfolioResult, error)
}

type portfolioServiceHandler struct {
	PriceService    l1_service.PriceService
	FactorService   l2_service.FactorService
	ReturnsService  l2_service.ReturnsService
	AllowShortSales bool
}

func NewPortfolioService(
	priceService l1_service.PriceService,
	factorService l2_service.FactorService,
	returnsService l2_service.ReturnsService,
	allowShortSales bool,
) PortfolioService {
	return portfolioServiceHandler{
		PriceService:    priceService,
		FactorService:   factorService,
		ReturnsService:  returnsService,
		AllowShortSales: allowShortSales,
	}
}

// BuildModel gathers prices, factor exposures and the risk matrix for
// symbols. The model's column order is the normalized request order.
func (h portfolioServiceHandler) BuildModel(ctx context.Context, symbols []string) (*Model, error) {
	log := logger.FromContext(ctx)
	profile := domain.GetProfile(ctx)

	symbols = domain.NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return nil, fmt.Errorf("at least one ticker is required")
	}

	_, endSpan := profile.StartNewSpan("fetching prices")
	prices, err := h.PriceService.FetchPrices(ctx, symbols)
	endSpan()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prices: %w", err)
	}

	_, endSpan = profile.StartNewSpan("loading factors")
	factors, err := h.FactorService.Factors(ctx)
	endSpan()
	if err != nil {
		return nil, fmt.Errorf("failed to load factors: %w", err)
	}

	_, endSpan = profile.StartNewSpan("estimating expected returns")
	rates, err := l2_service.RatesFor(prices, symbols)
	if err != nil {
		endSpan()
		return nil, err
	}
	expectedReturns := make([]float64, len(symbols))
	betas := map[string]l2_service.Betas{}
	for i, symbol := range symbols {
		er, err := h.ReturnsService.ExpectedReturn(ctx, rates[symbol], factors)
		if err != nil {
			endSpan()
			return nil, err
		}
		expectedReturns[i] = er.Value
		betas[symbol] = er.Betas
	}
	endSpan()

	_, endSpan = profile.StartNewSpan("computing risk matrix")
	defer endSpan()
	risk, err := calculator.RiskMatrix(prices, symbols)
	if err != nil {
		return nil, fmt.Errorf("failed to compute risk matrix: %w", err)
	}
	risk, repaired, err := calculator.FixNonPositiveSemidefinite(risk)
	if err != nil {
		return nil, fmt.Errorf("failed to repair risk matrix: %w", err)
	}
	if repaired {
		metrics.PsdRepairs.Inc()
		log.Warnf("risk matrix for %v was not positive semidefinite, clamped negative eigenvalues", symbols)
	}

	currentPrices := make([]decimal.Decimal, len(symbols))
	for i, symbol := range symbols {
		s, _ := prices.Get(symbol)
		last, ok := s.Last()
		if !ok {
			return nil, domain.NewTickerDataInvalid(symbol, "no current price")
		}
		currentPrices[i] = decimal.NewFromFloat(last.Value)
	}

	riskFree, ok := factors.RiskFree.Last()
	if !ok {
		return nil, fmt.Errorf("no risk-free rate available")
	}

	return &Model{
		ID:              uuid.New(),
		Symbols:         symbols,
		ExpectedReturns: expectedReturns,
		Risk:            risk,
		CurrentPrices:   currentPrices,
		RiskFreeRate:    riskFree.Value,
		Prices:          prices,
		Betas:           betas,
		AsOf:            time.Now().UTC(),
	}, nil
}

// Optimize builds a model for in.Symbols, solves for weights with the
// requested strategy and turns them into a whole-share allocation.
func (h portfolioServiceHandler) Optimize(ctx context.Context, in OptimizeInput) (*PortfolioResult, error) {
	log := logger.FromContext(ctx)
	profile := domain.GetProfile(ctx)

	if !in.Value.IsPositive() {
		return nil, fmt.Errorf("portfolio value must be positive, got %s", in.Value.String())
	}
	if in.Strategy == "" {
		in.Strategy = optimizer.MaxSharpe
	}

	model, err := h.BuildModel(ctx, in.Symbols)
	if err != nil {
		return nil, err
	}

	_, endSpan := profile.StartNewSpan("optimizing weights")
	opt, err := optimizer.NewPortfolioOptimizer(model.Symbols, model.ExpectedReturns, model.Risk, !h.AllowShortSales)
	if err != nil {
		endSpan()
		return nil, fmt.Errorf("failed to create optimizer: %w", err)
	}
	target := in.Target
	if in.Strategy == optimizer.EfficientReturn {
		// the optimizer works in growth multiples
		target = 1 + in.Target
	}
	weights, err := opt.Optimize(ctx, in.Strategy, model.RiskFreeRate, target)
	endSpan()
	if err != nil {
		return nil, fmt.Errorf("failed to optimize %s portfolio: %w", in.Strategy, err)
	}

	_, endSpan = profile.StartNewSpan("evaluating portfolio")
	defer endSpan()

	ret, err := model.PortfolioReturn(weights)
	if err != nil {
		return nil, err
	}
	vol, err := model.PortfolioRisk(weights)
	if err != nil {
		return nil, err
	}
	sharpe, err := model.SharpeRatio(weights)
	if err != nil {
		return nil, err
	}
	allocation, err := model.ShareCount(in.Value, weights)
	if err != nil {
		return nil, fmt.Errorf("failed to compute share counts: %w", err)
	}
	performance, err := model.HistoricalPerformance(weights)
	if err != nil {
		return nil, fmt.Errorf("failed to compute historical performance: %w", err)
	}
	realized, err := calculator.CalculateMetrics(performance)
	if err != nil {
		log.Warnf("skipping realized metrics for model %s: %v", model.ID, err)
		realized = nil
	}

	log.Infof("optimized %s portfolio %s over %v", in.Strategy, model.ID, model.Symbols)

	return &PortfolioResult{
		ModelID:     model.ID,
		Symbols:     model.Symbols,
		Weights:     weights,
		Allocation:  allocation,
		Return:      ret - 1,
		Volatility:  vol,
		Sharpe:      sharpe,
		Performance: performance,
		Metrics:     realized,
		Betas:       model.Betas,
	}, nil
}
