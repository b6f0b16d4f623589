package l2_service

import (
	"context"
	"factorfolio/internal/calculator"
	"factorfolio/internal/domain"
	"factorfolio/internal/logger"
	"factorfolio/internal/metrics"
	l1_service "factorfolio/internal/service/l1"
	"factorfolio/internal/util"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultMarketTicker   = "^GSPC"
	DefaultRiskFreeTicker = "^IRX"
)

// FactorSet holds the four Carhart factors and the risk-free growth
// rate on a shared date index. Every series has exactly len(Dates)
// points.
type FactorSet struct {
	Dates         []time.Time
	MarketPremium domain.Series
	SMB           domain.Series
	HML           domain.Series
	UMD           domain.Series
	RiskFree      domain.Series
	BuiltFor      time.Time
}

func (f FactorSet) Len() int {
	return len(f.Dates)
}

// Row returns the factor values on the i-th date in the order
// market premium, SMB, HML, UMD.
func (f FactorSet) Row(i int) [4]float64 {
	return [4]float64{
		f.MarketPremium.Points[i].Value,
		f.SMB.Points[i].Value,
		f.HML.Points[i].Value,
		f.UMD.Points[i].Value,
	}
}

// FactorService builds the factor set for the current trading day.
// The set is only valid for the window it was built on, so it is
// rebuilt from scratch whenever the day changes.
type FactorService interface {
	Factors(ctx context.Context) (*FactorSet, error)
	Rebuild(ctx context.Context) (*FactorSet, error)
}

type factorServiceHandler struct {
	PriceService   l1_service.PriceService
	Baskets        Baskets
	MarketTicker   string
	RiskFreeTicker string

	group  singleflight.Group
	mu     sync.RWMutex
	cached *FactorSet
	now    func() time.Time
}

func NewFactorService(priceService l1_service.PriceService, baskets Baskets, marketTicker, riskFreeTicker string) FactorService {
	if baskets == nil {
		baskets = DefaultBaskets()
	}
	if marketTicker == "" {
		marketTicker = DefaultMarketTicker
	}
	if riskFreeTicker == "" {
		riskFreeTicker = DefaultRiskFreeTicker
	}
	return &factorServiceHandler{
		PriceService:   priceService,
		Baskets:        baskets,
		MarketTicker:   marketTicker,
		RiskFreeTicker: riskFreeTicker,
		now:            time.Now,
	}
}

func (h *factorServiceHandler) Factors(ctx context.Context) (*FactorSet, error) {
	today := util.Day(h.now())

	h.mu.RLock()
	current := h.cached
	h.mu.RUnlock()
	if current != nil && current.BuiltFor.Equal(today) {
		return current, nil
	}

	v, err, _ := h.group.Do(today.Format(time.DateOnly), func() (interface{}, error) {
		return h.Rebuild(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*FactorSet), nil
}

func (h *factorServiceHandler) Rebuild(ctx context.Context) (*FactorSet, error) {
	log := logger.FromContext(ctx)
	profile := domain.GetProfile(ctx)
	_, endSpan := profile.StartNewSpan("building factors")
	defer endSpan()

	factors, err := h.build(ctx)
	if err != nil {
		metrics.FactorRebuilds.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to build factors: %w", err)
	}
	metrics.FactorRebuilds.WithLabelValues("success").Inc()

	h.mu.Lock()
	h.cached = factors
	h.mu.Unlock()

	log.Infof("rebuilt factors over %d days ending %s", factors.Len(), factors.Dates[factors.Len()-1].Format(time.DateOnly))
	return factors, nil
}

func (h *factorServiceHandler) build(ctx context.Context) (*FactorSet, error) {
	if err := h.Baskets.Validate(); err != nil {
		return nil, err
	}
	today := util.Day(h.now())

	aggregates := map[string]domain.Series{}
	rates := map[string]domain.Series{}
	for _, name := range BasketNames {
		agg, err := h.basketAggregate(ctx, name)
		if err != nil {
			return nil, err
		}
		aggregates[name] = agg
		r, err := calculator.M12ReturnRate(agg)
		if err != nil {
			return nil, fmt.Errorf("failed to compute %s return rate: %w", name, err)
		}
		rates[name] = r
	}

	market, err := h.singlePrices(ctx, h.MarketTicker)
	if err != nil {
		return nil, err
	}
	marketRates, err := calculator.M12ReturnRate(market)
	if err != nil {
		return nil, fmt.Errorf("failed to compute market return rate: %w", err)
	}

	riskFreeQuotes, err := h.singlePrices(ctx, h.RiskFreeTicker)
	if err != nil {
		return nil, err
	}
	riskFree := RiskFreeGrowth(riskFreeQuotes)

	// value and growth are re-aggregated across size tiers before the
	// transform, not averaged afterwards
	valueRates, err := calculator.M12ReturnRate(calculator.Sum("value", aggregates[BigValue], aggregates[SmallValue]))
	if err != nil {
		return nil, fmt.Errorf("failed to compute value return rate: %w", err)
	}
	growthRates, err := calculator.M12ReturnRate(calculator.Sum("growth", aggregates[BigGrowth], aggregates[SmallGrowth]))
	if err != nil {
		return nil, fmt.Errorf("failed to compute growth return rate: %w", err)
	}

	dates, values := calculator.Align(
		calculator.Subtract("MKT", marketRates, riskFree),
		calculator.Subtract("SMB", rates[SmallValue], rates[BigValue]),
		calculator.Subtract("HML", valueRates, growthRates),
		calculator.Subtract("UMD", rates[Winners], rates[Losers]),
		riskFree,
	)
	if len(dates) == 0 {
		return nil, fmt.Errorf("factor series share no dates")
	}

	toSeries := func(symbol string, v []float64) domain.Series {
		out := domain.Series{Symbol: symbol, Points: make([]domain.Point, len(dates))}
		for i, d := range dates {
			out.Points[i] = domain.Point{Date: d, Value: v[i]}
		}
		return out
	}

	return &FactorSet{
		Dates:         dates,
		MarketPremium: toSeries("MKT", values[0]),
		SMB:           toSeries("SMB", values[1]),
		HML:           toSeries("HML", values[2]),
		UMD:           toSeries("UMD", values[3]),
		RiskFree:      toSeries(h.RiskFreeTicker, values[4]),
		BuiltFor:      today,
	}, nil
}

// RiskFreeGrowth converts percentage rate quotes into multiplicative
// growth factors, 1 + rate/100.
func RiskFreeGrowth(quotes domain.Series) domain.Series {
	return calculator.Map(quotes.Symbol, quotes, func(rate float64) float64 {
		return 1 + rate/100
	})
}

func (h *factorServiceHandler) singlePrices(ctx context.Context, symbol string) (domain.Series, error) {
	prices, err := h.PriceService.FetchPrices(ctx, []string{symbol})
	if err != nil {
		return domain.Series{}, fmt.Errorf("failed to get %s prices: %w", symbol, err)
	}
	s, _ := prices.Get(symbol)
	return s, nil
}

// basketAggregate sums the basket's member prices. Members the
// provider cannot serve are dropped and the rest refetched; a basket
// with no members left is an error.
func (h *factorServiceHandler) basketAggregate(ctx context.Context, name string) (domain.Series, error) {
	log := logger.FromContext(ctx)
	members := domain.NormalizeSymbols(h.Baskets[name])

	for len(members) > 0 {
		prices, err := h.PriceService.FetchPrices(ctx, members)
		if err == nil {
			series := make([]domain.Series, 0, len(members))
			for _, m := range members {
				s, _ := prices.Get(m)
				series = append(series, s)
			}
			return calculator.Sum(name, series...), nil
		}

		te, ok := domain.AsTickerError(err)
		if !ok || te.Kind == domain.InsufficientHistory {
			return domain.Series{}, fmt.Errorf("failed to get %s basket prices: %w", name, err)
		}
		remaining := without(members, te.Tickers)
		if len(remaining) == len(members) {
			return domain.Series{}, fmt.Errorf("failed to get %s basket prices: %w", name, err)
		}
		log.Warnf("dropping %v from %s basket: %s", te.Tickers, name, te.Error())
		members = remaining
	}

	return domain.Series{}, fmt.Errorf("factor basket %s has no usable members", name)
}

func without(symbols, drop []string) []string {
	skip := map[string]bool{}
	for _, d := range drop {
		skip[d] = true
	}
	out := []string{}
	for _, s := range symbols {
		if !skip[s] {
			out = append(out, s)
		}
	}
	return out
}
