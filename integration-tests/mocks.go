package integration_tests

import (
	"context"
	"factorfolio/internal/domain"
	"factorfolio/internal/repository"
	"factorfolio/internal/util"
	"hash/fnv"
	"math"
	"sync"
	"time"
)

// NewSyntheticMarketDataRepositoryForTests serves deterministic weekday
// prices for any symbol up to yesterday, so every bar it serves is a
// closing price. Symbols in missing come back with no prices.
func NewSyntheticMarketDataRepositoryForTests(missing ...string) *SyntheticMarketDataRepository {
	m := &SyntheticMarketDataRepository{
		missing: map[string]bool{},
	}
	for _, s := range missing {
		m.missing[s] = true
	}
	return m
}

type SyntheticMarketDataRepository struct {
	mu      sync.Mutex
	missing map[string]bool
	calls   int
}

var _ repository.MarketDataRepository = &SyntheticMarketDataRepository{}

func (m *SyntheticMarketDataRepository) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *SyntheticMarketDataRepository) Fetch(ctx context.Context, symbols []string, start, end time.Time) (domain.PriceTable, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	today := util.Day(time.Now())
	out := domain.NewPriceTable()
	for _, symbol := range symbols {
		series := domain.Series{Symbol: symbol, Points: []domain.Point{}}
		if !m.missing[symbol] {
			for d := util.Day(start); !d.After(end) && d.Before(today); d = d.AddDate(0, 0, 1) {
				if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
					continue
				}
				series.Points = append(series.Points, domain.Point{
					Date:  d,
					Value: syntheticPrice(symbol, d),
				})
			}
		}
		out.Set(series)
	}
	return out, nil
}

// syntheticPrice is a drifting, oscillating path whose shape depends
// only on the symbol, so repeated fetches of a day agree.
func syntheticPrice(symbol string, day time.Time) float64 {
	if symbol == "^IRX" {
		return 5
	}
	h := fnv.New64a()
	h.Write([]byte(symbol))
	seed := h.Sum64()

	drift := float64(seed%200)/1e5 - 0.0005
	amplitude := 0.02 + float64((seed>>8)%100)/2e3
	freq := 0.05 + float64((seed>>16)%100)/200
	phase := float64((seed >> 24) % 628) / 100

	x := float64(util.EpochDay(day))
	return 100 * math.Exp(drift*x) * (1 + amplitude*math.Sin(freq*x+phase))
}
