package l1_service

import (
	"context"
	"factorfolio/internal/domain"
	"factorfolio/internal/logger"
	"factorfolio/internal/metrics"
	"factorfolio/internal/repository"
	"factorfolio/internal/util"
	"fmt"
	"math"
	"sort"
	"time"
)

/**

FetchPrices answers "give me the last two years of closes for these
tickers" while calling the provider as little as possible.

1. ask the store how far each ticker is cached
2. if everything is current through the last completed weekday, skip
   the provider entirely. A bar for today is provisional and is always
   refetched
3. otherwise fetch [earliest gap, today] for the whole batch in one call
4. validate every column before writing anything; one bad ticker fails
   the batch and nothing is written
5. write, then read the full window back from the store

The store lock is only ever taken inside PriceRepository.Add, so the
provider call never happens while a lock is held.

*/

const DefaultLookbackDays = 730

type PriceService interface {
	FetchPrices(ctx context.Context, symbols []string) (domain.PriceTable, error)
}

type priceServiceHandler struct {
	PriceRepository      repository.PriceRepository
	MarketDataRepository repository.MarketDataRepository
	LookbackDays         int
	now                  func() time.Time
}

func NewPriceService(
	priceRepository repository.PriceRepository,
	marketDataRepository repository.MarketDataRepository,
	lookbackDays int,
) PriceService {
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	return &priceServiceHandler{
		PriceRepository:      priceRepository,
		MarketDataRepository: marketDataRepository,
		LookbackDays:         lookbackDays,
		now:                  time.Now,
	}
}

// lastWeekday is the most recent Monday-Friday on or before t. Exchange
// holidays are not accounted for, so a holiday costs one extra fetch.
func lastWeekday(t time.Time) time.Time {
	for t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		t = t.AddDate(0, 0, -1)
	}
	return t
}

// isCurrent reports whether a cached series ending on latest needs no
// provider call. Today's bar may still be an intraday price, so a series
// ending today is always refetched from that day and overwritten.
func isCurrent(latest *time.Time, today time.Time) bool {
	if latest == nil || !latest.Before(today) {
		return false
	}
	return !latest.Before(lastWeekday(today.AddDate(0, 0, -1)))
}

func (h priceServiceHandler) FetchPrices(ctx context.Context, symbols []string) (domain.PriceTable, error) {
	log := logger.FromContext(ctx)
	profile := domain.GetProfile(ctx)

	symbols = domain.NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return domain.PriceTable{}, fmt.Errorf("no tickers given")
	}
	for _, s := range symbols {
		if !repository.ValidSymbol(s) {
			return domain.PriceTable{}, domain.NewTickerDataInvalid(s, "not a valid ticker symbol")
		}
	}

	today := util.Day(h.now())
	windowStart := today.AddDate(0, 0, -h.LookbackDays)

	_, endSpan := profile.StartNewSpan("checking price cache")
	fetchStart := today
	fresh := true
	for _, symbol := range symbols {
		latest, err := h.PriceRepository.LatestDay(ctx, symbol)
		if err != nil {
			endSpan()
			return domain.PriceTable{}, fmt.Errorf("failed to get latest cached day for %s: %w", symbol, err)
		}
		start := windowStart
		if latest != nil {
			start = *latest
		}
		if !isCurrent(latest, today) {
			fresh = false
		}
		fetchStart = util.MinDate(fetchStart, start)
	}
	endSpan()

	if fresh {
		metrics.PriceCacheRequests.WithLabelValues("hit").Inc()
	} else {
		metrics.PriceCacheRequests.WithLabelValues("miss").Inc()

		_, endSpan = profile.StartNewSpan("fetching from provider")
		fetched, err := h.MarketDataRepository.Fetch(ctx, symbols, fetchStart, today)
		endSpan()
		if err != nil {
			if _, ok := domain.AsTickerError(err); ok {
				return domain.PriceTable{}, err
			}
			return domain.PriceTable{}, domain.NewTickerFetchFailed(symbols, err)
		}

		if err := validateFetched(fetched, symbols); err != nil {
			metrics.TickerErrors.WithLabelValues(string(domain.TickerDataInvalid)).Inc()
			return domain.PriceTable{}, err
		}

		_, endSpan = profile.StartNewSpan("writing to price store")
		err = h.PriceRepository.Add(ctx, restrict(fetched, symbols))
		endSpan()
		if err != nil {
			return domain.PriceTable{}, fmt.Errorf("failed to store fetched prices: %w", err)
		}
		log.Infof("cached prices for %d tickers from %s", len(symbols), fetchStart.Format(time.DateOnly))
	}

	_, endSpan = profile.StartNewSpan("reading price window")
	defer endSpan()
	out := domain.NewPriceTable()
	for _, symbol := range symbols {
		series, err := h.PriceRepository.List(ctx, symbol, windowStart, today)
		if err != nil {
			return domain.PriceTable{}, fmt.Errorf("failed to read prices for %s: %w", symbol, err)
		}
		out.Set(series)
	}

	return out, nil
}

// validateFetched rejects the batch if any requested ticker came back
// empty, or lacks a usable price on a day some other ticker has.
func validateFetched(fetched domain.PriceTable, symbols []string) error {
	days := map[string]bool{}
	for _, symbol := range symbols {
		series, ok := fetched.Get(symbol)
		if !ok || series.Len() == 0 {
			return domain.NewTickerDataInvalid(symbol, "provider returned no prices")
		}
		for _, p := range series.Points {
			days[p.Date.Format(time.DateOnly)] = true
		}
	}

	union := make([]string, 0, len(days))
	for day := range days {
		union = append(union, day)
	}
	sort.Strings(union)

	for _, symbol := range symbols {
		series, _ := fetched.Get(symbol)
		values := series.ValueMap()
		if len(values) != series.Len() {
			return domain.NewTickerDataInvalid(symbol, "provider returned duplicate days")
		}
		for _, day := range union {
			v, ok := values[day]
			if !ok {
				return domain.NewTickerDataInvalid(symbol, fmt.Sprintf("missing price on %s", day))
			}
			if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
				return domain.NewTickerDataInvalid(symbol, fmt.Sprintf("invalid price %f on %s", v, day))
			}
		}
	}
	return nil
}

// restrict drops any columns the provider returned that were not asked
// for.
func restrict(table domain.PriceTable, symbols []string) domain.PriceTable {
	out := domain.NewPriceTable()
	for _, symbol := range symbols {
		if s, ok := table.Get(symbol); ok {
			out.Set(s)
		}
	}
	return out
}
