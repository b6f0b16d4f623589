package repository

import (
	"context"
	"factorfolio/internal/domain"
	"factorfolio/internal/logger"
	"factorfolio/internal/metrics"
	"factorfolio/internal/util"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/piquette/finance-go/chart"
	"github.com/piquette/finance-go/datetime"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// MarketDataRepository is the external daily close provider. Fetch is
// one logical call for the whole batch; any failure is reported as a
// TickerFetchFailed naming the symbols that could not be retrieved.
// Returned series may be empty or ragged; validation is the caller's job.
type MarketDataRepository interface {
	Fetch(ctx context.Context, symbols []string, start, end time.Time) (domain.PriceTable, error)
}

type yahooMarketDataRepositoryHandler struct {
	limiter        *rate.Limiter
	maxConcurrency int
	// swapped out in tests
	getBars func(symbol string, start, end time.Time) ([]domain.Point, error)
}

func NewYahooMarketDataRepository(maxConcurrency int, requestsPerSecond float64) MarketDataRepository {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &yahooMarketDataRepositoryHandler{
		limiter:        rate.NewLimiter(limit, maxConcurrency),
		maxConcurrency: maxConcurrency,
		getBars:        yahooChart,
	}
}

func yahooChart(symbol string, start, end time.Time) ([]domain.Point, error) {
	// chart end is exclusive
	end = end.AddDate(0, 0, 1)
	params := &chart.Params{
		Start:    datetime.New(&start),
		End:      datetime.New(&end),
		Symbol:   symbol,
		Interval: datetime.OneDay,
	}
	iter := chart.Get(params)

	out := []domain.Point{}
	for iter.Next() {
		out = append(out, domain.Point{
			Date:  util.Day(time.Unix(int64(iter.Bar().Timestamp), 0)),
			Value: iter.Bar().AdjClose.InexactFloat64(),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (h yahooMarketDataRepositoryHandler) Fetch(ctx context.Context, symbols []string, start, end time.Time) (domain.PriceTable, error) {
	log := logger.FromContext(ctx)
	begin := time.Now()
	defer func() {
		metrics.ProviderFetchDuration.WithLabelValues("yahoo").Observe(time.Since(begin).Seconds())
	}()

	results := make([]domain.Series, len(symbols))
	failed := []string{}
	failures := []error{}
	mu := sync.Mutex{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.maxConcurrency)
	for i, symbol := range symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			if err := h.limiter.Wait(gctx); err != nil {
				return err
			}
			points, err := h.getBars(symbol, start, end)
			if err != nil {
				mu.Lock()
				failed = append(failed, symbol)
				failures = append(failures, fmt.Errorf("%s: %w", symbol, err))
				mu.Unlock()
				return nil
			}
			results[i] = domain.Series{
				Symbol: symbol,
				Points: points,
			}.Sorted()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.ProviderFetches.WithLabelValues("yahoo", "failed").Inc()
		return domain.PriceTable{}, domain.NewTickerFetchFailed(symbols, err)
	}
	if len(failed) > 0 {
		metrics.ProviderFetches.WithLabelValues("yahoo", "failed").Inc()
		log.Warnf("yahoo fetch failed for %v", failed)
		return domain.PriceTable{}, domain.NewTickerFetchFailed(
			orderLike(symbols, failed),
			fmt.Errorf("failed to get prices: %s", joinErrors(failures)),
		)
	}
	metrics.ProviderFetches.WithLabelValues("yahoo", "success").Inc()

	out := domain.NewPriceTable()
	for _, s := range results {
		out.Set(s)
	}
	return out, nil
}

type alpacaMarketDataRepositoryHandler struct {
	MdClient *marketdata.Client
	Feed     marketdata.Feed
}

func NewAlpacaMarketDataRepository(apiKey, apiSecret, dataUrl, feed string) MarketDataRepository {
	mdClient := marketdata.NewClient(marketdata.ClientOpts{
		BaseURL:   dataUrl,
		APIKey:    apiKey,
		APISecret: apiSecret,
	})
	return &alpacaMarketDataRepositoryHandler{
		MdClient: mdClient,
		Feed:     marketdata.Feed(feed),
	}
}

func (h alpacaMarketDataRepositoryHandler) Fetch(ctx context.Context, symbols []string, start, end time.Time) (domain.PriceTable, error) {
	begin := time.Now()
	defer func() {
		metrics.ProviderFetchDuration.WithLabelValues("alpaca").Observe(time.Since(begin).Seconds())
	}()

	multiBars, err := h.MdClient.GetMultiBars(symbols, marketdata.GetBarsRequest{
		TimeFrame:  marketdata.OneDay,
		Adjustment: marketdata.All,
		Start:      start,
		End:        end.AddDate(0, 0, 1),
		Feed:       h.Feed,
	})
	if err != nil {
		metrics.ProviderFetches.WithLabelValues("alpaca", "failed").Inc()
		return domain.PriceTable{}, domain.NewTickerFetchFailed(symbols, fmt.Errorf("failed to get bars: %w", err))
	}
	metrics.ProviderFetches.WithLabelValues("alpaca", "success").Inc()

	bySymbol := map[string][]domain.Point{}
	for symbol, bars := range multiBars {
		points := make([]domain.Point, 0, len(bars))
		for _, b := range bars {
			points = append(points, domain.Point{
				Date:  util.Day(b.Timestamp),
				Value: b.Close,
			})
		}
		bySymbol[strings.ToUpper(symbol)] = points
	}

	// unknown symbols are simply absent from the response; keep them as
	// empty columns so validation reports them
	out := domain.NewPriceTable()
	for _, symbol := range symbols {
		out.Set(domain.Series{
			Symbol: symbol,
			Points: bySymbol[symbol],
		}.Sorted())
	}
	return out, nil
}

// orderLike returns subset in the order it appears in symbols.
func orderLike(symbols, subset []string) []string {
	in := map[string]bool{}
	for _, s := range subset {
		in[s] = true
	}
	out := []string{}
	for _, s := range symbols {
		if in[s] {
			out = append(out, s)
		}
	}
	return out
}

func joinErrors(errs []error) string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}
