package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProviderFetches counts market data provider calls.
	// Labels: provider, result ("success", "failed")
	ProviderFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorfolio_provider_fetches_total",
		Help: "Market data provider batch requests by result",
	}, []string{"provider", "result"})

	ProviderFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "factorfolio_provider_fetch_duration_seconds",
		Help:    "Market data provider batch request duration",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"provider"})

	// PriceCacheRequests counts price fetches by whether the provider
	// had to be called. Labels: result ("hit", "miss")
	PriceCacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorfolio_price_cache_requests_total",
		Help: "Price fetches served entirely from the local store vs. needing the provider",
	}, []string{"result"})

	RowsUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "factorfolio_price_rows_upserted_total",
		Help: "Price rows written to the local store",
	})

	TickerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorfolio_ticker_errors_total",
		Help: "Ticker level failures by kind",
	}, []string{"kind"})

	FactorRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorfolio_factor_rebuilds_total",
		Help: "Full factor set reconstructions by result",
	}, []string{"result"})

	// Optimizations counts optimizer solves.
	// Labels: variant ("max_sharpe", "efficient_risk", "efficient_return", "min_volatility"),
	// result ("success", "infeasible")
	Optimizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorfolio_optimizations_total",
		Help: "Optimizer solves by variant and result",
	}, []string{"variant", "result"})

	OptimizationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "factorfolio_optimization_duration_seconds",
		Help:    "Optimizer solve duration",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
	}, []string{"variant"})

	PsdRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "factorfolio_risk_matrix_psd_repairs_total",
		Help: "Risk matrices that needed eigenvalue clamping",
	})
)
