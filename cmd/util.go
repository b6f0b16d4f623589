package cmd

import (
	"database/sql"
	"factorfolio/api"
	"factorfolio/internal/logger"
	"factorfolio/internal/repository"
	l1_service "factorfolio/internal/service/l1"
	l2_service "factorfolio/internal/service/l2"
	l3_service "factorfolio/internal/service/l3"
	"factorfolio/internal/util"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

func CloseDependencies(handler *api.ApiHandler) {
	if handler.Close == nil {
		return
	}
	if err := handler.Close(); err != nil {
		log.Fatalf("failed to close price store: %v", err)
	}
}

func newPriceRepository(cfg util.StoreConfig) (repository.PriceRepository, error) {
	switch cfg.Driver {
	case "postgres":
		connStr := cfg.Dsn
		if cfg.Db.Host != "" {
			connStr = cfg.Db.ToConnectionStr()
		}
		dbConn, err := sql.Open("postgres", connStr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to db: %w", err)
		}
		if err := dbConn.Ping(); err != nil {
			dbConn.Close()
			return nil, fmt.Errorf("failed to ping db: %w", err)
		}
		return repository.NewPostgresPriceRepository(dbConn), nil
	default:
		return repository.NewSqlitePriceRepository(cfg.Dsn)
	}
}

func newMarketDataRepository(cfg util.ProviderConfig) repository.MarketDataRepository {
	if cfg.Name == "alpaca" {
		return repository.NewAlpacaMarketDataRepository(
			cfg.Alpaca.ApiKey,
			cfg.Alpaca.ApiSecret,
			cfg.Alpaca.DataUrl,
			cfg.Alpaca.Feed,
		)
	}
	return repository.NewYahooMarketDataRepository(cfg.MaxConcurrency, cfg.RequestsPerSecond)
}

// InitializeDependencies opens the price store once and wires every
// service over it. CloseDependencies releases the store.
func InitializeDependencies() (*api.ApiHandler, error) {
	cfg, err := util.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	baskets := l2_service.DefaultBaskets()
	if cfg.Model.BasketsCsvPath != "" {
		baskets, err = l2_service.LoadBaskets(cfg.Model.BasketsCsvPath)
		if err != nil {
			return nil, err
		}
	}

	priceRepository, err := newPriceRepository(cfg.Store)
	if err != nil {
		return nil, err
	}
	marketDataRepository := newMarketDataRepository(cfg.Provider)

	priceService := l1_service.NewPriceService(
		priceRepository,
		marketDataRepository,
		cfg.Model.LookbackDays,
	)
	factorService := l2_service.NewFactorService(
		priceService,
		baskets,
		cfg.Model.MarketTicker,
		cfg.Model.RiskFreeTicker,
	)
	portfolioService := l3_service.NewPortfolioService(
		priceService,
		factorService,
		l2_service.NewReturnsService(),
		cfg.Model.AllowShortSales,
	)

	apiHandler := &api.ApiHandler{
		PortfolioService: portfolioService,
		PriceService:     priceService,
		FactorService:    factorService,
		Port:             cfg.Api.Port,
		JwtSecret:        cfg.Api.JwtSecret,
		TokenTtl:         time.Duration(cfg.Api.TokenTtlHours) * time.Hour,
		Logger:           logger.New(),
		Close: func() error {
			return priceRepository.Close()
		},
	}

	return apiHandler, nil
}
