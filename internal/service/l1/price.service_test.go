package l1_service

import (
	"context"
	"errors"
	"factorfolio/internal/domain"
	"factorfolio/internal/repository"
	mock_repository "factorfolio/internal/repository/mocks"
	"factorfolio/internal/util"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// a friday
var testToday = util.NewDate(2024, 6, 14)

func daily(symbol string, start time.Time, values ...float64) domain.Series {
	points := make([]domain.Point, len(values))
	for i, v := range values {
		points[i] = domain.Point{
			Date:  start.AddDate(0, 0, i),
			Value: v,
		}
	}
	return domain.Series{Symbol: symbol, Points: points}
}

func priceTable(series ...domain.Series) domain.PriceTable {
	out := domain.NewPriceTable()
	for _, s := range series {
		out.Set(s)
	}
	return out
}

func newTestHandler(t *testing.T) (*priceServiceHandler, repository.PriceRepository, *mock_repository.MockMarketDataRepository) {
	t.Helper()
	ctrl := gomock.NewController(t)
	store, err := repository.NewSqlitePriceRepository(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	marketData := mock_repository.NewMockMarketDataRepository(ctrl)

	h := &priceServiceHandler{
		PriceRepository:      store,
		MarketDataRepository: marketData,
		LookbackDays:         730,
		now: func() time.Time {
			return testToday.Add(15 * time.Hour)
		},
	}
	return h, store, marketData
}

func Test_priceServiceHandler_FetchPrices(t *testing.T) {
	ctx := context.Background()
	windowStart := testToday.AddDate(0, 0, -730)

	t.Run("cold cache fetches the full window", func(t *testing.T) {
		h, _, marketData := newTestHandler(t)
		start := testToday.AddDate(0, 0, -2)

		marketData.EXPECT().
			Fetch(gomock.Any(), []string{"AAPL", "MSFT"}, windowStart, testToday).
			Return(priceTable(
				daily("AAPL", start, 1, 2, 3),
				daily("MSFT", start, 4, 5, 6),
			), nil)

		out, err := h.FetchPrices(ctx, []string{"aapl", " MSFT", "AAPL"})
		require.NoError(t, err)
		require.Equal(t, []string{"AAPL", "MSFT"}, out.Symbols)
		require.Equal(t, "", cmp.Diff(daily("AAPL", start, 1, 2, 3), out.Series["AAPL"]))
		require.Equal(t, []float64{4, 5, 6}, out.Series["MSFT"].Values())
	})

	t.Run("fresh cache skips the provider", func(t *testing.T) {
		h, store, _ := newTestHandler(t)
		require.NoError(t, store.Add(ctx, priceTable(
			daily("AAPL", testToday.AddDate(0, 0, -2), 1, 2),
		)))

		// no Fetch expectation: a provider call fails the test
		out, err := h.FetchPrices(ctx, []string{"AAPL"})
		require.NoError(t, err)
		require.Equal(t, []float64{1, 2}, out.Series["AAPL"].Values())
	})

	t.Run("weekend counts friday as current", func(t *testing.T) {
		h, store, _ := newTestHandler(t)
		h.now = func() time.Time {
			return testToday.AddDate(0, 0, 2)
		}
		require.NoError(t, store.Add(ctx, priceTable(
			daily("AAPL", testToday, 7),
		)))

		out, err := h.FetchPrices(ctx, []string{"AAPL"})
		require.NoError(t, err)
		require.Equal(t, []float64{7}, out.Series["AAPL"].Values())
	})

	t.Run("bar for today is refetched and overwritten", func(t *testing.T) {
		h, store, marketData := newTestHandler(t)
		require.NoError(t, store.Add(ctx, priceTable(
			daily("AAPL", testToday.AddDate(0, 0, -2), 1, 2, 3),
		)))

		marketData.EXPECT().
			Fetch(gomock.Any(), []string{"AAPL"}, testToday, testToday).
			Return(priceTable(daily("AAPL", testToday, 3.5)), nil)

		out, err := h.FetchPrices(ctx, []string{"AAPL"})
		require.NoError(t, err)
		require.Equal(t, []float64{1, 2, 3.5}, out.Series["AAPL"].Values())
	})

	t.Run("stale ticker fetches from its latest cached day", func(t *testing.T) {
		h, store, marketData := newTestHandler(t)
		stale := testToday.AddDate(0, 0, -4)
		require.NoError(t, store.Add(ctx, priceTable(
			daily("AAPL", stale.AddDate(0, 0, -1), 1, 2),
			daily("MSFT", testToday.AddDate(0, 0, -1), 3, 4),
		)))

		marketData.EXPECT().
			Fetch(gomock.Any(), []string{"AAPL", "MSFT"}, stale, testToday).
			Return(priceTable(
				daily("AAPL", stale, 2.5, 3, 4, 5, 6),
				daily("MSFT", stale, 1, 2, 3, 4, 5),
			), nil)

		out, err := h.FetchPrices(ctx, []string{"AAPL", "MSFT"})
		require.NoError(t, err)
		require.Equal(t, []float64{1, 2.5, 3, 4, 5, 6}, out.Series["AAPL"].Values())
		require.Equal(t, []float64{1, 2, 3, 4, 5}, out.Series["MSFT"].Values())
	})

	t.Run("empty column fails without writing", func(t *testing.T) {
		h, store, marketData := newTestHandler(t)
		start := testToday.AddDate(0, 0, -2)

		marketData.EXPECT().
			Fetch(gomock.Any(), []string{"AAPL", "ZZZZ"}, windowStart, testToday).
			Return(priceTable(
				daily("AAPL", start, 1, 2, 3),
				daily("ZZZZ", start),
			), nil)

		_, err := h.FetchPrices(ctx, []string{"AAPL", "ZZZZ"})
		require.Error(t, err)

		te, ok := domain.AsTickerError(err)
		require.True(t, ok)
		require.Equal(t, domain.TickerDataInvalid, te.Kind)
		require.Equal(t, "ZZZZ", te.Ticker())

		for _, symbol := range []string{"AAPL", "ZZZZ"} {
			latest, err := store.LatestDay(ctx, symbol)
			require.NoError(t, err)
			require.Nil(t, latest, symbol)
		}
	})

	t.Run("gap in one column fails the batch", func(t *testing.T) {
		h, store, marketData := newTestHandler(t)
		start := testToday.AddDate(0, 0, -2)
		gappy := daily("MSFT", start, 4, 5, 6)
		gappy.Points = append(gappy.Points[:1], gappy.Points[2:]...)

		marketData.EXPECT().
			Fetch(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(priceTable(daily("AAPL", start, 1, 2, 3), gappy), nil)

		_, err := h.FetchPrices(ctx, []string{"AAPL", "MSFT"})
		te, ok := domain.AsTickerError(err)
		require.True(t, ok)
		require.Equal(t, domain.TickerDataInvalid, te.Kind)
		require.Equal(t, "MSFT", te.Ticker())

		latest, err := store.LatestDay(ctx, "AAPL")
		require.NoError(t, err)
		require.Nil(t, latest)
	})

	t.Run("provider failure names the tickers", func(t *testing.T) {
		h, _, marketData := newTestHandler(t)
		marketData.EXPECT().
			Fetch(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(domain.PriceTable{}, errors.New("connection reset"))

		_, err := h.FetchPrices(ctx, []string{"AAPL", "MSFT"})
		te, ok := domain.AsTickerError(err)
		require.True(t, ok)
		require.Equal(t, domain.TickerFetchFailed, te.Kind)
		require.Equal(t, []string{"AAPL", "MSFT"}, te.Tickers)
	})

	t.Run("invalid symbol", func(t *testing.T) {
		h, _, _ := newTestHandler(t)
		_, err := h.FetchPrices(ctx, []string{"AAPL", "DROP TABLE"})
		te, ok := domain.AsTickerError(err)
		require.True(t, ok)
		require.Equal(t, "DROP TABLE", te.Ticker())
	})
}

func Test_isCurrent(t *testing.T) {
	day := func(d time.Time) *time.Time {
		return &d
	}
	thursday := testToday.AddDate(0, 0, -1)
	saturday := testToday.AddDate(0, 0, 1)
	monday := testToday.AddDate(0, 0, 3)

	require.False(t, isCurrent(nil, testToday))
	require.True(t, isCurrent(day(thursday), testToday))
	require.False(t, isCurrent(day(thursday.AddDate(0, 0, -1)), testToday))
	require.False(t, isCurrent(day(testToday), testToday))
	require.True(t, isCurrent(day(testToday), saturday))
	require.True(t, isCurrent(day(testToday), monday))
	require.False(t, isCurrent(day(thursday), monday))
}

func Test_priceServiceHandler_storeFailures(t *testing.T) {
	ctx := context.Background()

	newHandler := func(t *testing.T) (*priceServiceHandler, *mock_repository.MockPriceRepository, *mock_repository.MockMarketDataRepository) {
		ctrl := gomock.NewController(t)
		store := mock_repository.NewMockPriceRepository(ctrl)
		marketData := mock_repository.NewMockMarketDataRepository(ctrl)
		return &priceServiceHandler{
			PriceRepository:      store,
			MarketDataRepository: marketData,
			LookbackDays:         730,
			now: func() time.Time {
				return testToday.Add(15 * time.Hour)
			},
		}, store, marketData
	}

	t.Run("cache lookup failure never reaches the provider", func(t *testing.T) {
		h, store, _ := newHandler(t)
		store.EXPECT().
			LatestDay(gomock.Any(), "AAPL").
			Return(nil, errors.New("database is locked"))

		_, err := h.FetchPrices(ctx, []string{"AAPL"})
		require.ErrorContains(t, err, "database is locked")
		_, ok := domain.AsTickerError(err)
		require.False(t, ok)
	})

	t.Run("write failure skips the read back", func(t *testing.T) {
		h, store, marketData := newHandler(t)
		fetched := priceTable(daily("AAPL", testToday.AddDate(0, 0, -1), 1, 2))

		store.EXPECT().
			LatestDay(gomock.Any(), "AAPL").
			Return(nil, nil)
		marketData.EXPECT().
			Fetch(gomock.Any(), []string{"AAPL"}, testToday.AddDate(0, 0, -730), testToday).
			Return(fetched, nil)
		store.EXPECT().
			Add(gomock.Any(), gomock.Any()).
			Return(errors.New("disk full"))

		_, err := h.FetchPrices(ctx, []string{"AAPL"})
		require.ErrorContains(t, err, "failed to store fetched prices")
	})
}
