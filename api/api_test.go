package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"factorfolio/internal/domain"
	"factorfolio/internal/optimizer"
	l2_service "factorfolio/internal/service/l2"
	l3_service "factorfolio/internal/service/l3"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type fakePortfolioService struct {
	err  error
	last l3_service.OptimizeInput
}

func (f *fakePortfolioService) BuildModel(ctx context.Context, symbols []string) (*l3_service.Model, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakePortfolioService) Optimize(ctx context.Context, in l3_service.OptimizeInput) (*l3_service.PortfolioResult, error) {
	f.last = in
	if f.err != nil {
		return nil, f.err
	}
	weights, _ := domain.NewPortfolioWeights([]string{"B", "A"}, []float64{0.6, 0.4})
	return &l3_service.PortfolioResult{
		ModelID: uuid.New(),
		Symbols: []string{"B", "A"},
		Weights: weights,
		Allocation: &domain.Allocation{
			Positions: map[string]*domain.Position{
				"B": {Symbol: "B", Quantity: 6, Price: decimal.NewFromInt(100), Value: decimal.NewFromInt(600)},
				"A": {Symbol: "A", Quantity: 4, Price: decimal.NewFromInt(99), Value: decimal.NewFromInt(396)},
			},
			Cash: decimal.NewFromInt(4),
		},
		Return:     0.08,
		Volatility: 0.2,
		Sharpe:     0.35,
	}, nil
}

func newTestRouter(svc l3_service.PortfolioService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return ApiHandler{
		PortfolioService: svc,
		JwtSecret:        testSecret,
	}.InitializeRouterEngine()
}

func doRequest(router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func validToken(t *testing.T) string {
	token, err := createToken(testSecret, time.Now().UTC(), time.Hour)
	require.NoError(t, err)
	return token
}

func TestHealthcheck(t *testing.T) {
	w := doRequest(newTestRouter(&fakePortfolioService{}), "GET", "/healthcheck", "", nil)
	require.Equal(t, 200, w.Code)
	require.JSONEq(t, `{"status":"OK"}`, w.Body.String())
}

func TestAuth(t *testing.T) {
	router := newTestRouter(&fakePortfolioService{})
	body := map[string]any{"value": 1000, "tickers": []string{"A", "B"}}

	t.Run("issued token is accepted", func(t *testing.T) {
		w := doRequest(router, "POST", "/auth", "", nil)
		require.Equal(t, 200, w.Code)
		var resp struct {
			Token string `json:"token"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotEmpty(t, resp.Token)

		w = doRequest(router, "PUT", "/weights", resp.Token, body)
		require.Equal(t, 200, w.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		w := doRequest(router, "PUT", "/weights", "", body)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := createToken("other", time.Now().UTC(), time.Hour)
		require.NoError(t, err)
		w := doRequest(router, "PUT", "/weights", token, body)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := createToken(testSecret, time.Now().UTC().Add(-48*time.Hour), 24*time.Hour)
		require.NoError(t, err)
		w := doRequest(router, "PUT", "/weights", token, body)
		require.Equal(t, http.StatusUnauthorized, w.Code)
		require.Contains(t, w.Body.String(), "expired")
	})

	t.Run("bearer prefix", func(t *testing.T) {
		w := doRequest(router, "PUT", "/weights", "Bearer "+validToken(t), body)
		require.Equal(t, 200, w.Code)
	})
}

func TestWeights(t *testing.T) {
	t.Run("success keeps ticker order", func(t *testing.T) {
		svc := &fakePortfolioService{}
		w := doRequest(newTestRouter(svc), "PUT", "/weights", validToken(t), map[string]any{
			"value":   1000,
			"tickers": []string{"b", "a"},
		})
		require.Equal(t, 200, w.Code)
		require.Contains(t, w.Body.String(), `"weights":{"B":0.6,"A":0.4}`)

		var resp WeightsResponse
		require.NoError(t, json.Unmarshal([]byte(stripOrdered(w.Body.Bytes())), &resp))
		require.Equal(t, "OK", resp.Status)
		require.Equal(t, map[string]int64{"A": 4, "B": 6}, resp.Shares)
		require.Equal(t, 4.0, resp.Cash)
		require.Equal(t, []string{"b", "a"}, svc.last.Symbols)
		require.True(t, svc.last.Value.Equal(decimal.NewFromInt(1000)))
	})

	t.Run("missing value", func(t *testing.T) {
		w := doRequest(newTestRouter(&fakePortfolioService{}), "PUT", "/weights", validToken(t), map[string]any{
			"tickers": []string{"A"},
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "Missing JSON body param value")
	})

	t.Run("target required for efficient risk", func(t *testing.T) {
		w := doRequest(newTestRouter(&fakePortfolioService{}), "PUT", "/weights", validToken(t), map[string]any{
			"value":    1000,
			"tickers":  []string{"A"},
			"strategy": "efficient_risk",
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "Missing JSON body param target")
	})

	t.Run("unknown strategy", func(t *testing.T) {
		w := doRequest(newTestRouter(&fakePortfolioService{}), "PUT", "/weights", validToken(t), map[string]any{
			"value":    1000,
			"tickers":  []string{"A"},
			"strategy": "risk_parity",
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("ticker failure names the ticker", func(t *testing.T) {
		svc := &fakePortfolioService{
			err: fmt.Errorf("failed to fetch prices: %w", domain.NewTickerDataInvalid("ZZZZ", "provider returned no prices")),
		}
		w := doRequest(newTestRouter(svc), "PUT", "/weights", validToken(t), map[string]any{
			"value":   1000,
			"tickers": []string{"ZZZZ"},
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.JSONEq(t, `{"status":"failure","error":{"ticker":"ZZZZ","tickers":["ZZZZ"],"reason":"provider returned no prices"}}`, w.Body.String())
	})

	t.Run("provider failure names every ticker and the cause", func(t *testing.T) {
		svc := &fakePortfolioService{
			err: fmt.Errorf("failed to fetch prices: %w", domain.NewTickerFetchFailed([]string{"AAPL", "MSFT"}, errors.New("connection reset"))),
		}
		w := doRequest(newTestRouter(svc), "PUT", "/weights", validToken(t), map[string]any{
			"value":   1000,
			"tickers": []string{"AAPL", "MSFT"},
		})
		require.Equal(t, http.StatusBadGateway, w.Code)
		require.JSONEq(t, `{"status":"failure","error":{
			"ticker":"AAPL",
			"tickers":["AAPL","MSFT"],
			"reason":"market data provider request failed",
			"cause":"connection reset"
		}}`, w.Body.String())
	})

	t.Run("efficient return target is fractional", func(t *testing.T) {
		svc := &fakePortfolioService{}
		w := doRequest(newTestRouter(svc), "PUT", "/weights", validToken(t), map[string]any{
			"value":    1000,
			"tickers":  []string{"A", "B"},
			"strategy": "efficient_return",
			"target":   0.08,
		})
		require.Equal(t, 200, w.Code)
		require.Equal(t, optimizer.EfficientReturn, svc.last.Strategy)
		require.Equal(t, 0.08, svc.last.Target)

		var resp WeightsResponse
		require.NoError(t, json.Unmarshal([]byte(stripOrdered(w.Body.Bytes())), &resp))
		require.Equal(t, 0.08, resp.Return)
	})

	t.Run("infeasible", func(t *testing.T) {
		svc := &fakePortfolioService{
			err: fmt.Errorf("failed to optimize: %w", domain.ErrOptimizationInfeasible),
		}
		w := doRequest(newTestRouter(svc), "PUT", "/weights", validToken(t), map[string]any{
			"value":   1000,
			"tickers": []string{"A"},
		})
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})
}

type stubPriceService struct {
	table domain.PriceTable
}

func (s stubPriceService) FetchPrices(ctx context.Context, symbols []string) (domain.PriceTable, error) {
	return s.table, nil
}

type stubFactorService struct{}

func (stubFactorService) Factors(ctx context.Context) (*l2_service.FactorSet, error) {
	day := time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC)
	return &l2_service.FactorSet{
		Dates:    []time.Time{day},
		RiskFree: domain.Series{Symbol: "^IRX", Points: []domain.Point{{Date: day, Value: 1.01}}},
		BuiltFor: day,
	}, nil
}

func (s stubFactorService) Rebuild(ctx context.Context) (*l2_service.FactorSet, error) {
	return s.Factors(ctx)
}

type stubReturnsService map[string]float64

func (s stubReturnsService) ExpectedReturn(ctx context.Context, rates domain.Series, factors *l2_service.FactorSet) (*l2_service.ExpectedReturn, error) {
	return &l2_service.ExpectedReturn{Symbol: rates.Symbol, Value: s[rates.Symbol]}, nil
}

func TestWeights_risklessAsset(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	steady := domain.Series{Symbol: "A"}
	flat := domain.Series{Symbol: "B"}
	for i := 0; i < 300; i++ {
		day := start.AddDate(0, 0, i)
		x := float64(i)
		steady.Points = append(steady.Points, domain.Point{Date: day, Value: 100 * math.Pow(1.001, x) * (1 + 0.002*math.Sin(x))})
		flat.Points = append(flat.Points, domain.Point{Date: day, Value: 20})
	}
	table := domain.NewPriceTable()
	table.Set(steady)
	table.Set(flat)

	svc := l3_service.NewPortfolioService(
		stubPriceService{table: table},
		stubFactorService{},
		stubReturnsService{"A": 1.10, "B": 1.02},
		false,
	)
	w := doRequest(newTestRouter(svc), "PUT", "/weights", validToken(t), map[string]any{
		"value":   10000,
		"tickers": []string{"A", "B"},
	})
	require.Equal(t, 200, w.Code)
	require.NotEmpty(t, w.Body.Bytes())

	var resp WeightsResponse
	require.NoError(t, json.Unmarshal([]byte(stripOrdered(w.Body.Bytes())), &resp))
	require.Equal(t, "OK", resp.Status)
	require.False(t, math.IsInf(resp.Sharpe, 0) || math.IsNaN(resp.Sharpe))
	require.Greater(t, resp.Sharpe, 0.0)
}

// stripOrdered drops the fields with custom ordered encodings so the
// rest of the response can be decoded into plain Go values.
func stripOrdered(body []byte) string {
	var raw map[string]json.RawMessage
	_ = json.Unmarshal(body, &raw)
	delete(raw, "weights")
	delete(raw, "performance")
	out, _ := json.Marshal(raw)
	return string(out)
}
