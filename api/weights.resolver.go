package api

import (
	"factorfolio/internal/calculator"
	"factorfolio/internal/domain"
	"factorfolio/internal/logger"
	"factorfolio/internal/optimizer"
	l3_service "factorfolio/internal/service/l3"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type WeightsRequest struct {
	Value    *float64 `json:"value"`
	Tickers  []string `json:"tickers"`
	Strategy string   `json:"strategy"`
	// volatility for efficient_risk, fractional return for efficient_return
	// (0.08 for 8%)
	Target *float64 `json:"target"`
}

type WeightsResponse struct {
	Status      string                             `json:"status"`
	ModelID     string                             `json:"modelID"`
	Tickers     []string                           `json:"tickers"`
	Value       float64                            `json:"value"`
	Weights     domain.PortfolioWeights            `json:"weights"`
	Shares      map[string]int64                   `json:"shares"`
	Cash        float64                            `json:"cash"`
	Return      float64                            `json:"return"`
	Volatility  float64                            `json:"volatility"`
	Sharpe      float64                            `json:"sharpe"`
	Performance domain.PerformanceCurve            `json:"performance"`
	Metrics     *calculator.CalculateMetricsResult `json:"metrics"`
	Betas       map[string][4]float64              `json:"betas"`
	Profile     *domain.Profile                    `json:"profile,omitempty"`
}

func missingParam(name string, c *gin.Context) {
	returnErrorJsonCode(fmt.Errorf("Missing JSON body param %s", name), c, http.StatusBadRequest)
}

func (m ApiHandler) weights(c *gin.Context) {
	ctx, profile := requestContext(c)
	log := logger.FromContext(ctx)

	var requestBody WeightsRequest
	if err := c.ShouldBindJSON(&requestBody); err != nil {
		returnErrorJsonCode(err, c, http.StatusBadRequest)
		return
	}
	if requestBody.Value == nil {
		missingParam("value", c)
		return
	}
	if requestBody.Tickers == nil {
		missingParam("tickers", c)
		return
	}
	strategy, err := optimizer.ParseVariant(requestBody.Strategy)
	if err != nil {
		returnErrorJsonCode(err, c, http.StatusBadRequest)
		return
	}
	target := 0.0
	if strategy == optimizer.EfficientRisk || strategy == optimizer.EfficientReturn {
		if requestBody.Target == nil {
			missingParam("target", c)
			return
		}
		target = *requestBody.Target
	}

	result, err := m.PortfolioService.Optimize(ctx, l3_service.OptimizeInput{
		Symbols:  requestBody.Tickers,
		Value:    decimal.NewFromFloat(*requestBody.Value),
		Strategy: strategy,
		Target:   target,
	})
	profile.End()
	if err != nil {
		returnDomainError(err, c)
		return
	}
	if profileBytes, err := profile.ToJsonBytes(); err == nil {
		log.Debugf("weights profile: %s", string(profileBytes))
	}

	betas := map[string][4]float64{}
	for symbol, b := range result.Betas {
		betas[symbol] = b
	}

	c.JSON(200, WeightsResponse{
		Status:      "OK",
		ModelID:     result.ModelID.String(),
		Tickers:     result.Symbols,
		Value:       *requestBody.Value,
		Weights:     result.Weights,
		Shares:      result.Allocation.Shares(),
		Cash:        result.Allocation.Cash.InexactFloat64(),
		Return:      result.Return,
		Volatility:  result.Volatility,
		Sharpe:      result.Sharpe,
		Performance: result.Performance,
		Metrics:     result.Metrics,
		Betas:       betas,
		Profile:     profile,
	})
}
