package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type UpdatePricesRequest struct {
	Tickers []string `json:"tickers"`
}

func (m ApiHandler) updatePrices(c *gin.Context) {
	ctx, _ := requestContext(c)

	var requestBody UpdatePricesRequest
	if err := c.ShouldBindJSON(&requestBody); err != nil {
		returnErrorJsonCode(err, c, http.StatusBadRequest)
		return
	}
	if requestBody.Tickers == nil {
		missingParam("tickers", c)
		return
	}

	prices, err := m.PriceService.FetchPrices(ctx, requestBody.Tickers)
	if err != nil {
		returnDomainError(err, c)
		return
	}

	days := map[string]int{}
	for _, symbol := range prices.Symbols {
		days[symbol] = prices.Series[symbol].Len()
	}

	c.JSON(200, gin.H{
		"status": "OK",
		"days":   days,
	})
}

func (m ApiHandler) rebuildFactors(c *gin.Context) {
	ctx, _ := requestContext(c)

	factors, err := m.FactorService.Rebuild(ctx)
	if err != nil {
		returnDomainError(err, c)
		return
	}

	c.JSON(200, gin.H{
		"status":   "OK",
		"builtFor": factors.BuiltFor.Format("2006-01-02"),
		"days":     factors.Len(),
	})
}
