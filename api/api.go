package api

import (
	"bytes"
	"context"
	"errors"
	"factorfolio/internal/domain"
	"factorfolio/internal/logger"
	l1_service "factorfolio/internal/service/l1"
	l2_service "factorfolio/internal/service/l2"
	l3_service "factorfolio/internal/service/l3"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type ApiHandler struct {
	PortfolioService l3_service.PortfolioService
	PriceService     l1_service.PriceService
	FactorService    l2_service.FactorService
	Port             int
	JwtSecret        string
	TokenTtl         time.Duration
	Logger           *zap.SugaredLogger
	// Close releases whatever the handler's dependencies hold open
	Close func() error
}

func (m ApiHandler) InitializeRouterEngine() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:          12 * time.Hour,
	}))
	router.Use(m.logRequestMiddleware)

	router.GET("/", func(ctx *gin.Context) {
		ctx.JSON(200, map[string]string{"message": "welcome to factorfolio"})
	})
	router.GET("/healthcheck", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "OK"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST("/auth", m.issueToken)
	router.PUT("/weights", m.authMiddleware(), m.weights)
	router.POST("/prices", m.authMiddleware(), m.updatePrices)
	router.POST("/factors/rebuild", m.authMiddleware(), m.rebuildFactors)

	return router
}

func (m ApiHandler) StartApi(port int) error {
	return m.InitializeRouterEngine().Run(fmt.Sprintf(":%d", port))
}

func (m ApiHandler) logger() *zap.SugaredLogger {
	if m.Logger != nil {
		return m.Logger
	}
	return zap.S()
}

// requestContext derives the pipeline context for a request, carrying
// the request scoped logger and a fresh profile.
func requestContext(c *gin.Context) (context.Context, *domain.Profile) {
	return domain.NewCtxWithProfile(c.Request.Context())
}

func returnErrorJson(err error, c *gin.Context) {
	returnErrorJsonCode(err, c, http.StatusInternalServerError)
}

func returnErrorJsonCode(err error, c *gin.Context, code int) {
	logger.FromContext(c.Request.Context()).Errorf("request failed with %d: %v", code, err)
	c.AbortWithStatusJSON(code, gin.H{
		"status": "failure",
		"error":  err.Error(),
	})
}

// returnDomainError maps pipeline failures onto responses. Ticker
// failures name every offending ticker so the caller can resubmit
// without them. A provider failure is upstream, so it maps to 502.
func returnDomainError(err error, c *gin.Context) {
	if tickerErr, ok := domain.AsTickerError(err); ok {
		logger.FromContext(c.Request.Context()).Warnf("ticker failure: %v", err)
		code := http.StatusBadRequest
		if tickerErr.Kind == domain.TickerFetchFailed {
			code = http.StatusBadGateway
		}
		body := gin.H{
			"ticker":  tickerErr.Ticker(),
			"tickers": tickerErr.Tickers,
			"reason":  tickerErr.Reason,
		}
		if tickerErr.Err != nil {
			body["cause"] = tickerErr.Err.Error()
		}
		c.AbortWithStatusJSON(code, gin.H{
			"status": "failure",
			"error":  body,
		})
		return
	}
	if errors.Is(err, domain.ErrOptimizationInfeasible) {
		returnErrorJsonCode(err, c, http.StatusUnprocessableEntity)
		return
	}
	returnErrorJson(err, c)
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (r responseBodyWriter) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (m ApiHandler) logRequestMiddleware(c *gin.Context) {
	w := &responseBodyWriter{body: &bytes.Buffer{}, ResponseWriter: c.Writer}
	c.Writer = w

	requestID := uuid.New()
	log := m.logger().With(
		"requestID", requestID.String(),
		"method", c.Request.Method,
		"route", c.Request.URL.Path,
	)
	c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context(), log))

	start := time.Now().UTC()
	c.Next()

	fields := []interface{}{
		"status", c.Writer.Status(),
		"durationMs", time.Since(start).Milliseconds(),
		"ip", c.ClientIP(),
	}
	if c.Writer.Status() >= 400 {
		fields = append(fields, "response", w.body.String())
	}
	log.Infow("handled request", fields...)
}
