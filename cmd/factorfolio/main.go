package main

import (
	"context"
	"encoding/json"
	"factorfolio/api"
	"factorfolio/cmd"
	"factorfolio/internal/domain"
	"factorfolio/internal/optimizer"
	l3_service "factorfolio/internal/service/l3"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	tickers  string
	value    float64
	strategy string
	target   float64
	port     int
)

var rootCmd = &cobra.Command{
	Use:   "factorfolio",
	Short: "Factor model portfolio optimizer",
	Long: `factorfolio estimates expected returns with a four factor model,
builds a risk matrix from cached prices and solves for mean-variance
optimal weights and whole share counts.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP api",
	RunE: func(c *cobra.Command, args []string) error {
		return withHandler(func(h *api.ApiHandler) error {
			if port != 0 {
				h.Port = port
			}
			return h.StartApi(h.Port)
		})
	},
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Compute optimal weights and share counts for a set of tickers",
	Example: `  factorfolio optimize --tickers AAPL,MSFT,KO --value 10000
  factorfolio optimize --tickers AAPL,MSFT --value 5000 --strategy efficient_risk --target 0.2`,
	RunE: func(c *cobra.Command, args []string) error {
		variant, err := optimizer.ParseVariant(strategy)
		if err != nil {
			return err
		}
		return withHandler(func(h *api.ApiHandler) error {
			ctx, profile := domain.NewCtxWithProfile(context.Background())
			result, err := h.PortfolioService.Optimize(ctx, l3_service.OptimizeInput{
				Symbols:  splitTickers(tickers),
				Value:    decimal.NewFromFloat(value),
				Strategy: variant,
				Target:   target,
			})
			profile.End()
			if err != nil {
				return err
			}
			return printJson(map[string]any{
				"modelID":    result.ModelID.String(),
				"tickers":    result.Symbols,
				"weights":    result.Weights,
				"shares":     result.Allocation.Shares(),
				"cash":       result.Allocation.Cash.StringFixed(2),
				"return":     result.Return,
				"volatility": result.Volatility,
				"sharpe":     result.Sharpe,
				"metrics":    result.Metrics,
				"profile":    profile,
			})
		})
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Refresh the local price cache for tickers",
	RunE: func(c *cobra.Command, args []string) error {
		return withHandler(func(h *api.ApiHandler) error {
			prices, err := h.PriceService.FetchPrices(context.Background(), splitTickers(tickers))
			if err != nil {
				return err
			}
			for _, symbol := range prices.Symbols {
				s := prices.Series[symbol]
				last, _ := s.Last()
				fmt.Printf("%-8s %4d days, last %s %.4f\n", symbol, s.Len(), last.Date.Format(time.DateOnly), last.Value)
			}
			return nil
		})
	},
}

var factorsCmd = &cobra.Command{
	Use:   "factors",
	Short: "Rebuild the factor set and print the latest values",
	RunE: func(c *cobra.Command, args []string) error {
		return withHandler(func(h *api.ApiHandler) error {
			f, err := h.FactorService.Rebuild(context.Background())
			if err != nil {
				return err
			}
			if f.Len() == 0 {
				return fmt.Errorf("factor set is empty")
			}
			last := f.Len() - 1
			row := f.Row(last)
			return printJson(map[string]any{
				"builtFor":      f.BuiltFor.Format(time.DateOnly),
				"days":          f.Len(),
				"asOf":          f.Dates[last].Format(time.DateOnly),
				"marketPremium": row[0],
				"smb":           row[1],
				"hml":           row[2],
				"umd":           row[3],
				"riskFree":      f.RiskFree.Points[last].Value,
			})
		})
	},
}

func withHandler(fn func(h *api.ApiHandler) error) error {
	h, err := cmd.InitializeDependencies()
	if err != nil {
		return err
	}
	defer cmd.CloseDependencies(h)
	return fn(h)
}

func splitTickers(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' '
	})
}

func printJson(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&port, "port", 0, "Port to listen on (defaults to api.port from config)")

	optimizeCmd.Flags().StringVarP(&tickers, "tickers", "t", "", "Comma separated tickers")
	optimizeCmd.Flags().Float64VarP(&value, "value", "v", 0, "Total portfolio value in USD")
	optimizeCmd.Flags().StringVar(&strategy, "strategy", string(optimizer.MaxSharpe), "max_sharpe, min_volatility, efficient_risk or efficient_return")
	optimizeCmd.Flags().Float64Var(&target, "target", 0, "Target volatility for efficient_risk, or fractional return (0.08 for 8%) for efficient_return")
	_ = optimizeCmd.MarkFlagRequired("tickers")
	_ = optimizeCmd.MarkFlagRequired("value")

	fetchCmd.Flags().StringVarP(&tickers, "tickers", "t", "", "Comma separated tickers")
	_ = fetchCmd.MarkFlagRequired("tickers")

	rootCmd.AddCommand(serveCmd, optimizeCmd, fetchCmd, factorsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
