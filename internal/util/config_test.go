package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("missing file uses defaults", func(t *testing.T) {
		t.Setenv("FACTORFOLIO_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
		cfg, err := LoadConfig()
		require.NoError(t, err)
		require.Equal(t, DefaultConfig(), *cfg)
	})

	t.Run("file values and env overrides", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		err := os.WriteFile(path, []byte(`
store:
  driver: sqlite
  dsn: ":memory:"
model:
  lookback_days: 800
  market_ticker: SPY
api:
  port: 8080
`), 0o600)
		require.NoError(t, err)
		t.Setenv("FACTORFOLIO_CONFIG", path)
		t.Setenv("JWT_SECRET", "shh")

		cfg, err := LoadConfig()
		require.NoError(t, err)
		require.Equal(t, ":memory:", cfg.Store.Dsn)
		require.Equal(t, 800, cfg.Model.LookbackDays)
		require.Equal(t, "SPY", cfg.Model.MarketTicker)
		require.Equal(t, "^IRX", cfg.Model.RiskFreeTicker)
		require.Equal(t, 8080, cfg.Api.Port)
		require.Equal(t, "shh", cfg.Api.JwtSecret)
	})

	t.Run("alpaca requires credentials", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Provider.Name = "alpaca"
		require.Error(t, cfg.Validate())
	})
}
