package util

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Provider ProviderConfig `yaml:"provider"`
	Model    ModelConfig    `yaml:"model"`
	Api      ApiConfig      `yaml:"api"`
}

type StoreConfig struct {
	// sqlite or postgres
	Driver string    `yaml:"driver"`
	Dsn    string    `yaml:"dsn"`
	Db     DbSecrets `yaml:"db"`
}

type DbSecrets struct {
	Host      string `yaml:"host"`
	User      string `yaml:"user"`
	Port      string `yaml:"port"`
	Password  string `yaml:"password"`
	Database  string `yaml:"database"`
	EnableSsl bool   `yaml:"enable_ssl"`
}

func (t DbSecrets) ToConnectionStr() string {
	x := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s",
		t.Host, t.Port, t.User, t.Password, t.Database)
	if !t.EnableSsl {
		x += " sslmode=disable"
	}
	return x
}

type ProviderConfig struct {
	// yahoo or alpaca
	Name              string  `yaml:"name"`
	MaxConcurrency    int     `yaml:"max_concurrency"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Alpaca            Alpaca  `yaml:"alpaca"`
}

type Alpaca struct {
	ApiKey    string `yaml:"api_key"`
	ApiSecret string `yaml:"api_secret"`
	DataUrl   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

type ModelConfig struct {
	LookbackDays    int    `yaml:"lookback_days"`
	MarketTicker    string `yaml:"market_ticker"`
	RiskFreeTicker  string `yaml:"risk_free_ticker"`
	BasketsCsvPath  string `yaml:"baskets_csv_path"`
	AllowShortSales bool   `yaml:"allow_short_sales"`
}

type ApiConfig struct {
	Port          int    `yaml:"port"`
	JwtSecret     string `yaml:"jwt_secret"`
	TokenTtlHours int    `yaml:"token_ttl_hours"`
}

func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{
			Driver: "sqlite",
			Dsn:    "prices.db",
		},
		Provider: ProviderConfig{
			Name:              "yahoo",
			MaxConcurrency:    5,
			RequestsPerSecond: 5,
			Alpaca: Alpaca{
				Feed: "iex",
			},
		},
		Model: ModelConfig{
			LookbackDays:   730,
			MarketTicker:   "^GSPC",
			RiskFreeTicker: "^IRX",
		},
		Api: ApiConfig{
			Port:          3009,
			TokenTtlHours: 24,
		},
	}
}

func configPath() string {
	if p := os.Getenv("FACTORFOLIO_CONFIG"); p != "" {
		return p
	}
	switch strings.ToLower(os.Getenv("FACTORFOLIO_ENV")) {
	case "dev":
		return "config-dev.yaml"
	case "test":
		return "config-test.yaml"
	}
	return "config.yaml"
}

// LoadConfig reads the yaml config selected by FACTORFOLIO_ENV over
// the defaults, then applies secret overrides from the environment. A
// missing file is not an error.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	path := configPath()

	f, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(f, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Provider.Alpaca.ApiKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Provider.Alpaca.ApiSecret = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Api.JwtSecret = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.Dsn = v
	}
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Provider.Name {
	case "yahoo":
	case "alpaca":
		if c.Provider.Alpaca.ApiKey == "" || c.Provider.Alpaca.ApiSecret == "" {
			return fmt.Errorf("alpaca provider requires api key and secret")
		}
	default:
		return fmt.Errorf("unknown market data provider %q", c.Provider.Name)
	}
	if c.Model.LookbackDays <= 0 {
		return fmt.Errorf("lookback_days must be positive, got %d", c.Model.LookbackDays)
	}
	return nil
}
