package l2_service

import (
	"factorfolio/internal/domain"
	"fmt"
	"os"
	"strings"

	"github.com/gocarina/gocsv"
)

const (
	SmallValue  = "small_value"
	SmallGrowth = "small_growth"
	BigValue    = "big_value"
	BigGrowth   = "big_growth"
	Winners     = "winners"
	Losers      = "losers"
)

// BasketNames is the order baskets are fetched and reported in.
var BasketNames = []string{SmallValue, SmallGrowth, BigValue, BigGrowth, Winners, Losers}

// Baskets maps each factor basket to its member tickers.
type Baskets map[string][]string

func DefaultBaskets() Baskets {
	return Baskets{
		SmallValue:  {"EVRI", "AVD", "HDSN"},
		SmallGrowth: {"ACMR", "LRN", "DGII"},
		BigValue:    {"NKE", "PFE", "UPS", "USB"},
		BigGrowth:   {"AMZN", "CRM"},
		Winners:     {"NVDA", "COHR", "APP", "MSTR"},
		Losers:      {"NFE", "NYCB"},
	}
}

func (b Baskets) Validate() error {
	for _, name := range BasketNames {
		if len(b[name]) == 0 {
			return fmt.Errorf("factor basket %s has no members", name)
		}
	}
	for name := range b {
		known := false
		for _, n := range BasketNames {
			known = known || n == name
		}
		if !known {
			return fmt.Errorf("unknown factor basket %q", name)
		}
	}
	return nil
}

type basketRow struct {
	Basket string `csv:"basket"`
	Symbol string `csv:"symbol"`
}

// LoadBaskets reads basket membership from a csv with a
// basket,symbol header.
func LoadBaskets(path string) (Baskets, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	defer f.Close()

	rows := []basketRow{}
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	out := Baskets{}
	for _, row := range rows {
		name := strings.ToLower(strings.TrimSpace(row.Basket))
		out[name] = append(out[name], row.Symbol)
	}
	for name, members := range out {
		out[name] = domain.NormalizeSymbols(members)
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("invalid baskets in %s: %w", path, err)
	}
	return out, nil
}
