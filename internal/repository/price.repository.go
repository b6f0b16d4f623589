package repository

import (
	"context"
	"database/sql"
	"factorfolio/internal/db/models/model"
	"factorfolio/internal/domain"
	"factorfolio/internal/util"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"
)

// PriceRepository is the local closing-price cache. Each symbol is
// stored in its own partition keyed by epoch day.
type PriceRepository interface {
	// LatestDay returns the most recent cached day for symbol, or nil
	// if nothing is cached.
	LatestDay(ctx context.Context, symbol string) (*time.Time, error)
	// List returns cached prices between start and end inclusive.
	// Missing days are omitted.
	List(ctx context.Context, symbol string, start, end time.Time) (domain.Series, error)
	// Add upserts every series in the table by (symbol, day).
	Add(ctx context.Context, prices domain.PriceTable) error
	Close() error
}

const insertBatchSize = 500

var symbolPattern = regexp.MustCompile(`^[A-Z0-9.^=\-]{1,20}$`)

func ValidSymbol(symbol string) bool {
	return symbolPattern.MatchString(symbol)
}

// priceTableName maps a canonical symbol onto a safe, unique table
// name. Characters outside [A-Z0-9] are hex escaped behind "_x".
func priceTableName(symbol string) (string, error) {
	if !ValidSymbol(symbol) {
		return "", fmt.Errorf("invalid symbol %q", symbol)
	}
	b := strings.Builder{}
	b.WriteString("price_")
	for _, r := range symbol {
		switch {
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r - 'A' + 'a')
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, "_x%02x", r)
		}
	}
	return b.String(), nil
}

// symbolLocks serializes writers per symbol. Readers never take it.
type symbolLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSymbolLocks() *symbolLocks {
	return &symbolLocks{
		locks: map[string]*sync.Mutex{},
	}
}

func (l *symbolLocks) lock(symbol string) func() {
	l.mu.Lock()
	m, ok := l.locks[symbol]
	if !ok {
		m = &sync.Mutex{}
		l.locks[symbol] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// knownTables remembers partitions that exist so reads can skip the
// catalog lookup.
type knownTables struct {
	mu     sync.RWMutex
	tables map[string]bool
}

func (k *knownTables) has(name string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.tables[name]
}

func (k *knownTables) add(name string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.tables == nil {
		k.tables = map[string]bool{}
	}
	k.tables[name] = true
}

func toModels(series domain.Series) ([]model.Price, error) {
	out := make([]model.Price, 0, len(series.Points))
	for _, p := range series.Points {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) || p.Value <= 0 {
			return nil, fmt.Errorf("refusing to store non-positive price %f for %s on %s", p.Value, series.Symbol, p.Date.Format(time.DateOnly))
		}
		out = append(out, model.Price{
			Day:   util.EpochDay(p.Date),
			Price: p.Value,
		})
	}
	return out, nil
}

func batches(rows []model.Price, size int) [][]model.Price {
	out := [][]model.Price{}
	for len(rows) > 0 {
		n := size
		if len(rows) < n {
			n = len(rows)
		}
		out = append(out, rows[:n])
		rows = rows[n:]
	}
	return out
}

func scanSeries(rows *sql.Rows, symbol string) (domain.Series, error) {
	defer rows.Close()
	out := domain.Series{
		Symbol: symbol,
		Points: []domain.Point{},
	}
	for rows.Next() {
		var (
			day   int64
			price float64
		)
		if err := rows.Scan(&day, &price); err != nil {
			return domain.Series{}, fmt.Errorf("failed to scan price row for %s: %w", symbol, err)
		}
		out.Points = append(out.Points, domain.Point{
			Date:  util.FromEpochDay(day),
			Value: price,
		})
	}
	if err := rows.Err(); err != nil {
		return domain.Series{}, fmt.Errorf("failed to read prices for %s: %w", symbol, err)
	}
	return out, nil
}
