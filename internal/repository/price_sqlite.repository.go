package repository

import (
	"context"
	"database/sql"
	"factorfolio/internal/db/models/model"
	"factorfolio/internal/db/models/sqlite/table"
	"factorfolio/internal/domain"
	"factorfolio/internal/metrics"
	"factorfolio/internal/util"
	"fmt"
	"strings"
	"time"

	. "github.com/go-jet/jet/v2/sqlite"
	_ "modernc.org/sqlite"
)

type sqlitePriceRepositoryHandler struct {
	Db     *sql.DB
	locks  *symbolLocks
	tables *knownTables
}

func sqliteDsn(dsn string) string {
	if dsn == "" || dsn == ":memory:" {
		return ":memory:"
	}
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

// NewSqlitePriceRepository opens (or creates) the sqlite price cache at
// dsn. ":memory:" gives an isolated store, which tests rely on.
func NewSqlitePriceRepository(dsn string) (PriceRepository, error) {
	dsn = sqliteDsn(dsn)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite price store: %w", err)
	}
	if dsn == ":memory:" {
		// every connection to :memory: is a different database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite price store: %w", err)
	}

	return &sqlitePriceRepositoryHandler{
		Db:     db,
		locks:  newSymbolLocks(),
		tables: &knownTables{},
	}, nil
}

func (h sqlitePriceRepositoryHandler) Close() error {
	return h.Db.Close()
}

func (h sqlitePriceRepositoryHandler) tableExists(ctx context.Context, name string) (bool, error) {
	if h.tables.has(name) {
		return true, nil
	}
	var found string
	err := h.Db.QueryRowContext(
		ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
		name,
	).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to check for table %s: %w", name, err)
	}
	h.tables.add(name)
	return true, nil
}

func (h sqlitePriceRepositoryHandler) LatestDay(ctx context.Context, symbol string) (*time.Time, error) {
	name, err := priceTableName(symbol)
	if err != nil {
		return nil, err
	}
	exists, err := h.tableExists(ctx, name)
	if err != nil || !exists {
		return nil, err
	}

	t := table.NewPriceTable(name)
	query, args := SELECT(MAXi(t.Day)).FROM(t).Sql()

	var day sql.NullInt64
	if err := h.Db.QueryRowContext(ctx, query, args...).Scan(&day); err != nil {
		return nil, fmt.Errorf("failed to get latest cached day for %s: %w", symbol, err)
	}
	if !day.Valid {
		return nil, nil
	}
	latest := util.FromEpochDay(day.Int64)
	return &latest, nil
}

func (h sqlitePriceRepositoryHandler) List(ctx context.Context, symbol string, start, end time.Time) (domain.Series, error) {
	name, err := priceTableName(symbol)
	if err != nil {
		return domain.Series{}, err
	}
	exists, err := h.tableExists(ctx, name)
	if err != nil {
		return domain.Series{}, err
	}
	if !exists {
		return domain.Series{Symbol: symbol, Points: []domain.Point{}}, nil
	}

	t := table.NewPriceTable(name)
	query, args := SELECT(t.Day, t.Price).
		FROM(t).
		WHERE(
			t.Day.BETWEEN(Int(util.EpochDay(start)), Int(util.EpochDay(end))),
		).
		ORDER_BY(t.Day.ASC()).
		Sql()

	rows, err := h.Db.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.Series{}, fmt.Errorf("failed to list prices for %s: %w", symbol, err)
	}
	return scanSeries(rows, symbol)
}

func (h sqlitePriceRepositoryHandler) Add(ctx context.Context, prices domain.PriceTable) error {
	for _, symbol := range prices.Symbols {
		rows, err := toModels(prices.Series[symbol])
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			continue
		}
		if err := h.addSymbol(ctx, symbol, rows); err != nil {
			return err
		}
	}
	return nil
}

func (h sqlitePriceRepositoryHandler) addSymbol(ctx context.Context, symbol string, rows []model.Price) error {
	name, err := priceTableName(symbol)
	if err != nil {
		return err
	}

	unlock := h.locks.lock(symbol)
	defer unlock()

	tx, err := h.Db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx for %s: %w", symbol, err)
	}
	defer tx.Rollback()

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (day INTEGER PRIMARY KEY, price REAL NOT NULL)", name)
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create price table for %s: %w", symbol, err)
	}

	t := table.NewPriceTable(name)
	for _, batch := range batches(rows, insertBatchSize) {
		query := t.
			INSERT(t.AllColumns).
			MODELS(batch).
			ON_CONFLICT(t.Day).
			DO_UPDATE(
				SET(
					t.Price.SET(t.EXCLUDED.Price),
				),
			)
		if _, err := query.ExecContext(ctx, tx); err != nil {
			return fmt.Errorf("failed to add prices for %s to db: %w", symbol, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit prices for %s: %w", symbol, err)
	}
	h.tables.add(name)
	metrics.RowsUpserted.Add(float64(len(rows)))
	return nil
}
