package repository

import (
	"context"
	"database/sql"
	"factorfolio/internal/db/models/model"
	"factorfolio/internal/db/models/postgres/public/table"
	"factorfolio/internal/domain"
	"factorfolio/internal/metrics"
	"factorfolio/internal/util"
	"fmt"
	"time"

	. "github.com/go-jet/jet/v2/postgres"
	_ "github.com/lib/pq"
)

type postgresPriceRepositoryHandler struct {
	Db     *sql.DB
	locks  *symbolLocks
	tables *knownTables
}

// NewPostgresPriceRepository wraps an open postgres connection. The
// handler owns db and closes it on Close.
func NewPostgresPriceRepository(db *sql.DB) PriceRepository {
	return &postgresPriceRepositoryHandler{
		Db:     db,
		locks:  newSymbolLocks(),
		tables: &knownTables{},
	}
}

func (h postgresPriceRepositoryHandler) Close() error {
	return h.Db.Close()
}

func (h postgresPriceRepositoryHandler) tableExists(ctx context.Context, name string) (bool, error) {
	if h.tables.has(name) {
		return true, nil
	}
	var found sql.NullString
	err := h.Db.QueryRowContext(ctx, "SELECT to_regclass($1)::text", name).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("failed to check for table %s: %w", name, err)
	}
	if !found.Valid {
		return false, nil
	}
	h.tables.add(name)
	return true, nil
}

func (h postgresPriceRepositoryHandler) LatestDay(ctx context.Context, symbol string) (*time.Time, error) {
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

func (h postgresPriceRepositoryHandler) List(ctx context.Context, symbol string, start, end time.Time) (domain.Series, error) {
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

func (h postgresPriceRepositoryHandler) Add(ctx context.Context, prices domain.PriceTable) error {
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

func (h postgresPriceRepositoryHandler) addSymbol(ctx context.Context, symbol string, rows []model.Price) error {
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

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (day BIGINT PRIMARY KEY, price DOUBLE PRECISION NOT NULL)", name)
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
