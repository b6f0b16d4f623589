package table

import (
	"github.com/go-jet/jet/v2/sqlite"
)

type priceTable struct {
	sqlite.Table

	// Columns
	Day   sqlite.ColumnInteger
	Price sqlite.ColumnFloat

	AllColumns     sqlite.ColumnList
	MutableColumns sqlite.ColumnList
}

// PriceTable is the per-symbol price partition. Every symbol gets its
// own table with this shape.
type PriceTable struct {
	priceTable

	EXCLUDED priceTable
}

// AS creates new PriceTable with assigned alias
func (a PriceTable) AS(alias string) *PriceTable {
	return newPriceTable(a.SchemaName(), a.TableName(), alias)
}

// NewPriceTable returns the price table with the given name.
func NewPriceTable(tableName string) *PriceTable {
	return newPriceTable("", tableName, "")
}

func newPriceTable(schemaName, tableName, alias string) *PriceTable {
	return &PriceTable{
		priceTable: newPriceTableImpl(schemaName, tableName, alias),
		EXCLUDED:   newPriceTableImpl("", "excluded", ""),
	}
}

func newPriceTableImpl(schemaName, tableName, alias string) priceTable {
	var (
		DayColumn      = sqlite.IntegerColumn("day")
		PriceColumn    = sqlite.FloatColumn("price")
		allColumns     = sqlite.ColumnList{DayColumn, PriceColumn}
		mutableColumns = sqlite.ColumnList{PriceColumn}
	)

	return priceTable{
		Table: sqlite.NewTable(schemaName, tableName, alias, allColumns...),

		//Columns
		Day:   DayColumn,
		Price: PriceColumn,

		AllColumns:     allColumns,
		MutableColumns: mutableColumns,
	}
}
