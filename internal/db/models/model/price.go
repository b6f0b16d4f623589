package model

// Price is one cached closing price. Day is the UTC epoch day.
type Price struct {
	Day   int64 `sql:"primary_key"`
	Price float64
}
