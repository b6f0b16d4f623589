package domain

import (
	"errors"
	"fmt"
	"strings"
)

type TickerErrorKind string

const (
	TickerFetchFailed   TickerErrorKind = "TICKER_FETCH_FAILED"
	TickerDataInvalid   TickerErrorKind = "TICKER_DATA_INVALID"
	InsufficientHistory TickerErrorKind = "INSUFFICIENT_HISTORY"
)

// TickerError is a failure attributable to specific tickers. It is
// returned unmodified (wrapped with context) through every pipeline
// stage so the boundary can tell the caller which ticker to drop.
type TickerError struct {
	Kind    TickerErrorKind
	Tickers []string
	Reason  string
	Err     error
}

func (e *TickerError) Error() string {
	msg := fmt.Sprintf("%s for %s", strings.ToLower(string(e.Kind)), strings.Join(e.Tickers, ", "))
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TickerError) Unwrap() error {
	return e.Err
}

// Ticker returns the first offending ticker, which is what the
// caller needs to resubmit without it.
func (e *TickerError) Ticker() string {
	if len(e.Tickers) == 0 {
		return ""
	}
	return e.Tickers[0]
}

func NewTickerFetchFailed(tickers []string, err error) *TickerError {
	return &TickerError{
		Kind:    TickerFetchFailed,
		Tickers: tickers,
		Reason:  "market data provider request failed",
		Err:     err,
	}
}

func NewTickerDataInvalid(ticker string, reason string) *TickerError {
	return &TickerError{
		Kind:    TickerDataInvalid,
		Tickers: []string{ticker},
		Reason:  reason,
	}
}

func NewInsufficientHistory(ticker string, got, want int) *TickerError {
	return &TickerError{
		Kind:    InsufficientHistory,
		Tickers: []string{ticker},
		Reason:  fmt.Sprintf("need at least %d trading days of prices, got %d", want, got),
	}
}

// AsTickerError unwraps err into a *TickerError if one is present.
func AsTickerError(err error) (*TickerError, bool) {
	var te *TickerError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

var ErrOptimizationInfeasible = errors.New("optimization infeasible")
