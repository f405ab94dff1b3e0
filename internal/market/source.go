// Package market provides the external price feed the exchange quotes
// tickers against.
package market

import (
	"context"

	"github.com/shopspring/decimal"
)

// Source returns current prices for a set of tickers. Tickers the source
// does not know are absent from the result.
type Source interface {
	Quotes(ctx context.Context, tickers []string) (map[string]decimal.Decimal, error)
}

// Quote looks up a single ticker. ok is false for an unknown ticker.
func Quote(ctx context.Context, src Source, ticker string) (price decimal.Decimal, ok bool, err error) {
	quotes, err := src.Quotes(ctx, []string{ticker})
	if err != nil {
		return decimal.Zero, false, err
	}
	price, ok = quotes[ticker]
	return price, ok, nil
}
