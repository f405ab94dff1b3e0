package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/stockmarket/internal/domain"
	"github.com/efreitasn/stockmarket/internal/market"
)

func validateTicker(ticker string) error {
	if !tickerRegex.MatchString(ticker) {
		return &domain.ValidationError{
			Message: "ticker must match ^[A-Z0-9.]{1,12}$",
		}
	}
	return nil
}

// CheckTickerExists reports whether the market quotes ticker.
func (s *ExchangeService) CheckTickerExists(ctx context.Context, ticker string) (bool, error) {
	if err := validateTicker(ticker); err != nil {
		return false, err
	}
	_, ok, err := market.Quote(ctx, s.quotes, ticker)
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrQuoteUnavailable, err)
	}
	return ok, nil
}

// GetQuotes returns the current price of each ticker. Tickers the market
// does not know map to nil.
func (s *ExchangeService) GetQuotes(ctx context.Context, tickers []string) (map[string]*decimal.Decimal, error) {
	for _, t := range tickers {
		if err := validateTicker(t); err != nil {
			return nil, err
		}
	}

	result := make(map[string]*decimal.Decimal, len(tickers))
	if len(tickers) == 0 {
		return result, nil
	}
	quotes, err := s.quotes.Quotes(ctx, tickers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrQuoteUnavailable, err)
	}
	for _, t := range tickers {
		if p, ok := quotes[t]; ok {
			result[t] = &p
		} else {
			result[t] = nil
		}
	}
	return result, nil
}
