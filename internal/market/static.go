package market

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// StaticSource is an in-memory Source whose prices are set by hand.
type StaticSource struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticSource creates a source seeded with prices.
func NewStaticSource(prices map[string]decimal.Decimal) *StaticSource {
	s := &StaticSource{prices: make(map[string]decimal.Decimal, len(prices))}
	for t, p := range prices {
		s.prices[t] = p
	}
	return s
}

// ParseStaticQuotes parses "TICKER=PRICE" pairs separated by commas, e.g.
// "PETR4=30.5,VALE3=61".
func ParseStaticQuotes(list string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(list, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		ticker, raw, ok := strings.Cut(pair, "=")
		if !ok || ticker == "" {
			return nil, fmt.Errorf("invalid quote %q: want TICKER=PRICE", pair)
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid price for %s: %w", ticker, err)
		}
		prices[strings.TrimSpace(ticker)] = price
	}
	return prices, nil
}

// Set publishes a price for ticker.
func (s *StaticSource) Set(ticker string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[ticker] = price
}

// Delete makes ticker unknown.
func (s *StaticSource) Delete(ticker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prices, ticker)
}

func (s *StaticSource) Quotes(_ context.Context, tickers []string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(tickers))
	for _, t := range tickers {
		if p, ok := s.prices[t]; ok {
			out[t] = p
		}
	}
	return out, nil
}
