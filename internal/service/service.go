// Package service implements the broker-facing operations of the exchange
// on top of the matching engine, the store and the quote source.
package service

import (
	"regexp"

	"github.com/efreitasn/stockmarket/internal/engine"
	"github.com/efreitasn/stockmarket/internal/market"
	"github.com/efreitasn/stockmarket/internal/store"
)

var (
	clientNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	tickerRegex     = regexp.MustCompile(`^[A-Z0-9.]{1,12}$`)
)

// ExchangeService exposes one method per broker operation. Admission
// outcomes are returned as domain.ResultCode values; bad input is reported
// as *domain.ValidationError.
type ExchangeService struct {
	store    *store.Store
	exchange *engine.Exchange
	quotes   market.Source
}

// NewExchangeService creates a new ExchangeService with the given
// dependencies.
func NewExchangeService(st *store.Store, exchange *engine.Exchange, quotes market.Source) *ExchangeService {
	return &ExchangeService{
		store:    st,
		exchange: exchange,
		quotes:   quotes,
	}
}
