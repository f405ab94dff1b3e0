package service

import (
	"context"
	"errors"

	"github.com/efreitasn/stockmarket/internal/domain"
)

func validateClientName(name string) error {
	if !clientNameRegex.MatchString(name) {
		return &domain.ValidationError{
			Message: "client name must match ^[a-zA-Z0-9_-]{1,64}$",
		}
	}
	return nil
}

// AddClient registers a new client.
func (s *ExchangeService) AddClient(ctx context.Context, name string) (domain.ResultCode, error) {
	if err := validateClientName(name); err != nil {
		return "", err
	}
	_, err := s.store.AddClient(name)
	if errors.Is(err, domain.ErrClientAlreadyExists) {
		return domain.ResultClientAlreadyExists, nil
	}
	if err != nil {
		return "", err
	}
	return domain.ResultSuccess, nil
}

// GetStockOwnedByClient returns the client's non-zero holdings by ticker.
// It returns domain.ErrClientNotFound for an unregistered client.
func (s *ExchangeService) GetStockOwnedByClient(ctx context.Context, name string) (map[string]int64, error) {
	if err := validateClientName(name); err != nil {
		return nil, err
	}
	ok, err := s.store.ClientExists(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrClientNotFound
	}

	holdings, err := s.store.HoldingsByClient(name)
	if err != nil {
		return nil, err
	}
	owned := make(map[string]int64, len(holdings))
	for _, h := range holdings {
		owned[h.Ticker] = h.Quantity
	}
	return owned, nil
}
