package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/stockmarket/internal/domain"
)

// CreateOrderRequest represents the input for order submission.
type CreateOrderRequest struct {
	Client    string
	Side      domain.OrderSide
	Ticker    string
	Amount    int64
	Price     decimal.Decimal
	ExpiresAt time.Time
}

// CreateOrder validates the request and hands it to the matching engine.
// An expiry in the past is not a validation error; it yields EXPIRED_ORDER.
func (s *ExchangeService) CreateOrder(ctx context.Context, req CreateOrderRequest) (domain.ResultCode, error) {
	if err := validateClientName(req.Client); err != nil {
		return "", err
	}
	if !req.Side.Valid() {
		return "", &domain.ValidationError{
			Message: fmt.Sprintf("side must be %s or %s", domain.OrderSideBuy, domain.OrderSideSell),
		}
	}
	if err := validateTicker(req.Ticker); err != nil {
		return "", err
	}
	if req.Amount <= 0 {
		return "", &domain.ValidationError{
			Message: "amount must be a positive integer",
		}
	}
	if err := domain.ValidatePrice(req.Price); err != nil {
		return "", err
	}
	if req.ExpiresAt.IsZero() {
		return "", &domain.ValidationError{
			Message: "expires_at is required",
		}
	}

	return s.exchange.CreateOrder(ctx, &domain.Order{
		Client:    req.Client,
		Side:      req.Side,
		Ticker:    req.Ticker,
		Amount:    req.Amount,
		Price:     req.Price,
		ExpiresAt: req.ExpiresAt,
		Active:    true,
	})
}

// GetOrders returns the orders of each named client in submission order.
// Unknown clients map to an empty list.
func (s *ExchangeService) GetOrders(ctx context.Context, clients []string, activeOnly bool) (map[string][]*domain.Order, error) {
	result := make(map[string][]*domain.Order, len(clients))
	for _, c := range clients {
		if err := validateClientName(c); err != nil {
			return nil, err
		}
		orders, err := s.store.ListByClient(c, activeOnly)
		if err != nil {
			return nil, fmt.Errorf("list orders of %s: %w", c, err)
		}
		result[c] = orders
	}
	return result, nil
}
