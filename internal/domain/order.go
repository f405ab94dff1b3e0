package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MarketClient is the reserved client name of the synthetic participant
// that represents trades against the external market.
const MarketClient = "Market"

// OrderSide indicates whether an order buys or sells.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the side an order of this side is matched against.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Valid reports whether s is one of the known sides.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// Order is a buy or sell instruction. Orders are never deleted; once
// fully consumed or expired they are only deactivated.
type Order struct {
	ID        int64
	Client    string
	Side      OrderSide
	Ticker    string
	Amount    int64
	Price     decimal.Decimal // buy limit or sell floor
	ExpiresAt time.Time
	Active    bool
	CreatedAt time.Time
}

// IsExpired reports whether the order's expiry is at or before now.
func (o *Order) IsExpired(now time.Time) bool {
	return !o.ExpiresAt.After(now)
}

// AcceptsMarketPrice reports whether the order's limit would accept an
// execution against the external market at price. Sells accept any price
// at or above their floor; buys need the market strictly below the limit.
func (o *Order) AcceptsMarketPrice(price decimal.Decimal) bool {
	if o.Side == OrderSideSell {
		return o.Price.LessThanOrEqual(price)
	}
	return o.Price.GreaterThan(price)
}

// Slice returns a copy of the order carrying amount, ready to be stored
// as a new record. The copy has no ID and is active.
func (o *Order) Slice(amount int64) *Order {
	return &Order{
		Client:    o.Client,
		Side:      o.Side,
		Ticker:    o.Ticker,
		Amount:    amount,
		Price:     o.Price,
		ExpiresAt: o.ExpiresAt,
		Active:    true,
	}
}

func (o *Order) String() string {
	return fmt.Sprintf("order %d (%s %s %d %s @ %s)", o.ID, o.Client, o.Side, o.Amount, o.Ticker, o.Price)
}

// Client is a registered exchange participant.
type Client struct {
	Name      string
	CreatedAt time.Time
}

// Holding is a client's position in a single ticker.
type Holding struct {
	Client   string
	Ticker   string
	Quantity int64
}
