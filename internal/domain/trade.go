package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeLogEntry is the ledger record of one committed transaction.
type TradeLogEntry struct {
	TradeID       string
	TransactionID int64
	SellOrderID   int64
	BuyOrderID    int64
	Ticker        string
	Seller        string
	Buyer         string
	Amount        int64
	Price         decimal.Decimal
	Timestamp     time.Time
}

// Involves reports whether client is the buyer or the seller.
func (t *TradeLogEntry) Involves(client string) bool {
	return t.Seller == client || t.Buyer == client
}
