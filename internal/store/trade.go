package store

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/efreitasn/stockmarket/internal/domain"
)

// PutTrade appends entry to the trade log and indexes it under both
// counterparties. Entries are keyed by transaction id, so writing the same
// transaction twice keeps the first entry. It reports whether the entry was
// written.
func (tx *Tx) PutTrade(entry *domain.TradeLogEntry) (bool, error) {
	key := tradeKey(entry.TransactionID)
	bz, err := tx.get(key)
	if err != nil {
		return false, err
	}
	if bz != nil {
		return false, nil
	}
	if err := tx.setJSON(key, entry); err != nil {
		return false, err
	}
	for _, client := range []string{entry.Seller, entry.Buyer} {
		if err := tx.set(clientTradeKey(client, entry.TransactionID), []byte{}); err != nil {
			return false, err
		}
	}
	return true, nil
}

// GetTrade returns the log entry of a committed transaction, or nil if
// none has been written.
func (s *Store) GetTrade(txnID int64) (*domain.TradeLogEntry, error) {
	var t domain.TradeLogEntry
	ok, err := s.getJSON(tradeKey(txnID), &t)
	if err != nil || !ok {
		return nil, err
	}
	return &t, nil
}

// Trades returns the trades a client took part in at or after since, in
// transaction order. An empty client matches every trade.
func (s *Store) Trades(client string, since time.Time) ([]*domain.TradeLogEntry, error) {
	if client == "" {
		return s.allTrades(since)
	}

	var ids []int64
	err := s.scan(clientTradeKey(client, 0), clientTradeKey(client, math.MaxInt64), func(key, _ []byte) error {
		_, id, err := decodeClientTradeKey(key)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, err
	}

	trades := make([]*domain.TradeLogEntry, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTrade(id)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, fmt.Errorf("trade %d indexed for %s is missing", id, client)
		}
		if t.Timestamp.Before(since) {
			continue
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func (s *Store) allTrades(since time.Time) ([]*domain.TradeLogEntry, error) {
	trades := []*domain.TradeLogEntry{}
	err := s.scan(tradeKey(0), tradeKey(math.MaxInt64), func(_, value []byte) error {
		var t domain.TradeLogEntry
		if err := json.Unmarshal(value, &t); err != nil {
			return err
		}
		if t.Timestamp.Before(since) {
			return nil
		}
		trades = append(trades, &t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trades, nil
}
