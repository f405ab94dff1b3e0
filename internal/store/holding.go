package store

import (
	"fmt"
	"strconv"

	"github.com/google/orderedcode"

	"github.com/efreitasn/stockmarket/internal/domain"
)

func decodeQuantity(bz []byte) (int64, error) {
	if len(bz) == 0 {
		return 0, nil
	}
	q, err := strconv.ParseInt(string(bz), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt holding quantity: %w", err)
	}
	return q, nil
}

// Holding returns the quantity of ticker client owns inside the
// transaction. A missing holding is zero.
func (tx *Tx) Holding(client, ticker string) (int64, error) {
	bz, err := tx.get(holdingKey(client, ticker))
	if err != nil {
		return 0, err
	}
	return decodeQuantity(bz)
}

// AddHolding applies delta to the client's position in ticker. The
// resulting quantity may not be negative.
func (tx *Tx) AddHolding(client, ticker string, delta int64) (int64, error) {
	q, err := tx.Holding(client, ticker)
	if err != nil {
		return 0, err
	}
	q += delta
	if q < 0 {
		return 0, fmt.Errorf("holding %s/%s would become %d", client, ticker, q)
	}
	if err := tx.set(holdingKey(client, ticker), []byte(strconv.FormatInt(q, 10))); err != nil {
		return 0, err
	}
	return q, nil
}

// Holding returns the quantity of ticker client owns. A missing holding
// is zero.
func (s *Store) Holding(client, ticker string) (int64, error) {
	bz, err := s.db.Get(holdingKey(client, ticker))
	if err != nil {
		return 0, err
	}
	return decodeQuantity(bz)
}

// SetHolding overwrites the client's position in ticker. Used to seed
// portfolios.
func (s *Store) SetHolding(client, ticker string, quantity int64) error {
	if quantity < 0 {
		return fmt.Errorf("holding %s/%s: negative quantity %d", client, ticker, quantity)
	}
	return s.Update(func(tx *Tx) error {
		return tx.set(holdingKey(client, ticker), []byte(strconv.FormatInt(quantity, 10)))
	})
}

// HoldingsByClient returns the client's non-zero positions ordered by
// ticker.
func (s *Store) HoldingsByClient(client string) ([]domain.Holding, error) {
	start := holdingKey(client, "")
	end := mustAppend(prefixHolding, client, orderedcode.Infinity)

	holdings := []domain.Holding{}
	err := s.scan(start, end, func(key, value []byte) error {
		_, ticker, err := decodeHoldingKey(key)
		if err != nil {
			return err
		}
		q, err := decodeQuantity(value)
		if err != nil {
			return err
		}
		if q > 0 {
			holdings = append(holdings, domain.Holding{Client: client, Ticker: ticker, Quantity: q})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return holdings, nil
}
